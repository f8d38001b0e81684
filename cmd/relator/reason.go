package main

import (
	"context"
	"fmt"
	"time"

	"github.com/iurislab/relator/pkg/cograg"
)

// ReasonCmd runs the decompose-gather-reason loop over one question.
type ReasonCmd struct {
	scopeFlags `embed:""`

	Question string   `arg:"" help:"Legal question to reason about."`
	Datasets []string `help:"Datasets the leaf searches run against."`
	MindMap  bool     `name:"mind-map" help:"Print the decomposition tree with per-node confidence."`
}

func (c *ReasonCmd) Run(cli *CLI) error {
	ctx, cancel := signalContext()
	defer cancel()

	datasets, err := parseDatasets(c.Datasets)
	if err != nil {
		return err
	}

	app, err := buildContext(ctx, cli)
	if err != nil {
		return err
	}
	defer func() { _ = app.Shutdown(context.Background()) }()

	out, err := app.Reason(ctx, cograg.Request{
		Question: c.Question,
		Datasets: datasets,
		Scope:    c.scope(),
	})
	if err != nil {
		return err
	}

	if cli.JSON {
		return printJSON(out)
	}
	printOutcome(out, c.MindMap)
	return nil
}

func printOutcome(out *cograg.Outcome, mindMap bool) {
	if out.Answer != "" {
		fmt.Println(out.Answer)
		fmt.Println()
	}

	fmt.Printf("Confidence: %.2f  Verification: %s  elapsed: %s\n",
		out.Confidence, out.VerificationStatus, out.Elapsed.Round(time.Millisecond))
	for _, issue := range out.Issues {
		fmt.Printf("  issue: %s\n", issue)
	}

	if len(out.SubAnswers) > 0 {
		fmt.Printf("\nSub-answers (%d):\n", len(out.SubAnswers))
		for i, sub := range out.SubAnswers {
			fmt.Printf("%2d. %s\n", i+1, sub.Question)
			fmt.Printf("    %s  (%.2f)\n", firstLine(sub.Answer, 160), sub.Confidence)
			for _, cite := range sub.Citations {
				fmt.Printf("    ref:%s\n", cite)
			}
		}
	}

	if mindMap && out.MindMap != nil && out.MindMap.Root != nil {
		fmt.Println("\nMind map:")
		printMindMapNode(out.MindMap.Root, 1)
		for _, conflict := range out.MindMap.Conflicts {
			fmt.Printf("  conflict (%s): %s vs %s  %s\n", conflict.Kind, conflict.RefA, conflict.RefB, conflict.Note)
		}
	}
}

func printMindMapNode(node *cograg.Node, depth int) {
	fmt.Printf("%*s%s  (%.2f)\n", depth*2, "", node.Question, node.Confidence)
	for _, child := range node.Children {
		printMindMapNode(child, depth+1)
	}
}
