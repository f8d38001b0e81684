package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/iurislab/relator/pkg/pipeline"
	"github.com/iurislab/relator/pkg/retrieval"
	"github.com/iurislab/relator/pkg/visibility"
)

// scopeFlags are the visibility knobs shared by every request command.
type scopeFlags struct {
	Tenant   string   `required:"" help:"Tenant the request runs under."`
	Case     string   `help:"Bind the request to one case; admits its local filings."`
	Groups   []string `help:"Group ids whose shared documents are admissible."`
	NoGlobal bool     `name:"no-global" help:"Exclude the shared global datasets."`
}

func (f scopeFlags) scope() visibility.QueryScope {
	return visibility.QueryScope{
		TenantID:    f.Tenant,
		CaseID:      f.Case,
		GroupIDs:    f.Groups,
		AllowGlobal: !f.NoGlobal,
		AllowGroup:  len(f.Groups) > 0,
		AllowLocal:  f.Case != "",
	}
}

func parseDatasets(raw []string) ([]retrieval.SourceType, error) {
	out := make([]retrieval.SourceType, 0, len(raw))
	for _, d := range raw {
		st := retrieval.SourceType(strings.TrimSpace(d))
		if !retrieval.ValidSource(st) {
			return nil, fmt.Errorf("unknown dataset %q", d)
		}
		out = append(out, st)
	}
	return out, nil
}

// SearchCmd runs one query through the retrieval pipeline.
type SearchCmd struct {
	scopeFlags `embed:""`

	Query    string   `arg:"" help:"Query text."`
	Datasets []string `help:"Datasets to search (statute, case_law, doctrine, internal_filing, model_brief)."`
	TopK     int      `name:"top-k" help:"Results to return; 0 keeps the configured default."`
	Bundle   bool     `help:"Print the prompt-ready context bundle instead of the result list."`
}

func (c *SearchCmd) Run(cli *CLI) error {
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

	result, err := app.Retrieve(ctx, pipeline.Request{
		Query:    c.Query,
		TopK:     c.TopK,
		Datasets: datasets,
		Scope:    c.scope(),
	})
	if err != nil {
		return err
	}

	if cli.JSON {
		return printJSON(result)
	}
	if c.Bundle {
		fmt.Println(result.ContextBundle)
		return nil
	}
	printSearchResult(result)
	return nil
}

func printSearchResult(result *retrieval.PipelineResult) {
	fmt.Printf("Evidence: %s", result.Evidence)
	if result.VectorSkipped {
		fmt.Print("  (lexical-first, vector skipped)")
	}
	if len(result.Corrections) > 0 {
		fmt.Printf("  corrections: %d", len(result.Corrections))
	}
	fmt.Printf("  elapsed: %s\n\n", result.Elapsed.Round(time.Millisecond))

	for i, r := range result.Results {
		fmt.Printf("%2d. [%s] %s", i+1, r.Chunk.Dataset, headline(r))
		if r.RerankScore != nil {
			fmt.Printf("  (rerank %.3f)", *r.RerankScore)
		} else if r.FusedScore > 0 {
			fmt.Printf("  (fused %.4f)", r.FusedScore)
		}
		fmt.Println()
		fmt.Printf("    ref:%s  via %s\n", r.Chunk.ID, strings.Join(r.Retrievers, ","))
		fmt.Printf("    %s\n", firstLine(r.EffectiveText(), 160))
	}

	if len(result.Graph.Paths) > 0 {
		fmt.Println("\nGraph paths:")
		for _, p := range result.Graph.Paths {
			fmt.Printf("  path:%s  %s\n", p.UID, p.Text)
		}
	}
}

func headline(r retrieval.Result) string {
	if r.Chunk.Meta.Title != "" {
		return r.Chunk.Meta.Title
	}
	if r.Chunk.Meta.Citation != "" {
		return r.Chunk.Meta.Citation
	}
	return r.Chunk.DocumentID
}

// firstLine flattens whitespace and bounds the excerpt for terminal output.
func firstLine(text string, max int) string {
	flat := strings.Join(strings.Fields(text), " ")
	runes := []rune(flat)
	if len(runes) <= max {
		return flat
	}
	return string(runes[:max]) + "…"
}
