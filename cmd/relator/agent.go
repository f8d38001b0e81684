package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"golang.org/x/term"

	"github.com/iurislab/relator/pkg/agentic"
	"github.com/iurislab/relator/pkg/research"
)

// AgentCmd runs the deep-research agent. Study text streams to stdout as
// it is generated; planner and tool activity goes to stderr so the study
// stays pipeable. With --json every event is printed as one JSON line.
type AgentCmd struct {
	scopeFlags `embed:""`

	Goal     string   `arg:"" help:"Research goal."`
	Datasets []string `help:"Datasets the internal searches prioritize."`
	Quiet    bool     `short:"q" help:"Suppress tool activity; print only the study."`
}

func (c *AgentCmd) Run(cli *CLI) error {
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

	req := agentic.Request{Goal: c.Goal, Datasets: datasets, Scope: c.scope()}

	// ask_user pauses the run until a line arrives on the input channel.
	// Without a terminal there is nobody to ask; a nil channel makes the
	// agent tell the planner so and move on.
	interactive := term.IsTerminal(int(os.Stdin.Fd()))
	var answers chan string
	if interactive {
		answers = make(chan string)
		req.UserInput = answers
	}

	events, err := app.AgentStream(ctx, req)
	if err != nil {
		return err
	}

	return c.render(ctx, cli, events, answers)
}

func (c *AgentCmd) render(ctx context.Context, cli *CLI, events <-chan agentic.Event, answers chan string) error {
	stdin := bufio.NewScanner(os.Stdin)
	var runErr error
	streamed := false

	for ev := range events {
		if cli.JSON {
			if err := printJSON(ev); err != nil {
				return err
			}
			if ev.Type == agentic.EventError {
				runErr = errors.New(ev.Err)
			}
			continue
		}

		switch ev.Type {
		case agentic.EventIteration:
			c.note("\n[%d] planning\n", ev.Iteration)

		case agentic.EventThinking:
			c.note("%s\n", ev.Text)

		case agentic.EventToolCall:
			c.note("[%d] %s %s\n", ev.Iteration, ev.Tool, compactArgs(ev.Args))

		case agentic.EventToolResult:
			if ev.IsError {
				c.note("[%d] %s failed: %s\n", ev.Iteration, ev.Tool, firstLine(ev.Text, 160))
			} else {
				c.note("[%d] %s done in %dms\n", ev.Iteration, ev.Tool, ev.ElapsedMS)
			}

		case agentic.EventSource:
			if ev.Source != nil {
				c.note("    + (%s) %s\n", ev.Source.Type, sourceTitle(*ev.Source))
			}

		case agentic.EventAskUser:
			fmt.Fprintf(os.Stderr, "\n%s\n> ", ev.Text)
			if answers == nil {
				continue
			}
			if !stdin.Scan() {
				close(answers)
				answers = nil
				continue
			}
			select {
			case answers <- stdin.Text():
			case <-ctx.Done():
			}

		case agentic.EventStudyToken:
			fmt.Print(ev.Text)
			streamed = true

		case agentic.EventMergeDone:
			c.note("\n-- %d sources --\n", len(ev.Sources))
			for i, s := range ev.Sources {
				c.note("%2d. (%s) %s\n", i+1, s.Type, sourceTitle(s))
			}

		case agentic.EventStudyDone:
			if !streamed && ev.Text != "" {
				fmt.Print(ev.Text)
			}
			fmt.Println()

		case agentic.EventError:
			runErr = errors.New(ev.Err)
		}
	}
	return runErr
}

// note writes progress to stderr unless --quiet asked for study-only output.
func (c *AgentCmd) note(format string, args ...any) {
	if c.Quiet {
		return
	}
	fmt.Fprintf(os.Stderr, format, args...)
}

func sourceTitle(s research.Source) string {
	if s.Title != "" {
		return s.Title
	}
	if s.URL != "" {
		return s.URL
	}
	return s.ChunkID
}

func compactArgs(args map[string]any) string {
	if len(args) == 0 {
		return ""
	}
	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, args[k]))
	}
	return "{" + strings.Join(parts, " ") + "}"
}
