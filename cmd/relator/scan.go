package main

import (
	"context"
	"fmt"
	"time"

	"github.com/iurislab/relator/pkg/graphscan"
)

// ScanCmd groups the risk-scan operations.
type ScanCmd struct {
	Run  ScanRunCmd  `cmd:"" help:"Run the detector suite over one tenant's graph."`
	List ScanListCmd `cmd:"" help:"List stored scan reports."`
	Show ScanShowCmd `cmd:"" help:"Print one stored scan report."`
}

// ScanRunCmd runs the detectors now and prints the report.
type ScanRunCmd struct {
	Tenant string `required:"" help:"Tenant whose graph is scanned."`
}

func (c *ScanRunCmd) Run(cli *CLI) error {
	ctx, cancel := signalContext()
	defer cancel()

	app, err := buildContext(ctx, cli)
	if err != nil {
		return err
	}
	defer func() { _ = app.Shutdown(context.Background()) }()

	report, err := app.Scan(ctx, c.Tenant)
	if err != nil {
		return err
	}
	if cli.JSON {
		return printJSON(report)
	}
	printReport(report)
	return nil
}

// ScanListCmd lists the archived reports for one tenant.
type ScanListCmd struct {
	Tenant string `required:"" help:"Tenant whose reports are listed."`
	Limit  int    `default:"20" help:"Reports to list, newest first."`
}

func (c *ScanListCmd) Run(cli *CLI) error {
	ctx, cancel := signalContext()
	defer cancel()

	app, err := buildContext(ctx, cli)
	if err != nil {
		return err
	}
	defer func() { _ = app.Shutdown(context.Background()) }()

	store := app.Reports()
	if store == nil {
		return fmt.Errorf("scan report persistence is not configured")
	}
	summaries, err := store.List(ctx, c.Tenant, c.Limit)
	if err != nil {
		return err
	}
	if cli.JSON {
		return printJSON(summaries)
	}
	for _, s := range summaries {
		fmt.Printf("%s  %s  signals: %d\n", s.CreatedAt.Local().Format(time.DateTime), s.ID, s.Signals)
	}
	return nil
}

// ScanShowCmd prints one archived report.
type ScanShowCmd struct {
	Tenant string `required:"" help:"Tenant the report belongs to."`
	ID     string `arg:"" help:"Report id."`
}

func (c *ScanShowCmd) Run(cli *CLI) error {
	ctx, cancel := signalContext()
	defer cancel()

	app, err := buildContext(ctx, cli)
	if err != nil {
		return err
	}
	defer func() { _ = app.Shutdown(context.Background()) }()

	store := app.Reports()
	if store == nil {
		return fmt.Errorf("scan report persistence is not configured")
	}
	report, err := store.Get(ctx, c.Tenant, c.ID)
	if err != nil {
		return err
	}
	if cli.JSON {
		return printJSON(report)
	}
	printReport(report)
	return nil
}

func printReport(report *graphscan.Report) {
	fmt.Printf("Report %s  tenant %s  %s  elapsed: %dms\n",
		report.ID, report.TenantID, report.StartedAt.Local().Format(time.DateTime), report.ElapsedMS)

	fmt.Println("\nDetectors:")
	for _, run := range report.Detectors {
		fmt.Printf("  %-28s %-12s signals: %-4d %dms", run.Name, run.Status, run.Signals, run.ElapsedMS)
		if run.Error != "" {
			fmt.Printf("  %s", firstLine(run.Error, 80))
		}
		fmt.Println()
	}

	if len(report.Signals) == 0 {
		fmt.Println("\nNo signals.")
		return
	}
	fmt.Printf("\nSignals (%d):\n", len(report.Signals))
	for i, sig := range report.Signals {
		fmt.Printf("%3d. %.2f  %-24s %s\n", i+1, sig.Score, sig.Detector, firstLine(sig.Summary, 120))
	}
}
