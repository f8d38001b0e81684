// Command relator is the command-line entry to the retrieval stack.
//
// Usage:
//
//	relator search --tenant t1 "responsabilidade civil do transportador"
//	relator reason --tenant t1 "Cabe dano moral por atraso de voo?"
//	relator agent --tenant t1 "Estudo sobre o bem de família na execução"
//	relator scan run --tenant t1
//	relator config validate relator.yaml
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/alecthomas/kong"

	"github.com/iurislab/relator/pkg/config"
	"github.com/iurislab/relator/pkg/core"
)

// CLI defines the command tree.
type CLI struct {
	Search  SearchCmd  `cmd:"" help:"Run one retrieval request through the pipeline."`
	Reason  ReasonCmd  `cmd:"" help:"Decompose a question and reason over retrieved evidence."`
	Agent   AgentCmd   `cmd:"" help:"Run the deep-research agent and stream its study."`
	Scan    ScanCmd    `cmd:"" help:"Graph risk scans and their stored reports."`
	Config  ConfigCmd  `cmd:"" help:"Configuration utilities."`
	Version VersionCmd `cmd:"" help:"Show version information."`

	ConfigPath string `short:"c" name:"config" help:"Path to the config file." type:"path" default:"relator.yaml"`
	LogLevel   string `name:"log-level" help:"Override the configured log level (debug, info, warn, error)."`
	JSON       bool   `help:"Print results as JSON."`
}

// VersionCmd shows version information.
type VersionCmd struct{}

func (c *VersionCmd) Run() error {
	version := "dev"
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" && info.Main.Version != "(devel)" {
		version = info.Main.Version
	}
	fmt.Printf("relator %s\n", version)
	return nil
}

// signalContext cancels on SIGINT/SIGTERM so an aborted run still flushes
// its audit trace on the way out.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

// buildContext loads .env files and the config file, then assembles the
// full stack. The caller owns Shutdown.
func buildContext(ctx context.Context, cli *CLI) (*core.Context, error) {
	_ = config.LoadEnvFiles()

	cfg, err := config.LoadConfig(config.LoaderOptions{Path: cli.ConfigPath})
	if err != nil {
		return nil, err
	}
	if cli.LogLevel != "" {
		cfg.Logging.Level = cli.LogLevel
	}
	return core.New(ctx, cfg, nil)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func main() {
	cli := CLI{}
	kctx := kong.Parse(&cli,
		kong.Name("relator"),
		kong.Description("Retrieval, reasoning and deep research over legal corpora."),
		kong.UsageOnError(),
	)
	kctx.FatalIfErrorf(kctx.Run(&cli))
}
