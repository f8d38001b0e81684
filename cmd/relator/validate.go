package main

import (
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/iurislab/relator/pkg/config"
)

// ConfigCmd groups configuration utilities.
type ConfigCmd struct {
	Validate ConfigValidateCmd `cmd:"" help:"Load and validate a configuration file."`
}

// ConfigValidateCmd runs the file through the full loading pipeline:
// env expansion, strict decoding, defaults, validation. It does not touch
// any backend.
type ConfigValidateCmd struct {
	Path  string `arg:"" optional:"" help:"Configuration file path; defaults to the global --config." type:"path"`
	Print bool   `short:"p" help:"Print the expanded configuration (defaults applied, env vars resolved)."`
}

func (c *ConfigValidateCmd) Run(cli *CLI) error {
	path := c.Path
	if path == "" {
		path = cli.ConfigPath
	}

	_ = config.LoadEnvFiles()
	cfg, err := config.LoadConfig(config.LoaderOptions{Path: path})
	if err != nil {
		if cli.JSON {
			_ = printJSON(map[string]any{"valid": false, "file": path, "error": err.Error()})
		}
		return fmt.Errorf("%s: %w", path, err)
	}

	if c.Print {
		out, err := yaml.Marshal(cfg)
		if err != nil {
			return fmt.Errorf("failed to render config: %w", err)
		}
		fmt.Print(string(out))
		return nil
	}
	if cli.JSON {
		return printJSON(map[string]any{"valid": true, "file": path})
	}
	fmt.Printf("%s: configuration is valid\n", path)
	return nil
}
