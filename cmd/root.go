// Package cmd wires configuration, adapters, backends, and the engine
// into the docbt command line. All orchestration logic lives in
// internal/engine; this package only presents it.
package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/aleenprd/docbt/internal/config"
	"github.com/aleenprd/docbt/internal/logging"
	"github.com/aleenprd/docbt/internal/source"
	"github.com/aleenprd/docbt/internal/source/duckdb"
	"github.com/aleenprd/docbt/internal/source/postgres"
)

func Root() *cli.Command {
	return &cli.Command{
		Name:  "docbt",
		Usage: "Generate schema documentation with language models",
		Description: `docbt introspects a database schema, builds a prompt per table and
column, and asks a configured model backend to document each one.
Results are cached by content fingerprint so re-runs only touch nodes
whose schema actually changed.`,
		Commands: []*cli.Command{
			GenerateCommand(),
			CacheCommand(),
			SourcesCommand(),
		},
	}
}

func Execute() error {
	if err := Root().Run(context.Background(), os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)

		return err
	}

	return nil
}

func newLogger(cfg *config.Config) (*logging.Logger, error) {
	return logging.New(cfg.Logging.Level, cfg.Logging.Format)
}

func newAdapter(cfg *config.Config, log *logging.Logger) (source.Adapter, error) {
	srcCfg := cfg.SourceConfig()

	switch srcCfg.Kind {
	case source.KindPostgres:
		return postgres.New(srcCfg, log), nil
	case source.KindDuckDB:
		return duckdb.New(srcCfg, log), nil
	default:
		return nil, fmt.Errorf("unsupported source kind: %s", srcCfg.Kind)
	}
}
