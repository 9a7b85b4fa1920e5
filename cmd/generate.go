package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/briandowns/spinner"
	"github.com/urfave/cli/v3"

	"github.com/aleenprd/docbt/internal/cache"
	"github.com/aleenprd/docbt/internal/config"
	"github.com/aleenprd/docbt/internal/engine"
	"github.com/aleenprd/docbt/internal/llm"
	"github.com/aleenprd/docbt/internal/prompt"
)

func GenerateCommand() *cli.Command {
	return &cli.Command{
		Name:        "generate",
		Usage:       "Document every table and column of a data source",
		Description: `Introspect the configured data source and generate a description for each table and column, writing a Markdown document and a per-node report.`,
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "source", Aliases: []string{"s"}, Usage: "source kind (postgres, duckdb)"},
			&cli.StringFlag{Name: "dsn", Usage: "connection string or database file path"},
			&cli.StringFlag{Name: "name", Usage: "data source name used in fingerprints"},
			&cli.StringFlag{Name: "db-schema", Usage: "restrict introspection to one schema"},
			&cli.StringFlag{Name: "output", Aliases: []string{"o"}, Value: "schema-docs.md", Usage: "markdown output path"},
			&cli.BoolFlag{Name: "force", Aliases: []string{"f"}, Usage: "regenerate even when cached"},
			&cli.BoolFlag{Name: "quiet", Aliases: []string{"q"}, Usage: "suppress the progress spinner"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg, err := config.LoadRaw()
			if err != nil {
				return err
			}

			applyFlags(cfg, cmd)

			return runGenerate(ctx, cfg, cmd.String("output"), cmd.Bool("force"), cmd.Bool("quiet"))
		},
	}
}

func applyFlags(cfg *config.Config, cmd *cli.Command) {
	if v := cmd.String("source"); v != "" {
		cfg.Source.Kind = v
	}

	if v := cmd.String("dsn"); v != "" {
		cfg.Source.DSN = v
	}

	if v := cmd.String("name"); v != "" {
		cfg.Source.Name = v
	}

	if v := cmd.String("db-schema"); v != "" {
		cfg.Source.Schema = v
	}
}

func runGenerate(ctx context.Context, cfg *config.Config, output string, force, quiet bool) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	log, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer log.Sync()

	adapter, err := newAdapter(cfg, log)
	if err != nil {
		return err
	}

	backends := make([]llm.Backend, 0, 2)

	for _, backendCfg := range cfg.BackendConfigs() {
		backend, err := llm.New(backendCfg)
		if err != nil {
			return err
		}

		backends = append(backends, backend)
	}

	templates := prompt.DefaultTemplates()
	if cfg.Prompt.TemplateFile != "" {
		templates, err = prompt.LoadTemplates(cfg.Prompt.TemplateFile)
		if err != nil {
			return err
		}
	}

	store, err := cache.NewFileStore(cfg.Cache.Directory)
	if err != nil {
		return err
	}

	var engineCache cache.Store = store
	if force {
		engineCache = readThrough{store}
	}

	fmt.Printf("Fetching schema from %s source...\n", adapter.Kind())

	ds, err := adapter.FetchSchema(ctx)
	if err != nil {
		return err
	}

	var progress *spinner.Spinner
	if !quiet {
		progress = spinner.New(spinner.CharSets[14], 100*time.Millisecond)
		progress.Suffix = " generating documentation..."
		progress.Start()
	}

	engineCfg := engine.DefaultConfig()
	engineCfg.Backends = backends
	engineCfg.Builder = prompt.New(templates)
	engineCfg.Cache = engineCache
	engineCfg.Logger = log
	engineCfg.Workers = cfg.Engine.Workers
	engineCfg.MaxAttempts = cfg.Engine.MaxAttempts
	engineCfg.BaseBackoff = cfg.BaseBackoff()
	engineCfg.MaxBackoff = cfg.MaxBackoff()
	engineCfg.CallTimeout = cfg.CallTimeout()
	engineCfg.BatchTimeout = cfg.BatchTimeout()
	engineCfg.IncludeColumnSummaries = cfg.ColumnSummaries()
	engineCfg.OnEvent = func(ev engine.Event) {
		if progress != nil {
			progress.Suffix = fmt.Sprintf(" %s: %s", ev.Node.Path(), ev.State)
		}
	}

	eng, err := engine.New(engineCfg)
	if err != nil {
		if progress != nil {
			progress.Stop()
		}

		return err
	}

	results, err := eng.Generate(ctx, ds)

	if progress != nil {
		progress.Stop()
	}

	if err != nil {
		return err
	}

	printReport(results)

	if err := os.WriteFile(output, []byte(renderMarkdown(ds, results)), 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", output, err)
	}

	fmt.Printf("\nDocumentation written to %s\n", output)

	return nil
}

// readThrough hides existing entries from the engine while keeping
// write-through on success, which is how --force regenerates without
// destroying other sources' cache entries.
type readThrough struct {
	cache.Store
}

func (readThrough) Get(context.Context, string) (*cache.Entry, bool, error) {
	return nil, false, nil
}

func printReport(results []engine.Result) {
	succeeded, cached, failed, skipped := 0, 0, 0, 0

	for _, res := range results {
		switch res.State {
		case engine.StateSucceeded:
			succeeded++

			if res.Cached {
				cached++
			}
		case engine.StateFailed:
			failed++

			fmt.Printf("  FAILED  %-40s %s: %s\n", res.Node.Path(), res.ErrKind, res.Err)
		case engine.StateSkipped:
			skipped++

			fmt.Printf("  SKIPPED %-40s %s\n", res.Node.Path(), res.Err)
		}
	}

	fmt.Printf("\nGeneration Report\n")
	fmt.Printf("=================\n")
	fmt.Printf("Succeeded: %d (%d from cache)\n", succeeded, cached)
	fmt.Printf("Failed:    %d\n", failed)
	fmt.Printf("Skipped:   %d\n", skipped)
}
