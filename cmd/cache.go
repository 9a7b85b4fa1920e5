package cmd

import (
	"context"
	"fmt"

	"github.com/urfave/cli/v3"

	"github.com/aleenprd/docbt/internal/cache"
	"github.com/aleenprd/docbt/internal/config"
)

func CacheCommand() *cli.Command {
	return &cli.Command{
		Name:  "cache",
		Usage: "Inspect or clear the result cache",
		Commands: []*cli.Command{
			{
				Name:  "stats",
				Usage: "Show cache entry counts and hit rates",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					store, err := openStore()
					if err != nil {
						return err
					}

					stats, err := store.Stats(ctx)
					if err != nil {
						return err
					}

					fmt.Printf("Cache Statistics\n")
					fmt.Printf("================\n")
					fmt.Printf("Directory: %s\n", store.Directory())
					fmt.Printf("Entries:   %d\n", stats.Entries)
					fmt.Printf("Size:      %.2f KB\n", float64(stats.SizeBytes)/1024)

					return nil
				},
			},
			{
				Name:  "clear",
				Usage: "Remove every cached description",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					store, err := openStore()
					if err != nil {
						return err
					}

					removed, err := store.Clear(ctx)
					if err != nil {
						return err
					}

					fmt.Printf("Removed %d cache entries from %s\n", removed, store.Directory())

					return nil
				},
			},
		},
	}
}

func openStore() (*cache.FileStore, error) {
	cfg, err := config.LoadRaw()
	if err != nil {
		return nil, err
	}

	return cache.NewFileStore(cfg.Cache.Directory)
}
