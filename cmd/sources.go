package cmd

import (
	"context"
	"fmt"

	"github.com/urfave/cli/v3"

	"github.com/aleenprd/docbt/internal/source"
)

func SourcesCommand() *cli.Command {
	return &cli.Command{
		Name:  "sources",
		Usage: "List supported data source kinds",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			fmt.Println("Supported data sources:")
			fmt.Printf("  %-10s PostgreSQL via connection string (information_schema introspection)\n", source.KindPostgres)
			fmt.Printf("  %-10s DuckDB database file; attach CSV/Parquet files through views\n", source.KindDuckDB)

			return nil
		},
	}
}
