package cmd

import (
	"fmt"
	"strings"

	"github.com/aleenprd/docbt/internal/engine"
	"github.com/aleenprd/docbt/internal/schema"
)

// renderMarkdown produces the documentation document: one section per
// table with its description, a column table, and any relationships.
func renderMarkdown(ds *schema.DataSource, results []engine.Result) string {
	failures := make(map[schema.NodeRef]engine.Result)

	for _, res := range results {
		if res.State != engine.StateSucceeded {
			failures[res.Node] = res
		}
	}

	var sb strings.Builder

	fmt.Fprintf(&sb, "# %s\n\n", ds.Name)
	fmt.Fprintf(&sb, "Schema documentation for the `%s` data source (%s).\n\n", ds.Name, ds.Backend)

	for _, table := range ds.Tables {
		fmt.Fprintf(&sb, "## %s\n\n", table.Name)

		if table.Description != "" {
			sb.WriteString(table.Description + "\n\n")
		} else if res, ok := failures[schema.TableRef(table.Name)]; ok {
			fmt.Fprintf(&sb, "_Description unavailable (%s)._\n\n", res.State)
		}

		sb.WriteString("| Column | Type | Nullable | Description |\n")
		sb.WriteString("|--------|------|----------|-------------|\n")

		for _, col := range table.Columns {
			desc := col.Description
			if desc == "" {
				if res, ok := failures[schema.ColumnRef(table.Name, col.Name)]; ok {
					desc = fmt.Sprintf("_unavailable (%s)_", res.State)
				}
			}

			fmt.Fprintf(&sb, "| %s | %s | %s | %s |\n",
				col.Name, col.Type, yesNo(col.Nullable), escapeCell(desc))
		}

		sb.WriteString("\n")

		if rels := ds.RelationshipsFor(table.Name); len(rels) > 0 {
			sb.WriteString("Relationships:\n\n")

			for _, r := range rels {
				fmt.Fprintf(&sb, "- `%s.%s` → `%s.%s` (%s)\n",
					r.FromTable, r.FromColumn, r.ToTable, r.ToColumn, r.Kind)
			}

			sb.WriteString("\n")
		}
	}

	return sb.String()
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}

	return "no"
}

// escapeCell keeps generated text from breaking the markdown table.
func escapeCell(s string) string {
	s = strings.ReplaceAll(s, "\n", " ")

	return strings.ReplaceAll(s, "|", "\\|")
}
