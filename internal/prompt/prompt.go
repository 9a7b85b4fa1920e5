// Package prompt builds completion requests for schema nodes. Building is
// pure and deterministic: the same node and context always produce a
// byte-identical request, which keeps cache fingerprints stable.
package prompt

import (
	"fmt"
	"strings"

	"github.com/aleenprd/docbt/internal/errors"
	"github.com/aleenprd/docbt/internal/llm"
	"github.com/aleenprd/docbt/internal/profile"
	"github.com/aleenprd/docbt/internal/schema"
)

// TemplateVersion participates in cache fingerprints. Bump it whenever the
// rendered prompt text changes shape, so stale cache entries miss.
const TemplateVersion = "v1"

// Approximate tokens-per-character ratio used for budgeting. Real
// tokenizers vary per model; one token per four characters is a safe
// overestimate for English prose and SQL identifiers.
const charsPerToken = 4

// Context carries everything beyond the node itself that a prompt may
// embed. ColumnSummaries maps column names of the node's table to their
// generated descriptions; it is only consulted for table nodes.
type Context struct {
	Source          *schema.DataSource
	ColumnSummaries map[string]string
	// MaxContextTokens is the target backend's declared context window.
	// Zero means unlimited.
	MaxContextTokens int
}

// Builder renders prompts from templates. The zero value is not usable;
// construct with New.
type Builder struct {
	tmpl Templates
}

func New(tmpl Templates) *Builder {
	return &Builder{tmpl: tmpl}
}

// Build renders the completion request for a node. Sample-row context is
// truncated from the tail when the rendered prompt would exceed the
// backend's context window. It fails with a prompt_too_large error only
// when even the minimal prompt, stripped of all optional context, does not
// fit.
func (b *Builder) Build(ref schema.NodeRef, pctx Context) (llm.Request, error) {
	if pctx.Source == nil {
		return llm.Request{}, errors.New(errors.KindInternal, "prompt context has no data source")
	}

	table := pctx.Source.Table(ref.Table)
	if table == nil {
		return llm.Request{}, errors.Newf(errors.KindInternal, "unknown table %q", ref.Table)
	}

	var core, optional []string
	if ref.IsTable() {
		core, optional = b.tableSections(table, pctx)
	} else {
		column := table.Column(ref.Column)
		if column == nil {
			return llm.Request{}, errors.Newf(errors.KindInternal, "unknown column %q", ref.Path())
		}

		core, optional = b.columnSections(table, column, pctx)
	}

	prompt, err := b.fit(ref, core, optional, pctx.MaxContextTokens)
	if err != nil {
		return llm.Request{}, err
	}

	return llm.Request{
		System:      b.tmpl.System,
		Prompt:      prompt,
		Temperature: b.tmpl.Temperature,
		MaxTokens:   b.tmpl.MaxTokens,
		Stop:        llm.ParseStopSequences(b.tmpl.Stop),
	}, nil
}

// fit assembles the prompt under the token budget. Core sections are
// mandatory; optional sections are dropped from the tail until the prompt
// fits.
func (b *Builder) fit(ref schema.NodeRef, core, optional []string, maxTokens int) (string, error) {
	minimal := strings.Join(core, "\n\n")

	budget := 0
	if maxTokens > 0 {
		// Reserve the system prompt and the completion itself.
		budget = maxTokens - estimateTokens(b.tmpl.System) - b.tmpl.MaxTokens
		if estimateTokens(minimal) > budget {
			return "", errors.Newf(errors.KindPromptTooLarge,
				"minimal prompt for %s exceeds backend context window (%d tokens)", ref.Path(), maxTokens)
		}
	}

	kept := optional
	for len(kept) > 0 {
		full := strings.Join(append(append([]string{}, core...), kept...), "\n\n")
		if maxTokens <= 0 || estimateTokens(full) <= budget {
			return full, nil
		}

		kept = kept[:len(kept)-1]
	}

	return minimal, nil
}

// tableSections renders a table prompt. Core: identity, column listing,
// relationships, instruction. Optional, in drop order from the tail:
// sample rows (row by row), then completed column summaries.
func (b *Builder) tableSections(table *schema.Table, pctx Context) (core, optional []string) {
	core = append(core, fmt.Sprintf("Data source: %s (%s)", pctx.Source.Name, pctx.Source.Backend))
	core = append(core, "Table: "+table.Name)

	var cols strings.Builder

	cols.WriteString("Columns:")

	for _, c := range table.Columns {
		cols.WriteString(fmt.Sprintf("\n- %s (%s%s)", c.Name, c.Type, nullabilityNote(c.Nullable)))
	}

	core = append(core, cols.String())

	if rels := pctx.Source.RelationshipsFor(table.Name); len(rels) > 0 {
		var sb strings.Builder

		sb.WriteString("Relationships:")

		for _, r := range rels {
			sb.WriteString(fmt.Sprintf("\n- %s.%s -> %s.%s (%s)", r.FromTable, r.FromColumn, r.ToTable, r.ToColumn, r.Kind))
		}

		core = append(core, sb.String())
	}

	core = append(core, b.tmpl.TableInstruction)

	// Column summaries come last in the drop order so they outlive sample
	// rows under a tight budget; they are the richer context.
	optional = append(optional, sampleRowSections(table)...)

	if summaries := columnSummarySection(table, pctx.ColumnSummaries); summaries != "" {
		optional = append([]string{summaries}, optional...)
	}

	return core, optional
}

// columnSections renders a column prompt. Core: identity, type, sibling
// column listing, instruction. Optional: profile statistics, then the
// column's sample values.
func (b *Builder) columnSections(table *schema.Table, column *schema.Column, pctx Context) (core, optional []string) {
	core = append(core, fmt.Sprintf("Data source: %s (%s)", pctx.Source.Name, pctx.Source.Backend))
	core = append(core, fmt.Sprintf("Column: %s.%s", table.Name, column.Name))
	core = append(core, fmt.Sprintf("Type: %s%s", column.Type, nullabilityNote(column.Nullable)))

	var siblings strings.Builder

	siblings.WriteString("Sibling columns:")

	for _, c := range table.Columns {
		if c.Name == column.Name {
			continue
		}

		siblings.WriteString("\n- " + c.Name + " (" + string(c.Type) + ")")
	}

	core = append(core, siblings.String())
	core = append(core, b.tmpl.ColumnInstruction)

	if stats := columnStatsSection(table, column); stats != "" {
		optional = append(optional, stats)
	}

	if values := sampleValueSection(table, column); values != "" {
		optional = append(optional, values)
	}

	return core, optional
}

// sampleRowSections renders each sample row as its own section so the
// budget fitter can drop rows one at a time from the tail.
func sampleRowSections(table *schema.Table) []string {
	if len(table.SampleRows) == 0 {
		return nil
	}

	names := make([]string, len(table.Columns))
	for i, c := range table.Columns {
		names[i] = c.Name
	}

	sections := make([]string, 0, len(table.SampleRows)+1)
	sections = append(sections, "Sample rows ("+strings.Join(names, ", ")+"):")

	for _, row := range table.SampleRows {
		cells := make([]string, len(row))
		for i, v := range row {
			cells[i] = renderValue(v)
		}

		sections = append(sections, "  "+strings.Join(cells, ", "))
	}

	return sections
}

func sampleValueSection(table *schema.Table, column *schema.Column) string {
	if len(table.SampleRows) == 0 || column.Ordinal >= len(table.Columns) {
		return ""
	}

	var values []string

	for _, row := range table.SampleRows {
		if column.Ordinal < len(row) {
			values = append(values, renderValue(row[column.Ordinal]))
		}
	}

	if len(values) == 0 {
		return ""
	}

	return "Sample values: " + strings.Join(values, ", ")
}

// columnStatsSection renders the profile statistics matching the column,
// numeric or text depending on its type.
func columnStatsSection(table *schema.Table, column *schema.Column) string {
	for _, info := range profile.Columns(table) {
		if info.Name != column.Name {
			continue
		}

		base := fmt.Sprintf("Profile: %d non-null, %d null, %s unique values",
			info.NonNullCount, info.NullCount, info.UniqueValues)

		for _, ns := range profile.Numbers(table) {
			if ns.Name == column.Name {
				return base + fmt.Sprintf("\nStats: mean=%.4g std=%.4g min=%s p25=%.4g p50=%.4g p75=%.4g max=%s",
					ns.Mean, ns.Std, trimFloat(ns.Min), ns.P25, ns.P50, ns.P75, trimFloat(ns.Max))
			}
		}

		for _, ts := range profile.Texts(table) {
			if ts.Name == column.Name {
				return base + fmt.Sprintf("\nMost frequent: %q (%d occurrences)", ts.MostFrequent, ts.Frequency)
			}
		}

		return base
	}

	return ""
}

func columnSummarySection(table *schema.Table, summaries map[string]string) string {
	if len(summaries) == 0 {
		return ""
	}

	var sb strings.Builder

	// Iterate in ordinal order, not map order, to stay deterministic.
	wrote := false

	for _, c := range table.Columns {
		text, ok := summaries[c.Name]
		if !ok || text == "" {
			continue
		}

		if !wrote {
			sb.WriteString("Column descriptions:")
			wrote = true
		}

		sb.WriteString("\n- " + c.Name + ": " + text)
	}

	if !wrote {
		return ""
	}

	return sb.String()
}

func renderValue(v schema.Value) string {
	if v.Null {
		return "NULL"
	}

	return v.Raw
}

func nullabilityNote(nullable bool) string {
	if nullable {
		return ", nullable"
	}

	return ", not null"
}

func trimFloat(f float64) string {
	return strings.TrimRight(strings.TrimRight(fmt.Sprintf("%.4f", f), "0"), ".")
}

func estimateTokens(s string) int {
	if s == "" {
		return 0
	}

	return len(s)/charsPerToken + 1
}
