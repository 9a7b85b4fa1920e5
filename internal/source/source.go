// Package source defines the schema-fetching contract. Adapter failures
// are fatal to a generation run: without the full schema structure there is
// nothing to document.
package source

import (
	"context"

	"github.com/aleenprd/docbt/internal/schema"
)

// Supported adapter kinds.
const (
	KindPostgres = "postgres"
	KindDuckDB   = "duckdb"
)

// MaxSampleRows bounds the per-table sample fetched for prompt context.
const MaxSampleRows = schema.MaxSampleRows

// Adapter fetches schema metadata from a concrete backend. Errors carry
// the connection, permission, or unsupported_schema kinds.
type Adapter interface {
	// FetchSchema introspects the backend and returns a validated model.
	FetchSchema(ctx context.Context) (*schema.DataSource, error)
	// Kind names the backend variant, e.g. "postgres".
	Kind() string
}

// Config selects and connects an adapter.
type Config struct {
	// Kind is one of the supported adapter kinds.
	Kind string `json:"kind"`
	// Name identifies the data source; it participates in fingerprints,
	// so renaming a source invalidates its cache entries.
	Name string `json:"name"`
	// DSN is the backend connection string, or a database file path for
	// file-backed engines.
	DSN string `json:"dsn"`
	// Schema restricts introspection to one namespace where the backend
	// has them. Empty means the backend default.
	Schema string `json:"schema,omitempty"`
	// SampleRows bounds the sample fetched per table. Zero means
	// MaxSampleRows; values above MaxSampleRows are clamped.
	SampleRows int `json:"sample_rows,omitempty"`
}

// SampleLimit resolves the effective per-table sample bound.
func (c Config) SampleLimit() int {
	if c.SampleRows <= 0 || c.SampleRows > MaxSampleRows {
		return MaxSampleRows
	}

	return c.SampleRows
}
