// Package schema defines the canonical, backend-independent representation
// of a data source: tables, columns, relationships, and bounded sample rows.
// Adapters produce it; the generation engine fills its description slots.
package schema

import (
	"fmt"
)

// MaxSampleRows bounds how many sample rows a table may carry. Samples are
// generation context only and never part of a node's identity.
const MaxSampleRows = 20

// SemanticType is the backend-independent column type.
type SemanticType string

const (
	TypeString  SemanticType = "string"
	TypeInteger SemanticType = "integer"
	TypeFloat   SemanticType = "float"
	TypeBoolean SemanticType = "boolean"
	TypeDate    SemanticType = "date"
	TypeUnknown SemanticType = "unknown"
)

// RelationshipKind distinguishes declared foreign keys from inferred links.
type RelationshipKind string

const (
	RelForeignKey RelationshipKind = "foreign-key"
	RelInferred   RelationshipKind = "inferred"
)

// Value is a single sampled cell. Raw holds the rendered value; Null marks
// a database NULL, in which case Raw is empty.
type Value struct {
	Raw  string `json:"raw"`
	Null bool   `json:"null,omitempty"`
}

// Row is one sample row, aligned with the owning table's column order.
type Row []Value

// DataSource is the root of a fetched schema. Immutable after fetch except
// for description slots.
type DataSource struct {
	Name          string         `json:"name"`
	Backend       string         `json:"backend"`
	Tables        []*Table       `json:"tables"`
	Relationships []Relationship `json:"relationships,omitempty"`
}

// Table is a named, ordered collection of columns with an optional
// description slot filled by generation.
type Table struct {
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Columns     []*Column `json:"columns"`
	SampleRows  []Row     `json:"sample_rows,omitempty"`
}

// Column describes a single column. Ordinal is its zero-based position
// within the table.
type Column struct {
	Name        string       `json:"name"`
	Type        SemanticType `json:"type"`
	Nullable    bool         `json:"nullable"`
	Description string       `json:"description,omitempty"`
	Ordinal     int          `json:"ordinal"`
}

// Relationship links a source column to a target table and column.
type Relationship struct {
	FromTable  string           `json:"from_table"`
	FromColumn string           `json:"from_column"`
	ToTable    string           `json:"to_table"`
	ToColumn   string           `json:"to_column"`
	Kind       RelationshipKind `json:"kind"`
}

// Table returns the named table, or nil.
func (d *DataSource) Table(name string) *Table {
	for _, t := range d.Tables {
		if t.Name == name {
			return t
		}
	}

	return nil
}

// Column returns the named column, or nil.
func (t *Table) Column(name string) *Column {
	for _, c := range t.Columns {
		if c.Name == name {
			return c
		}
	}

	return nil
}

// RelationshipsFor returns the relationships whose source is the given table.
func (d *DataSource) RelationshipsFor(table string) []Relationship {
	var rels []Relationship

	for _, r := range d.Relationships {
		if r.FromTable == table {
			rels = append(rels, r)
		}
	}

	return rels
}

// Validate checks the structural invariants: unique table names, unique
// column names per table, contiguous ordinals from 0, sample rows aligned
// with columns, and relationship endpoints that exist.
func (d *DataSource) Validate() error {
	if d.Name == "" {
		return fmt.Errorf("data source name is required")
	}

	tableNames := make(map[string]bool, len(d.Tables))

	for _, t := range d.Tables {
		if t.Name == "" {
			return fmt.Errorf("table name is required")
		}

		if tableNames[t.Name] {
			return fmt.Errorf("duplicate table name: %s", t.Name)
		}

		tableNames[t.Name] = true

		if err := t.validate(); err != nil {
			return fmt.Errorf("table %s: %w", t.Name, err)
		}
	}

	for _, r := range d.Relationships {
		from := d.Table(r.FromTable)
		if from == nil {
			return fmt.Errorf("relationship references unknown table: %s", r.FromTable)
		}

		if from.Column(r.FromColumn) == nil {
			return fmt.Errorf("relationship references unknown column: %s.%s", r.FromTable, r.FromColumn)
		}

		to := d.Table(r.ToTable)
		if to == nil {
			return fmt.Errorf("relationship references unknown table: %s", r.ToTable)
		}

		if to.Column(r.ToColumn) == nil {
			return fmt.Errorf("relationship references unknown column: %s.%s", r.ToTable, r.ToColumn)
		}
	}

	return nil
}

func (t *Table) validate() error {
	columnNames := make(map[string]bool, len(t.Columns))

	for i, c := range t.Columns {
		if c.Name == "" {
			return fmt.Errorf("column name is required")
		}

		if columnNames[c.Name] {
			return fmt.Errorf("duplicate column name: %s", c.Name)
		}

		columnNames[c.Name] = true

		if c.Ordinal != i {
			return fmt.Errorf("column %s: ordinal %d, expected %d", c.Name, c.Ordinal, i)
		}
	}

	if len(t.SampleRows) > MaxSampleRows {
		return fmt.Errorf("sample rows exceed limit: %d > %d", len(t.SampleRows), MaxSampleRows)
	}

	for i, row := range t.SampleRows {
		if len(row) != len(t.Columns) {
			return fmt.Errorf("sample row %d has %d values, expected %d", i, len(row), len(t.Columns))
		}
	}

	return nil
}
