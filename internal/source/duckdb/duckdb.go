// Package duckdb introspects a DuckDB database file into the schema
// model. DuckDB also fronts flat files: a database that ATTACHes or
// creates views over CSV/Parquet exposes them through the same
// information_schema surface.
package duckdb

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"sync"

	_ "github.com/marcboeker/go-duckdb" // DuckDB driver
	"golang.org/x/sync/errgroup"

	"github.com/aleenprd/docbt/internal/errors"
	"github.com/aleenprd/docbt/internal/logging"
	"github.com/aleenprd/docbt/internal/schema"
	"github.com/aleenprd/docbt/internal/source"
)

// fetchConcurrency bounds the per-table introspection fan-out. DuckDB
// handles a handful of concurrent readers on one file comfortably.
const fetchConcurrency = 4

type Adapter struct {
	cfg source.Config
	log *logging.Logger
}

func New(cfg source.Config, log *logging.Logger) *Adapter {
	return &Adapter{cfg: cfg, log: log}
}

func (a *Adapter) Kind() string {
	return source.KindDuckDB
}

// FetchSchema lists tables then introspects each one concurrently.
// Results keep the listing order regardless of which fetch finishes
// first.
func (a *Adapter) FetchSchema(ctx context.Context) (*schema.DataSource, error) {
	db, err := sql.Open("duckdb", a.cfg.DSN)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindConnection, "failed to open duckdb database")
	}
	defer db.Close()

	db.SetMaxOpenConns(fetchConcurrency + 1)

	if err := db.PingContext(ctx); err != nil {
		return nil, errors.Wrap(err, errors.KindConnection, "failed to open duckdb database")
	}

	schemaName := a.cfg.Schema
	if schemaName == "" {
		schemaName = "main"
	}

	tableNames, err := a.fetchTables(ctx, db, schemaName)
	if err != nil {
		return nil, err
	}

	ds := &schema.DataSource{
		Name:    a.cfg.Name,
		Backend: source.KindDuckDB,
		Tables:  make([]*schema.Table, len(tableNames)),
	}

	var (
		relMu sync.Mutex
		rels  []schema.Relationship
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(fetchConcurrency)

	for i, name := range tableNames {
		i, name := i, name
		g.Go(func() error {
			table := &schema.Table{Name: name}

			columns, err := a.fetchColumns(gctx, db, schemaName, name)
			if err != nil {
				return err
			}

			table.Columns = columns

			table.SampleRows, err = a.fetchSamples(gctx, db, schemaName, table)
			if err != nil {
				return err
			}

			tableRels, err := a.fetchForeignKeys(gctx, db, schemaName, name)
			if err != nil {
				return err
			}

			relMu.Lock()
			rels = append(rels, tableRels...)
			relMu.Unlock()

			ds.Tables[i] = table

			a.log.Debug("introspected table",
				"table", name, "columns", len(table.Columns), "samples", len(table.SampleRows))

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	// Deterministic relationship order, independent of fetch completion.
	ds.Relationships = sortRelationships(rels)

	if err := ds.Validate(); err != nil {
		return nil, errors.Wrap(err, errors.KindUnsupportedSchema, "duckdb schema failed validation")
	}

	return ds, nil
}

func (a *Adapter) fetchTables(ctx context.Context, db *sql.DB, schemaName string) ([]string, error) {
	query := `
		SELECT table_name
		FROM information_schema.tables
		WHERE table_schema = ? AND table_type IN ('BASE TABLE', 'VIEW')
		ORDER BY table_name
	`

	rows, err := db.QueryContext(ctx, query, schemaName)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindConnection, "failed to list tables")
	}
	defer rows.Close()

	var names []string

	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, errors.Wrap(err, errors.KindConnection, "failed to scan table row")
		}

		names = append(names, name)
	}

	return names, rows.Err()
}

func (a *Adapter) fetchColumns(ctx context.Context, db *sql.DB, schemaName, tableName string) ([]*schema.Column, error) {
	query := `
		SELECT column_name, data_type, is_nullable
		FROM information_schema.columns
		WHERE table_schema = ? AND table_name = ?
		ORDER BY ordinal_position
	`

	rows, err := db.QueryContext(ctx, query, schemaName, tableName)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindConnection, "failed to list columns")
	}
	defer rows.Close()

	var columns []*schema.Column

	for rows.Next() {
		var name, dataType, isNullable string
		if err := rows.Scan(&name, &dataType, &isNullable); err != nil {
			return nil, errors.Wrap(err, errors.KindConnection, "failed to scan column row")
		}

		columns = append(columns, &schema.Column{
			Name:     name,
			Type:     MapType(dataType),
			Nullable: isNullable == "YES",
			Ordinal:  len(columns),
		})
	}

	return columns, rows.Err()
}

func (a *Adapter) fetchSamples(ctx context.Context, db *sql.DB, schemaName string, table *schema.Table) ([]schema.Row, error) {
	if len(table.Columns) == 0 {
		return nil, nil
	}

	exprs := make([]string, len(table.Columns))
	for i, c := range table.Columns {
		exprs[i] = "CAST(" + quoteIdent(c.Name) + " AS VARCHAR)"
	}

	query := fmt.Sprintf("SELECT %s FROM %s.%s LIMIT %d",
		strings.Join(exprs, ", "),
		quoteIdent(schemaName),
		quoteIdent(table.Name),
		a.cfg.SampleLimit())

	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindConnection, "failed to sample "+table.Name)
	}
	defer rows.Close()

	var sample []schema.Row

	for rows.Next() {
		cells := make([]sql.NullString, len(table.Columns))
		ptrs := make([]interface{}, len(cells))

		for i := range cells {
			ptrs[i] = &cells[i]
		}

		if err := rows.Scan(ptrs...); err != nil {
			return nil, errors.Wrap(err, errors.KindConnection, "failed to scan sample row")
		}

		row := make(schema.Row, len(cells))
		for i, cell := range cells {
			row[i] = schema.Value{Raw: cell.String, Null: !cell.Valid}
		}

		sample = append(sample, row)
	}

	return sample, rows.Err()
}

// fetchForeignKeys reads duckdb_constraints(). DuckDB's
// information_schema lacks referential_constraints, so the native
// catalog function is the only source of FK metadata.
func (a *Adapter) fetchForeignKeys(ctx context.Context, db *sql.DB, schemaName, tableName string) ([]schema.Relationship, error) {
	query := `
		SELECT constraint_column_names, constraint_text
		FROM duckdb_constraints()
		WHERE schema_name = ? AND table_name = ? AND constraint_type = 'FOREIGN KEY'
	`

	rows, err := db.QueryContext(ctx, query, schemaName, tableName)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindConnection, "failed to list constraints")
	}
	defer rows.Close()

	var rels []schema.Relationship

	for rows.Next() {
		var columnList, constraintText string
		if err := rows.Scan(&columnList, &constraintText); err != nil {
			return nil, errors.Wrap(err, errors.KindConnection, "failed to scan constraint row")
		}

		rel, ok := parseForeignKey(tableName, columnList, constraintText)
		if !ok {
			continue
		}

		rels = append(rels, rel)
	}

	return rels, rows.Err()
}

// parseForeignKey extracts the single-column case from a DuckDB
// constraint row. constraint_column_names renders as [col]; the
// REFERENCES target comes from the constraint text, e.g.
// "FOREIGN KEY (user_id) REFERENCES users(id)". Composite keys map onto
// one relationship per leading column pair and are rare in practice, so
// only the first pair is kept.
func parseForeignKey(tableName, columnList, constraintText string) (schema.Relationship, bool) {
	cols := strings.Split(strings.Trim(columnList, "[]"), ",")
	if len(cols) == 0 || strings.TrimSpace(cols[0]) == "" {
		return schema.Relationship{}, false
	}

	fromColumn := strings.TrimSpace(cols[0])

	idx := strings.Index(strings.ToUpper(constraintText), "REFERENCES")
	if idx < 0 {
		return schema.Relationship{}, false
	}

	target := strings.TrimSpace(constraintText[idx+len("REFERENCES"):])

	open := strings.Index(target, "(")
	end := strings.Index(target, ")")

	if open <= 0 || end <= open {
		return schema.Relationship{}, false
	}

	toTable := strings.TrimSpace(target[:open])
	toColumn := strings.TrimSpace(strings.Split(target[open+1:end], ",")[0])

	if toTable == "" || toColumn == "" {
		return schema.Relationship{}, false
	}

	return schema.Relationship{
		FromTable:  tableName,
		FromColumn: fromColumn,
		ToTable:    toTable,
		ToColumn:   toColumn,
		Kind:       schema.RelForeignKey,
	}, true
}

func sortRelationships(rels []schema.Relationship) []schema.Relationship {
	sort.Slice(rels, func(i, j int) bool {
		if rels[i].FromTable != rels[j].FromTable {
			return rels[i].FromTable < rels[j].FromTable
		}

		return rels[i].FromColumn < rels[j].FromColumn
	})

	return rels
}

// MapType reduces a DuckDB type name to the semantic type set. DuckDB
// renders parameterized types like DECIMAL(18,3); the base name decides.
func MapType(dataType string) schema.SemanticType {
	base := strings.ToUpper(dataType)
	if idx := strings.Index(base, "("); idx > 0 {
		base = base[:idx]
	}

	switch base {
	case "TINYINT", "SMALLINT", "INTEGER", "BIGINT", "HUGEINT", "UTINYINT", "USMALLINT", "UINTEGER", "UBIGINT":
		return schema.TypeInteger
	case "REAL", "FLOAT", "DOUBLE", "DECIMAL", "NUMERIC":
		return schema.TypeFloat
	case "BOOLEAN":
		return schema.TypeBoolean
	case "DATE", "TIMESTAMP", "TIMESTAMPTZ", "TIMESTAMP WITH TIME ZONE", "TIME":
		return schema.TypeDate
	case "VARCHAR", "CHAR", "BPCHAR", "TEXT", "STRING", "UUID":
		return schema.TypeString
	default:
		return schema.TypeUnknown
	}
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

var _ source.Adapter = (*Adapter)(nil)
