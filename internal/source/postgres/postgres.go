// Package postgres introspects a PostgreSQL database into the schema
// model via information_schema.
package postgres

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"
	"strings"

	"github.com/lib/pq"

	"github.com/aleenprd/docbt/internal/errors"
	"github.com/aleenprd/docbt/internal/logging"
	"github.com/aleenprd/docbt/internal/schema"
	"github.com/aleenprd/docbt/internal/source"
)

type Adapter struct {
	cfg source.Config
	log *logging.Logger
}

func New(cfg source.Config, log *logging.Logger) *Adapter {
	return &Adapter{cfg: cfg, log: log}
}

func (a *Adapter) Kind() string {
	return source.KindPostgres
}

// FetchSchema introspects tables, columns, foreign keys, and a bounded
// row sample per table. Tables come back in name order and columns in
// ordinal order, which fixes the model's canonical node order.
func (a *Adapter) FetchSchema(ctx context.Context) (*schema.DataSource, error) {
	db, err := sql.Open("postgres", a.cfg.DSN)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindConnection, "failed to open postgres connection")
	}
	defer db.Close()

	if err := db.PingContext(ctx); err != nil {
		return nil, classify(err, "failed to reach postgres")
	}

	schemaName := a.cfg.Schema
	if schemaName == "" {
		schemaName = "public"
	}

	ds := &schema.DataSource{
		Name:    a.cfg.Name,
		Backend: source.KindPostgres,
	}

	tableNames, err := a.fetchTables(ctx, db, schemaName)
	if err != nil {
		return nil, err
	}

	for _, name := range tableNames {
		table := &schema.Table{Name: name}

		table.Columns, err = a.fetchColumns(ctx, db, schemaName, name)
		if err != nil {
			return nil, err
		}

		table.SampleRows, err = a.fetchSamples(ctx, db, schemaName, table)
		if err != nil {
			return nil, err
		}

		rels, err := a.fetchForeignKeys(ctx, db, schemaName, name)
		if err != nil {
			return nil, err
		}

		ds.Tables = append(ds.Tables, table)
		ds.Relationships = append(ds.Relationships, rels...)

		a.log.Debug("introspected table",
			"table", name, "columns", len(table.Columns), "samples", len(table.SampleRows))
	}

	// Cross-schema FK targets are outside the model; drop them rather
	// than fail validation.
	ds.Relationships = pruneDangling(ds)

	if err := ds.Validate(); err != nil {
		return nil, errors.Wrap(err, errors.KindUnsupportedSchema, "postgres schema failed validation")
	}

	return ds, nil
}

func (a *Adapter) fetchTables(ctx context.Context, db *sql.DB, schemaName string) ([]string, error) {
	query := `
		SELECT table_name
		FROM information_schema.tables
		WHERE table_schema = $1 AND table_type = 'BASE TABLE'
		ORDER BY table_name
	`

	rows, err := db.QueryContext(ctx, query, schemaName)
	if err != nil {
		return nil, classify(err, "failed to list tables")
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
		WHERE table_schema = $1 AND table_name = $2
		ORDER BY ordinal_position
	`

	rows, err := db.QueryContext(ctx, query, schemaName, tableName)
	if err != nil {
		return nil, classify(err, "failed to list columns")
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

	// Cast every column to text so one scan shape covers all types.
	exprs := make([]string, len(table.Columns))
	for i, c := range table.Columns {
		exprs[i] = pq.QuoteIdentifier(c.Name) + "::text"
	}

	query := fmt.Sprintf("SELECT %s FROM %s.%s LIMIT %d",
		strings.Join(exprs, ", "),
		pq.QuoteIdentifier(schemaName),
		pq.QuoteIdentifier(table.Name),
		a.cfg.SampleLimit())

	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		return nil, classify(err, "failed to sample "+table.Name)
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

func (a *Adapter) fetchForeignKeys(ctx context.Context, db *sql.DB, schemaName, tableName string) ([]schema.Relationship, error) {
	query := `
		SELECT DISTINCT
			kcu1.column_name,
			kcu2.table_name AS foreign_table_name,
			kcu2.column_name AS foreign_column_name
		FROM information_schema.referential_constraints rc
		JOIN information_schema.key_column_usage kcu1
			ON kcu1.constraint_name = rc.constraint_name
			AND kcu1.table_schema = rc.constraint_schema
		JOIN information_schema.key_column_usage kcu2
			ON kcu2.constraint_name = rc.unique_constraint_name
			AND kcu2.table_schema = rc.unique_constraint_schema
			AND kcu2.ordinal_position = kcu1.ordinal_position
		WHERE kcu1.table_schema = $1 AND kcu1.table_name = $2
		ORDER BY kcu1.column_name
	`

	rows, err := db.QueryContext(ctx, query, schemaName, tableName)
	if err != nil {
		return nil, classify(err, "failed to list foreign keys")
	}
	defer rows.Close()

	var rels []schema.Relationship

	for rows.Next() {
		var fromColumn, toTable, toColumn string
		if err := rows.Scan(&fromColumn, &toTable, &toColumn); err != nil {
			return nil, errors.Wrap(err, errors.KindConnection, "failed to scan foreign key row")
		}

		rels = append(rels, schema.Relationship{
			FromTable:  tableName,
			FromColumn: fromColumn,
			ToTable:    toTable,
			ToColumn:   toColumn,
			Kind:       schema.RelForeignKey,
		})
	}

	return rels, rows.Err()
}

// MapType reduces a postgres data_type to the semantic type set.
func MapType(dataType string) schema.SemanticType {
	switch strings.ToLower(dataType) {
	case "smallint", "integer", "bigint", "smallserial", "serial", "bigserial":
		return schema.TypeInteger
	case "real", "double precision", "numeric", "decimal", "money":
		return schema.TypeFloat
	case "boolean":
		return schema.TypeBoolean
	case "date", "timestamp", "timestamp without time zone", "timestamp with time zone", "time", "time without time zone", "time with time zone":
		return schema.TypeDate
	case "character varying", "character", "varchar", "char", "text", "uuid", "citext", "name":
		return schema.TypeString
	default:
		return schema.TypeUnknown
	}
}

// classify maps driver errors onto the adapter taxonomy. Authentication
// and privilege failures (SQLSTATE classes 28 and 42501) are permission
// errors; everything else at this layer is a connection error.
func classify(err error, msg string) error {
	var pqErr *pq.Error
	if stderrors.As(err, &pqErr) {
		class := string(pqErr.Code.Class())
		if class == "28" || pqErr.Code == "42501" {
			return errors.Wrap(err, errors.KindPermission, msg)
		}
	}

	return errors.Wrap(err, errors.KindConnection, msg)
}

// pruneDangling drops relationships whose endpoints are not in the model.
func pruneDangling(ds *schema.DataSource) []schema.Relationship {
	var kept []schema.Relationship

	for _, r := range ds.Relationships {
		from := ds.Table(r.FromTable)
		to := ds.Table(r.ToTable)

		if from == nil || to == nil || from.Column(r.FromColumn) == nil || to.Column(r.ToColumn) == nil {
			continue
		}

		kept = append(kept, r)
	}

	return kept
}

var _ source.Adapter = (*Adapter)(nil)
