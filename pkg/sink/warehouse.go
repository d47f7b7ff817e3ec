package sink

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"
)

// Metadata columns added to every warehouse table. Loads are at-least-once,
// so these let duplicate units be found and removed.
const (
	ColumnUnitKey   = "_unit_key"
	ColumnFetchedAt = "_fetched_at"
)

// WarehouseSink bulk-loads batches into Postgres staging tables. Tables are
// created on first use and missing columns are added, never dropped.
type WarehouseSink struct {
	conn    *pgx.Conn
	tables  map[string]string
	ensured map[string]bool
	logger  zerolog.Logger
}

// NewWarehouseSink connects to dsn. tables maps dataset names to table
// names (optionally schema-qualified); unmapped datasets use the schema name.
func NewWarehouseSink(ctx context.Context, dsn string, tables map[string]string, logger zerolog.Logger) (*WarehouseSink, error) {
	conn, err := pgx.Connect(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect to warehouse: %w", err)
	}
	return &WarehouseSink{
		conn:    conn,
		tables:  tables,
		ensured: make(map[string]bool),
		logger:  logger,
	}, nil
}

// Write implements Sink.
func (s *WarehouseSink) Write(ctx context.Context, batch Batch) error {
	err := s.write(ctx, batch)
	observe(KindWarehouse, batch, err)
	return err
}

func (s *WarehouseSink) write(ctx context.Context, batch Batch) error {
	schema, err := requireSchema(KindWarehouse, batch)
	if err != nil {
		return err
	}
	table := s.tableFor(batch.Dataset, schema)

	if !s.ensured[table] {
		if err := s.EnsureTable(ctx, table, schema); err != nil {
			return err
		}
		s.ensured[table] = true
	}

	if len(batch.Records) == 0 {
		return nil
	}

	rows := make([][]any, 0, len(batch.Records))
	for i, r := range batch.Records {
		values, err := schema.Values(r)
		if err != nil {
			return fmt.Errorf("warehouse sink: record %d of %s: %w", i, batch.UnitKey, err)
		}
		rows = append(rows, append(values, batch.UnitKey, batch.FetchedAt.UTC()))
	}

	columns := append(schema.ColumnNames(), ColumnUnitKey, ColumnFetchedAt)
	n, err := s.conn.CopyFrom(ctx, tableIdentifier(table), columns, pgx.CopyFromRows(rows))
	if err != nil {
		return fmt.Errorf("warehouse sink: copy into %s: %w", table, err)
	}

	s.logger.Info().
		Str("table", table).
		Str("unit", batch.UnitKey).
		Int64("rows", n).
		Msg("Loaded rows into warehouse")
	return nil
}

// EnsureTable creates table if it does not exist and adds any schema column
// it lacks.
func (s *WarehouseSink) EnsureTable(ctx context.Context, table string, schema *Schema) error {
	if err := schema.Validate(); err != nil {
		return err
	}

	if _, err := s.conn.Exec(ctx, CreateTableSQL(table, schema)); err != nil {
		return fmt.Errorf("warehouse sink: create table %s: %w", table, err)
	}
	for _, stmt := range AddColumnsSQL(table, schema) {
		if _, err := s.conn.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("warehouse sink: alter table %s: %w", table, err)
		}
	}

	s.logger.Debug().Str("table", table).Int("columns", len(schema.Columns)).Msg("Warehouse table ready")
	return nil
}

func (s *WarehouseSink) tableFor(dataset string, schema *Schema) string {
	if t, ok := s.tables[dataset]; ok && t != "" {
		return t
	}
	return schema.Name
}

// Close implements Sink.
func (s *WarehouseSink) Close() error {
	return s.conn.Close(context.Background())
}

// tableIdentifier splits a possibly schema-qualified name.
func tableIdentifier(table string) pgx.Identifier {
	return pgx.Identifier(strings.Split(table, "."))
}

// CreateTableSQL renders CREATE TABLE IF NOT EXISTS for schema.
func CreateTableSQL(table string, schema *Schema) string {
	defs := make([]string, 0, len(schema.Columns)+2)
	for _, c := range schema.Columns {
		defs = append(defs, pgx.Identifier{c.Name}.Sanitize()+" "+c.Type.PostgresType())
	}
	defs = append(defs,
		pgx.Identifier{ColumnUnitKey}.Sanitize()+" TEXT",
		pgx.Identifier{ColumnFetchedAt}.Sanitize()+" TIMESTAMPTZ",
	)
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)",
		tableIdentifier(table).Sanitize(), strings.Join(defs, ", "))
}

// AddColumnsSQL renders one ALTER TABLE ... ADD COLUMN IF NOT EXISTS per column.
func AddColumnsSQL(table string, schema *Schema) []string {
	ident := tableIdentifier(table).Sanitize()
	stmts := make([]string, 0, len(schema.Columns))
	for _, c := range schema.Columns {
		stmts = append(stmts, fmt.Sprintf("ALTER TABLE %s ADD COLUMN IF NOT EXISTS %s %s",
			ident, pgx.Identifier{c.Name}.Sanitize(), c.Type.PostgresType()))
	}
	return stmts
}
