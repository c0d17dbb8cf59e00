// Package sink persists ingested record batches.
//
// The Postgres sink is the production consumer for streaming runs: each
// batch goes into a staging table via the COPY protocol, falling back to
// row-at-a-time inserts with savepoints when COPY rejects the batch. While
// a batch is being written, the ingest engine keeps the file decoder
// paused, so a slow database slows the whole pipeline down instead of
// ballooning memory.
package sink

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/arbor-data/intake/internal/ingest"
)

// Postgres writes record batches into one staging table. Fields without a
// matching column are dropped; columns without a value become NULL.
type Postgres struct {
	pool    *pgxpool.Pool
	table   string
	columns []string
}

// NewPostgres creates a sink writing to table with the given columns. The
// column list doubles as the field-name list: a record field is persisted
// iff its name appears here.
func NewPostgres(pool *pgxpool.Pool, table string, columns []string) (*Postgres, error) {
	if table == "" {
		return nil, fmt.Errorf("sink: staging table name is required")
	}
	if len(columns) == 0 {
		return nil, fmt.Errorf("sink: at least one column is required")
	}
	return &Postgres{pool: pool, table: table, columns: columns}, nil
}

// EnsureTable creates the staging table if it does not exist. All columns
// are text plus a bigint row_index recording each record's position in the
// source file.
func (p *Postgres) EnsureTable(ctx context.Context) error {
	cols := make([]string, 0, len(p.columns)+1)
	cols = append(cols, `"row_index" BIGINT NOT NULL`)
	for _, c := range p.columns {
		cols = append(cols, quoteIdentifier(c)+" TEXT")
	}

	ddl := fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)",
		quoteIdentifier(p.table), strings.Join(cols, ", "))

	if _, err := p.pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("sink: ensure table %s: %w", p.table, err)
	}
	return nil
}

// HandleBatch implements ingest.Consumer. It writes the whole batch with
// COPY and falls back to individual inserts if COPY fails, so one bad row
// cannot sink the rest of the batch.
func (p *Postgres) HandleBatch(ctx context.Context, records []ingest.Record, startIndex int) error {
	columns := append([]string{"row_index"}, p.columns...)

	rows := make([][]any, len(records))
	for i, rec := range records {
		rows[i] = p.copyRow(rec, startIndex+i)
	}

	_, err := p.pool.CopyFrom(ctx, pgx.Identifier{p.table}, columns, pgx.CopyFromRows(rows))
	if err == nil {
		return nil
	}

	slog.Warn("copy failed, retrying batch with row inserts",
		"table", p.table,
		"start_index", startIndex,
		"error", err,
	)
	return p.insertRows(ctx, columns, rows, startIndex)
}

// insertRows writes each row in its own savepoint inside one transaction,
// so a rejected row is skipped rather than aborting the batch.
func (p *Postgres) insertRows(ctx context.Context, columns []string, rows [][]any, startIndex int) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("sink: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	placeholders := make([]string, len(columns))
	for i := range columns {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
	}
	insert := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		quoteIdentifier(p.table),
		strings.Join(quoteColumns(columns), ", "),
		strings.Join(placeholders, ", "),
	)

	var failed int
	for i, row := range rows {
		sp := fmt.Sprintf("sp_%d", i)
		if _, err := tx.Exec(ctx, "SAVEPOINT "+sp); err != nil {
			return fmt.Errorf("sink: savepoint at row %d: %w", startIndex+i, err)
		}
		if _, err := tx.Exec(ctx, insert, row...); err != nil {
			if _, rbErr := tx.Exec(ctx, "ROLLBACK TO SAVEPOINT "+sp); rbErr != nil {
				return fmt.Errorf("sink: rollback savepoint at row %d: %w", startIndex+i, rbErr)
			}
			slog.Warn("row rejected", "table", p.table, "row_index", startIndex+i, "error", err)
			failed++
			continue
		}
		if _, err := tx.Exec(ctx, "RELEASE SAVEPOINT "+sp); err != nil {
			return fmt.Errorf("sink: release savepoint at row %d: %w", startIndex+i, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("sink: commit: %w", err)
	}
	if failed > 0 {
		return fmt.Errorf("sink: %d of %d rows rejected", failed, len(rows))
	}
	return nil
}

// copyRow builds the value slice for one record, row_index first. Absent
// fields become NULL text.
func (p *Postgres) copyRow(rec ingest.Record, rowIndex int) []any {
	vals := make([]any, 0, len(p.columns)+1)
	vals = append(vals, int64(rowIndex))
	for _, col := range p.columns {
		if v, ok := rec[col]; ok {
			vals = append(vals, pgtype.Text{String: v, Valid: true})
		} else {
			vals = append(vals, pgtype.Text{})
		}
	}
	return vals
}

// quoteIdentifier quotes a SQL identifier to prevent injection.
func quoteIdentifier(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func quoteColumns(cols []string) []string {
	quoted := make([]string, len(cols))
	for i, col := range cols {
		quoted[i] = quoteIdentifier(col)
	}
	return quoted
}
