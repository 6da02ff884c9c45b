// Package sqladapter holds the cursor and sink plumbing shared by the
// database/sql based engines. Each engine supplies a Dialect for
// identifier quoting, placeholder syntax and pagination; the batching,
// scanning and per-batch transaction logic lives here once.
package sqladapter

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"strings"

	"github.com/dbporter/dbporter/internal/adapter"
)

// Dialect abstracts the SQL surface that differs between engines.
type Dialect interface {
	// QuoteIdent quotes a table or column name.
	QuoteIdent(name string) string

	// Placeholder returns the 1-based bind placeholder ($1 vs ?).
	Placeholder(n int) string

	// SelectQuery builds the full-table read in a stable order,
	// starting startOffset rows in.
	SelectQuery(desc *adapter.TableDescriptor, startOffset int64) string

	// TruncateQuery empties a table.
	TruncateQuery(table string) string
}

// OrderBy returns the stable ordering clause for a descriptor: the
// primary key when one exists, the first column otherwise.
func OrderBy(d Dialect, desc *adapter.TableDescriptor) string {
	cols := desc.PrimaryKey
	if len(cols) == 0 && len(desc.Columns) > 0 {
		cols = []string{desc.Columns[0].Name}
	}
	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = d.QuoteIdent(c)
	}
	return strings.Join(quoted, ", ")
}

// ColumnList returns the quoted, comma-separated column list.
func ColumnList(d Dialect, desc *adapter.TableDescriptor) string {
	quoted := make([]string, len(desc.Columns))
	for i, c := range desc.Columns {
		quoted[i] = d.QuoteIdent(c.Name)
	}
	return strings.Join(quoted, ", ")
}

// OpenCursor starts a single streaming query and hands out rows in
// batches of batchSize.
func OpenCursor(ctx context.Context, db *sql.DB, d Dialect, desc *adapter.TableDescriptor, batchSize int, startOffset int64) (adapter.Cursor, error) {
	rows, err := db.QueryContext(ctx, d.SelectQuery(desc, startOffset))
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", desc.Name, err)
	}
	return &cursor{
		rows:      rows,
		desc:      desc,
		batchSize: batchSize,
		offset:    startOffset,
	}, nil
}

type cursor struct {
	rows      *sql.Rows
	desc      *adapter.TableDescriptor
	batchSize int
	offset    int64
	done      bool
}

func (c *cursor) Next(ctx context.Context) (*adapter.Batch, error) {
	if c.done {
		return nil, io.EOF
	}
	batch := &adapter.Batch{Offset: c.offset}
	for len(batch.Rows) < c.batchSize {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !c.rows.Next() {
			c.done = true
			if err := c.rows.Err(); err != nil {
				return nil, err
			}
			break
		}
		row, err := c.scan()
		if err != nil {
			return nil, err
		}
		batch.Rows = append(batch.Rows, row)
	}
	if len(batch.Rows) == 0 {
		return nil, io.EOF
	}
	c.offset += int64(len(batch.Rows))
	return batch, nil
}

func (c *cursor) scan() ([]any, error) {
	row := make([]any, len(c.desc.Columns))
	ptrs := make([]any, len(row))
	for i := range row {
		ptrs[i] = &row[i]
	}
	if err := c.rows.Scan(ptrs...); err != nil {
		return nil, fmt.Errorf("scanning %s: %w", c.desc.Name, err)
	}
	for i := range row {
		row[i] = normalize(&c.desc.Columns[i], row[i])
	}
	return row, nil
}

func (c *cursor) Close() error {
	return c.rows.Close()
}

// normalize undoes driver quirks: text columns scanned as []byte
// become strings, leaving only the semantic-type value set.
func normalize(col *adapter.Column, v any) any {
	b, ok := v.([]byte)
	if !ok {
		return v
	}
	if col.Type == adapter.TypeBinary {
		return b
	}
	return string(b)
}

// OpenSink prepares the batched multi-row INSERT writer. ModeTruncate
// empties the table first; ModeCreate is the caller's job since table
// creation is engine-specific.
func OpenSink(ctx context.Context, db *sql.DB, d Dialect, table string, mode adapter.WriteMode, desc *adapter.TableDescriptor) (adapter.Sink, error) {
	if mode == adapter.ModeTruncate {
		if _, err := db.ExecContext(ctx, d.TruncateQuery(table)); err != nil {
			return nil, fmt.Errorf("truncating %s: %w", table, err)
		}
	}
	return &sink{db: db, dialect: d, table: table, desc: desc}, nil
}

type sink struct {
	db      *sql.DB
	dialect Dialect
	table   string
	desc    *adapter.TableDescriptor
}

// WriteBatch inserts the batch inside one transaction, so a failure
// rolls back the whole batch and nothing less.
func (s *sink) WriteBatch(ctx context.Context, batch *adapter.Batch) error {
	if len(batch.Rows) == 0 {
		return nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "INSERT INTO %s (%s) VALUES ",
		s.dialect.QuoteIdent(s.table), ColumnList(s.dialect, s.desc))

	args := make([]any, 0, len(batch.Rows)*len(s.desc.Columns))
	n := 1
	for r, row := range batch.Rows {
		if len(row) != len(s.desc.Columns) {
			return fmt.Errorf("row %d has %d values, table has %d columns",
				batch.Offset+int64(r), len(row), len(s.desc.Columns))
		}
		if r > 0 {
			sb.WriteString(", ")
		}
		sb.WriteByte('(')
		for i, v := range row {
			if i > 0 {
				sb.WriteString(", ")
			}
			sb.WriteString(s.dialect.Placeholder(n))
			n++
			args = append(args, v)
		}
		sb.WriteByte(')')
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, sb.String(), args...); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (s *sink) Close() error { return nil }

// RowCount runs COUNT(*) on a table.
func RowCount(ctx context.Context, db *sql.DB, d Dialect, table string) (int64, error) {
	var count int64
	err := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+d.QuoteIdent(table)).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("counting %s: %w", table, err)
	}
	return count, nil
}
