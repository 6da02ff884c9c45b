package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/dbporter/dbporter/internal/adapter"
	"github.com/dbporter/dbporter/internal/adapter/sqladapter"
)

// Conn is an open PostgreSQL connection scoped to one database. Only
// the public schema is visible; schema-qualified table names are out
// of scope for job targets.
type Conn struct {
	db      *sql.DB
	profile adapter.Profile
}

func (c *Conn) Close() error { return c.db.Close() }

func (c *Conn) Ping(ctx context.Context) error { return c.db.PingContext(ctx) }

func (c *Conn) ListTables(ctx context.Context) ([]adapter.TableDescriptor, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT table_name
		FROM information_schema.tables
		WHERE table_schema = 'public' AND table_type = 'BASE TABLE'
		ORDER BY table_name
	`)
	if err != nil {
		return nil, fmt.Errorf("listing tables: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	tables := make([]adapter.TableDescriptor, 0, len(names))
	for _, name := range names {
		desc, err := c.DescribeTable(ctx, name)
		if err != nil {
			return nil, err
		}
		tables = append(tables, *desc)
	}
	return tables, nil
}

func (c *Conn) DescribeTable(ctx context.Context, table string) (*adapter.TableDescriptor, error) {
	desc := &adapter.TableDescriptor{Name: table}

	rows, err := c.db.QueryContext(ctx, `
		SELECT column_name, data_type, is_nullable
		FROM information_schema.columns
		WHERE table_schema = 'public' AND table_name = $1
		ORDER BY ordinal_position
	`, table)
	if err != nil {
		return nil, fmt.Errorf("describing %s: %w", table, err)
	}
	defer rows.Close()

	for rows.Next() {
		var name, nativeType, nullable string
		if err := rows.Scan(&name, &nativeType, &nullable); err != nil {
			return nil, err
		}
		desc.Columns = append(desc.Columns, adapter.Column{
			Name:       name,
			Type:       mapType(nativeType),
			NativeType: nativeType,
			Nullable:   nullable == "YES",
		})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(desc.Columns) == 0 {
		return nil, fmt.Errorf("table %s does not exist", table)
	}

	if err := c.loadPrimaryKey(ctx, desc); err != nil {
		return nil, err
	}
	return desc, nil
}

func (c *Conn) loadPrimaryKey(ctx context.Context, desc *adapter.TableDescriptor) error {
	rows, err := c.db.QueryContext(ctx, `
		SELECT kcu.column_name
		FROM information_schema.table_constraints tc
		JOIN information_schema.key_column_usage kcu
		  ON tc.constraint_name = kcu.constraint_name
		 AND tc.table_schema = kcu.table_schema
		WHERE tc.table_schema = 'public'
		  AND tc.table_name = $1
		  AND tc.constraint_type = 'PRIMARY KEY'
		ORDER BY kcu.ordinal_position
	`, desc.Name)
	if err != nil {
		return fmt.Errorf("loading primary key of %s: %w", desc.Name, err)
	}
	defer rows.Close()

	for rows.Next() {
		var col string
		if err := rows.Scan(&col); err != nil {
			return err
		}
		desc.PrimaryKey = append(desc.PrimaryKey, col)
	}
	return rows.Err()
}

func mapType(nativeType string) adapter.ColumnType {
	switch strings.ToLower(nativeType) {
	case "smallint", "integer", "bigint":
		return adapter.TypeInteger
	case "real", "double precision", "numeric":
		return adapter.TypeFloat
	case "boolean":
		return adapter.TypeBoolean
	case "date", "timestamp without time zone", "timestamp with time zone":
		return adapter.TypeDatetime
	case "bytea":
		return adapter.TypeBinary
	case "json", "jsonb":
		return adapter.TypeDocument
	default:
		return adapter.TypeString
	}
}

func createType(t adapter.ColumnType) string {
	switch t {
	case adapter.TypeInteger:
		return "bigint"
	case adapter.TypeFloat:
		return "double precision"
	case adapter.TypeBoolean:
		return "boolean"
	case adapter.TypeDatetime:
		return "timestamptz"
	case adapter.TypeBinary:
		return "bytea"
	case adapter.TypeDocument:
		return "jsonb"
	default:
		return "text"
	}
}

func (c *Conn) CreateTable(ctx context.Context, desc *adapter.TableDescriptor) error {
	d := dialect{}
	cols := make([]string, len(desc.Columns))
	for i, col := range desc.Columns {
		def := d.QuoteIdent(col.Name) + " " + createType(col.Type)
		if !col.Nullable {
			def += " NOT NULL"
		}
		cols[i] = def
	}
	if len(desc.PrimaryKey) > 0 {
		quoted := make([]string, len(desc.PrimaryKey))
		for i, k := range desc.PrimaryKey {
			quoted[i] = d.QuoteIdent(k)
		}
		cols = append(cols, "PRIMARY KEY ("+strings.Join(quoted, ", ")+")")
	}
	stmt := fmt.Sprintf("CREATE TABLE %s (%s)", d.QuoteIdent(desc.Name), strings.Join(cols, ", "))
	if _, err := c.db.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("creating %s: %w", desc.Name, err)
	}
	return nil
}

func (c *Conn) RowCount(ctx context.Context, table string) (int64, error) {
	return sqladapter.RowCount(ctx, c.db, dialect{}, table)
}

// IsEmpty reports whether the public schema has no user tables.
func (c *Conn) IsEmpty(ctx context.Context) (bool, error) {
	var count int64
	err := c.db.QueryRowContext(ctx, `
		SELECT COUNT(*)
		FROM information_schema.tables
		WHERE table_schema = 'public' AND table_type = 'BASE TABLE'
	`).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("checking for user tables: %w", err)
	}
	return count == 0, nil
}

func (c *Conn) OpenCursor(ctx context.Context, table string, batchSize int, startOffset int64) (adapter.Cursor, error) {
	desc, err := c.DescribeTable(ctx, table)
	if err != nil {
		return nil, err
	}
	return sqladapter.OpenCursor(ctx, c.db, dialect{}, desc, batchSize, startOffset)
}

func (c *Conn) OpenSink(ctx context.Context, table string, mode adapter.WriteMode, desc *adapter.TableDescriptor) (adapter.Sink, error) {
	if mode == adapter.ModeCreate {
		if err := c.CreateTable(ctx, desc); err != nil {
			return nil, err
		}
	}
	return sqladapter.OpenSink(ctx, c.db, dialect{}, table, mode, desc)
}

// dialect implements sqladapter.Dialect for PostgreSQL.
type dialect struct{}

func (dialect) QuoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func (dialect) Placeholder(n int) string { return fmt.Sprintf("$%d", n) }

func (d dialect) SelectQuery(desc *adapter.TableDescriptor, startOffset int64) string {
	return fmt.Sprintf("SELECT %s FROM %s ORDER BY %s OFFSET %d",
		sqladapter.ColumnList(d, desc), d.QuoteIdent(desc.Name),
		sqladapter.OrderBy(d, desc), startOffset)
}

func (d dialect) TruncateQuery(table string) string {
	return "TRUNCATE TABLE " + d.QuoteIdent(table)
}
