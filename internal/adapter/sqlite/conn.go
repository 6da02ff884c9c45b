package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/dbporter/dbporter/internal/adapter"
	"github.com/dbporter/dbporter/internal/adapter/sqladapter"
)

// Conn is an open SQLite database file.
type Conn struct {
	db   *sql.DB
	path string
}

func (c *Conn) Close() error { return c.db.Close() }

func (c *Conn) Ping(ctx context.Context) error { return c.db.PingContext(ctx) }

func (c *Conn) ListTables(ctx context.Context) ([]adapter.TableDescriptor, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT name FROM sqlite_master
		WHERE type = 'table' AND name NOT LIKE 'sqlite_%'
		ORDER BY name
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

	rows, err := c.db.QueryContext(ctx,
		"SELECT name, type, \"notnull\", pk FROM pragma_table_info(?)", table)
	if err != nil {
		return nil, fmt.Errorf("describing %s: %w", table, err)
	}
	defer rows.Close()

	type pkCol struct {
		name string
		pos  int
	}
	var pks []pkCol
	for rows.Next() {
		var (
			name, nativeType string
			notNull, pk      int
		)
		if err := rows.Scan(&name, &nativeType, &notNull, &pk); err != nil {
			return nil, err
		}
		desc.Columns = append(desc.Columns, adapter.Column{
			Name:       name,
			Type:       mapType(nativeType),
			NativeType: nativeType,
			Nullable:   notNull == 0,
		})
		if pk > 0 {
			pks = append(pks, pkCol{name: name, pos: pk})
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(desc.Columns) == 0 {
		return nil, fmt.Errorf("table %s does not exist", table)
	}

	// pragma_table_info reports pk as the 1-based position within the
	// primary key.
	for pos := 1; pos <= len(pks); pos++ {
		for _, p := range pks {
			if p.pos == pos {
				desc.PrimaryKey = append(desc.PrimaryKey, p.name)
			}
		}
	}
	return desc, nil
}

// mapType follows SQLite's type-affinity rules on the declared type.
func mapType(declared string) adapter.ColumnType {
	t := strings.ToUpper(declared)
	switch {
	case strings.Contains(t, "INT"):
		return adapter.TypeInteger
	case strings.Contains(t, "REAL"), strings.Contains(t, "FLOA"), strings.Contains(t, "DOUB"), strings.Contains(t, "NUMERIC"), strings.Contains(t, "DECIMAL"):
		return adapter.TypeFloat
	case strings.Contains(t, "BOOL"):
		return adapter.TypeBoolean
	case strings.Contains(t, "DATE"), strings.Contains(t, "TIME"):
		return adapter.TypeDatetime
	case strings.Contains(t, "BLOB"), t == "":
		return adapter.TypeBinary
	default:
		return adapter.TypeString
	}
}

func createType(t adapter.ColumnType) string {
	switch t {
	case adapter.TypeInteger:
		return "INTEGER"
	case adapter.TypeFloat:
		return "REAL"
	case adapter.TypeBoolean:
		return "BOOLEAN"
	case adapter.TypeDatetime:
		return "DATETIME"
	case adapter.TypeBinary:
		return "BLOB"
	default:
		return "TEXT"
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

func (c *Conn) IsEmpty(ctx context.Context) (bool, error) {
	var count int64
	err := c.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM sqlite_master
		WHERE type = 'table' AND name NOT LIKE 'sqlite_%'
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

// dialect implements sqladapter.Dialect for SQLite.
type dialect struct{}

func (dialect) QuoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func (dialect) Placeholder(int) string { return "?" }

func (d dialect) SelectQuery(desc *adapter.TableDescriptor, startOffset int64) string {
	// SQLite requires LIMIT before OFFSET; -1 means unbounded.
	return fmt.Sprintf("SELECT %s FROM %s ORDER BY %s LIMIT -1 OFFSET %d",
		sqladapter.ColumnList(d, desc), d.QuoteIdent(desc.Name),
		sqladapter.OrderBy(d, desc), startOffset)
}

func (d dialect) TruncateQuery(table string) string {
	// SQLite has no TRUNCATE statement.
	return "DELETE FROM " + d.QuoteIdent(table)
}
