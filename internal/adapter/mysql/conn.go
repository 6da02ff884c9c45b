package mysql

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/dbporter/dbporter/internal/adapter"
	"github.com/dbporter/dbporter/internal/adapter/sqladapter"
)

// Conn is an open MySQL connection scoped to one schema.
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
		WHERE table_schema = ? AND table_type = 'BASE TABLE'
		ORDER BY table_name
	`, c.profile.Database)
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
		SELECT column_name, data_type, is_nullable, column_key
		FROM information_schema.columns
		WHERE table_schema = ? AND table_name = ?
		ORDER BY ordinal_position
	`, c.profile.Database, table)
	if err != nil {
		return nil, fmt.Errorf("describing %s: %w", table, err)
	}
	defer rows.Close()

	for rows.Next() {
		var name, nativeType, nullable, key string
		if err := rows.Scan(&name, &nativeType, &nullable, &key); err != nil {
			return nil, err
		}
		desc.Columns = append(desc.Columns, adapter.Column{
			Name:       name,
			Type:       mapType(nativeType),
			NativeType: nativeType,
			Nullable:   nullable == "YES",
		})
		if key == "PRI" {
			desc.PrimaryKey = append(desc.PrimaryKey, name)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(desc.Columns) == 0 {
		return nil, fmt.Errorf("table %s does not exist", table)
	}
	return desc, nil
}

func mapType(nativeType string) adapter.ColumnType {
	switch strings.ToLower(nativeType) {
	case "tinyint", "smallint", "mediumint", "int", "bigint", "year":
		return adapter.TypeInteger
	case "float", "double", "decimal":
		return adapter.TypeFloat
	case "date", "datetime", "timestamp":
		return adapter.TypeDatetime
	case "binary", "varbinary", "tinyblob", "blob", "mediumblob", "longblob":
		return adapter.TypeBinary
	case "json":
		return adapter.TypeDocument
	default:
		return adapter.TypeString
	}
}

func createType(t adapter.ColumnType) string {
	switch t {
	case adapter.TypeInteger:
		return "BIGINT"
	case adapter.TypeFloat:
		return "DOUBLE"
	case adapter.TypeBoolean:
		return "TINYINT(1)"
	case adapter.TypeDatetime:
		return "DATETIME(6)"
	case adapter.TypeBinary:
		return "LONGBLOB"
	case adapter.TypeDocument:
		return "JSON"
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
		SELECT COUNT(*)
		FROM information_schema.tables
		WHERE table_schema = ? AND table_type = 'BASE TABLE'
	`, c.profile.Database).Scan(&count)
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

// dialect implements sqladapter.Dialect for MySQL.
type dialect struct{}

func (dialect) QuoteIdent(name string) string {
	return "`" + strings.ReplaceAll(name, "`", "``") + "`"
}

func (dialect) Placeholder(int) string { return "?" }

func (d dialect) SelectQuery(desc *adapter.TableDescriptor, startOffset int64) string {
	// MySQL has no bare OFFSET; the huge LIMIT means "to the end".
	return fmt.Sprintf("SELECT %s FROM %s ORDER BY %s LIMIT 18446744073709551615 OFFSET %d",
		sqladapter.ColumnList(d, desc), d.QuoteIdent(desc.Name),
		sqladapter.OrderBy(d, desc), startOffset)
}

func (d dialect) TruncateQuery(table string) string {
	return "TRUNCATE TABLE " + d.QuoteIdent(table)
}
