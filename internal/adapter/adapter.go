// Package adapter provides the uniform database-operations interface
// implemented once per engine family. Each engine package registers
// itself with the registry on import; job dispatch selects the adapter
// by the profile's engine kind.
package adapter

import (
	"context"
	"io"
	"time"
)

// Kind identifies an engine family. The set is closed: dispatch is by
// tagged variant, not subclassing.
type Kind string

const (
	KindPostgres Kind = "postgres"
	KindMySQL    Kind = "mysql"
	KindSQLite   Kind = "sqlite"
	KindMongoDB  Kind = "mongodb"
	KindElastic  Kind = "elasticsearch"
)

// DefaultConnectTimeout bounds connection attempts so a dead host
// fails fast instead of hanging a worker.
const DefaultConnectTimeout = 10 * time.Second

// Profile carries the decrypted connection details for one engine.
// Adapters treat it as read-only and never persist it.
type Profile struct {
	ID       string
	Name     string
	Engine   Kind
	Host     string
	Port     int
	Database string
	Username string
	Password string // decrypted at use, never stored

	// AuthSource is the MongoDB authentication database.
	AuthSource string

	// ConnectTimeout overrides DefaultConnectTimeout when set.
	ConnectTimeout time.Duration
}

func (p Profile) Timeout() time.Duration {
	if p.ConnectTimeout > 0 {
		return p.ConnectTimeout
	}
	return DefaultConnectTimeout
}

// Adapter creates connections for one engine family.
type Adapter interface {
	// Kind returns the engine family this adapter serves.
	Kind() Kind

	// Aliases returns alternative names accepted for this engine
	// (e.g. "pg" for postgres).
	Aliases() []string

	// DefaultPort returns the engine's conventional port.
	DefaultPort() int

	// Connect establishes a connection, failing with
	// *dberr.ConnectionError on network or auth errors.
	Connect(ctx context.Context, profile Profile) (Conn, error)
}

// WriteMode controls how a sink treats the destination table.
type WriteMode string

const (
	// ModeCreate creates the table and fails if it already exists.
	ModeCreate WriteMode = "create"
	// ModeAppend writes into the existing table.
	ModeAppend WriteMode = "append"
	// ModeTruncate empties (or recreates) the table before writing.
	ModeTruncate WriteMode = "truncate"
)

// Batch is one bounded group of rows. Rows follow the table
// descriptor's column order; Offset is the zero-based position of the
// first row within the overall cursor sequence.
type Batch struct {
	Rows   [][]any
	Offset int64
}

// Cursor streams row batches in a stable order. Next returns io.EOF
// after the final batch.
type Cursor interface {
	Next(ctx context.Context) (*Batch, error)
	Close() error
}

// Sink writes row batches. Each WriteBatch call is one commit unit, so
// a failure loses at most the batch in flight.
type Sink interface {
	WriteBatch(ctx context.Context, batch *Batch) error
	Close() error
}

// Conn is an open connection to one engine.
type Conn interface {
	Close() error
	Ping(ctx context.Context) error

	// ListTables lists tables (collections, indices) with their
	// descriptors. Schema-less engines derive columns best-effort.
	ListTables(ctx context.Context) ([]TableDescriptor, error)

	// DescribeTable returns the full descriptor for one table.
	DescribeTable(ctx context.Context, table string) (*TableDescriptor, error)

	// CreateTable creates a table from a descriptor (used by import's
	// create-from-header mode).
	CreateTable(ctx context.Context, desc *TableDescriptor) error

	RowCount(ctx context.Context, table string) (int64, error)

	// IsEmpty reports whether the database holds no user data. Restore
	// pre-flight uses it before touching anything.
	IsEmpty(ctx context.Context) (bool, error)

	// OpenCursor starts a batched read at startOffset rows into the
	// table's stable order.
	OpenCursor(ctx context.Context, table string, batchSize int, startOffset int64) (Cursor, error)

	// OpenSink opens a batched writer. desc describes the incoming
	// rows' column order.
	OpenSink(ctx context.Context, table string, mode WriteMode, desc *TableDescriptor) (Sink, error)

	// Dump streams a full-database backup in the engine's native
	// format to w without buffering the database in memory.
	Dump(ctx context.Context, w io.Writer) error

	// Restore applies a native-format artifact from r.
	Restore(ctx context.Context, r io.Reader) error

	// ToolVersion reports the native tool (or server) version, recorded
	// in backup manifests for restore compatibility checks.
	ToolVersion(ctx context.Context) (string, error)
}
