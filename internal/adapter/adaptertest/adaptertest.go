// Package adaptertest provides an in-memory adapter.Conn so the
// engine-agnostic layers (export, import, backup, tasks) can be tested
// without a live database.
package adaptertest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/dbporter/dbporter/internal/adapter"
)

// Conn is an in-memory adapter.Conn holding tables as row slices.
// Safe for the single-worker access pattern the task runner uses; the
// mutex exists for tests that poke at tables mid-job.
type Conn struct {
	mu     sync.Mutex
	tables map[string]*table

	// FailWriteAt makes the sink fail the batch whose offset equals
	// this value. -1 disables it.
	FailWriteAt int64

	closed bool
}

type table struct {
	desc adapter.TableDescriptor
	rows [][]any
}

// New returns an empty fake connection.
func New() *Conn {
	return &Conn{tables: make(map[string]*table), FailWriteAt: -1}
}

// AddTable seeds a table with rows.
func (c *Conn) AddTable(desc adapter.TableDescriptor, rows [][]any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	desc.RowCount = int64(len(rows))
	c.tables[desc.Name] = &table{desc: desc, rows: rows}
}

// Rows returns a table's current rows.
func (c *Conn) Rows(name string) [][]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t, ok := c.tables[name]; ok {
		return t.rows
	}
	return nil
}

func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *Conn) Ping(ctx context.Context) error { return nil }

func (c *Conn) ListTables(ctx context.Context) ([]adapter.TableDescriptor, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []adapter.TableDescriptor
	for _, t := range c.tables {
		out = append(out, t.desc)
	}
	return out, nil
}

func (c *Conn) DescribeTable(ctx context.Context, name string) (*adapter.TableDescriptor, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.tables[name]
	if !ok {
		return nil, fmt.Errorf("table %s does not exist", name)
	}
	desc := t.desc
	return &desc, nil
}

func (c *Conn) CreateTable(ctx context.Context, desc *adapter.TableDescriptor) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.tables[desc.Name]; exists {
		return fmt.Errorf("table %s already exists", desc.Name)
	}
	c.tables[desc.Name] = &table{desc: *desc}
	return nil
}

func (c *Conn) RowCount(ctx context.Context, name string) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.tables[name]
	if !ok {
		return 0, fmt.Errorf("table %s does not exist", name)
	}
	return int64(len(t.rows)), nil
}

func (c *Conn) IsEmpty(ctx context.Context) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.tables) == 0, nil
}

func (c *Conn) OpenCursor(ctx context.Context, name string, batchSize int, startOffset int64) (adapter.Cursor, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.tables[name]
	if !ok {
		return nil, fmt.Errorf("table %s does not exist", name)
	}
	return &cursor{rows: t.rows, batchSize: batchSize, offset: startOffset}, nil
}

type cursor struct {
	rows      [][]any
	batchSize int
	offset    int64
}

func (cu *cursor) Next(ctx context.Context) (*adapter.Batch, error) {
	if cu.offset >= int64(len(cu.rows)) {
		return nil, io.EOF
	}
	end := cu.offset + int64(cu.batchSize)
	if end > int64(len(cu.rows)) {
		end = int64(len(cu.rows))
	}
	batch := &adapter.Batch{Rows: cu.rows[cu.offset:end], Offset: cu.offset}
	cu.offset = end
	return batch, nil
}

func (cu *cursor) Close() error { return nil }

func (c *Conn) OpenSink(ctx context.Context, name string, mode adapter.WriteMode, desc *adapter.TableDescriptor) (adapter.Sink, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.tables[name]
	if !ok {
		if mode != adapter.ModeCreate {
			return nil, fmt.Errorf("table %s does not exist", name)
		}
		t = &table{desc: *desc}
		c.tables[name] = t
	}
	if mode == adapter.ModeTruncate {
		t.rows = nil
	}
	return &sink{conn: c, table: t}, nil
}

type sink struct {
	conn  *Conn
	table *table
}

func (s *sink) WriteBatch(ctx context.Context, batch *adapter.Batch) error {
	s.conn.mu.Lock()
	defer s.conn.mu.Unlock()
	if s.conn.FailWriteAt >= 0 && batch.Offset == s.conn.FailWriteAt {
		return fmt.Errorf("injected failure at offset %d", batch.Offset)
	}
	s.table.rows = append(s.table.rows, batch.Rows...)
	return nil
}

func (s *sink) Close() error { return nil }

// Dump serializes every table as JSON, enough to exercise the backup
// pipeline end to end.
func (c *Conn) Dump(ctx context.Context, w io.Writer) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	snapshot := make(map[string][][]any, len(c.tables))
	for name, t := range c.tables {
		snapshot[name] = t.rows
	}
	return json.NewEncoder(w).Encode(snapshot)
}

// Restore loads a Dump produced snapshot, replacing all tables.
func (c *Conn) Restore(ctx context.Context, r io.Reader) error {
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, r); err != nil {
		return err
	}
	var snapshot map[string][][]any
	if err := json.Unmarshal(buf.Bytes(), &snapshot); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tables = make(map[string]*table, len(snapshot))
	for name, rows := range snapshot {
		c.tables[name] = &table{desc: adapter.TableDescriptor{Name: name}, rows: rows}
	}
	return nil
}

func (c *Conn) ToolVersion(ctx context.Context) (string, error) {
	return "adaptertest 1.0", nil
}

var _ adapter.Conn = (*Conn)(nil)
