package importer

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/dbporter/dbporter/internal/adapter"
	"github.com/dbporter/dbporter/internal/adapter/adaptertest"
	"github.com/dbporter/dbporter/internal/dberr"
	"github.com/dbporter/dbporter/internal/format"
	"github.com/dbporter/dbporter/internal/storage"
)

func ordersDescriptor() adapter.TableDescriptor {
	return adapter.TableDescriptor{
		Name: "orders",
		Columns: []adapter.Column{
			{Name: "id", Type: adapter.TypeInteger},
			{Name: "note", Type: adapter.TypeString, Nullable: true},
		},
		PrimaryKey: []string{"id"},
	}
}

func newTestBackend(t *testing.T, objects map[string]string) storage.Backend {
	t.Helper()
	ctx := context.Background()
	b, err := storage.Open(ctx, storage.Location{Type: storage.TypeLocal, Root: t.TempDir()})
	if err != nil {
		t.Fatalf("opening backend: %v", err)
	}
	t.Cleanup(func() { b.Close() })
	for path, body := range objects {
		if _, err := b.Put(ctx, path, strings.NewReader(body)); err != nil {
			t.Fatalf("seeding %s: %v", path, err)
		}
	}
	return b
}

func TestImportCSVPreservesNullVersusEmpty(t *testing.T) {
	conn := adaptertest.New()
	conn.AddTable(ordersDescriptor(), nil)
	backend := newTestBackend(t, map[string]string{
		"orders.csv": "id,note\n1,\n2,\"\"\n3,shipped\n",
	})

	res, err := Run(context.Background(), conn, backend, "orders.csv", Options{
		Table: "orders", Format: format.CSV,
	})
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if res.RowsCommitted != 3 {
		t.Fatalf("RowsCommitted = %d, want 3", res.RowsCommitted)
	}

	rows := conn.Rows("orders")
	if len(rows) != 3 {
		t.Fatalf("table has %d rows, want 3", len(rows))
	}
	if rows[0][0] != int64(1) || rows[0][1] != nil {
		t.Fatalf("row 0 = %v, want [1 <nil>]", rows[0])
	}
	if rows[1][1] != "" {
		t.Fatalf("row 1 note = %v, want empty string", rows[1][1])
	}
	if rows[2][1] != "shipped" {
		t.Fatalf("row 2 note = %v, want shipped", rows[2][1])
	}
}

func TestImportUnknownColumnIsSchemaMismatch(t *testing.T) {
	conn := adaptertest.New()
	conn.AddTable(ordersDescriptor(), nil)
	backend := newTestBackend(t, map[string]string{
		"bad.csv": "id,ghost\n1,x\n",
	})

	_, err := Run(context.Background(), conn, backend, "bad.csv", Options{
		Table: "orders", Format: format.CSV,
	})
	var mismatch *dberr.SchemaMismatchError
	if !errors.As(err, &mismatch) {
		t.Fatalf("Run error = %v, want SchemaMismatchError", err)
	}
	if len(conn.Rows("orders")) != 0 {
		t.Fatal("rows committed despite schema mismatch")
	}
}

func TestImportMissingRequiredColumn(t *testing.T) {
	conn := adaptertest.New()
	conn.AddTable(ordersDescriptor(), nil)
	backend := newTestBackend(t, map[string]string{
		"partial.csv": "note\nhello\n",
	})

	_, err := Run(context.Background(), conn, backend, "partial.csv", Options{
		Table: "orders", Format: format.CSV,
	})
	var mismatch *dberr.SchemaMismatchError
	if !errors.As(err, &mismatch) {
		t.Fatalf("Run error = %v, want SchemaMismatchError", err)
	}
}

func TestImportBatchFailureReportsOffset(t *testing.T) {
	conn := adaptertest.New()
	conn.AddTable(ordersDescriptor(), nil)
	conn.FailWriteAt = 4 // third batch of two

	var lines []string
	lines = append(lines, "id,note")
	for i := 0; i < 10; i++ {
		lines = append(lines, "1,x")
	}
	backend := newTestBackend(t, map[string]string{
		"orders.csv": strings.Join(lines, "\n") + "\n",
	})

	res, err := Run(context.Background(), conn, backend, "orders.csv", Options{
		Table: "orders", Format: format.CSV, BatchSize: 2,
	})
	if err == nil {
		t.Fatal("expected the injected batch failure")
	}
	if res.FailedOffset != 4 {
		t.Fatalf("FailedOffset = %d, want 4", res.FailedOffset)
	}
	if res.RowsCommitted != 4 {
		t.Fatalf("RowsCommitted = %d, want the two batches before the failure", res.RowsCommitted)
	}
	if len(conn.Rows("orders")) != 4 {
		t.Fatalf("table has %d rows, want 4", len(conn.Rows("orders")))
	}
}

// Resuming with the reported offset skips committed rows and imports
// only the remainder, so a retried import never duplicates data.
func TestImportResumeFromOffset(t *testing.T) {
	conn := adaptertest.New()
	conn.AddTable(ordersDescriptor(), [][]any{
		{int64(1), "a"},
		{int64(2), "b"},
	})
	backend := newTestBackend(t, map[string]string{
		"orders.csv": "id,note\n1,a\n2,b\n3,c\n4,d\n",
	})

	res, err := Run(context.Background(), conn, backend, "orders.csv", Options{
		Table: "orders", Format: format.CSV, StartOffset: 2,
	})
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if res.RowsRead != 2 || res.RowsCommitted != 2 {
		t.Fatalf("read=%d committed=%d, want 2/2", res.RowsRead, res.RowsCommitted)
	}
	rows := conn.Rows("orders")
	if len(rows) != 4 {
		t.Fatalf("table has %d rows, want 4", len(rows))
	}
	if rows[2][0] != int64(3) || rows[3][0] != int64(4) {
		t.Fatalf("resumed rows = %v, %v", rows[2], rows[3])
	}
}

func TestImportCreateTableFromHeader(t *testing.T) {
	conn := adaptertest.New()
	backend := newTestBackend(t, map[string]string{
		"new.csv": "sku,qty\nA-1,3\nB-2,7\n",
	})

	_, err := Run(context.Background(), conn, backend, "new.csv", Options{
		Table: "inventory", Format: format.CSV, Mode: adapter.ModeCreate, CreateTable: true,
	})
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	desc, err := conn.DescribeTable(context.Background(), "inventory")
	if err != nil {
		t.Fatalf("DescribeTable error: %v", err)
	}
	names := desc.ColumnNames()
	if len(names) != 2 || names[0] != "sku" || names[1] != "qty" {
		t.Fatalf("created columns = %v", names)
	}
	if len(conn.Rows("inventory")) != 2 {
		t.Fatalf("table has %d rows, want 2", len(conn.Rows("inventory")))
	}
}

func TestImportCreateTableRequiresHeaderFormat(t *testing.T) {
	conn := adaptertest.New()
	backend := newTestBackend(t, map[string]string{
		"new.ndjson": "{\"a\":1}\n",
	})

	_, err := Run(context.Background(), conn, backend, "new.ndjson", Options{
		Table: "things", Format: format.NDJSON, Mode: adapter.ModeCreate, CreateTable: true,
	})
	var mismatch *dberr.SchemaMismatchError
	if !errors.As(err, &mismatch) {
		t.Fatalf("Run error = %v, want SchemaMismatchError", err)
	}
}

func TestImportTruncateMode(t *testing.T) {
	conn := adaptertest.New()
	conn.AddTable(ordersDescriptor(), [][]any{{int64(99), "old"}})
	backend := newTestBackend(t, map[string]string{
		"orders.csv": "id,note\n1,new\n",
	})

	_, err := Run(context.Background(), conn, backend, "orders.csv", Options{
		Table: "orders", Format: format.CSV, Mode: adapter.ModeTruncate,
	})
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	rows := conn.Rows("orders")
	if len(rows) != 1 || rows[0][0] != int64(1) {
		t.Fatalf("rows after truncate import = %v", rows)
	}
}

// The cancel flag costs a status query against the task store, so it
// must be consulted per batch, not per row.
func TestImportCancelPolledPerBatch(t *testing.T) {
	conn := adaptertest.New()
	conn.AddTable(ordersDescriptor(), nil)
	var lines []string
	lines = append(lines, "id,note")
	for i := 0; i < 10; i++ {
		lines = append(lines, "1,x")
	}
	backend := newTestBackend(t, map[string]string{
		"orders.csv": strings.Join(lines, "\n") + "\n",
	})

	var polls int
	res, err := Run(context.Background(), conn, backend, "orders.csv", Options{
		Table: "orders", Format: format.CSV, BatchSize: 5,
		Cancelled: func() bool { polls++; return false },
	})
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if res.RowsCommitted != 10 {
		t.Fatalf("RowsCommitted = %d, want 10", res.RowsCommitted)
	}
	// Two committed batches plus the final empty flush.
	if polls > 3 {
		t.Fatalf("cancel flag polled %d times for 2 batches, want at most 3", polls)
	}
}

func TestImportCancellation(t *testing.T) {
	conn := adaptertest.New()
	conn.AddTable(ordersDescriptor(), nil)
	var lines []string
	lines = append(lines, "id,note")
	for i := 0; i < 6; i++ {
		lines = append(lines, "1,x")
	}
	backend := newTestBackend(t, map[string]string{
		"orders.csv": strings.Join(lines, "\n") + "\n",
	})

	var committed int64
	res, err := Run(context.Background(), conn, backend, "orders.csv", Options{
		Table: "orders", Format: format.CSV, BatchSize: 2,
		Progress:  func(r int64) { committed = r },
		Cancelled: func() bool { return committed >= 2 },
	})
	var cancelled *dberr.CancelledError
	if !errors.As(err, &cancelled) {
		t.Fatalf("Run error = %v, want CancelledError", err)
	}
	if cancelled.CommittedOffset != res.RowsCommitted {
		t.Fatalf("CommittedOffset = %d, RowsCommitted = %d", cancelled.CommittedOffset, res.RowsCommitted)
	}
	if got := int64(len(conn.Rows("orders"))); got != res.RowsCommitted {
		t.Fatalf("table rows = %d, committed = %d", got, res.RowsCommitted)
	}
}

func TestImportMissingSource(t *testing.T) {
	conn := adaptertest.New()
	conn.AddTable(ordersDescriptor(), nil)
	backend := newTestBackend(t, nil)

	_, err := Run(context.Background(), conn, backend, "ghost.csv", Options{
		Table: "orders", Format: format.CSV,
	})
	if !dberr.IsNotFound(err) {
		t.Fatalf("Run error = %v, want storage not-found", err)
	}
}
