package storage

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/dbporter/dbporter/internal/dberr"
)

func newTestLocal(t *testing.T) *localBackend {
	t.Helper()
	b, err := newLocal(t.TempDir())
	if err != nil {
		t.Fatalf("newLocal error: %v", err)
	}
	return b
}

func TestLocalPutGet(t *testing.T) {
	b := newTestLocal(t)
	ctx := context.Background()

	info, err := b.Put(ctx, "prof-1/orders.csv", strings.NewReader("id,note\n1,\n"))
	if err != nil {
		t.Fatalf("Put error: %v", err)
	}
	if info.Size != 11 {
		t.Fatalf("Put size = %d, want 11", info.Size)
	}

	rc, err := b.Get(ctx, "prof-1/orders.csv")
	if err != nil {
		t.Fatalf("Get error: %v", err)
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("read error: %v", err)
	}
	if string(data) != "id,note\n1,\n" {
		t.Fatalf("got %q", data)
	}
}

func TestLocalGetMissing(t *testing.T) {
	b := newTestLocal(t)
	_, err := b.Get(context.Background(), "nope.csv")
	if err == nil {
		t.Fatal("expected error for missing object")
	}
	if !dberr.IsNotFound(err) {
		t.Fatalf("error %v is not a not-found StorageError", err)
	}
}

func TestLocalListSkipsTempFiles(t *testing.T) {
	b := newTestLocal(t)
	ctx := context.Background()

	if _, err := b.Put(ctx, "p/a.csv", strings.NewReader("a")); err != nil {
		t.Fatalf("Put error: %v", err)
	}
	if _, err := b.Put(ctx, "p/b.csv", strings.NewReader("b")); err != nil {
		t.Fatalf("Put error: %v", err)
	}
	// Simulate an upload that crashed mid-write.
	stale := filepath.Join(b.base, "p", "c.csv.tmp-deadbeef0000")
	if err := os.WriteFile(stale, []byte("partial"), 0644); err != nil {
		t.Fatalf("writing stale temp file: %v", err)
	}

	got, err := b.List(ctx, "p/")
	if err != nil {
		t.Fatalf("List error: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("List returned %d objects, want 2", len(got))
	}
	if got[0].Path != "p/a.csv" || got[1].Path != "p/b.csv" {
		t.Fatalf("List paths = %q, %q", got[0].Path, got[1].Path)
	}
}

type failReader struct{}

func (failReader) Read([]byte) (int, error) { return 0, errors.New("source died") }

// A failed Put must leave nothing visible under the final name.
func TestLocalFailedPutNotVisible(t *testing.T) {
	b := newTestLocal(t)
	ctx := context.Background()

	if _, err := b.Put(ctx, "p/broken.csv", failReader{}); err == nil {
		t.Fatal("Put with a failing reader succeeded")
	}
	if _, err := b.Get(ctx, "p/broken.csv"); !dberr.IsNotFound(err) {
		t.Fatalf("Get after failed Put = %v, want not-found", err)
	}
	objects, err := b.List(ctx, "p/")
	if err != nil {
		t.Fatalf("List error: %v", err)
	}
	if len(objects) != 0 {
		t.Fatalf("List after failed Put = %v, want nothing", objects)
	}
}

func TestLocalDelete(t *testing.T) {
	b := newTestLocal(t)
	ctx := context.Background()

	if _, err := b.Put(ctx, "x.csv", strings.NewReader("x")); err != nil {
		t.Fatalf("Put error: %v", err)
	}
	if err := b.Delete(ctx, "x.csv"); err != nil {
		t.Fatalf("Delete error: %v", err)
	}
	if err := b.Delete(ctx, "x.csv"); !dberr.IsNotFound(err) {
		t.Fatalf("second Delete = %v, want not-found", err)
	}
}

func TestLocalStat(t *testing.T) {
	b := newTestLocal(t)
	ctx := context.Background()

	if _, err := b.Put(ctx, "s.csv", strings.NewReader("hello")); err != nil {
		t.Fatalf("Put error: %v", err)
	}
	info, err := b.Stat(ctx, "s.csv")
	if err != nil {
		t.Fatalf("Stat error: %v", err)
	}
	if info.Size != 5 {
		t.Fatalf("Stat size = %d, want 5", info.Size)
	}
	if _, err := b.Stat(ctx, "missing.csv"); !dberr.IsNotFound(err) {
		t.Fatalf("Stat missing = %v, want not-found", err)
	}
}

// Paths with .. segments must never place objects outside the root.
func TestLocalContainsDotDotPaths(t *testing.T) {
	b := newTestLocal(t)
	ctx := context.Background()

	if _, err := b.Put(ctx, "../evil.csv", strings.NewReader("x")); err != nil {
		t.Fatalf("Put error: %v", err)
	}
	outside := filepath.Join(filepath.Dir(b.base), "evil.csv")
	if _, err := os.Stat(outside); err == nil {
		t.Fatalf("object written outside the storage root at %s", outside)
	}
}

func TestOpenUnknownType(t *testing.T) {
	_, err := Open(context.Background(), Location{Type: "TAPE"})
	if err == nil {
		t.Fatal("expected error for unknown backend type")
	}
}
