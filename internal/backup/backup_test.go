package backup

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/klauspost/compress/gzip"

	"github.com/dbporter/dbporter/internal/adapter"
	"github.com/dbporter/dbporter/internal/adapter/adaptertest"
	"github.com/dbporter/dbporter/internal/dberr"
	"github.com/dbporter/dbporter/internal/storage"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	b, err := storage.Open(context.Background(), storage.Location{Type: storage.TypeLocal, Root: t.TempDir()})
	if err != nil {
		t.Fatalf("opening backend: %v", err)
	}
	t.Cleanup(func() { b.Close() })
	return NewManager(b, 4)
}

func seededConn() *adaptertest.Conn {
	conn := adaptertest.New()
	conn.AddTable(adapter.TableDescriptor{
		Name:    "orders",
		Columns: []adapter.Column{{Name: "id", Type: adapter.TypeInteger}},
	}, [][]any{{int64(1)}, {int64(2)}})
	return conn
}

func TestBackupWritesArtifactAndManifest(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	var phases []string
	art, err := m.Backup(ctx, seededConn(), "prof-1", adapter.KindPostgres, Options{
		Phase: func(p string) { phases = append(phases, p) },
	})
	if err != nil {
		t.Fatalf("Backup error: %v", err)
	}
	if !strings.HasPrefix(art.Path, "prof-1/") || !strings.HasSuffix(art.Path, "-postgres.sql.gz") {
		t.Fatalf("artifact path = %q", art.Path)
	}
	if art.ManifestPath != art.Path+ManifestSuffix {
		t.Fatalf("manifest path = %q", art.ManifestPath)
	}
	// "uploading" must be observable while the transfer runs, not
	// reported retroactively once it is over.
	want := []string{"dumping", "uploading", "completed"}
	if len(phases) != len(want) {
		t.Fatalf("phases = %v, want %v", phases, want)
	}
	for i := range want {
		if phases[i] != want[i] {
			t.Fatalf("phases = %v, want %v", phases, want)
		}
	}

	manifest, err := m.ReadManifest(ctx, art.Path)
	if err != nil {
		t.Fatalf("ReadManifest error: %v", err)
	}
	if manifest.EngineKind != adapter.KindPostgres {
		t.Fatalf("manifest engine = %s", manifest.EngineKind)
	}
	if manifest.Compression != "gzip" {
		t.Fatalf("manifest compression = %s", manifest.Compression)
	}
	if len(manifest.SourceTables) != 1 || manifest.SourceTables[0] != "orders" {
		t.Fatalf("manifest tables = %v", manifest.SourceTables)
	}

	// The artifact body really is a gzip stream.
	body, err := m.backend.Get(ctx, art.Path)
	if err != nil {
		t.Fatalf("Get error: %v", err)
	}
	defer body.Close()
	gz, err := gzip.NewReader(body)
	if err != nil {
		t.Fatalf("artifact is not gzip: %v", err)
	}
	raw, err := io.ReadAll(gz)
	if err != nil {
		t.Fatalf("decompressing artifact: %v", err)
	}
	var snapshot map[string]json.RawMessage
	if err := json.Unmarshal(raw, &snapshot); err != nil {
		t.Fatalf("dump payload not decodable: %v", err)
	}
}

// An empty database still produces a valid, restorable artifact.
func TestBackupEmptyDatabase(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	art, err := m.Backup(ctx, adaptertest.New(), "prof-1", adapter.KindPostgres, Options{})
	if err != nil {
		t.Fatalf("Backup error: %v", err)
	}
	if art.Size == 0 {
		t.Fatal("empty-database artifact has zero size")
	}
	if err := m.Restore(ctx, adaptertest.New(), adapter.KindPostgres, art.Path, false); err != nil {
		t.Fatalf("Restore error: %v", err)
	}
}

func TestBackupRestoreRoundTrip(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	art, err := m.Backup(ctx, seededConn(), "prof-1", adapter.KindPostgres, Options{})
	if err != nil {
		t.Fatalf("Backup error: %v", err)
	}

	dest := adaptertest.New()
	if err := m.Restore(ctx, dest, adapter.KindPostgres, art.Path, false); err != nil {
		t.Fatalf("Restore error: %v", err)
	}
	if got := len(dest.Rows("orders")); got != 2 {
		t.Fatalf("restored rows = %d, want 2", got)
	}
}

func TestRestoreRefusesEngineMismatch(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	art, err := m.Backup(ctx, seededConn(), "prof-1", adapter.KindPostgres, Options{})
	if err != nil {
		t.Fatalf("Backup error: %v", err)
	}

	dest := adaptertest.New()
	err = m.Restore(ctx, dest, adapter.KindMySQL, art.Path, false)
	var restoreErr *dberr.RestoreError
	if !errors.As(err, &restoreErr) {
		t.Fatalf("Restore error = %v, want RestoreError", err)
	}
	// The check fires before any data is touched.
	if empty, _ := dest.IsEmpty(ctx); !empty {
		t.Fatal("destination was written despite the engine mismatch")
	}
}

func TestRestoreRefusesNonEmptyDestination(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	art, err := m.Backup(ctx, seededConn(), "prof-1", adapter.KindPostgres, Options{})
	if err != nil {
		t.Fatalf("Backup error: %v", err)
	}

	dest := seededConn()
	err = m.Restore(ctx, dest, adapter.KindPostgres, art.Path, false)
	var notEmpty *dberr.DestinationNotEmptyError
	if !errors.As(err, &notEmpty) {
		t.Fatalf("Restore error = %v, want DestinationNotEmptyError", err)
	}

	// Overwrite mode skips the pre-flight.
	if err := m.Restore(ctx, dest, adapter.KindPostgres, art.Path, true); err != nil {
		t.Fatalf("Restore with overwrite error: %v", err)
	}
}

func TestRestoreRequiresManifest(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	// An artifact with no sidecar, as if uploaded by hand.
	if _, err := m.backend.Put(ctx, "prof-1/stray.sql.gz", strings.NewReader("junk")); err != nil {
		t.Fatalf("Put error: %v", err)
	}
	err := m.Restore(ctx, adaptertest.New(), adapter.KindPostgres, "prof-1/stray.sql.gz", false)
	var restoreErr *dberr.RestoreError
	if !errors.As(err, &restoreErr) {
		t.Fatalf("Restore error = %v, want RestoreError", err)
	}
}

func TestListAndDeleteArtifacts(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	art, err := m.Backup(ctx, seededConn(), "prof-1", adapter.KindPostgres, Options{})
	if err != nil {
		t.Fatalf("Backup error: %v", err)
	}

	list, err := m.ListArtifacts(ctx, "prof-1")
	if err != nil {
		t.Fatalf("ListArtifacts error: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("ListArtifacts = %d entries, want 1 (sidecar folded)", len(list))
	}
	if list[0].Path != art.Path || list[0].ManifestPath != art.ManifestPath {
		t.Fatalf("listed artifact = %+v", list[0])
	}

	if err := m.DeleteArtifact(ctx, art.Path); err != nil {
		t.Fatalf("DeleteArtifact error: %v", err)
	}
	list, _ = m.ListArtifacts(ctx, "prof-1")
	if len(list) != 0 {
		t.Fatalf("artifacts after delete = %d, want 0", len(list))
	}
	if _, err := m.backend.Stat(ctx, art.ManifestPath); !dberr.IsNotFound(err) {
		t.Fatalf("sidecar survived delete: %v", err)
	}
}

func TestDumpExt(t *testing.T) {
	tests := []struct {
		kind adapter.Kind
		want string
	}{
		{adapter.KindPostgres, ".sql.gz"},
		{adapter.KindMySQL, ".sql.gz"},
		{adapter.KindSQLite, ".db.gz"},
		{adapter.KindMongoDB, ".archive.gz"},
		{adapter.KindElastic, ".ndjson.gz"},
		{adapter.Kind("other"), ".dump.gz"},
	}
	for _, tt := range tests {
		if got := DumpExt(tt.kind); got != tt.want {
			t.Fatalf("DumpExt(%s) = %s, want %s", tt.kind, got, tt.want)
		}
	}
}
