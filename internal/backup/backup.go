// Package backup produces and applies full-database artifacts in each
// engine's native dump format. Dumps are streamed through a bounded
// pipe into the storage backend, gzip-compressed, with a JSON manifest
// written alongside each artifact for restore compatibility checks.
package backup

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
	"golang.org/x/sync/errgroup"

	"github.com/dbporter/dbporter/internal/adapter"
	"github.com/dbporter/dbporter/internal/dberr"
	"github.com/dbporter/dbporter/internal/logging"
	"github.com/dbporter/dbporter/internal/pipeline"
	"github.com/dbporter/dbporter/internal/storage"
)

// ManifestSuffix is appended to an artifact path to name its sidecar.
const ManifestSuffix = ".manifest.json"

const timestampLayout = "20060102T150405Z"

// Manifest is the sidecar describing one artifact. Restore refuses an
// artifact whose engine kind does not match the destination before
// touching any data.
type Manifest struct {
	EngineKind   adapter.Kind `json:"engineKind"`
	ToolVersion  string       `json:"toolVersion"`
	Compression  string       `json:"compression"`
	SourceTables []string     `json:"sourceTables,omitempty"`
	CreatedAt    time.Time    `json:"createdAt"`
}

// Artifact describes a stored backup.
type Artifact struct {
	Path         string
	ManifestPath string
	Size         int64
	CreatedAt    time.Time
}

// Manager runs backup and restore jobs against one storage backend.
type Manager struct {
	backend storage.Backend
	buffers int
}

func NewManager(backend storage.Backend, buffers int) *Manager {
	return &Manager{backend: backend, buffers: buffers}
}

// Options configures one backup run.
type Options struct {
	// Phase is called as the job moves between phases ("dumping",
	// "uploading", "completed"). May be nil.
	Phase func(phase string)

	// Progress is called with cumulative uploaded bytes. May be nil.
	Progress func(bytes int64)
}

// DumpExt returns the artifact extension for an engine kind.
func DumpExt(kind adapter.Kind) string {
	switch kind {
	case adapter.KindPostgres, adapter.KindMySQL:
		return ".sql.gz"
	case adapter.KindSQLite:
		return ".db.gz"
	case adapter.KindMongoDB:
		return ".archive.gz"
	case adapter.KindElastic:
		return ".ndjson.gz"
	default:
		return ".dump.gz"
	}
}

// Backup streams a native dump of conn into the backend under
// {profileID}/{timestamp}-{kind}{ext} and writes its manifest sidecar.
// An empty database yields a small but valid artifact.
func (m *Manager) Backup(ctx context.Context, conn adapter.Conn, profileID string, kind adapter.Kind, opts Options) (*Artifact, error) {
	phase := func(p string) {
		if opts.Phase != nil {
			opts.Phase(p)
		}
	}

	toolVersion, err := conn.ToolVersion(ctx)
	if err != nil {
		return nil, fmt.Errorf("probing tool version: %w", err)
	}
	tables, err := conn.ListTables(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing tables: %w", err)
	}
	names := make([]string, len(tables))
	for i, t := range tables {
		names[i] = t.Name
	}

	createdAt := time.Now().UTC()
	path := fmt.Sprintf("%s/%s-%s%s", profileID, createdAt.Format(timestampLayout), kind, DumpExt(kind))

	phase("dumping")
	pipe := pipeline.New(m.buffers)

	var info storage.ObjectInfo
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		// Dump and upload run concurrently over the pipe, so the
		// record enters "uploading" as soon as the transfer starts.
		phase("uploading")
		var putErr error
		info, putErr = m.backend.Put(gctx, path, pipe)
		if putErr != nil {
			pipe.CloseRead()
			return putErr
		}
		return nil
	})
	g.Go(func() error {
		err := m.dump(gctx, conn, pipe, opts.Progress)
		pipe.CloseWithError(err)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	manifest := Manifest{
		EngineKind:   kind,
		ToolVersion:  toolVersion,
		Compression:  "gzip",
		SourceTables: names,
		CreatedAt:    createdAt,
	}
	body, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return nil, err
	}
	if _, err := m.backend.Put(ctx, path+ManifestSuffix, bytes.NewReader(body)); err != nil {
		return nil, fmt.Errorf("writing manifest: %w", err)
	}

	phase("completed")
	logging.Info("backup complete",
		"profile", profileID, "path", path, "bytes", info.Size, "tables", len(names))
	return &Artifact{
		Path:         path,
		ManifestPath: path + ManifestSuffix,
		Size:         info.Size,
		CreatedAt:    createdAt,
	}, nil
}

func (m *Manager) dump(ctx context.Context, conn adapter.Conn, w io.Writer, progress func(int64)) error {
	gz := gzip.NewWriter(w)
	dst := io.Writer(gz)
	if progress != nil {
		// Tick after each compressed flush is too coarse; count the
		// raw dump bytes instead.
		dst = &tickWriter{w: gz, tick: progress}
	}
	if err := conn.Dump(ctx, dst); err != nil {
		gz.Close()
		return fmt.Errorf("dumping: %w", err)
	}
	return gz.Close()
}

type tickWriter struct {
	w    io.Writer
	n    int64
	tick func(int64)
}

func (t *tickWriter) Write(p []byte) (int, error) {
	n, err := t.w.Write(p)
	t.n += int64(n)
	t.tick(t.n)
	return n, err
}

// Restore applies the artifact at path onto conn. The manifest is
// checked first; nothing is written when the engine kinds differ or
// when the destination holds data and overwrite is off.
func (m *Manager) Restore(ctx context.Context, conn adapter.Conn, kind adapter.Kind, path string, overwrite bool) error {
	manifest, err := m.ReadManifest(ctx, path)
	if err != nil {
		return err
	}
	if manifest.EngineKind != kind {
		return &dberr.RestoreError{
			Detail: fmt.Sprintf("artifact was taken from %s, destination is %s", manifest.EngineKind, kind),
		}
	}

	if !overwrite {
		empty, err := conn.IsEmpty(ctx)
		if err != nil {
			return fmt.Errorf("checking destination: %w", err)
		}
		if !empty {
			return &dberr.DestinationNotEmptyError{Database: string(kind)}
		}
	}

	body, err := m.backend.Get(ctx, path)
	if err != nil {
		return err
	}
	defer body.Close()

	gz, err := gzip.NewReader(body)
	if err != nil {
		return &dberr.RestoreError{Detail: "artifact is not gzip-compressed: " + err.Error()}
	}
	defer gz.Close()

	if err := conn.Restore(ctx, gz); err != nil {
		return fmt.Errorf("restoring %s: %w", path, err)
	}
	logging.Info("restore complete", "path", path, "engine", kind)
	return nil
}

// ReadManifest fetches and decodes an artifact's sidecar. A missing
// sidecar makes the artifact unrestorable.
func (m *Manager) ReadManifest(ctx context.Context, artifactPath string) (*Manifest, error) {
	body, err := m.backend.Get(ctx, artifactPath+ManifestSuffix)
	if err != nil {
		if dberr.IsNotFound(err) {
			return nil, &dberr.RestoreError{Detail: "artifact has no manifest: " + artifactPath}
		}
		return nil, err
	}
	defer body.Close()

	var manifest Manifest
	if err := json.NewDecoder(body).Decode(&manifest); err != nil {
		return nil, &dberr.RestoreError{Detail: "malformed manifest: " + err.Error()}
	}
	return &manifest, nil
}

// ListArtifacts lists the artifacts stored for one profile, newest
// last. Manifest sidecars are folded into their artifacts.
func (m *Manager) ListArtifacts(ctx context.Context, profileID string) ([]Artifact, error) {
	objects, err := m.backend.List(ctx, profileID+"/")
	if err != nil {
		return nil, err
	}

	manifests := make(map[string]bool)
	for _, obj := range objects {
		if cut, ok := strings.CutSuffix(obj.Path, ManifestSuffix); ok {
			manifests[cut] = true
		}
	}

	var out []Artifact
	for _, obj := range objects {
		if strings.HasSuffix(obj.Path, ManifestSuffix) {
			continue
		}
		a := Artifact{Path: obj.Path, Size: obj.Size, CreatedAt: obj.ModTime}
		if manifests[obj.Path] {
			a.ManifestPath = obj.Path + ManifestSuffix
		}
		out = append(out, a)
	}
	return out, nil
}

// DeleteArtifact removes an artifact and its sidecar. A missing
// sidecar is not an error.
func (m *Manager) DeleteArtifact(ctx context.Context, path string) error {
	if err := m.backend.Delete(ctx, path); err != nil {
		return err
	}
	if err := m.backend.Delete(ctx, path+ManifestSuffix); err != nil && !dberr.IsNotFound(err) {
		return err
	}
	return nil
}
