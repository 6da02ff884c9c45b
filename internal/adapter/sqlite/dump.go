package sqlite

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// Dump takes a consistent snapshot with VACUUM INTO and streams the
// resulting database file. No external tool is needed.
func (c *Conn) Dump(ctx context.Context, w io.Writer) error {
	tmp, err := os.CreateTemp(filepath.Dir(c.path), ".dump-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	tmp.Close()
	// VACUUM INTO refuses to overwrite an existing file.
	os.Remove(tmpPath)
	defer os.Remove(tmpPath)

	stmt := fmt.Sprintf("VACUUM INTO '%s'", strings.ReplaceAll(tmpPath, "'", "''"))
	if _, err := c.db.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("snapshotting database: %w", err)
	}

	f, err := os.Open(tmpPath)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = io.Copy(w, f)
	return err
}

// Restore replaces the database file with the artifact's contents. The
// new file lands next to the target and is swapped in with a rename
// while the pool is closed.
func (c *Conn) Restore(ctx context.Context, r io.Reader) error {
	tmp, err := os.CreateTemp(filepath.Dir(c.path), ".restore-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		return fmt.Errorf("writing restored database: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	if err := c.db.Close(); err != nil {
		return err
	}
	// Stale journal sidecars from the old database must not survive
	// the swap.
	os.Remove(c.path + "-wal")
	os.Remove(c.path + "-shm")
	if err := os.Rename(tmpPath, c.path); err != nil {
		return fmt.Errorf("swapping in restored database: %w", err)
	}
	return c.reopen(ctx)
}

func (c *Conn) ToolVersion(ctx context.Context) (string, error) {
	var version string
	if err := c.db.QueryRowContext(ctx, "SELECT sqlite_version()").Scan(&version); err != nil {
		return "", err
	}
	return "sqlite " + version, nil
}
