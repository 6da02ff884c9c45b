package storage

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/dbporter/dbporter/internal/dberr"
)

func init() {
	RegisterFactory(TypeLocal, func(_ context.Context, loc Location) (Backend, error) {
		return newLocal(loc.Root)
	})
}

// localBackend stores objects under a base directory. Writes go to a
// temp file in the same directory and are committed with an atomic
// rename, so a crashed upload is never visible to Get or List.
type localBackend struct {
	base string
}

func newLocal(base string) (*localBackend, error) {
	if base == "" {
		return nil, fmt.Errorf("local storage: root is required")
	}
	if err := os.MkdirAll(base, 0755); err != nil {
		return nil, fmt.Errorf("local storage: creating root: %w", err)
	}
	return &localBackend{base: base}, nil
}

// resolve maps an object path under the base dir, rejecting escapes.
func (l *localBackend) resolve(path string) (string, error) {
	clean := filepath.Clean("/" + filepath.FromSlash(path))
	full := filepath.Join(l.base, clean)
	if !strings.HasPrefix(full, filepath.Clean(l.base)+string(os.PathSeparator)) {
		return "", fmt.Errorf("local storage: path %q escapes root", path)
	}
	return full, nil
}

func (l *localBackend) Put(ctx context.Context, path string, body io.Reader) (ObjectInfo, error) {
	full, err := l.resolve(path)
	if err != nil {
		return ObjectInfo{}, err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
		return ObjectInfo{}, &dberr.StorageError{Backend: "local", Path: path, Err: err}
	}

	tmp := full + ".tmp-" + randSuffix()
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return ObjectInfo{}, &dberr.StorageError{Backend: "local", Path: path, Err: err}
	}

	n, err := io.Copy(f, body)
	if err == nil {
		err = f.Sync()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = ctx.Err()
	}
	if err != nil {
		os.Remove(tmp)
		return ObjectInfo{}, &dberr.StorageError{Backend: "local", Path: path, Err: err}
	}

	if err := os.Rename(tmp, full); err != nil {
		os.Remove(tmp)
		return ObjectInfo{}, &dberr.StorageError{Backend: "local", Path: path, Err: err}
	}

	st, err := os.Stat(full)
	if err != nil {
		return ObjectInfo{Path: path, Size: n}, nil
	}
	return ObjectInfo{Path: path, Size: n, ModTime: st.ModTime()}, nil
}

func (l *localBackend) Get(_ context.Context, path string) (io.ReadCloser, error) {
	full, err := l.resolve(path)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(full)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, &dberr.StorageError{Backend: "local", Path: path, NotFound: true, Err: err}
		}
		return nil, &dberr.StorageError{Backend: "local", Path: path, Err: err}
	}
	return f, nil
}

func (l *localBackend) List(_ context.Context, prefix string) ([]ObjectInfo, error) {
	var out []ObjectInfo
	err := filepath.WalkDir(l.base, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(l.base, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		// In-flight temp files are not committed objects.
		if strings.Contains(rel, ".tmp-") {
			return nil
		}
		if !strings.HasPrefix(rel, prefix) {
			return nil
		}
		st, err := d.Info()
		if err != nil {
			return err
		}
		out = append(out, ObjectInfo{Path: rel, Size: st.Size(), ModTime: st.ModTime()})
		return nil
	})
	if err != nil {
		return nil, &dberr.StorageError{Backend: "local", Path: prefix, Err: err}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

func (l *localBackend) Delete(_ context.Context, path string) error {
	full, err := l.resolve(path)
	if err != nil {
		return err
	}
	if err := os.Remove(full); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return &dberr.StorageError{Backend: "local", Path: path, NotFound: true, Err: err}
		}
		return &dberr.StorageError{Backend: "local", Path: path, Err: err}
	}
	return nil
}

func (l *localBackend) Stat(_ context.Context, path string) (ObjectInfo, error) {
	full, err := l.resolve(path)
	if err != nil {
		return ObjectInfo{}, err
	}
	st, err := os.Stat(full)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return ObjectInfo{}, &dberr.StorageError{Backend: "local", Path: path, NotFound: true, Err: err}
		}
		return ObjectInfo{}, &dberr.StorageError{Backend: "local", Path: path, Err: err}
	}
	return ObjectInfo{Path: path, Size: st.Size(), ModTime: st.ModTime()}, nil
}

func (l *localBackend) Close() error { return nil }

func randSuffix() string {
	b := make([]byte, 6)
	if _, err := rand.Read(b); err != nil {
		return "000000000000"
	}
	return hex.EncodeToString(b)
}
