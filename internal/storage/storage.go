// Package storage abstracts where backup artifacts and export files
// live. Backends stream everything: no operation requires the artifact
// to fit in memory, and a failed Put never leaves a partially written
// object visible under its final name.
package storage

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"
)

// BackendType identifies a storage backend family.
type BackendType string

const (
	TypeLocal BackendType = "LOCAL"
	TypeS3    BackendType = "S3"
	TypeFTP   BackendType = "FTP"
)

// Location is a stateless descriptor of one backend instance. It is
// resolved per job, never stored by the core.
type Location struct {
	Type      BackendType
	Root      string // base directory (LOCAL) or path prefix (FTP)
	Bucket    string // S3
	Endpoint  string // S3 endpoint, e.g. a MinIO host
	Region    string
	AccessKey string
	SecretKey string
	UseSSL    bool
	Host      string // FTP
	Port      int
	User      string
	Password  string
	Passive   bool
}

// ObjectInfo describes one stored object.
type ObjectInfo struct {
	Path    string
	Size    int64
	ModTime time.Time
}

// Backend is the uniform storage contract. Put reads body to EOF and
// commits the object atomically under path; Get streams an existing
// object and fails with a not-found StorageError for missing paths.
type Backend interface {
	Put(ctx context.Context, path string, body io.Reader) (ObjectInfo, error)
	Get(ctx context.Context, path string) (io.ReadCloser, error)
	List(ctx context.Context, prefix string) ([]ObjectInfo, error)
	Delete(ctx context.Context, path string) error
	Stat(ctx context.Context, path string) (ObjectInfo, error)
	Close() error
}

// Factory builds a backend from a location.
type Factory func(ctx context.Context, loc Location) (Backend, error)

var (
	factoryMu sync.RWMutex
	factories = make(map[BackendType]Factory)
)

// RegisterFactory adds a backend factory. Called from init() in each
// backend file.
func RegisterFactory(t BackendType, f Factory) {
	factoryMu.Lock()
	defer factoryMu.Unlock()
	if _, exists := factories[t]; exists {
		panic(fmt.Sprintf("storage factory %q already registered", t))
	}
	factories[t] = f
}

// Open resolves a location into a live backend.
func Open(ctx context.Context, loc Location) (Backend, error) {
	factoryMu.RLock()
	f, exists := factories[BackendType(strings.ToUpper(string(loc.Type)))]
	factoryMu.RUnlock()
	if !exists {
		return nil, fmt.Errorf("unknown storage type %q (valid: LOCAL, S3, FTP)", loc.Type)
	}
	return f(ctx, loc)
}
