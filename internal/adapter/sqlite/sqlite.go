// Package sqlite implements the SQLite adapter over the pure-Go
// modernc driver. The profile's Database field is the database file
// path; Host, Port and credentials are ignored. It registers itself
// with the adapter registry on import.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite" // pure-Go sqlite driver

	"github.com/dbporter/dbporter/internal/adapter"
	"github.com/dbporter/dbporter/internal/dberr"
	"github.com/dbporter/dbporter/internal/logging"
)

func init() {
	adapter.Register(&Adapter{})
}

// Adapter implements adapter.Adapter for SQLite.
type Adapter struct{}

func (a *Adapter) Kind() adapter.Kind { return adapter.KindSQLite }

func (a *Adapter) Aliases() []string { return []string{"sqlite3"} }

func (a *Adapter) DefaultPort() int { return 0 }

func (a *Adapter) Connect(ctx context.Context, profile adapter.Profile) (adapter.Conn, error) {
	db, err := sql.Open("sqlite", dsn(profile.Database))
	if err != nil {
		return nil, fmt.Errorf("opening sqlite database: %w", err)
	}
	// A second writer on the same file deadlocks more than it helps.
	db.SetMaxOpenConns(1)

	pingCtx, cancel := context.WithTimeout(ctx, profile.Timeout())
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, &dberr.ConnectionError{Engine: "sqlite", Addr: profile.Database, Err: err}
	}

	logging.Debug("opened sqlite database", "path", profile.Database)
	return &Conn{db: db, path: profile.Database}, nil
}

func dsn(path string) string {
	return fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)", path)
}

// reopen re-establishes the pool after Restore swapped the file.
func (c *Conn) reopen(ctx context.Context) error {
	db, err := sql.Open("sqlite", dsn(c.path))
	if err != nil {
		return err
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return fmt.Errorf("reopening restored database: %w", err)
	}
	c.db = db
	return nil
}
