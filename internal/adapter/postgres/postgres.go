// Package postgres implements the PostgreSQL adapter. It registers
// itself with the adapter registry on import.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"

	_ "github.com/jackc/pgx/v5/stdlib" // pgx driver for database/sql

	"github.com/dbporter/dbporter/internal/adapter"
	"github.com/dbporter/dbporter/internal/dberr"
	"github.com/dbporter/dbporter/internal/logging"
)

func init() {
	adapter.Register(&Adapter{})
}

// Adapter implements adapter.Adapter for PostgreSQL.
type Adapter struct{}

func (a *Adapter) Kind() adapter.Kind { return adapter.KindPostgres }

func (a *Adapter) Aliases() []string { return []string{"postgresql", "pg"} }

func (a *Adapter) DefaultPort() int { return 5432 }

// Connect opens a pooled connection and verifies it with a bounded
// ping.
func (a *Adapter) Connect(ctx context.Context, profile adapter.Profile) (adapter.Conn, error) {
	dsn := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(profile.Username, profile.Password),
		Host:   fmt.Sprintf("%s:%d", profile.Host, profile.Port),
		Path:   "/" + profile.Database,
		RawQuery: url.Values{
			"sslmode":         {"prefer"},
			"connect_timeout": {fmt.Sprintf("%d", int(profile.Timeout().Seconds()))},
		}.Encode(),
	}

	db, err := sql.Open("pgx", dsn.String())
	if err != nil {
		return nil, fmt.Errorf("opening postgres connection: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, profile.Timeout())
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, &dberr.ConnectionError{
			Engine: "postgres",
			Addr:   fmt.Sprintf("%s:%d/%s", profile.Host, profile.Port, profile.Database),
			Err:    err,
		}
	}

	logging.Debug("connected to postgres", "host", profile.Host, "database", profile.Database)
	return &Conn{db: db, profile: profile}, nil
}
