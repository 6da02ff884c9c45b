// Package mysql implements the MySQL/MariaDB adapter. It registers
// itself with the adapter registry on import.
package mysql

import (
	"context"
	"database/sql"
	"fmt"

	gomysql "github.com/go-sql-driver/mysql"

	"github.com/dbporter/dbporter/internal/adapter"
	"github.com/dbporter/dbporter/internal/dberr"
	"github.com/dbporter/dbporter/internal/logging"
)

func init() {
	adapter.Register(&Adapter{})
}

// Adapter implements adapter.Adapter for MySQL.
type Adapter struct{}

func (a *Adapter) Kind() adapter.Kind { return adapter.KindMySQL }

func (a *Adapter) Aliases() []string { return []string{"mariadb"} }

func (a *Adapter) DefaultPort() int { return 3306 }

func (a *Adapter) Connect(ctx context.Context, profile adapter.Profile) (adapter.Conn, error) {
	cfg := gomysql.NewConfig()
	cfg.User = profile.Username
	cfg.Passwd = profile.Password
	cfg.Net = "tcp"
	cfg.Addr = fmt.Sprintf("%s:%d", profile.Host, profile.Port)
	cfg.DBName = profile.Database
	cfg.ParseTime = true
	cfg.Timeout = profile.Timeout()

	db, err := sql.Open("mysql", cfg.FormatDSN())
	if err != nil {
		return nil, fmt.Errorf("opening mysql connection: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, profile.Timeout())
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, &dberr.ConnectionError{
			Engine: "mysql",
			Addr:   fmt.Sprintf("%s/%s", cfg.Addr, profile.Database),
			Err:    err,
		}
	}

	logging.Debug("connected to mysql", "host", profile.Host, "database", profile.Database)
	return &Conn{db: db, profile: profile}, nil
}
