package postgres

import (
	"context"
	"fmt"
	"io"

	"github.com/dbporter/dbporter/internal/adapter/nativetool"
)

// Dump streams a plain-text pg_dump of the whole database. The
// password travels via PGPASSWORD so it never appears in argv.
func (c *Conn) Dump(ctx context.Context, w io.Writer) error {
	return nativetool.StreamOut(ctx, w, c.toolEnv(), "pg_dump",
		"--no-owner",
		"--no-privileges",
		"--host", c.profile.Host,
		"--port", fmt.Sprintf("%d", c.profile.Port),
		"--username", c.profile.Username,
		c.profile.Database,
	)
}

// Restore replays a plain-text dump through psql, stopping at the
// first error so a broken artifact does not half-apply.
func (c *Conn) Restore(ctx context.Context, r io.Reader) error {
	return nativetool.StreamIn(ctx, r, c.toolEnv(), "psql",
		"--set", "ON_ERROR_STOP=1",
		"--quiet",
		"--host", c.profile.Host,
		"--port", fmt.Sprintf("%d", c.profile.Port),
		"--username", c.profile.Username,
		c.profile.Database,
	)
}

func (c *Conn) ToolVersion(ctx context.Context) (string, error) {
	return nativetool.Version(ctx, "pg_dump", "--version")
}

func (c *Conn) toolEnv() []string {
	return []string{"PGPASSWORD=" + c.profile.Password}
}
