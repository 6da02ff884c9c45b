package mysql

import (
	"context"
	"fmt"
	"io"

	"github.com/dbporter/dbporter/internal/adapter/nativetool"
)

// Dump streams a mysqldump of the whole schema. --single-transaction
// gives a consistent snapshot without locking InnoDB tables; the
// password travels via MYSQL_PWD so it never appears in argv.
func (c *Conn) Dump(ctx context.Context, w io.Writer) error {
	return nativetool.StreamOut(ctx, w, c.toolEnv(), "mysqldump",
		"--single-transaction",
		"--skip-lock-tables",
		"--host", c.profile.Host,
		"--port", fmt.Sprintf("%d", c.profile.Port),
		"--user", c.profile.Username,
		c.profile.Database,
	)
}

// Restore replays a dump through the mysql client.
func (c *Conn) Restore(ctx context.Context, r io.Reader) error {
	return nativetool.StreamIn(ctx, r, c.toolEnv(), "mysql",
		"--host", c.profile.Host,
		"--port", fmt.Sprintf("%d", c.profile.Port),
		"--user", c.profile.Username,
		c.profile.Database,
	)
}

func (c *Conn) ToolVersion(ctx context.Context) (string, error) {
	return nativetool.Version(ctx, "mysqldump", "--version")
}

func (c *Conn) toolEnv() []string {
	return []string{"MYSQL_PWD=" + c.profile.Password}
}
