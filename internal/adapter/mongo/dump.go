package mongo

import (
	"context"
	"io"

	"github.com/dbporter/dbporter/internal/adapter/nativetool"
)

// Dump streams a mongodump archive of the database to w.
func (c *Conn) Dump(ctx context.Context, w io.Writer) error {
	// The database is part of the URI, so no --db flag.
	return nativetool.StreamOut(ctx, w, nil, "mongodump",
		"--uri", c.uri,
		"--archive",
		"--quiet",
	)
}

// Restore replays a mongodump archive from r.
func (c *Conn) Restore(ctx context.Context, r io.Reader) error {
	return nativetool.StreamIn(ctx, r, nil, "mongorestore",
		"--uri", c.uri,
		"--archive",
		"--quiet",
	)
}

func (c *Conn) ToolVersion(ctx context.Context) (string, error) {
	return nativetool.Version(ctx, "mongodump", "--version")
}
