// Package export drives a table's read cursor into a serialized file
// on a storage backend. Reading and uploading run concurrently,
// connected by a bounded pipe so neither side can outrun memory.
package export

import (
	"context"
	"fmt"
	"io"

	"golang.org/x/sync/errgroup"

	"github.com/dbporter/dbporter/internal/adapter"
	"github.com/dbporter/dbporter/internal/dberr"
	"github.com/dbporter/dbporter/internal/format"
	"github.com/dbporter/dbporter/internal/logging"
	"github.com/dbporter/dbporter/internal/pipeline"
	"github.com/dbporter/dbporter/internal/storage"
)

// Options configures one export job.
type Options struct {
	Table     string
	Format    format.Format
	BatchSize int
	Buffers   int

	// Progress is called after each serialized batch with cumulative
	// row and byte counts. May be nil.
	Progress func(rows, bytes int64)

	// Cancelled is polled at batch boundaries. May be nil.
	Cancelled func() bool
}

// Result reports a finished (or cancelled) export.
type Result struct {
	Path  string
	Rows  int64
	Bytes int64
}

// Run exports opts.Table through conn into destPath on backend.
//
// On cooperative cancellation the batches serialized so far are still
// committed to storage and a *dberr.CancelledError carrying the last
// committed offset is returned alongside the partial result.
func Run(ctx context.Context, conn adapter.Conn, backend storage.Backend, destPath string, opts Options) (*Result, error) {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 2000
	}
	if opts.Buffers <= 0 {
		opts.Buffers = 4
	}

	desc, err := conn.DescribeTable(ctx, opts.Table)
	if err != nil {
		return nil, fmt.Errorf("describing table %s: %w", opts.Table, err)
	}

	cursor, err := conn.OpenCursor(ctx, opts.Table, opts.BatchSize, 0)
	if err != nil {
		return nil, fmt.Errorf("opening cursor on %s: %w", opts.Table, err)
	}
	defer cursor.Close()

	pipe := pipeline.New(opts.Buffers)
	counter := pipeline.NewCountingWriter(pipe)

	enc, err := format.NewEncoder(opts.Format, counter, desc)
	if err != nil {
		return nil, err
	}

	res := &Result{Path: destPath}
	var cancelled *dberr.CancelledError

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		_, err := backend.Put(gctx, destPath, pipe)
		if err != nil {
			pipe.CloseRead()
		}
		return err
	})

	g.Go(func() error {
		for {
			if opts.Cancelled != nil && opts.Cancelled() {
				// Finish the file with the batches already written so
				// the partial artifact stays usable.
				cancelled = &dberr.CancelledError{CommittedOffset: res.Rows}
				break
			}

			batch, err := cursor.Next(gctx)
			if err == io.EOF {
				break
			}
			if err != nil {
				pipe.CloseWithError(err)
				return err
			}

			for _, row := range batch.Rows {
				if err := enc.WriteRow(row); err != nil {
					pipe.CloseWithError(err)
					return err
				}
			}
			res.Rows += int64(len(batch.Rows))
			if opts.Progress != nil {
				opts.Progress(res.Rows, counter.Count())
			}
		}

		if err := enc.Close(); err != nil {
			pipe.CloseWithError(err)
			return err
		}
		return pipe.Close()
	})

	if err := g.Wait(); err != nil {
		return nil, err
	}

	res.Bytes = counter.Count()
	if cancelled != nil {
		logging.Info("export cancelled", "table", opts.Table, "rows", res.Rows)
		return res, cancelled
	}
	logging.Info("export complete", "table", opts.Table, "rows", res.Rows, "bytes", res.Bytes, "dest", destPath)
	return res, nil
}
