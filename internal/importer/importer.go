// Package importer parses a serialized file from a storage backend
// incrementally and writes its rows into a table through the engine
// adapter, committing batch by batch. A failure loses at most the
// batch in flight, and the offset of the first failed row is reported
// so the operator can correct the data and resume.
package importer

import (
	"context"
	"fmt"
	"io"

	"github.com/dbporter/dbporter/internal/adapter"
	"github.com/dbporter/dbporter/internal/dberr"
	"github.com/dbporter/dbporter/internal/format"
	"github.com/dbporter/dbporter/internal/logging"
	"github.com/dbporter/dbporter/internal/storage"
)

// Options configures one import job.
type Options struct {
	Table     string
	Format    format.Format
	BatchSize int
	Mode      adapter.WriteMode

	// CreateTable derives the table from the file header when the
	// destination table does not exist.
	CreateTable bool

	// StartOffset skips rows already committed by a previous attempt.
	StartOffset int64

	// Progress is called after each committed batch with the cumulative
	// committed row count. May be nil.
	Progress func(rows int64)

	// Cancelled is polled at batch boundaries. May be nil.
	Cancelled func() bool
}

// Result reports a finished, failed or cancelled import.
type Result struct {
	RowsRead      int64
	RowsCommitted int64

	// FailedOffset is the zero-based offset of the first row of the
	// failed batch, -1 when no batch failed.
	FailedOffset int64
}

// Run imports srcPath from backend into opts.Table through conn.
func Run(ctx context.Context, conn adapter.Conn, backend storage.Backend, srcPath string, opts Options) (*Result, error) {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 2000
	}
	if opts.Mode == "" {
		opts.Mode = adapter.ModeAppend
	}

	body, err := backend.Get(ctx, srcPath)
	if err != nil {
		return nil, fmt.Errorf("fetching %s: %w", srcPath, err)
	}
	defer body.Close()

	dec, err := format.NewDecoder(opts.Format, body)
	if err != nil {
		return nil, err
	}

	desc, err := resolveDescriptor(ctx, conn, dec, opts)
	if err != nil {
		return nil, err
	}

	sink, err := conn.OpenSink(ctx, opts.Table, opts.Mode, desc)
	if err != nil {
		return nil, fmt.Errorf("opening sink on %s: %w", opts.Table, err)
	}
	defer sink.Close()

	res := &Result{FailedOffset: -1}
	batch := &adapter.Batch{Offset: opts.StartOffset}

	// The cancel flag costs a status query, so it is polled once per
	// batch boundary, never per row. On cancel the committed batches
	// stay and the batch in flight is dropped whole.
	flush := func() error {
		if opts.Cancelled != nil && opts.Cancelled() {
			logging.Info("import cancelled", "table", opts.Table, "rows_committed", res.RowsCommitted)
			return &dberr.CancelledError{CommittedOffset: opts.StartOffset + res.RowsCommitted}
		}
		if len(batch.Rows) == 0 {
			return nil
		}
		if err := sink.WriteBatch(ctx, batch); err != nil {
			res.FailedOffset = batch.Offset
			return fmt.Errorf("batch at row %d: %w", batch.Offset, err)
		}
		res.RowsCommitted += int64(len(batch.Rows))
		batch = &adapter.Batch{Offset: opts.StartOffset + res.RowsCommitted}
		if opts.Progress != nil {
			opts.Progress(res.RowsCommitted)
		}
		return nil
	}

	var skipped int64
	for {
		fields, err := dec.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return res, err
		}

		if skipped < opts.StartOffset {
			skipped++
			continue
		}
		res.RowsRead++

		row, err := mapRow(desc, fields)
		if err != nil {
			res.FailedOffset = opts.StartOffset + res.RowsCommitted + int64(len(batch.Rows))
			return res, err
		}
		batch.Rows = append(batch.Rows, row)

		if len(batch.Rows) >= opts.BatchSize {
			if err := flush(); err != nil {
				return res, err
			}
		}
	}

	if err := flush(); err != nil {
		return res, err
	}

	logging.Info("import complete", "table", opts.Table, "rows", res.RowsCommitted, "source", srcPath)
	return res, nil
}

// resolveDescriptor loads the destination table's descriptor, creating
// the table from the file header when create-from-header mode is on.
func resolveDescriptor(ctx context.Context, conn adapter.Conn, dec format.Decoder, opts Options) (*adapter.TableDescriptor, error) {
	desc, err := conn.DescribeTable(ctx, opts.Table)
	if err == nil {
		return desc, nil
	}
	if !opts.CreateTable {
		return nil, fmt.Errorf("describing table %s: %w", opts.Table, err)
	}

	header, ok := dec.(interface{ Header() []string })
	if !ok {
		return nil, &dberr.SchemaMismatchError{
			Table:  opts.Table,
			Detail: "create-table mode requires a format with a header row (csv)",
		}
	}

	names := header.Header()
	created := &adapter.TableDescriptor{Name: opts.Table}
	for _, name := range names {
		created.Columns = append(created.Columns, adapter.Column{
			Name:     name,
			Type:     adapter.TypeString,
			Nullable: true,
		})
	}
	if err := conn.CreateTable(ctx, created); err != nil {
		return nil, fmt.Errorf("creating table %s: %w", opts.Table, err)
	}
	return created, nil
}

// mapRow maps a decoded field map onto descriptor column order,
// converting values to each column's semantic type. A field the table
// does not have, or a missing non-nullable column, is a schema
// mismatch.
func mapRow(desc *adapter.TableDescriptor, fields map[string]any) ([]any, error) {
	for name := range fields {
		if desc.Column(name) == nil {
			return nil, &dberr.SchemaMismatchError{
				Table:  desc.Name,
				Detail: fmt.Sprintf("file column %q does not exist in table", name),
			}
		}
	}

	row := make([]any, len(desc.Columns))
	for i := range desc.Columns {
		col := &desc.Columns[i]
		v, present := fields[col.Name]
		if !present {
			if !col.Nullable {
				return nil, &dberr.SchemaMismatchError{
					Table:  desc.Name,
					Detail: fmt.Sprintf("required column %q missing from file", col.Name),
				}
			}
			row[i] = nil
			continue
		}
		converted, err := format.ConvertField(col, v)
		if err != nil {
			return nil, &dberr.SchemaMismatchError{Table: desc.Name, Detail: err.Error()}
		}
		row[i] = converted
	}
	return row, nil
}
