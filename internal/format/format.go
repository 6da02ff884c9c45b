// Package format implements the flat-file codecs used by export and
// import: CSV (RFC-4180 style), JSON (array of objects) and NDJSON
// (one object per line). Both directions stream; no codec ever holds
// a whole file in memory.
//
// Null handling is part of the contract. JSON carries SQL NULL as a
// native null. CSV cannot natively tell NULL from empty string, so the
// codec encodes NULL as a bare empty field and the empty string as a
// quoted empty field (""); the decoder preserves the distinction.
package format

import (
	"fmt"
	"io"
	"strings"

	"github.com/dbporter/dbporter/internal/adapter"
)

// Format identifies a serialization format.
type Format string

const (
	CSV    Format = "csv"
	JSON   Format = "json"
	NDJSON Format = "ndjson"
)

// Parse maps a user-supplied format name onto a Format.
func Parse(s string) (Format, error) {
	switch strings.ToLower(s) {
	case "csv":
		return CSV, nil
	case "json":
		return JSON, nil
	case "ndjson", "jsonl", "jsonlines":
		return NDJSON, nil
	default:
		return "", fmt.Errorf("unknown format %q (valid: csv, json, ndjson)", s)
	}
}

// Ext returns the file extension for the format, dot included.
func (f Format) Ext() string {
	return "." + string(f)
}

// Encoder serializes rows for one table.
type Encoder interface {
	// WriteRow appends one row in descriptor column order.
	WriteRow(row []any) error
	// Close flushes and finalizes the output (closing the JSON array,
	// flushing buffers). It does not close the underlying writer.
	Close() error
}

// NewEncoder returns an encoder writing rows of desc to w.
func NewEncoder(f Format, w io.Writer, desc *adapter.TableDescriptor) (Encoder, error) {
	switch f {
	case CSV:
		return newCSVEncoder(w, desc)
	case JSON:
		return newJSONEncoder(w, desc), nil
	case NDJSON:
		return newNDJSONEncoder(w, desc), nil
	default:
		return nil, fmt.Errorf("unknown format %q", f)
	}
}

// Decoder parses rows incrementally. Values are either nil (NULL),
// string (CSV fields) or decoded JSON values; mapping onto column
// types is the importer's job.
type Decoder interface {
	// Next returns the next row as a field map, or io.EOF.
	Next() (map[string]any, error)
}

// NewDecoder returns a decoder reading rows from r.
func NewDecoder(f Format, r io.Reader) (Decoder, error) {
	switch f {
	case CSV:
		return newCSVDecoder(r)
	case JSON:
		return newJSONDecoder(r), nil
	case NDJSON:
		return newNDJSONDecoder(r), nil
	default:
		return nil, fmt.Errorf("unknown format %q", f)
	}
}
