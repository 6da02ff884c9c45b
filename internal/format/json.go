package format

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"

	"github.com/dbporter/dbporter/internal/adapter"
)

// jsonEncoder writes an array of objects, one object per row, keyed by
// column name. Datetimes are RFC 3339 strings; SQL NULL is a JSON
// null.
type jsonEncoder struct {
	w     *bufio.Writer
	desc  *adapter.TableDescriptor
	first bool
}

func newJSONEncoder(w io.Writer, desc *adapter.TableDescriptor) *jsonEncoder {
	return &jsonEncoder{w: bufio.NewWriter(w), desc: desc, first: true}
}

func (e *jsonEncoder) WriteRow(row []any) error {
	if len(row) != len(e.desc.Columns) {
		return fmt.Errorf("json: row has %d values, want %d", len(row), len(e.desc.Columns))
	}
	if e.first {
		if err := e.w.WriteByte('['); err != nil {
			return err
		}
		e.first = false
	} else {
		if _, err := e.w.WriteString(",\n"); err != nil {
			return err
		}
	}
	return e.writeObject(row)
}

func (e *jsonEncoder) writeObject(row []any) error {
	obj := make(map[string]any, len(row))
	for i, v := range row {
		obj[e.desc.Columns[i].Name] = encodeJSONValue(v)
	}
	b, err := json.Marshal(obj)
	if err != nil {
		return err
	}
	_, err = e.w.Write(b)
	return err
}

func (e *jsonEncoder) Close() error {
	if e.first {
		// Zero rows still produce a valid (empty) array.
		if err := e.w.WriteByte('['); err != nil {
			return err
		}
	}
	if err := e.w.WriteByte(']'); err != nil {
		return err
	}
	return e.w.Flush()
}

// jsonDecoder streams an array of objects without loading the file:
// it walks the decoder token by token and decodes one object at a
// time.
type jsonDecoder struct {
	dec    *json.Decoder
	opened bool
}

func newJSONDecoder(r io.Reader) *jsonDecoder {
	dec := json.NewDecoder(r)
	dec.UseNumber()
	return &jsonDecoder{dec: dec}
}

func (d *jsonDecoder) Next() (map[string]any, error) {
	if !d.opened {
		tok, err := d.dec.Token()
		if err != nil {
			return nil, fmt.Errorf("json: reading array start: %w", err)
		}
		if delim, ok := tok.(json.Delim); !ok || delim != '[' {
			return nil, fmt.Errorf("json: expected array of objects, got %v", tok)
		}
		d.opened = true
	}
	if !d.dec.More() {
		// Consume the closing bracket.
		if _, err := d.dec.Token(); err != nil && err != io.EOF {
			return nil, err
		}
		return nil, io.EOF
	}
	row := make(map[string]any)
	if err := d.dec.Decode(&row); err != nil {
		return nil, fmt.Errorf("json: decoding row: %w", err)
	}
	return normalizeNumbers(row), nil
}

// ndjsonEncoder writes one object per line (JSON lines).
type ndjsonEncoder struct {
	w    *bufio.Writer
	desc *adapter.TableDescriptor
}

func newNDJSONEncoder(w io.Writer, desc *adapter.TableDescriptor) *ndjsonEncoder {
	return &ndjsonEncoder{w: bufio.NewWriter(w), desc: desc}
}

func (e *ndjsonEncoder) WriteRow(row []any) error {
	if len(row) != len(e.desc.Columns) {
		return fmt.Errorf("ndjson: row has %d values, want %d", len(row), len(e.desc.Columns))
	}
	obj := make(map[string]any, len(row))
	for i, v := range row {
		obj[e.desc.Columns[i].Name] = encodeJSONValue(v)
	}
	b, err := json.Marshal(obj)
	if err != nil {
		return err
	}
	if _, err := e.w.Write(b); err != nil {
		return err
	}
	return e.w.WriteByte('\n')
}

func (e *ndjsonEncoder) Close() error {
	return e.w.Flush()
}

type ndjsonDecoder struct {
	dec *json.Decoder
}

func newNDJSONDecoder(r io.Reader) *ndjsonDecoder {
	dec := json.NewDecoder(r)
	dec.UseNumber()
	return &ndjsonDecoder{dec: dec}
}

func (d *ndjsonDecoder) Next() (map[string]any, error) {
	row := make(map[string]any)
	if err := d.dec.Decode(&row); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("ndjson: decoding row: %w", err)
	}
	return normalizeNumbers(row), nil
}

// normalizeNumbers converts json.Number values to int64 where exact,
// float64 otherwise, so importers see consistent numeric types.
func normalizeNumbers(row map[string]any) map[string]any {
	for k, v := range row {
		row[k] = normalizeValue(v)
	}
	return row
}

func normalizeValue(v any) any {
	switch x := v.(type) {
	case json.Number:
		if n, err := x.Int64(); err == nil {
			return n
		}
		if f, err := x.Float64(); err == nil {
			return f
		}
		return x.String()
	case map[string]any:
		return normalizeNumbers(x)
	case []any:
		for i := range x {
			x[i] = normalizeValue(x[i])
		}
		return x
	default:
		return v
	}
}
