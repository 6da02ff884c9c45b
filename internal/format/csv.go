package format

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"github.com/dbporter/dbporter/internal/adapter"
)

// The CSV codec is hand-rolled rather than encoding/csv because the
// standard reader erases quoting, which is exactly what carries the
// NULL-vs-empty-string distinction here: a bare empty field decodes to
// NULL and a quoted empty field ("") decodes to the empty string.

type csvEncoder struct {
	w    *bufio.Writer
	desc *adapter.TableDescriptor
}

func newCSVEncoder(w io.Writer, desc *adapter.TableDescriptor) (*csvEncoder, error) {
	e := &csvEncoder{w: bufio.NewWriter(w), desc: desc}
	// Header row with column names.
	for i, col := range desc.Columns {
		if i > 0 {
			if err := e.w.WriteByte(','); err != nil {
				return nil, err
			}
		}
		if _, err := e.w.WriteString(quoteField(col.Name, false)); err != nil {
			return nil, err
		}
	}
	if err := e.w.WriteByte('\n'); err != nil {
		return nil, err
	}
	return e, nil
}

func (e *csvEncoder) WriteRow(row []any) error {
	if len(row) != len(e.desc.Columns) {
		return fmt.Errorf("csv: row has %d values, want %d", len(row), len(e.desc.Columns))
	}
	for i, v := range row {
		if i > 0 {
			if err := e.w.WriteByte(','); err != nil {
				return err
			}
		}
		if v == nil {
			continue // NULL: bare empty field
		}
		text, err := encodeText(v)
		if err != nil {
			return fmt.Errorf("csv: encoding column %s: %w", e.desc.Columns[i].Name, err)
		}
		if _, err := e.w.WriteString(quoteField(text, true)); err != nil {
			return err
		}
	}
	return e.w.WriteByte('\n')
}

func (e *csvEncoder) Close() error {
	return e.w.Flush()
}

// quoteField renders one field. forceQuoteEmpty distinguishes the
// empty string from NULL in data rows.
func quoteField(s string, forceQuoteEmpty bool) string {
	if s == "" {
		if forceQuoteEmpty {
			return `""`
		}
		return s
	}
	if !strings.ContainsAny(s, ",\"\n\r") {
		return s
	}
	var b strings.Builder
	b.Grow(len(s) + 2)
	b.WriteByte('"')
	for i := 0; i < len(s); i++ {
		if s[i] == '"' {
			b.WriteByte('"')
		}
		b.WriteByte(s[i])
	}
	b.WriteByte('"')
	return b.String()
}

type csvDecoder struct {
	r      *bufio.Reader
	header []string
	record int64
}

func newCSVDecoder(r io.Reader) (*csvDecoder, error) {
	d := &csvDecoder{r: bufio.NewReader(r)}
	fields, _, err := d.readRecord()
	if err != nil {
		if err == io.EOF {
			return nil, fmt.Errorf("csv: missing header row")
		}
		return nil, err
	}
	d.header = make([]string, len(fields))
	for i, f := range fields {
		if f.value == nil {
			return nil, fmt.Errorf("csv: empty header name in column %d", i+1)
		}
		d.header[i] = *f.value
	}
	return d, nil
}

// Header returns the column names from the file's first row.
func (d *csvDecoder) Header() []string { return d.header }

func (d *csvDecoder) Next() (map[string]any, error) {
	fields, _, err := d.readRecord()
	if err != nil {
		return nil, err
	}
	d.record++
	if len(fields) != len(d.header) {
		return nil, fmt.Errorf("csv: record %d has %d fields, want %d", d.record, len(fields), len(d.header))
	}
	row := make(map[string]any, len(fields))
	for i, f := range fields {
		if f.value == nil {
			row[d.header[i]] = nil
		} else {
			row[d.header[i]] = *f.value
		}
	}
	return row, nil
}

// csvField is one parsed field; nil value means the field was bare
// empty (NULL).
type csvField struct {
	value *string
}

// readRecord parses one record, honoring quoted fields with doubled
// quotes and CRLF or LF line endings. Returns io.EOF with no fields at
// end of input.
func (d *csvDecoder) readRecord() ([]csvField, bool, error) {
	var (
		fields  []csvField
		buf     strings.Builder
		quoted  bool // current field started with a quote
		inQuote bool // currently inside quotes
		started bool // any byte consumed for this record
	)

	endField := func() {
		if !quoted && buf.Len() == 0 {
			fields = append(fields, csvField{})
		} else {
			s := buf.String()
			fields = append(fields, csvField{value: &s})
		}
		buf.Reset()
		quoted = false
	}

	for {
		c, err := d.r.ReadByte()
		if err == io.EOF {
			if !started {
				return nil, false, io.EOF
			}
			endField()
			return fields, true, nil
		}
		if err != nil {
			return nil, false, err
		}
		started = true

		if inQuote {
			if c == '"' {
				next, err := d.r.ReadByte()
				if err == nil && next == '"' {
					buf.WriteByte('"')
					continue
				}
				if err == nil {
					if uerr := d.r.UnreadByte(); uerr != nil {
						return nil, false, uerr
					}
				}
				inQuote = false
				continue
			}
			buf.WriteByte(c)
			continue
		}

		switch c {
		case '"':
			if buf.Len() == 0 && !quoted {
				quoted = true
				inQuote = true
			} else {
				buf.WriteByte(c)
			}
		case ',':
			endField()
		case '\r':
			// Swallow; the \n (or EOF) ends the record.
		case '\n':
			endField()
			return fields, false, nil
		default:
			buf.WriteByte(c)
		}
	}
}
