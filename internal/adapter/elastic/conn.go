package elastic

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"

	"github.com/dbporter/dbporter/internal/adapter"
)

const scrollKeepAlive = "2m"

func (c *Conn) ListTables(ctx context.Context) ([]adapter.TableDescriptor, error) {
	names, err := c.indexNames(ctx)
	if err != nil {
		return nil, err
	}
	tables := make([]adapter.TableDescriptor, 0, len(names))
	for _, name := range names {
		desc, err := c.DescribeTable(ctx, name)
		if err != nil {
			return nil, err
		}
		tables = append(tables, *desc)
	}
	return tables, nil
}

// indexNames lists user indices, skipping the dot-prefixed system ones.
func (c *Conn) indexNames(ctx context.Context) ([]string, error) {
	var rows []struct {
		Index string `json:"index"`
	}
	if err := c.do(ctx, http.MethodGet, "/_cat/indices?format=json&h=index", nil, &rows); err != nil {
		return nil, fmt.Errorf("listing indices: %w", err)
	}
	var names []string
	for _, r := range rows {
		if strings.HasPrefix(r.Index, ".") {
			continue
		}
		names = append(names, r.Index)
	}
	sort.Strings(names)
	return names, nil
}

// DescribeTable reads the index mapping. _id leads the columns; mapped
// fields follow alphabetically, all nullable.
func (c *Conn) DescribeTable(ctx context.Context, table string) (*adapter.TableDescriptor, error) {
	var mapping map[string]struct {
		Mappings struct {
			Properties map[string]struct {
				Type string `json:"type"`
			} `json:"properties"`
		} `json:"mappings"`
	}
	if err := c.do(ctx, http.MethodGet, "/"+url.PathEscape(table)+"/_mapping", nil, &mapping); err != nil {
		return nil, fmt.Errorf("describing %s: %w", table, err)
	}

	desc := &adapter.TableDescriptor{
		Name:       table,
		Columns:    []adapter.Column{{Name: "_id", Type: adapter.TypeString, Nullable: false}},
		PrimaryKey: []string{"_id"},
	}
	for _, idx := range mapping {
		var fields []string
		for name := range idx.Mappings.Properties {
			fields = append(fields, name)
		}
		sort.Strings(fields)
		for _, name := range fields {
			prop := idx.Mappings.Properties[name]
			desc.Columns = append(desc.Columns, adapter.Column{
				Name:       name,
				Type:       mapType(prop.Type),
				NativeType: prop.Type,
				Nullable:   true,
			})
		}
		break
	}

	count, err := c.RowCount(ctx, table)
	if err != nil {
		return nil, err
	}
	desc.RowCount = count
	return desc, nil
}

func mapType(esType string) adapter.ColumnType {
	switch esType {
	case "long", "integer", "short", "byte":
		return adapter.TypeInteger
	case "double", "float", "half_float", "scaled_float":
		return adapter.TypeFloat
	case "boolean":
		return adapter.TypeBoolean
	case "date":
		return adapter.TypeDatetime
	case "binary":
		return adapter.TypeBinary
	case "object", "nested", "flattened":
		return adapter.TypeDocument
	default:
		return adapter.TypeString
	}
}

// CreateTable creates the index with an explicit mapping derived from
// the descriptor. Fails when the index already exists.
func (c *Conn) CreateTable(ctx context.Context, desc *adapter.TableDescriptor) error {
	properties := make(map[string]map[string]string)
	for _, col := range desc.Columns {
		if col.Name == "_id" {
			continue
		}
		properties[col.Name] = map[string]string{"type": esType(col.Type)}
	}
	body := map[string]any{"mappings": map[string]any{"properties": properties}}
	if err := c.do(ctx, http.MethodPut, "/"+url.PathEscape(desc.Name), body, nil); err != nil {
		return fmt.Errorf("creating index %s: %w", desc.Name, err)
	}
	return nil
}

func esType(t adapter.ColumnType) string {
	switch t {
	case adapter.TypeInteger:
		return "long"
	case adapter.TypeFloat:
		return "double"
	case adapter.TypeBoolean:
		return "boolean"
	case adapter.TypeDatetime:
		return "date"
	case adapter.TypeBinary:
		return "binary"
	case adapter.TypeDocument:
		return "object"
	default:
		return "keyword"
	}
}

func (c *Conn) RowCount(ctx context.Context, table string) (int64, error) {
	var out struct {
		Count int64 `json:"count"`
	}
	if err := c.do(ctx, http.MethodGet, "/"+url.PathEscape(table)+"/_count", nil, &out); err != nil {
		return 0, fmt.Errorf("counting %s: %w", table, err)
	}
	return out.Count, nil
}

func (c *Conn) IsEmpty(ctx context.Context) (bool, error) {
	names, err := c.indexNames(ctx)
	if err != nil {
		return false, err
	}
	return len(names) == 0, nil
}

type searchResponse struct {
	ScrollID string `json:"_scroll_id"`
	Hits     struct {
		Hits []struct {
			ID     string          `json:"_id"`
			Index  string          `json:"_index"`
			Source json.RawMessage `json:"_source"`
		} `json:"hits"`
	} `json:"hits"`
}

// OpenCursor scrolls the index in _doc order. The scroll API has no
// server-side offset, so resume skips rows client-side.
func (c *Conn) OpenCursor(ctx context.Context, table string, batchSize int, startOffset int64) (adapter.Cursor, error) {
	desc, err := c.DescribeTable(ctx, table)
	if err != nil {
		return nil, err
	}

	body := map[string]any{
		"size": batchSize,
		"sort": []string{"_doc"},
	}
	var resp searchResponse
	path := fmt.Sprintf("/%s/_search?scroll=%s", url.PathEscape(table), scrollKeepAlive)
	if err := c.do(ctx, http.MethodPost, path, body, &resp); err != nil {
		return nil, fmt.Errorf("opening scroll on %s: %w", table, err)
	}

	cur := &cursor{conn: c, desc: desc, resp: resp, toSkip: startOffset, offset: startOffset}
	return cur, nil
}

type cursor struct {
	conn   *Conn
	desc   *adapter.TableDescriptor
	resp   searchResponse
	toSkip int64
	offset int64
	done   bool
}

func (cu *cursor) Next(ctx context.Context) (*adapter.Batch, error) {
	for {
		if cu.done {
			return nil, io.EOF
		}
		hits := cu.resp.Hits.Hits
		if len(hits) == 0 {
			cu.done = true
			return nil, io.EOF
		}

		batch := &adapter.Batch{Offset: cu.offset}
		for _, hit := range hits {
			if cu.toSkip > 0 {
				cu.toSkip--
				continue
			}
			row, err := cu.rowFromSource(hit.ID, hit.Source)
			if err != nil {
				return nil, err
			}
			batch.Rows = append(batch.Rows, row)
		}

		if err := cu.scroll(ctx); err != nil {
			return nil, err
		}
		if len(batch.Rows) == 0 {
			// Entire page consumed by the resume skip; fetch the next.
			continue
		}
		cu.offset += int64(len(batch.Rows))
		return batch, nil
	}
}

func (cu *cursor) scroll(ctx context.Context) error {
	body := map[string]any{"scroll": scrollKeepAlive, "scroll_id": cu.resp.ScrollID}
	var next searchResponse
	if err := cu.conn.do(ctx, http.MethodPost, "/_search/scroll", body, &next); err != nil {
		return fmt.Errorf("continuing scroll: %w", err)
	}
	cu.resp = next
	return nil
}

func (cu *cursor) rowFromSource(id string, source json.RawMessage) ([]any, error) {
	dec := json.NewDecoder(bytes.NewReader(source))
	dec.UseNumber()
	var doc map[string]any
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("decoding document %s: %w", id, err)
	}

	row := make([]any, len(cu.desc.Columns))
	for i, col := range cu.desc.Columns {
		if col.Name == "_id" {
			row[i] = id
			continue
		}
		v, ok := doc[col.Name]
		if !ok {
			continue
		}
		if n, isNum := v.(json.Number); isNum {
			if col.Type == adapter.TypeInteger {
				if iv, err := n.Int64(); err == nil {
					row[i] = iv
					continue
				}
			}
			fv, err := n.Float64()
			if err != nil {
				return nil, fmt.Errorf("document %s: field %s: %w", id, col.Name, err)
			}
			row[i] = fv
			continue
		}
		row[i] = v
	}
	return row, nil
}

func (cu *cursor) Close() error {
	if cu.resp.ScrollID == "" {
		return nil
	}
	body := map[string]any{"scroll_id": cu.resp.ScrollID}
	return cu.conn.do(context.Background(), http.MethodDelete, "/_search/scroll", body, nil)
}

func (c *Conn) OpenSink(ctx context.Context, table string, mode adapter.WriteMode, desc *adapter.TableDescriptor) (adapter.Sink, error) {
	switch mode {
	case adapter.ModeCreate:
		if err := c.CreateTable(ctx, desc); err != nil {
			return nil, err
		}
	case adapter.ModeTruncate:
		body := map[string]any{"query": map[string]any{"match_all": map[string]any{}}}
		path := "/" + url.PathEscape(table) + "/_delete_by_query?refresh=true"
		if err := c.do(ctx, http.MethodPost, path, body, nil); err != nil {
			return nil, fmt.Errorf("emptying %s: %w", table, err)
		}
	}
	return &sink{conn: c, index: table, desc: desc}, nil
}

type sink struct {
	conn  *Conn
	index string
	desc  *adapter.TableDescriptor
}

type bulkResponse struct {
	Errors bool `json:"errors"`
	Items  []map[string]struct {
		Status int `json:"status"`
		Error  any `json:"error"`
	} `json:"items"`
}

// WriteBatch sends one _bulk request. Elasticsearch reports per-item
// failures with a 200, so the response body is checked as well.
func (s *sink) WriteBatch(ctx context.Context, batch *adapter.Batch) error {
	if len(batch.Rows) == 0 {
		return nil
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for r, row := range batch.Rows {
		doc := make(map[string]any, len(s.desc.Columns))
		action := map[string]any{"_index": s.index}
		for i, col := range s.desc.Columns {
			if i >= len(row) || row[i] == nil {
				continue
			}
			if col.Name == "_id" {
				action["_id"] = fmt.Sprintf("%v", row[i])
				continue
			}
			doc[col.Name] = row[i]
		}
		if err := enc.Encode(map[string]any{"index": action}); err != nil {
			return err
		}
		if err := enc.Encode(doc); err != nil {
			return fmt.Errorf("encoding row %d: %w", batch.Offset+int64(r), err)
		}
	}

	var resp bulkResponse
	if err := s.conn.do(ctx, http.MethodPost, "/_bulk?refresh=true", &buf, &resp); err != nil {
		return fmt.Errorf("batch at row %d: %w", batch.Offset, err)
	}
	if resp.Errors {
		for _, item := range resp.Items {
			for _, st := range item {
				if st.Error != nil {
					return fmt.Errorf("batch at row %d: bulk item failed: %v", batch.Offset, st.Error)
				}
			}
		}
		return fmt.Errorf("batch at row %d: bulk request reported errors", batch.Offset)
	}
	return nil
}

func (s *sink) Close() error { return nil }
