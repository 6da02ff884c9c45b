package elastic

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
)

// dumpLine is one document in the NDJSON dump stream.
type dumpLine struct {
	Index  string          `json:"_index"`
	ID     string          `json:"_id"`
	Source json.RawMessage `json:"_source"`
}

// Dump writes every document of every user index as NDJSON, one
// document per line with its index and id, scrolled so memory stays
// bounded. An empty cluster yields an empty stream.
func (c *Conn) Dump(ctx context.Context, w io.Writer) error {
	names, err := c.indexNames(ctx)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(w)
	for _, index := range names {
		if err := c.dumpIndex(ctx, index, enc); err != nil {
			return fmt.Errorf("dumping index %s: %w", index, err)
		}
	}
	return nil
}

func (c *Conn) dumpIndex(ctx context.Context, index string, enc *json.Encoder) error {
	body := map[string]any{"size": 1000, "sort": []string{"_doc"}}
	var resp searchResponse
	path := fmt.Sprintf("/%s/_search?scroll=%s", url.PathEscape(index), scrollKeepAlive)
	if err := c.do(ctx, http.MethodPost, path, body, &resp); err != nil {
		return err
	}
	defer func() {
		if resp.ScrollID != "" {
			c.do(context.Background(), http.MethodDelete, "/_search/scroll",
				map[string]any{"scroll_id": resp.ScrollID}, nil)
		}
	}()

	for len(resp.Hits.Hits) > 0 {
		for _, hit := range resp.Hits.Hits {
			line := dumpLine{Index: index, ID: hit.ID, Source: hit.Source}
			if err := enc.Encode(line); err != nil {
				return err
			}
		}
		scrollBody := map[string]any{"scroll": scrollKeepAlive, "scroll_id": resp.ScrollID}
		var next searchResponse
		if err := c.do(ctx, http.MethodPost, "/_search/scroll", scrollBody, &next); err != nil {
			return err
		}
		resp = next
	}
	return nil
}

// Restore bulk-indexes an NDJSON dump, batching documents to cap the
// request size.
func (c *Conn) Restore(ctx context.Context, r io.Reader) error {
	const flushEvery = 1000

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	pending := 0

	flush := func() error {
		if pending == 0 {
			return nil
		}
		var resp bulkResponse
		if err := c.do(ctx, http.MethodPost, "/_bulk?refresh=true", &buf, &resp); err != nil {
			return err
		}
		if resp.Errors {
			return fmt.Errorf("bulk restore reported item failures")
		}
		buf.Reset()
		pending = 0
		return nil
	}

	for scanner.Scan() {
		raw := scanner.Bytes()
		if len(bytes.TrimSpace(raw)) == 0 {
			continue
		}
		var line dumpLine
		if err := json.Unmarshal(raw, &line); err != nil {
			return fmt.Errorf("malformed dump line: %w", err)
		}
		action := map[string]any{"index": map[string]any{"_index": line.Index, "_id": line.ID}}
		if err := enc.Encode(action); err != nil {
			return err
		}
		if err := enc.Encode(line.Source); err != nil {
			return err
		}
		pending++
		if pending >= flushEvery {
			if err := flush(); err != nil {
				return err
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	return flush()
}

// ToolVersion reports the server version; no external binary is
// involved.
func (c *Conn) ToolVersion(ctx context.Context) (string, error) {
	var out struct {
		Version struct {
			Number string `json:"number"`
		} `json:"version"`
	}
	if err := c.do(ctx, http.MethodGet, "/", nil, &out); err != nil {
		return "", err
	}
	return "elasticsearch " + out.Version.Number, nil
}
