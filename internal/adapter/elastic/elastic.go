// Package elastic implements the Elasticsearch adapter over the plain
// REST API. Indices surface as tables, documents as rows; bulk writes
// and scroll reads keep memory bounded. It registers itself with the
// adapter registry on import.
package elastic

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/dbporter/dbporter/internal/adapter"
	"github.com/dbporter/dbporter/internal/dberr"
	"github.com/dbporter/dbporter/internal/logging"
)

func init() {
	adapter.Register(&Adapter{})
}

// Adapter implements adapter.Adapter for Elasticsearch.
type Adapter struct{}

func (a *Adapter) Kind() adapter.Kind { return adapter.KindElastic }

func (a *Adapter) Aliases() []string { return []string{"elastic", "es"} }

func (a *Adapter) DefaultPort() int { return 9200 }

func (a *Adapter) Connect(ctx context.Context, profile adapter.Profile) (adapter.Conn, error) {
	rc := retryablehttp.NewClient()
	rc.RetryMax = 3
	rc.Logger = nil
	rc.HTTPClient.Timeout = 0 // scroll reads can legitimately be slow

	conn := &Conn{
		client:  rc,
		base:    fmt.Sprintf("http://%s:%d", profile.Host, profile.Port),
		profile: profile,
	}

	pingCtx, cancel := context.WithTimeout(ctx, profile.Timeout())
	defer cancel()
	if err := conn.Ping(pingCtx); err != nil {
		return nil, &dberr.ConnectionError{
			Engine: "elasticsearch",
			Addr:   fmt.Sprintf("%s:%d", profile.Host, profile.Port),
			Err:    err,
		}
	}

	logging.Debug("connected to elasticsearch", "host", profile.Host, "port", profile.Port)
	return conn, nil
}

// Conn is a client bound to one Elasticsearch cluster.
type Conn struct {
	client  *retryablehttp.Client
	base    string
	profile adapter.Profile
}

func (c *Conn) Close() error {
	c.client.HTTPClient.CloseIdleConnections()
	return nil
}

func (c *Conn) Ping(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/", nil, nil)
}

// do issues one request, decoding a JSON response into out when out is
// non-nil. body may be nil, a JSON-marshalable value, or an io.Reader
// for pre-built NDJSON payloads.
func (c *Conn) do(ctx context.Context, method, path string, body any, out any) error {
	var reqBody io.Reader
	contentType := "application/json"
	switch b := body.(type) {
	case nil:
	case io.Reader:
		reqBody = b
		contentType = "application/x-ndjson"
	default:
		encoded, err := json.Marshal(b)
		if err != nil {
			return err
		}
		reqBody = bytes.NewReader(encoded)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, method, c.base+path, reqBody)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", contentType)
	if c.profile.Username != "" {
		req.SetBasicAuth(c.profile.Username, c.profile.Password)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("elasticsearch %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &httpError{status: resp.StatusCode, method: method, path: path, detail: string(detail)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

type httpError struct {
	status int
	method string
	path   string
	detail string
}

func (e *httpError) Error() string {
	return fmt.Sprintf("elasticsearch %s %s: status %d: %s", e.method, e.path, e.status, e.detail)
}

func (e *httpError) notFound() bool { return e.status == http.StatusNotFound }
