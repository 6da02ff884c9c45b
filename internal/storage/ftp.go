package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/textproto"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jlaffaye/ftp"

	"github.com/dbporter/dbporter/internal/dberr"
	"github.com/dbporter/dbporter/internal/logging"
)

func init() {
	RegisterFactory(TypeFTP, func(_ context.Context, loc Location) (Backend, error) {
		return newFTP(loc)
	})
}

const ftpDialTimeout = 15 * time.Second

// ftpBackend stores objects on an FTP server. FTP control connections
// drop readily on long transfers, so every operation dials fresh and
// transient failures are retried with bounded exponential backoff.
// Uploads land under a ".part" name and are renamed on completion so a
// dropped transfer never shows up as a finished artifact.
type ftpBackend struct {
	loc Location
}

func newFTP(loc Location) (*ftpBackend, error) {
	if loc.Host == "" {
		return nil, fmt.Errorf("ftp storage: host is required")
	}
	if loc.Port == 0 {
		loc.Port = 21
	}
	return &ftpBackend{loc: loc}, nil
}

func (f *ftpBackend) addr() string {
	return fmt.Sprintf("%s:%d", f.loc.Host, f.loc.Port)
}

func (f *ftpBackend) connect(ctx context.Context) (*ftp.ServerConn, error) {
	opts := []ftp.DialOption{
		ftp.DialWithContext(ctx),
		ftp.DialWithTimeout(ftpDialTimeout),
	}
	if !f.loc.Passive {
		// Plain PASV for servers that mishandle EPSV.
		opts = append(opts, ftp.DialWithDisabledEPSV(true))
	}

	conn, err := ftp.Dial(f.addr(), opts...)
	if err != nil {
		return nil, &dberr.StorageError{Backend: "ftp", Path: f.addr(), Transient: true, Err: err}
	}
	if err := conn.Login(f.loc.User, f.loc.Password); err != nil {
		conn.Quit()
		return nil, &dberr.StorageError{Backend: "ftp", Path: f.addr(), Err: err}
	}
	return conn, nil
}

func (f *ftpBackend) fullPath(p string) string {
	if f.loc.Root == "" {
		return p
	}
	return path.Join(f.loc.Root, p)
}

func (f *ftpBackend) wrapErr(p string, err error) error {
	var proto *textproto.Error
	if errors.As(err, &proto) {
		return &dberr.StorageError{
			Backend:   "ftp",
			Path:      p,
			NotFound:  proto.Code == ftp.StatusFileUnavailable,
			Transient: proto.Code >= 400 && proto.Code < 500, // 4xx are transient per RFC 959
			Err:       err,
		}
	}
	// Non-protocol errors are network-level: transient.
	return &dberr.StorageError{Backend: "ftp", Path: p, Transient: true, Err: err}
}

// retry runs op with bounded exponential backoff, retrying only
// failures classified transient.
func (f *ftpBackend) retry(ctx context.Context, op func() error) error {
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3), ctx)
	return backoff.Retry(func() error {
		err := op()
		if err == nil {
			return nil
		}
		if dberr.IsTransient(err) {
			logging.Warn("ftp operation failed, retrying", "host", f.loc.Host, "error", err)
			return err
		}
		return backoff.Permanent(err)
	}, policy)
}

// mkdirAll creates each directory component, ignoring already-exists
// responses.
func mkdirAll(conn *ftp.ServerConn, dir string) {
	if dir == "" || dir == "." || dir == "/" {
		return
	}
	parts := strings.Split(strings.Trim(dir, "/"), "/")
	cur := ""
	for _, part := range parts {
		cur = path.Join(cur, part)
		_ = conn.MakeDir(cur)
	}
}

func (f *ftpBackend) Put(ctx context.Context, p string, body io.Reader) (ObjectInfo, error) {
	full := f.fullPath(p)
	part := full + ".part"

	// The body reader cannot be rewound, so the transfer itself is not
	// retried; only the final size probe is.
	conn, err := f.connect(ctx)
	if err != nil {
		return ObjectInfo{}, err
	}
	defer conn.Quit()

	mkdirAll(conn, path.Dir(full))
	if err := conn.Stor(part, body); err != nil {
		_ = conn.Delete(part)
		return ObjectInfo{}, f.wrapErr(p, err)
	}
	if err := conn.Rename(part, full); err != nil {
		_ = conn.Delete(part)
		return ObjectInfo{}, f.wrapErr(p, err)
	}

	size, err := conn.FileSize(full)
	if err != nil {
		size = -1
	}
	return ObjectInfo{Path: p, Size: size}, nil
}

// ftpReader closes the data connection and the control connection
// together.
type ftpReader struct {
	resp *ftp.Response
	conn *ftp.ServerConn
}

func (r *ftpReader) Read(p []byte) (int, error) { return r.resp.Read(p) }

func (r *ftpReader) Close() error {
	err := r.resp.Close()
	r.conn.Quit()
	return err
}

func (f *ftpBackend) Get(ctx context.Context, p string) (io.ReadCloser, error) {
	var rc io.ReadCloser
	err := f.retry(ctx, func() error {
		conn, err := f.connect(ctx)
		if err != nil {
			return err
		}
		resp, err := conn.Retr(f.fullPath(p))
		if err != nil {
			conn.Quit()
			return f.wrapErr(p, err)
		}
		rc = &ftpReader{resp: resp, conn: conn}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rc, nil
}

func (f *ftpBackend) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	var out []ObjectInfo
	err := f.retry(ctx, func() error {
		conn, err := f.connect(ctx)
		if err != nil {
			return err
		}
		defer conn.Quit()

		out = out[:0]
		return f.walk(conn, "", prefix, &out)
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

func (f *ftpBackend) walk(conn *ftp.ServerConn, dir, prefix string, out *[]ObjectInfo) error {
	entries, err := conn.List(f.fullPath(dir))
	if err != nil {
		return f.wrapErr(dir, err)
	}
	for _, e := range entries {
		rel := path.Join(dir, e.Name)
		switch e.Type {
		case ftp.EntryTypeFolder:
			if e.Name == "." || e.Name == ".." {
				continue
			}
			if err := f.walk(conn, rel, prefix, out); err != nil {
				return err
			}
		case ftp.EntryTypeFile:
			if strings.HasSuffix(e.Name, ".part") {
				continue
			}
			if !strings.HasPrefix(rel, prefix) {
				continue
			}
			*out = append(*out, ObjectInfo{Path: rel, Size: int64(e.Size), ModTime: e.Time})
		}
	}
	return nil
}

func (f *ftpBackend) Delete(ctx context.Context, p string) error {
	return f.retry(ctx, func() error {
		conn, err := f.connect(ctx)
		if err != nil {
			return err
		}
		defer conn.Quit()

		if err := conn.Delete(f.fullPath(p)); err != nil {
			return f.wrapErr(p, err)
		}
		return nil
	})
}

func (f *ftpBackend) Stat(ctx context.Context, p string) (ObjectInfo, error) {
	var info ObjectInfo
	err := f.retry(ctx, func() error {
		conn, err := f.connect(ctx)
		if err != nil {
			return err
		}
		defer conn.Quit()

		size, err := conn.FileSize(f.fullPath(p))
		if err != nil {
			return f.wrapErr(p, err)
		}
		info = ObjectInfo{Path: p, Size: size}
		return nil
	})
	return info, err
}

func (f *ftpBackend) Close() error { return nil }
