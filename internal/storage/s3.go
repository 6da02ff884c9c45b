package storage

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/dbporter/dbporter/internal/dberr"
)

func init() {
	RegisterFactory(TypeS3, func(ctx context.Context, loc Location) (Backend, error) {
		return newS3(ctx, loc)
	})
}

// s3Backend stores objects in an S3-compatible bucket (AWS, MinIO,
// anything speaking the protocol). Uploads stream through the client's
// multipart machinery, which only materializes the object under its
// key on complete-multipart, giving the atomic-commit semantics Put
// requires.
type s3Backend struct {
	client *minio.Client
	bucket string
}

func newS3(ctx context.Context, loc Location) (*s3Backend, error) {
	if loc.Bucket == "" {
		return nil, fmt.Errorf("s3 storage: bucket is required")
	}
	endpoint := loc.Endpoint
	if endpoint == "" {
		endpoint = "s3.amazonaws.com"
	}

	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(loc.AccessKey, loc.SecretKey, ""),
		Secure: loc.UseSSL,
		Region: loc.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("s3 storage: %w", err)
	}

	exists, err := client.BucketExists(ctx, loc.Bucket)
	if err != nil {
		return nil, &dberr.StorageError{Backend: "s3", Path: loc.Bucket, Transient: true, Err: err}
	}
	if !exists {
		return nil, fmt.Errorf("s3 storage: bucket %q does not exist", loc.Bucket)
	}

	return &s3Backend{client: client, bucket: loc.Bucket}, nil
}

func (s *s3Backend) wrapErr(path string, err error) error {
	resp := minio.ToErrorResponse(err)
	return &dberr.StorageError{
		Backend:   "s3",
		Path:      path,
		NotFound:  resp.Code == "NoSuchKey" || resp.StatusCode == http.StatusNotFound,
		Transient: resp.StatusCode >= 500 || resp.StatusCode == 0,
		Err:       err,
	}
}

func (s *s3Backend) Put(ctx context.Context, path string, body io.Reader) (ObjectInfo, error) {
	// Size -1 streams with multipart; the object is invisible until the
	// final part commits.
	info, err := s.client.PutObject(ctx, s.bucket, path, body, -1, minio.PutObjectOptions{
		ContentType: "application/octet-stream",
	})
	if err != nil {
		return ObjectInfo{}, s.wrapErr(path, err)
	}
	return ObjectInfo{Path: path, Size: info.Size}, nil
}

func (s *s3Backend) Get(ctx context.Context, path string) (io.ReadCloser, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, path, minio.GetObjectOptions{})
	if err != nil {
		return nil, s.wrapErr(path, err)
	}
	// GetObject is lazy; Stat forces the first request so a missing key
	// fails here instead of on the first Read.
	if _, err := obj.Stat(); err != nil {
		obj.Close()
		return nil, s.wrapErr(path, err)
	}
	return obj, nil
}

func (s *s3Backend) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	var out []ObjectInfo
	for obj := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{
		Prefix:    prefix,
		Recursive: true,
	}) {
		if obj.Err != nil {
			return nil, s.wrapErr(prefix, obj.Err)
		}
		out = append(out, ObjectInfo{Path: obj.Key, Size: obj.Size, ModTime: obj.LastModified})
	}
	return out, nil
}

func (s *s3Backend) Delete(ctx context.Context, path string) error {
	if err := s.client.RemoveObject(ctx, s.bucket, path, minio.RemoveObjectOptions{}); err != nil {
		return s.wrapErr(path, err)
	}
	return nil
}

func (s *s3Backend) Stat(ctx context.Context, path string) (ObjectInfo, error) {
	info, err := s.client.StatObject(ctx, s.bucket, path, minio.StatObjectOptions{})
	if err != nil {
		return ObjectInfo{}, s.wrapErr(path, err)
	}
	return ObjectInfo{Path: path, Size: info.Size, ModTime: info.LastModified}, nil
}

func (s *s3Backend) Close() error { return nil }
