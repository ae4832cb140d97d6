// Package blob stores evidence content behind a small S3-like interface.
package blob

import (
	"context"
	"errors"
	"io"
	"time"
)

// Driver identifies a concrete blob storage backend implementation.
type Driver string

const (
	DriverMemory     Driver = "memory"
	DriverFilesystem Driver = "fs"
	DriverS3         Driver = "s3"
)

// PutOptions specifies optional parameters for Put.
type PutOptions struct {
	ContentType string
	Metadata    map[string]string
}

// SignedURLOptions holds options for generating a pre-signed URL.
type SignedURLOptions struct {
	Expiry time.Duration
}

// Info describes a stored blob.
type Info struct {
	Key          string            `json:"key"`
	Size         int64             `json:"size_bytes"`
	ContentType  string            `json:"content_type,omitempty"`
	ETag         string            `json:"etag,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	LastModified time.Time         `json:"last_modified"`
}

// Store is implemented by every backend. Put is create-only.
type Store interface {
	Put(ctx context.Context, key string, r io.Reader, opts PutOptions) (Info, error)
	Get(ctx context.Context, key string) (Info, io.ReadCloser, error)
	Head(ctx context.Context, key string) (Info, error)
	Delete(ctx context.Context, key string) (bool, error)
	List(ctx context.Context, prefix string) ([]Info, error)
	PresignURL(ctx context.Context, key string, opts SignedURLOptions) (string, error)
	Driver() Driver
}

var (
	// ErrUnsupported is returned when an optional capability is not available.
	ErrUnsupported = errors.New("blob: unsupported operation")
	// ErrExists is returned by Put when the key is already taken.
	ErrExists = errors.New("blob: already exists")
	// ErrNotFound is returned when a key does not exist.
	ErrNotFound = errors.New("blob: not found")
)

// Reader adapts a Store to the content opener used for verification
type Reader struct {
	Store Store
}

// Open returns the content of key
func (r Reader) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	_, rc, err := r.Store.Get(ctx, key)
	return rc, err
}

// ArtifactKey is the content-addressed location of an artifact
func ArtifactKey(sessionID, hexDigest string) string {
	return "sessions/" + sessionID + "/artifacts/" + hexDigest
}

// StagingPrefix is where drivers drop raw artifacts before collection
func StagingPrefix(sessionID string) string {
	return "sessions/" + sessionID + "/staging/"
}

// ReportKey is the location of a session's report.json
func ReportKey(sessionID string) string {
	return "sessions/" + sessionID + "/report.json"
}
