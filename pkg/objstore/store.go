// Package objstore provides minimal whole-object access to the stores
// that hold checkpoint files and archives: a local directory, a plain
// HTTP endpoint, or an S3-compatible bucket.
package objstore

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
)

var (
	// ErrNotFound is returned when the requested object does not exist.
	ErrNotFound = errors.New("object not found")

	// ErrReadOnly is returned by Put on stores that cannot be written.
	ErrReadOnly = errors.New("store is read-only")
)

// Store is a minimal object store: whole-object reads and writes
// addressed by a slash-separated key.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, data []byte) error
}

// New builds a store from a URL. Supported schemes are file (or a bare
// path), http/https and s3. Credentials and endpoint overrides are
// passed as opaque options; see the per-scheme constructors for the
// recognized keys.
func New(rawURL string, options map[string]string) (Store, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse store url %q: %w", rawURL, err)
	}

	switch u.Scheme {
	case "", "file":
		return NewFSStore(u.Path), nil
	case "http", "https":
		return NewHTTPStore(rawURL)
	case "s3":
		return NewS3Store(u.Host, strings.TrimPrefix(u.Path, "/"), options)
	default:
		return nil, fmt.Errorf("unsupported store scheme %q", u.Scheme)
	}
}
