package objstore

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// HTTPStore reads objects from a plain HTTP(S) endpoint, such as a
// public checkpoint bucket fronted by a CDN. It is read-only.
type HTTPStore struct {
	base   *url.URL
	client *http.Client
}

// NewHTTPStore returns a read-only store fetching keys relative to
// baseURL.
func NewHTTPStore(baseURL string) (*HTTPStore, error) {
	u, err := url.Parse(strings.TrimSuffix(baseURL, "/") + "/")
	if err != nil {
		return nil, fmt.Errorf("parse base url %q: %w", baseURL, err)
	}

	return &HTTPStore{
		base:   u,
		client: &http.Client{Timeout: 60 * time.Second},
	}, nil
}

func (s *HTTPStore) Get(ctx context.Context, key string) ([]byte, error) {
	target := s.base.JoinPath(key).String()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("build request for %s: %w", key, err)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch object %s: %w", key, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("fetch object %s: unexpected status %s", key, resp.Status)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read object %s body: %w", key, err)
	}

	return data, nil
}

func (s *HTTPStore) Put(context.Context, string, []byte) error {
	return ErrReadOnly
}
