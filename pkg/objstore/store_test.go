package objstore_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sumatoshi-tech/chainfeed/pkg/objstore"
)

func TestFSStoreRoundTrip(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := objstore.NewFSStore(t.TempDir())

	require.NoError(t, store.Put(ctx, "ingestion/historical/0.chk", []byte("payload")))

	data, err := store.Get(ctx, "ingestion/historical/0.chk")
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), data)
}

func TestFSStoreMissingObject(t *testing.T) {
	t.Parallel()

	store := objstore.NewFSStore(t.TempDir())

	_, err := store.Get(context.Background(), "nope.chk")
	require.ErrorIs(t, err, objstore.ErrNotFound)
}

func TestHTTPStoreGet(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/bucket/5.chk":
			_, _ = w.Write([]byte("five"))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	store, err := objstore.NewHTTPStore(srv.URL + "/bucket")
	require.NoError(t, err)

	data, err := store.Get(context.Background(), "5.chk")
	require.NoError(t, err)
	assert.Equal(t, []byte("five"), data)

	_, err = store.Get(context.Background(), "6.chk")
	require.ErrorIs(t, err, objstore.ErrNotFound)

	require.ErrorIs(t, store.Put(context.Background(), "5.chk", nil), objstore.ErrReadOnly)
}

func TestNewDispatchesOnScheme(t *testing.T) {
	t.Parallel()

	store, err := objstore.New(t.TempDir(), nil)
	require.NoError(t, err)
	assert.IsType(t, &objstore.FSStore{}, store)

	store, err = objstore.New("http://example.com/checkpoints", nil)
	require.NoError(t, err)
	assert.IsType(t, &objstore.HTTPStore{}, store)

	_, err = objstore.New("ftp://example.com", nil)
	require.Error(t, err)
}
