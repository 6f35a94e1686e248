package activitypub

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Chocobozzz/PeerTube-sub005/util"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func contextServer(t *testing.T, hits *int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(hits, 1)
		if r.URL.Path == "/broken" {
			w.Write([]byte("not json"))
			return
		}
		w.Header().Set("Content-Type", "application/ld+json")
		fmt.Fprintf(w, `{"@context":{"name%s":"https://schema.org/name"}}`, r.URL.Path[1:])
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestResolveBuiltinContexts(t *testing.T) {
	r := testResolver(t)

	for _, u := range []string{ActivityStreamsContext, SecurityContext, "http://www.w3.org/ns/activitystreams"} {
		doc, err := r.Resolve(context.Background(), u)
		require.NoError(t, err, u)
		assert.Equal(t, u, doc.DocumentURL)
		assert.Contains(t, doc.Document, "@context")
	}
	assert.Equal(t, 0, r.Cached(), "builtin contexts are not cached")
}

func TestResolveCachesRemoteContext(t *testing.T) {
	var hits int32
	srv := contextServer(t, &hits)
	r := testResolver(t)

	for i := 0; i < 3; i++ {
		_, err := r.Resolve(context.Background(), srv.URL+"/a")
		require.NoError(t, err)
	}

	assert.Equal(t, int32(1), atomic.LoadInt32(&hits))
	assert.Equal(t, 1, r.Cached())
}

func TestResolveIsBounded(t *testing.T) {
	var hits int32
	srv := contextServer(t, &hits)
	r, err := NewContextResolver(util.ContextsConfig{Capacity: 2, FetchTimeout: time.Second}, zaptest.NewLogger(t))
	require.NoError(t, err)

	for _, p := range []string{"/a", "/b", "/c"} {
		_, err := r.Resolve(context.Background(), srv.URL+p)
		require.NoError(t, err)
	}
	assert.Equal(t, 2, r.Cached())

	// the oldest entry was evicted and is fetched again
	_, err = r.Resolve(context.Background(), srv.URL+"/a")
	require.NoError(t, err)
	assert.Equal(t, int32(4), atomic.LoadInt32(&hits))
}

func TestResolveFailures(t *testing.T) {
	var hits int32
	srv := contextServer(t, &hits)
	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer failing.Close()
	r := testResolver(t)

	_, err := r.Resolve(context.Background(), failing.URL+"/missing")
	assert.ErrorIs(t, err, ErrUnresolvedContext)

	_, err = r.Resolve(context.Background(), srv.URL+"/broken")
	assert.ErrorIs(t, err, ErrUnresolvedContext)

	assert.Equal(t, 0, r.Cached(), "failures are not cached")
}

func TestResolveTimeout(t *testing.T) {
	release := make(chan struct{})
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer slow.Close()
	defer close(release)

	r, err := NewContextResolver(util.ContextsConfig{Capacity: 10, FetchTimeout: 50 * time.Millisecond}, nil)
	require.NoError(t, err)

	_, err = r.Resolve(context.Background(), slow.URL+"/slow")
	assert.ErrorIs(t, err, ErrUnresolvedContext)
}
