package cache

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/evalgo/edgerun/internal/store"
)

func newTestCache(t *testing.T) *Cache {
	t.Helper()
	s, err := store.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return New(s, "default")
}

func TestPutMatchRoundTrip(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()
	req := Request{Method: http.MethodGet, URL: "https://example.com/a"}

	require.NoError(t, c.Put(ctx, req, Response{Status: 200, Headers: http.Header{}, Body: []byte("hi")}, PutOptions{}))

	resp, ok, err := c.Match(ctx, req)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("hi"), resp.Body)
	assert.Equal(t, "HIT", resp.Headers.Get("cf-cache-status"))
}

func TestPut_RejectsNonGETMethod(t *testing.T) {
	c := newTestCache(t)
	req := Request{Method: http.MethodPost, URL: "https://example.com/a"}
	err := c.Put(context.Background(), req, Response{Status: 200, Headers: http.Header{}}, PutOptions{})
	assert.Error(t, err)
}

func TestPut_SkipsSetCookieSilently(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()
	req := Request{Method: http.MethodGet, URL: "https://example.com/a"}
	headers := http.Header{}
	headers.Set("Set-Cookie", "session=abc")

	require.NoError(t, c.Put(ctx, req, Response{Status: 200, Headers: headers, Body: []byte("x")}, PutOptions{}))

	_, ok, err := c.Match(ctx, req)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPut_RejectsPartialContent(t *testing.T) {
	c := newTestCache(t)
	req := Request{Method: http.MethodGet, URL: "https://example.com/a"}
	err := c.Put(context.Background(), req, Response{Status: http.StatusPartialContent, Headers: http.Header{}}, PutOptions{})
	assert.Error(t, err)
}

func TestMatch_ExpiresViaMaxAge(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()
	frozen := time.Unix(1_000_000, 0)
	c.now = func() time.Time { return frozen }

	req := Request{Method: http.MethodGet, URL: "https://example.com/a"}
	headers := http.Header{}
	headers.Set("Cache-Control", "max-age=10")
	require.NoError(t, c.Put(ctx, req, Response{Status: 200, Headers: headers, Body: []byte("x")}, PutOptions{}))

	c.now = func() time.Time { return frozen.Add(20 * time.Second) }
	_, ok, err := c.Match(ctx, req)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMatch_MissReturnsFalse(t *testing.T) {
	c := newTestCache(t)
	_, ok, err := c.Match(context.Background(), Request{URL: "https://example.com/missing"})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDelete_ReportsWhetherRowExisted(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()
	req := Request{Method: http.MethodGet, URL: "https://example.com/a"}
	require.NoError(t, c.Put(ctx, req, Response{Status: 200, Headers: http.Header{}, Body: []byte("x")}, PutOptions{}))

	existed, err := c.Delete(ctx, req, DeleteOptions{})
	require.NoError(t, err)
	assert.True(t, existed)

	existed, err = c.Delete(ctx, req, DeleteOptions{})
	require.NoError(t, err)
	assert.False(t, existed)
}
