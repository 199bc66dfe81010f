package mediamtx

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c := NewClient(Options{
		APIURL:     srv.URL,
		Timeout:    2 * time.Second,
		MaxRetries: 2,
		RetryDelay: 10 * time.Millisecond,
	})
	require.NoError(t, c.Connect())
	t.Cleanup(c.Close)
	return c
}

func TestConnectLifecycle(t *testing.T) {
	c := NewClient(Options{APIURL: "http://127.0.0.1:9997"})

	_, err := c.GetPaths(context.Background())
	assert.ErrorIs(t, err, ErrNotConnected)

	require.NoError(t, c.Connect())
	assert.ErrorIs(t, c.Connect(), ErrAlreadyConnected)

	c.Close()
	c.Close() // idempotent

	_, err = c.GetPaths(context.Background())
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestGetPaths(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v3/paths/list", r.URL.Path)
		w.Write([]byte(`{"items":{"cam-1":{"name":"cam-1","ready":true,"source":{"type":"rtspSession","id":"abc"},"tracks":["H264"],"bytesReceived":2048}}}`))
	}))

	paths, err := c.GetPaths(context.Background())
	require.NoError(t, err)
	require.Len(t, paths, 1)

	info := paths["cam-1"]
	assert.True(t, info.Ready)
	assert.Equal(t, "rtspSession", info.Source.Type)
	assert.Equal(t, uint64(2048), info.BytesReceived)
}

func TestGetPathInfoNotFound(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"path not found"}`, http.StatusNotFound)
	}))

	info, err := c.GetPathInfo(context.Background(), "missing")
	require.NoError(t, err)
	assert.Nil(t, info)
}

func TestKickPublisher(t *testing.T) {
	var path atomic.Value
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path.Store(r.URL.Path)
		if r.URL.Path == "/v3/paths/kick/empty/publisher" {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))

	ok, err := c.KickPublisher(context.Background(), "cam-1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "/v3/paths/kick/cam-1/publisher", path.Load())

	// Nothing to kick is still success.
	ok, err = c.KickPublisher(context.Background(), "empty")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRetriesConnectionErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			// Slam the connection shut mid-response.
			hj, _ := w.(http.Hijacker)
			conn, _, _ := hj.Hijack()
			conn.Close()
			return
		}
		w.Write([]byte(`{"items":{}}`))
	}))
	defer srv.Close()

	c := NewClient(Options{APIURL: srv.URL, MaxRetries: 3, RetryDelay: 10 * time.Millisecond})
	require.NoError(t, c.Connect())
	defer c.Close()

	paths, err := c.GetPaths(context.Background())
	require.NoError(t, err)
	assert.Empty(t, paths)
	assert.Equal(t, int32(3), calls.Load())
}

func TestRetryExhaustion(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hj, _ := w.(http.Hijacker)
		conn, _, _ := hj.Hijack()
		conn.Close()
	}))
	defer srv.Close()

	c := NewClient(Options{APIURL: srv.URL, MaxRetries: 1, RetryDelay: 10 * time.Millisecond})
	require.NoError(t, c.Connect())
	defer c.Close()

	_, err := c.GetPaths(context.Background())
	require.Error(t, err)
	assert.Equal(t, CodeConnectionError, CodeOf(err))
}

func TestAPIErrorNotRetried(t *testing.T) {
	var calls atomic.Int32
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "boom", http.StatusInternalServerError)
	}))

	_, err := c.GetPaths(context.Background())
	require.Error(t, err)
	assert.Equal(t, CodeAPIError, CodeOf(err))
	assert.Equal(t, int32(1), calls.Load(), "server errors are not retried")
}

func TestWaitForPath(t *testing.T) {
	var calls atomic.Int32
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.Write([]byte(`{"name":"cam-1","ready":false,"source":null}`))
			return
		}
		w.Write([]byte(`{"name":"cam-1","ready":true,"source":{"type":"rtspSession","id":"abc"}}`))
	}))

	ok, err := c.WaitForPath(context.Background(), "cam-1", time.Second, 10*time.Millisecond)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int32(3), calls.Load())
}

func TestWaitForPathTimeout(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "not found", http.StatusNotFound)
	}))

	start := time.Now()
	ok, err := c.WaitForPath(context.Background(), "cam-1", 50*time.Millisecond, 40*time.Millisecond)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Less(t, time.Since(start), 150*time.Millisecond, "must not oversleep past the deadline")
}

func TestWaitForPathCancelled(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "not found", http.StatusNotFound)
	}))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := c.WaitForPath(ctx, "cam-1", 10*time.Second, 100*time.Millisecond)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestCheckHealth(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"items":{}}`))
	}))
	assert.True(t, c.CheckHealth(context.Background()))

	down := NewClient(Options{APIURL: "http://127.0.0.1:1", MaxRetries: 0, RetryDelay: time.Millisecond})
	require.NoError(t, down.Connect())
	defer down.Close()
	assert.False(t, down.CheckHealth(context.Background()))
}

func TestBasicAuthSent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != "admin" || pass != "secret" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		w.Write([]byte(`{"items":{}}`))
	}))
	defer srv.Close()

	c := NewClient(Options{APIURL: srv.URL, Username: "admin", Password: "secret"})
	require.NoError(t, c.Connect())
	defer c.Close()

	_, err := c.GetPaths(context.Background())
	assert.NoError(t, err)
}
