package scraper

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"changewatch/pkg/watch"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestFetchSendsConfiguredRequest(t *testing.T) {
	var (
		method, auth, body string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		method = r.Method
		auth = r.Header.Get("Authorization")
		b, _ := io.ReadAll(r.Body)
		body = string(b)
		_, _ = w.Write([]byte("pong"))
	}))
	defer srv.Close()

	item := &watch.Item{
		URL:     srv.URL,
		Method:  "post",
		Headers: map[string]string{"Authorization": "Bearer t"},
		Body:    `{"q":1}`,
	}
	resp, err := New(nil, testLogger()).Fetch(context.Background(), item)
	require.NoError(t, err)

	assert.Equal(t, http.MethodPost, method)
	assert.Equal(t, "Bearer t", auth)
	assert.Equal(t, `{"q":1}`, body)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "pong", string(resp.Body))
}

func TestFetchDefaultsToGet(t *testing.T) {
	var method string
	srv := httptest.NewServer(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		method = r.Method
	}))
	defer srv.Close()

	_, err := New(nil, testLogger()).Fetch(context.Background(), &watch.Item{URL: srv.URL})
	require.NoError(t, err)
	assert.Equal(t, http.MethodGet, method)
}

func TestFetchNon2xxIsAResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("down"))
	}))
	defer srv.Close()

	resp, err := New(nil, testLogger()).Fetch(context.Background(), &watch.Item{URL: srv.URL})
	require.NoError(t, err)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "down", string(resp.Body))
}

func TestFetchFollowsRedirects(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/old", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/new", http.StatusFound)
	})
	mux.HandleFunc("/new", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("moved"))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	resp, err := New(nil, testLogger()).Fetch(context.Background(), &watch.Item{URL: srv.URL + "/old"})
	require.NoError(t, err)
	assert.Equal(t, "moved", string(resp.Body))
}

func TestFetchTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		<-release
	}))
	defer srv.Close()
	defer close(release)

	_, err := New(nil, testLogger()).WithTimeout(50*time.Millisecond).
		Fetch(context.Background(), &watch.Item{URL: srv.URL})
	require.Error(t, err)
	assert.True(t, IsFetchError(err))
}

func TestFetchBadURL(t *testing.T) {
	_, err := New(nil, testLogger()).Fetch(context.Background(), &watch.Item{URL: "://nope"})
	require.Error(t, err)
	assert.True(t, IsFetchError(err))
}

// dropFirst closes the connection of the first n requests without a response.
func dropFirst(t *testing.T, n int32, calls *atomic.Int32) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) <= n {
			conn, _, err := w.(http.Hijacker).Hijack()
			if assert.NoError(t, err) {
				_ = conn.Close()
			}
			return
		}
		_, _ = w.Write([]byte("ok"))
	}))
}

func TestFetchRetriesTransportErrors(t *testing.T) {
	var calls atomic.Int32
	srv := dropFirst(t, 1, &calls)
	defer srv.Close()

	s := New(nil, testLogger())
	s.retryDelay = time.Millisecond
	resp, err := s.Fetch(context.Background(), &watch.Item{URL: srv.URL})
	require.NoError(t, err)
	assert.Equal(t, "ok", string(resp.Body))
	assert.Equal(t, int32(2), calls.Load())
}

func TestFetchDoesNotRetryPost(t *testing.T) {
	var calls atomic.Int32
	srv := dropFirst(t, 1, &calls)
	defer srv.Close()

	s := New(nil, testLogger())
	s.retryDelay = time.Millisecond
	_, err := s.Fetch(context.Background(), &watch.Item{URL: srv.URL, Method: http.MethodPost, Body: "x"})
	require.Error(t, err)
	assert.True(t, IsFetchError(err))
	assert.Equal(t, int32(1), calls.Load())
}

func TestFetchFlagsTruncatedBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(strings.Repeat("a", MaxBodySize+10)))
	}))
	defer srv.Close()

	resp, err := New(nil, testLogger()).Fetch(context.Background(), &watch.Item{URL: srv.URL})
	require.NoError(t, err)
	assert.True(t, resp.Truncated)
	assert.Len(t, resp.Body, MaxBodySize)
}
