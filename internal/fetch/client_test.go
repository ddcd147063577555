package fetch

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestClient(t *testing.T, cfg Config, opts ...ClientOption) *Client {
	t.Helper()
	if cfg.RetryDelay == 0 {
		cfg.RetryDelay = time.Millisecond
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 5 * time.Second
	}
	c, err := New(cfg, zap.NewNop(), opts...)
	require.NoError(t, err)
	return c
}

type fakeRotator struct {
	mu       sync.Mutex
	calls    int
	onRotate func()
}

func (f *fakeRotator) Rotate(context.Context) error {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.onRotate != nil {
		f.onRotate()
	}
	return nil
}

func (f *fakeRotator) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func TestRetryBoundOnPersistent503(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := newTestClient(t, Config{MaxAttempts: 5})
	resp, err := c.Get(context.Background(), srv.URL)

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRetriesExhausted)
	assert.Nil(t, resp)
	assert.Equal(t, int32(5), hits.Load())
}

func TestOverloadMarkerConsumesRetries(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if hits.Add(1) <= 2 {
			_, _ = w.Write([]byte("<html>" + DefaultOverloadMarker + "</html>"))
			return
		}
		_, _ = w.Write([]byte("conteúdo"))
	}))
	defer srv.Close()

	c := newTestClient(t, Config{MaxAttempts: 5})
	resp, err := c.Get(context.Background(), srv.URL)

	require.NoError(t, err)
	assert.Equal(t, int32(3), hits.Load())
	assert.Equal(t, "conteúdo", resp.Text())
}

func TestSuccessPassthrough(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, DefaultUserAgent, r.Header.Get("User-Agent"))
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte("<html>ok</html>"))
	}))
	defer srv.Close()

	c := newTestClient(t, Config{})
	resp, err := c.Get(context.Background(), srv.URL)

	require.NoError(t, err)
	assert.True(t, resp.OK())
	assert.Equal(t, "<html>ok</html>", resp.Text())
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/html")
	assert.Contains(t, resp.FinalURL, srv.URL)
}

func TestNonRetryableStatusReturnedAsResponse(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := newTestClient(t, Config{MaxAttempts: 5})
	resp, err := c.Get(context.Background(), srv.URL)

	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, int32(1), hits.Load(), "4xx must not consume retries")
}

func TestSessionCookieAffinity(t *testing.T) {
	t.Parallel()

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/login":
			http.SetCookie(w, &http.Cookie{Name: "JSESSIONID", Value: "abc123", Path: "/"})
			_, _ = w.Write([]byte("logged in"))
		default:
			cookie, err := r.Cookie("JSESSIONID")
			if err != nil || cookie.Value != "abc123" {
				w.WriteHeader(http.StatusForbidden)
				return
			}
			_, _ = w.Write([]byte("page 2"))
		}
	})
	srv := httptest.NewServer(handler)
	defer srv.Close()

	session := newTestClient(t, Config{Session: true})
	_, err := session.Get(context.Background(), srv.URL+"/login")
	require.NoError(t, err)
	resp, err := session.Get(context.Background(), srv.URL+"/page")
	require.NoError(t, err)
	assert.Equal(t, "page 2", resp.Text())

	stateless := newTestClient(t, Config{})
	_, err = stateless.Get(context.Background(), srv.URL+"/login")
	require.NoError(t, err)
	resp, err = stateless.Get(context.Background(), srv.URL+"/page")
	require.NoError(t, err)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode, "stateless mode must not carry cookies")
}

func TestBlockMarkerTriggersRotation(t *testing.T) {
	t.Parallel()

	const marker = "Acesso temporariamente bloqueado"
	var unblocked atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if !unblocked.Load() {
			_, _ = w.Write([]byte(marker))
			return
		}
		_, _ = w.Write([]byte("liberado"))
	}))
	defer srv.Close()

	rotator := &fakeRotator{onRotate: func() { unblocked.Store(true) }}
	c := newTestClient(t, Config{MaxAttempts: 5, BlockMarkers: []string{marker}}, WithRotator(rotator))

	resp, err := c.Get(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.Equal(t, "liberado", resp.Text())
	assert.Equal(t, 1, rotator.count())
}

func TestBlockWithoutRotatorFails(t *testing.T) {
	t.Parallel()

	const marker = "Acesso temporariamente bloqueado"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(marker))
	}))
	defer srv.Close()

	c := newTestClient(t, Config{BlockMarkers: []string{marker}})
	_, err := c.Get(context.Background(), srv.URL)
	assert.ErrorIs(t, err, ErrBlocked)
}

func TestPostForm(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		assert.Contains(t, r.Header.Get("Content-Type"), "application/x-www-form-urlencoded")
		_, _ = w.Write([]byte(r.PostFormValue("ano")))
	}))
	defer srv.Close()

	c := newTestClient(t, Config{})
	resp, err := c.PostForm(context.Background(), srv.URL, url.Values{"ano": {"2020"}})
	require.NoError(t, err)
	assert.Equal(t, "2020", resp.Text())
}

func TestPostJSON(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.Header.Get("Content-Type"), "application/json")
		var payload map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		_, _ = w.Write([]byte(payload["tipo"].(string)))
	}))
	defer srv.Close()

	c := newTestClient(t, Config{})
	resp, err := c.PostJSON(context.Background(), srv.URL, map[string]any{"tipo": "decreto", "ano": 1999})
	require.NoError(t, err)
	assert.Equal(t, "decreto", resp.Text())
}

func TestCancellationDuringRetryDelay(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	c := newTestClient(t, Config{MaxAttempts: 5, RetryDelay: time.Hour})
	start := time.Now()
	_, err := c.Do(ctx, Request{URL: srv.URL})

	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, int32(1), hits.Load())
	assert.Less(t, time.Since(start), 5*time.Second)
}
