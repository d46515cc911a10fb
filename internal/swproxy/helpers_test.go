package swproxy

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

const testOrigin = "http://app.test"

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func mustOrigin(t *testing.T) *url.URL {
	t.Helper()
	u, err := parseOrigin(testOrigin)
	require.NoError(t, err)
	return u
}

func testConfig(t *testing.T) Config {
	t.Helper()
	var cfg Config
	cfg.Server.Upstream = "http://upstream.test"
	cfg.App.Origin = testOrigin
	cfg.App.Version = "v1"
	cfg.App.Manifest = []string{"/", "/app.css", "/app.js"}
	cfg.Storage.Driver = "memory"
	cfg.Notifications.Permission = "granted"
	require.NoError(t, cfg.normalize())
	return cfg
}

func entry(status int, body string) CacheEntry {
	return CacheEntry{
		Status: status,
		Header: http.Header{"Content-Type": []string{"text/plain"}},
		Body:   []byte(body),
	}
}

func newRequest(method, target string, header map[string]string) *http.Request {
	r := httptest.NewRequest(method, target, nil)
	for k, v := range header {
		r.Header.Set(k, v)
	}
	return r
}

var errOffline = errors.New("dial tcp: connection refused")

// fakeFetcher answers from a path table and counts calls per path.
type fakeFetcher struct {
	mu        sync.Mutex
	responses map[string]CacheEntry
	failing   map[string]bool
	down      bool
	calls     map[string]int
}

func newFakeFetcher(responses map[string]CacheEntry) *fakeFetcher {
	return &fakeFetcher{responses: responses, failing: map[string]bool{}, calls: map[string]int{}}
}

func (f *fakeFetcher) Fetch(_ context.Context, r *http.Request) (CacheEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[r.URL.Path]++
	if f.down || f.failing[r.URL.Path] {
		return CacheEntry{}, errOffline
	}
	ent, ok := f.responses[r.URL.Path]
	if !ok {
		return entry(http.StatusNotFound, "not found"), nil
	}
	ent = ent.clone()
	ent.URL = requestURL(r).String()
	return ent, nil
}

func (f *fakeFetcher) setDown(down bool) {
	f.mu.Lock()
	f.down = down
	f.mu.Unlock()
}

func (f *fakeFetcher) count(path string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[path]
}

func (f *fakeFetcher) total() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		n += c
	}
	return n
}

func siteResponses() map[string]CacheEntry {
	return map[string]CacheEntry{
		"/":             entry(http.StatusOK, "home"),
		"/app.css":      entry(http.StatusOK, "body{}"),
		"/app.js":       entry(http.StatusOK, "console.log(1)"),
		"/offline.html": entry(http.StatusOK, "offline"),
		"/dashboard":    entry(http.StatusOK, "dashboard"),
		"/api/items":    entry(http.StatusOK, `{"items":[]}`),
		"/logo.png":     entry(http.StatusOK, "png"),
	}
}

// faultyStore fails Delete for the listed generations and Put when putErr is set.
type faultyStore struct {
	Store
	failDelete map[string]bool
	putErr     error
}

func (s *faultyStore) Delete(ctx context.Context, gen string) (bool, error) {
	if s.failDelete[gen] {
		return false, ErrStoreDelete
	}
	return s.Store.Delete(ctx, gen)
}

func (s *faultyStore) Put(ctx context.Context, gen, key string, ent CacheEntry) error {
	if s.putErr != nil {
		return s.putErr
	}
	return s.Store.Put(ctx, gen, key, ent)
}
