package swproxy

import (
	"crypto/tls"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	origin := mustOrigin(t)

	tests := []struct {
		name   string
		method string
		target string
		header map[string]string
		want   Class
	}{
		{
			name:   "cross origin navigation is ignored",
			method: http.MethodGet,
			target: "http://cdn.example.com/",
			header: map[string]string{"Sec-Fetch-Mode": "navigate"},
			want:   ClassIgnore,
		},
		{
			name:   "cross origin image is ignored",
			method: http.MethodGet,
			target: "http://cdn.example.com/logo.png",
			header: map[string]string{"Sec-Fetch-Dest": "image"},
			want:   ClassIgnore,
		},
		{
			name:   "different scheme is another origin",
			method: http.MethodGet,
			target: "https://app.test/",
			header: map[string]string{"Sec-Fetch-Mode": "navigate"},
			want:   ClassIgnore,
		},
		{
			name:   "different port is another origin",
			method: http.MethodGet,
			target: "http://app.test:8081/",
			want:   ClassIgnore,
		},
		{
			name:   "explicit default port is the same origin",
			method: http.MethodGet,
			target: "http://app.test:80/dashboard",
			header: map[string]string{"Sec-Fetch-Mode": "navigate"},
			want:   ClassNavigate,
		},
		{
			name:   "navigate mode",
			method: http.MethodGet,
			target: "http://app.test/dashboard",
			header: map[string]string{"Sec-Fetch-Mode": "navigate", "Sec-Fetch-Dest": "document"},
			want:   ClassNavigate,
		},
		{
			name:   "navigation wins over asset destination",
			method: http.MethodGet,
			target: "http://app.test/page.css",
			header: map[string]string{"Sec-Fetch-Mode": "navigate"},
			want:   ClassNavigate,
		},
		{
			name:   "html accept without fetch metadata",
			method: http.MethodGet,
			target: "http://app.test/dashboard",
			header: map[string]string{"Accept": "text/html,application/xhtml+xml"},
			want:   ClassNavigate,
		},
		{
			name:   "post form is not a navigation without fetch metadata",
			method: http.MethodPost,
			target: "http://app.test/login",
			header: map[string]string{"Accept": "text/html"},
			want:   ClassOther,
		},
		{
			name:   "style destination",
			method: http.MethodGet,
			target: "http://app.test/assets/app",
			header: map[string]string{"Sec-Fetch-Mode": "no-cors", "Sec-Fetch-Dest": "style"},
			want:   ClassAsset,
		},
		{
			name:   "script destination",
			method: http.MethodGet,
			target: "http://app.test/bundle",
			header: map[string]string{"Sec-Fetch-Mode": "cors", "Sec-Fetch-Dest": "script"},
			want:   ClassAsset,
		},
		{
			name:   "image destination",
			method: http.MethodGet,
			target: "http://app.test/avatar",
			header: map[string]string{"Sec-Fetch-Mode": "no-cors", "Sec-Fetch-Dest": "image"},
			want:   ClassAsset,
		},
		{
			name:   "extension fallback for scripts",
			method: http.MethodGet,
			target: "http://app.test/assets/js/utils.js",
			want:   ClassAsset,
		},
		{
			name:   "extension fallback is case insensitive",
			method: http.MethodGet,
			target: "http://app.test/LOGO.PNG",
			want:   ClassAsset,
		},
		{
			name:   "font is other",
			method: http.MethodGet,
			target: "http://app.test/font.woff2",
			header: map[string]string{"Sec-Fetch-Dest": "font"},
			want:   ClassOther,
		},
		{
			name:   "api call is other",
			method: http.MethodGet,
			target: "http://app.test/api/items",
			header: map[string]string{"Sec-Fetch-Mode": "cors", "Sec-Fetch-Dest": "empty"},
			want:   ClassOther,
		},
		{
			name:   "fetch metadata overrides extension",
			method: http.MethodGet,
			target: "http://app.test/data.js",
			header: map[string]string{"Sec-Fetch-Mode": "cors", "Sec-Fetch-Dest": "empty"},
			want:   ClassOther,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newRequest(tt.method, tt.target, tt.header)
			assert.Equal(t, tt.want, Classify(origin, r))
		})
	}
}

func TestStrategyFor(t *testing.T) {
	s, ok := StrategyFor(ClassNavigate)
	assert.True(t, ok)
	assert.Equal(t, NetworkFirstOffline, s)

	s, ok = StrategyFor(ClassAsset)
	assert.True(t, ok)
	assert.Equal(t, CacheFirst, s)

	s, ok = StrategyFor(ClassOther)
	assert.True(t, ok)
	assert.Equal(t, NetworkFirst, s)

	_, ok = StrategyFor(ClassIgnore)
	assert.False(t, ok)
}

func TestRequestURL(t *testing.T) {
	t.Run("origin form uses host", func(t *testing.T) {
		r := newRequest(http.MethodGet, "/a?b=1", nil)
		r.Host = "app.test"
		assert.Equal(t, "http://app.test/a?b=1", requestURL(r).String())
	})

	t.Run("forwarded proto", func(t *testing.T) {
		r := newRequest(http.MethodGet, "/a", map[string]string{"X-Forwarded-Proto": "https, http"})
		r.Host = "app.test"
		assert.Equal(t, "https://app.test/a", requestURL(r).String())
	})

	t.Run("tls", func(t *testing.T) {
		r := newRequest(http.MethodGet, "/a", nil)
		r.Host = "app.test"
		r.TLS = &tls.ConnectionState{}
		assert.Equal(t, "https://app.test/a", requestURL(r).String())
	})

	t.Run("host is canonical", func(t *testing.T) {
		r := newRequest(http.MethodGet, "/a", nil)
		r.Host = "App.Test:80"
		assert.Equal(t, "http://app.test/a", requestURL(r).String())

		r = newRequest(http.MethodGet, "/a", map[string]string{"X-Forwarded-Proto": "https"})
		r.Host = "app.test:443"
		assert.Equal(t, "https://app.test/a", requestURL(r).String())

		r = newRequest(http.MethodGet, "/a", nil)
		r.Host = "app.test:8080"
		assert.Equal(t, "http://app.test:8080/a", requestURL(r).String(), "non-default port is kept")

		r = newRequest(http.MethodGet, "HTTP://App.Test:80/a", nil)
		assert.Equal(t, "http://app.test/a", requestURL(r).String())
	})

	t.Run("absolute form drops fragment", func(t *testing.T) {
		r := newRequest(http.MethodGet, "http://app.test/a", nil)
		r.URL.Fragment = "top"
		assert.Equal(t, "http://app.test/a", requestURL(r).String())
	})
}

func TestRequestKey(t *testing.T) {
	r := newRequest(http.MethodGet, "http://app.test/a.css?v=2", nil)
	assert.Equal(t, "GET http://app.test/a.css?v=2", RequestKey(r))

	post := newRequest(http.MethodPost, "http://app.test/a.css?v=2", nil)
	assert.NotEqual(t, RequestKey(r), RequestKey(post))

	assert.Equal(t, "GET http://app.test/x", requestKeyFor("", "http://app.test/x#frag"))

	origin := newRequest(http.MethodGet, "/a.css?v=2", nil)
	origin.Host = "App.Test:80"
	assert.Equal(t, RequestKey(r), RequestKey(origin))
}

func TestCanonicalHost(t *testing.T) {
	tests := []struct {
		scheme, host, want string
	}{
		{"http", "App.Test", "app.test"},
		{"http", "app.test:80", "app.test"},
		{"https", "app.test:443", "app.test"},
		{"http", "app.test:443", "app.test:443"},
		{"https", "app.test:80", "app.test:80"},
		{"http", "app.test:", "app.test"},
		{"http", "[::1]:80", "[::1]"},
		{"http", "[::1]:8080", "[::1]:8080"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, canonicalHost(tt.scheme, tt.host), "%s %s", tt.scheme, tt.host)
	}
}
