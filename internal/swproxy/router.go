package swproxy

import (
	"net"
	"net/http"
	"net/url"
	"path"
	"strings"
)

// Class is the routing decision for one intercepted request.
type Class int

const (
	ClassIgnore Class = iota
	ClassNavigate
	ClassAsset
	ClassOther
)

func (c Class) String() string {
	switch c {
	case ClassIgnore:
		return "ignore"
	case ClassNavigate:
		return "navigate"
	case ClassAsset:
		return "asset"
	case ClassOther:
		return "other"
	}
	return "unknown"
}

// Classify decides how a request is handled. Rules are evaluated in order:
// cross-origin requests are ignored, then navigations, then stylesheet,
// script and image loads; everything else is "other".
func Classify(appOrigin *url.URL, r *http.Request) Class {
	if !sameOrigin(requestURL(r), appOrigin) {
		return ClassIgnore
	}
	if isNavigation(r) {
		return ClassNavigate
	}
	switch destination(r) {
	case "style", "script", "image":
		return ClassAsset
	}
	return ClassOther
}

// requestURL reconstructs the absolute URL the page asked for. Absolute-form
// targets (forward proxying) are taken as-is.
func requestURL(r *http.Request) *url.URL {
	if r.URL.IsAbs() {
		u := *r.URL
		u.Scheme = strings.ToLower(u.Scheme)
		u.Host = canonicalHost(u.Scheme, u.Host)
		u.Fragment = ""
		u.RawFragment = ""
		return &u
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	} else if p := r.Header.Get("X-Forwarded-Proto"); p != "" {
		scheme = strings.ToLower(strings.TrimSpace(strings.Split(p, ",")[0]))
	}
	host := r.Host
	if host == "" {
		host = r.URL.Host
	}
	return &url.URL{
		Scheme:   scheme,
		Host:     canonicalHost(scheme, host),
		Path:     r.URL.Path,
		RawPath:  r.URL.RawPath,
		RawQuery: r.URL.RawQuery,
	}
}

// canonicalHost lowercases host and drops the port when it is the scheme's
// default, so http://App.Test:80 and http://app.test key the same.
func canonicalHost(scheme, host string) string {
	host = strings.ToLower(host)
	h, port, err := net.SplitHostPort(host)
	if err != nil {
		return host
	}
	if port == "" || (port == "80" && scheme == "http") || (port == "443" && scheme == "https") {
		if strings.Contains(h, ":") {
			return "[" + h + "]"
		}
		return h
	}
	return host
}

func sameOrigin(u, origin *url.URL) bool {
	if u == nil || origin == nil {
		return false
	}
	if !strings.EqualFold(u.Scheme, origin.Scheme) {
		return false
	}
	return hostWithPort(u) == hostWithPort(origin)
}

func hostWithPort(u *url.URL) string {
	host := strings.ToLower(u.Hostname())
	port := u.Port()
	if port == "" {
		switch strings.ToLower(u.Scheme) {
		case "https":
			port = "443"
		default:
			port = "80"
		}
	}
	return net.JoinHostPort(host, port)
}

func isNavigation(r *http.Request) bool {
	if mode := r.Header.Get("Sec-Fetch-Mode"); mode != "" {
		return strings.EqualFold(mode, "navigate")
	}
	// Clients without fetch metadata: a GET for a document that accepts HTML.
	if r.Method != http.MethodGet {
		return false
	}
	if dest := r.Header.Get("Sec-Fetch-Dest"); dest != "" {
		return strings.EqualFold(dest, "document")
	}
	return strings.Contains(r.Header.Get("Accept"), "text/html")
}

var extDestinations = map[string]string{
	".css":  "style",
	".js":   "script",
	".mjs":  "script",
	".png":  "image",
	".jpg":  "image",
	".jpeg": "image",
	".gif":  "image",
	".svg":  "image",
	".webp": "image",
	".avif": "image",
	".ico":  "image",
}

// destination is the resource kind the page is loading, from
// Sec-Fetch-Dest or, when that is missing, the path extension.
func destination(r *http.Request) string {
	if dest := r.Header.Get("Sec-Fetch-Dest"); dest != "" {
		return strings.ToLower(dest)
	}
	return extDestinations[strings.ToLower(path.Ext(r.URL.Path))]
}
