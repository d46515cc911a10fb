package swproxy

import (
	"context"
	"hash/crc32"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"go.trai.ch/zerr"
)

// Fetcher performs the network half of a strategy. An error means the
// network could not be reached; any HTTP status is a response.
type Fetcher interface {
	Fetch(ctx context.Context, r *http.Request) (CacheEntry, error)
}

// FetcherFunc adapts a function to Fetcher.
type FetcherFunc func(ctx context.Context, r *http.Request) (CacheEntry, error)

func (f FetcherFunc) Fetch(ctx context.Context, r *http.Request) (CacheEntry, error) {
	return f(ctx, r)
}

// upstreamFetcher forwards requests to the configured upstream server. With
// an empty upstream it requests the absolute URL the page asked for.
type upstreamFetcher struct {
	upstream string
	client   *http.Client
}

func newUpstreamFetcher(upstream string, client *http.Client) *upstreamFetcher {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &upstreamFetcher{upstream: strings.TrimRight(upstream, "/"), client: client}
}

var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

func (f *upstreamFetcher) Fetch(ctx context.Context, r *http.Request) (CacheEntry, error) {
	upstreamURL := f.upstream + r.URL.RequestURI()
	if f.upstream == "" {
		upstreamURL = requestURL(r).String()
	}

	var body io.Reader
	if r.Body != nil && r.Body != http.NoBody {
		body = r.Body
	}
	req, err := http.NewRequestWithContext(ctx, r.Method, upstreamURL, body)
	if err != nil {
		return CacheEntry{}, zerr.With(withKind(ErrNetwork, err), "url", upstreamURL)
	}
	copyHeaders(req.Header, r.Header)
	req.ContentLength = r.ContentLength
	req.Header.Set("Accept-Encoding", "identity")
	if r.Host != "" {
		req.Header.Set("X-Forwarded-Host", r.Host)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return CacheEntry{}, zerr.With(withKind(ErrNetwork, err), "url", upstreamURL)
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return CacheEntry{}, zerr.With(withKind(ErrNetwork, err), "url", upstreamURL)
	}

	ent := CacheEntry{
		Status:   resp.StatusCode,
		Header:   cloneHeader(resp.Header),
		Body:     b,
		StoredAt: time.Now().Unix(),
		Hash32:   crc32.ChecksumIEEE(b),
		URL:      requestURL(r).String(),
	}
	ent.Header.Del("Content-Length")
	for _, h := range hopHeaders {
		ent.Header.Del(h)
	}
	if ent.Header.Get("Content-Type") == "" && len(b) > 0 {
		ent.Header.Set("Content-Type", mimetype.Detect(b).String())
	}
	return ent, nil
}

func copyHeaders(dst, src http.Header) {
	for k, vs := range src {
		if strings.EqualFold(k, "Host") {
			continue
		}
		for _, v := range vs {
			dst.Add(k, v)
		}
	}
	for _, h := range hopHeaders {
		dst.Del(h)
	}
}

func cloneHeader(h http.Header) http.Header {
	out := make(http.Header, len(h))
	for k, vs := range h {
		vv := make([]string, len(vs))
		copy(vv, vs)
		out[k] = vv
	}
	return out
}
