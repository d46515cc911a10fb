package swproxy

import (
	"context"
	"log/slog"
	"net/http"

	"go.trai.ch/zerr"
)

// Strategy is one of the three caching policies.
type Strategy int

const (
	// NetworkFirstOffline: network, then the exact cached request, then the offline page.
	NetworkFirstOffline Strategy = iota + 1
	// CacheFirst: cached copy if present, else network with a refill of the cache.
	CacheFirst
	// NetworkFirst: network, then the exact cached request, else the network error.
	NetworkFirst
)

func (s Strategy) String() string {
	switch s {
	case NetworkFirstOffline:
		return "network-first-offline"
	case CacheFirst:
		return "cache-first"
	case NetworkFirst:
		return "network-first"
	}
	return "none"
}

// StrategyFor maps a request class to its strategy. Ignored requests have none.
func StrategyFor(c Class) (Strategy, bool) {
	switch c {
	case ClassNavigate:
		return NetworkFirstOffline, true
	case ClassAsset:
		return CacheFirst, true
	case ClassOther:
		return NetworkFirst, true
	}
	return 0, false
}

// Source says where a strategy found its response.
type Source string

const (
	SourceNetwork Source = "network"
	SourceCache   Source = "cache"
	SourceOffline Source = "offline"
)

// Executor runs strategies against one cache generation.
type Executor struct {
	Store      Store
	Fetcher    Fetcher
	Generation string
	// OfflineKey is the request key of the offline fallback page.
	OfflineKey string

	Log       *slog.Logger
	refillLog *rateLimitedLogger
}

func (e *Executor) Execute(ctx context.Context, s Strategy, r *http.Request) (CacheEntry, Source, error) {
	switch s {
	case NetworkFirstOffline:
		return e.networkFirstOffline(ctx, r)
	case CacheFirst:
		return e.cacheFirst(ctx, r)
	case NetworkFirst:
		return e.networkFirst(ctx, r)
	}
	return CacheEntry{}, "", zerr.With(zerr.New("unknown strategy"), "strategy", int(s))
}

func (e *Executor) networkFirstOffline(ctx context.Context, r *http.Request) (CacheEntry, Source, error) {
	ent, err := e.Fetcher.Fetch(ctx, r)
	if err == nil {
		return ent, SourceNetwork, nil
	}
	if cached, ok := e.lookup(ctx, RequestKey(r)); ok {
		return cached, SourceCache, nil
	}
	if e.OfflineKey != "" {
		if offline, ok := e.lookup(ctx, e.OfflineKey); ok {
			return offline, SourceOffline, nil
		}
	}
	return CacheEntry{}, "", withKind(ErrNoFallback, err)
}

func (e *Executor) cacheFirst(ctx context.Context, r *http.Request) (CacheEntry, Source, error) {
	key := RequestKey(r)
	if cached, ok := e.lookup(ctx, key); ok {
		return cached, SourceCache, nil
	}
	ent, err := e.Fetcher.Fetch(ctx, r)
	if err != nil {
		return CacheEntry{}, "", withKind(ErrNoFallback, err)
	}
	if ent.ok() {
		// The write outlives a page that goes away mid-request; the store
		// applies it whole or not at all.
		if err := e.Store.Put(context.WithoutCancel(ctx), e.Generation, key, ent); err != nil {
			e.warnRefill("cache refill failed", "key", key, "generation", e.Generation, "error", err)
		}
	}
	return ent, SourceNetwork, nil
}

func (e *Executor) networkFirst(ctx context.Context, r *http.Request) (CacheEntry, Source, error) {
	ent, err := e.Fetcher.Fetch(ctx, r)
	if err == nil {
		return ent, SourceNetwork, nil
	}
	if cached, ok := e.lookup(ctx, RequestKey(r)); ok {
		return cached, SourceCache, nil
	}
	return CacheEntry{}, "", err
}

// lookup treats store read errors as misses.
func (e *Executor) lookup(ctx context.Context, key string) (CacheEntry, bool) {
	ent, ok, err := e.Store.Get(ctx, e.Generation, key)
	if err != nil {
		e.logger().Warn("cache lookup failed", "key", key, "generation", e.Generation, "error", err)
		return CacheEntry{}, false
	}
	return ent, ok
}

func (e *Executor) warnRefill(msg string, args ...any) {
	if e.refillLog != nil {
		e.refillLog.Warn(msg, args...)
		return
	}
	e.logger().Warn(msg, args...)
}

func (e *Executor) logger() *slog.Logger {
	if e.Log != nil {
		return e.Log
	}
	return slog.Default()
}
