package swproxy

import (
	"context"
	"net/http"
	"strings"
)

// Store is the generation-namespaced cache. Every write is atomic per call:
// either all entries of a Put/PutAll become visible or none do. Concurrent
// writers to the same key race with last-write-wins.
type Store interface {
	Get(ctx context.Context, gen, key string) (CacheEntry, bool, error)
	Put(ctx context.Context, gen, key string, ent CacheEntry) error
	PutAll(ctx context.Context, gen string, ents map[string]CacheEntry) error
	// Delete removes a generation with all of its entries. It reports whether
	// the generation existed.
	Delete(ctx context.Context, gen string) (bool, error)
	// Names lists generation names in ascending order.
	Names(ctx context.Context) ([]string, error)
	Close() error
}

// RequestKey derives the cache key for a request: method and absolute URL
// without fragment.
func RequestKey(r *http.Request) string {
	return requestKeyFor(r.Method, requestURL(r).String())
}

func requestKeyFor(method, absURL string) string {
	if method == "" {
		method = http.MethodGet
	}
	if i := strings.IndexByte(absURL, '#'); i >= 0 {
		absURL = absURL[:i]
	}
	return method + " " + absURL
}

// OpenStore opens the store selected by the storage section, wrapped in the
// RAM tier when storage.ram.max is set.
func OpenStore(cfg Config) (Store, error) {
	var st Store
	switch cfg.Storage.Driver {
	case "memory":
		st = newMemoryStore()
	default:
		ls, err := newLevelStore(cfg.Storage.Path)
		if err != nil {
			return nil, err
		}
		st = ls
	}
	if cfg.ramMax > 0 {
		st = newRAMStore(st, cfg.ramMax)
	}
	return st, nil
}
