package swproxy

import (
	"context"
	"sort"
	"strings"
	"sync"

	gocache "github.com/patrickmn/go-cache"
)

// memoryStore keeps generations in process memory. The RWMutex makes
// PutAll and Delete atomic with respect to readers; go-cache only locks
// per call.
type memoryStore struct {
	mu      sync.RWMutex
	entries *gocache.Cache
	gens    *gocache.Cache
}

func newMemoryStore() *memoryStore {
	return &memoryStore{
		entries: gocache.New(gocache.NoExpiration, 0),
		gens:    gocache.New(gocache.NoExpiration, 0),
	}
}

func memKey(gen, key string) string { return gen + keySep + key }

func (s *memoryStore) Get(_ context.Context, gen, key string) (CacheEntry, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.entries.Get(memKey(gen, key))
	if !ok {
		return CacheEntry{}, false, nil
	}
	return v.(CacheEntry).clone(), true, nil
}

func (s *memoryStore) Put(ctx context.Context, gen, key string, ent CacheEntry) error {
	return s.PutAll(ctx, gen, map[string]CacheEntry{key: ent})
}

func (s *memoryStore) PutAll(_ context.Context, gen string, ents map[string]CacheEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gens.Set(gen, struct{}{}, gocache.NoExpiration)
	for key, ent := range ents {
		s.entries.Set(memKey(gen, key), ent.clone(), gocache.NoExpiration)
	}
	return nil
}

func (s *memoryStore) Delete(_ context.Context, gen string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, existed := s.gens.Get(gen)
	s.gens.Delete(gen)
	prefix := gen + keySep
	for k := range s.entries.Items() {
		if strings.HasPrefix(k, prefix) {
			s.entries.Delete(k)
			existed = true
		}
	}
	return existed, nil
}

func (s *memoryStore) Names(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	items := s.gens.Items()
	out := make([]string, 0, len(items))
	for k := range items {
		out = append(out, k)
	}
	sort.Strings(out)
	return out, nil
}

func (s *memoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries.Flush()
	s.gens.Flush()
	return nil
}
