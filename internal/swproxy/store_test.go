package swproxy

import (
	"context"
	"fmt"
	"net/http"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func storeFactories() map[string]func(t *testing.T) Store {
	return map[string]func(t *testing.T) Store{
		"memory": func(t *testing.T) Store {
			return newMemoryStore()
		},
		"leveldb": func(t *testing.T) Store {
			st, err := newLevelStore(filepath.Join(t.TempDir(), "db"))
			require.NoError(t, err)
			return st
		},
		"ram+leveldb": func(t *testing.T) Store {
			st, err := newLevelStore(filepath.Join(t.TempDir(), "db"))
			require.NoError(t, err)
			return newRAMStore(st, 1<<20)
		},
	}
}

func TestStore(t *testing.T) {
	for name, open := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			t.Run("get put", func(t *testing.T) { testStoreGetPut(t, open(t)) })
			t.Run("generations are isolated", func(t *testing.T) { testStoreIsolation(t, open(t)) })
			t.Run("delete", func(t *testing.T) { testStoreDelete(t, open(t)) })
			t.Run("names", func(t *testing.T) { testStoreNames(t, open(t)) })
			t.Run("concurrent puts", func(t *testing.T) { testStoreConcurrent(t, open(t)) })
		})
	}
}

func testStoreGetPut(t *testing.T, st Store) {
	defer st.Close()
	ctx := context.Background()
	key := requestKeyFor(http.MethodGet, testOrigin+"/app.css")

	_, ok, err := st.Get(ctx, "v1", key)
	require.NoError(t, err)
	assert.False(t, ok)

	ent := entry(http.StatusOK, "body{}")
	ent.URL = testOrigin + "/app.css"
	require.NoError(t, st.Put(ctx, "v1", key, ent))

	got, ok, err := st.Get(ctx, "v1", key)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, http.StatusOK, got.Status)
	assert.Equal(t, "body{}", string(got.Body))
	assert.Equal(t, "text/plain", got.Header.Get("Content-Type"))
	assert.Equal(t, ent.URL, got.URL)

	// the returned entry is a copy
	got.Body[0] = 'X'
	got.Header.Set("Content-Type", "changed")
	again, _, err := st.Get(ctx, "v1", key)
	require.NoError(t, err)
	assert.Equal(t, "body{}", string(again.Body))
	assert.Equal(t, "text/plain", again.Header.Get("Content-Type"))

	// last write wins
	require.NoError(t, st.Put(ctx, "v1", key, entry(http.StatusOK, "new")))
	got, _, err = st.Get(ctx, "v1", key)
	require.NoError(t, err)
	assert.Equal(t, "new", string(got.Body))
}

func testStoreIsolation(t *testing.T, st Store) {
	defer st.Close()
	ctx := context.Background()
	key := requestKeyFor(http.MethodGet, testOrigin+"/")

	require.NoError(t, st.Put(ctx, "v1", key, entry(http.StatusOK, "one")))
	require.NoError(t, st.Put(ctx, "v10", key, entry(http.StatusOK, "ten")))

	got, ok, err := st.Get(ctx, "v1", key)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "one", string(got.Body))

	_, ok, err = st.Get(ctx, "v2", key)
	require.NoError(t, err)
	assert.False(t, ok)
}

func testStoreDelete(t *testing.T, st Store) {
	defer st.Close()
	ctx := context.Background()
	ents := map[string]CacheEntry{
		requestKeyFor(http.MethodGet, testOrigin+"/"):        entry(http.StatusOK, "home"),
		requestKeyFor(http.MethodGet, testOrigin+"/app.css"): entry(http.StatusOK, "css"),
	}
	require.NoError(t, st.PutAll(ctx, "v1", ents))
	require.NoError(t, st.PutAll(ctx, "v10", ents))

	existed, err := st.Delete(ctx, "v1")
	require.NoError(t, err)
	assert.True(t, existed)

	for key := range ents {
		_, ok, err := st.Get(ctx, "v1", key)
		require.NoError(t, err)
		assert.False(t, ok)

		_, ok, err = st.Get(ctx, "v10", key)
		require.NoError(t, err)
		assert.True(t, ok, "sibling generation must survive")
	}

	existed, err = st.Delete(ctx, "v1")
	require.NoError(t, err)
	assert.False(t, existed)

	names, err := st.Names(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"v10"}, names)
}

func testStoreNames(t *testing.T, st Store) {
	defer st.Close()
	ctx := context.Background()

	names, err := st.Names(ctx)
	require.NoError(t, err)
	assert.Empty(t, names)

	require.NoError(t, st.PutAll(ctx, "b", map[string]CacheEntry{}))
	require.NoError(t, st.Put(ctx, "a", "GET "+testOrigin+"/", entry(http.StatusOK, "x")))

	names, err = st.Names(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, names)
}

func testStoreConcurrent(t *testing.T, st Store) {
	defer st.Close()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			key := requestKeyFor(http.MethodGet, fmt.Sprintf("%s/%d.png", testOrigin, i%5))
			assert.NoError(t, st.Put(ctx, "v1", key, entry(http.StatusOK, fmt.Sprint(i))))
			_, _, err := st.Get(ctx, "v1", key)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	for i := range 5 {
		_, ok, err := st.Get(ctx, "v1", requestKeyFor(http.MethodGet, fmt.Sprintf("%s/%d.png", testOrigin, i)))
		require.NoError(t, err)
		assert.True(t, ok)
	}
}

func TestLevelStore_Reopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "db")
	key := requestKeyFor(http.MethodGet, testOrigin+"/")

	st, err := newLevelStore(path)
	require.NoError(t, err)
	require.NoError(t, st.Put(ctx, "v1", key, entry(http.StatusOK, "home")))
	require.NoError(t, st.Close())

	st, err = newLevelStore(path)
	require.NoError(t, err)
	defer st.Close()

	got, ok, err := st.Get(ctx, "v1", key)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "home", string(got.Body))

	names, err := st.Names(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"v1"}, names)
}

func TestRAMStore_ReadThrough(t *testing.T) {
	ctx := context.Background()
	backing := newMemoryStore()
	key := requestKeyFor(http.MethodGet, testOrigin+"/")
	require.NoError(t, backing.Put(ctx, "v1", key, entry(http.StatusOK, "home")))

	st := newRAMStore(backing, 1<<20)
	assert.Equal(t, 0, st.lru.Len())

	_, ok, err := st.Get(ctx, "v1", key)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 1, st.lru.Len())

	_, err = st.Delete(ctx, "v1")
	require.NoError(t, err)
	assert.Equal(t, 0, st.lru.Len())
	_, ok, err = st.Get(ctx, "v1", key)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRAMStore_FailedWriteNotCached(t *testing.T) {
	ctx := context.Background()
	st := newRAMStore(&faultyStore{Store: newMemoryStore(), putErr: ErrStoreWrite}, 1<<20)

	err := st.Put(ctx, "v1", "GET "+testOrigin+"/", entry(http.StatusOK, "home"))
	require.Error(t, err)
	assert.Equal(t, 0, st.lru.Len())
}

func TestRAMCache_Evicts(t *testing.T) {
	c := newRAMCache(300)
	for i := range 10 {
		c.Put(fmt.Sprintf("k%d", i), entry(http.StatusOK, string(make([]byte, 50))))
	}
	assert.LessOrEqual(t, c.TotalSize(), int64(300))
	_, ok := c.Get("k9")
	assert.True(t, ok, "most recent entry must survive")
	_, ok = c.Get("k0")
	assert.False(t, ok, "oldest entry must be evicted")

	c.Put("huge", entry(http.StatusOK, string(make([]byte, 400))))
	_, ok = c.Get("huge")
	assert.False(t, ok)
}

func TestRAMCache_OversizedReplaceDropsOldCopy(t *testing.T) {
	c := newRAMCache(300)
	c.Put("k", entry(http.StatusOK, "small"))
	_, ok := c.Get("k")
	require.True(t, ok)

	c.Put("k", entry(http.StatusOK, string(make([]byte, 400))))
	_, ok = c.Get("k")
	assert.False(t, ok, "stale copy must not survive an oversized replace")
	assert.Equal(t, 0, c.Len())
	assert.Zero(t, c.TotalSize())
}

func TestRAMStore_OversizedReplaceReadsBackingStore(t *testing.T) {
	ctx := context.Background()
	st := newRAMStore(newMemoryStore(), 300)
	key := requestKeyFor(http.MethodGet, testOrigin+"/big.js")

	require.NoError(t, st.Put(ctx, "v1", key, entry(http.StatusOK, "old")))
	assert.Equal(t, 1, st.lru.Len())

	big := string(make([]byte, 400))
	require.NoError(t, st.Put(ctx, "v1", key, entry(http.StatusOK, big)))

	got, ok, err := st.Get(ctx, "v1", key)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, big, string(got.Body))
	assert.Equal(t, 0, st.lru.Len())
}

func TestOpenStore(t *testing.T) {
	cfg := testConfig(t)
	st, err := OpenStore(cfg)
	require.NoError(t, err)
	assert.IsType(t, &memoryStore{}, st)
	require.NoError(t, st.Close())

	cfg.Storage.Driver = "leveldb"
	cfg.Storage.Path = filepath.Join(t.TempDir(), "db")
	cfg.ramMax = 1 << 20
	st, err = OpenStore(cfg)
	require.NoError(t, err)
	assert.IsType(t, &ramStore{}, st)
	require.NoError(t, st.Close())
}
