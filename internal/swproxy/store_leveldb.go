package swproxy

import (
	"bytes"
	"context"
	"encoding/gob"
	"errors"
	"net/http"
	"sort"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
	"go.trai.ch/zerr"
)

// Key layout:
//
//	g:<gen>             generation marker
//	e:<gen>\x00<key>    gob-encoded CacheEntry
const (
	genPrefix   = "g:"
	entryPrefix = "e:"
	keySep      = "\x00"
)

type levelStore struct {
	db *leveldb.DB
}

func newLevelStore(path string) (*levelStore, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, zerr.With(zerr.Wrap(err, "open leveldb"), "path", path)
	}
	return &levelStore{db: db}, nil
}

func genKey(gen string) []byte { return []byte(genPrefix + gen) }

func entryKey(gen, key string) []byte { return []byte(entryPrefix + gen + keySep + key) }

func (s *levelStore) Get(_ context.Context, gen, key string) (CacheEntry, bool, error) {
	b, err := s.db.Get(entryKey(gen, key), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return CacheEntry{}, false, nil
	}
	if err != nil {
		return CacheEntry{}, false, withKind(ErrStoreRead, err)
	}
	var ent CacheEntry
	if err := decodeGob(b, &ent); err != nil {
		return CacheEntry{}, false, withKind(ErrStoreRead, err)
	}
	return ent, true, nil
}

func (s *levelStore) Put(ctx context.Context, gen, key string, ent CacheEntry) error {
	return s.PutAll(ctx, gen, map[string]CacheEntry{key: ent})
}

// PutAll writes the marker and every entry in one leveldb batch.
func (s *levelStore) PutAll(_ context.Context, gen string, ents map[string]CacheEntry) error {
	batch := new(leveldb.Batch)
	batch.Put(genKey(gen), nil)
	for key, ent := range ents {
		b, err := encodeGob(ent)
		if err != nil {
			return zerr.With(withKind(ErrStoreWrite, err), "key", key)
		}
		batch.Put(entryKey(gen, key), b)
	}
	if err := s.db.Write(batch, nil); err != nil {
		return zerr.With(withKind(ErrStoreWrite, err), "generation", gen)
	}
	return nil
}

func (s *levelStore) Delete(_ context.Context, gen string) (bool, error) {
	existed, err := s.db.Has(genKey(gen), nil)
	if err != nil {
		return false, zerr.With(withKind(ErrStoreDelete, err), "generation", gen)
	}

	batch := new(leveldb.Batch)
	batch.Delete(genKey(gen))

	it := s.db.NewIterator(util.BytesPrefix([]byte(entryPrefix+gen+keySep)), nil)
	for it.Next() {
		existed = true
		batch.Delete(append([]byte(nil), it.Key()...))
	}
	it.Release()
	if err := it.Error(); err != nil {
		return false, zerr.With(withKind(ErrStoreDelete, err), "generation", gen)
	}

	if err := s.db.Write(batch, nil); err != nil {
		return false, zerr.With(withKind(ErrStoreDelete, err), "generation", gen)
	}
	return existed, nil
}

func (s *levelStore) Names(_ context.Context) ([]string, error) {
	it := s.db.NewIterator(util.BytesPrefix([]byte(genPrefix)), nil)
	defer it.Release()

	var out []string
	for it.Next() {
		out = append(out, string(bytes.TrimPrefix(it.Key(), []byte(genPrefix))))
	}
	if err := it.Error(); err != nil {
		return nil, err
	}
	sort.Strings(out)
	return out, nil
}

func (s *levelStore) Close() error {
	return s.db.Close()
}

// ---- encoding ----

func encodeGob(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := gob.NewEncoder(&buf)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeGob(b []byte, v any) error {
	dec := gob.NewDecoder(bytes.NewReader(b))
	return dec.Decode(v)
}

func init() {
	gob.Register(http.Header{})
}
