package cache

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// Key layout:
//
//	b:<bucket>               -> created at (unix nanos, big endian)
//	e:<bucket>\x00<key>      -> stored at (8 bytes) + snapshot bytes
const (
	bucketPrefix = "b:"
	entryPrefix  = "e:"
	keySep       = "\x00"
)

type LevelDBStorage struct {
	db *leveldb.DB
	mu *sync.Mutex
}

func NewLevelDBStorage(path string) (LevelDBStorage, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return LevelDBStorage{}, fmt.Errorf("open leveldb %s: %w", path, err)
	}
	return LevelDBStorage{db: db, mu: &sync.Mutex{}}, nil
}

func (d LevelDBStorage) Open(name string) (Bucket, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	ok, err := d.db.Has([]byte(bucketPrefix+name), nil)
	if err != nil {
		return nil, err
	}
	if !ok {
		if err := d.db.Put([]byte(bucketPrefix+name), encodeNanos(time.Now()), nil); err != nil {
			return nil, err
		}
	}
	return levelBucket{name: name, d: d}, nil
}

func (d LevelDBStorage) Has(name string) (bool, error) {
	return d.db.Has([]byte(bucketPrefix+name), nil)
}

func (d LevelDBStorage) Keys() ([]string, error) {
	it := d.db.NewIterator(util.BytesPrefix([]byte(bucketPrefix)), nil)
	defer it.Release()

	type named struct {
		name    string
		created int64
	}
	all := make([]named, 0)
	for it.Next() {
		all = append(all, named{
			name:    string(bytes.TrimPrefix(it.Key(), []byte(bucketPrefix))),
			created: decodeNanos(it.Value()),
		})
	}
	if err := it.Error(); err != nil {
		return nil, err
	}
	sort.SliceStable(all, func(i, j int) bool {
		return all[i].created < all[j].created
	})
	names := make([]string, 0, len(all))
	for _, n := range all {
		names = append(names, n.name)
	}
	return names, nil
}

func (d LevelDBStorage) Delete(name string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	ok, err := d.db.Has([]byte(bucketPrefix+name), nil)
	if err != nil || !ok {
		return false, err
	}
	batch := new(leveldb.Batch)
	it := d.db.NewIterator(util.BytesPrefix([]byte(entryPrefix+name+keySep)), nil)
	for it.Next() {
		batch.Delete(append([]byte(nil), it.Key()...))
	}
	it.Release()
	if err := it.Error(); err != nil {
		return false, err
	}
	batch.Delete([]byte(bucketPrefix + name))
	if err := d.db.Write(batch, nil); err != nil {
		return false, err
	}
	return true, nil
}

func (d LevelDBStorage) Close() error {
	return d.db.Close()
}

type levelBucket struct {
	name string
	d    LevelDBStorage
}

func (b levelBucket) entryKey(key string) []byte {
	return []byte(entryPrefix + b.name + keySep + key)
}

func (b levelBucket) Name() string {
	return b.name
}

func (b levelBucket) Match(key string) ([]byte, bool, error) {
	v, err := b.d.db.Get(b.entryKey(key), nil)
	if err == leveldb.ErrNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	if len(v) < 8 {
		return nil, false, fmt.Errorf("corrupt entry %s in %s", key, b.name)
	}
	return v[8:], true, nil
}

func (b levelBucket) Put(key string, bytes []byte) error {
	return b.PutAll([]Entry{{Key: key, Bytes: bytes}})
}

func (b levelBucket) PutAll(entries []Entry) error {
	b.d.mu.Lock()
	defer b.d.mu.Unlock()
	ok, err := b.d.db.Has([]byte(bucketPrefix+b.name), nil)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%s: %w", b.name, ErrBucketNotFound)
	}
	batch := new(leveldb.Batch)
	for _, e := range entries {
		storedAt := e.StoredAt
		if storedAt.IsZero() {
			storedAt = time.Now()
		}
		batch.Put(b.entryKey(e.Key), append(encodeNanos(storedAt), e.Bytes...))
	}
	return b.d.db.Write(batch, nil)
}

func (b levelBucket) Delete(key string) (bool, error) {
	ok, err := b.d.db.Has(b.entryKey(key), nil)
	if err != nil || !ok {
		return false, err
	}
	return true, b.d.db.Delete(b.entryKey(key), nil)
}

func (b levelBucket) Keys() ([]string, error) {
	prefix := []byte(entryPrefix + b.name + keySep)
	it := b.d.db.NewIterator(util.BytesPrefix(prefix), nil)
	defer it.Release()
	keys := make([]string, 0)
	for it.Next() {
		keys = append(keys, string(bytes.TrimPrefix(it.Key(), prefix)))
	}
	return keys, it.Error()
}

func encodeNanos(t time.Time) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(t.UnixNano()))
	return b
}

func decodeNanos(b []byte) int64 {
	if len(b) < 8 {
		return 0
	}
	return int64(binary.BigEndian.Uint64(b[:8]))
}
