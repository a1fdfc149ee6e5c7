package cache

import (
	"errors"
	"sort"
	"sync"
	"time"
)

// ErrBucketNotFound is returned when operating on a bucket that was deleted.
var ErrBucketNotFound = errors.New("bucket not found")

// Storage is the runtime-managed store of named buckets.
// It corresponds to a browser's CacheStorage: every agent generation owns one bucket,
// and buckets of superseded generations are deleted by name.
//
// Implementations must be thread-safe!
// Atomicity is only required per single key read, write or delete.
type Storage interface {
	// Open returns the bucket with the given name, creating it if absent.
	Open(name string) (Bucket, error)
	// Has checks if a bucket with the given name exists.
	Has(name string) (bool, error)
	// Keys returns the names of all buckets in creation order.
	Keys() ([]string, error)
	// Delete removes the bucket and all of its entries.
	// It returns false if no such bucket existed.
	Delete(name string) (bool, error)
	// Close releases the underlying resources.
	Close() error
}

// Bucket maps request keys to serialized response snapshots.
type Bucket interface {
	Name() string
	// Match returns the stored bytes for the key.
	// The boolean is false if nothing is stored under the key.
	Match(key string) ([]byte, bool, error)
	// Put stores bytes under the key, replacing any previous value.
	Put(key string, bytes []byte) error
	// PutAll stores all entries or none of them.
	PutAll(entries []Entry) error
	// Delete removes the key, returning false if it was not stored.
	Delete(key string) (bool, error)
	// Keys returns all keys stored in the bucket.
	Keys() ([]string, error)
}

type Entry struct {
	Key      string
	StoredAt time.Time
	Bytes    []byte
}

type memBucket struct {
	name  string
	seq   int
	mutex *sync.RWMutex
	db    map[string]Entry
}

// MemStorage keeps buckets in process memory.
type MemStorage struct {
	mutex   *sync.RWMutex
	buckets map[string]*memBucket
	seq     *int
}

func NewMemStorage() MemStorage {
	return MemStorage{
		mutex:   &sync.RWMutex{},
		buckets: make(map[string]*memBucket),
		seq:     new(int),
	}
}

func (m MemStorage) Open(name string) (Bucket, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if b, ok := m.buckets[name]; ok {
		return b, nil
	}
	*m.seq++
	b := &memBucket{
		name:  name,
		seq:   *m.seq,
		mutex: &sync.RWMutex{},
		db:    make(map[string]Entry),
	}
	m.buckets[name] = b
	return b, nil
}

func (m MemStorage) Has(name string) (bool, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	_, ok := m.buckets[name]
	return ok, nil
}

func (m MemStorage) Keys() ([]string, error) {
	m.mutex.RLock()
	all := make([]*memBucket, 0, len(m.buckets))
	for _, b := range m.buckets {
		all = append(all, b)
	}
	m.mutex.RUnlock()
	sort.Slice(all, func(i, j int) bool {
		return all[i].seq < all[j].seq
	})
	names := make([]string, 0, len(all))
	for _, b := range all {
		names = append(names, b.name)
	}
	return names, nil
}

func (m MemStorage) Delete(name string) (bool, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if _, ok := m.buckets[name]; !ok {
		return false, nil
	}
	delete(m.buckets, name)
	return true, nil
}

func (m MemStorage) Close() error {
	return nil
}

func (b *memBucket) Name() string {
	return b.name
}

func (b *memBucket) Match(key string) ([]byte, bool, error) {
	b.mutex.RLock()
	defer b.mutex.RUnlock()
	entry, ok := b.db[key]
	if !ok {
		return nil, false, nil
	}
	return entry.Bytes, true, nil
}

func (b *memBucket) Put(key string, bytes []byte) error {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	b.db[key] = Entry{Key: key, StoredAt: time.Now(), Bytes: bytes}
	return nil
}

func (b *memBucket) PutAll(entries []Entry) error {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	for _, e := range entries {
		if e.StoredAt.IsZero() {
			e.StoredAt = time.Now()
		}
		b.db[e.Key] = e
	}
	return nil
}

func (b *memBucket) Delete(key string) (bool, error) {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	_, ok := b.db[key]
	delete(b.db, key)
	return ok, nil
}

func (b *memBucket) Keys() ([]string, error) {
	b.mutex.RLock()
	defer b.mutex.RUnlock()
	keys := make([]string, 0, len(b.db))
	for key := range b.db {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys, nil
}
