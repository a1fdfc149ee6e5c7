package cache

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"sort"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/rs/zerolog"

	cachekey "github.com/always-cache/offline-agent/pkg/cache-key"
	serializer "github.com/always-cache/offline-agent/pkg/response-serializer"
)

var testLogger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout})

func providers(t *testing.T) map[string]Storage {
	sqlite, err := NewSQLiteStorage(fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_")))
	if err != nil {
		t.Fatal(err)
	}
	level, err := NewLevelDBStorage(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		sqlite.Close()
		level.Close()
	})
	return map[string]Storage{
		"memory":  NewMemStorage(),
		"sqlite":  sqlite,
		"leveldb": level,
	}
}

func TestStorageProviders(t *testing.T) {
	for name, s := range providers(t) {
		t.Run(name, func(t *testing.T) {
			b, err := s.Open("vibetorrent-v1")
			if err != nil {
				t.Fatal(err)
			}
			if err := b.Put("GET:/", []byte("shell")); err != nil {
				t.Fatal(err)
			}
			// open is idempotent and keeps the entries
			again, err := s.Open("vibetorrent-v1")
			if err != nil {
				t.Fatal(err)
			}
			if bts, ok, err := again.Match("GET:/"); err != nil || !ok || string(bts) != "shell" {
				t.Fatalf("Match returned %s %v %v", bts, ok, err)
			}
			if _, ok, err := again.Match("GET:/missing"); err != nil || ok {
				t.Fatalf("Missing key matched: %v %v", ok, err)
			}

			if _, err := s.Open("vibetorrent-v2"); err != nil {
				t.Fatal(err)
			}
			names, err := s.Keys()
			if err != nil {
				t.Fatal(err)
			}
			if len(names) != 2 || names[0] != "vibetorrent-v1" || names[1] != "vibetorrent-v2" {
				t.Fatalf("Bucket names are %v", names)
			}

			if deleted, err := s.Delete("vibetorrent-v1"); err != nil || !deleted {
				t.Fatalf("Delete returned %v %v", deleted, err)
			}
			if deleted, err := s.Delete("vibetorrent-v1"); err != nil || deleted {
				t.Fatalf("Second delete returned %v %v", deleted, err)
			}
			if has, _ := s.Has("vibetorrent-v1"); has {
				t.Fatal("Deleted bucket still exists")
			}
			// a recreated bucket starts empty
			fresh, _ := s.Open("vibetorrent-v1")
			if keys, err := fresh.Keys(); err != nil || len(keys) != 0 {
				t.Fatalf("Recreated bucket has keys %v %v", keys, err)
			}
		})
	}
}

func TestBucketPutAllAndDelete(t *testing.T) {
	for name, s := range providers(t) {
		t.Run(name, func(t *testing.T) {
			b, _ := s.Open("bucket")
			err := b.PutAll([]Entry{
				{Key: "GET:/a", Bytes: []byte("a")},
				{Key: "GET:/b", Bytes: []byte("b")},
			})
			if err != nil {
				t.Fatal(err)
			}
			// last write wins
			b.Put("GET:/a", []byte("a2"))
			if bts, _, _ := b.Match("GET:/a"); string(bts) != "a2" {
				t.Fatalf("Value is %s", bts)
			}
			keys, _ := b.Keys()
			sort.Strings(keys)
			if len(keys) != 2 || keys[0] != "GET:/a" || keys[1] != "GET:/b" {
				t.Fatalf("Keys are %v", keys)
			}
			if ok, err := b.Delete("GET:/a"); err != nil || !ok {
				t.Fatalf("Delete returned %v %v", ok, err)
			}
			if _, ok, _ := b.Match("GET:/a"); ok {
				t.Fatal("Deleted key still matches")
			}
		})
	}
}

type failingDelete struct {
	MemStorage
	fail string
}

func (f failingDelete) Delete(name string) (bool, error) {
	if name == f.fail {
		return false, errors.New("storage unavailable")
	}
	return f.MemStorage.Delete(name)
}

func TestPruneKeepsOnlyCurrent(t *testing.T) {
	s := NewMemStorage()
	m := NewManager(s, "vibetorrent-", testLogger)
	for _, v := range []string{"v1", "v2", "v3"} {
		m.Open(context.Background(), v)
	}
	s.Open("unrelated")

	report, err := m.Prune(context.Background(), "v3")
	if err != nil {
		t.Fatal(err)
	}
	names, _ := s.Keys()
	if len(names) != 1 || names[0] != "vibetorrent-v3" {
		t.Fatalf("Buckets left: %v", names)
	}
	if len(report.Deleted) != 3 || len(report.Failed) != 0 {
		t.Fatalf("Report is %+v", report)
	}
}

func TestPruneFailureIsIsolated(t *testing.T) {
	s := failingDelete{MemStorage: NewMemStorage(), fail: "vibetorrent-v1"}
	m := NewManager(s, "vibetorrent-", testLogger)
	for _, v := range []string{"v1", "v2", "v3"} {
		m.Open(context.Background(), v)
	}

	report, err := m.Prune(context.Background(), "v3")
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := report.Failed["vibetorrent-v1"]; !ok || len(report.Failed) != 1 {
		t.Fatalf("Failed is %v", report.Failed)
	}
	if len(report.Deleted) != 1 || report.Deleted[0] != "vibetorrent-v2" {
		t.Fatalf("Deleted is %v", report.Deleted)
	}
	names, _ := s.Keys()
	if len(names) != 2 {
		t.Fatalf("Buckets left: %v", names)
	}
}

func fakeNetwork(missing string, calls *int32) FetchFunc {
	return func(ctx context.Context, uri string) (serializer.Snapshot, error) {
		atomic.AddInt32(calls, 1)
		status := http.StatusOK
		if uri == missing {
			status = http.StatusNotFound
		}
		return serializer.Snapshot{
			StatusCode: status,
			Header:     http.Header{},
			Body:       []byte("content of " + uri),
		}, nil
	}
}

var manifest = []string{"/", "/index.html", "/manifest.json", "/icon-192.png", "/icon-512.png"}

func TestPopulateStoresManifest(t *testing.T) {
	m := NewManager(NewMemStorage(), "vibetorrent-", testLogger)
	b, _ := m.Open(context.Background(), "v2")
	var calls int32
	if err := m.Populate(context.Background(), b, manifest, fakeNetwork("", &calls)); err != nil {
		t.Fatal(err)
	}
	keys, _ := b.Keys()
	if len(keys) != 5 || calls != 5 {
		t.Fatalf("Keys are %v after %d fetches", keys, calls)
	}
	snap, ok, err := MatchSnapshot(b, cachekey.KeyForURI("/manifest.json"))
	if err != nil || !ok {
		t.Fatalf("Manifest not stored: %v", err)
	}
	if string(snap.Body) != "content of /manifest.json" || snap.RequestURI != "/manifest.json" {
		t.Fatalf("Stored snapshot is %s %s", snap.RequestURI, snap.Body)
	}
}

func TestPopulateIsAllOrNothing(t *testing.T) {
	m := NewManager(NewMemStorage(), "vibetorrent-", testLogger)
	b, _ := m.Open(context.Background(), "v2")
	var calls int32
	err := m.Populate(context.Background(), b, manifest, fakeNetwork("/icon-512.png", &calls))
	if !errors.Is(err, ErrPopulate) {
		t.Fatalf("Error is %v", err)
	}
	if keys, _ := b.Keys(); len(keys) != 0 {
		t.Fatalf("Partially populated: %v", keys)
	}
}
