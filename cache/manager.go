package cache

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	cachekey "github.com/always-cache/offline-agent/pkg/cache-key"
	serializer "github.com/always-cache/offline-agent/pkg/response-serializer"
)

// ErrPopulate is returned when a manifest entry could not be fetched.
var ErrPopulate = errors.New("populate failed")

// FetchFunc fetches the given request URI from the network.
type FetchFunc func(ctx context.Context, uri string) (serializer.Snapshot, error)

// Manager opens, populates and prunes the versioned buckets of one storage.
type Manager struct {
	storage Storage
	prefix  string
	log     zerolog.Logger
}

// PruneReport lists the outcome of a prune, per bucket name.
type PruneReport struct {
	Deleted []string
	Failed  map[string]error
}

func NewManager(storage Storage, prefix string, logger zerolog.Logger) *Manager {
	return &Manager{
		storage: storage,
		prefix:  prefix,
		log:     logger,
	}
}

// BucketName returns the bucket name of a version, e.g. "vibetorrent-v2".
func (m *Manager) BucketName(version string) string {
	return m.prefix + version
}

// Storage returns the underlying bucket storage.
func (m *Manager) Storage() Storage {
	return m.storage
}

// Open returns the bucket of the given version, creating it if needed.
func (m *Manager) Open(ctx context.Context, version string) (Bucket, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	name := m.BucketName(version)
	b, err := m.storage.Open(name)
	if err != nil {
		return nil, fmt.Errorf("open bucket %s: %w", name, err)
	}
	m.log.Trace().Str("bucket", name).Msg("Opened bucket")
	return b, nil
}

// Prune deletes every bucket except the one of the current version.
// Deletions run concurrently and all of them settle before Prune returns.
// A failed deletion is reported but does not stop the others.
func (m *Manager) Prune(ctx context.Context, currentVersion string) (PruneReport, error) {
	report := PruneReport{Failed: map[string]error{}}
	names, err := m.storage.Keys()
	if err != nil {
		return report, fmt.Errorf("list buckets: %w", err)
	}
	current := m.BucketName(currentVersion)

	results := make([]error, len(names))
	g := errgroup.Group{}
	for i, name := range names {
		if name == current {
			continue
		}
		i, name := i, name
		g.Go(func() error {
			m.log.Debug().Str("bucket", name).Msg("Deleting old bucket")
			if _, err := m.storage.Delete(name); err != nil {
				results[i] = err
			}
			return nil
		})
	}
	g.Wait()

	for i, name := range names {
		if name == current {
			continue
		}
		if results[i] != nil {
			m.log.Error().Err(results[i]).Str("bucket", name).Msg("Could not delete old bucket")
			report.Failed[name] = results[i]
			continue
		}
		report.Deleted = append(report.Deleted, name)
	}
	return report, nil
}

// Populate fetches every manifest entry and stores all of them in the bucket.
// If any fetch fails or returns a non-2xx status, nothing is stored.
func (m *Manager) Populate(ctx context.Context, b Bucket, manifest []string, fetch FetchFunc) error {
	entries := make([]Entry, len(manifest))
	g, gctx := errgroup.WithContext(ctx)
	for i, uri := range manifest {
		i, uri := i, uri
		g.Go(func() error {
			snap, err := fetch(gctx, uri)
			if err != nil {
				return fmt.Errorf("%w: %s: %v", ErrPopulate, uri, err)
			}
			if !snap.OK() {
				return fmt.Errorf("%w: %s: status %d", ErrPopulate, uri, snap.StatusCode)
			}
			if snap.RequestURI == "" {
				snap.RequestURI = uri
			}
			bts, err := serializer.SnapshotToBytes(snap)
			if err != nil {
				return err
			}
			entries[i] = Entry{Key: cachekey.KeyForURI(uri), StoredAt: snap.StoredAt, Bytes: bts}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	if err := b.PutAll(entries); err != nil {
		return fmt.Errorf("store manifest in %s: %w", b.Name(), err)
	}
	m.log.Debug().Str("bucket", b.Name()).Int("entries", len(entries)).Msg("Populated bucket")
	return nil
}

// MatchSnapshot returns the snapshot stored under the key.
func MatchSnapshot(b Bucket, key string) (serializer.Snapshot, bool, error) {
	bts, ok, err := b.Match(key)
	if err != nil || !ok {
		return serializer.Snapshot{}, false, err
	}
	snap, err := serializer.BytesToSnapshot(bts)
	if err != nil {
		return serializer.Snapshot{}, false, err
	}
	return snap, true, nil
}

// PutSnapshot stores the snapshot under the key.
func PutSnapshot(b Bucket, key string, snap serializer.Snapshot) error {
	bts, err := serializer.SnapshotToBytes(snap)
	if err != nil {
		return err
	}
	return b.Put(key, bts)
}
