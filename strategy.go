package offlineagent

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/always-cache/offline-agent/cache"
	cachekey "github.com/always-cache/offline-agent/pkg/cache-key"
	serializer "github.com/always-cache/offline-agent/pkg/response-serializer"
	"github.com/always-cache/offline-agent/pkg/route"
)

// ErrCacheWrite is returned together with a valid network response that could not be stored.
var ErrCacheWrite = errors.New("could not store response")

// Source tells where a resolved response came from.
type Source string

const (
	SourceNetwork Source = "network"
	SourceCache   Source = "cache"
	// The synthetic offline response of API routes.
	SourceOffline Source = "offline"
	// Nothing could be resolved.
	SourceNone Source = "none"
)

// Resolution is the outcome of a fetch event.
// Snapshot is nil when neither the network nor the bucket had a response.
type Resolution struct {
	Snapshot *serializer.Snapshot
	Source   Source
	Class    route.Class
	Stored   bool
}

var offlineBody = []byte(`{"error":"Offline"}`)

// offlineResponse is served for API requests while the network is unreachable.
func offlineResponse(r *http.Request) serializer.Snapshot {
	return serializer.Snapshot{
		StatusCode: http.StatusOK,
		Header:     http.Header{"Content-Type": {"application/json"}},
		Body:       append([]byte(nil), offlineBody...),
		RequestURI: r.URL.RequestURI(),
		StoredAt:   time.Now(),
	}
}

func handleFetch(ctx context.Context, ev Event, s *Scope) *Task {
	fe := ev.(FetchEvent)
	return Go(ctx, func(ctx context.Context) (any, error) {
		class := s.Classifier.ClassifyRequest(fe.Request)
		var (
			res Resolution
			err error
		)
		switch class {
		case route.API:
			res = networkFirstOffline(ctx, s, fe.Request)
		case route.Navigation:
			res, err = networkFirstWriteThrough(ctx, s, fe.Generation.Bucket(), fe.Request)
		default:
			res, err = cacheFirst(ctx, s, fe.Generation.Bucket(), fe.Request)
		}
		res.Class = class
		s.Metrics.request(class, res.Source)
		return res, err
	})
}

// networkFirstOffline returns the network response, or the synthetic offline
// response when the network is unreachable. It never fails and never caches.
func networkFirstOffline(ctx context.Context, s *Scope, r *http.Request) Resolution {
	snap, err := s.Fetcher.Fetch(ctx, r)
	if err != nil {
		s.Log.Debug().Err(err).Str("url", r.URL.RequestURI()).Msg("API unreachable, serving offline response")
		off := offlineResponse(r)
		return Resolution{Snapshot: &off, Source: SourceOffline}
	}
	return Resolution{Snapshot: &snap, Source: SourceNetwork}
}

// networkFirstWriteThrough stores a copy of every network response before
// returning it. Without network it serves the stored response, if any.
func networkFirstWriteThrough(ctx context.Context, s *Scope, b cache.Bucket, r *http.Request) (Resolution, error) {
	key, err := cachekey.GetKey(r)
	if err != nil {
		return Resolution{Source: SourceNone}, err
	}
	snap, fetchErr := s.Fetcher.Fetch(ctx, r)
	if fetchErr == nil {
		res := Resolution{Snapshot: &snap, Source: SourceNetwork}
		if err := cache.PutSnapshot(b, key, snap.Clone()); err != nil {
			return res, fmt.Errorf("%w: %s: %w", ErrCacheWrite, key, err)
		}
		res.Stored = true
		s.Log.Trace().Str("key", key).Str("bucket", b.Name()).Msg("Stored navigation response")
		return res, nil
	}

	s.Log.Debug().Err(fetchErr).Str("url", r.URL.RequestURI()).Msg("Navigation offline, looking up bucket")
	stored, ok, err := cache.MatchSnapshot(b, key)
	if err != nil {
		return Resolution{Source: SourceNone}, fmt.Errorf("match %s: %w", key, err)
	}
	if !ok {
		return Resolution{Source: SourceNone}, nil
	}
	return Resolution{Snapshot: &stored, Source: SourceCache}, nil
}

// cacheFirst serves stored responses without touching the network.
// On a miss it fetches and stores the response if its status is 200.
func cacheFirst(ctx context.Context, s *Scope, b cache.Bucket, r *http.Request) (Resolution, error) {
	key, err := cachekey.GetKey(r)
	if err != nil {
		return Resolution{Source: SourceNone}, err
	}
	stored, ok, err := cache.MatchSnapshot(b, key)
	if err != nil {
		s.Log.Error().Err(err).Str("key", key).Msg("Could not retrieve from cache")
	} else if ok {
		return Resolution{Snapshot: &stored, Source: SourceCache}, nil
	}

	snap, err := s.Fetcher.Fetch(ctx, r)
	if err != nil {
		return Resolution{Source: SourceNone}, err
	}
	res := Resolution{Snapshot: &snap, Source: SourceNetwork}
	if snap.StatusCode != http.StatusOK {
		return res, nil
	}
	if err := cache.PutSnapshot(b, key, snap.Clone()); err != nil {
		return res, fmt.Errorf("%w: %s: %w", ErrCacheWrite, key, err)
	}
	res.Stored = true
	s.Log.Trace().Str("key", key).Str("bucket", b.Name()).Msg("Stored static response")
	return res, nil
}
