package offlineagent

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/always-cache/offline-agent/cache"
)

// ErrNotReady is returned when activating a generation whose install did not complete.
var ErrNotReady = errors.New("generation not ready")

type State int

const (
	StateInstalling State = iota
	StateWaiting
	StateActive
	StateSuperseded
	// A generation whose install failed. It never becomes active.
	StateRedundant
)

func (s State) String() string {
	switch s {
	case StateInstalling:
		return "installing"
	case StateWaiting:
		return "waiting"
	case StateActive:
		return "active"
	case StateSuperseded:
		return "superseded"
	case StateRedundant:
		return "redundant"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Generation is one deployed version of the application and its bucket.
type Generation struct {
	Version string

	mu     sync.RWMutex
	state  State
	ready  bool
	bucket cache.Bucket
}

func NewGeneration(version string) *Generation {
	return &Generation{Version: version, state: StateInstalling}
}

func (g *Generation) State() State {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.state
}

// Ready reports whether the generation signalled it may activate.
func (g *Generation) Ready() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.ready
}

func (g *Generation) Bucket() cache.Bucket {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.bucket
}

// SkipWaiting marks the installed generation ready to activate without waiting
// for the previous generation's views to close.
func (g *Generation) SkipWaiting() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.ready = true
	g.state = StateWaiting
}

func (g *Generation) setState(s State) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.state = s
}

func (g *Generation) installed(b cache.Bucket) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.bucket = b
}

// handleInstall opens the generation's bucket and pre-caches the manifest.
// Only a fully populated bucket makes the generation ready.
func handleInstall(ctx context.Context, ev Event, s *Scope) *Task {
	g := ev.(InstallEvent).Generation
	return Go(ctx, func(ctx context.Context) (any, error) {
		log := s.Log.With().Str("version", g.Version).Logger()
		log.Debug().Msg("Installing generation")

		b, err := s.Caches.Open(ctx, g.Version)
		if err != nil {
			g.setState(StateRedundant)
			return g, fmt.Errorf("install %s: %w", g.Version, err)
		}
		if err := s.Caches.Populate(ctx, b, s.Manifest, fetchURI(s.Fetcher)); err != nil {
			g.setState(StateRedundant)
			log.Error().Err(err).Msg("Install failed")
			return g, fmt.Errorf("install %s: %w", g.Version, err)
		}
		g.installed(b)
		g.SkipWaiting()
		log.Info().Int("assets", len(s.Manifest)).Msg("Generation installed")
		return g, nil
	})
}

// handleActivate removes every other generation's bucket and takes control of
// all open views.
func handleActivate(ctx context.Context, ev Event, s *Scope) *Task {
	g := ev.(ActivateEvent).Generation
	return Go(ctx, func(ctx context.Context) (any, error) {
		if !g.Ready() {
			return nil, fmt.Errorf("activate %s: %w", g.Version, ErrNotReady)
		}
		log := s.Log.With().Str("version", g.Version).Logger()
		log.Debug().Msg("Activating generation")

		report, err := s.Caches.Prune(ctx, g.Version)
		if err != nil {
			return report, fmt.Errorf("activate %s: %w", g.Version, err)
		}
		s.Metrics.pruned(report)
		if len(report.Failed) > 0 {
			log.Warn().Int("failed", len(report.Failed)).Msg("Some old buckets could not be deleted")
		}
		if s.Clients != nil {
			if err := s.Clients.Claim(ctx, g.Version); err != nil {
				return report, fmt.Errorf("activate %s: claim views: %w", g.Version, err)
			}
		}
		g.setState(StateActive)
		log.Info().Strs("deleted", report.Deleted).Msg("Generation activated")
		return report, nil
	})
}
