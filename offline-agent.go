// Package offlineagent is an offline-capable caching proxy for a single-page app.
//
// Requests are classified by URL shape and served by one of three strategies:
// API routes are fetched from the network with a synthetic offline fallback,
// navigations are fetched from the network and written through to the cache,
// static assets are served from the cache first. Cached responses live in a
// bucket per deployed generation; activating a generation deletes all others.
package offlineagent

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/always-cache/offline-agent/cache"
	"github.com/always-cache/offline-agent/clients"
	"github.com/always-cache/offline-agent/notify"
	"github.com/always-cache/offline-agent/pkg/route"
)

type Config struct {
	// Storage for cache buckets.
	Storage cache.Storage
	// URL of the origin server.
	// Origins with paths are not supported.
	OriginURL url.URL
	// Hostname to use for HTTP requests and TLS negotiation.
	// Use if needed if e.g. the origin URL is just an IP address.
	OriginHost string
	// In-process origin. Takes precedence over OriginURL.
	Origin http.Handler
	// Optional fetcher replacing the one derived from the origin.
	Fetcher Fetcher
	// Bucket name prefix, DefaultPrefix if empty.
	Prefix string
	// Paths pre-cached at install, DefaultManifest if nil.
	Manifest []string
	// DefaultClassifier if nil.
	Classifier *route.Classifier
	// Open views. A new hub is created if nil.
	Clients *clients.Hub
	// Notification defaults, notify.DefaultDefaults if nil.
	Notifications *notify.Defaults
	// Optional metrics.
	Metrics *Metrics
	// Logger to use. A console logger is used if nil.
	Logger *zerolog.Logger
}

type Agent struct {
	scope       *Scope
	dispatcher  *Dispatcher
	passthrough http.Handler
	log         zerolog.Logger

	active atomic.Pointer[Generation]
	// serializes deploys
	deployMu sync.Mutex
}

// CreateAgent initializes the agent. No generation is active until Deploy succeeds,
// so until then every request goes straight to the origin.
func CreateAgent(config Config) (*Agent, error) {
	if config.Storage == nil {
		return nil, fmt.Errorf("storage required")
	}
	if config.Origin == nil && config.OriginURL.Host == "" {
		return nil, fmt.Errorf("origin required")
	}

	// use console logger if not specified in config
	var logger zerolog.Logger
	if config.Logger == nil {
		logger = zerolog.New(zerolog.NewConsoleWriter())
	} else {
		logger = *config.Logger
	}

	// create a child logger and add defaults
	origin := config.OriginURL.String()
	if config.Origin != nil {
		origin = "in-process"
	}
	logger = logger.With().
		Str("origin", origin).
		Logger()

	a := &Agent{log: logger}

	fetcher := config.Fetcher
	if config.Origin != nil {
		a.passthrough = config.Origin
		if fetcher == nil {
			fetcher = HandlerFetcher{Handler: config.Origin}
		}
	} else {
		a.passthrough = createReverseProxy(config.OriginURL, config.OriginHost)
		if fetcher == nil {
			fetcher = NewClientFetcher(config.OriginURL, config.OriginHost)
		}
	}

	prefix := config.Prefix
	if prefix == "" {
		prefix = DefaultPrefix
	}
	manifest := config.Manifest
	if manifest == nil {
		manifest = DefaultManifest
	}
	classifier := route.DefaultClassifier()
	if config.Classifier != nil {
		classifier = *config.Classifier
	}
	hub := config.Clients
	if hub == nil {
		hub = clients.NewHub(logger)
	}
	defaults := notify.DefaultDefaults()
	if config.Notifications != nil {
		defaults = *config.Notifications
	}

	a.scope = &Scope{
		Caches:     cache.NewManager(config.Storage, prefix, logger),
		Manifest:   manifest,
		Classifier: classifier,
		Fetcher:    fetcher,
		Clients:    hub,
		Notifications: &notify.Dispatcher{
			Displayer: notify.ViewDisplayer{Hub: hub},
			Windows:   hub,
			Defaults:  defaults,
			Log:       logger,
		},
		Metrics: config.Metrics,
		Log:     logger,
	}
	a.dispatcher = NewDispatcher(a.scope)
	return a, nil
}

// Deploy installs and activates a new generation.
// If install fails the previously active generation keeps serving.
// Cancelling ctx only aborts the install; activation always runs to completion.
func (a *Agent) Deploy(ctx context.Context, version string) (*Generation, error) {
	a.deployMu.Lock()
	defer a.deployMu.Unlock()

	if current := a.active.Load(); current != nil && current.Version == version {
		return current, nil
	}
	g := NewGeneration(version)
	if _, err := a.dispatcher.Dispatch(ctx, InstallEvent{Generation: g}); err != nil {
		a.scope.Metrics.generation("redundant")
		return g, err
	}
	// activation deletes the other buckets, so once started it must finish
	// and the swap must happen even if the caller has gone away
	if _, err := a.dispatcher.Dispatch(context.WithoutCancel(ctx), ActivateEvent{Generation: g}); err != nil {
		return g, err
	}
	if prev := a.active.Swap(g); prev != nil {
		prev.setState(StateSuperseded)
	}
	a.scope.Metrics.generation("activated")
	return g, nil
}

// Active returns the active generation, or nil before the first deploy.
func (a *Agent) Active() *Generation {
	return a.active.Load()
}

func (a *Agent) Dispatcher() *Dispatcher {
	return a.dispatcher
}

func (a *Agent) Clients() *clients.Hub {
	return a.scope.Clients
}

func (a *Agent) Caches() *cache.Manager {
	return a.scope.Caches
}

// ServeHTTP implements the http.Handler interface.
func (a *Agent) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		a.forward(w, r, CacheStatusFwdMethod)
		return
	}
	gen := a.active.Load()
	if gen == nil {
		a.forward(w, r, CacheStatusFwdBypass)
		return
	}

	v, err := a.dispatcher.Dispatch(r.Context(), FetchEvent{Request: r, Generation: gen})
	res, _ := v.(Resolution)
	if errors.Is(err, ErrCacheWrite) {
		a.log.Error().Err(err).Str("url", r.URL.RequestURI()).Msg("Could not write cache")
		a.scope.Metrics.cacheWriteError()
		err = nil
	}

	cs := CacheStatus{}
	switch res.Source {
	case SourceCache:
		cs.Hit()
	case SourceNetwork:
		if res.Class == route.Static {
			cs.Forward(CacheStatusFwdUriMiss)
		} else {
			cs.Forward(CacheStatusFwdRequest)
		}
		if res.Stored {
			cs.Stored()
		}
	default:
		cs.Forward(CacheStatusFwdRequest)
		cs.Detail(string(res.Source))
	}

	if res.Snapshot == nil {
		status := http.StatusGatewayTimeout
		if err != nil {
			a.log.Error().Err(err).Str("url", r.URL.RequestURI()).Msg("Could not resolve request")
			status = http.StatusBadGateway
			if res.Class != route.Static {
				status = http.StatusInternalServerError
			}
		}
		w.Header().Set("Cache-Status", cs.String())
		http.Error(w, http.StatusText(status), status)
		a.logRequest(r, res, &cs)
		return
	}

	w.Header().Set("Cache-Status", cs.String())
	bytesWritten, err := res.Snapshot.WriteTo(w)
	if err != nil {
		a.log.Error().Err(err).Msg("Could not write response body to client")
	}
	a.logRequest(r, res, &cs)
	a.log.Trace().Msgf("Wrote body (%d bytes)", bytesWritten)
}

func (a *Agent) forward(w http.ResponseWriter, r *http.Request, reason CacheStatusFwdReason) {
	a.log.Trace().Msgf("proxying %s", r.URL.String())
	cs := CacheStatus{}
	cs.Forward(reason)
	w.Header().Set("Cache-Status", cs.String())
	a.passthrough.ServeHTTP(w, r)
	a.logRequest(r, Resolution{Source: SourceNetwork, Class: a.scope.Classifier.ClassifyRequest(r)}, &cs)
}

func createReverseProxy(origin url.URL, originHost string) *httputil.ReverseProxy {
	hostHeader := origin.Host
	transport := http.DefaultTransport
	if originHost != "" {
		hostHeader = originHost
		transport = &http.Transport{
			TLSClientConfig: &tls.Config{
				ServerName: originHost,
			},
		}
	}
	return &httputil.ReverseProxy{
		Director:  createDirector(origin.Scheme, origin.Host, hostHeader),
		Transport: transport,
	}
}

func (a *Agent) logRequest(r *http.Request, res Resolution, cs *CacheStatus) {
	a.log.Debug().
		Str("method", r.Method).
		Str("url", r.URL.String()).
		Str("sourceIp", getRequestSourceIp(r)).
		Str("class", res.Class.String()).
		Str("source", string(res.Source)).
		Str("status", string(cs.status)).
		Str("fwd", string(cs.fwdReason)).
		Bool("stored", cs.stored).
		Msg("Sending response to client")
}

func getRequestSourceIp(r *http.Request) string {
	// RemoteAddr is in the format:
	// 1.2.3.4:10000 for ipv4
	// [1:2:3]:10000 for ipv6
	ipAndPort := r.RemoteAddr
	portSepIdx := strings.LastIndex(ipAndPort, ":")
	// if not found, return
	if portSepIdx < 0 {
		return ipAndPort
	}
	ip := ipAndPort[:portSepIdx]
	return ip
}
