package offlineagent

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"net/url"

	serializer "github.com/always-cache/offline-agent/pkg/response-serializer"
	tee "github.com/always-cache/offline-agent/pkg/response-writer-tee"
)

// Fetcher performs a request against the network.
// An error means the network could not be reached; any HTTP status is a success.
type Fetcher interface {
	Fetch(ctx context.Context, r *http.Request) (serializer.Snapshot, error)
}

// FetcherFunc adapts a function to the Fetcher interface.
type FetcherFunc func(ctx context.Context, r *http.Request) (serializer.Snapshot, error)

func (f FetcherFunc) Fetch(ctx context.Context, r *http.Request) (serializer.Snapshot, error) {
	return f(ctx, r)
}

// ClientFetcher fetches from the origin server over HTTP.
type ClientFetcher struct {
	client   *http.Client
	director func(*http.Request)
}

// NewClientFetcher returns a fetcher sending requests to origin.
// If host is not empty it is used for the Host header and TLS negotiation.
func NewClientFetcher(origin url.URL, host string) *ClientFetcher {
	hostHeader := origin.Host
	transport := http.DefaultTransport
	if host != "" {
		hostHeader = host
		transport = &http.Transport{
			TLSClientConfig: &tls.Config{
				ServerName: host,
			},
		}
	}
	return &ClientFetcher{
		client: &http.Client{
			Transport: transport,
			// redirects are handed to the view like any other response
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		director: createDirector(origin.Scheme, origin.Host, hostHeader),
	}
}

func (f *ClientFetcher) Fetch(ctx context.Context, r *http.Request) (serializer.Snapshot, error) {
	out := r.Clone(ctx)
	out.RequestURI = ""
	out.URL = &url.URL{Path: r.URL.Path, RawPath: r.URL.RawPath, RawQuery: r.URL.RawQuery}
	f.director(out)
	for _, h := range hopHeaders {
		out.Header.Del(h)
	}
	res, err := f.client.Do(out)
	if err != nil {
		return serializer.Snapshot{}, fmt.Errorf("fetch %s: %w", r.URL.RequestURI(), err)
	}
	snap, err := serializer.FromResponse(res)
	if err != nil {
		return snap, fmt.Errorf("fetch %s: %w", r.URL.RequestURI(), err)
	}
	snap.RequestURI = r.URL.RequestURI()
	return snap, nil
}

// HandlerFetcher fetches by running an in-process handler, e.g. an embedded origin.
type HandlerFetcher struct {
	Handler http.Handler
}

func (f HandlerFetcher) Fetch(ctx context.Context, r *http.Request) (serializer.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return serializer.Snapshot{}, err
	}
	rw := tee.NewResponseSaver(nil)
	f.Handler.ServeHTTP(rw, r.Clone(ctx))
	return rw.Snapshot(r), nil
}

// fetchURI adapts a Fetcher to fetching a manifest entry.
func fetchURI(f Fetcher) func(ctx context.Context, uri string) (serializer.Snapshot, error) {
	return func(ctx context.Context, uri string) (serializer.Snapshot, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
		if err != nil {
			return serializer.Snapshot{}, err
		}
		return f.Fetch(ctx, req)
	}
}

func createDirector(scheme, host, hostHeader string) func(req *http.Request) {
	return func(req *http.Request) {
		req.URL.Scheme = scheme
		req.URL.Host = host
		if hostHeader != "" {
			req.Host = hostHeader
		}
	}
}

// Hop-by-hop headers, removed before forwarding.
var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}
