package offlineagent

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
)

func TestClientFetcher(t *testing.T) {
	var gotHost, gotURI string
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHost = r.Host
		gotURI = r.URL.RequestURI()
		w.Header().Set("Content-Type", "text/plain")
		w.Header().Set("Location", "/elsewhere")
		w.WriteHeader(http.StatusFound)
		w.Write([]byte("moved"))
	}))
	defer origin.Close()
	originURL, _ := url.Parse(origin.URL)

	f := NewClientFetcher(*originURL, "")
	req := httptest.NewRequest("GET", "http://agent.local/torrents?sort=name", nil)
	snap, err := f.Fetch(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	// redirects are not followed
	if snap.StatusCode != http.StatusFound || string(snap.Body) != "moved" {
		t.Fatalf("Snapshot is %d %s", snap.StatusCode, snap.Body)
	}
	if snap.RequestURI != "/torrents?sort=name" || gotURI != "/torrents?sort=name" {
		t.Fatalf("Request URI is %s, origin saw %s", snap.RequestURI, gotURI)
	}
	if gotHost != originURL.Host {
		t.Fatalf("Host is %s", gotHost)
	}
	if snap.Header.Get("Content-Type") != "text/plain" {
		t.Fatalf("Header is %v", snap.Header)
	}
}

func TestClientFetcherNetworkError(t *testing.T) {
	origin := httptest.NewServer(http.NotFoundHandler())
	originURL, _ := url.Parse(origin.URL)
	origin.Close()

	f := NewClientFetcher(*originURL, "")
	if _, err := f.Fetch(context.Background(), httptest.NewRequest("GET", "/", nil)); err == nil {
		t.Fatal("No error for unreachable origin")
	}
}

func TestHandlerFetcher(t *testing.T) {
	f := HandlerFetcher{Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Path", r.URL.Path)
		w.Write([]byte("ok"))
	})}
	snap, err := f.Fetch(context.Background(), httptest.NewRequest("GET", "/a", nil))
	if err != nil {
		t.Fatal(err)
	}
	if snap.StatusCode != http.StatusOK || string(snap.Body) != "ok" || snap.Header.Get("X-Path") != "/a" {
		t.Fatalf("Snapshot is %+v", snap)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := f.Fetch(ctx, httptest.NewRequest("GET", "/a", nil)); err == nil {
		t.Fatal("No error for cancelled context")
	}
}

func TestCacheStatusString(t *testing.T) {
	cs := CacheStatus{}
	cs.Hit()
	if s := cs.String(); s != "OfflineAgent; hit" {
		t.Fatalf("Cache-Status is %s", s)
	}
	cs = CacheStatus{}
	cs.Forward(CacheStatusFwdRequest)
	cs.Detail("offline")
	if s := cs.String(); s != "OfflineAgent; fwd=request; detail=offline" {
		t.Fatalf("Cache-Status is %s", s)
	}
}
