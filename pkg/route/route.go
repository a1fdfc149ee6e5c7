// Package route classifies intercepted requests by URL shape.
package route

import (
	"net/http"
	"net/url"
	"strings"
)

type Class int

const (
	Static Class = iota
	API
	Navigation
)

func (c Class) String() string {
	switch c {
	case API:
		return "api"
	case Navigation:
		return "navigation"
	default:
		return "static"
	}
}

// Mode is the fetch mode of a request, as sent by browsers in Sec-Fetch-Mode.
type Mode string

const (
	ModeNavigate   Mode = "navigate"
	ModeCORS       Mode = "cors"
	ModeNoCORS     Mode = "no-cors"
	ModeSameOrigin Mode = "same-origin"
)

// ModeOf returns the fetch mode of the request, or "" if the client did not send one.
func ModeOf(r *http.Request) Mode {
	return Mode(strings.ToLower(strings.TrimSpace(r.Header.Get("Sec-Fetch-Mode"))))
}

type Classifier struct {
	// Paths starting with any of these never touch the cache.
	APIPrefixes []string
	// Paths ending with any of these are app shell documents.
	EntryDocuments []string
}

func DefaultClassifier() Classifier {
	return Classifier{
		APIPrefixes:    []string{"/api/"},
		EntryDocuments: []string{"index.html"},
	}
}

// Classify maps a request URL and mode to a handling class.
// API wins over navigation: a top-level load of an API URL still never touches the cache.
func (c Classifier) Classify(u *url.URL, mode Mode) Class {
	path := "/"
	if u != nil && u.Path != "" {
		path = u.Path
	}
	for _, prefix := range c.APIPrefixes {
		if prefix != "" && strings.HasPrefix(path, prefix) {
			return API
		}
	}
	if mode == ModeNavigate || path == "/" {
		return Navigation
	}
	for _, doc := range c.EntryDocuments {
		if doc != "" && strings.HasSuffix(path, doc) {
			return Navigation
		}
	}
	return Static
}

// ClassifyRequest classifies an incoming request.
func (c Classifier) ClassifyRequest(r *http.Request) Class {
	return c.Classify(r.URL, ModeOf(r))
}
