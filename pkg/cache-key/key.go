package cachekey

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

var ErrorMethodNotSupported = fmt.Errorf("Method not supported")

const methodSeparator = ":"

// GetKey returns the bucket key for a request: method and request URI.
// Only GET requests can be stored.
func GetKey(r *http.Request) (string, error) {
	if r.Method != "" && r.Method != http.MethodGet {
		return "", ErrorMethodNotSupported
	}
	return KeyForURI(r.URL.RequestURI()), nil
}

// KeyForURI returns the key a GET request for the given URI would have.
func KeyForURI(uri string) string {
	if uri == "" {
		uri = "/"
	}
	return http.MethodGet + methodSeparator + uri
}

// GetRequestFromKey generates a GET request equal to the one that resulted in the key.
func GetRequestFromKey(key string) (*http.Request, error) {
	method, uri, found := strings.Cut(key, methodSeparator)
	if !found {
		return nil, fmt.Errorf("Malformed key: %s", key)
	}
	if _, err := url.ParseRequestURI(uri); err != nil {
		return nil, fmt.Errorf("Malformed key %s: %w", key, err)
	}
	return http.NewRequest(method, uri, nil)
}
