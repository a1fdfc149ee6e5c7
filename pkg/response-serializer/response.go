package serializer

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"
)

const (
	storedAtHeaderName   = "Agent-Stored-At"
	requestURIHeaderName = "Agent-Request-Uri"
)

// Snapshot is an immutable copy of a network response at the moment it was captured.
// The body is held in memory, so a snapshot can be written to a client any number of times.
type Snapshot struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	// Request URI (path and query) of the request that produced the response.
	RequestURI string
	// The value of the clock when the response was received.
	StoredAt time.Time
}

// FromResponse drains and closes the response body and returns a snapshot of it.
func FromResponse(res *http.Response) (Snapshot, error) {
	snap := Snapshot{
		StatusCode: res.StatusCode,
		Header:     cloneHeader(res.Header),
		StoredAt:   time.Now(),
	}
	if res.Request != nil && res.Request.URL != nil {
		snap.RequestURI = res.Request.URL.RequestURI()
	}
	if res.Body != nil {
		defer res.Body.Close()
		body, err := io.ReadAll(res.Body)
		if err != nil {
			return snap, fmt.Errorf("read response body: %w", err)
		}
		snap.Body = body
	}
	// the stored body is re-framed on every write
	snap.Header.Del("Content-Length")
	snap.Header.Del("Transfer-Encoding")
	return snap, nil
}

// Clone returns a deep copy that shares no header map or body buffer with s.
// A copy written to a cache must never alias the copy handed to a client.
func (s Snapshot) Clone() Snapshot {
	c := s
	c.Header = cloneHeader(s.Header)
	if s.Body != nil {
		c.Body = make([]byte, len(s.Body))
		copy(c.Body, s.Body)
	}
	return c
}

// OK reports whether the status is in the 2xx range.
func (s Snapshot) OK() bool {
	return s.StatusCode >= 200 && s.StatusCode < 300
}

// Response builds a fresh *http.Response with its own body reader.
func (s Snapshot) Response(req *http.Request) *http.Response {
	return &http.Response{
		Status:        fmt.Sprintf("%d %s", s.StatusCode, http.StatusText(s.StatusCode)),
		StatusCode:    s.StatusCode,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        cloneHeader(s.Header),
		Body:          io.NopCloser(bytes.NewReader(s.Body)),
		ContentLength: int64(len(s.Body)),
		Request:       req,
	}
}

// WriteTo writes the snapshot to a client.
func (s Snapshot) WriteTo(w http.ResponseWriter) (int64, error) {
	for k, vv := range s.Header {
		for _, v := range vv {
			w.Header().Add(k, v)
		}
	}
	w.Header().Set("Content-Length", strconv.Itoa(len(s.Body)))
	w.WriteHeader(s.StatusCode)
	n, err := w.Write(s.Body)
	return int64(n), err
}

// SnapshotToBytes returns the HTTP/1.1 representation of the snapshot.
// Request URI and storage time travel as extra header fields.
func SnapshotToBytes(s Snapshot) ([]byte, error) {
	res := s.Response(nil)
	res.Header.Set(storedAtHeaderName, strconv.FormatInt(s.StoredAt.UnixNano(), 10))
	if s.RequestURI != "" {
		res.Header.Set(requestURIHeaderName, s.RequestURI)
	}
	buf := &bytes.Buffer{}
	if err := res.Write(buf); err != nil {
		return nil, fmt.Errorf("write response: %w", err)
	}
	return buf.Bytes(), nil
}

// BytesToSnapshot parses bytes produced by SnapshotToBytes.
func BytesToSnapshot(b []byte) (Snapshot, error) {
	res, err := http.ReadResponse(bufio.NewReader(bytes.NewReader(b)), nil)
	if err != nil {
		return Snapshot{}, fmt.Errorf("read stored response: %w", err)
	}
	storedAt, err := strconv.ParseInt(res.Header.Get(storedAtHeaderName), 10, 64)
	if err != nil {
		return Snapshot{}, fmt.Errorf("stored response time: %w", err)
	}
	uri := res.Header.Get(requestURIHeaderName)
	// delete extra headers
	res.Header.Del(storedAtHeaderName)
	res.Header.Del(requestURIHeaderName)

	snap, err := FromResponse(res)
	if err != nil {
		return Snapshot{}, err
	}
	snap.RequestURI = uri
	snap.StoredAt = time.Unix(0, storedAt)
	return snap, nil
}

func cloneHeader(h http.Header) http.Header {
	out := make(http.Header, len(h))
	for k, vs := range h {
		vv := make([]string, len(vs))
		copy(vv, vs)
		out[k] = vv
	}
	return out
}
