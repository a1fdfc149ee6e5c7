package tee

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestSaverRecordsAndTees(t *testing.T) {
	rr := httptest.NewRecorder()
	saver := NewResponseSaver(rr)
	saver.Header().Set("Content-Type", "text/css")
	saver.WriteHeader(http.StatusNotFound)
	saver.Write([]byte("missing"))

	req := httptest.NewRequest("GET", "/app.css", nil)
	snap := saver.Snapshot(req)
	if snap.StatusCode != http.StatusNotFound || string(snap.Body) != "missing" {
		t.Fatalf("Snapshot is %d %s", snap.StatusCode, snap.Body)
	}
	if snap.RequestURI != "/app.css" || snap.Header.Get("Content-Type") != "text/css" {
		t.Fatalf("Snapshot metadata is %s %v", snap.RequestURI, snap.Header)
	}
	if rr.Code != http.StatusNotFound || rr.Body.String() != "missing" {
		t.Fatalf("Underlying writer got %d %s", rr.Code, rr.Body.String())
	}
}

func TestSaverImplicitOK(t *testing.T) {
	saver := NewResponseSaver(nil)
	if saver.StatusCode() != http.StatusOK {
		t.Fatalf("Status is %d", saver.StatusCode())
	}
	saver.Write([]byte("x"))
	if snap := saver.Snapshot(nil); snap.StatusCode != http.StatusOK || string(snap.Body) != "x" {
		t.Fatalf("Snapshot is %d %s", snap.StatusCode, snap.Body)
	}
}
