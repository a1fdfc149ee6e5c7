package route

import (
	"net/http/httptest"
	"net/url"
	"testing"
)

func TestClassify(t *testing.T) {
	c := DefaultClassifier()
	tests := []struct {
		url  string
		mode Mode
		want Class
	}{
		{"/api/torrents", "", API},
		{"/api/events", ModeNavigate, API},
		{"/", "", Navigation},
		{"/index.html", ModeNoCORS, Navigation},
		{"/sub/index.html", "", Navigation},
		{"/torrents/abc", ModeNavigate, Navigation},
		{"/pkg/app.js", ModeNoCORS, Static},
		{"/icon-192.png", "", Static},
		{"/apiary.css", "", Static},
		{"", "", Navigation},
	}
	for _, tt := range tests {
		u, _ := url.Parse(tt.url)
		if got := c.Classify(u, tt.mode); got != tt.want {
			t.Errorf("Classify(%q, %q) = %s, want %s", tt.url, tt.mode, got, tt.want)
		}
	}
}

func TestClassifyRequestReadsFetchMode(t *testing.T) {
	c := DefaultClassifier()
	r := httptest.NewRequest("GET", "/settings", nil)
	if got := c.ClassifyRequest(r); got != Static {
		t.Fatalf("Without mode got %s", got)
	}
	r.Header.Set("Sec-Fetch-Mode", "Navigate")
	if got := c.ClassifyRequest(r); got != Navigation {
		t.Fatalf("With navigate mode got %s", got)
	}
}
