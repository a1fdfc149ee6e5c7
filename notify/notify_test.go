package notify

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/always-cache/offline-agent/clients"
)

type fakeDisplay struct {
	shown  []Descriptor
	closed []string
}

func (f *fakeDisplay) ShowNotification(ctx context.Context, title string, opts Options) error {
	f.shown = append(f.shown, Descriptor{Title: title, Options: opts})
	return nil
}

func (f *fakeDisplay) CloseNotification(ctx context.Context, tag string) error {
	f.closed = append(f.closed, tag)
	return nil
}

type fakeWindows struct {
	views   []clients.Client
	focused []string
	opened  []string
}

func (f *fakeWindows) MatchAll(ctx context.Context, opts clients.MatchOptions) ([]clients.Client, error) {
	if !opts.IncludeUncontrolled {
		return nil, errors.New("uncontrolled views must be included")
	}
	return f.views, nil
}

func (f *fakeWindows) Focus(ctx context.Context, id string) (clients.Client, error) {
	f.focused = append(f.focused, id)
	for _, v := range f.views {
		if v.ID == id {
			return v, nil
		}
	}
	return clients.Client{}, clients.ErrNotFound
}

func (f *fakeWindows) OpenWindow(ctx context.Context, url string) (clients.Client, error) {
	f.opened = append(f.opened, url)
	return clients.Client{ID: "new", URL: url}, nil
}

func TestEmptyPayloadUsesDefaults(t *testing.T) {
	now := time.UnixMilli(1700000000000)
	for _, data := range []string{"{}", "", "not json", `["array"]`} {
		desc := Describe(Decode([]byte(data)), DefaultDefaults(), now)
		if desc.Title != "VibeTorrent" || desc.Options.Body != "New notification" {
			t.Fatalf("Payload %q gave %+v", data, desc)
		}
		if desc.Options.Tag != "vibetorrent-notification" || desc.Options.Data.URL != "/" {
			t.Fatalf("Payload %q gave %+v", data, desc.Options)
		}
		if desc.Options.Icon != "/icon-192.png" || desc.Options.Badge != "/icon-192.png" {
			t.Fatalf("Payload %q gave icons %+v", data, desc.Options)
		}
		if desc.Options.RequireInteraction || desc.Options.Data.Timestamp != now.UnixMilli() {
			t.Fatalf("Payload %q gave %+v", data, desc.Options)
		}
	}
}

func TestPayloadFieldsWin(t *testing.T) {
	data := `{"title":"Done","message":"ubuntu.iso finished","tag":"torrent","url":"/torrents/abc"}`
	desc := Describe(Decode([]byte(data)), DefaultDefaults(), time.Now())
	if desc.Title != "Done" || desc.Options.Body != "ubuntu.iso finished" {
		t.Fatalf("Descriptor is %+v", desc)
	}
	if desc.Options.Tag != "torrent" || desc.Options.Data.URL != "/torrents/abc" {
		t.Fatalf("Options are %+v", desc.Options)
	}

	// body takes precedence over message
	desc = Describe(Decode([]byte(`{"body":"b","message":"m"}`)), DefaultDefaults(), time.Now())
	if desc.Options.Body != "b" {
		t.Fatalf("Body is %s", desc.Options.Body)
	}
}

func TestMistypedFieldKeepsTheOthers(t *testing.T) {
	desc := Describe(Decode([]byte(`{"title":"Hi","tag":5,"url":null}`)), DefaultDefaults(), time.Now())
	if desc.Title != "Hi" {
		t.Fatalf("Title is %s", desc.Title)
	}
	if desc.Options.Tag != "vibetorrent-notification" || desc.Options.Data.URL != "/" {
		t.Fatalf("Options are %+v", desc.Options)
	}
}

func TestPushDisplaysBeforeReturning(t *testing.T) {
	display := &fakeDisplay{}
	d := &Dispatcher{Displayer: display, Defaults: DefaultDefaults(), Log: zerolog.Nop()}
	if _, err := d.Push(context.Background(), []byte(`{"title":"Hi"}`)); err != nil {
		t.Fatal(err)
	}
	if len(display.shown) != 1 || display.shown[0].Title != "Hi" {
		t.Fatalf("Shown: %+v", display.shown)
	}
}

func TestClickFocusesMatchingView(t *testing.T) {
	display := &fakeDisplay{}
	windows := &fakeWindows{views: []clients.Client{
		{ID: "settings", URL: "/settings"},
		{ID: "root", URL: "http://localhost:8080/"},
	}}
	d := &Dispatcher{Displayer: display, Windows: windows, Defaults: DefaultDefaults(), Log: zerolog.Nop()}

	res, err := d.Click(context.Background(), Notification{Tag: "t", Data: Data{URL: "/"}})
	if err != nil {
		t.Fatal(err)
	}
	if res.Focused == nil || res.Focused.ID != "root" || res.Opened != nil {
		t.Fatalf("Result is %+v", res)
	}
	if len(windows.opened) != 0 || len(windows.focused) != 1 {
		t.Fatalf("Focused %v, opened %v", windows.focused, windows.opened)
	}
	if len(display.closed) != 1 || display.closed[0] != "t" {
		t.Fatalf("Closed %v", display.closed)
	}
}

func TestClickOpensWhenNoMatch(t *testing.T) {
	windows := &fakeWindows{views: []clients.Client{{ID: "settings", URL: "/settings"}}}
	d := &Dispatcher{Displayer: &fakeDisplay{}, Windows: windows, Defaults: DefaultDefaults(), Log: zerolog.Nop()}

	res, err := d.Click(context.Background(), Notification{Data: Data{URL: "/torrents/abc"}})
	if err != nil {
		t.Fatal(err)
	}
	if res.Opened == nil || len(windows.opened) != 1 || windows.opened[0] != "/torrents/abc" {
		t.Fatalf("Opened %v", windows.opened)
	}
	if len(windows.focused) != 0 {
		t.Fatalf("Focused %v", windows.focused)
	}
}

func TestClickWithoutTargetOpensRoot(t *testing.T) {
	windows := &fakeWindows{}
	d := &Dispatcher{Displayer: &fakeDisplay{}, Windows: windows, Defaults: DefaultDefaults(), Log: zerolog.Nop()}
	if _, err := d.Click(context.Background(), Notification{}); err != nil {
		t.Fatal(err)
	}
	if len(windows.opened) != 1 || windows.opened[0] != "/" {
		t.Fatalf("Opened %v", windows.opened)
	}
}
