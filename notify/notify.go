// Package notify turns push payloads into displayed notifications and handles
// clicks on them.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/rs/zerolog"

	"github.com/always-cache/offline-agent/clients"
)

// Payload is the JSON object delivered by a push service. Every field is optional.
type Payload struct {
	Title   string `json:"title"`
	Body    string `json:"body"`
	Message string `json:"message"`
	Icon    string `json:"icon"`
	Badge   string `json:"badge"`
	Tag     string `json:"tag"`
	URL     string `json:"url"`
}

type Defaults struct {
	Title   string `yaml:"title"`
	Body    string `yaml:"body"`
	Icon    string `yaml:"icon"`
	Badge   string `yaml:"badge"`
	Tag     string `yaml:"tag"`
	URL     string `yaml:"url"`
	Vibrate []int  `yaml:"vibrate"`
}

func DefaultDefaults() Defaults {
	return Defaults{
		Title:   "VibeTorrent",
		Body:    "New notification",
		Icon:    "/icon-192.png",
		Badge:   "/icon-192.png",
		Tag:     "vibetorrent-notification",
		URL:     "/",
		Vibrate: []int{200, 100, 200},
	}
}

// Data is attached to a displayed notification and comes back on click.
type Data struct {
	URL       string `json:"url"`
	Timestamp int64  `json:"timestamp"`
}

// Options are the display parameters of a notification.
type Options struct {
	Body               string `json:"body"`
	Icon               string `json:"icon"`
	Badge              string `json:"badge"`
	Tag                string `json:"tag"`
	RequireInteraction bool   `json:"requireInteraction"`
	Vibrate            []int  `json:"vibrate,omitempty"`
	Data               Data   `json:"data"`
}

// Descriptor is a notification ready to be displayed.
type Descriptor struct {
	Title   string
	Options Options
}

// Notification is a displayed notification, as reported back on click.
type Notification struct {
	Title string `json:"title"`
	Tag   string `json:"tag"`
	Data  Data   `json:"data"`
}

// Decode parses a push payload. Absent or malformed data decodes to an empty payload.
// Fields are read one by one, so a field that is not a string is ignored on its own.
func Decode(data []byte) Payload {
	var p Payload
	if len(bytes.TrimSpace(data)) == 0 {
		return p
	}
	var fields map[string]any
	if err := json.Unmarshal(data, &fields); err != nil {
		return p
	}
	str := func(name string) string {
		s, _ := fields[name].(string)
		return s
	}
	return Payload{
		Title:   str("title"),
		Body:    str("body"),
		Message: str("message"),
		Icon:    str("icon"),
		Badge:   str("badge"),
		Tag:     str("tag"),
		URL:     str("url"),
	}
}

// Describe fills every missing field of the payload from the defaults.
func Describe(p Payload, d Defaults, now time.Time) Descriptor {
	body := p.Body
	if body == "" {
		body = p.Message
	}
	return Descriptor{
		Title: or(p.Title, d.Title),
		Options: Options{
			Body:               or(body, d.Body),
			Icon:               or(p.Icon, d.Icon),
			Badge:              or(p.Badge, d.Badge),
			Tag:                or(p.Tag, d.Tag),
			RequireInteraction: false,
			Vibrate:            d.Vibrate,
			Data: Data{
				URL:       or(p.URL, d.URL),
				Timestamp: now.UnixMilli(),
			},
		},
	}
}

func or(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

// Displayer shows and closes notifications.
type Displayer interface {
	ShowNotification(ctx context.Context, title string, opts Options) error
	CloseNotification(ctx context.Context, tag string) error
}

// Windows gives access to the open views of the application.
type Windows interface {
	MatchAll(ctx context.Context, opts clients.MatchOptions) ([]clients.Client, error)
	Focus(ctx context.Context, id string) (clients.Client, error)
	OpenWindow(ctx context.Context, url string) (clients.Client, error)
}

type Dispatcher struct {
	Displayer Displayer
	Windows   Windows
	Defaults  Defaults
	Log       zerolog.Logger
	// Now is used for notification timestamps; time.Now if nil.
	Now func() time.Time
}

// Push displays the notification described by a push payload.
// It returns once the notification has been handed to the displayer.
func (d *Dispatcher) Push(ctx context.Context, data []byte) (Descriptor, error) {
	now := time.Now
	if d.Now != nil {
		now = d.Now
	}
	desc := Describe(Decode(data), d.Defaults, now())
	d.Log.Debug().Str("title", desc.Title).Str("tag", desc.Options.Tag).Msg("Showing notification")
	if err := d.Displayer.ShowNotification(ctx, desc.Title, desc.Options); err != nil {
		return desc, fmt.Errorf("show notification: %w", err)
	}
	return desc, nil
}

// ClickResult tells what a click led to.
type ClickResult struct {
	Focused *clients.Client `json:"focused,omitempty"`
	Opened  *clients.Client `json:"opened,omitempty"`
}

// Click closes the notification, then focuses the first open view whose location
// equals the notification's target, or opens a new view there.
func (d *Dispatcher) Click(ctx context.Context, n Notification) (ClickResult, error) {
	d.Log.Debug().Str("tag", n.Tag).Msg("Notification clicked")
	if err := d.Displayer.CloseNotification(ctx, n.Tag); err != nil {
		d.Log.Warn().Err(err).Str("tag", n.Tag).Msg("Could not close notification")
	}

	target := n.Data.URL
	if target == "" {
		target = d.Defaults.URL
	}
	views, err := d.Windows.MatchAll(ctx, clients.MatchOptions{Type: clients.TypeWindow, IncludeUncontrolled: true})
	if err != nil {
		return ClickResult{}, fmt.Errorf("match views: %w", err)
	}
	for _, v := range views {
		if !SameLocation(v.URL, target) {
			continue
		}
		focused, err := d.Windows.Focus(ctx, v.ID)
		if err != nil {
			return ClickResult{}, fmt.Errorf("focus view %s: %w", v.ID, err)
		}
		return ClickResult{Focused: &focused}, nil
	}
	opened, err := d.Windows.OpenWindow(ctx, target)
	if err != nil {
		return ClickResult{}, fmt.Errorf("open view at %s: %w", target, err)
	}
	return ClickResult{Opened: &opened}, nil
}

// SameLocation compares two page locations by path and query, ignoring scheme and host.
func SameLocation(a, b string) bool {
	return location(a) == location(b)
}

func location(s string) string {
	u, err := url.Parse(s)
	if err != nil {
		return s
	}
	return u.RequestURI()
}

// ErrNoViews is returned by ViewDisplayer when no view received the notification.
var ErrNoViews = errors.New("no open view to display the notification")

// ViewDisplayer displays notifications inside the connected views.
type ViewDisplayer struct {
	Hub *clients.Hub
}

func (v ViewDisplayer) ShowNotification(ctx context.Context, title string, opts Options) error {
	sent, err := v.Hub.Broadcast(ctx, clients.Message{
		Type:         clients.MessageNotification,
		Title:        title,
		Tag:          opts.Tag,
		Notification: opts,
	})
	if err != nil {
		return err
	}
	if sent == 0 {
		return ErrNoViews
	}
	return nil
}

func (v ViewDisplayer) CloseNotification(ctx context.Context, tag string) error {
	_, err := v.Hub.Broadcast(ctx, clients.Message{Type: clients.MessageClose, Tag: tag})
	return err
}
