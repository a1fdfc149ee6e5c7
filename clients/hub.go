// Package clients tracks the open views of the application.
//
// A view is a browser page connected to the agent over a WebSocket. The agent
// never owns views: it can only ask a connected page to focus itself, open a
// new window, or show a notification.
package clients

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

var ErrNotFound = errors.New("client not found")

// maxPendingOpens bounds the windows queued while no view is connected.
const maxPendingOpens = 8

type Type string

const (
	TypeWindow Type = "window"
	TypeWorker Type = "worker"
)

// Client is a handle to an open view.
type Client struct {
	ID   string `json:"id"`
	URL  string `json:"url"`
	Type Type   `json:"type"`
	// Version of the generation controlling the view; empty when uncontrolled.
	Controller string    `json:"controller,omitempty"`
	Focused    bool      `json:"focused"`
	Connected  time.Time `json:"connected"`
}

type MatchOptions struct {
	// Only clients of this type are returned; all types if empty.
	Type Type
	// Also return views not controlled by the current generation.
	IncludeUncontrolled bool
}

// Message is sent to views as JSON.
type Message struct {
	Type string `json:"type"`
	URL  string `json:"url,omitempty"`
	Tag  string `json:"tag,omitempty"`
	// Notification display parameters for "notification" messages.
	Title        string `json:"title,omitempty"`
	Notification any    `json:"notification,omitempty"`
}

const (
	MessageFocus        = "focus"
	MessageOpen         = "open"
	MessageNotification = "notification"
	MessageClose        = "close"
	MessageNavigate     = "navigate"
)

// Conn is the sending side of a view connection.
type Conn interface {
	WriteJSON(v any) error
	Close() error
}

type view struct {
	Client
	seq  int
	mu   sync.Mutex
	conn Conn
}

func (v *view) send(msg Message) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.conn.WriteJSON(msg)
}

// Hub is the registry of connected views.
type Hub struct {
	mu         sync.RWMutex
	views      map[string]*view
	seq        int
	controller string
	pending    []string // windows to open once a view connects
	log        zerolog.Logger
	upgrader   websocket.Upgrader
}

func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		views: make(map[string]*view),
		log:   logger.With().Str("component", "clients").Logger(),
	}
}

// Register adds a view at the given location.
// Views connecting while a generation is active are controlled by it.
// Windows queued by OpenWindow while no view was connected are opened by the new view.
func (h *Hub) Register(location string, conn Conn) Client {
	h.mu.Lock()
	h.seq++
	v := &view{
		Client: Client{
			ID:         uuid.NewString(),
			URL:        location,
			Type:       TypeWindow,
			Controller: h.controller,
			Connected:  time.Now(),
		},
		seq:  h.seq,
		conn: conn,
	}
	h.views[v.ID] = v
	pending := h.pending
	h.pending = nil
	c := v.Client
	h.mu.Unlock()
	h.log.Debug().Str("client", v.ID).Str("url", location).Msg("View connected")

	for _, target := range pending {
		if err := v.send(Message{Type: MessageOpen, URL: target}); err != nil {
			h.log.Warn().Err(err).Str("client", v.ID).Str("url", target).Msg("Could not open queued window")
		}
	}
	return c
}

// Unregister removes a view.
func (h *Hub) Unregister(id string) {
	h.mu.Lock()
	v, ok := h.views[id]
	delete(h.views, id)
	h.mu.Unlock()
	if ok {
		v.conn.Close()
		h.log.Debug().Str("client", id).Msg("View disconnected")
	}
}

// Navigated records a new location for a view.
func (h *Hub) Navigated(id, location string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if v, ok := h.views[id]; ok {
		v.URL = location
	}
}

// MatchAll returns the matching views, oldest first.
func (h *Hub) MatchAll(ctx context.Context, opts MatchOptions) ([]Client, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	type match struct {
		seq int
		c   Client
	}
	h.mu.RLock()
	matches := make([]match, 0, len(h.views))
	for _, v := range h.views {
		if opts.Type != "" && v.Type != opts.Type {
			continue
		}
		if !opts.IncludeUncontrolled && (h.controller == "" || v.Controller != h.controller) {
			continue
		}
		matches = append(matches, match{seq: v.seq, c: v.Client})
	}
	h.mu.RUnlock()
	sort.Slice(matches, func(i, j int) bool { return matches[i].seq < matches[j].seq })
	out := make([]Client, 0, len(matches))
	for _, m := range matches {
		out = append(out, m.c)
	}
	return out, nil
}

// Focus asks a view to focus itself.
func (h *Hub) Focus(ctx context.Context, id string) (Client, error) {
	if err := ctx.Err(); err != nil {
		return Client{}, err
	}
	h.mu.Lock()
	v, ok := h.views[id]
	var c Client
	if ok {
		for _, other := range h.views {
			other.Focused = false
		}
		v.Focused = true
		c = v.Client
	}
	h.mu.Unlock()
	if !ok {
		return Client{}, ErrNotFound
	}
	if err := v.send(Message{Type: MessageFocus}); err != nil {
		return Client{}, err
	}
	return c, nil
}

// OpenWindow asks a connected view to open a new window at the given URL.
// The focused view is preferred, otherwise the most recently connected one.
// Without any connected view the window is queued for the next view to connect.
// The returned client is the pending window; it is registered once it connects.
func (h *Hub) OpenWindow(ctx context.Context, location string) (Client, error) {
	if err := ctx.Err(); err != nil {
		return Client{}, err
	}
	h.mu.Lock()
	var host *view
	for _, v := range h.views {
		if v.Type != TypeWindow {
			continue
		}
		switch {
		case host == nil:
			host = v
		case v.Focused && !host.Focused:
			host = v
		case v.Focused == host.Focused && v.seq > host.seq:
			host = v
		}
	}
	if host == nil {
		if len(h.pending) == maxPendingOpens {
			h.pending = h.pending[1:]
		}
		h.pending = append(h.pending, location)
		h.mu.Unlock()
		h.log.Debug().Str("url", location).Msg("No view connected, queued window")
		return Client{ID: uuid.NewString(), URL: location, Type: TypeWindow, Focused: true}, nil
	}
	h.mu.Unlock()
	if err := host.send(Message{Type: MessageOpen, URL: location}); err != nil {
		return Client{}, err
	}
	return Client{ID: uuid.NewString(), URL: location, Type: TypeWindow, Focused: true}, nil
}

// Claim makes the given generation the controller of every open view.
func (h *Hub) Claim(ctx context.Context, version string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.controller = version
	for _, v := range h.views {
		v.Controller = version
	}
	h.log.Debug().Str("version", version).Int("views", len(h.views)).Msg("Claimed views")
	return nil
}

// Controller returns the version controlling newly connected views.
func (h *Hub) Controller() string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.controller
}

// Broadcast sends a message to every open view, controlled or not.
// It returns the number of views the message was delivered to.
func (h *Hub) Broadcast(ctx context.Context, msg Message) (int, error) {
	all, err := h.MatchAll(ctx, MatchOptions{IncludeUncontrolled: true})
	if err != nil {
		return 0, err
	}
	sent := 0
	for _, c := range all {
		h.mu.RLock()
		v, ok := h.views[c.ID]
		h.mu.RUnlock()
		if !ok {
			continue
		}
		if err := v.send(msg); err != nil {
			h.log.Warn().Err(err).Str("client", c.ID).Msg("Could not send to view")
			continue
		}
		sent++
	}
	return sent, nil
}

// ServeHTTP upgrades the request to a WebSocket and registers the view.
// The view's location is taken from the "url" query parameter.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn().Err(err).Msg("Could not upgrade view connection")
		return
	}
	c := h.Register(normalizeLocation(r.URL.Query().Get("url")), conn)
	defer h.Unregister(c.ID)

	for {
		var msg Message
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}
		switch msg.Type {
		case MessageNavigate:
			h.Navigated(c.ID, normalizeLocation(msg.URL))
		case MessageFocus:
			h.mu.Lock()
			for _, v := range h.views {
				v.Focused = v.ID == c.ID
			}
			h.mu.Unlock()
		}
	}
}

// normalizeLocation reduces a page location to its path and query.
func normalizeLocation(location string) string {
	u, err := url.Parse(location)
	if err != nil || location == "" {
		return "/"
	}
	return u.RequestURI()
}
