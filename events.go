package offlineagent

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/rs/zerolog"

	"github.com/always-cache/offline-agent/cache"
	"github.com/always-cache/offline-agent/clients"
	"github.com/always-cache/offline-agent/notify"
	"github.com/always-cache/offline-agent/pkg/route"
)

// ErrUnknownEvent is returned when no handler is registered for an event kind.
var ErrUnknownEvent = errors.New("no handler for event")

type EventKind int

const (
	EventInstall EventKind = iota
	EventActivate
	EventFetch
	EventPush
	EventNotificationClick
)

func (k EventKind) String() string {
	switch k {
	case EventInstall:
		return "install"
	case EventActivate:
		return "activate"
	case EventFetch:
		return "fetch"
	case EventPush:
		return "push"
	case EventNotificationClick:
		return "notificationclick"
	}
	return fmt.Sprintf("event(%d)", int(k))
}

// Event is anything the dispatcher can deliver to a handler.
type Event interface {
	Kind() EventKind
}

type InstallEvent struct {
	Generation *Generation
}

type ActivateEvent struct {
	Generation *Generation
}

type FetchEvent struct {
	Request    *http.Request
	Generation *Generation
}

type PushEvent struct {
	Data []byte
}

type NotificationClickEvent struct {
	Notification notify.Notification
}

func (InstallEvent) Kind() EventKind           { return EventInstall }
func (ActivateEvent) Kind() EventKind          { return EventActivate }
func (FetchEvent) Kind() EventKind             { return EventFetch }
func (PushEvent) Kind() EventKind              { return EventPush }
func (NotificationClickEvent) Kind() EventKind { return EventNotificationClick }

// Task is the pending work of one event.
// The event stays pending until the task has completed.
type Task struct {
	done  chan struct{}
	value any
	err   error
}

// Go runs fn in its own goroutine and returns its task.
func Go(ctx context.Context, fn func(ctx context.Context) (any, error)) *Task {
	t := &Task{done: make(chan struct{})}
	go func() {
		defer close(t.done)
		t.value, t.err = fn(ctx)
	}()
	return t
}

// Done returns an already completed task.
func Done(value any, err error) *Task {
	t := &Task{done: make(chan struct{}), value: value, err: err}
	close(t.done)
	return t
}

// Wait blocks until the task completes or ctx is done.
func (t *Task) Wait(ctx context.Context) (any, error) {
	select {
	case <-t.done:
		return t.value, t.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Scope holds everything handlers can reach.
type Scope struct {
	Caches        *cache.Manager
	Manifest      []string
	Classifier    route.Classifier
	Fetcher       Fetcher
	Clients       *clients.Hub
	Notifications *notify.Dispatcher
	Metrics       *Metrics
	Log           zerolog.Logger
}

type Handler func(ctx context.Context, ev Event, s *Scope) *Task

// Dispatcher delivers events to the handler registered for their kind.
// Handlers may be replaced while events are being dispatched.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[EventKind]Handler
	scope    *Scope
}

// NewDispatcher returns a dispatcher with the default handler of every event kind.
func NewDispatcher(scope *Scope) *Dispatcher {
	return &Dispatcher{
		scope: scope,
		handlers: map[EventKind]Handler{
			EventInstall:           handleInstall,
			EventActivate:          handleActivate,
			EventFetch:             handleFetch,
			EventPush:              handlePush,
			EventNotificationClick: handleNotificationClick,
		},
	}
}

// Handle replaces the handler of an event kind. A nil handler removes it.
func (d *Dispatcher) Handle(kind EventKind, h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if h == nil {
		delete(d.handlers, kind)
		return
	}
	d.handlers[kind] = h
}

// Dispatch delivers the event and waits until its task has completed.
func (d *Dispatcher) Dispatch(ctx context.Context, ev Event) (any, error) {
	d.mu.RLock()
	h, ok := d.handlers[ev.Kind()]
	d.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownEvent, ev.Kind())
	}
	d.scope.Log.Trace().Str("event", ev.Kind().String()).Msg("Dispatching event")
	value, err := h(ctx, ev, d.scope).Wait(ctx)
	d.scope.Metrics.event(ev.Kind(), err)
	return value, err
}

func handlePush(ctx context.Context, ev Event, s *Scope) *Task {
	data := ev.(PushEvent).Data
	return Go(ctx, func(ctx context.Context) (any, error) {
		desc, err := s.Notifications.Push(ctx, data)
		if errors.Is(err, notify.ErrNoViews) {
			s.Log.Debug().Str("title", desc.Title).Msg("No open view to show notification")
			return desc, nil
		}
		return desc, err
	})
}

func handleNotificationClick(ctx context.Context, ev Event, s *Scope) *Task {
	n := ev.(NotificationClickEvent).Notification
	return Go(ctx, func(ctx context.Context) (any, error) {
		return s.Notifications.Click(ctx, n)
	})
}
