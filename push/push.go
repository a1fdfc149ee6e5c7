// Package push sends Web Push notifications to subscribed browsers.
package push

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	webpush "github.com/SherClockHolmes/webpush-go"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ErrSubscriptionGone is reported for subscriptions the push service no longer knows.
var ErrSubscriptionGone = errors.New("subscription expired or invalid")

// Subscription represents a push subscription from a browser.
type Subscription struct {
	ID        string    `json:"id"`
	Endpoint  string    `json:"endpoint"`
	Keys      Keys      `json:"keys"`
	CreatedAt time.Time `json:"createdAt"`
	UserAgent string    `json:"userAgent,omitempty"`
}

// Keys contains the subscription encryption keys.
type Keys struct {
	P256dh string `json:"p256dh"`
	Auth   string `json:"auth"`
}

// Payload is the JSON document delivered to the agent's push handler.
type Payload struct {
	Title string `json:"title,omitempty"`
	Body  string `json:"body,omitempty"`
	Icon  string `json:"icon,omitempty"`
	Badge string `json:"badge,omitempty"`
	Tag   string `json:"tag,omitempty"`
	URL   string `json:"url,omitempty"`
}

// Store persists push subscriptions. Subscriptions are unique by endpoint.
type Store interface {
	Save(sub Subscription) error
	Delete(endpoint string) error
	List() ([]Subscription, error)
}

type Config struct {
	Store        Store
	VAPIDPublic  string
	VAPIDPrivate string
	// Subject is the mailto: or https: URL for VAPID.
	Subject string
	// TTL in seconds the push service keeps undelivered messages.
	TTL int
}

// Report summarizes one delivery to all subscriptions.
type Report struct {
	Sent    int `json:"sent"`
	Failed  int `json:"failed"`
	Removed int `json:"removed"`
}

type sendFunc func(ctx context.Context, payload []byte, sub Subscription) (int, error)

// Sender delivers notifications to all stored subscriptions.
type Sender struct {
	store        Store
	vapidPublic  string
	vapidPrivate string
	subject      string
	ttl          int
	log          zerolog.Logger
	send         sendFunc
}

func NewSender(cfg Config, logger zerolog.Logger) (*Sender, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("store required")
	}
	if cfg.Subject == "" {
		return nil, fmt.Errorf("push subject required (e.g. mailto:admin@example.com)")
	}
	s := &Sender{
		store:        cfg.Store,
		vapidPublic:  cfg.VAPIDPublic,
		vapidPrivate: cfg.VAPIDPrivate,
		subject:      cfg.Subject,
		ttl:          cfg.TTL,
		log:          logger.With().Str("component", "push").Logger(),
	}
	if s.ttl == 0 {
		s.ttl = 3600
	}
	if s.vapidPublic == "" || s.vapidPrivate == "" {
		priv, pub, err := webpush.GenerateVAPIDKeys()
		if err != nil {
			return nil, fmt.Errorf("generate vapid keys: %w", err)
		}
		s.vapidPrivate, s.vapidPublic = priv, pub
		s.log.Warn().Msg("No VAPID keys configured, generated a new pair; existing subscriptions will not receive pushes")
	}
	s.send = s.webpushSend
	return s, nil
}

// PublicKey returns the VAPID public key browsers subscribe with.
func (s *Sender) PublicKey() string {
	return s.vapidPublic
}

// Subscribe stores a subscription, replacing any previous one with the same endpoint.
func (s *Sender) Subscribe(sub Subscription) (Subscription, error) {
	if sub.Endpoint == "" || sub.Keys.P256dh == "" || sub.Keys.Auth == "" {
		return sub, fmt.Errorf("endpoint and keys required")
	}
	if sub.ID == "" {
		sub.ID = uuid.NewString()
	}
	sub.CreatedAt = time.Now()
	if err := s.store.Save(sub); err != nil {
		return sub, fmt.Errorf("save subscription: %w", err)
	}
	s.log.Info().Str("endpoint", sub.Endpoint).Msg("Added push subscription")
	return sub, nil
}

func (s *Sender) Unsubscribe(endpoint string) error {
	if err := s.store.Delete(endpoint); err != nil {
		return fmt.Errorf("delete subscription: %w", err)
	}
	s.log.Info().Str("endpoint", endpoint).Msg("Removed push subscription")
	return nil
}

// Send delivers the payload to every subscription.
// Subscriptions rejected with 404 or 410 are removed.
func (s *Sender) Send(ctx context.Context, payload Payload) (Report, error) {
	var report Report
	subs, err := s.store.List()
	if err != nil {
		return report, fmt.Errorf("list subscriptions: %w", err)
	}
	if len(subs) == 0 {
		s.log.Debug().Msg("No push subscriptions to send to")
		return report, nil
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return report, fmt.Errorf("marshal payload: %w", err)
	}
	s.log.Info().Int("subscribers", len(subs)).Msg("Sending push notification")

	for _, sub := range subs {
		err := s.sendOne(ctx, body, sub)
		switch {
		case err == nil:
			report.Sent++
		case errors.Is(err, ErrSubscriptionGone):
			report.Removed++
		default:
			report.Failed++
			s.log.Error().Err(err).Str("endpoint", sub.Endpoint).Msg("Failed to send push notification")
		}
	}
	return report, nil
}

func (s *Sender) sendOne(ctx context.Context, body []byte, sub Subscription) error {
	status, err := s.send(ctx, body, sub)
	if err != nil {
		return fmt.Errorf("failed to send notification: %w", err)
	}
	if status == http.StatusGone || status == http.StatusNotFound {
		if err := s.store.Delete(sub.Endpoint); err != nil {
			s.log.Warn().Err(err).Str("endpoint", sub.Endpoint).Msg("Could not remove expired subscription")
		}
		return fmt.Errorf("%s: %w", sub.Endpoint, ErrSubscriptionGone)
	}
	if status >= 400 {
		return fmt.Errorf("push service returned status %d", status)
	}
	return nil
}

func (s *Sender) webpushSend(ctx context.Context, payload []byte, sub Subscription) (int, error) {
	resp, err := webpush.SendNotificationWithContext(ctx, payload, &webpush.Subscription{
		Endpoint: sub.Endpoint,
		Keys: webpush.Keys{
			P256dh: sub.Keys.P256dh,
			Auth:   sub.Keys.Auth,
		},
	}, &webpush.Options{
		Subscriber:      s.subject,
		VAPIDPublicKey:  s.vapidPublic,
		VAPIDPrivateKey: s.vapidPrivate,
		TTL:             s.ttl,
		Urgency:         webpush.UrgencyHigh,
	})
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	return resp.StatusCode, nil
}
