package push

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSender(t *testing.T, store Store) *Sender {
	t.Helper()
	s, err := NewSender(Config{
		Store:        store,
		VAPIDPublic:  "pub",
		VAPIDPrivate: "priv",
		Subject:      "mailto:admin@example.com",
	}, zerolog.Nop())
	require.NoError(t, err)
	return s
}

func sub(endpoint string) Subscription {
	return Subscription{Endpoint: endpoint, Keys: Keys{P256dh: "p", Auth: "a"}}
}

func TestNewSenderValidates(t *testing.T) {
	_, err := NewSender(Config{Subject: "mailto:a@b.c"}, zerolog.Nop())
	assert.Error(t, err)
	_, err = NewSender(Config{Store: NewMemStore()}, zerolog.Nop())
	assert.Error(t, err)
}

func TestNewSenderGeneratesKeys(t *testing.T) {
	s, err := NewSender(Config{Store: NewMemStore(), Subject: "mailto:a@b.c"}, zerolog.Nop())
	require.NoError(t, err)
	assert.NotEmpty(t, s.PublicKey())
	assert.NotEmpty(t, s.vapidPrivate)
}

func TestSubscribeDedupesByEndpoint(t *testing.T) {
	stores := map[string]func(t *testing.T) Store{
		"memory": func(t *testing.T) Store { return NewMemStore() },
		"sqlite": func(t *testing.T) Store {
			s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "push.db"))
			require.NoError(t, err)
			t.Cleanup(func() { s.Close() })
			return s
		},
	}
	for name, newStore := range stores {
		t.Run(name, func(t *testing.T) {
			store := newStore(t)
			s := testSender(t, store)

			first, err := s.Subscribe(sub("https://push.example/1"))
			require.NoError(t, err)
			assert.NotEmpty(t, first.ID)
			_, err = s.Subscribe(sub("https://push.example/1"))
			require.NoError(t, err)
			_, err = s.Subscribe(sub("https://push.example/2"))
			require.NoError(t, err)

			all, err := store.List()
			require.NoError(t, err)
			assert.Len(t, all, 2)

			require.NoError(t, s.Unsubscribe("https://push.example/1"))
			all, err = store.List()
			require.NoError(t, err)
			require.Len(t, all, 1)
			assert.Equal(t, "https://push.example/2", all[0].Endpoint)
		})
	}
}

func TestSubscribeRequiresKeys(t *testing.T) {
	s := testSender(t, NewMemStore())
	_, err := s.Subscribe(Subscription{Endpoint: "https://push.example/1"})
	assert.Error(t, err)
}

func TestSendRemovesGoneSubscriptions(t *testing.T) {
	store := NewMemStore()
	s := testSender(t, store)
	for _, e := range []string{"ok", "gone", "missing", "broken", "down"} {
		_, err := s.Subscribe(sub(e))
		require.NoError(t, err)
	}

	var payloads []Payload
	s.send = func(ctx context.Context, body []byte, sub Subscription) (int, error) {
		var p Payload
		require.NoError(t, json.Unmarshal(body, &p))
		payloads = append(payloads, p)
		switch sub.Endpoint {
		case "gone":
			return http.StatusGone, nil
		case "missing":
			return http.StatusNotFound, nil
		case "broken":
			return http.StatusInternalServerError, nil
		case "down":
			return 0, errors.New("connection refused")
		}
		return http.StatusCreated, nil
	}

	report, err := s.Send(context.Background(), Payload{Title: "Done", Body: "ubuntu.iso"})
	require.NoError(t, err)
	assert.Equal(t, Report{Sent: 1, Failed: 2, Removed: 2}, report)
	assert.Len(t, payloads, 5)
	assert.Equal(t, "Done", payloads[0].Title)

	left, err := store.List()
	require.NoError(t, err)
	var endpoints []string
	for _, l := range left {
		endpoints = append(endpoints, l.Endpoint)
	}
	assert.ElementsMatch(t, []string{"ok", "broken", "down"}, endpoints)
}

func TestSendWithoutSubscriptions(t *testing.T) {
	s := testSender(t, NewMemStore())
	s.send = func(ctx context.Context, body []byte, sub Subscription) (int, error) {
		t.Fatal("nothing to send to")
		return 0, nil
	}
	report, err := s.Send(context.Background(), Payload{})
	require.NoError(t, err)
	assert.Zero(t, report)
}
