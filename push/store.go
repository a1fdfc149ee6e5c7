package push

import (
	"database/sql"
	"fmt"
	"sort"
	"sync"
	"time"

	_ "github.com/glebarez/go-sqlite"
)

type MemStore struct {
	mu   sync.RWMutex
	subs map[string]Subscription
}

func NewMemStore() *MemStore {
	return &MemStore{subs: make(map[string]Subscription)}
}

func (m *MemStore) Save(sub Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs[sub.Endpoint] = sub
	return nil
}

func (m *MemStore) Delete(endpoint string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.subs, endpoint)
	return nil
}

func (m *MemStore) List() ([]Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Subscription, 0, len(m.subs))
	for _, s := range m.subs {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens the subscription table in the given db file.
// If file name is empty, a new in-memory db is opened.
func NewSQLiteStore(filename string) (*SQLiteStore, error) {
	if filename == "" {
		filename = "file::memory:?cache=shared"
	}
	db, err := sql.Open("sqlite", filename)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS push_subscriptions (
		endpoint TEXT PRIMARY KEY,
		id TEXT,
		p256dh TEXT,
		auth TEXT,
		user_agent TEXT,
		created_at INTEGER
	)`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("init push store: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Save(sub Subscription) error {
	_, err := s.db.Exec(`INSERT OR REPLACE INTO push_subscriptions
		(endpoint, id, p256dh, auth, user_agent, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		sub.Endpoint, sub.ID, sub.Keys.P256dh, sub.Keys.Auth, sub.UserAgent, sub.CreatedAt.UnixNano())
	return err
}

func (s *SQLiteStore) Delete(endpoint string) error {
	_, err := s.db.Exec("DELETE FROM push_subscriptions WHERE endpoint = ?", endpoint)
	return err
}

func (s *SQLiteStore) List() ([]Subscription, error) {
	rows, err := s.db.Query("SELECT endpoint, id, p256dh, auth, user_agent, created_at FROM push_subscriptions ORDER BY created_at")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]Subscription, 0)
	for rows.Next() {
		var sub Subscription
		var created int64
		if err := rows.Scan(&sub.Endpoint, &sub.ID, &sub.Keys.P256dh, &sub.Keys.Auth, &sub.UserAgent, &created); err != nil {
			return out, err
		}
		sub.CreatedAt = time.Unix(0, created)
		out = append(out, sub)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
