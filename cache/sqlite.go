package cache

import (
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "github.com/glebarez/go-sqlite"
)

type SQLiteStorage struct {
	db         *sql.DB
	writeMutex *sync.Mutex
}

// NewSQLiteStorage opens the given filename as the bucket db.
// If file name is empty, a new in-memory db is opened.
func NewSQLiteStorage(filename string) (SQLiteStorage, error) {
	if filename == "" {
		filename = "file::memory:?cache=shared"
	}
	db, err := sql.Open("sqlite", filename)
	if err != nil {
		return SQLiteStorage{}, err
	}
	// a single connection keeps shared in-memory dbs alive and serializes writers
	db.SetMaxOpenConns(1)
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS buckets (
			name TEXT PRIMARY KEY,
			created_at INTEGER
		)`,
		`CREATE TABLE IF NOT EXISTS entries (
			bucket TEXT,
			key TEXT,
			stored_at INTEGER,
			bytes BLOB,
			PRIMARY KEY (bucket, key)
		)`,
		"PRAGMA journal_mode=WAL",
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return SQLiteStorage{}, fmt.Errorf("init sqlite storage: %w", err)
		}
	}
	return SQLiteStorage{
		db:         db,
		writeMutex: &sync.Mutex{},
	}, nil
}

func (s SQLiteStorage) Open(name string) (Bucket, error) {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	_, err := s.db.Exec("INSERT OR IGNORE INTO buckets (name, created_at) VALUES (?, ?)", name, time.Now().UnixNano())
	if err != nil {
		return nil, err
	}
	return sqliteBucket{name: name, s: s}, nil
}

func (s SQLiteStorage) Has(name string) (bool, error) {
	var n int
	err := s.db.QueryRow("SELECT COUNT(*) FROM buckets WHERE name = ?", name).Scan(&n)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s SQLiteStorage) Keys() ([]string, error) {
	rows, err := s.db.Query("SELECT name FROM buckets ORDER BY created_at ASC, rowid ASC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	names := make([]string, 0)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return names, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func (s SQLiteStorage) Delete(name string) (bool, error) {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	tx, err := s.db.Begin()
	if err != nil {
		return false, err
	}
	if _, err := tx.Exec("DELETE FROM entries WHERE bucket = ?", name); err != nil {
		tx.Rollback()
		return false, err
	}
	result, err := tx.Exec("DELETE FROM buckets WHERE name = ?", name)
	if err != nil {
		tx.Rollback()
		return false, err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		tx.Rollback()
		return false, err
	}
	return rows > 0, tx.Commit()
}

func (s SQLiteStorage) Close() error {
	return s.db.Close()
}

type sqliteBucket struct {
	name string
	s    SQLiteStorage
}

func (b sqliteBucket) Name() string {
	return b.name
}

func (b sqliteBucket) Match(key string) ([]byte, bool, error) {
	var bytes []byte
	err := b.s.db.QueryRow("SELECT bytes FROM entries WHERE bucket = ? AND key = ?", b.name, key).Scan(&bytes)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return bytes, true, nil
}

func (b sqliteBucket) Put(key string, bytes []byte) error {
	return b.PutAll([]Entry{{Key: key, Bytes: bytes}})
}

func (b sqliteBucket) PutAll(entries []Entry) error {
	b.s.writeMutex.Lock()
	defer b.s.writeMutex.Unlock()
	tx, err := b.s.db.Begin()
	if err != nil {
		return err
	}
	var exists int
	if err := tx.QueryRow("SELECT COUNT(*) FROM buckets WHERE name = ?", b.name).Scan(&exists); err != nil {
		tx.Rollback()
		return err
	}
	if exists == 0 {
		tx.Rollback()
		return fmt.Errorf("%s: %w", b.name, ErrBucketNotFound)
	}
	for _, e := range entries {
		storedAt := e.StoredAt
		if storedAt.IsZero() {
			storedAt = time.Now()
		}
		_, err := tx.Exec("INSERT OR REPLACE INTO entries (bucket, key, stored_at, bytes) VALUES (?, ?, ?, ?)",
			b.name, e.Key, storedAt.UnixNano(), e.Bytes)
		if err != nil {
			tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

func (b sqliteBucket) Delete(key string) (bool, error) {
	b.s.writeMutex.Lock()
	defer b.s.writeMutex.Unlock()
	result, err := b.s.db.Exec("DELETE FROM entries WHERE bucket = ? AND key = ?", b.name, key)
	if err != nil {
		return false, err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows > 0, nil
}

func (b sqliteBucket) Keys() ([]string, error) {
	rows, err := b.s.db.Query("SELECT key FROM entries WHERE bucket = ? ORDER BY key", b.name)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	keys := make([]string, 0)
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return keys, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}
