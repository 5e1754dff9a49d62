package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Well-known local storage keys.
const (
	KeyAuthToken   = "auth_token"
	KeyCurrentUser = "current_user"
)

// schema holds only the key/value table; messages and conversations are
// never persisted on the client.
var schema = []migration{
	{
		name: "create_local_storage",
		stmt: `CREATE TABLE IF NOT EXISTS local_storage (
  key        TEXT PRIMARY KEY,
  value      BLOB NOT NULL,
  updated_at INTEGER NOT NULL
)`,
	},
}

// Get returns the value stored under key, or ErrNotFound.
func (s *Store) Get(key string) ([]byte, error) {
	if key == "" {
		return nil, errors.New("key is required")
	}

	var value []byte
	err := s.db.QueryRow(`SELECT value FROM local_storage WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get local storage key %q: %w", key, err)
	}

	return value, nil
}

// Set inserts or replaces the value stored under key.
func (s *Store) Set(key string, value []byte) error {
	if key == "" {
		return errors.New("key is required")
	}
	if value == nil {
		value = []byte{}
	}

	_, err := s.db.Exec(
		`INSERT INTO local_storage (key, value, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key,
		value,
		time.Now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("set local storage key %q: %w", key, err)
	}

	return nil
}

// Delete removes key. Deleting a missing key is not an error.
func (s *Store) Delete(keys ...string) error {
	for _, key := range keys {
		if _, err := s.db.Exec(`DELETE FROM local_storage WHERE key = ?`, key); err != nil {
			return fmt.Errorf("delete local storage key %q: %w", key, err)
		}
	}
	return nil
}
