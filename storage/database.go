package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sync"

	_ "github.com/mattn/go-sqlite3"
)

// DefaultDBFileName is the SQLite file kept in the app data directory.
const DefaultDBFileName = "app.db"

// ErrNotFound indicates a requested key does not exist.
var ErrNotFound = errors.New("storage: record not found")

// migration is one schema step. Steps run in order and each bumps
// PRAGMA user_version by one.
type migration struct {
	name string
	stmt string
}

// Store holds the client's SQLite handle. The database is only ever touched
// by one process, so a single connection serializes every statement.
type Store struct {
	db   *sql.DB
	once sync.Once
}

// Open opens or creates app.db in dataDir and returns the store with the
// resolved database path.
func Open(dataDir string) (*Store, string, error) {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, "", fmt.Errorf("create storage directory: %w", err)
	}
	dbPath := filepath.Join(dataDir, DefaultDBFileName)
	store, err := OpenPath(dbPath)
	if err != nil {
		return nil, "", err
	}
	return store, dbPath, nil
}

// OpenPath opens the database at dbPath in WAL mode and brings the schema up
// to date.
func OpenPath(dbPath string) (*Store, error) {
	params := url.Values{}
	params.Set("_busy_timeout", "5000")
	params.Set("_journal_mode", "WAL")
	dsn := "file:" + filepath.ToSlash(dbPath) + "?" + params.Encode()

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database %s: %w", dbPath, err)
	}
	db.SetMaxOpenConns(1)

	store := &Store{db: db}
	if err := store.migrate(schema); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// Close releases the database handle. Later calls are no-ops.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	var err error
	s.once.Do(func() { err = s.db.Close() })
	return err
}

// SchemaVersion reports how many migrations the database has applied.
func (s *Store) SchemaVersion() (int, error) {
	var version int
	if err := s.db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	return version, nil
}

func (s *Store) migrate(steps []migration) error {
	version, err := s.SchemaVersion()
	if err != nil {
		return err
	}
	if version > len(steps) {
		return fmt.Errorf("database schema version %d is newer than this client (%d)", version, len(steps))
	}

	for i := version; i < len(steps); i++ {
		if err := s.apply(i+1, steps[i]); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) apply(version int, step migration) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("migration %s: %w", step.name, err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(step.stmt); err != nil {
		return fmt.Errorf("migration %s: %w", step.name, err)
	}
	// PRAGMA does not accept bound parameters.
	if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", version)); err != nil {
		return fmt.Errorf("migration %s: set version: %w", step.name, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("migration %s: commit: %w", step.name, err)
	}
	return nil
}
