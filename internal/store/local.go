// Package store persists twincore's durable state in sqlite: versioned
// persona specs with an atomic active pointer, procedural modules, grounding
// records, and the append-only audit trail of gate decisions and judge
// results. Everything inside one request is read-only except the audit
// appends, so the store needs no locking beyond sqlite's own.
package store

import (
	"database/sql"
	"fmt"
	"sync"

	_ "modernc.org/sqlite"

	"twincore/internal/logging"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = fmt.Errorf("store: not found")

// ErrSpecPublished is returned on attempts to modify a published spec
// version. Published versions are immutable.
var ErrSpecPublished = fmt.Errorf("store: spec version already published")

// LocalStore is the sqlite-backed store.
type LocalStore struct {
	db *sql.DB
	mu sync.RWMutex
}

// NewLocalStore opens (and migrates) the database at path. Use ":memory:"
// for tests.
func NewLocalStore(path string) (*LocalStore, error) {
	timer := logging.StartTimer(logging.CategoryStore, "NewLocalStore")
	defer timer.Stop()

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database %s: %w", path, err)
	}

	// Single writer; WAL keeps concurrent pipeline reads cheap.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(`PRAGMA journal_mode=WAL; PRAGMA foreign_keys=ON;`); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set pragmas: %w", err)
	}

	s := &LocalStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}

	logging.StoreDebug("store opened at %s", path)
	return s, nil
}

// Close closes the underlying database.
func (s *LocalStore) Close() error {
	return s.db.Close()
}
