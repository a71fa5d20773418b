// Package replica is the client's durable half of the sync engine: a local
// mirror of the synced tables, the per-table watermark that makes entry
// application idempotent, and the offline write queue.
//
// All reads are served from here; the network only ever moves deltas. The
// watermark rule is the single idempotency mechanism on the read path: an
// entry whose id is at or below the table's watermark has already been
// absorbed (by snapshot or by an earlier delivery) and is a no-op.
package replica

import (
	"database/sql"
	_ "embed"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

//go:embed schema.sql
var schemaSQL string

const timeFormat = time.RFC3339Nano

// TableSchema declares one synced table on the client.
type TableSchema struct {
	Name     string `yaml:"name"`
	KeyField string `yaml:"key_field"`
}

// Schema is the client's declared view of the synced data model. Version
// changes whenever the table set or shape changes; a replica opened with a
// different version than it was written with is rebuilt from scratch.
type Schema struct {
	Version int           `yaml:"version"`
	Tables  []TableSchema `yaml:"tables"`
}

// Table returns the declaration for name.
func (s Schema) Table(name string) (TableSchema, bool) {
	for _, t := range s.Tables {
		if t.Name == name {
			return t, true
		}
	}
	return TableSchema{}, false
}

func (s Schema) validate() error {
	if s.Version <= 0 {
		return fmt.Errorf("schema version must be positive")
	}
	if len(s.Tables) == 0 {
		return fmt.Errorf("at least one table is required")
	}
	seen := make(map[string]bool, len(s.Tables))
	for _, t := range s.Tables {
		if t.Name == "" || t.KeyField == "" {
			return fmt.Errorf("table %q: name and key field are required", t.Name)
		}
		if seen[t.Name] {
			return fmt.Errorf("duplicate table %q", t.Name)
		}
		seen[t.Name] = true
	}
	return nil
}

// Store is the client-side replica database.
//
// A single mutex serializes all writes: entry application, snapshot install,
// optimistic apply and rollback. SQLite is opened with one connection, so the
// mutex also keeps transactions from interleaving.
type Store struct {
	mu     sync.Mutex
	db     *sql.DB
	schema Schema
}

// Open creates or opens the replica at path for the given schema.
//
// When the stored schema version differs from schema.Version the local rows
// and watermarks are dropped so the next snapshot rebuilds them; queued
// writes are preserved. The returned rebuilt flag tells the caller a full
// resnapshot is required. Writes left in flight by a previous process are
// reset to queued.
func Open(path string, schema Schema) (store *Store, rebuilt bool, err error) {
	if err := schema.validate(); err != nil {
		return nil, false, fmt.Errorf("open replica: %w", err)
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, false, fmt.Errorf("open replica: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, false, fmt.Errorf("connect replica: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, false, fmt.Errorf("execute %q: %w", pragma, err)
		}
	}

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, false, fmt.Errorf("apply schema: %w", err)
	}

	rebuilt, err = reconcileVersion(db, schema.Version)
	if err != nil {
		db.Close()
		return nil, false, err
	}

	if _, err := db.Exec(`UPDATE pending_writes SET state = 'queued' WHERE state = 'in_flight'`); err != nil {
		db.Close()
		return nil, false, fmt.Errorf("reset in-flight writes: %w", err)
	}

	if err := ensureClientID(db); err != nil {
		db.Close()
		return nil, false, err
	}

	return &Store{db: db, schema: schema}, rebuilt, nil
}

// ensureClientID assigns this replica a stable identity on first open. The
// id survives schema rebuilds, so server-side logs can follow one install
// across version bumps.
func ensureClientID(db *sql.DB) error {
	_, err := db.Exec(`
		INSERT INTO meta (key, value) VALUES ('client_id', ?)
		ON CONFLICT (key) DO NOTHING`, uuid.Must(uuid.NewV7()).String())
	if err != nil {
		return fmt.Errorf("assign client id: %w", err)
	}
	return nil
}

// ClientID returns this replica's stable identity.
func (s *Store) ClientID() (string, error) {
	var id string
	if err := s.db.QueryRow(`SELECT value FROM meta WHERE key = 'client_id'`).Scan(&id); err != nil {
		return "", fmt.Errorf("read client id: %w", err)
	}
	return id, nil
}

// reconcileVersion compares the stored schema version with the declared one
// and wipes derived state on mismatch. A fresh database counts as rebuilt so
// the caller bootstraps with a snapshot either way.
func reconcileVersion(db *sql.DB, version int) (bool, error) {
	var stored string
	err := db.QueryRow(`SELECT value FROM meta WHERE key = 'schema_version'`).Scan(&stored)
	switch {
	case err == sql.ErrNoRows:
		stored = ""
	case err != nil:
		return false, fmt.Errorf("read schema version: %w", err)
	}

	want := strconv.Itoa(version)
	if stored == want {
		return false, nil
	}

	tx, err := db.Begin()
	if err != nil {
		return false, fmt.Errorf("rebuild replica: %w", err)
	}
	defer tx.Rollback()

	if stored != "" {
		slog.Info("schema version changed, rebuilding replica",
			"stored", stored,
			"declared", want,
		)
		if _, err := tx.Exec(`DELETE FROM rows`); err != nil {
			return false, fmt.Errorf("rebuild replica: %w", err)
		}
		if _, err := tx.Exec(`DELETE FROM watermarks`); err != nil {
			return false, fmt.Errorf("rebuild replica: %w", err)
		}
	}

	_, err = tx.Exec(`
		INSERT INTO meta (key, value) VALUES ('schema_version', ?)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value`, want)
	if err != nil {
		return false, fmt.Errorf("store schema version: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("rebuild replica: %w", err)
	}
	return true, nil
}

// Close closes the database.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Schema returns the declared schema this replica was opened with.
func (s *Store) Schema() Schema {
	return s.schema
}

func (s *Store) checkTable(table string) error {
	if _, ok := s.schema.Table(table); !ok {
		return fmt.Errorf("table %q is not declared in the schema", table)
	}
	return nil
}
