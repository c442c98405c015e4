// Package store is the embedded relational store: one SQLite file per
// connection, opened with WAL journaling, foreign keys enforced, and
// migrated from an embedded schema on first open.
package store

import (
	"database/sql"
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/ddkit/ddk/internal/errs"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const (
	journalMode    = "WAL"
	busyTimeoutMS  = 5000
)

// Store wraps one connection's *sql.DB together with the per-connection
// mutating-operation lock described in §5 (concurrent reads are permitted;
// mutations are serialized through this single critical section).
type Store struct {
	db   *sql.DB
	mu   sync.Mutex
	path string
}

// connectionIDPattern restricts characters allowed in a sanitized connection
// id used to build a filesystem path component.
var connectionIDPattern = regexp.MustCompile(`[^A-Za-z0-9._-]`)

// SanitizeConnectionID produces a filesystem-safe fragment from an opaque
// connection id, used to build the per-connection database file name.
func SanitizeConnectionID(connectionID string) string {
	return connectionIDPattern.ReplaceAllString(connectionID, "_")
}

// DBPath returns <appDataDir>/<plugin>/analyzer_<sanitized-connectionId>.db.
func DBPath(appDataDir, plugin, connectionID string) string {
	return filepath.Join(appDataDir, plugin, fmt.Sprintf("analyzer_%s.db", SanitizeConnectionID(connectionID)))
}

// Open opens (creating parent directories and the schema as needed) the
// per-connection store at path.
func Open(path string, log *zap.SugaredLogger) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errs.Wrapf(err, "mkdir for store %s", path)
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, errs.Wrapf(err, "open sqlite %s", path)
	}

	pragmas := []string{
		fmt.Sprintf("PRAGMA journal_mode = %s", journalMode),
		"PRAGMA foreign_keys = ON",
		fmt.Sprintf("PRAGMA busy_timeout = %d", busyTimeoutMS),
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, errs.Wrapf(err, "apply pragma %q", p)
		}
	}

	s := &Store{db: db, path: path}
	if err := s.migrate(log); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate(log *zap.SugaredLogger) error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (version TEXT PRIMARY KEY, applied_at TEXT NOT NULL DEFAULT (datetime('now')))`); err != nil {
		return errs.Wrap(err, "create schema_migrations")
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return errs.Wrap(err, "read embedded migrations")
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)

	for _, name := range names {
		version := strings.TrimSuffix(name, ".sql")
		var exists int
		row := s.db.QueryRow(`SELECT COUNT(1) FROM schema_migrations WHERE version = ?`, version)
		if err := row.Scan(&exists); err != nil {
			return errs.Wrapf(err, "check migration %s", version)
		}
		if exists > 0 {
			continue
		}

		sqlBytes, err := migrationsFS.ReadFile("migrations/" + name)
		if err != nil {
			return errs.Wrapf(err, "read migration %s", name)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return errs.Wrap(err, "begin migration tx")
		}
		if _, err := tx.Exec(string(sqlBytes)); err != nil {
			tx.Rollback()
			return errs.Wrapf(err, "apply migration %s", name)
		}
		if _, err := tx.Exec(`INSERT INTO schema_migrations (version) VALUES (?)`, version); err != nil {
			tx.Rollback()
			return errs.Wrapf(err, "record migration %s", name)
		}
		if err := tx.Commit(); err != nil {
			return errs.Wrapf(err, "commit migration %s", name)
		}
		if log != nil {
			log.Infow("applied migration", "version", version)
		}
	}
	return nil
}

// DB exposes the underlying *sql.DB for read-only query paths that don't
// need the mutating-operation lock.
func (s *Store) DB() *sql.DB { return s.db }

// WithWriteLock runs fn while holding the per-connection mutating-operation
// lock, serializing writes as required by §5.
func (s *Store) WithWriteLock(fn func(*sql.DB) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(s.db)
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Clear truncates every indexed-entity table, used by the indexer's
// clear(connectionId) operation.
func (s *Store) Clear() error {
	return s.WithWriteLock(func(db *sql.DB) error {
		tables := []string{"layer_attributes", "layers", "artifacts", "components", "solutions", "index_operations"}
		for _, t := range tables {
			if _, err := db.Exec("DELETE FROM " + t); err != nil {
				return errs.Wrapf(err, "clear table %s", t)
			}
		}
		return nil
	})
}

