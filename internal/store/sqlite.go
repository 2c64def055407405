package store

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	_ "modernc.org/sqlite" // SQLite driver.
)

// SQLite is a Namespace backed by a single SQLite database file.
// Staged writes live in an open transaction until Commit.
type SQLite struct {
	db        *sql.DB
	namespace string

	mu sync.Mutex
	tx *sql.Tx
}

var _ Namespace = (*SQLite)(nil)

type queryer interface {
	QueryRow(query string, args ...any) *sql.Row
}

// OpenSQLite opens or creates the database at path. If the file exists but
// is not a usable database it is erased and initialization is retried once.
func OpenSQLite(path, namespace string, logger *zap.Logger) (*SQLite, error) {
	if path == "" {
		return nil, errors.New("sqlite: path is empty")
	}
	s, err := openSQLite(path, namespace)
	if err == nil {
		return s, nil
	}
	if !isUnusableDatabase(err) {
		return nil, err
	}

	logger.Warn("store unusable, erasing and reinitializing", zap.String("path", path), zap.Error(err))
	if rerr := eraseSQLite(path); rerr != nil {
		return nil, fmt.Errorf("erase %s: %w", path, rerr)
	}
	return openSQLite(path, namespace)
}

func openSQLite(path, namespace string) (*SQLite, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}
	dsn := "file:" + path + "?_pragma=journal_mode(WAL)&_pragma=synchronous(FULL)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One connection: the staged transaction and reads must share it.
	db.SetMaxOpenConns(1)

	s := &SQLite{db: db, namespace: namespace}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate sqlite: %w", err)
	}
	return s, nil
}

func (s *SQLite) migrate() error {
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS blobs (
		namespace TEXT NOT NULL,
		key TEXT NOT NULL,
		value BLOB NOT NULL,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (namespace, key)
	);`)
	return err
}

func isUnusableDatabase(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "file is not a database") ||
		strings.Contains(msg, "database disk image is malformed")
}

func eraseSQLite(path string) error {
	for _, p := range []string{path, path + "-wal", path + "-shm"} {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return nil
}

// GetBlob returns the value for key, seeing staged writes.
func (s *SQLite) GetBlob(key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var q queryer = s.db
	if s.tx != nil {
		q = s.tx
	}
	var value []byte
	err := q.QueryRow(`SELECT value FROM blobs WHERE namespace = ? AND key = ?`, s.namespace, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get blob %s: %w", key, err)
	}
	return value, nil
}

// SetBlob stages value under key in the pending transaction.
func (s *SQLite) SetBlob(key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.tx == nil {
		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("begin: %w", err)
		}
		s.tx = tx
	}
	_, err := s.tx.Exec(`INSERT INTO blobs (namespace, key, value, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(namespace, key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		s.namespace, key, value, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		_ = s.tx.Rollback()
		s.tx = nil
		return err
	}
	return nil
}

// Commit makes staged writes durable. A Commit with nothing staged is a no-op.
func (s *SQLite) Commit() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.tx == nil {
		return nil
	}
	err := s.tx.Commit()
	s.tx = nil
	return err
}

// Close discards staged writes and closes the database.
func (s *SQLite) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.tx != nil {
		_ = s.tx.Rollback()
		s.tx = nil
	}
	return s.db.Close()
}
