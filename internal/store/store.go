// Package store persists the cumulative volume in a namespaced key/value
// blob store.
//
// A Namespace behaves like an NVS handle: writes are staged with SetBlob and
// only become durable after Commit. Three engines implement it: SQLite (the
// default), Badger, and an in-process map used by tests and dry runs.
package store

import (
	"errors"
	"fmt"
	"path/filepath"

	"go.uber.org/zap"
)

// Engine names accepted by Open.
const (
	EngineSQLite = "sqlite"
	EngineBadger = "badger"
	EngineMemory = "memory"
)

// DefaultNamespace is the namespace holding the meter's keys.
const DefaultNamespace = "storage"

var (
	// ErrNotFound is returned by GetBlob when the key has never been written.
	ErrNotFound = errors.New("store: key not found")

	// ErrUnknownEngine is returned by Open for an unsupported engine name.
	ErrUnknownEngine = errors.New("store: unknown engine")
)

// Namespace is a handle on one namespace of a blob store.
// Implementations are not required to be safe for concurrent use.
type Namespace interface {
	// GetBlob returns the committed (or staged) value for key, or ErrNotFound.
	GetBlob(key string) ([]byte, error)
	// SetBlob stages value under key. It is not durable until Commit.
	SetBlob(key string, value []byte) error
	// Commit flushes staged writes to durable storage.
	Commit() error
	// Close releases the handle, discarding uncommitted writes.
	Close() error
}

// Config selects and locates the blob store.
type Config struct {
	Engine    string
	Path      string // database file (sqlite) or directory (badger)
	Namespace string
}

// Open opens the configured engine and returns a handle on its namespace.
func Open(cfg Config, logger *zap.Logger) (Namespace, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	ns := cfg.Namespace
	if ns == "" {
		ns = DefaultNamespace
	}

	switch cfg.Engine {
	case EngineSQLite, "":
		return OpenSQLite(cfg.Path, ns, logger)
	case EngineBadger:
		return OpenBadger(cfg.Path, ns, logger)
	case EngineMemory:
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEngine, cfg.Engine)
	}
}

// DefaultPath returns the default store location under dataDir for engine.
func DefaultPath(dataDir, engine string) string {
	if engine == EngineBadger {
		return filepath.Join(dataDir, "badger")
	}
	return filepath.Join(dataDir, "flow-sensor.db")
}
