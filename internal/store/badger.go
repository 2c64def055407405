package store

import (
	"errors"
	"fmt"
	"sync"

	"github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"
)

// Badger is a Namespace backed by a BadgerDB directory. Keys are stored as
// "<namespace>/<key>" so several namespaces can share one directory.
type Badger struct {
	db     *badger.DB
	prefix string

	mu  sync.Mutex
	txn *badger.Txn
}

var _ Namespace = (*Badger)(nil)

// OpenBadger opens or creates a Badger store in dir with synchronous writes.
func OpenBadger(dir, namespace string, logger *zap.Logger) (*Badger, error) {
	if dir == "" {
		return nil, errors.New("badger: dir is empty")
	}
	opts := badger.DefaultOptions(dir).
		WithSyncWrites(true).
		WithLogger(badgerLogger{logger.Named("badger").Sugar()})

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	return &Badger{db: db, prefix: namespace + "/"}, nil
}

func (b *Badger) key(k string) []byte {
	return []byte(b.prefix + k)
}

// GetBlob returns the value for key, seeing staged writes.
func (b *Badger) GetBlob(key string) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var value []byte
	read := func(txn *badger.Txn) error {
		item, err := txn.Get(b.key(key))
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	}

	var err error
	if b.txn != nil {
		err = read(b.txn)
	} else {
		err = b.db.View(read)
	}
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get blob %s: %w", key, err)
	}
	return value, nil
}

// SetBlob stages value under key in the pending update transaction.
func (b *Badger) SetBlob(key string, value []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.txn == nil {
		b.txn = b.db.NewTransaction(true)
	}
	// Badger keeps a reference until commit.
	v := make([]byte, len(value))
	copy(v, value)
	if err := b.txn.Set(b.key(key), v); err != nil {
		b.txn.Discard()
		b.txn = nil
		return err
	}
	return nil
}

// Commit writes the pending transaction to disk.
func (b *Badger) Commit() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.txn == nil {
		return nil
	}
	err := b.txn.Commit()
	b.txn = nil
	return err
}

// Close discards staged writes and closes the database.
func (b *Badger) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.txn != nil {
		b.txn.Discard()
		b.txn = nil
	}
	return b.db.Close()
}

// badgerLogger routes badger's internal logging through zap.
type badgerLogger struct {
	*zap.SugaredLogger
}

func (l badgerLogger) Warningf(format string, args ...interface{}) {
	l.Warnf(format, args...)
}
