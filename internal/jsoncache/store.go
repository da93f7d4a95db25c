// Package jsoncache provides the read-through JSON cache: a persistent
// badger KV store holding serialized entity payloads and a metadata record
// per key, with TTL and content-hash based invalidation.
package jsoncache

import (
	"context"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/sirupsen/logrus"

	"github.com/marainhq/marain/internal/errs"
)

var log = logrus.WithField("component", "jsoncache")

// Store wraps one badger instance. It is reusable for any KV need; the
// Cache layers the JSON cache semantics on top of a Store handle rather
// than opening its own.
type Store struct {
	db *badger.DB
}

// OpenStore opens (or creates) a badger database rooted at dir.
func OpenStore(dir string) (*Store, error) {
	opts := badger.DefaultOptions(dir).
		WithLogger(nil).
		WithIndexCacheSize(16 << 20)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, errs.Storage(false, "open kv store", err)
	}
	log.WithField("dir", dir).Debug("kv store open")
	return &Store{db: db}, nil
}

// Close flushes and closes the store.
func (s *Store) Close() error {
	return s.db.Close()
}

// WithTxn runs fn in a read-write transaction.
func (s *Store) WithTxn(fn func(txn *badger.Txn) error) error {
	return s.db.Update(fn)
}

// WithReadTxn runs fn in a read-only transaction.
func (s *Store) WithReadTxn(fn func(txn *badger.Txn) error) error {
	return s.db.View(fn)
}

// RunGC runs badger's value-log garbage collection on a ticker until the
// context ends. Call it in its own goroutine.
func (s *Store) RunGC(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// Rerun while it reports progress; ErrNoRewrite ends the cycle.
			for {
				if err := s.db.RunValueLogGC(0.5); err != nil {
					break
				}
			}
		}
	}
}
