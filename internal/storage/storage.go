// Package storage implements the interfaces.Storage capability on top of
// Badger, grounded in the teacher's internal/storage and pkg/wal use of
// github.com/dgraph-io/badger/v4 as the embedded engine behind its
// durable layers. Document, block, and head-record keys live in disjoint
// prefixes within one Badger instance, matching spec.md §5's requirement
// that these use disjoint collection names so no cross-layer coordination
// is needed.
package storage

import (
	"context"
	"fmt"

	"github.com/dgraph-io/badger/v4"
	"github.com/i5heu/blocksync/pkg/interfaces"
	"github.com/sirupsen/logrus"
)

var _ interfaces.Storage = (*Store)(nil)

const (
	prefixDoc     = "doc:"
	prefixBlk     = "blk:"
	headRecordKey = "block-graphs:head-blocks"
)

// Store is a Badger-backed implementation of interfaces.Storage.
type Store struct {
	db  *badger.DB
	log *logrus.Entry
}

// Open opens (creating if absent) a Badger store at dir. log may be nil,
// in which case a standard logrus logger is used, matching the teacher's
// internal/keyValStore fallback pattern.
func Open(dir string, log *logrus.Entry) (*Store, error) {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("storage: open badger at %q: %w", dir, err)
	}
	return &Store{db: db, log: log}, nil
}

// Close releases the underlying Badger handle.
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("storage: close: %w", err)
	}
	return nil
}

func docKey(collection, id string) []byte {
	return []byte(prefixDoc + collection + ":" + id)
}

func docPrefix(collection string) []byte {
	return []byte(prefixDoc + collection + ":")
}

func blockKey(id string) []byte {
	return []byte(prefixBlk + id)
}

// runInTxn wraps a Badger update, logging failures with the fields the
// teacher's keyValStore uses (path/key context, not a bare error string).
func (s *Store) runInTxn(ctx context.Context, op string, fn func(txn *badger.Txn) error) error {
	err := s.db.Update(fn)
	if err != nil {
		s.log.WithFields(logrus.Fields{"op": op}).WithError(err).Error("storage: write failed")
		return fmt.Errorf("storage: %s: %w", op, err)
	}
	return nil
}
