// Package interfaces defines the abstract capabilities SyncCore,
// SyncEngine, BlockGraph, and Database are built against, so that a
// concrete Storage engine, a concrete Broker transport, or a test double
// can be swapped in without touching the convergence logic.
package interfaces

import (
	"context"

	"github.com/i5heu/blocksync/pkg/update"
)

// Storage is the durable per-collection key/value capability described in
// spec.md §6.3. A collection name plus a document id addresses one
// document; blocks and the head record are stored through their own
// methods, in a key space disjoint from application document collections,
// per spec.md §5's node resource-sharing rule.
type Storage interface {
	// GetAllDocuments returns every document in collection.
	GetAllDocuments(ctx context.Context, collection string) ([]update.Document, error)
	// GetMatchingDocuments returns every document in collection whose
	// field equals value's JSON encoding. A naive full scan is an
	// acceptable implementation (spec.md §6.3).
	GetMatchingDocuments(ctx context.Context, collection, field string, value any) ([]update.Document, error)
	// GetDocument returns the document with the given id, or
	// ErrNotFound.
	GetDocument(ctx context.Context, collection, id string) (update.Document, error)
	// StoreDocument upserts a full document by its "_id" field.
	StoreDocument(ctx context.Context, collection string, doc update.Document) error
	// DeleteDocument removes a document by id. Deleting an absent id is
	// not an error.
	DeleteDocument(ctx context.Context, collection, id string) error
	// DeleteAllDocuments clears a collection.
	DeleteAllDocuments(ctx context.Context, collection string) error

	// GetBlock fetches a persisted Block by id, or ErrNotFound.
	GetBlock(ctx context.Context, id update.BlockID) (update.Block, error)
	// StoreBlock persists a Block. Blocks are immutable once stored.
	StoreBlock(ctx context.Context, block update.Block) error
	// GetHeadRecord returns the persisted head-block id set, or an empty
	// set if none has been written yet.
	GetHeadRecord(ctx context.Context) (update.BlockIDSet, error)
	// StoreHeadRecord persists the current head-block id set.
	StoreHeadRecord(ctx context.Context, heads update.BlockIDSet) error

	// Close releases underlying resources.
	Close() error
}

// ErrNotFound is returned by Storage and BlockGraph lookups that find
// nothing, distinguishing "absent" from a genuine I/O fault.
var ErrNotFound = notFoundError{}

type notFoundError struct{}

func (notFoundError) Error() string { return "blocksync: not found" }
