package interfaces

import (
	"context"

	"github.com/i5heu/blocksync/pkg/update"
)

// Unsubscribe cancels a Collection subscription. Safe to call from inside
// a notification callback (spec.md §9: subscriptions iterate a snapshot).
type Unsubscribe func()

// SubscribeFunc receives one batch of updates affecting a Collection.
// Subscription is unfiltered; filtering is a concern of higher layers
// (spec.md §4.2).
type SubscribeFunc func(updates []update.Update)

// OutgoingFunc is invoked by a Collection with the updates it just
// produced, in commit order. It reaches SyncEngine.CommitUpdates
// (spec.md §2 data flow: Database --OnOutgoing--> SyncEngine.commit).
type OutgoingFunc func(ctx context.Context, updates []update.Update) error

// Collection is a named, ordered bag of documents addressed by "_id"
// (spec.md §3, §4.2).
type Collection interface {
	Name() string
	GetAll(ctx context.Context) ([]update.Document, error)
	GetMatching(ctx context.Context, field string, value any) ([]update.Document, error)
	GetOne(ctx context.Context, id string) (update.Document, error)
	// UpsertOne builds one Field update per key in partial (excluding
	// "_id"), timestamps them at the current wall clock, notifies
	// subscribers, hands them to OnOutgoing, then fetch-merges the
	// existing document with partial and writes it back to storage —
	// in that order (spec.md §4.2).
	UpsertOne(ctx context.Context, id string, partial update.Document) error
	// DeleteOne emits a single Delete update through the same 3-step
	// fan-out, with storage.DeleteDocument as the final step.
	DeleteOne(ctx context.Context, id string) error
	// Subscribe registers cb for every batch of updates touching this
	// collection and returns an Unsubscribe handle.
	Subscribe(cb SubscribeFunc) Unsubscribe
}

// Database is a named namespace of Collections. ApplyIncomingUpdates is
// called only by the sync engine (spec.md §6.1).
type Database interface {
	Collection(name string) Collection
	Collections() []string
	// ApplyIncomingUpdates partitions updates by collection, notifies
	// subscribers first, then applies updates to storage in arrival
	// order per collection (spec.md §4.2). Callers must have already
	// sorted updates by timestamp (SyncCore does this).
	ApplyIncomingUpdates(ctx context.Context, updates []update.Update) error
	// Hash implements the database-hash test contract (spec.md §4.5).
	Hash(ctx context.Context) (string, error)
}
