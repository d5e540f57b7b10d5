// Package database implements interfaces.Database and interfaces.Collection
// (spec.md §4.2): per-collection document CRUD that produces Update records,
// a subscriber fan-out, and the storage-apply path for updates arriving from
// the sync engine. Grounded in the teacher's Storage/keyValStore split
// (internal/storage) generalized from its fixed Event/RootEvent shapes to an
// arbitrary named collection of documents.
package database

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/i5heu/blocksync/pkg/interfaces"
	"github.com/i5heu/blocksync/pkg/update"
)

// Collection is the concrete implementation of interfaces.Collection.
type Collection struct {
	name       string
	nodeID     string
	storage    interfaces.Storage
	onOutgoing interfaces.OutgoingFunc

	seqMu sync.Mutex
	seq   int

	subMu       sync.Mutex
	subscribers map[int]interfaces.SubscribeFunc
	nextSubID   int
}

var _ interfaces.Collection = (*Collection)(nil)

func newCollection(name, nodeID string, storage interfaces.Storage, onOutgoing interfaces.OutgoingFunc) *Collection {
	return &Collection{
		name:        name,
		nodeID:      nodeID,
		storage:     storage,
		onOutgoing:  onOutgoing,
		subscribers: make(map[int]interfaces.SubscribeFunc),
	}
}

// Name returns the collection's name.
func (c *Collection) Name() string { return c.name }

// GetAll returns every document in the collection.
func (c *Collection) GetAll(ctx context.Context) ([]update.Document, error) {
	docs, err := c.storage.GetAllDocuments(ctx, c.name)
	if err != nil {
		return nil, fmt.Errorf("database: collection %s: get all: %w", c.name, err)
	}
	return docs, nil
}

// GetMatching returns every document whose field equals value.
func (c *Collection) GetMatching(ctx context.Context, field string, value any) ([]update.Document, error) {
	docs, err := c.storage.GetMatchingDocuments(ctx, c.name, field, value)
	if err != nil {
		return nil, fmt.Errorf("database: collection %s: get matching %s: %w", c.name, field, err)
	}
	return docs, nil
}

// GetOne returns the document with the given id.
func (c *Collection) GetOne(ctx context.Context, id string) (update.Document, error) {
	doc, err := c.storage.GetDocument(ctx, c.name, id)
	if err != nil {
		return nil, fmt.Errorf("database: collection %s: get %s: %w", c.name, id, err)
	}
	return doc, nil
}

// UpsertOne implements spec.md §4.2's 3-step fan-out: notify subscribers,
// hand off to onOutgoing, then fetch-merge and write to storage — in that
// order. An error at any step aborts the remaining steps.
func (c *Collection) UpsertOne(ctx context.Context, id string, partial update.Document) error {
	now := time.Now().UnixMilli()
	var updates []update.Update
	for field := range partial {
		if field == "_id" {
			continue
		}
		u := update.NewField(now, c.name, id, field, partial[field])
		u.OriginNodeID = c.nodeID
		u.Sequence = c.nextSequence()
		updates = append(updates, u)
	}
	if len(updates) == 0 {
		return nil
	}
	// Deterministic wire order among the fields of one call: sorted by
	// field name, so replays are byte-for-byte reproducible.
	sort.Slice(updates, func(i, j int) bool { return updates[i].Field < updates[j].Field })

	c.notify(updates)
	if c.onOutgoing != nil {
		if err := c.onOutgoing(ctx, updates); err != nil {
			return fmt.Errorf("database: collection %s: outgoing: %w", c.name, err)
		}
	}

	existing, err := c.storage.GetDocument(ctx, c.name, id)
	if err != nil && err != interfaces.ErrNotFound {
		return fmt.Errorf("database: collection %s: fetch %s: %w", c.name, id, err)
	}
	merged := existing.Merge(partial)
	if _, ok := merged["_id"]; !ok {
		idJSON, err := json.Marshal(id)
		if err != nil {
			return fmt.Errorf("database: collection %s: encode id: %w", c.name, err)
		}
		merged["_id"] = idJSON
	}
	if err := c.storage.StoreDocument(ctx, c.name, merged); err != nil {
		return fmt.Errorf("database: collection %s: store %s: %w", c.name, id, err)
	}
	return nil
}

// DeleteOne implements the same 3-step fan-out with a single Delete update.
func (c *Collection) DeleteOne(ctx context.Context, id string) error {
	now := time.Now().UnixMilli()
	u := update.NewDelete(now, c.name, id)
	u.OriginNodeID = c.nodeID
	u.Sequence = c.nextSequence()
	updates := []update.Update{u}

	c.notify(updates)
	if c.onOutgoing != nil {
		if err := c.onOutgoing(ctx, updates); err != nil {
			return fmt.Errorf("database: collection %s: outgoing: %w", c.name, err)
		}
	}
	if err := c.storage.DeleteDocument(ctx, c.name, id); err != nil {
		return fmt.Errorf("database: collection %s: delete %s: %w", c.name, id, err)
	}
	return nil
}

// Subscribe registers cb and returns an Unsubscribe handle safe to call
// from inside the callback itself (spec.md §9: iteration is over a
// snapshot).
func (c *Collection) Subscribe(cb interfaces.SubscribeFunc) interfaces.Unsubscribe {
	c.subMu.Lock()
	id := c.nextSubID
	c.nextSubID++
	c.subscribers[id] = cb
	c.subMu.Unlock()

	return func() {
		c.subMu.Lock()
		delete(c.subscribers, id)
		c.subMu.Unlock()
	}
}

func (c *Collection) notify(updates []update.Update) {
	c.subMu.Lock()
	snapshot := make([]interfaces.SubscribeFunc, 0, len(c.subscribers))
	for _, cb := range c.subscribers {
		snapshot = append(snapshot, cb)
	}
	c.subMu.Unlock()

	for _, cb := range snapshot {
		cb(updates)
	}
}

func (c *Collection) nextSequence() int {
	c.seqMu.Lock()
	defer c.seqMu.Unlock()
	seq := c.seq
	c.seq++
	return seq
}
