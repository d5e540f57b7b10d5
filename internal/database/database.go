package database

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/i5heu/blocksync/internal/canon"
	"github.com/i5heu/blocksync/pkg/interfaces"
	"github.com/i5heu/blocksync/pkg/update"
)

// Database is the concrete implementation of interfaces.Database: a named
// namespace of lazily-created Collections sharing one Storage instance and
// one outgoing hook to the sync engine (spec.md §4.2).
type Database struct {
	nodeID     string
	storage    interfaces.Storage
	onOutgoing interfaces.OutgoingFunc

	mu          sync.Mutex
	collections map[string]*Collection
}

var _ interfaces.Database = (*Database)(nil)

// New builds a Database backed by storage. onOutgoing is invoked with every
// batch of updates a Collection produces locally; it is expected to reach
// SyncEngine.CommitUpdates (spec.md §2's data-flow diagram).
func New(nodeID string, storage interfaces.Storage, onOutgoing interfaces.OutgoingFunc) *Database {
	return &Database{
		nodeID:      nodeID,
		storage:     storage,
		onOutgoing:  onOutgoing,
		collections: make(map[string]*Collection),
	}
}

// Collection returns the named collection, creating it on first access.
func (d *Database) Collection(name string) interfaces.Collection {
	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.collections[name]
	if !ok {
		c = newCollection(name, d.nodeID, d.storage, d.onOutgoing)
		d.collections[name] = c
	}
	return c
}

// Collections lists every collection accessed so far, sorted by name.
func (d *Database) Collections() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, 0, len(d.collections))
	for name := range d.collections {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// ApplyIncomingUpdates implements spec.md §4.2's ApplyIncomingUpdates:
// partition by collection, notify subscribers first, then apply to storage
// in arrival order per collection. updates must already be timestamp-sorted
// (SyncCore's job, not this one).
func (d *Database) ApplyIncomingUpdates(ctx context.Context, updates []update.Update) error {
	byCollection := make(map[string][]update.Update)
	var order []string
	for _, u := range updates {
		if _, seen := byCollection[u.Collection]; !seen {
			order = append(order, u.Collection)
		}
		byCollection[u.Collection] = append(byCollection[u.Collection], u)
	}

	for _, name := range order {
		d.Collection(name).(*Collection).notify(byCollection[name])
	}

	for _, name := range order {
		if err := d.applyToStorage(ctx, name, byCollection[name]); err != nil {
			return err
		}
	}
	return nil
}

func (d *Database) applyToStorage(ctx context.Context, name string, updates []update.Update) error {
	for _, u := range updates {
		switch u.Kind {
		case update.KindDelete:
			if err := d.storage.DeleteDocument(ctx, name, u.DocID); err != nil {
				return fmt.Errorf("database: apply delete %s/%s: %w", name, u.DocID, err)
			}
		case update.KindField:
			if err := d.applyField(ctx, name, u); err != nil {
				return err
			}
		}
	}
	return nil
}

func (d *Database) applyField(ctx context.Context, collection string, u update.Update) error {
	doc, err := d.storage.GetDocument(ctx, collection, u.DocID)
	if err != nil && err != interfaces.ErrNotFound {
		return fmt.Errorf("database: apply field fetch %s/%s: %w", collection, u.DocID, err)
	}
	doc = doc.Clone()
	doc[u.Field] = u.Value
	if _, ok := doc["_id"]; !ok {
		idJSON, err := json.Marshal(u.DocID)
		if err != nil {
			return fmt.Errorf("database: apply field encode id: %w", err)
		}
		doc["_id"] = idJSON
	}
	if err := d.storage.StoreDocument(ctx, collection, doc); err != nil {
		return fmt.Errorf("database: apply field store %s/%s: %w", collection, u.DocID, err)
	}
	return nil
}

// Hash implements the database-hash test contract of spec.md §4.5: per
// collection, documents sorted by _id, encoded with the sorted-key
// canonical encoder, SHA-256'd, hex-encoded. Collection iteration order
// does not affect the result since canon.Marshal sorts object keys at
// every level, including the top-level collection-name map built here.
func (d *Database) Hash(ctx context.Context) (string, error) {
	snapshot := make(map[string][]update.Document)
	for _, name := range d.Collections() {
		docs, err := d.storage.GetAllDocuments(ctx, name)
		if err != nil {
			return "", fmt.Errorf("database: hash: get all %s: %w", name, err)
		}
		sort.Slice(docs, func(i, j int) bool { return docs[i].ID() < docs[j].ID() })
		snapshot[name] = docs
	}
	hash, err := canon.Hash(snapshot)
	if err != nil {
		return "", fmt.Errorf("database: hash: %w", err)
	}
	return hash, nil
}
