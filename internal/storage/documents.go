package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"
	"github.com/i5heu/blocksync/pkg/interfaces"
	"github.com/i5heu/blocksync/pkg/update"
)

// GetAllDocuments returns every document in collection. Iteration order is
// Badger key order, not insertion order; callers that need a stable order
// (e.g. the database-hash contract) sort explicitly.
func (s *Store) GetAllDocuments(ctx context.Context, collection string) ([]update.Document, error) {
	var docs []update.Document
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := docPrefix(collection)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			doc, err := decodeDocItem(it.Item())
			if err != nil {
				return err
			}
			docs = append(docs, doc)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("storage: get all documents in %q: %w", collection, err)
	}
	return docs, nil
}

// GetMatchingDocuments performs a naive full scan comparing field's raw
// JSON encoding against value's, an acceptable implementation per
// spec.md §6.3.
func (s *Store) GetMatchingDocuments(ctx context.Context, collection, field string, value any) ([]update.Document, error) {
	wantJSON, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("storage: encode match value: %w", err)
	}

	all, err := s.GetAllDocuments(ctx, collection)
	if err != nil {
		return nil, err
	}

	var out []update.Document
	for _, doc := range all {
		got, ok := doc[field]
		if !ok {
			continue
		}
		if jsonEqual(got, wantJSON) {
			out = append(out, doc)
		}
	}
	return out, nil
}

func jsonEqual(a, b json.RawMessage) bool {
	var av, bv any
	if json.Unmarshal(a, &av) != nil || json.Unmarshal(b, &bv) != nil {
		return false
	}
	aj, _ := json.Marshal(av)
	bj, _ := json.Marshal(bv)
	return string(aj) == string(bj)
}

// GetDocument returns the document with the given id, or
// interfaces.ErrNotFound.
func (s *Store) GetDocument(ctx context.Context, collection, id string) (update.Document, error) {
	var doc update.Document
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(docKey(collection, id))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return interfaces.ErrNotFound
		}
		if err != nil {
			return err
		}
		doc, err = decodeDocItem(item)
		return err
	})
	if err != nil {
		if errors.Is(err, interfaces.ErrNotFound) {
			return nil, interfaces.ErrNotFound
		}
		return nil, fmt.Errorf("storage: get document %s/%s: %w", collection, id, err)
	}
	return doc, nil
}

// StoreDocument upserts a document by its "_id" field.
func (s *Store) StoreDocument(ctx context.Context, collection string, doc update.Document) error {
	id := doc.ID()
	if id == "" {
		return fmt.Errorf("storage: document missing _id")
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("storage: encode document: %w", err)
	}
	return s.runInTxn(ctx, "store document", func(txn *badger.Txn) error {
		return txn.Set(docKey(collection, id), data)
	})
}

// DeleteDocument removes a document by id. Deleting an absent id is not an
// error, matching a browser key/value store's delete semantics.
func (s *Store) DeleteDocument(ctx context.Context, collection, id string) error {
	return s.runInTxn(ctx, "delete document", func(txn *badger.Txn) error {
		err := txn.Delete(docKey(collection, id))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		return err
	})
}

// DeleteAllDocuments clears every document in collection.
func (s *Store) DeleteAllDocuments(ctx context.Context, collection string) error {
	prefix := docPrefix(collection)
	var keys [][]byte
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("storage: scan %q for delete-all: %w", collection, err)
	}
	if len(keys) == 0 {
		return nil
	}
	return s.runInTxn(ctx, "delete all documents", func(txn *badger.Txn) error {
		for _, k := range keys {
			if err := txn.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

func decodeDocItem(item *badger.Item) (update.Document, error) {
	var doc update.Document
	err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &doc)
	})
	if err != nil {
		return nil, fmt.Errorf("decode document at key %q: %w", item.Key(), err)
	}
	return doc, nil
}
