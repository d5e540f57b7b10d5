package storage

import (
	"bytes"
	"context"
	"encoding/gob"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"
	"github.com/i5heu/blocksync/pkg/interfaces"
	"github.com/i5heu/blocksync/pkg/update"
)

// compressThreshold is the payload size above which a block is LZMA
// compressed before being written to Badger, per SPEC_FULL.md §2.1's xz
// wiring. Small blocks (the common case: one upsertOne's worth of
// updates) are stored uncompressed since LZMA framing overhead would
// outweigh the saving.
const compressThreshold = 4096

type diskBlock struct {
	Block      update.Block
	Compressed bool
	RawPayload []byte // gob-encoded update.Block.Data, LZMA-compressed when Compressed
}

// GetBlock fetches a persisted block by id, or interfaces.ErrNotFound.
func (s *Store) GetBlock(ctx context.Context, id update.BlockID) (update.Block, error) {
	var block update.Block
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(blockKey(string(id)))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return interfaces.ErrNotFound
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			decoded, decErr := decodeBlock(val)
			if decErr != nil {
				return decErr
			}
			block = decoded
			return nil
		})
	})
	if err != nil {
		if errors.Is(err, interfaces.ErrNotFound) {
			return update.Block{}, interfaces.ErrNotFound
		}
		return update.Block{}, fmt.Errorf("storage: get block %s: %w", id, err)
	}
	return block, nil
}

// StoreBlock persists a block. Blocks are immutable once stored, so a
// re-store of an already-present id is treated as a normal overwrite
// rather than an error; BlockGraph.Integrate's own id check is what makes
// integration idempotent (spec.md §4.1).
func (s *Store) StoreBlock(ctx context.Context, block update.Block) error {
	data, err := encodeBlock(block)
	if err != nil {
		return fmt.Errorf("storage: encode block %s: %w", block.ID, err)
	}
	return s.runInTxn(ctx, "store block", func(txn *badger.Txn) error {
		return txn.Set(blockKey(string(block.ID)), data)
	})
}

// GetHeadRecord returns the persisted head-block id set, or an empty set
// if none has been written yet.
func (s *Store) GetHeadRecord(ctx context.Context) (update.BlockIDSet, error) {
	heads := update.BlockIDSet{}
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(headRecordKey))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			var ids []string
			if err := json.Unmarshal(val, &ids); err != nil {
				return err
			}
			for _, id := range ids {
				heads.Add(update.BlockID(id))
			}
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("storage: get head record: %w", err)
	}
	return heads, nil
}

// StoreHeadRecord persists the current head-block id set.
func (s *Store) StoreHeadRecord(ctx context.Context, heads update.BlockIDSet) error {
	ids := make([]string, 0, len(heads))
	for id := range heads {
		ids = append(ids, string(id))
	}
	data, err := json.Marshal(ids)
	if err != nil {
		return fmt.Errorf("storage: encode head record: %w", err)
	}
	return s.runInTxn(ctx, "store head record", func(txn *badger.Txn) error {
		return txn.Set([]byte(headRecordKey), data)
	})
}

func encodeBlock(block update.Block) ([]byte, error) {
	raw, err := gobEncode(block.Data)
	if err != nil {
		return nil, err
	}

	disk := diskBlock{Block: update.Block{ID: block.ID, PrevBlocks: block.PrevBlocks}}
	if len(raw) > compressThreshold {
		compressed, err := compressLZMA(raw)
		if err != nil {
			return nil, fmt.Errorf("compress: %w", err)
		}
		disk.Compressed = true
		disk.RawPayload = compressed
	} else {
		disk.Compressed = false
		disk.RawPayload = raw
	}
	return gobEncode(disk)
}

func decodeBlock(data []byte) (update.Block, error) {
	var disk diskBlock
	if err := gobDecode(data, &disk); err != nil {
		return update.Block{}, err
	}

	raw := disk.RawPayload
	if disk.Compressed {
		decompressed, err := decompressLZMA(raw)
		if err != nil {
			return update.Block{}, fmt.Errorf("decompress: %w", err)
		}
		raw = decompressed
	}

	var data2 []update.Update
	if err := gobDecode(raw, &data2); err != nil {
		return update.Block{}, err
	}

	block := disk.Block
	block.Data = data2
	return block, nil
}

func gobEncode(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func gobDecode(data []byte, v any) error {
	return gob.NewDecoder(bytes.NewReader(data)).Decode(v)
}
