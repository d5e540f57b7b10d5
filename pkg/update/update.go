// Package update defines the wire and storage shape of the two primitives
// every other package in blocksync is built from: Update, the immutable
// record of one change to a document, and Block, the immutable batch of
// Updates a node commits and gossips to its peers.
package update

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Kind tags an Update as a field assignment or a delete.
type Kind uint8

const (
	// KindField sets a single field on a document.
	KindField Kind = iota
	// KindDelete removes a document from a collection.
	KindDelete
)

func (k Kind) String() string {
	switch k {
	case KindField:
		return "field"
	case KindDelete:
		return "delete"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// ErrMissingTimestamp is returned by Validate when an Update was never
// timestamped at origin. Spec invariant: every update in every integrated
// block must carry a timestamp.
var ErrMissingTimestamp = errors.New("update: missing timestamp")

// Update is one change to one document, timestamped at the node that made
// it. Timestamp is the sole ordering key across the whole system.
//
// Update is a tagged union in spirit: Field and Value are only meaningful
// when Kind == KindField. Go has no sum types, so the zero-value-safe
// representation is a flat struct with a Kind discriminator, matching how
// the teacher lineage represents unions where a language forbids "any"
// (spec.md §9): Value is kept as a json.RawMessage until the application
// layer decodes it with a schema it owns.
type Update struct {
	Kind       Kind            `json:"kind"`
	Timestamp  int64           `json:"timestamp"`
	Collection string          `json:"collection"`
	DocID      string          `json:"docId"`
	Field      string          `json:"field,omitempty"`
	Value      json.RawMessage `json:"value,omitempty"`

	// OriginNodeID and Sequence are the secondary tiebreaker resolving
	// spec.md §9's open question on per-field timestamp granularity
	// (SPEC_FULL.md §3.1). They are set by Collection.upsertOne/deleteOne
	// at commit time and are not required on the wire from a caller that
	// only ever reads Updates back out.
	OriginNodeID string `json:"originNodeId,omitempty"`
	Sequence     int    `json:"sequence"`
}

// NewField builds a Field update. value must already be a valid JSON
// encoding of the field's new value.
func NewField(ts int64, collection, docID, field string, value json.RawMessage) Update {
	return Update{
		Kind:       KindField,
		Timestamp:  ts,
		Collection: collection,
		DocID:      docID,
		Field:      field,
		Value:      value,
	}
}

// NewDelete builds a Delete update.
func NewDelete(ts int64, collection, docID string) Update {
	return Update{
		Kind:       KindDelete,
		Timestamp:  ts,
		Collection: collection,
		DocID:      docID,
	}
}

// Validate enforces invariant 5 from spec.md §3: absent timestamps cause an
// integration error.
func (u Update) Validate() error {
	if u.Timestamp == 0 {
		return ErrMissingTimestamp
	}
	if u.Collection == "" {
		return errors.New("update: missing collection")
	}
	if u.DocID == "" {
		return errors.New("update: missing docId")
	}
	if u.Kind == KindField && u.Field == "" {
		return errors.New("update: field update missing field name")
	}
	return nil
}

// Less orders two updates by the tiebreaker chain described in
// SPEC_FULL.md §3.1: timestamp, then origin node, then sequence (the
// originating Collection's per-update counter).
// SyncCore's dispatch sort (spec.md §4.3.2) uses this directly, since the
// concatenation order fed into that sort comes from a BFS over map-valued
// block sets and is not itself deterministic across nodes.
func (u Update) Less(other Update) bool {
	if u.Timestamp != other.Timestamp {
		return u.Timestamp < other.Timestamp
	}
	if u.OriginNodeID != other.OriginNodeID {
		return u.OriginNodeID < other.OriginNodeID
	}
	return u.Sequence < other.Sequence
}

// BlockID identifies a Block by a random v4 UUID (spec.md §3: identity is
// by id, not by content hash).
type BlockID string

// NewBlockID allocates a fresh random block identifier.
func NewBlockID() BlockID {
	return BlockID(uuid.NewString())
}

func (id BlockID) String() string { return string(id) }

// IsZero reports whether id is the empty BlockID.
func (id BlockID) IsZero() bool { return id == "" }

// BlockIDSet is a set of block ids, used for prevBlocks and head sets.
type BlockIDSet map[BlockID]struct{}

// NewBlockIDSet builds a set from the given ids.
func NewBlockIDSet(ids ...BlockID) BlockIDSet {
	s := make(BlockIDSet, len(ids))
	for _, id := range ids {
		s[id] = struct{}{}
	}
	return s
}

// Slice returns the set's members in no particular order.
func (s BlockIDSet) Slice() []BlockID {
	out := make([]BlockID, 0, len(s))
	for id := range s {
		out = append(out, id)
	}
	return out
}

// Has reports whether id is a member of s.
func (s BlockIDSet) Has(id BlockID) bool {
	_, ok := s[id]
	return ok
}

// Add inserts id into s.
func (s BlockIDSet) Add(id BlockID) { s[id] = struct{}{} }

// Block is an immutable bundle of updates committed by one node. prevBlocks
// is the set of head ids the committing node observed immediately before
// commit (spec.md §3); it is never mutated after creation.
type Block struct {
	ID         BlockID    `json:"id"`
	PrevBlocks BlockIDSet `json:"prevBlocks"`
	Data       []Update   `json:"data"`
}

// New builds a Block with a fresh id.
func New(prevBlocks BlockIDSet, data []Update) Block {
	if prevBlocks == nil {
		prevBlocks = BlockIDSet{}
	}
	return Block{
		ID:         NewBlockID(),
		PrevBlocks: prevBlocks,
		Data:       data,
	}
}

// LastTimestamp returns the timestamp of the block's last update, or 0 for
// an empty block. Used by SyncCore's findBlocksFromTime cutoff walk
// (spec.md §4.3.2).
func (b Block) LastTimestamp() int64 {
	if len(b.Data) == 0 {
		return 0
	}
	return b.Data[len(b.Data)-1].Timestamp
}

// FirstTimestamp returns the timestamp of the block's first update.
func (b Block) FirstTimestamp() int64 {
	if len(b.Data) == 0 {
		return 0
	}
	return b.Data[0].Timestamp
}

// Validate checks structural invariants: a non-empty id, and every update
// timestamped (spec.md §3 invariant 5).
func (b Block) Validate() error {
	if b.ID.IsZero() {
		return errors.New("block: missing id")
	}
	for i, u := range b.Data {
		if err := u.Validate(); err != nil {
			return fmt.Errorf("block %s: update[%d]: %w", b.ID, i, err)
		}
	}
	return nil
}

// BlockDetails is the projection of a Block used on the wire and in the
// broker's node directory: identity plus ancestry, without the payload.
// This is IBlockDetails from spec.md §9's open question; the field is
// named "id" (resolved in SPEC_FULL.md §6.2), never "_id".
type BlockDetails struct {
	ID         BlockID  `json:"id"`
	PrevBlocks []BlockID `json:"prevBlocks"`
}

// Details projects b down to its BlockDetails.
func (b Block) Details() BlockDetails {
	return BlockDetails{
		ID:         b.ID,
		PrevBlocks: b.PrevBlocks.Slice(),
	}
}
