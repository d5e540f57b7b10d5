package update

import "encoding/json"

// Document is a mapping of field name to JSON-encoded value, plus the
// mandatory _id key, per spec.md §3. Storage and the wire both use this
// shape; the application layer decodes individual field values with a
// schema it owns.
type Document map[string]json.RawMessage

// ID returns the document's _id field, or "" if unset or not a string.
func (d Document) ID() string {
	raw, ok := d["_id"]
	if !ok {
		return ""
	}
	var id string
	if err := json.Unmarshal(raw, &id); err != nil {
		return ""
	}
	return id
}

// Clone returns a shallow copy of d safe to mutate without affecting the
// original map.
func (d Document) Clone() Document {
	out := make(Document, len(d))
	for k, v := range d {
		out[k] = v
	}
	return out
}

// Merge returns a new Document with partial's fields overlaid onto d.
// Used by Collection.upsertOne's fetch-merge step (spec.md §4.2).
func (d Document) Merge(partial Document) Document {
	out := d.Clone()
	for k, v := range partial {
		out[k] = v
	}
	return out
}
