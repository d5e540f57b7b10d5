// Package canon implements the canonical JSON encoding the database-hash
// test contract (spec.md §4.5) depends on: sorted object keys, preserved
// array order, a fixed number format, uniform string escaping. No library
// in the teacher lineage or the rest of the retrieved pack provides this
// property — the teacher's own JSON usage never needs deterministic key
// order because it round-trips through fixed Go structs, and its on-disk
// canonicalization is protobuf, whose field order is schema-fixed rather
// than sort-fixed. This is the one place blocksync is standard-library by
// necessity rather than by default; see DESIGN.md.
package canon

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
)

// Marshal produces the canonical encoding of v: object keys sorted
// lexicographically at every nesting level, arrays left in place, numbers
// formatted by encoding/json's default (which already renders float64 and
// json.Number consistently), strings escaped by encoding/json.
func Marshal(v any) ([]byte, error) {
	generic, err := toGeneric(v)
	if err != nil {
		return nil, fmt.Errorf("canon: normalize: %w", err)
	}
	var buf bytes.Buffer
	if err := encode(&buf, generic); err != nil {
		return nil, fmt.Errorf("canon: encode: %w", err)
	}
	return buf.Bytes(), nil
}

// Hash returns the hex-encoded SHA-256 of v's canonical encoding — the
// database-hash contract of spec.md §4.5, steps 3–4.
func Hash(v any) (string, error) {
	data, err := Marshal(v)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// toGeneric round-trips v through encoding/json to obtain a value built
// only from map[string]any, []any, json.Number, string, bool and nil, so
// encode can walk it uniformly regardless of v's concrete Go type.
func toGeneric(v any) (any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var generic any
	if err := dec.Decode(&generic); err != nil {
		return nil, err
	}
	return generic, nil
}

func encode(buf *bytes.Buffer, v any) error {
	switch val := v.(type) {
	case nil:
		buf.WriteString("null")
		return nil
	case bool, json.Number, string:
		return encodeScalar(buf, val)
	case map[string]any:
		return encodeObject(buf, val)
	case []any:
		return encodeArray(buf, val)
	default:
		return fmt.Errorf("canon: unsupported type %T", v)
	}
}

func encodeScalar(buf *bytes.Buffer, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	buf.Write(data)
	return nil
}

func encodeObject(buf *bytes.Buffer, m map[string]any) error {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	buf.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		keyJSON, err := json.Marshal(k)
		if err != nil {
			return err
		}
		buf.Write(keyJSON)
		buf.WriteByte(':')
		if err := encode(buf, m[k]); err != nil {
			return err
		}
	}
	buf.WriteByte('}')
	return nil
}

func encodeArray(buf *bytes.Buffer, arr []any) error {
	buf.WriteByte('[')
	for i, elem := range arr {
		if i > 0 {
			buf.WriteByte(',')
		}
		if err := encode(buf, elem); err != nil {
			return err
		}
	}
	buf.WriteByte(']')
	return nil
}
