// Package tag defines the record type stored in region files and its binary
// encoding.
//
// A record is a tree of string-keyed compounds, lists and scalars. Records
// are encoded with msgpack using sorted map keys, so equal records always
// encode to equal bytes.
package tag

import (
	"bytes"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// DataVersionKey is the field holding the record's data version.
const DataVersionKey = "DataVersion"

// Compound is a string-keyed record node.
type Compound map[string]any

// Encode serializes the compound.
func Encode(c Compound) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.SetSortMapKeys(true)
	if err := enc.Encode(map[string]any(c)); err != nil {
		return nil, fmt.Errorf("encode record: %w", err)
	}
	return buf.Bytes(), nil
}

// Decode parses a compound produced by Encode. Integers decode as int64,
// unsigned integers as uint64 and floats as float64.
func Decode(data []byte) (Compound, error) {
	dec := msgpack.NewDecoder(bytes.NewReader(data))
	dec.UseLooseInterfaceDecoding(true)
	var m map[string]any
	if err := dec.Decode(&m); err != nil {
		return nil, fmt.Errorf("decode record: %w", err)
	}
	if m == nil {
		m = map[string]any{}
	}
	return Compound(m), nil
}

// Int returns the integer stored under key.
func (c Compound) Int(key string) (int64, bool) {
	v, ok := c[key]
	if !ok {
		return 0, false
	}
	return AsInt(v)
}

// Bool returns the boolean stored under key; missing keys read as false.
func (c Compound) Bool(key string) bool {
	v, _ := c[key].(bool)
	return v
}

// Str returns the string stored under key.
func (c Compound) Str(key string) (string, bool) {
	v, ok := c[key].(string)
	return v, ok
}

// Compound returns the child compound stored under key.
func (c Compound) Compound(key string) (Compound, bool) {
	return AsCompound(c[key])
}

// List returns the list stored under key.
func (c Compound) List(key string) ([]any, bool) {
	v, ok := c[key].([]any)
	return v, ok
}

// Has reports whether key is present.
func (c Compound) Has(key string) bool {
	_, ok := c[key]
	return ok
}

// Clone returns a deep copy.
func (c Compound) Clone() Compound {
	if c == nil {
		return nil
	}
	return Compound(cloneMap(c))
}

// AsCompound converts a decoded child value to a Compound.
func AsCompound(v any) (Compound, bool) {
	switch m := v.(type) {
	case Compound:
		return m, true
	case map[string]any:
		return Compound(m), true
	default:
		return nil, false
	}
}

// AsInt converts any integer or float representation to int64.
func AsInt(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int8:
		return int64(n), true
	case int16:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case uint8:
		return int64(n), true
	case uint16:
		return int64(n), true
	case uint32:
		return int64(n), true
	case uint64:
		return int64(n), true
	case float32:
		return int64(n), true
	case float64:
		return int64(n), true
	default:
		return 0, false
	}
}

// DataVersion returns the record's data version, or def when absent.
func DataVersion(c Compound, def int) int {
	if v, ok := c.Int(DataVersionKey); ok {
		return int(v)
	}
	return def
}

// SetDataVersion stamps the record with a data version.
func SetDataVersion(c Compound, version int) {
	c[DataVersionKey] = int64(version)
}

func cloneMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch x := v.(type) {
	case Compound:
		return Compound(cloneMap(x))
	case map[string]any:
		return cloneMap(x)
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = cloneValue(e)
		}
		return out
	case []byte:
		return append([]byte(nil), x...)
	default:
		return v
	}
}
