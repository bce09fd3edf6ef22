package machine

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
)

// Schema validates a context value on Set. Returning an error rejects
// the write with a context validation error.
type Schema func(key string, value interface{}) error

// Context is the machine's insertion-ordered key/value container. Only
// calculators and actions mutate it; the engine snapshots it per
// recorded event so a replayed context is byte-identical to the live
// one. Not safe for concurrent use; the per-machine lock serializes
// access.
type Context struct {
	keys    []string
	values  map[string]interface{}
	schema  Schema
	dirty   map[string]bool
	removed map[string]bool
	version uint64
}

// NewContext creates an empty context with an optional schema.
func NewContext(schema Schema) *Context {
	return &Context{
		values:  make(map[string]interface{}),
		schema:  schema,
		dirty:   make(map[string]bool),
		removed: make(map[string]bool),
	}
}

// Seed loads the initial context values. Map order is not meaningful in
// Go, so keys are seeded in lexical order to keep replays deterministic.
func (c *Context) Seed(initial map[string]interface{}) error {
	keys := make([]string, 0, len(initial))
	for k := range initial {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if err := c.Set(k, initial[k]); err != nil {
			return err
		}
	}
	return nil
}

// Set writes a value, validating it against the schema. New keys go to
// the end of the insertion order; existing keys keep their position.
func (c *Context) Set(key string, value interface{}) error {
	if key == "" {
		return newError(ErrorCodeContextValidation, "context key must not be empty")
	}
	if c.schema != nil {
		if err := c.schema(key, value); err != nil {
			return newError(ErrorCodeContextValidation, "context value for %q rejected: %v", key, err).withCause(err)
		}
	}
	if _, exists := c.values[key]; !exists {
		c.keys = append(c.keys, key)
	}
	c.values[key] = value
	c.dirty[key] = true
	delete(c.removed, key)
	c.version++
	return nil
}

// Get returns the value for key.
func (c *Context) Get(key string) (interface{}, bool) {
	v, ok := c.values[key]
	return v, ok
}

// Has reports key presence.
func (c *Context) Has(key string) bool {
	_, ok := c.values[key]
	return ok
}

// Delete removes a key, reporting whether it existed.
func (c *Context) Delete(key string) bool {
	if _, ok := c.values[key]; !ok {
		return false
	}
	delete(c.values, key)
	for i, k := range c.keys {
		if k == key {
			c.keys = append(c.keys[:i], c.keys[i+1:]...)
			break
		}
	}
	delete(c.dirty, key)
	c.removed[key] = true
	c.version++
	return true
}

// Version is a mutation counter. It only ever grows; comparing two
// readings tells whether the context changed in between.
func (c *Context) Version() uint64 { return c.version }

// Keys returns the keys in insertion order.
func (c *Context) Keys() []string { return append([]string(nil), c.keys...) }

// Len returns the number of keys.
func (c *Context) Len() int { return len(c.keys) }

// GetString returns the string value of key, coercing nothing.
func (c *Context) GetString(key string) (string, bool) {
	v, ok := c.values[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// GetInt returns the value of key as int64, coercing the numeric types a
// JSON round trip produces.
func (c *Context) GetInt(key string) (int64, bool) {
	v, ok := c.values[key]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case uint:
		return int64(n), true
	case float64:
		return int64(n), true
	case float32:
		return int64(n), true
	case json.Number:
		i, err := n.Int64()
		return i, err == nil
	default:
		return 0, false
	}
}

// GetFloat returns the value of key as float64.
func (c *Context) GetFloat(key string) (float64, bool) {
	v, ok := c.values[key]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

// GetBool returns the bool value of key.
func (c *Context) GetBool(key string) (bool, bool) {
	v, ok := c.values[key]
	if !ok {
		return false, false
	}
	b, ok := v.(bool)
	return b, ok
}

// MarshalJSON encodes the context as a JSON object whose keys appear in
// insertion order.
func (c *Context) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range c.keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		kb, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		buf.Write(kb)
		buf.WriteByte(':')
		vb, err := json.Marshal(c.values[k])
		if err != nil {
			return nil, fmt.Errorf("machine: context value %q: %w", k, err)
		}
		buf.Write(vb)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// Snapshot returns the full ordered snapshot in the recorded wrapper
// form used for a timeline's first event.
func (c *Context) Snapshot() (json.RawMessage, error) {
	inner, err := c.MarshalJSON()
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	buf.WriteString(`{"full":`)
	buf.Write(inner)
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// Flush returns the delta accumulated since the previous flush in the
// recorded wrapper form, or nil when nothing changed. Tracking resets.
func (c *Context) Flush() (json.RawMessage, error) {
	if len(c.dirty) == 0 && len(c.removed) == 0 {
		return nil, nil
	}
	var buf bytes.Buffer
	buf.WriteString(`{"set":{`)
	first := true
	for _, k := range c.keys {
		if !c.dirty[k] {
			continue
		}
		if !first {
			buf.WriteByte(',')
		}
		first = false
		kb, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		buf.Write(kb)
		buf.WriteByte(':')
		vb, err := json.Marshal(c.values[k])
		if err != nil {
			return nil, fmt.Errorf("machine: context value %q: %w", k, err)
		}
		buf.Write(vb)
	}
	buf.WriteString(`},"del":[`)
	removed := make([]string, 0, len(c.removed))
	for k := range c.removed {
		removed = append(removed, k)
	}
	sort.Strings(removed)
	for i, k := range removed {
		if i > 0 {
			buf.WriteByte(',')
		}
		kb, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		buf.Write(kb)
	}
	buf.WriteString(`]}`)
	c.ResetTracking()
	return buf.Bytes(), nil
}

// ResetTracking clears the dirty and removed sets without recording.
func (c *Context) ResetTracking() {
	c.dirty = make(map[string]bool)
	c.removed = make(map[string]bool)
}

// ApplyJSON replays one recorded snapshot or delta. Schema checks are
// skipped: recorded values were validated when first written.
func (c *Context) ApplyJSON(raw json.RawMessage) error {
	if len(raw) == 0 {
		return nil
	}
	keys, values, err := decodeOrdered(raw)
	if err != nil {
		return err
	}
	for _, outer := range keys {
		switch outer {
		case "full":
			c.keys = nil
			c.values = make(map[string]interface{})
			inner, ok := values["full"].(*orderedObject)
			if !ok {
				return newError(ErrorCodeContextValidation, "context snapshot: full is not an object")
			}
			for _, k := range inner.keys {
				c.keys = append(c.keys, k)
				c.values[k] = inner.values[k]
			}
		case "set":
			inner, ok := values["set"].(*orderedObject)
			if !ok {
				return newError(ErrorCodeContextValidation, "context delta: set is not an object")
			}
			for _, k := range inner.keys {
				if _, exists := c.values[k]; !exists {
					c.keys = append(c.keys, k)
				}
				c.values[k] = inner.values[k]
			}
		case "del":
			list, ok := values["del"].([]interface{})
			if !ok {
				return newError(ErrorCodeContextValidation, "context delta: del is not a list")
			}
			for _, item := range list {
				k, ok := item.(string)
				if !ok {
					return newError(ErrorCodeContextValidation, "context delta: del entry is not a string")
				}
				delete(c.values, k)
				for i, existing := range c.keys {
					if existing == k {
						c.keys = append(c.keys[:i], c.keys[i+1:]...)
						break
					}
				}
			}
		default:
			return newError(ErrorCodeContextValidation, "context record: unknown wrapper key %q", outer)
		}
	}
	c.ResetTracking()
	return nil
}

// Clone deep-copies the context through its JSON encoding, the same
// path replay takes, so clones compare byte-equal to the original.
func (c *Context) Clone() (*Context, error) {
	snap, err := c.Snapshot()
	if err != nil {
		return nil, err
	}
	out := NewContext(c.schema)
	if err := out.ApplyJSON(snap); err != nil {
		return nil, err
	}
	return out, nil
}

// Equal compares two contexts by their ordered JSON encoding.
func (c *Context) Equal(other *Context) bool {
	if other == nil {
		return false
	}
	a, err := c.MarshalJSON()
	if err != nil {
		return false
	}
	b, err := other.MarshalJSON()
	if err != nil {
		return false
	}
	return bytes.Equal(a, b)
}

// orderedObject keeps top-level key order while decoding recorded
// context JSON. Nested objects decode to plain maps: both the live and
// the replayed encoder sort nested map keys, so the bytes still match.
type orderedObject struct {
	keys   []string
	values map[string]interface{}
}

func decodeOrdered(raw []byte) ([]string, map[string]interface{}, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	tok, err := dec.Token()
	if err != nil {
		return nil, nil, newError(ErrorCodeContextValidation, "context record: %v", err)
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return nil, nil, newError(ErrorCodeContextValidation, "context record must be a JSON object")
	}
	var keys []string
	values := make(map[string]interface{})
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return nil, nil, newError(ErrorCodeContextValidation, "context record key: %v", err)
		}
		key := keyTok.(string)
		var rawVal json.RawMessage
		if err := dec.Decode(&rawVal); err != nil {
			return nil, nil, newError(ErrorCodeContextValidation, "context record value %q: %v", key, err)
		}
		val, err := decodeValue(rawVal)
		if err != nil {
			return nil, nil, err
		}
		keys = append(keys, key)
		values[key] = val
	}
	return keys, values, nil
}

func decodeValue(raw json.RawMessage) (interface{}, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		keys, values, err := decodeOrdered(trimmed)
		if err != nil {
			return nil, err
		}
		return &orderedObject{keys: keys, values: values}, nil
	}
	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.UseNumber()
	var v interface{}
	if err := dec.Decode(&v); err != nil {
		return nil, newError(ErrorCodeContextValidation, "context record value: %v", err)
	}
	return v, nil
}

// MarshalJSON lets ordered objects nested in replayed values re-encode
// with their original key order.
func (o *orderedObject) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range o.keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		kb, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		buf.Write(kb)
		buf.WriteByte(':')
		vb, err := json.Marshal(o.values[k])
		if err != nil {
			return nil, err
		}
		buf.Write(vb)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}
