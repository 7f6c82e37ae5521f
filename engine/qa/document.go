package qa

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
)

// Member is a single key/value pair of an Object.
type Member struct {
	Key   string
	Value any
}

// Object is a decoded JSON object that keeps its members in source order.
// Extraction output order depends on member order, so documents are decoded
// into Objects rather than maps.
type Object struct {
	Members []Member
}

// Get returns the value stored under key.
func (o *Object) Get(key string) (any, bool) {
	for _, m := range o.Members {
		if m.Key == key {
			return m.Value, true
		}
	}
	return nil, false
}

// Len returns the number of members.
func (o *Object) Len() int { return len(o.Members) }

// Keys returns member keys in source order.
func (o *Object) Keys() []string {
	keys := make([]string, len(o.Members))
	for i, m := range o.Members {
		keys[i] = m.Key
	}
	return keys
}

// Each calls f for every member in source order.
func (o *Object) Each(f func(key string, v any)) {
	for _, m := range o.Members {
		f(m.Key, m.Value)
	}
}

// set replaces an existing member in place (last value wins, first position
// kept) or appends a new one.
func (o *Object) set(key string, v any) {
	for i := range o.Members {
		if o.Members[i].Key == key {
			o.Members[i].Value = v
			return
		}
	}
	o.Members = append(o.Members, Member{Key: key, Value: v})
}

// fields is the read view the extractor needs from a mapping node.
type fields interface {
	Get(key string) (any, bool)
	Each(f func(key string, v any))
}

// mapFields adapts an already-decoded map. Go maps carry no order, so
// members are visited by sorted key.
type mapFields map[string]any

func (m mapFields) Get(key string) (any, bool) {
	v, ok := m[key]
	return v, ok
}

func (m mapFields) Each(f func(key string, v any)) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		f(k, m[k])
	}
}

func asFields(v any) (fields, bool) {
	switch t := v.(type) {
	case *Object:
		if t == nil {
			return nil, false
		}
		return t, true
	case map[string]any:
		return mapFields(t), true
	}
	return nil, false
}

// Decode reads a single JSON value from r. Objects decode to *Object, arrays
// to []any, numbers to json.Number; strings, booleans and null decode as
// encoding/json does.
func Decode(r io.Reader) (any, error) {
	dec := json.NewDecoder(r)
	dec.UseNumber()

	v, err := decodeValue(dec)
	if err != nil {
		return nil, fmt.Errorf("qa: decode document: %w", err)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, errors.New("qa: decode document: trailing data after top-level value")
	}
	return v, nil
}

// DecodeBytes is Decode over an in-memory document.
func DecodeBytes(data []byte) (any, error) {
	return Decode(bytes.NewReader(data))
}

func decodeValue(dec *json.Decoder) (any, error) {
	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	d, ok := tok.(json.Delim)
	if !ok {
		return tok, nil
	}

	switch d {
	case '{':
		obj := &Object{}
		for dec.More() {
			kt, err := dec.Token()
			if err != nil {
				return nil, err
			}
			key, ok := kt.(string)
			if !ok {
				return nil, fmt.Errorf("object key %v is not a string", kt)
			}
			v, err := decodeValue(dec)
			if err != nil {
				return nil, err
			}
			obj.set(key, v)
		}
		if _, err := dec.Token(); err != nil {
			return nil, err
		}
		return obj, nil
	case '[':
		arr := []any{}
		for dec.More() {
			v, err := decodeValue(dec)
			if err != nil {
				return nil, err
			}
			arr = append(arr, v)
		}
		if _, err := dec.Token(); err != nil {
			return nil, err
		}
		return arr, nil
	}
	return nil, fmt.Errorf("unexpected delimiter %q", d)
}
