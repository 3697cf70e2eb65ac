package store

import (
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"strconv"
	"strings"

	"github.com/jason-s-yu/skirmish/internal/apperr"
)

// txn buffers the reads and writes of one transaction attempt. Both stores
// drive it: fetch loads committed state, and the commit step checks that every
// recorded read still matches before applying pending writes.
type txn struct {
	fetch func(path string) ([]byte, error) // nil, nil when absent

	reads   map[string][]byte
	pending map[string][]byte
	order   []string
}

func newTxn(fetch func(path string) ([]byte, error)) *txn {
	return &txn{
		fetch:   fetch,
		reads:   make(map[string][]byte),
		pending: make(map[string][]byte),
	}
}

func (t *txn) load(path string) ([]byte, error) {
	if data, ok := t.pending[path]; ok {
		return data, nil
	}
	if data, ok := t.reads[path]; ok {
		return data, nil
	}
	data, err := t.fetch(path)
	if err != nil {
		return nil, err
	}
	t.reads[path] = data
	return data, nil
}

func (t *txn) put(path string, data []byte) {
	if _, ok := t.pending[path]; !ok {
		t.order = append(t.order, path)
	}
	t.pending[path] = data
}

// paths returns every path the attempt touched.
func (t *txn) paths() []string {
	seen := make(map[string]bool, len(t.reads)+len(t.order))
	var out []string
	for p := range t.reads {
		if !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	for _, p := range t.order {
		if !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	sort.Strings(out)
	return out
}

// stale reports whether any read no longer matches current().
func (t *txn) stale(current func(path string) ([]byte, error)) (bool, error) {
	for p, seen := range t.reads {
		cur, err := current(p)
		if err != nil {
			return false, err
		}
		if !bytes.Equal(cur, seen) {
			return true, nil
		}
	}
	return false, nil
}

func (t *txn) Get(path string, dst any) error {
	data, err := t.load(path)
	if err != nil {
		return err
	}
	if data == nil {
		return notFound(path)
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

func (t *txn) Set(path string, doc any) error {
	if isNil(doc) {
		return undefined(path)
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode %s: %w", path, err)
	}
	t.put(path, data)
	return nil
}

func (t *txn) Update(path string, fields map[string]any) error {
	data, err := t.load(path)
	if err != nil {
		return err
	}
	if data == nil {
		return notFound(path)
	}
	doc, err := decodeDoc(data)
	if err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	if err := mergeFields(doc, fields); err != nil {
		if apperr.CodeOf(err) != apperr.CodeUnknown {
			return err
		}
		return fmt.Errorf("update %s: %w", path, err)
	}
	out, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode %s: %w", path, err)
	}
	t.put(path, out)
	return nil
}

func (t *txn) Increment(path, field string, delta int64) error {
	data, err := t.load(path)
	if err != nil {
		return err
	}
	doc := map[string]any{}
	if data != nil {
		if doc, err = decodeDoc(data); err != nil {
			return fmt.Errorf("decode %s: %w", path, err)
		}
	}
	if err := incrementField(doc, field, delta); err != nil {
		return fmt.Errorf("increment %s.%s: %w", path, field, err)
	}
	out, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode %s: %w", path, err)
	}
	t.put(path, out)
	return nil
}

func decodeDoc(data []byte) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	doc := map[string]any{}
	if err := dec.Decode(&doc); err != nil {
		return nil, err
	}
	return doc, nil
}

// normalize converts v to the generic JSON form held in decoded documents.
func normalize(v any) (any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var out any
	if err := dec.Decode(&out); err != nil {
		return nil, err
	}
	return out, nil
}

// isNil is true for the values the store treats as undefined: a nil
// interface or a nil pointer. Nil slices and maps are stored as null.
func isNil(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Interface:
		return rv.IsNil()
	}
	return false
}

func undefined(field string) error {
	return apperr.Wrap(apperr.CodePreconditionFailed, "undefined value for "+field, ErrUndefinedValue)
}

// walk returns the object holding the last segment of a dotted key,
// creating intermediate objects as needed.
func walk(doc map[string]any, key string) (map[string]any, string) {
	parts := strings.Split(key, ".")
	parent := doc
	for _, p := range parts[:len(parts)-1] {
		child, ok := parent[p].(map[string]any)
		if !ok {
			child = map[string]any{}
			parent[p] = child
		}
		parent = child
	}
	return parent, parts[len(parts)-1]
}

func mergeFields(doc map[string]any, fields map[string]any) error {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		v := fields[k]
		if isNil(v) {
			return undefined(k)
		}
		parent, last := walk(doc, k)
		if _, ok := v.(deleteField); ok {
			delete(parent, last)
			continue
		}
		norm, err := normalize(v)
		if err != nil {
			return fmt.Errorf("field %s: %w", k, err)
		}
		parent[last] = norm
	}
	return nil
}

func incrementField(doc map[string]any, field string, delta int64) error {
	parent, last := walk(doc, field)
	var cur int64
	switch v := parent[last].(type) {
	case nil:
	case json.Number:
		n, err := v.Int64()
		if err != nil {
			return fmt.Errorf("not an integer: %s", v)
		}
		cur = n
	case float64:
		cur = int64(v)
	default:
		return fmt.Errorf("not a number: %T", v)
	}
	parent[last] = json.Number(strconv.FormatInt(cur+delta, 10))
	return nil
}
