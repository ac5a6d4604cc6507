// Package state holds the per-run artifact store shared by every stage of a
// pipeline. Stages never talk to each other directly; they read the values a
// previous stage left here and write their own.
//
// A Store is owned by exactly one run and is accessed from one goroutine at a
// time, so it carries no lock.
package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// ErrAbsent is returned by the typed getters when no prior artifact exists.
var ErrAbsent = errors.New("state: no prior artifact")

// Value is anything a stage stores: raw producer text, an extracted artifact,
// or a structured record such as a tool result.
type Value = any

// Store maps artifact keys to values. Last writer wins.
type Store struct {
	values map[string]Value
}

// New creates an empty store.
func New() *Store {
	return &Store{values: make(map[string]Value)}
}

// Get returns the value for key. ok is false when nothing has been written yet,
// which callers must treat as a valid "no prior artifact" input.
func (s *Store) Get(key string) (Value, bool) {
	v, ok := s.values[key]
	return v, ok
}

// Set stores value under key, replacing any previous value.
func (s *Store) Set(key string, value Value) {
	s.values[key] = value
}

// Delete removes key.
func (s *Store) Delete(key string) {
	delete(s.values, key)
}

// Len returns the number of stored keys.
func (s *Store) Len() int {
	return len(s.values)
}

// Keys returns the stored keys in sorted order.
func (s *Store) Keys() []string {
	keys := make([]string, 0, len(s.values))
	for k := range s.values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// GetString returns the string stored under key.
func (s *Store) GetString(key string) (string, error) {
	v, ok := s.values[key]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrAbsent, key)
	}
	str, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("state: %s holds %T, not string", key, v)
	}
	return str, nil
}

// Lookup returns the value under key as T.
func Lookup[T any](s *Store, key string) (T, error) {
	var zero T
	v, ok := s.values[key]
	if !ok {
		return zero, fmt.Errorf("%w: %s", ErrAbsent, key)
	}
	typed, ok := v.(T)
	if !ok {
		return zero, fmt.Errorf("state: %s holds %T, not %T", key, v, zero)
	}
	return typed, nil
}

// View returns a read-only copy restricted to keys. Keys with no value are
// simply missing from the view.
func (s *Store) View(keys ...string) View {
	v := View{values: make(map[string]Value, len(keys)), order: make([]string, 0, len(keys))}
	for _, k := range keys {
		v.order = append(v.order, k)
		if val, ok := s.values[k]; ok {
			v.values[k] = val
		}
	}
	return v
}

// Snapshot returns a shallow copy of every stored value.
func (s *Store) Snapshot() map[string]Value {
	out := make(map[string]Value, len(s.values))
	for k, v := range s.values {
		out[k] = v
	}
	return out
}

// WriteSnapshot persists the store as YAML for post-run inspection. The
// engine never reads it back.
func (s *Store) WriteSnapshot(path string) error {
	doc := make(map[string]any, len(s.values))
	for k, v := range s.values {
		doc[k] = snapshotValue(v)
	}
	data, err := yaml.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create snapshot directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write snapshot: %w", err)
	}
	return nil
}

// snapshotValue routes structured records through their JSON form so YAML
// output uses the same field names producers see.
func snapshotValue(v Value) any {
	switch v.(type) {
	case string, nil:
		return v
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	var generic any
	if err := json.Unmarshal(data, &generic); err != nil {
		return string(data)
	}
	return generic
}

// ArtifactKey names the slot an extracted artifact is stored under:
// "<outputKey>.<name>".
func ArtifactKey(outputKey, name string) string {
	return outputKey + "." + name
}

// View is the partial, read-only slice of a Store handed to a producer.
type View struct {
	values map[string]Value
	order  []string
}

// Has reports whether key has a prior artifact.
func (v View) Has(key string) bool {
	_, ok := v.values[key]
	return ok
}

// Get returns the raw value for key.
func (v View) Get(key string) (Value, bool) {
	val, ok := v.values[key]
	return val, ok
}

// Keys returns the declared keys in declaration order, present or not.
func (v View) Keys() []string {
	return append([]string(nil), v.order...)
}

// String renders key as text. Strings pass through; structured records are
// rendered as indented JSON; absent keys render as "".
func (v View) String(key string) string {
	val, ok := v.values[key]
	if !ok {
		return ""
	}
	return Render(val)
}

// Render converts a stored value to the text a producer sees.
func Render(val Value) string {
	switch x := val.(type) {
	case nil:
		return ""
	case string:
		return x
	case fmt.Stringer:
		return x.String()
	}
	data, err := json.MarshalIndent(val, "", "  ")
	if err != nil {
		return fmt.Sprintf("%v", val)
	}
	return strings.TrimSpace(string(data))
}
