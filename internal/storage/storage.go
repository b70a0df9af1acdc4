// Package storage provides the static catalog of prebuilt response payloads
// that scenario actions can answer with.
package storage

import (
	"fmt"
	"math/rand"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// Entry is one catalog key: variants shared by every character plus
// per-character overrides.
type Entry struct {
	Variants   []map[string]any            `yaml:"variants"`
	Characters map[string][]map[string]any `yaml:"characters"`
}

// Storage is an immutable catalog loaded from YAML.
type Storage struct {
	entries map[string]Entry
	intn    func(n int) int
}

// Load reads a catalog file.
func Load(path string) (*Storage, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("storage: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse builds a catalog from YAML bytes.
func Parse(data []byte) (*Storage, error) {
	var entries map[string]Entry
	if err := yaml.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("storage: parse: %w", err)
	}
	for key, e := range entries {
		if len(e.Variants) == 0 && len(e.Characters) == 0 {
			return nil, fmt.Errorf("storage: key %q has no variants", key)
		}
	}
	return New(entries), nil
}

// New builds a catalog from already decoded entries.
func New(entries map[string]Entry) *Storage {
	if entries == nil {
		entries = map[string]Entry{}
	}
	return &Storage{entries: entries, intn: rand.Intn}
}

// WithRand returns a copy of s that picks variants with intn. Tests use it to
// make selection deterministic.
func (s *Storage) WithRand(intn func(n int) int) *Storage {
	return &Storage{entries: s.entries, intn: intn}
}

// Get returns one variant for key, chosen uniformly at random. Variants
// specific to characterID take precedence over the shared ones. The returned
// map is a copy the caller may modify.
func (s *Storage) Get(key, characterID string) (map[string]any, bool) {
	e, ok := s.entries[key]
	if !ok {
		return nil, false
	}
	variants := e.Variants
	if cv := e.Characters[characterID]; characterID != "" && len(cv) > 0 {
		variants = cv
	}
	if len(variants) == 0 {
		return nil, false
	}
	return copyMap(variants[s.intn(len(variants))]), true
}

// Has reports whether key exists.
func (s *Storage) Has(key string) bool {
	_, ok := s.entries[key]
	return ok
}

// Keys returns the catalog keys in sorted order.
func (s *Storage) Keys() []string {
	keys := make([]string, 0, len(s.entries))
	for k := range s.entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func copyMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		if nested, ok := v.(map[string]any); ok {
			v = copyMap(nested)
		}
		out[k] = v
	}
	return out
}
