package secrets

import (
	"sort"
	"sync/atomic"
	"time"
)

// KeyValue is a single configuration entry.
type KeyValue struct {
	Key   string
	Value string
}

// Snapshot is an immutable copy of the secret mapping at one point in time.
type Snapshot struct {
	values     map[string]string
	FetchedAt  time.Time
	Generation uint64
}

// NewSnapshot copies values so the caller's map can be reused freely.
func NewSnapshot(values map[string]string, fetchedAt time.Time, generation uint64) *Snapshot {
	cp := make(map[string]string, len(values))
	for k, v := range values {
		cp[k] = v
	}
	return &Snapshot{values: cp, FetchedAt: fetchedAt, Generation: generation}
}

// Get returns the value for key and whether it is present.
func (s *Snapshot) Get(key string) (string, bool) {
	if s == nil {
		return "", false
	}
	v, ok := s.values[key]
	return v, ok
}

// Len returns the number of keys.
func (s *Snapshot) Len() int {
	if s == nil {
		return 0
	}
	return len(s.values)
}

// Keys returns the keys in sorted order.
func (s *Snapshot) Keys() []string {
	if s == nil {
		return nil
	}
	keys := make([]string, 0, len(s.values))
	for k := range s.values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Entries returns every key/value pair sorted by key.
func (s *Snapshot) Entries() []KeyValue {
	keys := s.Keys()
	out := make([]KeyValue, 0, len(keys))
	for _, k := range keys {
		out = append(out, KeyValue{Key: k, Value: s.values[k]})
	}
	return out
}

// Cache holds the current snapshot. Reads never block and never observe a
// partially replaced snapshot.
type Cache struct {
	current atomic.Pointer[Snapshot]
}

// NewCache returns a cache holding an empty, never-fetched snapshot.
func NewCache() *Cache {
	c := &Cache{}
	c.current.Store(NewSnapshot(nil, time.Time{}, 0))
	return c
}

// Current returns the latest snapshot.
func (c *Cache) Current() *Snapshot {
	return c.current.Load()
}

// Replace publishes s as the current snapshot.
func (c *Cache) Replace(s *Snapshot) {
	c.current.Store(s)
}

// IsStale reports whether the current snapshot is older than maxAge at now.
// A snapshot that was never fetched is always stale.
func (c *Cache) IsStale(now time.Time, maxAge time.Duration) bool {
	s := c.Current()
	if s.FetchedAt.IsZero() {
		return true
	}
	return now.Sub(s.FetchedAt) > maxAge
}
