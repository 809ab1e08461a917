package keyed

import (
	"sync"

	"github.com/spaolacci/murmur3"
)

const defaultShards = 32

type shard[V any] struct {
	mu      sync.Mutex
	entries map[string]*V
}

// Map is a sharded map of per-key state. All access to a value happens
// inside a callback holding the value's shard lock, so read-modify-write
// sequences on the same key serialize.
type Map[V any] struct {
	shards []shard[V]
}

func New[V any](shards int) *Map[V] {
	if shards <= 0 {
		shards = defaultShards
	}
	m := &Map[V]{shards: make([]shard[V], shards)}
	for i := range m.shards {
		m.shards[i].entries = make(map[string]*V)
	}
	return m
}

func (m *Map[V]) shardFor(key string) *shard[V] {
	idx := murmur3.Sum32([]byte(key)) % uint32(len(m.shards))
	return &m.shards[idx]
}

// Do runs fn with the value stored under key, creating it with create when
// missing. fn runs with the shard lock held and must not call back into m.
func (m *Map[V]) Do(key string, create func() *V, fn func(v *V)) {
	s := m.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	v, ok := s.entries[key]
	if !ok {
		v = create()
		s.entries[key] = v
	}
	fn(v)
}

// Peek runs fn only when key already exists. It reports whether it did.
func (m *Map[V]) Peek(key string, fn func(v *V)) bool {
	s := m.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	v, ok := s.entries[key]
	if !ok {
		return false
	}
	fn(v)
	return true
}

// Range visits every entry, one shard lock at a time.
func (m *Map[V]) Range(fn func(key string, v *V)) {
	for i := range m.shards {
		s := &m.shards[i]
		s.mu.Lock()
		for k, v := range s.entries {
			fn(k, v)
		}
		s.mu.Unlock()
	}
}

// DeleteIf removes every entry for which stale returns true. The predicate
// runs under the same lock as the removal.
func (m *Map[V]) DeleteIf(stale func(key string, v *V) bool) int {
	removed := 0
	for i := range m.shards {
		s := &m.shards[i]
		s.mu.Lock()
		for k, v := range s.entries {
			if stale(k, v) {
				delete(s.entries, k)
				removed++
			}
		}
		s.mu.Unlock()
	}
	return removed
}

func (m *Map[V]) Len() int {
	n := 0
	for i := range m.shards {
		s := &m.shards[i]
		s.mu.Lock()
		n += len(s.entries)
		s.mu.Unlock()
	}
	return n
}
