package kv

import (
	"context"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultMemoryCapacity bounds the in-memory store. Oldest entries are
// evicted first once the capacity is reached.
const DefaultMemoryCapacity = 4096

type memoryEntry struct {
	value     []byte
	expiresAt time.Time // zero means no expiry
}

// Memory is an in-process Store backed by an LRU cache with per-entry expiry.
type Memory struct {
	mu    sync.Mutex
	store *lru.Cache[string, memoryEntry]
	now   func() time.Time
}

// MemoryOption configures a Memory store.
type MemoryOption func(*Memory)

// WithMemoryNow sets the time function for testing.
func WithMemoryNow(now func() time.Time) MemoryOption {
	return func(m *Memory) {
		m.now = now
	}
}

// NewMemory creates an in-memory store with the given capacity.
// A capacity <= 0 uses DefaultMemoryCapacity.
func NewMemory(capacity int, opts ...MemoryOption) (*Memory, error) {
	if capacity <= 0 {
		capacity = DefaultMemoryCapacity
	}
	store, err := lru.New[string, memoryEntry](capacity)
	if err != nil {
		return nil, err
	}
	m := &Memory{
		store: store,
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Get retrieves a value, treating expired entries as misses and removing
// them eagerly.
func (m *Memory) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.store.Get(key)
	if !ok {
		return nil, false, nil
	}
	if !entry.expiresAt.IsZero() && !m.now().Before(entry.expiresAt) {
		m.store.Remove(key)
		return nil, false, nil
	}

	value := make([]byte, len(entry.value))
	copy(value, entry.value)
	return value, true, nil
}

// SetEx stores a value with a TTL.
func (m *Memory) SetEx(_ context.Context, key string, value []byte, ttl time.Duration) error {
	entry := memoryEntry{value: make([]byte, len(value))}
	copy(entry.value, value)
	if ttl > 0 {
		entry.expiresAt = m.now().Add(ttl)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.store.Add(key, entry)
	return nil
}

// Delete removes a key.
func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.store.Remove(key)
	return nil
}

// Keys lists unexpired keys with the given prefix.
func (m *Memory) Keys(_ context.Context, prefix string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	var keys []string
	for _, key := range m.store.Keys() {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		entry, ok := m.store.Peek(key)
		if !ok {
			continue
		}
		if !entry.expiresAt.IsZero() && !now.Before(entry.expiresAt) {
			continue
		}
		keys = append(keys, key)
	}
	return keys, nil
}

// Close implements Store. The in-memory store holds no external resources.
func (m *Memory) Close() error {
	return nil
}

var _ Store = (*Memory)(nil)
