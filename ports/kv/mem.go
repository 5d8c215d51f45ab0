package kv

import (
	"context"
	"sync"
	"time"
)

type memEntry struct {
	Entry
	expiresAt time.Time
}

type MemStore struct {
	mu   sync.RWMutex
	now  func() time.Time
	data map[string]memEntry
}

func NewMemStore() *MemStore {
	return &MemStore{now: time.Now, data: map[string]memEntry{}}
}

// WithClock replaces the clock used for TTL expiry.
func (m *MemStore) WithClock(now func() time.Time) *MemStore {
	m.now = now
	return m
}

func (m *MemStore) Put(_ context.Context, key string, entry Entry, opts PutOptions) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := memEntry{Entry: Entry{Data: append([]byte(nil), entry.Data...)}}
	if opts.TTL > 0 {
		e.expiresAt = m.now().Add(opts.TTL)
	}
	m.data[key] = e
	return nil
}

func (m *MemStore) Get(_ context.Context, key string) (Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.data[key]
	if !ok || (!e.expiresAt.IsZero() && !m.now().Before(e.expiresAt)) {
		return Entry{}, ErrNotFound
	}
	return e.Entry, nil
}

func (m *MemStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

var _ Store = (*MemStore)(nil)
