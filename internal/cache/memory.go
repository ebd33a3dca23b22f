package cache

import (
	"context"
	"sync"
	"time"
)

type memItem struct {
	val     []byte
	expires time.Time
}

// Memory is a process-local Cache. Expired items are dropped lazily on Get
// and swept on Set once the map grows.
type Memory struct {
	mu    sync.Mutex
	items map[string]memItem
	now   func() time.Time
}

func NewMemory() *Memory {
	return &Memory{items: map[string]memItem{}, now: time.Now}
}

func (m *Memory) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok := m.items[key]
	if !ok {
		return nil, ErrMiss
	}
	if !it.expires.IsZero() && !m.now().Before(it.expires) {
		delete(m.items, key)
		return nil, ErrMiss
	}
	return append([]byte(nil), it.val...), nil
}

// Set stores val; ttl <= 0 means no expiry.
func (m *Memory) Set(ctx context.Context, key string, val []byte, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	it := memItem{val: append([]byte(nil), val...)}
	if ttl > 0 {
		it.expires = now.Add(ttl)
	}
	m.items[key] = it
	if len(m.items) > 1024 {
		for k, v := range m.items {
			if !v.expires.IsZero() && !now.Before(v.expires) {
				delete(m.items, k)
			}
		}
	}
	return nil
}

func (m *Memory) Close() error { return nil }
