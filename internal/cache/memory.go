package cache

import (
	"context"
	"sync"
	"time"
)

// MemoryCache is the in-process fallback backend. Daily counters reset
// with the process; that is acceptable because the governor re-checks the
// calendar day on every reservation anyway.
type MemoryCache struct {
	mu       sync.Mutex
	counters map[string]int64
	ticks    map[string]memoryTick
}

type memoryTick struct {
	data    []byte
	expires time.Time
}

// NewMemoryCache creates an in-memory cache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{
		counters: make(map[string]int64),
		ticks:    make(map[string]memoryTick),
	}
}

func (m *MemoryCache) IncrDailyCalls(ctx context.Context, day string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counters[day]++
	return m.counters[day], nil
}

func (m *MemoryCache) GetDailyCalls(ctx context.Context, day string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counters[day], nil
}

func (m *MemoryCache) SetLastTick(ctx context.Context, symbol string, data []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	buf := make([]byte, len(data))
	copy(buf, data)
	m.ticks[symbol] = memoryTick{data: buf, expires: time.Now().Add(ttl)}
	return nil
}

func (m *MemoryCache) GetLastTick(ctx context.Context, symbol string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tick, ok := m.ticks[symbol]
	if !ok || time.Now().After(tick.expires) {
		delete(m.ticks, symbol)
		return nil, ErrMiss
	}
	return tick.data, nil
}

func (m *MemoryCache) Close() error {
	return nil
}
