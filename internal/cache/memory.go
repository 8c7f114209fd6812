package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// Memory is an in-process Cache for single-node deployments and tests.
// Entries hold their JSON encoding so Get/Set semantics match the Redis
// backend exactly.
type Memory struct {
	mu    sync.RWMutex
	items map[string]memEntry
	clock clockwork.Clock
}

type memEntry struct {
	raw      []byte
	count    int64
	counter  bool
	expires  time.Time
}

// NewMemory creates an in-memory cache on the given clock
func NewMemory(clock clockwork.Clock) *Memory {
	return &Memory{
		items: make(map[string]memEntry),
		clock: clock,
	}
}

func (m *Memory) live(e memEntry) bool {
	return m.clock.Now().Before(e.expires)
}

func (m *Memory) Get(ctx context.Context, key string, dest any) (bool, error) {
	m.mu.RLock()
	e, ok := m.items[key]
	m.mu.RUnlock()
	if !ok || !m.live(e) || e.counter {
		return false, nil
	}
	if err := json.Unmarshal(e.raw, dest); err != nil {
		return false, nil
	}
	return true, nil
}

func (m *Memory) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.items[key] = memEntry{raw: raw, expires: m.clock.Now().Add(ttl)}
	m.mu.Unlock()
	return nil
}

func (m *Memory) Remove(ctx context.Context, key string) error {
	m.mu.Lock()
	delete(m.items, key)
	m.mu.Unlock()
	return nil
}

func (m *Memory) Exists(ctx context.Context, key string) (bool, error) {
	m.mu.RLock()
	e, ok := m.items[key]
	m.mu.RUnlock()
	return ok && m.live(e), nil
}

func (m *Memory) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.items[key]
	if !ok || !m.live(e) {
		e = memEntry{counter: true, expires: m.clock.Now().Add(ttl)}
	} else if !e.counter {
		// Redis INCR accepts a value previously SET as an integer string;
		// mirror that so the backends stay interchangeable
		if err := json.Unmarshal(e.raw, &e.count); err != nil {
			return 0, fmt.Errorf("value at %s is not an integer", key)
		}
		e.raw = nil
	}
	e.count++
	e.counter = true
	m.items[key] = e
	return e.count, nil
}

func (m *Memory) RemoveByPattern(ctx context.Context, pattern string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key := range m.items {
		if ok, _ := path.Match(pattern, key); ok {
			delete(m.items, key)
		}
	}
	return nil
}

// Sweep drops expired entries. The server runs this on a ticker the same
// way the auth cache cleanup loop does.
func (m *Memory) Sweep() {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.clock.Now()
	for key, e := range m.items {
		if !now.Before(e.expires) {
			delete(m.items, key)
		}
	}
}
