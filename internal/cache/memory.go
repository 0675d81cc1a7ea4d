package cache

import (
	"context"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

const defaultMemoryEntries = 10_000

type memoryEntry struct {
	value     []byte
	expiresAt time.Time
}

// Memory is a bounded in-process store. Expiry is passive: an entry past its
// deadline is dropped on the read that finds it.
type Memory struct {
	entries *lru.Cache[string, memoryEntry]
	now     func() time.Time
}

// NewMemory builds a Memory store holding at most size entries.
func NewMemory(size int) *Memory {
	if size <= 0 {
		size = defaultMemoryEntries
	}
	// lru.New only fails for size <= 0.
	entries, _ := lru.New[string, memoryEntry](size)
	return &Memory{entries: entries, now: time.Now}
}

func (m *Memory) Get(_ context.Context, key string) ([]byte, bool) {
	e, ok := m.entries.Get(key)
	if !ok {
		return nil, false
	}
	if !e.expiresAt.IsZero() && !m.now().Before(e.expiresAt) {
		m.entries.Remove(key)
		return nil, false
	}
	out := make([]byte, len(e.value))
	copy(out, e.value)
	return out, true
}

func (m *Memory) SetWithTTL(_ context.Context, key string, value []byte, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	v := make([]byte, len(value))
	copy(v, value)
	m.entries.Add(key, memoryEntry{value: v, expiresAt: m.now().Add(ttl)})
}

func (m *Memory) Delete(_ context.Context, key string) bool {
	m.entries.Remove(key)
	return true
}

func (m *Memory) IsHealthy(context.Context) bool { return true }

func (m *Memory) Mode() Mode { return ModeConfigured }

// Flush drops every key starting with prefix and returns how many were removed.
func (m *Memory) Flush(_ context.Context, prefix string) int {
	n := 0
	for _, k := range m.entries.Keys() {
		if strings.HasPrefix(k, prefix) && m.entries.Remove(k) {
			n++
		}
	}
	return n
}

var (
	_ Store   = (*Memory)(nil)
	_ Flusher = (*Memory)(nil)
)
