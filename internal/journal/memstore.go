package journal

import (
	"context"
	"sync"

	"github.com/MrWong99/audiocast/internal/pipeline"
)

// MemStore is a [Store] that keeps the most recent sessions in memory.
// Older entries are overwritten once the capacity is reached.
type MemStore struct {
	mu    sync.Mutex
	ring  []pipeline.SessionInfo
	next  int
	count int
}

var _ Store = (*MemStore)(nil)

// NewMemStore creates a MemStore holding at most capacity sessions. A
// capacity below 1 is treated as 1.
func NewMemStore(capacity int) *MemStore {
	return &MemStore{ring: make([]pipeline.SessionInfo, max(capacity, 1))}
}

// Record implements [Store].
func (m *MemStore) Record(_ context.Context, info pipeline.SessionInfo) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ring[m.next] = info
	m.next = (m.next + 1) % len(m.ring)
	if m.count < len(m.ring) {
		m.count++
	}
	return nil
}

// Recent implements [Store]. Entries come back in insertion order reversed,
// which matches close order because the recorder writes sequentially.
func (m *MemStore) Recent(_ context.Context, limit int) ([]pipeline.SessionInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := m.count
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]pipeline.SessionInfo, 0, n)
	for i := 1; i <= n; i++ {
		idx := (m.next - i + len(m.ring)) % len(m.ring)
		out = append(out, m.ring[idx])
	}
	return out, nil
}
