package offset

import (
	"context"
	"maps"
	"sync"
)

// MemoryStore keeps offsets in process memory. Offsets are lost on restart,
// so it only suits tests and one-shot runs.
type MemoryStore struct {
	mu      sync.RWMutex
	offsets map[string]Offset
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{offsets: make(map[string]Offset)}
}

func (m *MemoryStore) Offset(_ context.Context, p Partition) (Offset, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	o, ok := m.offsets[p.Key()]
	if !ok {
		return nil, nil
	}
	return maps.Clone(o), nil
}

func (m *MemoryStore) Commit(_ context.Context, p Partition, o Offset) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.offsets[p.Key()] = maps.Clone(o)
	return nil
}

func (m *MemoryStore) Close() error { return nil }
