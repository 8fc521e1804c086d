package journal

import (
	"context"
	"sync"
)

// MemoryStore keeps the most recent records in a bounded in-process ring.
type MemoryStore struct {
	mu      sync.Mutex
	records []Record
	keep    int
}

// NewMemoryStore constructs a memory store retaining up to keep records.
func NewMemoryStore(keep int) *MemoryStore {
	if keep <= 0 {
		keep = 256
	}
	return &MemoryStore{keep: keep}
}

// Append stores the record, evicting the oldest once the ring is full.
func (m *MemoryStore) Append(ctx context.Context, record Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, record)
	if len(m.records) > m.keep {
		m.records = m.records[len(m.records)-m.keep:]
	}
	return nil
}

// Recent returns up to limit records, newest first.
func (m *MemoryStore) Recent(ctx context.Context, limit int) ([]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if limit <= 0 || limit > len(m.records) {
		limit = len(m.records)
	}
	out := make([]Record, 0, limit)
	for i := len(m.records) - 1; i >= len(m.records)-limit; i-- {
		out = append(out, m.records[i])
	}
	return out, nil
}

// Close implements Store.
func (m *MemoryStore) Close() error { return nil }

var _ Store = (*MemoryStore)(nil)
