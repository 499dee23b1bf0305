// Package policy stores the learned value table used by the difficulty
// optimizer: one real-valued estimate per (discretized state, action) pair.
//
// The table only grows. Keys are never pruned.
package policy

import (
	"context"
	"sync"
)

// Table is the repository for learned values. Implementations are safe for
// concurrent use. A key that was never Set reads as 0.
type Table interface {
	// Get returns the value for (state, action).
	Get(ctx context.Context, state string, action int) (float64, error)

	// Set stages a new value for (state, action).
	Set(ctx context.Context, state string, action int, value float64) error

	// Flush makes every staged value durable.
	Flush(ctx context.Context) error
}

// Key identifies one entry of the table.
type Key struct {
	State  string
	Action int
}

// MemoryTable is a non-durable Table. Flush is a no-op.
type MemoryTable struct {
	mu     sync.RWMutex
	values map[Key]float64
}

// NewMemoryTable creates an empty in-memory table.
func NewMemoryTable() *MemoryTable {
	return &MemoryTable{values: make(map[Key]float64)}
}

func (t *MemoryTable) Get(_ context.Context, state string, action int) (float64, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.values[Key{state, action}], nil
}

func (t *MemoryTable) Set(_ context.Context, state string, action int, value float64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.values[Key{state, action}] = value
	return nil
}

func (t *MemoryTable) Flush(context.Context) error { return nil }

// Len returns the number of stored keys.
func (t *MemoryTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.values)
}
