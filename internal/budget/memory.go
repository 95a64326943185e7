package budget

import (
	"context"
	"sync"
)

// MemoryLedger keeps a single (day, used) pair. Moving to a new day resets
// the count. State is lost when the process exits.
type MemoryLedger struct {
	mu   sync.Mutex
	day  string
	used int
}

// NewMemoryLedger creates an empty in-process ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{}
}

// Used implements Ledger.
func (m *MemoryLedger) Used(_ context.Context, day string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rollover(day)
	return m.used, nil
}

// Add implements Ledger.
func (m *MemoryLedger) Add(_ context.Context, day string, n int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rollover(day)
	m.used += n
	return m.used, nil
}

func (m *MemoryLedger) rollover(day string) {
	if m.day != day {
		m.day = day
		m.used = 0
	}
}
