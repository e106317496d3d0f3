package admission

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// UsageCounter stores per-scope usage for fixed windows. ChargeAll is a
// compare-and-increment over every charge: either all counters grow or
// none do.
type UsageCounter interface {
	// ChargeAll checks the charges in order against their limits and, when
	// none is violated, adds every amount. It returns the usage after the
	// increment, in charge order, or the first violation.
	ChargeAll(ctx context.Context, window time.Time, charges []Charge) ([]int64, *BudgetExceeded, error)
	// Usage returns the current usage of one counter.
	Usage(ctx context.Context, window time.Time, scope Scope, key string) (int64, error)
	// Refund subtracts the charges, never going below zero.
	Refund(ctx context.Context, window time.Time, charges []Charge) error
}

type counterKey struct {
	window int64
	scope  Scope
	key    string
}

// MemoryCounter is a process-local UsageCounter.
type MemoryCounter struct {
	mu     sync.Mutex
	usage  map[counterKey]int64
	latest int64
}

// NewMemoryCounter creates an empty counter.
func NewMemoryCounter() *MemoryCounter {
	return &MemoryCounter{usage: make(map[counterKey]int64)}
}

// ChargeAll implements UsageCounter.
func (m *MemoryCounter) ChargeAll(_ context.Context, window time.Time, charges []Charge) ([]int64, *BudgetExceeded, error) {
	if err := validateCharges(charges); err != nil {
		return nil, nil, err
	}
	w := window.UnixNano()

	m.mu.Lock()
	defer m.mu.Unlock()
	m.prune(w)

	for _, c := range charges {
		if c.Limit <= 0 {
			continue
		}
		cur := m.usage[counterKey{w, c.Scope, c.Key}]
		if cur+c.Amount > c.Limit {
			return nil, exceeded(c, cur), nil
		}
	}

	after := make([]int64, len(charges))
	for i, c := range charges {
		k := counterKey{w, c.Scope, c.Key}
		m.usage[k] += c.Amount
		after[i] = m.usage[k]
	}
	return after, nil, nil
}

// Usage implements UsageCounter.
func (m *MemoryCounter) Usage(_ context.Context, window time.Time, scope Scope, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.usage[counterKey{window.UnixNano(), scope, key}], nil
}

// Refund implements UsageCounter.
func (m *MemoryCounter) Refund(_ context.Context, window time.Time, charges []Charge) error {
	if err := validateCharges(charges); err != nil {
		return err
	}
	w := window.UnixNano()

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range charges {
		k := counterKey{w, c.Scope, c.Key}
		if v, ok := m.usage[k]; ok {
			v -= c.Amount
			if v < 0 {
				v = 0
			}
			m.usage[k] = v
		}
	}
	return nil
}

// prune drops counters of windows older than w. Must hold mu.
func (m *MemoryCounter) prune(w int64) {
	if w <= m.latest {
		return
	}
	m.latest = w
	for k := range m.usage {
		if k.window < w {
			delete(m.usage, k)
		}
	}
}

func validateCharges(charges []Charge) error {
	for _, c := range charges {
		if c.Amount < 0 {
			return fmt.Errorf("%w: negative amount for %s/%s", ErrInvalidCharge, c.Scope, c.Key)
		}
		if c.Scope == "" || c.Key == "" {
			return fmt.Errorf("%w: scope and key required", ErrInvalidCharge)
		}
	}
	return nil
}

func exceeded(c Charge, current int64) *BudgetExceeded {
	remaining := c.Limit - current
	if remaining < 0 {
		remaining = 0
	}
	return &BudgetExceeded{
		Scope:     c.Scope,
		Key:       c.Key,
		Limit:     c.Limit,
		Current:   current,
		Remaining: remaining,
	}
}
