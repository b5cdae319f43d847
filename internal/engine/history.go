package engine

import "sync"

// crashHistory keeps the most recent crash multipliers, newest first.
type crashHistory struct {
	mu     sync.Mutex
	limit  int
	values []float64
}

func newCrashHistory(limit int) *crashHistory {
	return &crashHistory{limit: limit}
}

func (h *crashHistory) Push(multiplier float64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.values = append([]float64{multiplier}, h.values...)
	if len(h.values) > h.limit {
		h.values = h.values[:h.limit]
	}
}

func (h *crashHistory) Values() []float64 {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]float64, len(h.values))
	copy(out, h.values)
	return out
}
