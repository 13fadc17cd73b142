package poster

import "sync"

// CounterKey addresses one target's cumulative sent counter.
type CounterKey struct {
	UserID    string
	AccountID string
	TargetID  string
}

// CounterBuffer batches sent-counter increments so every successful post does
// not turn into a storage write. The manager drains it on a timer, and drains
// a single key immediately once that key's pending amount crosses the
// threshold. The threshold is per key: many low-volume targets never trip it.
type CounterBuffer struct {
	mu        sync.Mutex
	pending   map[CounterKey]int64
	threshold int64
}

func NewCounterBuffer(threshold int) *CounterBuffer {
	if threshold <= 0 {
		threshold = 25
	}
	return &CounterBuffer{
		pending:   make(map[CounterKey]int64),
		threshold: int64(threshold),
	}
}

// Add records n sends for the key and reports whether that key's pending
// amount just crossed the flush threshold.
func (c *CounterBuffer) Add(key CounterKey, n int64) bool {
	if n <= 0 {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending[key] += n
	return c.pending[key] >= c.threshold
}

// Drain returns and clears all pending increments.
func (c *CounterBuffer) Drain() map[CounterKey]int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.pending) == 0 {
		return nil
	}
	out := c.pending
	c.pending = make(map[CounterKey]int64)
	return out
}

// DrainKey returns and clears one key's pending amount.
func (c *CounterBuffer) DrainKey(key CounterKey) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := c.pending[key]
	delete(c.pending, key)
	return n
}

// Pending reports the buffered total across all keys. Diagnostics and tests.
func (c *CounterBuffer) Pending() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	var total int64
	for _, n := range c.pending {
		total += n
	}
	return total
}
