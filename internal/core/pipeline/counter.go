package pipeline

import "sync"

// BatchCounter is a monotonically increasing counter with wait-for-threshold
// semantics. The root participant adds one per completed output microbatch
// item and waits for the submitted total to detect end-to-end batch
// completion. Lifetime spans one process; there is no reset.
type BatchCounter struct {
	mu    sync.Mutex
	cond  *sync.Cond
	value int64
}

// NewBatchCounter creates a counter starting at zero.
func NewBatchCounter() *BatchCounter {
	c := &BatchCounter{}
	c.cond = sync.NewCond(&c.mu)
	return c
}

// Value returns the current count.
func (c *BatchCounter) Value() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.value
}

// Add increases the counter and wakes all waiters.
func (c *BatchCounter) Add(quantity int64) {
	c.mu.Lock()
	c.value += quantity
	c.mu.Unlock()
	c.cond.Broadcast()
}

// WaitFor blocks until the counter reaches threshold. It returns
// immediately when the threshold was already reached.
func (c *BatchCounter) WaitFor(threshold int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for c.value < threshold {
		c.cond.Wait()
	}
}
