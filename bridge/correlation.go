package bridge

import "sync"

// Correlation remembers which identity is waiting for the reply to an
// outstanding request. Native ids that the agent echoes back resolve
// exactly; agents that never echo ids fall back to Latest.
type Correlation struct {
	mu      sync.Mutex
	pending map[string]string
	order   []string
	latest  string
}

func NewCorrelation() *Correlation {
	return &Correlation{pending: make(map[string]string)}
}

// Remember maps id to dest and makes dest the latest destination.
// An empty id only updates the latest destination.
func (c *Correlation) Remember(id, dest string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.latest = dest
	if id == "" {
		return
	}
	if _, ok := c.pending[id]; !ok {
		c.order = append(c.order, id)
	}
	c.pending[id] = dest
}

// Resolve returns and forgets the destination for id.
func (c *Correlation) Resolve(id string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	dest, ok := c.pending[id]
	if !ok {
		return "", false
	}
	delete(c.pending, id)
	for i, v := range c.order {
		if v == id {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
	return dest, true
}

// Peek returns the destination for id without forgetting it.
func (c *Correlation) Peek(id string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	dest, ok := c.pending[id]
	return dest, ok
}

// Latest is the most recently remembered destination, or "" after Clear.
func (c *Correlation) Latest() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.latest
}

// Oldest is the destination of the oldest outstanding id.
func (c *Correlation) Oldest() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.order) == 0 {
		return "", false
	}
	return c.pending[c.order[0]], true
}

func (c *Correlation) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Clear drops all outstanding ids and the latest destination.
func (c *Correlation) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending = make(map[string]string)
	c.order = nil
	c.latest = ""
}
