// Package clock provides the Lamport logical clock that orders patches
// across origins without relying on wall time.
package clock

import (
	"sync"

	"github.com/google/uuid"
)

// Lamport is a monotonically increasing logical clock bound to a node id.
// Safe for concurrent use.
type Lamport struct {
	mu      sync.Mutex
	counter int64
	nodeID  string
}

// New creates a clock with a fresh random node id.
func New() *Lamport {
	return &Lamport{nodeID: uuid.NewString()}
}

// NewWithNodeID creates a clock with a fixed node id. Used when restoring
// persisted state and in tests.
func NewWithNodeID(nodeID string) *Lamport {
	return &Lamport{nodeID: nodeID}
}

// Tick advances the clock for a local event and returns the new timestamp.
func (c *Lamport) Tick() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counter++
	return c.counter
}

// Observe folds in a timestamp received from another node:
// counter = max(counter, remote) + 1.
func (c *Lamport) Observe(remote int64) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if remote > c.counter {
		c.counter = remote
	}
	c.counter++
	return c.counter
}

// Now returns the current timestamp without advancing the clock.
func (c *Lamport) Now() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counter
}

// NodeID returns the stable identifier of this clock's node.
func (c *Lamport) NodeID() string {
	return c.nodeID
}

// Restore sets the counter to a persisted value.
func (c *Lamport) Restore(counter int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counter = counter
}
