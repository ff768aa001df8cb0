package maekawa

// LamportClock is a logical clock. It is owned by the node's event loop and is
// not safe for concurrent use.
type LamportClock struct {
	ts Timestamp
}

// Now returns the current clock value
func (c *LamportClock) Now() Timestamp {
	return c.ts
}

// Tick advances the clock for a local event and returns the new value
func (c *LamportClock) Tick() Timestamp {
	c.ts++
	return c.ts
}

// Merge folds in the timestamp of an inbound message: ts = max(ts+1, received)
func (c *LamportClock) Merge(received Timestamp) Timestamp {
	next := c.ts + 1
	if received > next {
		next = received
	}
	c.ts = next
	return c.ts
}
