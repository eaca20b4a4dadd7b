package reporter

import "sync"

// DefaultMaxWarnings is the pause threshold when none is configured.
const DefaultMaxWarnings = 3

// WarningCounter tallies violations for one session and latches the pause
// state once the threshold is reached. Only Reset clears it.
type WarningCounter struct {
	mu     sync.Mutex
	count  int
	max    int
	paused bool
}

// NewWarningCounter creates a counter. max <= 0 disables pausing.
func NewWarningCounter(max int) *WarningCounter {
	return &WarningCounter{max: max}
}

// Increment adds one warning. pausedNow is true only for the increment
// that reaches the threshold.
func (c *WarningCounter) Increment() (count int, pausedNow bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.count++
	if c.max > 0 && c.count >= c.max && !c.paused {
		c.paused = true
		pausedNow = true
	}
	return c.count, pausedNow
}

// Reset zeroes the count and clears the pause.
func (c *WarningCounter) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.count = 0
	c.paused = false
}

// Count returns the current count.
func (c *WarningCounter) Count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.count
}

// Paused reports whether the threshold has been reached since the last Reset.
func (c *WarningCounter) Paused() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.paused
}

// Max returns the threshold.
func (c *WarningCounter) Max() int { return c.max }
