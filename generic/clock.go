package generic

import (
	"sync"
	"time"
)

// Clock supplies "now". Engines never call time.Now directly so tests can pin the day.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock in UTC.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now().UTC() }

// FixedClock always returns the same instant until Set is called.
type FixedClock struct {
	mu sync.RWMutex
	at time.Time
}

func NewFixedClock(at time.Time) *FixedClock { return &FixedClock{at: at} }

func (c *FixedClock) Now() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.at
}

func (c *FixedClock) Set(at time.Time) {
	c.mu.Lock()
	c.at = at
	c.mu.Unlock()
}

// Today returns the clock's current calendar day.
func Today(c Clock) TimePoint {
	return DayOf(c.Now())
}
