package store

import (
	"sync"
	"time"
)

// IDSource hands out clock-derived identifiers that are strictly increasing.
// Two calls within the same millisecond still get distinct values: the
// second one becomes last+1.
type IDSource struct {
	mu   sync.Mutex
	last int64
	now  func() time.Time
}

func NewIDSource(now func() time.Time) *IDSource {
	if now == nil {
		now = time.Now
	}
	return &IDSource{now: now}
}

// Next returns max(now in ms, last+1).
func (g *IDSource) Next() int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	id := g.now().UnixMilli()
	if id <= g.last {
		id = g.last + 1
	}
	g.last = id
	return id
}

// Seed makes sure later identifiers are greater than floor.
func (g *IDSource) Seed(floor int64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if floor > g.last {
		g.last = floor
	}
}

// Last returns the most recently issued identifier.
func (g *IDSource) Last() int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.last
}
