// Package events carries state-change notifications between components.
package events

import (
	"slices"
	"sync"
	"time"

	"github.com/sadopc/trackd/internal/aggregate"
)

type Kind string

const (
	KindActivity       Kind = "activity"
	KindProjectChanged Kind = "project-changed"
	KindActive         Kind = "active"
	KindInactive       Kind = "inactive"
	KindTrackingStatus Kind = "tracking-status"
)

// Event is one notification. Only the fields relevant to Kind are set:
// Sample for activity, ProjectID for project-changed, Active for
// tracking-status.
type Event struct {
	Kind      Kind              `json:"kind"`
	At        time.Time         `json:"at"`
	Sample    *aggregate.Sample `json:"sample,omitempty"`
	ProjectID *int64            `json:"project_id,omitempty"`
	Active    bool              `json:"active"`
}

type Handler func(Event)

type subscription struct {
	id    uint64
	kinds []Kind
	fn    Handler
}

// Bus delivers events synchronously to subscribers in the order they
// subscribed. Publish returns after every handler has run, so events reach
// each subscriber in the order they were published.
type Bus struct {
	mu   sync.RWMutex
	next uint64
	subs []subscription
}

func NewBus() *Bus { return &Bus{} }

// Subscribe registers fn for the given kinds, or for every kind when none
// are given. The returned func removes the subscription.
func (b *Bus) Subscribe(fn Handler, kinds ...Kind) (unsubscribe func()) {
	b.mu.Lock()
	b.next++
	id := b.next
	b.subs = append(b.subs, subscription{id: id, kinds: kinds, fn: fn})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			b.subs = slices.DeleteFunc(b.subs, func(s subscription) bool { return s.id == id })
		})
	}
}

// Publish may be called from inside a handler; the nested event is
// delivered before the outer Publish continues.
func (b *Bus) Publish(e Event) {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	b.mu.RLock()
	subs := slices.Clone(b.subs)
	b.mu.RUnlock()

	for _, s := range subs {
		if len(s.kinds) == 0 || slices.Contains(s.kinds, e.Kind) {
			s.fn(e)
		}
	}
}
