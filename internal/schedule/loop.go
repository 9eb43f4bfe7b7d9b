// Package schedule runs a callback on a fixed cadence.
package schedule

import (
	"context"
	"sync"
	"time"
)

// Loop calls tick every interval on its own goroutine. Ticks never overlap:
// the callback runs synchronously and a ticker that fires during a slow
// callback is dropped rather than queued.
type Loop struct {
	interval time.Duration
	tick     func(context.Context)

	mu   sync.Mutex
	stop chan struct{}
	done chan struct{}
}

func New(interval time.Duration, tick func(context.Context)) *Loop {
	return &Loop{interval: interval, tick: tick}
}

// Start launches the loop. It reports false when the loop is already
// running, in which case nothing changes.
func (l *Loop) Start(ctx context.Context) bool {
	return l.start(ctx, false)
}

// StartNow is Start with one tick run right away on the loop goroutine.
func (l *Loop) StartNow(ctx context.Context) bool {
	return l.start(ctx, true)
}

func (l *Loop) start(ctx context.Context, now bool) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stop != nil {
		return false
	}
	l.stop = make(chan struct{})
	l.done = make(chan struct{})
	go l.run(ctx, now, l.stop, l.done)
	return true
}

func (l *Loop) run(ctx context.Context, now bool, stop, done chan struct{}) {
	defer close(done)
	if now && ctx.Err() == nil {
		l.tick(ctx)
	}
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			l.release(stop)
			return
		case <-ticker.C:
			// A stop that raced with the tick wins.
			select {
			case <-stop:
				return
			default:
			}
			l.tick(ctx)
		}
	}
}

// release forgets the run owning stop so a cancelled loop can be started
// again. A Stop that already took the channels keeps waiting on done.
func (l *Loop) release(stop chan struct{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stop == stop {
		l.stop, l.done = nil, nil
	}
}

// Stop cancels the ticker and waits for an in-flight tick to return. It is
// safe to call on a stopped loop. It must not be called from inside tick.
func (l *Loop) Stop() {
	l.mu.Lock()
	stop, done := l.stop, l.done
	l.stop, l.done = nil, nil
	l.mu.Unlock()
	if stop == nil {
		return
	}
	close(stop)
	<-done
}

func (l *Loop) Running() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stop != nil
}

func (l *Loop) Interval() time.Duration { return l.interval }
