// Package idle watches system idle time and reports active/inactive
// transitions.
package idle

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/sadopc/trackd/internal/events"
	"github.com/sadopc/trackd/internal/metrics"
	"github.com/sadopc/trackd/internal/schedule"
)

const (
	DefaultInterval  = 10 * time.Second
	DefaultThreshold = 2 * time.Minute
)

type IdleSource interface {
	SystemIdleTime(ctx context.Context) (time.Duration, error)
}

type Publisher interface {
	Publish(events.Event)
}

// Detector starts active. It goes inactive once idle time exceeds the
// threshold and back to active once it drops below it; idle time exactly at
// the threshold changes nothing.
type Detector struct {
	source    IdleSource
	bus       Publisher
	log       zerolog.Logger
	threshold time.Duration

	mu     sync.Mutex
	active bool

	loop *schedule.Loop
}

type Option func(*Detector)

func WithInterval(d time.Duration) Option { return func(x *Detector) { x.loop = schedule.New(d, x.tick) } }
func WithThreshold(d time.Duration) Option { return func(x *Detector) { x.threshold = d } }
func WithLogger(l zerolog.Logger) Option { return func(x *Detector) { x.log = l } }

func New(source IdleSource, bus Publisher, opts ...Option) *Detector {
	d := &Detector{
		source:    source,
		bus:       bus,
		log:       zerolog.Nop(),
		threshold: DefaultThreshold,
		active:    true,
	}
	d.loop = schedule.New(DefaultInterval, d.tick)
	for _, o := range opts {
		o(d)
	}
	return d
}

func (d *Detector) Start(ctx context.Context) {
	if d.loop.Start(ctx) {
		d.log.Info().Dur("threshold", d.threshold).Msg("inactivity detector started")
	}
}

func (d *Detector) Stop() {
	if d.loop.Running() {
		d.loop.Stop()
		d.log.Info().Msg("inactivity detector stopped")
	}
}

func (d *Detector) Active() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.active
}

func (d *Detector) tick(ctx context.Context) { d.Check(ctx) }

// Check reads idle time once and publishes at most one transition. It
// returns the transition kind, or "" when the state did not change.
func (d *Detector) Check(ctx context.Context) events.Kind {
	idle, err := d.source.SystemIdleTime(ctx)
	if err != nil {
		metrics.ProbeErrors.WithLabelValues("idle_time").Inc()
		d.log.Warn().Err(err).Msg("read system idle time")
		return ""
	}

	d.mu.Lock()
	var kind events.Kind
	switch {
	case d.active && idle > d.threshold:
		d.active = false
		kind = events.KindInactive
	case !d.active && idle < d.threshold:
		d.active = true
		kind = events.KindActive
	}
	d.mu.Unlock()

	if kind == "" {
		return ""
	}
	metrics.IdleTransitions.WithLabelValues(string(kind)).Inc()
	d.log.Info().Dur("idle", idle).Str("state", string(kind)).Msg("activity state changed")
	d.bus.Publish(events.Event{Kind: kind})
	return kind
}
