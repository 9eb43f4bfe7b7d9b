// Package sampler polls the foreground window and feeds classified samples
// to the aggregation layer.
package sampler

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/sadopc/trackd/internal/aggregate"
	"github.com/sadopc/trackd/internal/events"
	"github.com/sadopc/trackd/internal/metrics"
	"github.com/sadopc/trackd/internal/probe"
	"github.com/sadopc/trackd/internal/schedule"
	"github.com/sadopc/trackd/internal/store"
)

const (
	DefaultInterval   = 5 * time.Second
	DefaultIdleCutoff = 10 * time.Minute
)

type Recorder interface {
	RecordSample(aggregate.Sample) (store.TimeEntry, error)
}

type Publisher interface {
	Publish(events.Event)
}

type Sampler struct {
	probe      probe.Probe
	rec        Recorder
	bus        Publisher
	log        zerolog.Logger
	now        func() time.Time
	interval   time.Duration
	idleCutoff time.Duration

	mu        sync.Mutex
	tracking  bool
	lastTitle string
	lastInput time.Time
	current   *aggregate.Sample

	focus    *schedule.Loop
	sampling *schedule.Loop
}

type Option func(*Sampler)

func WithInterval(d time.Duration) Option { return func(s *Sampler) { s.interval = d } }
func WithIdleCutoff(d time.Duration) Option { return func(s *Sampler) { s.idleCutoff = d } }
func WithClock(now func() time.Time) Option { return func(s *Sampler) { s.now = now } }
func WithLogger(l zerolog.Logger) Option { return func(s *Sampler) { s.log = l } }

func New(p probe.Probe, rec Recorder, bus Publisher, opts ...Option) *Sampler {
	s := &Sampler{
		probe:      p,
		rec:        rec,
		bus:        bus,
		log:        zerolog.Nop(),
		now:        time.Now,
		interval:   DefaultInterval,
		idleCutoff: DefaultIdleCutoff,
		tracking:   true,
	}
	for _, o := range opts {
		o(s)
	}
	s.lastInput = s.now()
	s.focus = schedule.New(s.interval, s.PollFocus)
	s.sampling = schedule.New(s.interval, func(ctx context.Context) { s.Sample(ctx) })
	metrics.TrackingActive.Set(1)
	return s
}

// Start launches the focus and sampling loops. Calling it while running
// does nothing.
func (s *Sampler) Start(ctx context.Context) {
	if s.focus.Start(ctx) {
		s.log.Info().Dur("interval", s.interval).Msg("activity sampler started")
	}
	s.sampling.Start(ctx)
}

func (s *Sampler) Stop() {
	wasRunning := s.sampling.Running()
	s.focus.Stop()
	s.sampling.Stop()
	if wasRunning {
		s.log.Info().Msg("activity sampler stopped")
	}
}

// Pause stops samples from being recorded. It reports whether the state
// changed.
func (s *Sampler) Pause() bool {
	return s.setTracking(false)
}

func (s *Sampler) Resume() bool {
	return s.setTracking(true)
}

func (s *Sampler) setTracking(on bool) bool {
	s.mu.Lock()
	changed := s.tracking != on
	s.tracking = on
	s.mu.Unlock()
	if changed {
		if on {
			metrics.TrackingActive.Set(1)
			s.log.Info().Msg("activity tracking resumed")
		} else {
			metrics.TrackingActive.Set(0)
			s.log.Info().Msg("activity tracking paused")
		}
	}
	return changed
}

func (s *Sampler) Tracking() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tracking
}

// CurrentActivity is the last sample handed to the recorder.
func (s *Sampler) CurrentActivity() (aggregate.Sample, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return aggregate.Sample{}, false
	}
	return *s.current, true
}

// PollFocus treats a change of window title as user input.
func (s *Sampler) PollFocus(ctx context.Context) {
	w, err := s.probe.ActiveWindow(ctx)
	if err != nil {
		metrics.ProbeErrors.WithLabelValues("active_window").Inc()
		s.log.Debug().Err(err).Msg("focus poll")
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if w.Title != s.lastTitle {
		s.lastTitle = w.Title
		s.lastInput = s.now()
	}
}

// Sample runs one sampling tick and returns the recorded sample, if any.
func (s *Sampler) Sample(ctx context.Context) (aggregate.Sample, bool) {
	s.mu.Lock()
	tracking := s.tracking
	idle := s.now().Sub(s.lastInput)
	s.mu.Unlock()

	if !tracking {
		metrics.SamplesSkipped.WithLabelValues("paused").Inc()
		return aggregate.Sample{}, false
	}
	if idle > s.idleCutoff {
		metrics.SamplesSkipped.WithLabelValues("idle").Inc()
		s.log.Debug().Dur("idle", idle).Msg("user idle, skipping sample")
		return aggregate.Sample{}, false
	}

	w, err := s.probe.ActiveWindow(ctx)
	if err != nil {
		metrics.ProbeErrors.WithLabelValues("active_window").Inc()
		s.log.Warn().Err(err).Msg("read active window")
		return aggregate.Sample{}, false
	}

	smp := aggregate.Sample{
		Timestamp:    s.now(),
		App:          w.App,
		Title:        w.Title,
		ActivityType: Classify(w.App, w.Title),
	}
	switch smp.ActivityType {
	case store.ActivityCoding:
		smp.File = FileFromTitle(w.Title)
	case store.ActivityBrowsing:
		u, err := s.probe.BrowserURL(ctx, w.App)
		if err != nil {
			metrics.ProbeErrors.WithLabelValues("browser_url").Inc()
			s.log.Warn().Err(err).Str("app", w.App).Msg("read browser url")
		}
		smp.URL = u
	}

	s.mu.Lock()
	var prevProject *int64
	if s.current != nil {
		prevProject = s.current.ProjectID
	}
	s.current = &smp
	s.mu.Unlock()

	if _, err := s.rec.RecordSample(smp); err != nil {
		s.log.Warn().Err(err).Str("app", smp.App).Msg("record sample")
		return aggregate.Sample{}, false
	}
	metrics.SamplesRecorded.WithLabelValues(string(smp.ActivityType)).Inc()

	s.bus.Publish(events.Event{Kind: events.KindActivity, At: smp.Timestamp, Sample: &smp})
	if !sameProject(prevProject, smp.ProjectID) {
		s.bus.Publish(events.Event{Kind: events.KindProjectChanged, At: smp.Timestamp, ProjectID: smp.ProjectID})
	}
	return smp, true
}

func sameProject(a, b *int64) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
