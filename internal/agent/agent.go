// Package agent assembles the store, the collectors and the sync scheduler
// into one long-running process and serves them over the local API.
package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/sadopc/trackd/internal/aggregate"
	"github.com/sadopc/trackd/internal/api"
	"github.com/sadopc/trackd/internal/config"
	"github.com/sadopc/trackd/internal/events"
	"github.com/sadopc/trackd/internal/export"
	"github.com/sadopc/trackd/internal/gitpoll"
	"github.com/sadopc/trackd/internal/idle"
	"github.com/sadopc/trackd/internal/logging"
	"github.com/sadopc/trackd/internal/probe"
	"github.com/sadopc/trackd/internal/sampler"
	"github.com/sadopc/trackd/internal/store"
	"github.com/sadopc/trackd/internal/syncer"
)

var _ api.Service = (*Agent)(nil)

type Agent struct {
	cfg       config.Config
	log       zerolog.Logger
	startedAt time.Time

	store   *store.Store
	agg     *aggregate.Aggregator
	bus     *events.Bus
	sampler *sampler.Sampler
	idle    *idle.Detector
	git     *gitpoll.Poller
	sync    *syncer.Scheduler
	server  *api.Server

	mu sync.Mutex
	// manualPause is set by Pause and cleared by Resume. While set, returning
	// from idle does not resume tracking.
	manualPause bool
}

type options struct {
	probe     probe.Probe
	gitRunner gitpoll.Runner
	client    *http.Client
	store     *store.Store
	now       func() time.Time
}

type Option func(*options)

func WithProbe(p probe.Probe) Option { return func(o *options) { o.probe = p } }
func WithGitRunner(r gitpoll.Runner) Option { return func(o *options) { o.gitRunner = r } }
func WithHTTPClient(c *http.Client) Option { return func(o *options) { o.client = c } }

// WithStore uses an already opened store instead of opening one in the data
// dir. The agent still closes it when Run returns.
func WithStore(s *store.Store) Option { return func(o *options) { o.store = s } }
func WithClock(now func() time.Time) Option { return func(o *options) { o.now = now } }

func New(cfg config.Config, log zerolog.Logger, opts ...Option) (*Agent, error) {
	o := options{
		gitRunner: gitpoll.ExecRunner{},
		client:    &http.Client{},
		now:       time.Now,
	}
	for _, fn := range opts {
		fn(&o)
	}
	if o.probe == nil {
		o.probe = probe.NewSystem()
	}

	st := o.store
	if st == nil {
		var err error
		st, err = store.OpenFormat(cfg.DataDir, cfg.Store.Format,
			store.WithLogger(logging.Component(log, "store")),
			store.WithClock(o.now),
		)
		if err != nil {
			return nil, fmt.Errorf("open store: %w", err)
		}
	}

	a := &Agent{
		cfg:       cfg,
		log:       logging.Component(log, "agent"),
		startedAt: o.now(),
		store:     st,
		bus:       events.NewBus(),
	}
	a.agg = aggregate.New(st,
		aggregate.WithClock(o.now),
		aggregate.WithLogger(logging.Component(log, "aggregate")),
	)
	a.sampler = sampler.New(o.probe, a.agg, a.bus,
		sampler.WithInterval(cfg.Sampler.Interval),
		sampler.WithIdleCutoff(cfg.Sampler.IdleCutoff),
		sampler.WithClock(o.now),
		sampler.WithLogger(logging.Component(log, "sampler")),
	)
	a.idle = idle.New(o.probe, a.bus,
		idle.WithInterval(cfg.Idle.Interval),
		idle.WithThreshold(cfg.Idle.Threshold),
		idle.WithLogger(logging.Component(log, "idle")),
	)
	a.git = gitpoll.New(a.agg,
		gitpoll.WithRunner(o.gitRunner),
		gitpoll.WithInterval(cfg.Git.Interval),
		gitpoll.WithCommandTimeout(cfg.Git.CommandTimeout),
		gitpoll.WithClock(o.now),
		gitpoll.WithLogger(logging.Component(log, "git")),
	)
	configs := syncer.NewConfigStore(cfg.SyncConfigPath(), syncer.Config{
		ServerURL: cfg.Sync.ServerURL,
		UserID:    cfg.Sync.UserID,
	})
	a.sync = syncer.New(st, configs,
		syncer.WithHTTPClient(o.client),
		syncer.WithInterval(cfg.Sync.Interval),
		syncer.WithTimeout(cfg.Sync.Timeout),
		syncer.WithClock(o.now),
		syncer.WithLogger(logging.Component(log, "sync")),
	)
	a.server = api.NewServer(a, cfg.ListenAddr,
		api.WithLogger(logging.Component(log, "api")),
		api.WithMetrics(cfg.Metrics.Enabled),
	)

	a.bus.Subscribe(a.onIdleChange, events.KindActive, events.KindInactive)
	a.bus.Subscribe(a.onProjectChange, events.KindProjectChanged)
	return a, nil
}

// Handler exposes the API routes, mostly for tests.
func (a *Agent) Handler() http.Handler { return a.server.Handler() }

// Start launches every collector and the sync timer without serving the API.
func (a *Agent) Start(ctx context.Context) {
	a.git.Start(ctx)
	a.idle.Start(ctx)
	a.sampler.Start(ctx)
	a.sync.Start(ctx)
	a.log.Info().Str("store", a.store.Path()).Msg("agent started")
}

// Stop halts the timers. In-flight ticks finish first.
func (a *Agent) Stop() {
	a.sampler.Stop()
	a.idle.Stop()
	a.git.Stop()
	a.sync.StopSync()
	a.log.Info().Msg("agent stopped")
}

// Run starts the agent, serves the API until ctx is done, then stops every
// component and closes the store.
func (a *Agent) Run(ctx context.Context) error {
	a.Start(ctx)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.server.ListenAndServe(gctx) })
	g.Go(func() error {
		<-gctx.Done()
		a.Stop()
		return nil
	})
	err := g.Wait()

	if cerr := a.store.Close(); cerr != nil {
		a.log.Error().Err(cerr).Msg("close store")
		err = errors.Join(err, cerr)
	}
	return err
}

func (a *Agent) onIdleChange(e events.Event) {
	switch e.Kind {
	case events.KindInactive:
		a.setTracking(false)
	case events.KindActive:
		a.mu.Lock()
		manual := a.manualPause
		a.mu.Unlock()
		if manual {
			a.log.Debug().Msg("input resumed, tracking stays paused")
			return
		}
		a.setTracking(true)
	}
}

func (a *Agent) onProjectChange(e events.Event) {
	ev := a.log.Debug()
	if e.ProjectID != nil {
		ev = ev.Int64("project_id", *e.ProjectID)
	}
	ev.Msg("project changed")
}

func (a *Agent) setTracking(on bool) bool {
	var changed bool
	if on {
		changed = a.sampler.Resume()
	} else {
		changed = a.sampler.Pause()
	}
	if changed {
		a.bus.Publish(events.Event{Kind: events.KindTrackingStatus, Active: on})
	}
	return changed
}

func (a *Agent) Tracking() bool { return a.sampler.Tracking() }

// Pause stops tracking until Resume, regardless of idle state.
func (a *Agent) Pause() bool {
	a.mu.Lock()
	a.manualPause = true
	a.mu.Unlock()
	return a.setTracking(false)
}

func (a *Agent) Resume() bool {
	a.mu.Lock()
	a.manualPause = false
	a.mu.Unlock()
	return a.setTracking(true)
}

func (a *Agent) Subscribe(fn events.Handler, kinds ...events.Kind) func() {
	return a.bus.Subscribe(fn, kinds...)
}

// CurrentActivity prefers the sampler's latest sample and falls back to the
// newest stored entry, which covers the time before the first tick.
func (a *Agent) CurrentActivity() (aggregate.Activity, bool) {
	if s, ok := a.sampler.CurrentActivity(); ok {
		return aggregate.Activity{
			Timestamp:    s.Timestamp,
			App:          s.App,
			Title:        s.Title,
			URL:          s.URL,
			File:         s.File,
			ProjectID:    s.ProjectID,
			ActivityType: s.ActivityType,
		}, true
	}
	return a.agg.CurrentActivity()
}

func (a *Agent) RecentActivities(limit int) []aggregate.Activity {
	return a.agg.RecentActivities(limit)
}

func (a *Agent) DailySummary() map[string]int64 { return a.agg.DailySummary() }
func (a *Agent) WeeklySummary() map[string]int64 { return a.agg.WeeklySummary() }

func (a *Agent) AllGitData(limit int) []aggregate.GitData { return a.agg.AllGitData(limit) }

func (a *Agent) Projects() []store.Project { return a.agg.Projects() }

// AddProject stores a project without checking its path. A project with a
// path joins the git registry on the next reload.
func (a *Agent) AddProject(name, path, gitURL string) (store.Project, error) {
	p, err := a.agg.AddProject(name, path, gitURL)
	if err != nil {
		return store.Project{}, err
	}
	a.git.Load()
	return p, nil
}

func (a *Agent) DeleteProject(id int64) (bool, error) { return a.git.UnregisterProject(id) }

func (a *Agent) RegisterGitProject(path, name string) (store.Project, error) {
	return a.git.RegisterProject(path, name)
}

func (a *Agent) UnregisterGitProject(id int64) (bool, error) { return a.git.UnregisterProject(id) }

func (a *Agent) SyncConfig() syncer.Config { return a.sync.Config() }

func (a *Agent) UpdateSyncConfig(p syncer.Patch) (syncer.Config, error) {
	return a.sync.UpdateConfig(p)
}

func (a *Agent) SyncNow(ctx context.Context) (bool, error) { return a.sync.SyncData(ctx) }

// Export writes time entries started at or after since, oldest first. A
// zero since exports everything.
func (a *Agent) Export(w io.Writer, format string, since time.Time) error {
	entries := store.Filter(a.store, store.TimeEntries, func(e store.TimeEntry) bool {
		return !e.StartTime.Before(since)
	})
	slices.SortStableFunc(entries, func(x, y store.TimeEntry) int { return x.StartTime.Compare(y.StartTime) })
	return export.Write(w, format, entries, export.NamesFrom(a.store))
}

func (a *Agent) Status() api.Status {
	sc := a.sync.Config()
	return api.Status{
		StartedAt:   a.startedAt,
		Tracking:    a.sampler.Tracking(),
		Active:      a.idle.Active(),
		StorePath:   a.store.Path(),
		Healthy:     a.store.Healthy(),
		Stats:       a.store.Stats(),
		GitProjects: len(a.git.Projects()),
		SyncEnabled: sc.SyncEnabled,
		SyncRunning: a.sync.Running(),
		LastSync:    sc.LastSyncTimestamp,
	}
}
