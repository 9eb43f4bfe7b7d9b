// Package syncer pushes newly recorded data to a remote server on a timer.
package syncer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/sadopc/trackd/internal/metrics"
	"github.com/sadopc/trackd/internal/schedule"
	"github.com/sadopc/trackd/internal/store"
)

const (
	DefaultInterval = 15 * time.Minute
	DefaultTimeout  = 30 * time.Second

	BatchHeader = "X-Sync-Batch-ID"
)

var (
	ErrNotConfigured = errors.New("server url and user id are required for sync")
	ErrRejected      = errors.New("sync rejected by server")
)

// Payload is the body of POST {serverUrl}/api/sync.
type Payload struct {
	UserID            string                  `json:"userId"`
	TimeEntries       []store.TimeEntry       `json:"timeEntries"`
	BrowserActivities []store.BrowserActivity `json:"browserActivities"`
	GitCommits        []store.GitCommit       `json:"gitCommits"`
	Timestamp         int64                   `json:"timestamp"`
}

type Scheduler struct {
	store    *store.Store
	configs  *ConfigStore
	client   *http.Client
	log      zerolog.Logger
	now      func() time.Time
	batchID  func() string
	interval time.Duration
	timeout  time.Duration

	mu   sync.Mutex
	cfg  Config
	base context.Context
	loop *schedule.Loop

	// syncing serializes SyncData between the timer and manual triggers.
	syncing sync.Mutex
}

type Option func(*Scheduler)

func WithHTTPClient(c *http.Client) Option { return func(s *Scheduler) { s.client = c } }
func WithInterval(d time.Duration) Option { return func(s *Scheduler) { s.interval = d } }
func WithTimeout(d time.Duration) Option { return func(s *Scheduler) { s.timeout = d } }
func WithClock(now func() time.Time) Option { return func(s *Scheduler) { s.now = now } }
func WithLogger(l zerolog.Logger) Option { return func(s *Scheduler) { s.log = l } }
func WithBatchID(fn func() string) Option { return func(s *Scheduler) { s.batchID = fn } }

// New loads the sync config. A config file that cannot be read is logged
// and the defaults are used.
func New(st *store.Store, configs *ConfigStore, opts ...Option) *Scheduler {
	s := &Scheduler{
		store:    st,
		configs:  configs,
		client:   http.DefaultClient,
		log:      zerolog.Nop(),
		now:      time.Now,
		batchID:  uuid.NewString,
		interval: DefaultInterval,
		timeout:  DefaultTimeout,
		base:     context.Background(),
	}
	for _, o := range opts {
		o(s)
	}
	cfg, err := configs.Load()
	if err != nil {
		s.log.Error().Err(err).Str("path", configs.Path()).Msg("load sync config, using defaults")
	}
	s.cfg = cfg
	return s
}

// Start remembers ctx for timers started later and starts syncing when the
// stored config has it enabled.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.base = ctx
	cfg := s.cfg
	s.mu.Unlock()
	if !cfg.SyncEnabled {
		return
	}
	if err := s.StartSync(0); err != nil {
		s.log.Warn().Err(err).Msg("sync enabled but not started")
	}
}

func (s *Scheduler) Config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// UpdateConfig merges p into the config and persists it, then restarts the
// timer when sync is enabled or stops it otherwise. When the write fails the
// previous config stays in effect.
func (s *Scheduler) UpdateConfig(p Patch) (Config, error) {
	s.mu.Lock()
	next := s.cfg.Apply(p)
	if err := s.configs.Save(next); err != nil {
		s.mu.Unlock()
		return Config{}, err
	}
	s.cfg = next
	s.mu.Unlock()

	s.StopSync()
	if next.SyncEnabled {
		if err := s.StartSync(0); err != nil {
			s.log.Warn().Err(err).Msg("sync enabled but not started")
		}
	}
	return next, nil
}

// StartSync runs one sync right away and then every interval. A zero
// interval uses the configured one. A running timer is replaced.
func (s *Scheduler) StartSync(interval time.Duration) error {
	if interval <= 0 {
		interval = s.interval
	}
	s.mu.Lock()
	if !s.cfg.Configured() {
		s.mu.Unlock()
		return ErrNotConfigured
	}
	old := s.loop
	s.loop = schedule.New(interval, func(ctx context.Context) { s.SyncData(ctx) })
	loop, base := s.loop, s.base
	s.mu.Unlock()

	if old != nil {
		old.Stop()
	}
	loop.StartNow(base)
	s.log.Info().Dur("interval", interval).Msg("server sync started")
	return nil
}

func (s *Scheduler) StopSync() {
	s.mu.Lock()
	loop := s.loop
	s.loop = nil
	s.mu.Unlock()
	if loop != nil && loop.Running() {
		loop.Stop()
		s.log.Info().Msg("server sync stopped")
	}
}

// Running reports whether the periodic timer is active.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loop != nil && s.loop.Running()
}

// SyncData sends every record created after the checkpoint. It returns
// false without any network traffic unless sync is enabled and configured.
// On success the checkpoint moves to just before the moment the records
// were selected, so a record written during the request is sent next time.
func (s *Scheduler) SyncData(ctx context.Context) (bool, error) {
	s.syncing.Lock()
	defer s.syncing.Unlock()

	cfg := s.Config()
	if !cfg.SyncEnabled || !cfg.Configured() {
		metrics.SyncRuns.WithLabelValues("skipped").Inc()
		return false, nil
	}

	started := s.now()
	since := cfg.LastSyncTimestamp
	after := func(t time.Time) bool { return t.UnixMilli() > since }
	payload := Payload{
		UserID:            cfg.UserID,
		TimeEntries:       store.Filter(s.store, store.TimeEntries, func(r store.TimeEntry) bool { return after(r.CreatedAt) }),
		BrowserActivities: store.Filter(s.store, store.BrowserActivities, func(r store.BrowserActivity) bool { return after(r.CreatedAt) }),
		GitCommits:        store.Filter(s.store, store.GitCommits, func(r store.GitCommit) bool { return after(r.CreatedAt) }),
		Timestamp:         started.UnixMilli(),
	}
	batch := s.batchID()
	log := s.log.With().Str("batch", batch).Logger()

	if err := s.post(ctx, cfg.ServerURL, batch, payload); err != nil {
		metrics.SyncRuns.WithLabelValues("error").Inc()
		log.Warn().Err(err).Msg("sync failed, checkpoint unchanged")
		return false, err
	}

	s.mu.Lock()
	next := s.cfg
	next.LastSyncTimestamp = started.UnixMilli() - 1
	err := s.configs.Save(next)
	if err == nil {
		s.cfg = next
	}
	s.mu.Unlock()
	if err != nil {
		metrics.SyncRuns.WithLabelValues("error").Inc()
		log.Error().Err(err).Msg("sync delivered but checkpoint not saved")
		return false, err
	}

	n := len(payload.TimeEntries) + len(payload.BrowserActivities) + len(payload.GitCommits)
	metrics.SyncRuns.WithLabelValues("ok").Inc()
	metrics.SyncedRecords.Add(float64(n))
	log.Info().Int("records", n).Msg("sync completed")
	return true, nil
}

func (s *Scheduler) post(ctx context.Context, serverURL, batch string, p Payload) error {
	body, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode sync payload: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, serverURL+"/api/sync", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build sync request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(BatchHeader, batch)

	start := time.Now()
	resp, err := s.client.Do(req)
	metrics.SyncDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		return fmt.Errorf("post sync: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%w: %s: %s", ErrRejected, resp.Status, bytes.TrimSpace(snippet))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}
