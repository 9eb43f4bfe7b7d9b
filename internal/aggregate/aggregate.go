// Package aggregate turns raw samples into time entries and answers the
// summary queries over the record store.
package aggregate

import (
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/sadopc/trackd/internal/store"
)

// MaxEntryDuration caps the time credited to one entry. Longer gaps between
// two samples of the same key usually mean the user walked away.
const MaxEntryDuration = 300 * time.Second

const DefaultLimit = 20

// Sample is one classified observation of the foreground window.
type Sample struct {
	Timestamp    time.Time          `json:"timestamp"`
	App          string             `json:"app"`
	Title        string             `json:"title"`
	URL          string             `json:"url,omitempty"`
	File         string             `json:"file,omitempty"`
	ProjectID    *int64             `json:"project_id,omitempty"`
	ActivityType store.ActivityType `json:"activity_type"`
}

// GitObservation is the state of one repository at poll time.
type GitObservation struct {
	Hash       string    `json:"hash"`
	Branch     string    `json:"branch"`
	Message    string    `json:"message"`
	CommitTime time.Time `json:"commit_time"`
	IsDirty    bool      `json:"is_dirty"`
	Inserted   int       `json:"inserted"`
	Deleted    int       `json:"deleted"`
	Changed    int       `json:"changed"`
}

type Aggregator struct {
	store *store.Store
	now   func() time.Time
	log   zerolog.Logger

	// mu serializes find-last-then-insert so two samples for the same key
	// cannot both see the same predecessor.
	mu sync.Mutex
}

type Option func(*Aggregator)

func WithClock(now func() time.Time) Option {
	return func(a *Aggregator) { a.now = now }
}

func WithLogger(l zerolog.Logger) Option {
	return func(a *Aggregator) { a.log = l }
}

func New(s *store.Store, opts ...Option) *Aggregator {
	a := &Aggregator{store: s, now: time.Now, log: zerolog.Nop()}
	for _, o := range opts {
		o(a)
	}
	return a
}

// RecordActivity stores sample as a time entry. Its duration is the gap to
// the latest entry for the same application and project, clamped to
// [0, MaxEntryDuration].
func (a *Aggregator) RecordActivity(sample Sample) (store.TimeEntry, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	app, err := a.ensureApplication(sample.App)
	if err != nil {
		a.log.Error().Err(err).Str("app", sample.App).Msg("record activity")
		return store.TimeEntry{}, err
	}

	var duration int64
	last, ok := store.FindLast(a.store, store.TimeEntries, func(e store.TimeEntry) bool {
		return e.ApplicationID == app.ID && sameProject(e.ProjectID, sample.ProjectID)
	})
	if ok {
		duration = clampedSeconds(sample.Timestamp.Sub(last.StartTime))
	}

	kind := sample.ActivityType
	if !kind.Valid() {
		kind = store.ActivityOther
	}
	entry, err := store.Insert(a.store, store.TimeEntries, store.TimeEntry{
		ProjectID:       copyID(sample.ProjectID),
		ApplicationID:   app.ID,
		StartTime:       sample.Timestamp.UTC(),
		DurationSeconds: duration,
		ActivityType:    kind,
		FilePath:        sample.File,
		URL:             sample.URL,
		Title:           sample.Title,
	})
	if err != nil {
		a.log.Error().Err(err).Str("app", sample.App).Msg("record activity")
		return store.TimeEntry{}, fmt.Errorf("record activity: %w", err)
	}
	return entry, nil
}

// RecordBrowserActivity stores a browsing sample keyed by browser and
// domain. sample.App is the browser name.
func (a *Aggregator) RecordBrowserActivity(sample Sample) (store.BrowserActivity, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	domain, path := splitURL(sample.URL)
	var duration int64
	last, ok := store.FindLast(a.store, store.BrowserActivities, func(b store.BrowserActivity) bool {
		return b.Browser == sample.App && b.Domain == domain
	})
	if ok {
		duration = clampedSeconds(sample.Timestamp.Sub(last.StartTime))
	}

	rec, err := store.Insert(a.store, store.BrowserActivities, store.BrowserActivity{
		ProjectID:       copyID(sample.ProjectID),
		Browser:         sample.App,
		URL:             sample.URL,
		Domain:          domain,
		Path:            path,
		Title:           sample.Title,
		StartTime:       sample.Timestamp.UTC(),
		DurationSeconds: duration,
	})
	if err != nil {
		a.log.Error().Err(err).Str("browser", sample.App).Msg("record browser activity")
		return store.BrowserActivity{}, fmt.Errorf("record browser activity: %w", err)
	}
	return rec, nil
}

// RecordSample is the sampler's entry point. Browsing samples that carry a
// URL are also recorded as browser activity.
func (a *Aggregator) RecordSample(sample Sample) (store.TimeEntry, error) {
	entry, err := a.RecordActivity(sample)
	if err != nil {
		return entry, err
	}
	if sample.ActivityType == store.ActivityBrowsing && sample.URL != "" {
		if _, err := a.RecordBrowserActivity(sample); err != nil {
			return entry, err
		}
	}
	return entry, nil
}

// RecordGitObservation appends obs for the project, even when nothing
// changed since the previous poll.
func (a *Aggregator) RecordGitObservation(projectID int64, obs GitObservation) (store.GitCommit, error) {
	rec, err := store.Insert(a.store, store.GitCommits, store.GitCommit{
		ProjectID:  projectID,
		Hash:       obs.Hash,
		Branch:     obs.Branch,
		Message:    obs.Message,
		CommitTime: obs.CommitTime.UTC(),
		IsDirty:    obs.IsDirty,
		Inserted:   obs.Inserted,
		Deleted:    obs.Deleted,
		Changed:    obs.Changed,
	})
	if err != nil {
		a.log.Error().Err(err).Int64("project_id", projectID).Msg("record git observation")
		return store.GitCommit{}, fmt.Errorf("record git observation: %w", err)
	}
	return rec, nil
}

func (a *Aggregator) ensureApplication(name string) (store.Application, error) {
	if app, ok := store.Find(a.store, store.Applications, func(r store.Application) bool {
		return r.Name == name
	}); ok {
		return app, nil
	}
	app, err := store.Insert(a.store, store.Applications, store.Application{Name: name, ProcessName: name})
	if err != nil {
		return store.Application{}, fmt.Errorf("create application %q: %w", name, err)
	}
	return app, nil
}

func clampedSeconds(d time.Duration) int64 {
	d = min(max(d, 0), MaxEntryDuration)
	return int64(d / time.Second)
}

func sameProject(a, b *int64) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func copyID(id *int64) *int64 {
	if id == nil {
		return nil
	}
	v := *id
	return &v
}

func splitURL(raw string) (domain, path string) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", ""
	}
	return u.Hostname(), u.Path
}
