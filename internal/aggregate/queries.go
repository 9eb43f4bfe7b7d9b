package aggregate

import (
	"cmp"
	"fmt"
	"slices"
	"time"

	"github.com/sadopc/trackd/internal/store"
)

const (
	unknownTitle   = "Unknown"
	unknownWebsite = "Unknown Website"
	unknownApp     = "Unknown App"
	unknownProject = "Unknown Project"
	defaultBrowser = "Browser"
)

// Activity is the display shape shared by time entries and browser rows.
type Activity struct {
	ID              int64              `json:"id"`
	Timestamp       time.Time          `json:"timestamp"`
	App             string             `json:"app"`
	Title           string             `json:"title"`
	URL             string             `json:"url,omitempty"`
	File            string             `json:"file,omitempty"`
	ProjectID       *int64             `json:"project_id,omitempty"`
	ActivityType    store.ActivityType `json:"activity_type"`
	DurationSeconds int64              `json:"duration_seconds"`
}

type GitData struct {
	ProjectID  int64     `json:"project_id"`
	Name       string    `json:"name"`
	Branch     string    `json:"branch"`
	Commit     string    `json:"commit"`
	Message    string    `json:"message"`
	CommitTime time.Time `json:"commit_time"`
	IsDirty    bool      `json:"is_dirty"`
	Inserted   int       `json:"inserted"`
	Deleted    int       `json:"deleted"`
	Changed    int       `json:"changed"`
}

// DailySummary sums seconds per title and per domain since local midnight.
func (a *Aggregator) DailySummary() map[string]int64 {
	now := a.now()
	y, m, d := now.Date()
	return a.summarize(time.Date(y, m, d, 0, 0, 0, 0, now.Location()), now)
}

// WeeklySummary covers the trailing seven days.
func (a *Aggregator) WeeklySummary() map[string]int64 {
	now := a.now()
	return a.summarize(now.Add(-7*24*time.Hour), now)
}

func (a *Aggregator) summarize(from, to time.Time) map[string]int64 {
	in := func(t time.Time) bool { return !t.Before(from) && t.Before(to) }
	out := map[string]int64{}

	for _, e := range store.Filter(a.store, store.TimeEntries, func(e store.TimeEntry) bool { return in(e.StartTime) }) {
		if hasBrowserRow(e) {
			continue
		}
		key := e.Title
		if key == "" {
			key = unknownTitle
		}
		out[key] += e.DurationSeconds
	}
	for _, b := range store.Filter(a.store, store.BrowserActivities, func(b store.BrowserActivity) bool { return in(b.StartTime) }) {
		key := b.Domain
		if key == "" {
			key = unknownWebsite
		}
		out[key] += b.DurationSeconds
	}
	return out
}

// RecentActivities returns at most limit activities, newest first. Each
// source table is cut to limit before the merge, so a table that dominates
// recent activity can push older rows of the other one out early.
func (a *Aggregator) RecentActivities(limit int) []Activity {
	if limit <= 0 {
		limit = DefaultLimit
	}
	apps := a.applicationNames()

	entries := store.Filter(a.store, store.TimeEntries, func(e store.TimeEntry) bool { return !hasBrowserRow(e) })
	slices.SortStableFunc(entries, func(x, y store.TimeEntry) int { return y.StartTime.Compare(x.StartTime) })
	entries = entries[:min(limit, len(entries))]

	browsing := store.Filter(a.store, store.BrowserActivities, nil)
	slices.SortStableFunc(browsing, func(x, y store.BrowserActivity) int { return y.StartTime.Compare(x.StartTime) })
	browsing = browsing[:min(limit, len(browsing))]

	out := make([]Activity, 0, len(entries)+len(browsing))
	for _, e := range entries {
		out = append(out, entryActivity(e, apps))
	}
	for _, b := range browsing {
		out = append(out, browserActivity(b))
	}
	slices.SortStableFunc(out, func(x, y Activity) int { return y.Timestamp.Compare(x.Timestamp) })
	return out[:min(limit, len(out))]
}

// hasBrowserRow reports whether e was recorded together with a
// browser_activities row carrying the same start time.
func hasBrowserRow(e store.TimeEntry) bool {
	return e.ActivityType == store.ActivityBrowsing && e.URL != ""
}

// CurrentActivity is the most recently recorded time entry.
func (a *Aggregator) CurrentActivity() (Activity, bool) {
	e, ok := store.FindLast(a.store, store.TimeEntries, func(store.TimeEntry) bool { return true })
	if !ok {
		return Activity{}, false
	}
	return entryActivity(e, a.applicationNames()), true
}

// AllGitData returns the latest observations by commit time.
func (a *Aggregator) AllGitData(limit int) []GitData {
	if limit <= 0 {
		limit = DefaultLimit
	}
	names := map[int64]string{}
	for _, p := range store.Filter(a.store, store.Projects, nil) {
		names[p.ID] = p.Name
	}

	commits := store.Filter(a.store, store.GitCommits, nil)
	slices.SortStableFunc(commits, func(x, y store.GitCommit) int { return y.CommitTime.Compare(x.CommitTime) })
	commits = commits[:min(limit, len(commits))]

	out := make([]GitData, 0, len(commits))
	for _, c := range commits {
		out = append(out, GitData{
			ProjectID:  c.ProjectID,
			Name:       cmp.Or(names[c.ProjectID], unknownProject),
			Branch:     cmp.Or(c.Branch, "main"),
			Commit:     cmp.Or(c.Hash, "unknown"),
			Message:    cmp.Or(c.Message, "No message"),
			CommitTime: c.CommitTime,
			IsDirty:    c.IsDirty,
			Inserted:   c.Inserted,
			Deleted:    c.Deleted,
			Changed:    c.Changed,
		})
	}
	return out
}

func (a *Aggregator) AddProject(name, path, gitURL string) (store.Project, error) {
	if name == "" {
		return store.Project{}, fmt.Errorf("add project: name is required")
	}
	return store.Insert(a.store, store.Projects, store.Project{Name: name, Path: path, GitURL: gitURL})
}

func (a *Aggregator) Projects() []store.Project {
	return store.Filter(a.store, store.Projects, nil)
}

func (a *Aggregator) DeleteProject(id int64) (bool, error) {
	return store.Delete(a.store, store.Projects, id)
}

func (a *Aggregator) applicationNames() map[int64]string {
	names := map[int64]string{}
	for _, app := range store.Filter(a.store, store.Applications, nil) {
		names[app.ID] = app.Name
	}
	return names
}

func entryActivity(e store.TimeEntry, apps map[int64]string) Activity {
	return Activity{
		ID:              e.ID,
		Timestamp:       e.StartTime,
		App:             cmp.Or(apps[e.ApplicationID], unknownApp),
		Title:           e.Title,
		URL:             e.URL,
		File:            e.FilePath,
		ProjectID:       e.ProjectID,
		ActivityType:    e.ActivityType,
		DurationSeconds: e.DurationSeconds,
	}
}

func browserActivity(b store.BrowserActivity) Activity {
	return Activity{
		ID:              b.ID,
		Timestamp:       b.StartTime,
		App:             cmp.Or(b.Browser, defaultBrowser),
		Title:           b.Title,
		URL:             b.URL,
		ProjectID:       b.ProjectID,
		ActivityType:    store.ActivityBrowsing,
		DurationSeconds: b.DurationSeconds,
	}
}
