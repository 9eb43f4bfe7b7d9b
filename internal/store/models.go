package store

import "time"

type ActivityType string

const (
	ActivityCoding   ActivityType = "coding"
	ActivityBrowsing ActivityType = "browsing"
	ActivityOther    ActivityType = "other"
)

func (a ActivityType) Valid() bool {
	switch a {
	case ActivityCoding, ActivityBrowsing, ActivityOther:
		return true
	}
	return false
}

type Application struct {
	ID          int64     `json:"id"`
	Name        string    `json:"name"`
	ProcessName string    `json:"process_name"`
	CreatedAt   time.Time `json:"created_at"`
}

type Project struct {
	ID        int64      `json:"id"`
	Name      string     `json:"name"`
	Path      string     `json:"path,omitempty"`
	GitURL    string     `json:"git_url,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt *time.Time `json:"updated_at,omitempty"`
}

// Trackable reports whether the project points at a directory the git
// poller can inspect.
func (p Project) Trackable() bool {
	return p.Path != ""
}

type TimeEntry struct {
	ID              int64        `json:"id"`
	ProjectID       *int64       `json:"project_id"`
	ApplicationID   int64        `json:"application_id"`
	StartTime       time.Time    `json:"start_time"`
	DurationSeconds int64        `json:"duration_seconds"`
	ActivityType    ActivityType `json:"activity_type"`
	FilePath        string       `json:"file_path,omitempty"`
	URL             string       `json:"url,omitempty"`
	Title           string       `json:"title"`
	CreatedAt       time.Time    `json:"created_at"`
}

type BrowserActivity struct {
	ID              int64     `json:"id"`
	ProjectID       *int64    `json:"project_id"`
	Browser         string    `json:"browser"`
	URL             string    `json:"url"`
	Domain          string    `json:"domain"`
	Path            string    `json:"path"`
	Title           string    `json:"title"`
	StartTime       time.Time `json:"start_time"`
	DurationSeconds int64     `json:"duration_seconds"`
	CreatedAt       time.Time `json:"created_at"`
}

// GitCommit is one observation of a tracked repository. The table is a time
// series: a poll appends a row even when the hash did not change.
type GitCommit struct {
	ID         int64     `json:"id"`
	ProjectID  int64     `json:"project_id"`
	Hash       string    `json:"hash"`
	Branch     string    `json:"branch"`
	Message    string    `json:"message"`
	CommitTime time.Time `json:"commit_time"`
	IsDirty    bool      `json:"is_dirty"`
	Inserted   int       `json:"inserted"`
	Deleted    int       `json:"deleted"`
	Changed    int       `json:"changed"`
	CreatedAt  time.Time `json:"created_at"`
}

// Snapshot is the whole persisted state. Codecs read and write it as a unit.
type Snapshot struct {
	Applications      []Application     `json:"applications"`
	Projects          []Project         `json:"projects"`
	GitCommits        []GitCommit       `json:"git_commits"`
	TimeEntries       []TimeEntry       `json:"time_entries"`
	BrowserActivities []BrowserActivity `json:"browser_activities"`
	LastID            int64             `json:"last_id"`
}

func emptySnapshot() *Snapshot {
	return &Snapshot{
		Applications:      []Application{},
		Projects:          []Project{},
		GitCommits:        []GitCommit{},
		TimeEntries:       []TimeEntry{},
		BrowserActivities: []BrowserActivity{},
	}
}

// normalize replaces nil tables with empty ones so a hand-edited or
// partially written file still behaves like a full schema.
func (s *Snapshot) normalize() {
	if s.Applications == nil {
		s.Applications = []Application{}
	}
	if s.Projects == nil {
		s.Projects = []Project{}
	}
	if s.GitCommits == nil {
		s.GitCommits = []GitCommit{}
	}
	if s.TimeEntries == nil {
		s.TimeEntries = []TimeEntry{}
	}
	if s.BrowserActivities == nil {
		s.BrowserActivities = []BrowserActivity{}
	}
}

// maxID returns the largest identifier present in any table.
func (s *Snapshot) maxID() int64 {
	m := s.LastID
	for _, r := range s.Applications {
		m = max(m, r.ID)
	}
	for _, r := range s.Projects {
		m = max(m, r.ID)
	}
	for _, r := range s.GitCommits {
		m = max(m, r.ID)
	}
	for _, r := range s.TimeEntries {
		m = max(m, r.ID)
	}
	for _, r := range s.BrowserActivities {
		m = max(m, r.ID)
	}
	return m
}

// Stats holds row counts per table.
type Stats struct {
	Applications      int `json:"applications"`
	Projects          int `json:"projects"`
	GitCommits        int `json:"git_commits"`
	TimeEntries       int `json:"time_entries"`
	BrowserActivities int `json:"browser_activities"`
}
