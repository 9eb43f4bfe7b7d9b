package store

import (
	"slices"
	"time"
)

// Table describes one named collection inside the snapshot and how to reach
// the identity fields of its records.
type Table[T any] struct {
	name    string
	rows    func(*Snapshot) *[]T
	id      func(*T) *int64
	created func(*T) *time.Time
	touch   func(*T, time.Time)
}

func (t Table[T]) Name() string { return t.name }

var (
	Applications = Table[Application]{
		name:    "applications",
		rows:    func(s *Snapshot) *[]Application { return &s.Applications },
		id:      func(r *Application) *int64 { return &r.ID },
		created: func(r *Application) *time.Time { return &r.CreatedAt },
	}
	Projects = Table[Project]{
		name:    "projects",
		rows:    func(s *Snapshot) *[]Project { return &s.Projects },
		id:      func(r *Project) *int64 { return &r.ID },
		created: func(r *Project) *time.Time { return &r.CreatedAt },
		touch:   func(r *Project, at time.Time) { r.UpdatedAt = &at },
	}
	GitCommits = Table[GitCommit]{
		name:    "git_commits",
		rows:    func(s *Snapshot) *[]GitCommit { return &s.GitCommits },
		id:      func(r *GitCommit) *int64 { return &r.ID },
		created: func(r *GitCommit) *time.Time { return &r.CreatedAt },
	}
	TimeEntries = Table[TimeEntry]{
		name:    "time_entries",
		rows:    func(s *Snapshot) *[]TimeEntry { return &s.TimeEntries },
		id:      func(r *TimeEntry) *int64 { return &r.ID },
		created: func(r *TimeEntry) *time.Time { return &r.CreatedAt },
	}
	BrowserActivities = Table[BrowserActivity]{
		name:    "browser_activities",
		rows:    func(s *Snapshot) *[]BrowserActivity { return &s.BrowserActivities },
		id:      func(r *BrowserActivity) *int64 { return &r.ID },
		created: func(r *BrowserActivity) *time.Time { return &r.CreatedAt },
	}
)

// Insert assigns an identifier and created_at to rec, appends it and
// persists the snapshot. On a persistence failure the record is not kept.
func Insert[T any](s *Store, t Table[T], rec T) (T, error) {
	var zero T
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.writable(); err != nil {
		return zero, err
	}

	*t.id(&rec) = s.ids.Next()
	*t.created(&rec) = s.now().UTC()

	rows := t.rows(s.data)
	*rows = append(*rows, rec)
	if err := s.persist("insert " + t.name); err != nil {
		*rows = (*rows)[:len(*rows)-1]
		return zero, err
	}
	return rec, nil
}

// Find returns the first record, in insertion order, matching pred.
func Find[T any](s *Store, t Table[T], pred func(T) bool) (T, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, r := range *t.rows(s.data) {
		if pred(r) {
			return r, true
		}
	}
	var zero T
	return zero, false
}

// FindLast returns the most recently inserted record matching pred.
func FindLast[T any](s *Store, t Table[T], pred func(T) bool) (T, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows := *t.rows(s.data)
	for i := len(rows) - 1; i >= 0; i-- {
		if pred(rows[i]) {
			return rows[i], true
		}
	}
	var zero T
	return zero, false
}

// Filter returns a copy of every record matching pred, in insertion order.
// A nil pred matches everything.
func Filter[T any](s *Store, t Table[T], pred func(T) bool) []T {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []T{}
	for _, r := range *t.rows(s.data) {
		if pred == nil || pred(r) {
			out = append(out, r)
		}
	}
	return out
}

// Update applies fn to the record with the given id. The id and created_at
// fields are restored after fn runs. It reports whether a record was found.
func Update[T any](s *Store, t Table[T], id int64, fn func(*T)) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.writable(); err != nil {
		return false, err
	}

	rows := *t.rows(s.data)
	i := slices.IndexFunc(rows, func(r T) bool { return *t.id(&r) == id })
	if i < 0 {
		return false, nil
	}
	old := rows[i]
	rec := &rows[i]
	created := *t.created(rec)
	fn(rec)
	*t.id(rec) = id
	*t.created(rec) = created
	if t.touch != nil {
		t.touch(rec, s.now().UTC())
	}
	if err := s.persist("update " + t.name); err != nil {
		rows[i] = old
		return false, err
	}
	return true, nil
}

// Delete removes the record with the given id and reports whether it
// existed.
func Delete[T any](s *Store, t Table[T], id int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.writable(); err != nil {
		return false, err
	}

	rows := t.rows(s.data)
	i := slices.IndexFunc(*rows, func(r T) bool { return *t.id(&r) == id })
	if i < 0 {
		return false, nil
	}
	removed := (*rows)[i]
	*rows = slices.Delete(*rows, i, i+1)
	if err := s.persist("delete " + t.name); err != nil {
		*rows = slices.Insert(*rows, i, removed)
		return false, err
	}
	return true, nil
}
