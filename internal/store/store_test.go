package store

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s := NewMemory()
	t.Cleanup(func() { s.Close() })
	return s
}

func openTestStore(t *testing.T, path string, opts ...Option) *Store {
	t.Helper()
	s, err := Open(path, opts...)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	return s
}

// fixedClock returns the same instant on every call, so identifiers land in
// one millisecond.
func fixedClock(at time.Time) func() time.Time {
	return func() time.Time { return at }
}

// failingCodec accepts the initial load and refuses every later save.
type failingCodec struct {
	mu    sync.Mutex
	saves int
	fail  bool
}

func (c *failingCodec) Path() string { return filepath.Join(os.TempDir(), "failing", "db.json") }
func (c *failingCodec) Load() (*Snapshot, error) {
	return emptySnapshot(), nil
}
func (c *failingCodec) Save(*Snapshot) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.saves++
	if c.fail {
		return errors.New("disk full")
	}
	return nil
}
func (c *failingCodec) Close() error { return nil }

func snapshotJSON(t *testing.T, s *Store) string {
	t.Helper()
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, err := json.Marshal(s.data)
	if err != nil {
		t.Fatal(err)
	}
	return string(data)
}

func seedAllTables(t *testing.T, s *Store) {
	t.Helper()
	pid := int64(42)
	if _, err := Insert(s, Applications, Application{Name: "Code", ProcessName: "Code"}); err != nil {
		t.Fatal(err)
	}
	if _, err := Insert(s, Projects, Project{Name: "trackd", Path: "/src/trackd", GitURL: "git@example.com:trackd.git"}); err != nil {
		t.Fatal(err)
	}
	if _, err := Insert(s, GitCommits, GitCommit{
		ProjectID: 42, Hash: "abc123", Branch: "main", Message: "init",
		CommitTime: time.Date(2026, 10, 1, 9, 0, 0, 0, time.UTC), IsDirty: true, Inserted: 3, Deleted: 1, Changed: 2,
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := Insert(s, TimeEntries, TimeEntry{
		ProjectID: &pid, ApplicationID: 1, StartTime: time.Date(2026, 10, 1, 9, 5, 0, 0, time.UTC),
		DurationSeconds: 120, ActivityType: ActivityCoding, FilePath: "main.go", Title: "main.go - trackd",
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := Insert(s, TimeEntries, TimeEntry{
		ApplicationID: 1, StartTime: time.Date(2026, 10, 1, 9, 6, 0, 0, time.UTC),
		ActivityType: ActivityOther, Title: "Terminal",
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := Insert(s, BrowserActivities, BrowserActivity{
		Browser: "Safari", URL: "https://go.dev/doc", Domain: "go.dev", Path: "/doc", Title: "Docs",
		StartTime: time.Date(2026, 10, 1, 9, 7, 0, 0, time.UTC), DurationSeconds: 60,
	}); err != nil {
		t.Fatal(err)
	}
}

// ============================================================
// Store initialization
// ============================================================

func TestNewMemory(t *testing.T) {
	s := NewMemory()
	defer s.Close()

	if s.Path() != "" {
		t.Fatalf("memory store should have no path, got %q", s.Path())
	}
	if _, err := Insert(s, Applications, Application{Name: "x"}); err != nil {
		t.Fatalf("insert into memory store: %v", err)
	}
}

func TestOpenCreatesEmptySchema(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "db.json")
	s := openTestStore(t, path)
	defer s.Close()

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("snapshot file should exist: %v", err)
	}
	for _, table := range []string{"applications", "projects", "git_commits", "time_entries", "browser_activities"} {
		if !strings.Contains(string(raw), `"`+table+`": []`) {
			t.Fatalf("expected empty %s table in %s", table, raw)
		}
	}
	if !s.Healthy() {
		t.Fatal("store with a file on disk should be healthy")
	}
}

func TestOpenCorruptSnapshotStartsEmpty(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "db.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}

	s := openTestStore(t, path)
	defer s.Close()

	if got := s.Stats(); got != (Stats{}) {
		t.Fatalf("expected empty store, got %+v", got)
	}
	matches, _ := filepath.Glob(path + ".corrupt-*")
	if len(matches) != 1 {
		t.Fatalf("expected corrupt file to be kept aside, found %v", matches)
	}
	raw, _ := os.ReadFile(path)
	var snap Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		t.Fatalf("replacement snapshot should be valid JSON: %v", err)
	}
}

func TestOpenEmptyFileStartsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "db.json")
	os.WriteFile(path, nil, 0o644)

	s := openTestStore(t, path)
	defer s.Close()
	if s.Stats().TimeEntries != 0 {
		t.Fatal("expected no entries")
	}
}

func TestOpenFormatUnknown(t *testing.T) {
	_, err := OpenFormat(t.TempDir(), "yaml")
	if err == nil {
		t.Fatal("expected error for unknown format")
	}
}

func TestDefaultPath(t *testing.T) {
	path, err := DefaultPath(FormatJSON)
	if err != nil {
		t.Fatal(err)
	}
	if filepath.Base(path) != "db.json" {
		t.Fatalf("unexpected default path %q", path)
	}
	if FileName(FormatSQLite) != "db.sqlite" {
		t.Fatalf("unexpected sqlite file name %q", FileName(FormatSQLite))
	}
}

// ============================================================
// Persistence round trip
// ============================================================

func TestRoundTripJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "db.json")
	s := openTestStore(t, path)
	seedAllTables(t, s)
	want := snapshotJSON(t, s)
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened := openTestStore(t, path)
	defer reopened.Close()
	if got := snapshotJSON(t, reopened); got != want {
		t.Fatalf("round trip mismatch\nwant %s\ngot  %s", want, got)
	}
}

func TestMutationIsDurableBeforeClose(t *testing.T) {
	path := filepath.Join(t.TempDir(), "db.json")
	s := openTestStore(t, path)
	defer s.Close()

	app, err := Insert(s, Applications, Application{Name: "Firefox"})
	if err != nil {
		t.Fatal(err)
	}

	// A second reader sees the write without the first store closing.
	other := openTestStore(t, path)
	defer other.Close()
	got, ok := Find(other, Applications, func(a Application) bool { return a.ID == app.ID })
	if !ok || got.Name != "Firefox" {
		t.Fatalf("expected persisted application, got %+v ok=%v", got, ok)
	}
}

func TestIDsContinueAfterReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "db.json")
	future := time.Now().Add(24 * time.Hour)
	s := openTestStore(t, path, WithClock(fixedClock(future)))
	first, _ := Insert(s, Applications, Application{Name: "a"})
	s.Close()

	// Reopen with the real clock, which is behind the stored ids.
	reopened := openTestStore(t, path)
	defer reopened.Close()
	second, err := Insert(reopened, Applications, Application{Name: "b"})
	if err != nil {
		t.Fatal(err)
	}
	if second.ID <= first.ID {
		t.Fatalf("id went backwards: %d after %d", second.ID, first.ID)
	}
}

// ============================================================
// Identifiers
// ============================================================

func TestInsertSameTickDistinctIDs(t *testing.T) {
	s := NewMemory(WithClock(fixedClock(time.Date(2026, 10, 14, 12, 0, 0, 0, time.UTC))))
	defer s.Close()

	var last int64
	for i := 0; i < 50; i++ {
		rec, err := Insert(s, TimeEntries, TimeEntry{ApplicationID: 1, ActivityType: ActivityOther})
		if err != nil {
			t.Fatal(err)
		}
		if rec.ID <= last {
			t.Fatalf("ids must strictly increase: %d after %d", rec.ID, last)
		}
		last = rec.ID
	}
}

func TestIDSourceClockDerived(t *testing.T) {
	at := time.Date(2026, 10, 14, 12, 0, 0, 0, time.UTC)
	g := NewIDSource(fixedClock(at))
	if got := g.Next(); got != at.UnixMilli() {
		t.Fatalf("first id = %d, want %d", got, at.UnixMilli())
	}
	if got := g.Next(); got != at.UnixMilli()+1 {
		t.Fatalf("second id = %d, want %d", got, at.UnixMilli()+1)
	}
	g.Seed(at.UnixMilli() + 100)
	if got := g.Next(); got != at.UnixMilli()+101 {
		t.Fatalf("seeded id = %d, want %d", got, at.UnixMilli()+101)
	}
}

func TestIDSourceConcurrent(t *testing.T) {
	g := NewIDSource(nil)
	seen := sync.Map{}
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				if _, dup := seen.LoadOrStore(g.Next(), true); dup {
					t.Error("duplicate id")
				}
			}
		}()
	}
	wg.Wait()
}

// ============================================================
// Table operations
// ============================================================

func TestInsertStampsCreatedAt(t *testing.T) {
	at := time.Date(2026, 10, 14, 8, 30, 0, 0, time.UTC)
	s := NewMemory(WithClock(fixedClock(at)))
	rec, err := Insert(s, Projects, Project{Name: "p"})
	if err != nil {
		t.Fatal(err)
	}
	if !rec.CreatedAt.Equal(at) {
		t.Fatalf("created_at = %v, want %v", rec.CreatedAt, at)
	}
	if rec.ID == 0 {
		t.Fatal("expected non-zero ID")
	}
}

func TestFindFirstAndLast(t *testing.T) {
	s := newTestStore(t)
	a, _ := Insert(s, TimeEntries, TimeEntry{ApplicationID: 7, Title: "first"})
	Insert(s, TimeEntries, TimeEntry{ApplicationID: 8, Title: "other"})
	c, _ := Insert(s, TimeEntries, TimeEntry{ApplicationID: 7, Title: "last"})

	match := func(e TimeEntry) bool { return e.ApplicationID == 7 }
	first, ok := Find(s, TimeEntries, match)
	if !ok || first.ID != a.ID {
		t.Fatalf("Find should return the oldest match, got %+v", first)
	}
	last, ok := FindLast(s, TimeEntries, match)
	if !ok || last.ID != c.ID {
		t.Fatalf("FindLast should return the newest match, got %+v", last)
	}
	if _, ok := Find(s, TimeEntries, func(e TimeEntry) bool { return e.ApplicationID == 99 }); ok {
		t.Fatal("expected no match")
	}
}

func TestFilter(t *testing.T) {
	s := newTestStore(t)
	for i := 0; i < 5; i++ {
		Insert(s, TimeEntries, TimeEntry{ApplicationID: int64(i % 2)})
	}
	odd := Filter(s, TimeEntries, func(e TimeEntry) bool { return e.ApplicationID == 1 })
	if len(odd) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(odd))
	}
	all := Filter(s, TimeEntries, nil)
	if len(all) != 5 {
		t.Fatalf("nil predicate should match all, got %d", len(all))
	}
	if all[0].ID >= all[4].ID {
		t.Fatal("filter should keep insertion order")
	}
}

func TestFilterEmpty(t *testing.T) {
	s := newTestStore(t)
	got := Filter(s, GitCommits, nil)
	if got == nil || len(got) != 0 {
		t.Fatalf("expected empty non-nil slice, got %#v", got)
	}
}

func TestFilterReturnsCopy(t *testing.T) {
	s := newTestStore(t)
	Insert(s, Projects, Project{Name: "orig"})
	got := Filter(s, Projects, nil)
	got[0].Name = "changed"
	again := Filter(s, Projects, nil)
	if again[0].Name != "orig" {
		t.Fatal("mutating a filter result must not change the store")
	}
}

func TestUpdateProject(t *testing.T) {
	s := newTestStore(t)
	p, _ := Insert(s, Projects, Project{Name: "Old"})

	ok, err := Update(s, Projects, p.ID, func(r *Project) {
		r.Name = "New"
		r.ID = 1 // ignored
	})
	if err != nil || !ok {
		t.Fatalf("update failed: ok=%v err=%v", ok, err)
	}
	got, _ := Find(s, Projects, func(r Project) bool { return r.ID == p.ID })
	if got.Name != "New" {
		t.Fatalf("update not applied: %+v", got)
	}
	if got.UpdatedAt == nil {
		t.Fatal("UpdatedAt should be set")
	}
	if !got.CreatedAt.Equal(p.CreatedAt) {
		t.Fatal("CreatedAt must not change")
	}
}

func TestUpdateNotFound(t *testing.T) {
	s := newTestStore(t)
	ok, err := Update(s, Projects, 999, func(*Project) {})
	if err != nil || ok {
		t.Fatalf("expected not found, got ok=%v err=%v", ok, err)
	}
}

func TestDelete(t *testing.T) {
	s := newTestStore(t)
	a, _ := Insert(s, Projects, Project{Name: "a"})
	b, _ := Insert(s, Projects, Project{Name: "b"})

	ok, err := Delete(s, Projects, a.ID)
	if err != nil || !ok {
		t.Fatalf("delete failed: ok=%v err=%v", ok, err)
	}
	left := Filter(s, Projects, nil)
	if len(left) != 1 || left[0].ID != b.ID {
		t.Fatalf("unexpected projects after delete: %+v", left)
	}
	ok, _ = Delete(s, Projects, a.ID)
	if ok {
		t.Fatal("second delete should report not found")
	}
}

// ============================================================
// Failure handling
// ============================================================

func TestInsertSurfacesPersistFailure(t *testing.T) {
	codec := &failingCodec{}
	s := openTestStore(t, "", WithCodec(codec))
	codec.fail = true

	_, err := Insert(s, Applications, Application{Name: "lost"})
	if !errors.Is(err, ErrPersist) {
		t.Fatalf("expected ErrPersist, got %v", err)
	}
	if len(Filter(s, Applications, nil)) != 0 {
		t.Fatal("failed insert must not stay in memory")
	}
}

func TestUpdateDeleteRollBackOnFailure(t *testing.T) {
	codec := &failingCodec{}
	s := openTestStore(t, "", WithCodec(codec))
	p, err := Insert(s, Projects, Project{Name: "keep"})
	if err != nil {
		t.Fatal(err)
	}
	codec.fail = true

	if _, err := Update(s, Projects, p.ID, func(r *Project) { r.Name = "changed" }); !errors.Is(err, ErrPersist) {
		t.Fatalf("expected ErrPersist from update, got %v", err)
	}
	if _, err := Delete(s, Projects, p.ID); !errors.Is(err, ErrPersist) {
		t.Fatalf("expected ErrPersist from delete, got %v", err)
	}
	got := Filter(s, Projects, nil)
	if len(got) != 1 || got[0].Name != "keep" {
		t.Fatalf("rollback failed: %+v", got)
	}
}

func TestCloseIdempotent(t *testing.T) {
	s := openTestStore(t, filepath.Join(t.TempDir(), "db.json"))
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second close should be a no-op: %v", err)
	}
	if _, err := Insert(s, Applications, Application{Name: "late"}); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestConcurrentInserts(t *testing.T) {
	s := openTestStore(t, filepath.Join(t.TempDir(), "db.json"))
	defer s.Close()

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				if _, err := Insert(s, TimeEntries, TimeEntry{ApplicationID: 1}); err != nil {
					t.Error(err)
				}
			}
		}()
	}
	wg.Wait()
	if n := s.Stats().TimeEntries; n != 40 {
		t.Fatalf("expected 40 entries, got %d", n)
	}
}
