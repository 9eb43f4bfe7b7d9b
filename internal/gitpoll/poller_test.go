package gitpoll

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sadopc/trackd/internal/aggregate"
	"github.com/sadopc/trackd/internal/store"
)

// fakeRunner answers git subcommands per repository directory.
type fakeRunner struct {
	mu    sync.Mutex
	repos map[string]map[string]string
	fail  map[string]error
	calls int
}

func (f *fakeRunner) Run(_ context.Context, name string, args ...string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if name != "git" || len(args) < 3 || args[0] != "-C" {
		return nil, errors.New("unexpected command")
	}
	dir, sub := args[1], strings.Join(args[2:], " ")
	if err := f.fail[dir+" "+sub]; err != nil {
		return nil, err
	}
	out, ok := f.repos[dir][sub]
	if !ok {
		return nil, errors.New("fatal: not a git repository")
	}
	return []byte(out), nil
}

func healthyRepo(hash, msg string) map[string]string {
	return map[string]string{
		"rev-parse --abbrev-ref HEAD":  "main\n",
		"log -1 --pretty=format:%H|%s": hash + "|" + msg,
		"status --porcelain":           " M store.go\n?? notes.txt\n",
		"diff --shortstat":             " 1 file changed, 12 insertions(+), 3 deletions(-)\n",
	}
}

func makeRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(dir, ".git"), 0o755))
	return dir
}

func newTestPoller(t *testing.T, r Runner) (*Poller, *aggregate.Aggregator, *store.Store) {
	t.Helper()
	s := store.NewMemory()
	agg := aggregate.New(s)
	return New(agg, WithRunner(r)), agg, s
}

func TestRegisterRejectsNonGitDirectory(t *testing.T) {
	p, _, s := newTestPoller(t, &fakeRunner{})

	_, err := p.RegisterProject(t.TempDir(), "plain")
	require.ErrorIs(t, err, ErrNotGitRepository)
	assert.Empty(t, store.Filter(s, store.Projects, nil))
	assert.Empty(t, p.Projects())
}

func TestRegisterRejectsGitFile(t *testing.T) {
	dir := t.TempDir()
	// Worktrees use a .git file; only a directory counts.
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".git"), []byte("gitdir: /elsewhere"), 0o644))
	p, _, _ := newTestPoller(t, &fakeRunner{})
	_, err := p.RegisterProject(dir, "wt")
	assert.ErrorIs(t, err, ErrNotGitRepository)
}

func TestRegisterAndUnregister(t *testing.T) {
	dir := makeRepo(t)
	p, _, s := newTestPoller(t, &fakeRunner{})

	pr, err := p.RegisterProject(dir, "")
	require.NoError(t, err)
	assert.Equal(t, filepath.Base(dir), pr.Name)
	assert.Equal(t, dir, pr.Path)
	require.Len(t, p.Projects(), 1)

	ok, err := p.UnregisterProject(pr.ID)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Empty(t, p.Projects())
	assert.Empty(t, store.Filter(s, store.Projects, nil))
}

func TestUnregisterUnknownStillClearsRegistry(t *testing.T) {
	p, _, _ := newTestPoller(t, &fakeRunner{})
	p.projects = []Project{{ID: 99, Path: "/gone", Name: "gone"}}
	ok, err := p.UnregisterProject(99)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Empty(t, p.Projects())
}

func TestLoadOnlyTrackableProjects(t *testing.T) {
	p, agg, _ := newTestPoller(t, &fakeRunner{})
	_, err := agg.AddProject("web", "", "https://example.com/web.git")
	require.NoError(t, err)
	withPath, err := agg.AddProject("cli", "/src/cli", "")
	require.NoError(t, err)

	p.Load()
	assert.Equal(t, []Project{{ID: withPath.ID, Path: "/src/cli", Name: "cli"}}, p.Projects())
}

func TestInspect(t *testing.T) {
	r := &fakeRunner{repos: map[string]map[string]string{"/r": healthyRepo("abc123", "fix: handle a|b in titles")}}
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	p := New(nil, WithRunner(r), WithClock(func() time.Time { return at }))

	obs, err := p.Inspect(context.Background(), "/r")
	require.NoError(t, err)
	assert.Equal(t, aggregate.GitObservation{
		Hash:       "abc123",
		Branch:     "main",
		Message:    "fix: handle a|b in titles",
		CommitTime: at,
		IsDirty:    true,
		Inserted:   12,
		Deleted:    3,
		Changed:    1,
	}, obs)
}

func TestInspectCleanTree(t *testing.T) {
	repo := healthyRepo("abc", "init")
	repo["status --porcelain"] = ""
	repo["diff --shortstat"] = ""
	r := &fakeRunner{repos: map[string]map[string]string{"/r": repo}}

	obs, err := New(nil, WithRunner(r)).Inspect(context.Background(), "/r")
	require.NoError(t, err)
	assert.False(t, obs.IsDirty)
	assert.Zero(t, obs.Inserted+obs.Deleted+obs.Changed)
}

func TestInspectInvalidLog(t *testing.T) {
	repo := healthyRepo("", "")
	repo["log -1 --pretty=format:%H|%s"] = "garbage"
	r := &fakeRunner{repos: map[string]map[string]string{"/r": repo}}
	_, err := New(nil, WithRunner(r)).Inspect(context.Background(), "/r")
	assert.ErrorIs(t, err, ErrInvalidLog)
}

func TestPollIsolatesFailures(t *testing.T) {
	r := &fakeRunner{
		repos: map[string]map[string]string{
			"/ok":  healthyRepo("aaa", "one"),
			"/bad": healthyRepo("bbb", "two"),
		},
		fail: map[string]error{"/bad diff --shortstat": errors.New("signal: killed")},
	}
	p, _, s := newTestPoller(t, r)
	p.projects = []Project{
		{ID: 1, Path: "/bad", Name: "bad"},
		{ID: 2, Path: "/missing", Name: "missing"},
		{ID: 3, Path: "/ok", Name: "ok"},
	}

	p.Poll(context.Background())
	p.Poll(context.Background())

	commits := store.Filter(s, store.GitCommits, nil)
	require.Len(t, commits, 2, "one row per tick for the healthy project, even when unchanged")
	for _, c := range commits {
		assert.Equal(t, int64(3), c.ProjectID)
		assert.Equal(t, "aaa", c.Hash)
	}
}

func TestParseShortstat(t *testing.T) {
	tests := []struct {
		in                        string
		inserted, deleted, change int
	}{
		{" 3 files changed, 10 insertions(+), 2 deletions(-)", 10, 2, 3},
		{" 1 file changed, 1 insertion(+)", 1, 0, 1},
		{" 2 files changed, 5 deletions(-)", 0, 5, 2},
		{"", 0, 0, 0},
	}
	for _, tt := range tests {
		i, d, c := ParseShortstat(tt.in)
		assert.Equal(t, [3]int{tt.inserted, tt.deleted, tt.change}, [3]int{i, d, c}, tt.in)
	}
}

func TestParseLog(t *testing.T) {
	h, m, err := ParseLog("deadbeef|subject | with pipe")
	require.NoError(t, err)
	assert.Equal(t, "deadbeef", h)
	assert.Equal(t, "subject | with pipe", m)

	for _, bad := range []string{"", "|msg", "hash|", "hash"} {
		_, _, err := ParseLog(bad)
		assert.ErrorIs(t, err, ErrInvalidLog, bad)
	}
}

func TestStartStopIdempotent(t *testing.T) {
	dir := makeRepo(t)
	r := &fakeRunner{repos: map[string]map[string]string{dir: healthyRepo("aaa", "one")}}
	s := store.NewMemory()
	agg := aggregate.New(s)
	_, err := agg.AddProject("repo", dir, "")
	require.NoError(t, err)

	p := New(agg, WithRunner(r), WithInterval(2*time.Millisecond))
	p.Start(context.Background())
	p.Start(context.Background())
	require.Eventually(t, func() bool { return len(store.Filter(s, store.GitCommits, nil)) > 0 }, time.Second, time.Millisecond)
	p.Stop()
	p.Stop()

	n := len(store.Filter(s, store.GitCommits, nil))
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, n, len(store.Filter(s, store.GitCommits, nil)))
}
