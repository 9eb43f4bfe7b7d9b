package api

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sadopc/trackd/internal/aggregate"
	"github.com/sadopc/trackd/internal/events"
	"github.com/sadopc/trackd/internal/gitpoll"
	"github.com/sadopc/trackd/internal/store"
	"github.com/sadopc/trackd/internal/syncer"
)

type fakeService struct {
	mu       sync.Mutex
	bus      *events.Bus
	tracking bool
	current  *aggregate.Activity
	recent   []aggregate.Activity
	limits   []int
	projects []store.Project
	syncCfg  syncer.Config
	syncErr  error
	gitErr   error
	since    time.Time
}

func newFakeService() *fakeService {
	return &fakeService{bus: events.NewBus(), tracking: true}
}

func (f *fakeService) CurrentActivity() (aggregate.Activity, bool) {
	if f.current == nil {
		return aggregate.Activity{}, false
	}
	return *f.current, true
}

func (f *fakeService) RecentActivities(limit int) []aggregate.Activity {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.limits = append(f.limits, limit)
	return f.recent
}

func (f *fakeService) DailySummary() map[string]int64 { return map[string]int64{"Code": 120} }
func (f *fakeService) WeeklySummary() map[string]int64 { return map[string]int64{"Code": 600} }

func (f *fakeService) AllGitData(limit int) []aggregate.GitData {
	return []aggregate.GitData{{ProjectID: 1, Name: "trackd", Branch: "main"}}
}

func (f *fakeService) Projects() []store.Project { return f.projects }

func (f *fakeService) AddProject(name, path, gitURL string) (store.Project, error) {
	p := store.Project{ID: int64(len(f.projects) + 1), Name: name, Path: path, GitURL: gitURL}
	f.projects = append(f.projects, p)
	return p, nil
}

func (f *fakeService) DeleteProject(id int64) (bool, error) {
	for i, p := range f.projects {
		if p.ID == id {
			f.projects = append(f.projects[:i], f.projects[i+1:]...)
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeService) RegisterGitProject(path, name string) (store.Project, error) {
	if f.gitErr != nil {
		return store.Project{}, f.gitErr
	}
	return f.AddProject(name, path, "")
}

func (f *fakeService) UnregisterGitProject(id int64) (bool, error) { return f.DeleteProject(id) }

func (f *fakeService) SyncConfig() syncer.Config { return f.syncCfg }

func (f *fakeService) UpdateSyncConfig(p syncer.Patch) (syncer.Config, error) {
	f.syncCfg = f.syncCfg.Apply(p)
	return f.syncCfg, nil
}

func (f *fakeService) SyncNow(ctx context.Context) (bool, error) {
	if f.syncErr != nil {
		return false, f.syncErr
	}
	return f.syncCfg.SyncEnabled, nil
}

func (f *fakeService) Tracking() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tracking
}

func (f *fakeService) Pause() bool { return f.setTracking(false) }
func (f *fakeService) Resume() bool { return f.setTracking(true) }

func (f *fakeService) setTracking(on bool) bool {
	f.mu.Lock()
	changed := f.tracking != on
	f.tracking = on
	f.mu.Unlock()
	if changed {
		f.bus.Publish(events.Event{Kind: events.KindTrackingStatus, Active: on})
	}
	return changed
}

func (f *fakeService) Status() Status {
	return Status{Tracking: f.Tracking(), Healthy: true, StorePath: "/tmp/trackd.json"}
}

func (f *fakeService) Subscribe(fn events.Handler, kinds ...events.Kind) func() {
	return f.bus.Subscribe(fn, kinds...)
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestReadEndpoints(t *testing.T) {
	svc := newFakeService()
	svc.recent = []aggregate.Activity{{ID: 1, App: "Code"}}
	h := NewServer(svc, "127.0.0.1:0").Handler()

	rec := do(t, h, http.MethodGet, "/api/current-activity", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Nil(t, decode[CurrentActivityResponse](t, rec).Activity)

	svc.current = &aggregate.Activity{App: "Code", Title: "main.go"}
	rec = do(t, h, http.MethodGet, "/api/current-activity", "")
	got := decode[CurrentActivityResponse](t, rec)
	require.NotNil(t, got.Activity)
	assert.Equal(t, "main.go", got.Activity.Title)

	rec = do(t, h, http.MethodGet, "/api/recent-activities", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]aggregate.Activity](t, rec), 1)
	do(t, h, http.MethodGet, "/api/recent-activities?limit=5", "")
	assert.Equal(t, []int{aggregate.DefaultLimit, 5}, svc.limits)

	rec = do(t, h, http.MethodGet, "/api/summary/daily", "")
	assert.Equal(t, map[string]int64{"Code": 120}, decode[map[string]int64](t, rec))
	rec = do(t, h, http.MethodGet, "/api/summary/weekly", "")
	assert.Equal(t, map[string]int64{"Code": 600}, decode[map[string]int64](t, rec))

	rec = do(t, h, http.MethodGet, "/api/git", "")
	assert.Equal(t, "trackd", decode[[]aggregate.GitData](t, rec)[0].Name)
}

func TestBadLimit(t *testing.T) {
	h := NewServer(newFakeService(), "").Handler()
	for _, q := range []string{"0", "-3", "ten"} {
		rec := do(t, h, http.MethodGet, "/api/recent-activities?limit="+q, "")
		assert.Equal(t, http.StatusBadRequest, rec.Code, q)
		assert.Contains(t, decode[ErrorResponse](t, rec).Error.Message, "invalid limit")
	}
}

func TestProjectLifecycle(t *testing.T) {
	svc := newFakeService()
	h := NewServer(svc, "").Handler()

	rec := do(t, h, http.MethodPost, "/api/projects", `{"name":"  "}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = do(t, h, http.MethodPost, "/api/projects", `{"name":"x","bogus":1}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodPost, "/api/projects", `{"name":"site","git_url":"git@example.com:site.git"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	p := decode[store.Project](t, rec)
	assert.Equal(t, "site", p.Name)

	rec = do(t, h, http.MethodGet, "/api/projects", "")
	assert.Len(t, decode[[]store.Project](t, rec), 1)

	rec = do(t, h, http.MethodDelete, fmt.Sprintf("/api/projects/%d", p.ID), "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, decode[DeleteResponse](t, rec).Deleted)

	rec = do(t, h, http.MethodDelete, fmt.Sprintf("/api/projects/%d", p.ID), "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = do(t, h, http.MethodDelete, "/api/projects/abc", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRegisterGitProjectErrors(t *testing.T) {
	svc := newFakeService()
	h := NewServer(svc, "").Handler()

	rec := do(t, h, http.MethodPost, "/api/git/projects", `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	svc.gitErr = fmt.Errorf("%w: /tmp/x", gitpoll.ErrNotGitRepository)
	rec = do(t, h, http.MethodPost, "/api/git/projects", `{"path":"/tmp/x"}`)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	er := decode[ErrorResponse](t, rec).Error
	assert.Equal(t, "E_NOT_GIT_REPOSITORY", er.Code)
	assert.Contains(t, er.Message, "/tmp/x")
}

func TestSyncEndpoints(t *testing.T) {
	svc := newFakeService()
	h := NewServer(svc, "").Handler()

	rec := do(t, h, http.MethodPut, "/api/sync/config", `{"serverUrl":"https://sync.example/","userId":"u1","syncEnabled":true}`)
	require.Equal(t, http.StatusOK, rec.Code)
	cfg := decode[syncer.Config](t, rec)
	assert.Equal(t, "https://sync.example", cfg.ServerURL)

	rec = do(t, h, http.MethodGet, "/api/sync/config", "")
	assert.Equal(t, cfg, decode[syncer.Config](t, rec))

	rec = do(t, h, http.MethodPost, "/api/sync/now", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, decode[SyncResponse](t, rec).Synced)

	svc.syncErr = syncer.ErrRejected
	rec = do(t, h, http.MethodPost, "/api/sync/now", "")
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Equal(t, syncer.ErrRejected.Error(), decode[SyncResponse](t, rec).Error)
}

func TestTrackingToggle(t *testing.T) {
	svc := newFakeService()
	h := NewServer(svc, "").Handler()

	rec := do(t, h, http.MethodPost, "/api/tracking/pause", "")
	assert.False(t, decode[TrackingResponse](t, rec).Active)
	rec = do(t, h, http.MethodGet, "/api/tracking", "")
	assert.False(t, decode[TrackingResponse](t, rec).Active)
	rec = do(t, h, http.MethodPost, "/api/tracking/resume", "")
	assert.True(t, decode[TrackingResponse](t, rec).Active)
}

func TestUnknownRouteAndMethod(t *testing.T) {
	h := NewServer(newFakeService(), "").Handler()
	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodGet, "/api/nope", "").Code)
	assert.Equal(t, http.StatusMethodNotAllowed, do(t, h, http.MethodDelete, "/api/tracking", "").Code)
}

func TestMetricsMountedOnlyWhenEnabled(t *testing.T) {
	off := NewServer(newFakeService(), "").Handler()
	assert.Equal(t, http.StatusNotFound, do(t, off, http.MethodGet, "/metrics", "").Code)

	on := NewServer(newFakeService(), "", WithMetrics(true)).Handler()
	rec := do(t, on, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestEventsStreamTrackingStatus(t *testing.T) {
	svc := newFakeService()
	srv := httptest.NewServer(NewServer(svc, "").Handler())
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/events", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	// The handler subscribes before writing headers, so this is not lost.
	svc.Publish(events.Event{Kind: events.KindActivity})
	svc.Pause()

	sc := bufio.NewScanner(resp.Body)
	var lines []string
	for sc.Scan() {
		if sc.Text() == "" {
			break
		}
		lines = append(lines, sc.Text())
	}
	require.Len(t, lines, 2)
	assert.Equal(t, "event: tracking-status", lines[0])
	var e events.Event
	require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(lines[1], "data: ")), &e))
	assert.False(t, e.Active)
}

func TestServeShutsDownWithOpenEventStream(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	srv := NewServer(newFakeService(), "")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln) }()

	resp, err := http.Get("http://" + ln.Addr().String() + "/api/events")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	start := time.Now()
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
		assert.Less(t, time.Since(start), 2*time.Second)
	case <-time.After(4 * time.Second):
		t.Fatal("Serve held open by the event stream")
	}
}

func (f *fakeService) Export(w io.Writer, format string, since time.Time) error {
	f.mu.Lock()
	f.since = since
	f.mu.Unlock()
	_, err := fmt.Fprintf(w, "export %s", format)
	return err
}

func TestExport(t *testing.T) {
	svc := newFakeService()
	h := NewServer(svc, "").Handler()

	rec := do(t, h, http.MethodGet, "/api/export", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/csv", rec.Header().Get("Content-Type"))
	assert.Equal(t, "export csv", rec.Body.String())
	assert.WithinDuration(t, time.Now().AddDate(0, 0, -7), svc.since, time.Minute)

	rec = do(t, h, http.MethodGet, "/api/export?format=json&days=0", "")
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.True(t, svc.since.IsZero())

	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodGet, "/api/export?format=xml", "").Code)
	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodGet, "/api/export?days=-1", "").Code)
}

func (f *fakeService) Publish(e events.Event) { f.bus.Publish(e) }
