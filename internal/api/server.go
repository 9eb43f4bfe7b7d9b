// Package api serves the agent's request and event boundary as loopback
// HTTP JSON.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/sadopc/trackd/internal/aggregate"
	"github.com/sadopc/trackd/internal/events"
	"github.com/sadopc/trackd/internal/export"
	"github.com/sadopc/trackd/internal/gitpoll"
	"github.com/sadopc/trackd/internal/metrics"
	"github.com/sadopc/trackd/internal/store"
	"github.com/sadopc/trackd/internal/syncer"
)

// Service is what the agent exposes to the HTTP layer.
type Service interface {
	CurrentActivity() (aggregate.Activity, bool)
	RecentActivities(limit int) []aggregate.Activity
	DailySummary() map[string]int64
	WeeklySummary() map[string]int64
	AllGitData(limit int) []aggregate.GitData

	Projects() []store.Project
	AddProject(name, path, gitURL string) (store.Project, error)
	DeleteProject(id int64) (bool, error)
	RegisterGitProject(path, name string) (store.Project, error)
	UnregisterGitProject(id int64) (bool, error)

	SyncConfig() syncer.Config
	UpdateSyncConfig(p syncer.Patch) (syncer.Config, error)
	SyncNow(ctx context.Context) (bool, error)

	Tracking() bool
	Pause() bool
	Resume() bool
	Status() Status
	Subscribe(fn events.Handler, kinds ...events.Kind) (unsubscribe func())

	// Export writes the time entries started at or after since.
	Export(w io.Writer, format string, since time.Time) error
}

type Server struct {
	svc     Service
	log     zerolog.Logger
	metrics bool
	httpSrv *http.Server
}

type Option func(*Server)

func WithLogger(l zerolog.Logger) Option { return func(s *Server) { s.log = l } }

// WithMetrics mounts the prometheus handler at /metrics.
func WithMetrics(on bool) Option { return func(s *Server) { s.metrics = on } }

func NewServer(svc Service, addr string, opts ...Option) *Server {
	s := &Server{svc: svc, log: zerolog.Nop()}
	for _, o := range opts {
		o(s)
	}
	s.httpSrv = &http.Server{
		Addr:              addr,
		Handler:           s.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

func (s *Server) Handler() http.Handler { return s.httpSrv.Handler }

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /api/status", s.handleStatus)
	mux.HandleFunc("GET /api/current-activity", s.handleCurrentActivity)
	mux.HandleFunc("GET /api/recent-activities", s.handleRecentActivities)
	mux.HandleFunc("GET /api/summary/daily", s.handleDailySummary)
	mux.HandleFunc("GET /api/summary/weekly", s.handleWeeklySummary)
	mux.HandleFunc("GET /api/git", s.handleGitData)
	mux.HandleFunc("GET /api/projects", s.handleProjects)
	mux.HandleFunc("POST /api/projects", s.handleAddProject)
	mux.HandleFunc("DELETE /api/projects/{id}", s.handleDeleteProject)
	mux.HandleFunc("POST /api/git/projects", s.handleRegisterGitProject)
	mux.HandleFunc("DELETE /api/git/projects/{id}", s.handleUnregisterGitProject)
	mux.HandleFunc("GET /api/sync/config", s.handleSyncConfig)
	mux.HandleFunc("PUT /api/sync/config", s.handleUpdateSyncConfig)
	mux.HandleFunc("POST /api/sync/now", s.handleSyncNow)
	mux.HandleFunc("GET /api/tracking", s.handleTracking)
	mux.HandleFunc("POST /api/tracking/pause", s.handlePause)
	mux.HandleFunc("POST /api/tracking/resume", s.handleResume)
	mux.HandleFunc("GET /api/events", s.handleEvents)
	mux.HandleFunc("GET /api/export", s.handleExport)
	if s.metrics {
		mux.Handle("GET /metrics", metrics.Handler())
	}
	return s.logRequests(mux)
}

// ListenAndServe serves until ctx is done, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.httpSrv.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.httpSrv.Addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve is ListenAndServe on an existing listener. Request contexts are
// cancelled before shutdown so long-lived event streams let it finish.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	baseCtx, cancelRequests := context.WithCancel(context.Background())
	defer cancelRequests()
	s.httpSrv.BaseContext = func(net.Listener) context.Context { return baseCtx }

	errCh := make(chan error, 1)
	go func() { errCh <- s.httpSrv.Serve(ln) }()
	s.log.Info().Str("addr", ln.Addr().String()).Msg("api listening")

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	cancelRequests()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.httpSrv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown api: %w", err)
	}
	return nil
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.log.Debug().Str("method", r.Method).Str("path", r.URL.Path).Dur("took", time.Since(start)).Msg("request")
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	st := s.svc.Status()
	if !st.Healthy {
		writeJSON(w, http.StatusServiceUnavailable, map[string]bool{"healthy": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"healthy": true})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.svc.Status())
}

func (s *Server) handleCurrentActivity(w http.ResponseWriter, r *http.Request) {
	var resp CurrentActivityResponse
	if act, ok := s.svc.CurrentActivity(); ok {
		resp.Activity = &act
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleRecentActivities(w http.ResponseWriter, r *http.Request) {
	limit, err := queryLimit(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, s.svc.RecentActivities(limit))
}

func (s *Server) handleDailySummary(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.svc.DailySummary())
}

func (s *Server) handleWeeklySummary(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.svc.WeeklySummary())
}

func (s *Server) handleGitData(w http.ResponseWriter, r *http.Request) {
	limit, err := queryLimit(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, s.svc.AllGitData(limit))
}

func (s *Server) handleProjects(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.svc.Projects())
}

func (s *Server) handleAddProject(w http.ResponseWriter, r *http.Request) {
	var body ProjectRequest
	if err := decodeBody(w, r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	body.Name = strings.TrimSpace(body.Name)
	if body.Name == "" {
		writeError(w, http.StatusBadRequest, errors.New("name is required"))
		return
	}
	p, err := s.svc.AddProject(body.Name, strings.TrimSpace(body.Path), strings.TrimSpace(body.GitURL))
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

func (s *Server) handleDeleteProject(w http.ResponseWriter, r *http.Request) {
	s.deleteWith(w, r, s.svc.DeleteProject)
}

func (s *Server) handleRegisterGitProject(w http.ResponseWriter, r *http.Request) {
	var body GitProjectRequest
	if err := decodeBody(w, r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if strings.TrimSpace(body.Path) == "" {
		writeError(w, http.StatusBadRequest, errors.New("path is required"))
		return
	}
	p, err := s.svc.RegisterGitProject(strings.TrimSpace(body.Path), strings.TrimSpace(body.Name))
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

func (s *Server) handleUnregisterGitProject(w http.ResponseWriter, r *http.Request) {
	s.deleteWith(w, r, s.svc.UnregisterGitProject)
}

func (s *Server) deleteWith(w http.ResponseWriter, r *http.Request, del func(int64) (bool, error)) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid id %q", r.PathValue("id")))
		return
	}
	ok, err := del(id)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	if !ok {
		writeJSON(w, http.StatusNotFound, DeleteResponse{Deleted: false})
		return
	}
	writeJSON(w, http.StatusOK, DeleteResponse{Deleted: true})
}

func (s *Server) handleSyncConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.svc.SyncConfig())
}

func (s *Server) handleUpdateSyncConfig(w http.ResponseWriter, r *http.Request) {
	var p syncer.Patch
	if err := decodeBody(w, r, &p); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	cfg, err := s.svc.UpdateSyncConfig(p)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

func (s *Server) handleSyncNow(w http.ResponseWriter, r *http.Request) {
	ok, err := s.svc.SyncNow(r.Context())
	resp := SyncResponse{Synced: ok}
	if err != nil {
		resp.Error = err.Error()
		writeJSON(w, http.StatusBadGateway, resp)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleTracking(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, TrackingResponse{Active: s.svc.Tracking()})
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	s.svc.Pause()
	writeJSON(w, http.StatusOK, TrackingResponse{Active: s.svc.Tracking()})
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	s.svc.Resume()
	writeJSON(w, http.StatusOK, TrackingResponse{Active: s.svc.Tracking()})
}

// handleEvents streams tracking-status changes as server-sent events. Pass
// ?kind=all to receive every event kind. A slow reader drops events rather
// than stalling publishers.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, errors.New("streaming unsupported"))
		return
	}
	kinds := []events.Kind{events.KindTrackingStatus}
	if r.URL.Query().Get("kind") == "all" {
		kinds = nil
	}

	ch := make(chan events.Event, 16)
	unsubscribe := s.svc.Subscribe(func(e events.Event) {
		select {
		case ch <- e:
		default:
		}
	}, kinds...)
	defer unsubscribe()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case e := <-ch:
			data, err := json.Marshal(e)
			if err != nil {
				s.log.Warn().Err(err).Msg("encode event")
				continue
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", e.Kind, data); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// handleExport serves ?format=csv|json covering the last ?days=N days
// (default 7, 0 for everything).
func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	format := q.Get("format")
	if format == "" {
		format = export.FormatCSV
	}
	var contentType string
	switch format {
	case export.FormatCSV:
		contentType = "text/csv"
	case export.FormatJSON:
		contentType = "application/json"
	default:
		writeError(w, http.StatusBadRequest, fmt.Errorf("%w %q", export.ErrUnknownFormat, format))
		return
	}
	days := 7
	if raw := q.Get("days"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid days %q", raw))
			return
		}
		days = n
	}
	var since time.Time
	if days > 0 {
		since = time.Now().AddDate(0, 0, -days)
	}

	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=\"trackd-export.%s\"", format))
	if err := s.svc.Export(w, format, since); err != nil {
		s.log.Error().Err(err).Str("format", format).Msg("export failed mid-stream")
	}
}

func queryLimit(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return aggregate.DefaultLimit, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid limit %q", raw)
	}
	return n, nil
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("bad request body: %w", err)
	}
	return nil
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, gitpoll.ErrNotGitRepository):
		return http.StatusUnprocessableEntity
	case errors.Is(err, syncer.ErrNotConfigured):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, ErrorResponse{Error: APIError{Code: errorCode(status, err), Message: err.Error()}})
}

func errorCode(status int, err error) string {
	switch {
	case errors.Is(err, gitpoll.ErrNotGitRepository):
		return "E_NOT_GIT_REPOSITORY"
	case errors.Is(err, syncer.ErrNotConfigured):
		return "E_SYNC_NOT_CONFIGURED"
	case errors.Is(err, store.ErrPersist):
		return "E_PERSIST"
	case status == http.StatusBadRequest:
		return "E_BAD_REQUEST"
	default:
		return fmt.Sprintf("E_HTTP_%d", status)
	}
}
