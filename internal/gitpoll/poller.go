// Package gitpoll periodically inspects registered repositories and records
// their head commit and working-tree state.
package gitpoll

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/sadopc/trackd/internal/aggregate"
	"github.com/sadopc/trackd/internal/metrics"
	"github.com/sadopc/trackd/internal/schedule"
	"github.com/sadopc/trackd/internal/store"
)

const (
	DefaultInterval       = time.Minute
	DefaultCommandTimeout = 10 * time.Second
)

var (
	ErrNotGitRepository = errors.New("not a git repository")
	ErrInvalidLog       = errors.New("invalid git log format")
)

type Runner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	out, err := cmd.Output()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && len(exitErr.Stderr) > 0 {
			return out, fmt.Errorf("%s %s: %w: %s", name, strings.Join(args, " "), err, strings.TrimSpace(string(exitErr.Stderr)))
		}
		return out, fmt.Errorf("%s %s: %w", name, strings.Join(args, " "), err)
	}
	return out, nil
}

// Recorder is the part of the aggregation layer the poller writes through.
type Recorder interface {
	AddProject(name, path, gitURL string) (store.Project, error)
	Projects() []store.Project
	DeleteProject(id int64) (bool, error)
	RecordGitObservation(projectID int64, obs aggregate.GitObservation) (store.GitCommit, error)
}

type Project struct {
	ID   int64  `json:"id"`
	Path string `json:"path"`
	Name string `json:"name"`
}

type Poller struct {
	rec     Recorder
	runner  Runner
	log     zerolog.Logger
	now     func() time.Time
	timeout time.Duration

	mu       sync.Mutex
	projects []Project

	loop *schedule.Loop
}

type Option func(*Poller)

func WithRunner(r Runner) Option { return func(p *Poller) { p.runner = r } }
func WithCommandTimeout(d time.Duration) Option { return func(p *Poller) { p.timeout = d } }
func WithLogger(l zerolog.Logger) Option { return func(p *Poller) { p.log = l } }
func WithClock(now func() time.Time) Option { return func(p *Poller) { p.now = now } }
func WithInterval(d time.Duration) Option {
	return func(p *Poller) { p.loop = schedule.New(d, p.Poll) }
}

func New(rec Recorder, opts ...Option) *Poller {
	p := &Poller{
		rec:     rec,
		runner:  ExecRunner{},
		log:     zerolog.Nop(),
		now:     time.Now,
		timeout: DefaultCommandTimeout,
	}
	p.loop = schedule.New(DefaultInterval, p.Poll)
	for _, o := range opts {
		o(p)
	}
	return p
}

// Start loads the registry from the store and begins polling.
func (p *Poller) Start(ctx context.Context) {
	if p.loop.Running() {
		return
	}
	p.Load()
	if p.loop.Start(ctx) {
		p.log.Info().Int("projects", len(p.Projects())).Dur("interval", p.loop.Interval()).Msg("git poller started")
	}
}

func (p *Poller) Stop() {
	if p.loop.Running() {
		p.loop.Stop()
		p.log.Info().Msg("git poller stopped")
	}
}

// Load replaces the registry with every stored project that has a path.
func (p *Poller) Load() {
	var reg []Project
	for _, pr := range p.rec.Projects() {
		if pr.Trackable() {
			reg = append(reg, Project{ID: pr.ID, Path: pr.Path, Name: pr.Name})
		}
	}
	p.mu.Lock()
	p.projects = reg
	p.mu.Unlock()
}

func (p *Poller) Projects() []Project {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.projects)
}

// RegisterProject stores a project for path and adds it to the registry.
// path must contain a .git directory; otherwise nothing changes and the
// error matches ErrNotGitRepository. An empty name defaults to the
// directory name.
func (p *Poller) RegisterProject(path, name string) (store.Project, error) {
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}
	if !isGitRepository(path) {
		p.log.Warn().Str("path", path).Msg("not a git repository")
		return store.Project{}, fmt.Errorf("register %s: %w", path, ErrNotGitRepository)
	}
	if name == "" {
		name = filepath.Base(path)
	}
	pr, err := p.rec.AddProject(name, path, "")
	if err != nil {
		return store.Project{}, fmt.Errorf("register %s: %w", path, err)
	}
	p.mu.Lock()
	p.projects = append(p.projects, Project{ID: pr.ID, Path: pr.Path, Name: pr.Name})
	p.mu.Unlock()
	p.log.Info().Str("name", name).Str("path", path).Msg("registered git project")
	return pr, nil
}

// UnregisterProject drops id from the registry, then deletes the stored
// project. The registry entry is gone even when the delete fails.
func (p *Poller) UnregisterProject(id int64) (bool, error) {
	p.mu.Lock()
	p.projects = slices.DeleteFunc(p.projects, func(pr Project) bool { return pr.ID == id })
	p.mu.Unlock()

	ok, err := p.rec.DeleteProject(id)
	if err != nil {
		return false, fmt.Errorf("unregister project %d: %w", id, err)
	}
	p.log.Info().Int64("project_id", id).Bool("existed", ok).Msg("unregistered git project")
	return ok, nil
}

func isGitRepository(path string) bool {
	fi, err := os.Stat(filepath.Join(path, ".git"))
	return err == nil && fi.IsDir()
}

// Poll inspects every registered project once. A failing project is logged
// and skipped.
func (p *Poller) Poll(ctx context.Context) {
	for _, pr := range p.Projects() {
		if ctx.Err() != nil {
			return
		}
		obs, err := p.Inspect(ctx, pr.Path)
		if err != nil {
			metrics.GitObservations.WithLabelValues("error").Inc()
			p.log.Warn().Err(err).Str("project", pr.Name).Msg("inspect repository")
			continue
		}
		if _, err := p.rec.RecordGitObservation(pr.ID, obs); err != nil {
			metrics.GitObservations.WithLabelValues("error").Inc()
			p.log.Warn().Err(err).Str("project", pr.Name).Msg("store git observation")
			continue
		}
		metrics.GitObservations.WithLabelValues("ok").Inc()
	}
}

// Inspect runs the branch, log, status and diff inspections for one
// repository.
func (p *Poller) Inspect(ctx context.Context, path string) (aggregate.GitObservation, error) {
	branch, err := p.git(ctx, path, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return aggregate.GitObservation{}, err
	}
	logLine, err := p.git(ctx, path, "log", "-1", "--pretty=format:%H|%s")
	if err != nil {
		return aggregate.GitObservation{}, err
	}
	hash, message, err := ParseLog(logLine)
	if err != nil {
		return aggregate.GitObservation{}, err
	}
	status, err := p.git(ctx, path, "status", "--porcelain")
	if err != nil {
		return aggregate.GitObservation{}, err
	}
	diff, err := p.git(ctx, path, "diff", "--shortstat")
	if err != nil {
		return aggregate.GitObservation{}, err
	}

	inserted, deleted, changed := ParseShortstat(diff)
	return aggregate.GitObservation{
		Hash:       hash,
		Branch:     branch,
		Message:    message,
		CommitTime: p.now(),
		IsDirty:    status != "",
		Inserted:   inserted,
		Deleted:    deleted,
		Changed:    changed,
	}, nil
}

func (p *Poller) git(ctx context.Context, dir string, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	out, err := p.runner.Run(ctx, "git", append([]string{"-C", dir}, args...)...)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}

// ParseLog splits "hash|subject". The subject may itself contain '|'.
func ParseLog(line string) (hash, message string, err error) {
	hash, message, _ = strings.Cut(strings.TrimSpace(line), "|")
	hash, message = strings.TrimSpace(hash), strings.TrimSpace(message)
	if hash == "" || message == "" {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidLog, line)
	}
	return hash, message, nil
}

var (
	insertionsRe = regexp.MustCompile(`(\d+) insertions?`)
	deletionsRe  = regexp.MustCompile(`(\d+) deletions?`)
	filesRe      = regexp.MustCompile(`(\d+) files? changed`)
)

// ParseShortstat reads `git diff --shortstat` output. Missing counts are 0.
func ParseShortstat(out string) (inserted, deleted, changed int) {
	return firstInt(insertionsRe, out), firstInt(deletionsRe, out), firstInt(filesRe, out)
}

func firstInt(re *regexp.Regexp, s string) int {
	m := re.FindStringSubmatch(s)
	if m == nil {
		return 0
	}
	n, _ := strconv.Atoi(m[1])
	return n
}
