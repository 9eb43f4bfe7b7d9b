package store

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var (
	// ErrPersist wraps every failure to write the snapshot. The mutation that
	// triggered it has been rolled back.
	ErrPersist = errors.New("persist snapshot")
	// ErrCorrupt is returned by codecs when a snapshot exists but cannot be
	// decoded.
	ErrCorrupt = errors.New("corrupt snapshot")
	ErrClosed  = errors.New("store closed")
)

// Codec reads and writes the whole snapshot. Load must return an error
// matching fs.ErrNotExist when nothing has been persisted yet, and one
// matching ErrCorrupt when the stored bytes cannot be decoded.
type Codec interface {
	Path() string
	Load() (*Snapshot, error)
	Save(*Snapshot) error
	Close() error
}

// Store is the process-wide record store. Every mutation rewrites the full
// snapshot through the codec before it returns.
type Store struct {
	mu     sync.RWMutex
	codec  Codec
	data   *Snapshot
	ids    *IDSource
	now    func() time.Time
	log    zerolog.Logger
	ready  bool
	closed bool
}

type Option func(*Store)

func WithLogger(l zerolog.Logger) Option {
	return func(s *Store) { s.log = l }
}

// WithClock replaces the clock used for created_at stamps and identifiers.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
		s.ids = NewIDSource(now)
	}
}

func WithCodec(c Codec) Option {
	return func(s *Store) { s.codec = c }
}

// New builds a store persisted as JSON at path. Initialize must be called
// before use; Open does both.
func New(path string, opts ...Option) *Store {
	s := &Store{
		codec: NewJSONCodec(path),
		data:  emptySnapshot(),
		ids:   NewIDSource(time.Now),
		now:   time.Now,
		log:   zerolog.Nop(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Open creates (or loads) the store at path.
func Open(path string, opts ...Option) (*Store, error) {
	s := New(path, opts...)
	if err := s.Initialize(); err != nil {
		return nil, err
	}
	return s, nil
}

// NewMemory creates a store that never touches disk, for tests.
func NewMemory(opts ...Option) *Store {
	s := New("", opts...)
	s.codec = nil
	s.ready = true
	return s
}

// Initialize ensures the backing directory and file exist. A snapshot that
// cannot be decoded is moved aside and replaced with an empty schema.
func (s *Store) Initialize() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.codec == nil {
		s.ready = true
		return nil
	}
	path := s.codec.Path()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create store directory: %w", err)
	}

	snap, err := s.codec.Load()
	switch {
	case err == nil:
	case errors.Is(err, fs.ErrNotExist):
		snap = emptySnapshot()
		if err := s.codec.Save(snap); err != nil {
			return fmt.Errorf("%w: create %s: %w", ErrPersist, path, err)
		}
	case errors.Is(err, ErrCorrupt):
		s.log.Error().Err(err).Str("path", path).Msg("snapshot unreadable, starting from an empty schema")
		s.quarantine(path)
		snap = emptySnapshot()
		if err := s.codec.Save(snap); err != nil {
			return fmt.Errorf("%w: reset %s: %w", ErrPersist, path, err)
		}
	default:
		return fmt.Errorf("load snapshot: %w", err)
	}

	snap.normalize()
	s.ids.Seed(snap.maxID())
	s.data = snap
	s.ready = true
	s.closed = false
	s.log.Debug().Str("path", path).Int("time_entries", len(snap.TimeEntries)).Msg("store loaded")
	return nil
}

// quarantine keeps the unreadable file next to the new one instead of
// overwriting it.
func (s *Store) quarantine(path string) {
	if err := s.codec.Close(); err != nil {
		s.log.Warn().Err(err).Msg("close codec before reset")
	}
	aside := fmt.Sprintf("%s.corrupt-%d", path, s.now().Unix())
	if err := os.Rename(path, aside); err != nil {
		s.log.Warn().Err(err).Str("path", path).Msg("could not move corrupt snapshot aside")
		return
	}
	// SQLite would replay a stale WAL into the fresh database at path.
	for _, suffix := range []string{"-wal", "-shm", "-journal"} {
		err := os.Rename(path+suffix, aside+suffix)
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			s.log.Warn().Err(err).Str("path", path+suffix).Msg("could not move sidecar aside")
		}
	}
	s.log.Warn().Str("moved_to", aside).Msg("corrupt snapshot preserved")
}

// Close flushes the snapshot and releases the codec. Calling it twice is a
// no-op.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.codec == nil || !s.ready {
		return nil
	}
	saveErr := s.codec.Save(s.data)
	if saveErr != nil {
		saveErr = fmt.Errorf("%w: close: %w", ErrPersist, saveErr)
	}
	return errors.Join(saveErr, s.codec.Close())
}

// Path returns the snapshot location, or "" for a memory store.
func (s *Store) Path() string {
	if s.codec == nil {
		return ""
	}
	return s.codec.Path()
}

// Healthy reports whether the snapshot file is present on disk.
func (s *Store) Healthy() bool {
	if s.codec == nil {
		return true
	}
	_, err := os.Stat(s.codec.Path())
	return err == nil
}

func (s *Store) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Stats{
		Applications:      len(s.data.Applications),
		Projects:          len(s.data.Projects),
		GitCommits:        len(s.data.GitCommits),
		TimeEntries:       len(s.data.TimeEntries),
		BrowserActivities: len(s.data.BrowserActivities),
	}
}

// persist writes the snapshot. Callers hold s.mu for writing.
func (s *Store) persist(op string) error {
	s.data.LastID = s.ids.Last()
	if s.codec == nil {
		return nil
	}
	if err := s.codec.Save(s.data); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrPersist, op, err)
	}
	return nil
}

func (s *Store) writable() error {
	if s.closed {
		return ErrClosed
	}
	if !s.ready {
		return errors.New("store not initialized")
	}
	return nil
}

// DefaultPath returns ~/.config/trackd/db.json (db.sqlite for the sqlite
// format).
func DefaultPath(format string) (string, error) {
	cfg, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(cfg, "trackd", FileName(format)), nil
}

// FileName maps a store format to its snapshot file name.
func FileName(format string) string {
	if format == FormatSQLite {
		return "db.sqlite"
	}
	return "db.json"
}

const (
	FormatJSON   = "json"
	FormatSQLite = "sqlite"
)

// OpenFormat opens the store in dir using the given snapshot format.
func OpenFormat(dir, format string, opts ...Option) (*Store, error) {
	path := filepath.Join(dir, FileName(format))
	switch format {
	case FormatJSON, "":
	case FormatSQLite:
		opts = append([]Option{WithCodec(NewSQLiteCodec(path))}, opts...)
	default:
		return nil, fmt.Errorf("unknown store format %q", format)
	}
	return Open(path, opts...)
}
