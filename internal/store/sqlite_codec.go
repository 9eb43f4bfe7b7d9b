package store

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

const currentVersion = 1

// SQLiteCodec keeps the snapshot in a SQLite file, one table per record
// kind. Every Save replaces all rows inside a single transaction, so the
// file always holds exactly one complete snapshot.
type SQLiteCodec struct {
	path string
	db   *sqlx.DB
}

func NewSQLiteCodec(path string) *SQLiteCodec {
	return &SQLiteCodec{path: path}
}

func (c *SQLiteCodec) Path() string { return c.path }

func (c *SQLiteCodec) open() error {
	if c.db != nil {
		return nil
	}
	db, err := sqlx.Open("sqlite", c.path)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return fmt.Errorf("exec pragma %q: %w", p, err)
		}
	}
	if err := migrate(db); err != nil {
		db.Close()
		return fmt.Errorf("migrate: %w", err)
	}
	c.db = db
	return nil
}

func migrate(db *sqlx.DB) error {
	var version int
	if err := db.Get(&version, "PRAGMA user_version"); err != nil {
		return fmt.Errorf("read user_version: %w", err)
	}
	if version >= currentVersion {
		return nil
	}
	if version < 1 {
		if _, err := db.Exec(schemaV1); err != nil {
			return err
		}
	}
	_, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentVersion))
	return err
}

// Timestamps are stored as unix nanoseconds so they survive the round trip
// without depending on the driver's datetime parsing.
const schemaV1 = `
CREATE TABLE IF NOT EXISTS applications (
	seq          INTEGER PRIMARY KEY,
	id           INTEGER NOT NULL,
	name         TEXT NOT NULL,
	process_name TEXT NOT NULL DEFAULT '',
	created_at   INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS projects (
	seq        INTEGER PRIMARY KEY,
	id         INTEGER NOT NULL,
	name       TEXT NOT NULL,
	path       TEXT NOT NULL DEFAULT '',
	git_url    TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL,
	updated_at INTEGER
);

CREATE TABLE IF NOT EXISTS git_commits (
	seq         INTEGER PRIMARY KEY,
	id          INTEGER NOT NULL,
	project_id  INTEGER NOT NULL,
	hash        TEXT NOT NULL,
	branch      TEXT NOT NULL,
	message     TEXT NOT NULL,
	commit_time INTEGER NOT NULL,
	is_dirty    INTEGER NOT NULL DEFAULT 0,
	inserted    INTEGER NOT NULL DEFAULT 0,
	deleted     INTEGER NOT NULL DEFAULT 0,
	changed     INTEGER NOT NULL DEFAULT 0,
	created_at  INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS time_entries (
	seq              INTEGER PRIMARY KEY,
	id               INTEGER NOT NULL,
	project_id       INTEGER,
	application_id   INTEGER NOT NULL,
	start_time       INTEGER NOT NULL,
	duration_seconds INTEGER NOT NULL DEFAULT 0,
	activity_type    TEXT NOT NULL,
	file_path        TEXT NOT NULL DEFAULT '',
	url              TEXT NOT NULL DEFAULT '',
	title            TEXT NOT NULL DEFAULT '',
	created_at       INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS browser_activities (
	seq              INTEGER PRIMARY KEY,
	id               INTEGER NOT NULL,
	project_id       INTEGER,
	browser          TEXT NOT NULL,
	url              TEXT NOT NULL DEFAULT '',
	domain           TEXT NOT NULL DEFAULT '',
	path             TEXT NOT NULL DEFAULT '',
	title            TEXT NOT NULL DEFAULT '',
	start_time       INTEGER NOT NULL,
	duration_seconds INTEGER NOT NULL DEFAULT 0,
	created_at       INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS meta (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
`

type applicationRow struct {
	Seq         int    `db:"seq"`
	ID          int64  `db:"id"`
	Name        string `db:"name"`
	ProcessName string `db:"process_name"`
	CreatedAt   int64  `db:"created_at"`
}

type projectRow struct {
	Seq       int           `db:"seq"`
	ID        int64         `db:"id"`
	Name      string        `db:"name"`
	Path      string        `db:"path"`
	GitURL    string        `db:"git_url"`
	CreatedAt int64         `db:"created_at"`
	UpdatedAt sql.NullInt64 `db:"updated_at"`
}

type gitCommitRow struct {
	Seq        int    `db:"seq"`
	ID         int64  `db:"id"`
	ProjectID  int64  `db:"project_id"`
	Hash       string `db:"hash"`
	Branch     string `db:"branch"`
	Message    string `db:"message"`
	CommitTime int64  `db:"commit_time"`
	IsDirty    bool   `db:"is_dirty"`
	Inserted   int    `db:"inserted"`
	Deleted    int    `db:"deleted"`
	Changed    int    `db:"changed"`
	CreatedAt  int64  `db:"created_at"`
}

type timeEntryRow struct {
	Seq             int           `db:"seq"`
	ID              int64         `db:"id"`
	ProjectID       sql.NullInt64 `db:"project_id"`
	ApplicationID   int64         `db:"application_id"`
	StartTime       int64         `db:"start_time"`
	DurationSeconds int64         `db:"duration_seconds"`
	ActivityType    string        `db:"activity_type"`
	FilePath        string        `db:"file_path"`
	URL             string        `db:"url"`
	Title           string        `db:"title"`
	CreatedAt       int64         `db:"created_at"`
}

type browserActivityRow struct {
	Seq             int           `db:"seq"`
	ID              int64         `db:"id"`
	ProjectID       sql.NullInt64 `db:"project_id"`
	Browser         string        `db:"browser"`
	URL             string        `db:"url"`
	Domain          string        `db:"domain"`
	Path            string        `db:"path"`
	Title           string        `db:"title"`
	StartTime       int64         `db:"start_time"`
	DurationSeconds int64         `db:"duration_seconds"`
	CreatedAt       int64         `db:"created_at"`
}

func (c *SQLiteCodec) Load() (*Snapshot, error) {
	if _, err := os.Stat(c.path); err != nil {
		return nil, err
	}
	if err := c.open(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	snap, err := c.read()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	return snap, nil
}

func (c *SQLiteCodec) read() (*Snapshot, error) {
	snap := emptySnapshot()

	var apps []applicationRow
	if err := c.db.Select(&apps, `SELECT * FROM applications ORDER BY seq`); err != nil {
		return nil, fmt.Errorf("read applications: %w", err)
	}
	for _, r := range apps {
		snap.Applications = append(snap.Applications, Application{
			ID: r.ID, Name: r.Name, ProcessName: r.ProcessName, CreatedAt: fromNanos(r.CreatedAt),
		})
	}

	var projects []projectRow
	if err := c.db.Select(&projects, `SELECT * FROM projects ORDER BY seq`); err != nil {
		return nil, fmt.Errorf("read projects: %w", err)
	}
	for _, r := range projects {
		p := Project{ID: r.ID, Name: r.Name, Path: r.Path, GitURL: r.GitURL, CreatedAt: fromNanos(r.CreatedAt)}
		if r.UpdatedAt.Valid {
			t := fromNanos(r.UpdatedAt.Int64)
			p.UpdatedAt = &t
		}
		snap.Projects = append(snap.Projects, p)
	}

	var commits []gitCommitRow
	if err := c.db.Select(&commits, `SELECT * FROM git_commits ORDER BY seq`); err != nil {
		return nil, fmt.Errorf("read git_commits: %w", err)
	}
	for _, r := range commits {
		snap.GitCommits = append(snap.GitCommits, GitCommit{
			ID: r.ID, ProjectID: r.ProjectID, Hash: r.Hash, Branch: r.Branch, Message: r.Message,
			CommitTime: fromNanos(r.CommitTime), IsDirty: r.IsDirty,
			Inserted: r.Inserted, Deleted: r.Deleted, Changed: r.Changed,
			CreatedAt: fromNanos(r.CreatedAt),
		})
	}

	var entries []timeEntryRow
	if err := c.db.Select(&entries, `SELECT * FROM time_entries ORDER BY seq`); err != nil {
		return nil, fmt.Errorf("read time_entries: %w", err)
	}
	for _, r := range entries {
		snap.TimeEntries = append(snap.TimeEntries, TimeEntry{
			ID: r.ID, ProjectID: fromNullInt(r.ProjectID), ApplicationID: r.ApplicationID,
			StartTime: fromNanos(r.StartTime), DurationSeconds: r.DurationSeconds,
			ActivityType: ActivityType(r.ActivityType), FilePath: r.FilePath, URL: r.URL,
			Title: r.Title, CreatedAt: fromNanos(r.CreatedAt),
		})
	}

	var browsing []browserActivityRow
	if err := c.db.Select(&browsing, `SELECT * FROM browser_activities ORDER BY seq`); err != nil {
		return nil, fmt.Errorf("read browser_activities: %w", err)
	}
	for _, r := range browsing {
		snap.BrowserActivities = append(snap.BrowserActivities, BrowserActivity{
			ID: r.ID, ProjectID: fromNullInt(r.ProjectID), Browser: r.Browser, URL: r.URL,
			Domain: r.Domain, Path: r.Path, Title: r.Title, StartTime: fromNanos(r.StartTime),
			DurationSeconds: r.DurationSeconds, CreatedAt: fromNanos(r.CreatedAt),
		})
	}

	var lastID string
	err := c.db.Get(&lastID, `SELECT value FROM meta WHERE key = 'last_id'`)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return nil, fmt.Errorf("read meta: %w", err)
	default:
		snap.LastID, _ = strconv.ParseInt(lastID, 10, 64)
	}
	return snap, nil
}

func (c *SQLiteCodec) Save(snap *Snapshot) error {
	if err := c.open(); err != nil {
		return err
	}
	tx, err := c.db.Beginx()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	if err := writeSnapshot(tx, snap); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func writeSnapshot(tx *sqlx.Tx, snap *Snapshot) error {
	for _, table := range []string{"applications", "projects", "git_commits", "time_entries", "browser_activities"} {
		if _, err := tx.Exec("DELETE FROM " + table); err != nil {
			return fmt.Errorf("clear %s: %w", table, err)
		}
	}

	apps := make([]any, len(snap.Applications))
	for i, r := range snap.Applications {
		apps[i] = applicationRow{Seq: i, ID: r.ID, Name: r.Name, ProcessName: r.ProcessName, CreatedAt: r.CreatedAt.UnixNano()}
	}
	if err := insertRows(tx, `INSERT INTO applications (seq, id, name, process_name, created_at)
		VALUES (:seq, :id, :name, :process_name, :created_at)`, apps); err != nil {
		return fmt.Errorf("write applications: %w", err)
	}

	projects := make([]any, len(snap.Projects))
	for i, r := range snap.Projects {
		row := projectRow{Seq: i, ID: r.ID, Name: r.Name, Path: r.Path, GitURL: r.GitURL, CreatedAt: r.CreatedAt.UnixNano()}
		if r.UpdatedAt != nil {
			row.UpdatedAt = sql.NullInt64{Int64: r.UpdatedAt.UnixNano(), Valid: true}
		}
		projects[i] = row
	}
	if err := insertRows(tx, `INSERT INTO projects (seq, id, name, path, git_url, created_at, updated_at)
		VALUES (:seq, :id, :name, :path, :git_url, :created_at, :updated_at)`, projects); err != nil {
		return fmt.Errorf("write projects: %w", err)
	}

	commits := make([]any, len(snap.GitCommits))
	for i, r := range snap.GitCommits {
		commits[i] = gitCommitRow{
			Seq: i, ID: r.ID, ProjectID: r.ProjectID, Hash: r.Hash, Branch: r.Branch, Message: r.Message,
			CommitTime: r.CommitTime.UnixNano(), IsDirty: r.IsDirty,
			Inserted: r.Inserted, Deleted: r.Deleted, Changed: r.Changed, CreatedAt: r.CreatedAt.UnixNano(),
		}
	}
	if err := insertRows(tx, `INSERT INTO git_commits
		(seq, id, project_id, hash, branch, message, commit_time, is_dirty, inserted, deleted, changed, created_at)
		VALUES (:seq, :id, :project_id, :hash, :branch, :message, :commit_time, :is_dirty, :inserted, :deleted, :changed, :created_at)`,
		commits); err != nil {
		return fmt.Errorf("write git_commits: %w", err)
	}

	entries := make([]any, len(snap.TimeEntries))
	for i, r := range snap.TimeEntries {
		entries[i] = timeEntryRow{
			Seq: i, ID: r.ID, ProjectID: toNullInt(r.ProjectID), ApplicationID: r.ApplicationID,
			StartTime: r.StartTime.UnixNano(), DurationSeconds: r.DurationSeconds,
			ActivityType: string(r.ActivityType), FilePath: r.FilePath, URL: r.URL, Title: r.Title,
			CreatedAt: r.CreatedAt.UnixNano(),
		}
	}
	if err := insertRows(tx, `INSERT INTO time_entries
		(seq, id, project_id, application_id, start_time, duration_seconds, activity_type, file_path, url, title, created_at)
		VALUES (:seq, :id, :project_id, :application_id, :start_time, :duration_seconds, :activity_type, :file_path, :url, :title, :created_at)`,
		entries); err != nil {
		return fmt.Errorf("write time_entries: %w", err)
	}

	browsing := make([]any, len(snap.BrowserActivities))
	for i, r := range snap.BrowserActivities {
		browsing[i] = browserActivityRow{
			Seq: i, ID: r.ID, ProjectID: toNullInt(r.ProjectID), Browser: r.Browser, URL: r.URL,
			Domain: r.Domain, Path: r.Path, Title: r.Title, StartTime: r.StartTime.UnixNano(),
			DurationSeconds: r.DurationSeconds, CreatedAt: r.CreatedAt.UnixNano(),
		}
	}
	if err := insertRows(tx, `INSERT INTO browser_activities
		(seq, id, project_id, browser, url, domain, path, title, start_time, duration_seconds, created_at)
		VALUES (:seq, :id, :project_id, :browser, :url, :domain, :path, :title, :start_time, :duration_seconds, :created_at)`,
		browsing); err != nil {
		return fmt.Errorf("write browser_activities: %w", err)
	}

	_, err := tx.Exec(
		`INSERT INTO meta (key, value) VALUES ('last_id', ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		strconv.FormatInt(snap.LastID, 10),
	)
	return err
}

func insertRows(tx *sqlx.Tx, query string, rows []any) error {
	if len(rows) == 0 {
		return nil
	}
	stmt, err := tx.PrepareNamed(query)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, r := range rows {
		if _, err := stmt.Exec(r); err != nil {
			return err
		}
	}
	return nil
}

func (c *SQLiteCodec) Close() error {
	if c.db == nil {
		return nil
	}
	err := c.db.Close()
	c.db = nil
	return err
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

func fromNullInt(v sql.NullInt64) *int64 {
	if !v.Valid {
		return nil
	}
	n := v.Int64
	return &n
}

func toNullInt(p *int64) sql.NullInt64 {
	if p == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *p, Valid: true}
}
