// Package export renders time entries as CSV or JSON reports.
package export

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/sadopc/trackd/internal/store"
)

const (
	FormatCSV  = "csv"
	FormatJSON = "json"
)

var ErrUnknownFormat = errors.New("unknown export format")

// Names resolves foreign keys for display.
type Names struct {
	Apps     map[int64]string
	Projects map[int64]string
}

func NamesFrom(s *store.Store) Names {
	n := Names{Apps: map[int64]string{}, Projects: map[int64]string{}}
	for _, a := range store.Filter(s, store.Applications, func(store.Application) bool { return true }) {
		n.Apps[a.ID] = a.Name
	}
	for _, p := range store.Filter(s, store.Projects, func(store.Project) bool { return true }) {
		n.Projects[p.ID] = p.Name
	}
	return n
}

func (n Names) app(id int64) string {
	if name, ok := n.Apps[id]; ok {
		return name
	}
	return "Unknown App"
}

// project is "" for an entry without a project and "Unknown" for one whose
// project was deleted.
func (n Names) project(id *int64) string {
	if id == nil {
		return ""
	}
	if name, ok := n.Projects[*id]; ok {
		return name
	}
	return "Unknown"
}

// Write renders entries in format.
func Write(w io.Writer, format string, entries []store.TimeEntry, names Names) error {
	switch format {
	case FormatCSV:
		return WriteCSV(w, entries, names)
	case FormatJSON:
		return WriteJSON(w, entries, names, time.Now())
	default:
		return fmt.Errorf("%w %q", ErrUnknownFormat, format)
	}
}

var csvHeader = []string{"ID", "Application", "Project", "Activity", "Start", "End", "Duration (s)", "Duration", "Title", "File", "URL"}

func WriteCSV(out io.Writer, entries []store.TimeEntry, names Names) error {
	w := csv.NewWriter(out)

	if err := w.Write(csvHeader); err != nil {
		return err
	}
	for _, e := range entries {
		row := []string{
			strconv.FormatInt(e.ID, 10),
			names.app(e.ApplicationID),
			names.project(e.ProjectID),
			string(e.ActivityType),
			e.StartTime.Local().Format(time.RFC3339),
			endTime(e).Local().Format(time.RFC3339),
			strconv.FormatInt(e.DurationSeconds, 10),
			formatDuration(e.DurationSeconds),
			e.Title,
			e.FilePath,
			e.URL,
		}
		if err := w.Write(row); err != nil {
			return err
		}
	}

	w.Flush()
	return w.Error()
}

func endTime(e store.TimeEntry) time.Time {
	return e.StartTime.Add(time.Duration(e.DurationSeconds) * time.Second)
}

func formatDuration(secs int64) string {
	h := secs / 3600
	m := (secs % 3600) / 60
	s := secs % 60
	return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
}
