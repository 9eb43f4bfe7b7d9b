package export

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/sadopc/trackd/internal/store"
)

type jsonExport struct {
	ExportedAt   string      `json:"exported_at"`
	Count        int         `json:"count"`
	TotalSeconds int64       `json:"total_seconds"`
	Entries      []jsonEntry `json:"entries"`
}

type jsonEntry struct {
	ID           int64  `json:"id"`
	Application  string `json:"application"`
	Project      string `json:"project,omitempty"`
	ProjectID    *int64 `json:"project_id,omitempty"`
	ActivityType string `json:"activity_type"`
	StartTime    string `json:"start_time"`
	EndTime      string `json:"end_time"`
	DurationSec  int64  `json:"duration_seconds"`
	Duration     string `json:"duration"`
	Title        string `json:"title,omitempty"`
	File         string `json:"file,omitempty"`
	URL          string `json:"url,omitempty"`
}

func WriteJSON(w io.Writer, entries []store.TimeEntry, names Names, exportedAt time.Time) error {
	export := jsonExport{
		ExportedAt: exportedAt.UTC().Format(time.RFC3339),
		Count:      len(entries),
	}

	for _, e := range entries {
		export.TotalSeconds += e.DurationSeconds
		export.Entries = append(export.Entries, jsonEntry{
			ID:           e.ID,
			Application:  names.app(e.ApplicationID),
			Project:      names.project(e.ProjectID),
			ProjectID:    e.ProjectID,
			ActivityType: string(e.ActivityType),
			StartTime:    e.StartTime.Local().Format(time.RFC3339),
			EndTime:      endTime(e).Local().Format(time.RFC3339),
			DurationSec:  e.DurationSeconds,
			Duration:     formatDuration(e.DurationSeconds),
			Title:        e.Title,
			File:         e.FilePath,
			URL:          e.URL,
		})
	}

	data, err := json.MarshalIndent(export, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal json: %w", err)
	}
	if _, err := w.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write json export: %w", err)
	}
	return nil
}
