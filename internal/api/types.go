package api

import (
	"time"

	"github.com/sadopc/trackd/internal/aggregate"
	"github.com/sadopc/trackd/internal/store"
)

type ErrorResponse struct {
	Error APIError `json:"error"`
}

type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type CurrentActivityResponse struct {
	Activity *aggregate.Activity `json:"activity"`
}

type TrackingResponse struct {
	Active bool `json:"active"`
}

type ProjectRequest struct {
	Name   string `json:"name"`
	Path   string `json:"path,omitempty"`
	GitURL string `json:"git_url,omitempty"`
}

type GitProjectRequest struct {
	Path string `json:"path"`
	Name string `json:"name,omitempty"`
}

type DeleteResponse struct {
	Deleted bool `json:"deleted"`
}

type SyncResponse struct {
	Synced bool   `json:"synced"`
	Error  string `json:"error,omitempty"`
}

// Status is the agent overview printed by `trackd status`.
type Status struct {
	StartedAt   time.Time   `json:"started_at"`
	Tracking    bool        `json:"tracking"`
	Active      bool        `json:"active"`
	StorePath   string      `json:"store_path"`
	Healthy     bool        `json:"healthy"`
	Stats       store.Stats `json:"stats"`
	GitProjects int         `json:"git_projects"`
	SyncEnabled bool        `json:"sync_enabled"`
	SyncRunning bool        `json:"sync_running"`
	LastSync    int64       `json:"last_sync"`
}
