// Package client talks to a running agent over its local HTTP API.
package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sadopc/trackd/internal/aggregate"
	"github.com/sadopc/trackd/internal/api"
	"github.com/sadopc/trackd/internal/events"
	"github.com/sadopc/trackd/internal/store"
	"github.com/sadopc/trackd/internal/syncer"
)

const defaultUnaryTimeout = 10 * time.Second

type Client struct {
	baseURL      string
	client       *http.Client
	unaryTimeout time.Duration
}

// New returns a client for an agent listening on addr (host:port or a full
// URL).
func New(addr string) *Client {
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}
	return NewWithClient(addr, nil)
}

func NewWithClient(baseURL string, client *http.Client) *Client {
	if client == nil {
		client = &http.Client{}
	}
	return &Client{
		baseURL:      strings.TrimRight(baseURL, "/"),
		client:       client,
		unaryTimeout: defaultUnaryTimeout,
	}
}

func (c *Client) WithUnaryTimeout(timeout time.Duration) *Client {
	clone := *c
	clone.unaryTimeout = timeout
	return &clone
}

type RequestError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *RequestError) Error() string {
	code := strings.TrimSpace(e.Code)
	message := strings.TrimSpace(e.Message)
	switch {
	case code != "" && message != "":
		return fmt.Sprintf("%s: %s", code, message)
	case message != "":
		return fmt.Sprintf("http %d: %s", e.StatusCode, message)
	case code != "":
		return code
	default:
		return fmt.Sprintf("http %d", e.StatusCode)
	}
}

func (c *Client) Status(ctx context.Context) (api.Status, error) {
	var out api.Status
	return out, c.getJSON(ctx, "/api/status", nil, &out)
}

// CurrentActivity returns nil when nothing has been sampled yet.
func (c *Client) CurrentActivity(ctx context.Context) (*aggregate.Activity, error) {
	var out api.CurrentActivityResponse
	if err := c.getJSON(ctx, "/api/current-activity", nil, &out); err != nil {
		return nil, err
	}
	return out.Activity, nil
}

func (c *Client) RecentActivities(ctx context.Context, limit int) ([]aggregate.Activity, error) {
	var out []aggregate.Activity
	return out, c.getJSON(ctx, "/api/recent-activities", limitQuery(limit), &out)
}

func (c *Client) DailySummary(ctx context.Context) (map[string]int64, error) {
	var out map[string]int64
	return out, c.getJSON(ctx, "/api/summary/daily", nil, &out)
}

func (c *Client) WeeklySummary(ctx context.Context) (map[string]int64, error) {
	var out map[string]int64
	return out, c.getJSON(ctx, "/api/summary/weekly", nil, &out)
}

func (c *Client) GitData(ctx context.Context, limit int) ([]aggregate.GitData, error) {
	var out []aggregate.GitData
	return out, c.getJSON(ctx, "/api/git", limitQuery(limit), &out)
}

func (c *Client) Projects(ctx context.Context) ([]store.Project, error) {
	var out []store.Project
	return out, c.getJSON(ctx, "/api/projects", nil, &out)
}

func (c *Client) AddProject(ctx context.Context, req api.ProjectRequest) (store.Project, error) {
	var out store.Project
	return out, c.doJSON(ctx, http.MethodPost, "/api/projects", req, &out)
}

// DeleteProject reports false when the id did not exist.
func (c *Client) DeleteProject(ctx context.Context, id int64) (bool, error) {
	return c.delete(ctx, "/api/projects/"+strconv.FormatInt(id, 10))
}

func (c *Client) RegisterGitProject(ctx context.Context, path, name string) (store.Project, error) {
	var out store.Project
	return out, c.doJSON(ctx, http.MethodPost, "/api/git/projects", api.GitProjectRequest{Path: path, Name: name}, &out)
}

func (c *Client) UnregisterGitProject(ctx context.Context, id int64) (bool, error) {
	return c.delete(ctx, "/api/git/projects/"+strconv.FormatInt(id, 10))
}

func (c *Client) SyncConfig(ctx context.Context) (syncer.Config, error) {
	var out syncer.Config
	return out, c.getJSON(ctx, "/api/sync/config", nil, &out)
}

func (c *Client) UpdateSyncConfig(ctx context.Context, p syncer.Patch) (syncer.Config, error) {
	var out syncer.Config
	return out, c.doJSON(ctx, http.MethodPut, "/api/sync/config", p, &out)
}

// SyncNow asks the agent to sync immediately. A failed push comes back as a
// RequestError carrying the agent's message.
func (c *Client) SyncNow(ctx context.Context) (bool, error) {
	var out api.SyncResponse
	body, err := c.request(ctx, http.MethodPost, "/api/sync/now", nil, nil, true)
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return false, fmt.Errorf("decode sync response: %w", err)
	}
	return out.Synced, nil
}

func (c *Client) Tracking(ctx context.Context) (bool, error) {
	var out api.TrackingResponse
	return out.Active, c.getJSON(ctx, "/api/tracking", nil, &out)
}

func (c *Client) Pause(ctx context.Context) (bool, error) {
	var out api.TrackingResponse
	err := c.doJSON(ctx, http.MethodPost, "/api/tracking/pause", nil, &out)
	return out.Active, err
}

func (c *Client) Resume(ctx context.Context) (bool, error) {
	var out api.TrackingResponse
	err := c.doJSON(ctx, http.MethodPost, "/api/tracking/resume", nil, &out)
	return out.Active, err
}

// Export copies the agent's report for the last days days (0 for all) into w.
func (c *Client) Export(ctx context.Context, format string, days int, w io.Writer) error {
	query := url.Values{"format": {format}, "days": {strconv.Itoa(days)}}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/export?"+query.Encode(), nil)
	if err != nil {
		return err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		payload, _ := io.ReadAll(resp.Body)
		return decodeError(resp.StatusCode, payload)
	}
	if _, err := io.Copy(w, resp.Body); err != nil {
		return fmt.Errorf("read export: %w", err)
	}
	return nil
}

// Watch streams events until ctx is done or the agent closes the
// connection. all selects every event kind instead of tracking-status only.
func (c *Client) Watch(ctx context.Context, all bool, fn func(events.Event)) error {
	var query url.Values
	if all {
		query = url.Values{"kind": {"all"}}
	}
	u := c.baseURL + "/api/events"
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		payload, _ := io.ReadAll(resp.Body)
		return decodeError(resp.StatusCode, payload)
	}

	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() {
		data, ok := strings.CutPrefix(sc.Text(), "data: ")
		if !ok {
			continue
		}
		var e events.Event
		if err := json.Unmarshal([]byte(data), &e); err != nil {
			return fmt.Errorf("decode event: %w", err)
		}
		fn(e)
	}
	if ctx.Err() != nil {
		return nil
	}
	return sc.Err()
}

func limitQuery(limit int) url.Values {
	if limit <= 0 {
		return nil
	}
	return url.Values{"limit": {strconv.Itoa(limit)}}
}

func (c *Client) getJSON(ctx context.Context, path string, query url.Values, out any) error {
	body, err := c.request(ctx, http.MethodGet, path, query, nil, false)
	if err != nil {
		return err
	}
	return json.Unmarshal(body, out)
}

func (c *Client) doJSON(ctx context.Context, method, path string, in, out any) error {
	body, err := c.request(ctx, method, path, nil, in, false)
	if err != nil {
		return err
	}
	return json.Unmarshal(body, out)
}

func (c *Client) delete(ctx context.Context, path string) (bool, error) {
	_, err := c.request(ctx, http.MethodDelete, path, nil, nil, false)
	if re, ok := err.(*RequestError); ok && re.StatusCode == http.StatusNotFound {
		return false, nil
	}
	return err == nil, err
}

func (c *Client) request(ctx context.Context, method, path string, query url.Values, body any, longLived bool) ([]byte, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	reqCtx := ctx
	if !longLived && c.unaryTimeout > 0 {
		if deadline, ok := ctx.Deadline(); !ok || time.Until(deadline) > c.unaryTimeout {
			var cancel context.CancelFunc
			reqCtx, cancel = context.WithTimeout(ctx, c.unaryTimeout)
			defer cancel()
		}
	}
	var reqBody io.Reader
	if body != nil {
		buf := &bytes.Buffer{}
		if err := json.NewEncoder(buf).Encode(body); err != nil {
			return nil, fmt.Errorf("encode request body: %w", err)
		}
		reqBody = buf
	}
	req, err := http.NewRequestWithContext(reqCtx, method, u, reqBody)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		return nil, decodeError(resp.StatusCode, payload)
	}
	return payload, nil
}

func decodeError(status int, payload []byte) error {
	var er api.ErrorResponse
	if err := json.Unmarshal(payload, &er); err == nil && er.Error.Code != "" {
		return &RequestError{StatusCode: status, Code: er.Error.Code, Message: er.Error.Message}
	}
	var sr api.SyncResponse
	if err := json.Unmarshal(payload, &sr); err == nil && sr.Error != "" {
		return &RequestError{StatusCode: status, Message: sr.Error}
	}
	return &RequestError{
		StatusCode: status,
		Code:       fmt.Sprintf("HTTP_%d", status),
		Message:    strings.TrimSpace(string(payload)),
	}
}
