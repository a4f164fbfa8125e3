package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client provides typed access to the kapsules API for interactive tools.
type Client struct {
	baseURL    string
	httpClient *http.Client
	stream     *http.Client
}

// Option customises client instantiation.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		if h != nil {
			c.httpClient = h
		}
	}
}

// New constructs a Client pointing at the provided API base URL.
func New(base string, opts ...Option) (*Client, error) {
	trimmed := strings.TrimSpace(base)
	if trimmed == "" {
		trimmed = "http://localhost:4000"
	}
	if !strings.HasPrefix(trimmed, "http://") && !strings.HasPrefix(trimmed, "https://") {
		trimmed = "http://" + trimmed
	}
	if _, err := url.Parse(trimmed); err != nil {
		return nil, fmt.Errorf("invalid api base url: %w", err)
	}
	cli := &Client{
		baseURL:    strings.TrimRight(trimmed, "/"),
		httpClient: &http.Client{Timeout: 15 * time.Second},
		stream:     &http.Client{},
	}
	for _, opt := range opts {
		opt(cli)
	}
	return cli, nil
}

// BaseURL returns the API root the client talks to.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// APIError represents an error response from the API.
type APIError struct {
	Status  int
	Message string
}

func (e APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("api request failed with status %d", e.Status)
	}
	return fmt.Sprintf("api request failed (%d): %s", e.Status, e.Message)
}

// IsConflict reports whether err is a 409 from the API.
func IsConflict(err error) bool {
	var apiErr APIError
	return errors.As(err, &apiErr) && apiErr.Status == http.StatusConflict
}

// IsNotFound reports whether err is a 404 from the API.
func IsNotFound(err error) bool {
	var apiErr APIError
	return errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound
}

func (c *Client) newRequest(ctx context.Context, method, path string, body any, token string) (*http.Request, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode request body: %w", err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if strings.TrimSpace(token) != "" {
		req.Header.Set("Authorization", "Bearer "+strings.TrimSpace(token))
	}
	return req, nil
}

func (c *Client) do(ctx context.Context, method, path string, body any, token string, v any) error {
	if c == nil {
		return fmt.Errorf("client is nil")
	}
	req, err := c.newRequest(ctx, method, path, body, token)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return APIError{Status: resp.StatusCode, Message: extractError(resp.Body)}
	}
	if v == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func extractError(body io.Reader) string {
	if body == nil {
		return ""
	}
	var payload struct {
		Error string `json:"error"`
	}
	data, err := io.ReadAll(body)
	if err != nil || len(data) == 0 {
		return ""
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return strings.TrimSpace(string(data))
	}
	return strings.TrimSpace(payload.Error)
}

// BuildInput requests a pipeline run. ProjectID selects an existing project
// to iterate on; leave it empty to create one.
type BuildInput struct {
	ProjectID   string `json:"project_id,omitempty"`
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
	Prompt      string `json:"prompt"`
	Template    string `json:"template,omitempty"`
}

// Accepted acknowledges a queued build.
type Accepted struct {
	ProjectID   string `json:"project_id"`
	BuildID     string `json:"build_id"`
	BuildStatus string `json:"build_status"`
}

// Build queues a build.
func (c *Client) Build(ctx context.Context, token string, input BuildInput) (Accepted, error) {
	var accepted Accepted
	if err := c.do(ctx, http.MethodPost, "/build", input, token, &accepted); err != nil {
		return Accepted{}, err
	}
	return accepted, nil
}

// StageEvent is one recorded stage transition.
type StageEvent struct {
	ID        string          `json:"id"`
	ProjectID string          `json:"project_id"`
	BuildID   string          `json:"build_id"`
	Sequence  int64           `json:"sequence"`
	Stage     string          `json:"stage"`
	Status    string          `json:"status"`
	Message   string          `json:"message,omitempty"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// Status is the build status read model.
type Status struct {
	ProjectID   string       `json:"project_id"`
	BuildID     string       `json:"build_id"`
	BuildStatus string       `json:"build_status"`
	InFlight    bool         `json:"in_flight"`
	Stage       string       `json:"current_stage"`
	PreviewURL  string       `json:"preview_url"`
	Diagnostics string       `json:"diagnostics"`
	UpdatedAt   time.Time    `json:"updated_at"`
	Events      []StageEvent `json:"stage_events"`
}

// Terminal reports whether no pipeline is running for the project.
func (s Status) Terminal() bool {
	if s.InFlight {
		return false
	}
	return s.BuildStatus == "built" || s.BuildStatus == "failed" || (s.BuildStatus == "pending" && s.BuildID == "")
}

// Status fetches the project's build status and recent stage events.
func (c *Client) Status(ctx context.Context, token, projectID string) (Status, error) {
	var status Status
	if err := c.do(ctx, http.MethodGet, "/status/"+url.PathEscape(projectID), nil, token, &status); err != nil {
		return Status{}, err
	}
	return status, nil
}

// Project describes a user project.
type Project struct {
	ID          string            `json:"id"`
	OwnerID     string            `json:"user_id"`
	Title       string            `json:"title"`
	Description string            `json:"description"`
	Prompt      string            `json:"prompt"`
	Template    string            `json:"template"`
	BuildStatus string            `json:"build_status"`
	BuildID     string            `json:"build_id"`
	PreviewURL  string            `json:"preview_url"`
	Port        int               `json:"port"`
	Diagnostics string            `json:"diagnostics"`
	SourceFiles map[string]string `json:"source_files"`
	IsPublic    bool              `json:"is_public"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
	LastBuiltAt *time.Time        `json:"last_built_at"`
}

// GetProject fetches detailed information about a project.
func (c *Client) GetProject(ctx context.Context, token, projectID string) (Project, error) {
	var project Project
	if err := c.do(ctx, http.MethodGet, "/projects/"+url.PathEscape(projectID), nil, token, &project); err != nil {
		return Project{}, err
	}
	return project, nil
}

// ListProjects returns the caller's projects, newest first.
func (c *Client) ListProjects(ctx context.Context, token string, limit int) ([]Project, error) {
	path := "/projects"
	if limit > 0 {
		path = fmt.Sprintf("/projects?limit=%d", limit)
	}
	var projects []Project
	if err := c.do(ctx, http.MethodGet, path, nil, token, &projects); err != nil {
		return nil, err
	}
	return projects, nil
}

// Teardown stops the project's running unit.
func (c *Client) Teardown(ctx context.Context, token, projectID string) error {
	path := fmt.Sprintf("/projects/%s/teardown", url.PathEscape(projectID))
	return c.do(ctx, http.MethodPost, path, nil, token, nil)
}

// Delete tears the project down and removes it.
func (c *Client) Delete(ctx context.Context, token, projectID string) error {
	return c.do(ctx, http.MethodDelete, "/projects/"+url.PathEscape(projectID), nil, token, nil)
}

// ReapReport summarises a maintenance pass.
type ReapReport struct {
	UnitsRemoved  int   `json:"units_removed"`
	PortsReleased []int `json:"ports_released"`
	StaleRefs     int   `json:"stale_refs"`
	IdleTornDown  int   `json:"idle_torn_down"`
}

// Reap asks the orchestrator to remove orphaned units now.
func (c *Client) Reap(ctx context.Context, token string) (ReapReport, error) {
	var resp struct {
		Report ReapReport `json:"report"`
		Error  string     `json:"error"`
	}
	if err := c.do(ctx, http.MethodPost, "/admin/reap", nil, token, &resp); err != nil {
		return ReapReport{}, err
	}
	if resp.Error != "" {
		return resp.Report, errors.New(resp.Error)
	}
	return resp.Report, nil
}

// PreviewURL returns the public preview address for a project.
func (c *Client) PreviewURL(projectID string) string {
	return c.baseURL + "/preview/" + url.PathEscape(projectID)
}

// StreamMessage is one frame from the event stream: either a stage event or
// a build output line.
type StreamMessage struct {
	Type      string    `json:"type"`
	ProjectID string    `json:"project_id"`
	BuildID   string    `json:"build_id"`
	Sequence  int64     `json:"sequence"`
	Stage     string    `json:"stage"`
	Status    string    `json:"status"`
	Message   string    `json:"message"`
	Line      string    `json:"line"`
	History   bool      `json:"-"`
	CreatedAt time.Time `json:"created_at"`
}

// StreamEvents follows the project's Server-Sent Events stream, calling fn
// for each frame until ctx ends, the stream closes or fn returns false.
func (c *Client) StreamEvents(ctx context.Context, token, projectID string, fn func(StreamMessage) bool) error {
	req, err := c.newRequest(ctx, http.MethodGet, "/events/"+url.PathEscape(projectID), nil, token)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")
	resp, err := c.stream.Do(req)
	if err != nil {
		return fmt.Errorf("open event stream: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		return APIError{Status: resp.StatusCode, Message: extractError(resp.Body)}
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	event := ""
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			event = ""
		case strings.HasPrefix(line, "event: "):
			event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			var msg StreamMessage
			if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &msg); err != nil {
				continue
			}
			msg.History = event == "history"
			if !fn(msg) {
				return nil
			}
		}
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		return fmt.Errorf("read event stream: %w", err)
	}
	return nil
}
