package events

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	defaultTimeout   = 5 * time.Second
	maxErrorBodySize = 4096
)

// ErrUnauthorized indicates the receiver rejected the webhook token.
var ErrUnauthorized = errors.New("event webhook unauthorized")

// ErrRejected indicates the receiver refused the payload.
var ErrRejected = errors.New("event webhook rejected payload")

// Emitter posts build stage events to an external webhook.
type Emitter struct {
	url    string
	token  string
	client *http.Client
	now    func() time.Time
}

// Event is the webhook payload for one stage transition.
type Event struct {
	ID         string
	ProjectID  string
	BuildID    string
	Sequence   int64
	Stage      string
	Status     string
	Message    string
	Metadata   json.RawMessage
	OccurredAt time.Time
}

// NewEmitter creates an emitter for the webhook url. The token is sent as X-Kapsules-Token.
func NewEmitter(url, token string, client *http.Client) (*Emitter, error) {
	trimmed := strings.TrimSpace(url)
	if trimmed == "" {
		return nil, errors.New("event webhook url required")
	}
	if !strings.HasPrefix(trimmed, "http://") && !strings.HasPrefix(trimmed, "https://") {
		return nil, fmt.Errorf("event webhook url must be http(s): %q", trimmed)
	}
	if client == nil {
		client = &http.Client{Timeout: defaultTimeout}
	} else if client.Timeout == 0 {
		client.Timeout = defaultTimeout
	}
	return &Emitter{
		url:    trimmed,
		token:  strings.TrimSpace(token),
		client: client,
		now:    time.Now,
	}, nil
}

// Emit delivers event to the webhook.
func (e *Emitter) Emit(ctx context.Context, event Event) error {
	if e == nil {
		return errors.New("event emitter not initialised")
	}
	projectID := strings.TrimSpace(event.ProjectID)
	if projectID == "" {
		return errors.New("event webhook requires project_id")
	}
	body, err := json.Marshal(buildPayload(projectID, event, e.now))
	if err != nil {
		return fmt.Errorf("marshal webhook event: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if e.token != "" {
		req.Header.Set("X-Kapsules-Token", e.token)
	}
	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("send webhook request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		return errorForStatus(resp)
	}
	return nil
}

func errorForStatus(resp *http.Response) error {
	buf, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
	summary := strings.TrimSpace(string(buf))
	if summary == "" {
		summary = resp.Status
	}
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%w: %s", ErrUnauthorized, summary)
	case resp.StatusCode < http.StatusInternalServerError:
		return fmt.Errorf("%w: %s", ErrRejected, summary)
	default:
		return fmt.Errorf("event webhook failed: %s", summary)
	}
}

func buildPayload(projectID string, event Event, nowFn func() time.Time) map[string]any {
	occurred := event.OccurredAt
	if occurred.IsZero() {
		occurred = nowFn()
	}
	var metadata any
	if len(event.Metadata) > 0 {
		metadata = event.Metadata
	}
	return map[string]any{
		"id":          strings.TrimSpace(event.ID),
		"project_id":  projectID,
		"build_id":    strings.TrimSpace(event.BuildID),
		"sequence":    event.Sequence,
		"stage":       event.Stage,
		"status":      event.Status,
		"message":     strings.TrimSpace(event.Message),
		"metadata":    metadata,
		"occurred_at": occurred.UTC().Format(time.RFC3339Nano),
	}
}
