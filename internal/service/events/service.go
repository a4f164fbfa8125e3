package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/eyes-pick/kapsules/internal/domain"
	"github.com/eyes-pick/kapsules/internal/repository"
	webhook "github.com/eyes-pick/kapsules/pkg/events"
)

// Stream payload types.
const (
	TypeStage  = "stage"
	TypeOutput = "output"
)

const webhookQueueSize = 256

// Broadcaster fans payloads out to live subscribers.
type Broadcaster interface {
	Broadcast(projectID string, payload []byte)
}

// Webhook delivers recorded events to an external receiver.
type Webhook interface {
	Emit(ctx context.Context, event webhook.Event) error
}

// Service persists build stage events and streams them to subscribers.
type Service struct {
	repo   repository.EventRepository
	hub    Broadcaster
	logger *slog.Logger
	now    func() time.Time

	hook    Webhook
	queue   chan webhook.Event
	wg      sync.WaitGroup
	closeMu sync.Once
}

// New constructs an event service. hook may be nil.
func New(repo repository.EventRepository, hub Broadcaster, hook Webhook, logger *slog.Logger) *Service {
	s := &Service{
		repo:   repo,
		hub:    hub,
		hook:   hook,
		logger: logger,
		now:    time.Now,
	}
	if hook != nil {
		s.queue = make(chan webhook.Event, webhookQueueSize)
		s.wg.Add(1)
		go s.deliver()
	}
	return s
}

// Record persists the event and, once durable, broadcasts it.
// ID, Sequence and CreatedAt are assigned here.
func (s *Service) Record(ctx context.Context, event *domain.BuildStageEvent) error {
	event.ID = ulid.Make().String()
	event.CreatedAt = s.now().UTC()
	event.Message = strings.TrimSpace(event.Message)
	if err := s.repo.AppendEvent(ctx, event); err != nil {
		return err
	}
	s.broadcast(*event)
	s.enqueue(*event)
	return nil
}

// Output streams one line of build tool output. Lines are not persisted.
func (s *Service) Output(projectID, buildID, stage, line string) {
	if s.hub == nil {
		return
	}
	data, err := MarshalOutput(projectID, buildID, stage, line, s.now().UTC())
	if err != nil {
		s.logger.Warn("failed to marshal output payload", "error", err)
		return
	}
	s.hub.Broadcast(projectID, data)
}

// List returns events for a project in sequence order.
func (s *Service) List(ctx context.Context, projectID string, limit int) ([]domain.BuildStageEvent, error) {
	return s.repo.ListEvents(ctx, projectID, limit)
}

// Delete drops the event log of a deleted project.
func (s *Service) Delete(ctx context.Context, projectID string) error {
	return s.repo.DeleteEvents(ctx, projectID)
}

// Close drains pending webhook deliveries.
func (s *Service) Close() {
	s.closeMu.Do(func() {
		if s.queue != nil {
			close(s.queue)
		}
	})
	s.wg.Wait()
}

func (s *Service) broadcast(event domain.BuildStageEvent) {
	if s.hub == nil {
		return
	}
	data, err := MarshalEvent(event)
	if err != nil {
		s.logger.Warn("failed to marshal event payload", "error", err)
		return
	}
	s.hub.Broadcast(event.ProjectID, data)
}

func (s *Service) enqueue(event domain.BuildStageEvent) {
	if s.queue == nil {
		return
	}
	payload := webhook.Event{
		ID:         event.ID,
		ProjectID:  event.ProjectID,
		BuildID:    event.BuildID,
		Sequence:   event.Sequence,
		Stage:      event.Stage,
		Status:     event.Status,
		Message:    event.Message,
		Metadata:   event.Metadata,
		OccurredAt: event.CreatedAt,
	}
	select {
	case s.queue <- payload:
	default:
		s.logger.Warn("event webhook queue full, dropping event", "project_id", event.ProjectID, "event_id", event.ID)
	}
}

// deliver sends webhooks one at a time so receivers see events in order.
func (s *Service) deliver() {
	defer s.wg.Done()
	for event := range s.queue {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := s.hook.Emit(ctx, event); err != nil {
			s.logger.Warn("event webhook delivery failed", "project_id", event.ProjectID, "event_id", event.ID, "error", err)
		}
		cancel()
	}
}

// MarshalEvent formats a stage event for streaming payloads.
func MarshalEvent(event domain.BuildStageEvent) ([]byte, error) {
	var metadata any
	if len(event.Metadata) > 0 {
		metadata = event.Metadata
	}
	payload := map[string]any{
		"type":       TypeStage,
		"id":         event.ID,
		"project_id": event.ProjectID,
		"build_id":   event.BuildID,
		"sequence":   event.Sequence,
		"stage":      event.Stage,
		"status":     event.Status,
		"message":    event.Message,
		"metadata":   metadata,
		"created_at": event.CreatedAt.Format(time.RFC3339Nano),
	}
	return json.Marshal(payload)
}

// MarshalOutput formats a build output line for streaming payloads.
func MarshalOutput(projectID, buildID, stage, line string, at time.Time) ([]byte, error) {
	return json.Marshal(map[string]any{
		"type":       TypeOutput,
		"project_id": projectID,
		"build_id":   buildID,
		"stage":      stage,
		"line":       line,
		"created_at": at.Format(time.RFC3339Nano),
	})
}
