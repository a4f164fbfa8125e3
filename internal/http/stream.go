package httpx

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/eyes-pick/kapsules/internal/domain"
	"github.com/eyes-pick/kapsules/internal/service/events"
	"github.com/eyes-pick/kapsules/internal/ws"
)

const (
	sseHeartbeatInterval = 15 * time.Second
	historyLimit         = 200
)

// handleEventsWS streams stage events and build output for one project over
// a websocket. Recorded history is replayed after the subscription is live,
// so a client may see an event twice; sequence numbers disambiguate.
func (r *Router) handleEventsWS(w http.ResponseWriter, req *http.Request) {
	projectID := strings.TrimSpace(req.URL.Query().Get("project_id"))
	if projectID == "" {
		writeError(w, http.StatusBadRequest, "project_id query parameter required")
		return
	}
	if _, err := r.orch.GetProject(req.Context(), projectID, ownerFromRequest(req)); err != nil {
		writeServiceError(w, err)
		return
	}
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	client := ws.NewClient(conn, r.logger)
	r.hub.Register(projectID, client)

	history := r.history(req.Context(), projectID)
	go func() {
		defer func() {
			r.hub.Unregister(projectID, client)
			client.Close()
		}()
		for _, payload := range history {
			if err := client.Send(payload); err != nil {
				return
			}
		}
		client.Wait()
	}()
}

// handleEventsSSE is the Server-Sent Events variant of handleEventsWS.
// Replayed history is sent as named "history" events before live data.
func (r *Router) handleEventsSSE(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	projectID := strings.Trim(strings.TrimPrefix(req.URL.Path, "/events/"), "/")
	if projectID == "" || strings.Contains(projectID, "/") {
		r.notFound(w)
		return
	}
	if _, err := r.orch.GetProject(req.Context(), projectID, ownerFromRequest(req)); err != nil {
		writeServiceError(w, err)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	headers := w.Header()
	headers.Set("Content-Type", "text/event-stream")
	headers.Set("Cache-Control", "no-cache")
	headers.Set("Connection", "keep-alive")
	headers.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	client := ws.NewSSEClient(w, flusher, r.logger)
	r.hub.Register(projectID, client)
	defer func() {
		r.hub.Unregister(projectID, client)
		client.Close()
	}()

	for _, payload := range r.history(req.Context(), projectID) {
		if err := client.SendEvent("history", payload); err != nil {
			return
		}
	}

	ticker := time.NewTicker(r.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-req.Context().Done():
			return
		case <-ticker.C:
			if client.Closed() {
				return
			}
			if err := client.Heartbeat(); err != nil {
				return
			}
		}
	}
}

func (r *Router) history(ctx context.Context, projectID string) [][]byte {
	if r.events == nil {
		return nil
	}
	list, err := r.events.List(ctx, projectID, historyLimit)
	if err != nil {
		r.logger.Warn("load event history failed", "project_id", projectID, "error", err)
		return nil
	}
	out := make([][]byte, 0, len(list))
	for _, ev := range list {
		payload, err := events.MarshalEvent(ev)
		if err != nil {
			continue
		}
		out = append(out, payload)
	}
	return out
}

// EventLister reads recorded stage events for replay.
type EventLister interface {
	List(ctx context.Context, projectID string, limit int) ([]domain.BuildStageEvent, error)
}
