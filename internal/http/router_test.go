package httpx

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/eyes-pick/kapsules/internal/domain"
	"github.com/eyes-pick/kapsules/internal/service/orchestrator"
	"github.com/eyes-pick/kapsules/internal/ws"
	jwtpkg "github.com/eyes-pick/kapsules/pkg/jwt"
)

type orchestratorStub struct {
	mu sync.Mutex

	buildErr   error
	inputs     []orchestrator.BuildInput
	status     orchestrator.Status
	statusErr  error
	project    *domain.Project
	projectErr error
	projects   []domain.Project
	deleted    []string
	tornDown   []string
	reaps      int
	owners     []string
}

func (s *orchestratorStub) RequestBuild(ctx context.Context, in orchestrator.BuildInput) (orchestrator.Accepted, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inputs = append(s.inputs, in)
	if s.buildErr != nil {
		return orchestrator.Accepted{}, s.buildErr
	}
	id := in.ProjectID
	if id == "" {
		id = "new-project"
	}
	return orchestrator.Accepted{ProjectID: id, BuildID: "b1", BuildStatus: domain.BuildStatusPending}, nil
}

func (s *orchestratorStub) GetStatus(ctx context.Context, projectID, ownerID string) (orchestrator.Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.owners = append(s.owners, ownerID)
	return s.status, s.statusErr
}

func (s *orchestratorStub) GetProject(ctx context.Context, projectID, ownerID string) (*domain.Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.owners = append(s.owners, ownerID)
	if s.projectErr != nil {
		return nil, s.projectErr
	}
	if s.project == nil {
		return &domain.Project{ID: projectID, BuildStatus: domain.BuildStatusPending}, nil
	}
	return s.project, nil
}

func (s *orchestratorStub) ListProjects(ctx context.Context, ownerID string, limit int) ([]domain.Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.owners = append(s.owners, ownerID)
	return s.projects, nil
}

func (s *orchestratorStub) Teardown(ctx context.Context, projectID, ownerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tornDown = append(s.tornDown, projectID)
	return s.projectErr
}

func (s *orchestratorStub) DeleteProject(ctx context.Context, projectID, ownerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleted = append(s.deleted, projectID)
	return s.projectErr
}

func (s *orchestratorStub) ReapOrphans(ctx context.Context) (orchestrator.ReapReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reaps++
	return orchestrator.ReapReport{UnitsRemoved: 1, PortsReleased: []int{8081}}, nil
}

type eventsStub struct {
	events []domain.BuildStageEvent
}

func (e *eventsStub) List(ctx context.Context, projectID string, limit int) ([]domain.BuildStageEvent, error) {
	return e.events, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{}))
}

func newTestRouter(t *testing.T, orch Orchestrator, mutate func(*Options)) (*Router, *ws.Hub) {
	t.Helper()
	hub := ws.NewHub()
	t.Cleanup(hub.Close)
	reg := prometheus.NewRegistry()
	opts := Options{
		Logger:       testLogger(),
		Orchestrator: orch,
		Events:       &eventsStub{},
		Hub:          hub,
		Registerer:   reg,
		Gatherer:     reg,
	}
	if mutate != nil {
		mutate(&opts)
	}
	router, err := NewRouter(opts)
	if err != nil {
		t.Fatalf("new router: %v", err)
	}
	t.Cleanup(router.Close)
	return router, hub
}

func do(t *testing.T, h http.Handler, method, path, body, token string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestBuildAccepted(t *testing.T) {
	stub := &orchestratorStub{}
	router, _ := newTestRouter(t, stub, nil)

	rr := do(t, router, http.MethodPost, "/build", `{"title":"Todo","prompt":"a todo app"}`, "")
	if rr.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rr.Code, rr.Body.String())
	}
	var accepted orchestrator.Accepted
	if err := json.Unmarshal(rr.Body.Bytes(), &accepted); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if accepted.ProjectID != "new-project" || accepted.BuildStatus != domain.BuildStatusPending {
		t.Fatalf("unexpected body %+v", accepted)
	}
	if rr.Header().Get("Location") != "/status/new-project" {
		t.Fatalf("unexpected location %q", rr.Header().Get("Location"))
	}
	if len(stub.inputs) != 1 {
		t.Fatalf("expected handler to run once, got %d", len(stub.inputs))
	}
	if stub.inputs[0].Title != "Todo" || stub.inputs[0].OwnerID != "" {
		t.Fatalf("unexpected input %+v", stub.inputs[0])
	}
}

func TestBuildRejectsBadJSONAndMethod(t *testing.T) {
	router, _ := newTestRouter(t, &orchestratorStub{}, nil)
	if rr := do(t, router, http.MethodPost, "/build", `{`, ""); rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad json, got %d", rr.Code)
	}
	if rr := do(t, router, http.MethodGet, "/build", "", ""); rr.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rr.Code)
	}
}

func TestServiceErrorsMapToStatus(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("prompt is required: %w", domain.ErrValidation), http.StatusBadRequest},
		{orchestrator.ErrAlreadyBuilding, http.StatusConflict},
		{fmt.Errorf("project p: %w", domain.ErrNotFound), http.StatusNotFound},
		{fmt.Errorf("db down: %w", domain.ErrCollaborator), http.StatusBadGateway},
		{orchestrator.ErrShuttingDown, http.StatusServiceUnavailable},
		{fmt.Errorf("docker: %w", domain.ErrRuntime), http.StatusInternalServerError},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.err.Error(), func(t *testing.T) {
			router, _ := newTestRouter(t, &orchestratorStub{buildErr: tc.err}, nil)
			rr := do(t, router, http.MethodPost, "/build", `{"prompt":"x"}`, "")
			if rr.Code != tc.want {
				t.Fatalf("expected %d, got %d", tc.want, rr.Code)
			}
			var body map[string]string
			if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil || body["error"] == "" {
				t.Fatalf("expected error body, got %s", rr.Body.String())
			}
		})
	}
}

func TestInternalErrorsAreNotEchoed(t *testing.T) {
	router, _ := newTestRouter(t, &orchestratorStub{buildErr: errors.New("password=hunter2")}, nil)
	rr := do(t, router, http.MethodPost, "/build", `{"prompt":"x"}`, "")
	if strings.Contains(rr.Body.String(), "hunter2") {
		t.Fatalf("internal error leaked: %s", rr.Body.String())
	}
}

func TestAuthRequiredWhenSecretConfigured(t *testing.T) {
	stub := &orchestratorStub{}
	router, _ := newTestRouter(t, stub, func(o *Options) { o.JWTSecret = "secret" })

	if rr := do(t, router, http.MethodPost, "/build", `{"prompt":"x"}`, ""); rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rr.Code)
	}
	bad, _ := jwtpkg.GenerateToken("user-1", "other", time.Hour)
	if rr := do(t, router, http.MethodPost, "/build", `{"prompt":"x"}`, bad); rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for wrong secret, got %d", rr.Code)
	}
	token, err := jwtpkg.GenerateToken("user-1", "secret", time.Hour)
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	if rr := do(t, router, http.MethodPost, "/build", `{"prompt":"x"}`, token); rr.Code != http.StatusAccepted {
		t.Fatalf("expected 202 with token, got %d", rr.Code)
	}
	if stub.inputs[len(stub.inputs)-1].OwnerID != "user-1" {
		t.Fatalf("expected owner from token, got %+v", stub.inputs)
	}

	stub.project = &domain.Project{ID: "p1", BuildStatus: domain.BuildStatusPending}
	if rr := do(t, router, http.MethodGet, "/preview/p1", "", ""); rr.Code != http.StatusOK {
		t.Fatalf("preview must stay public, got %d", rr.Code)
	}
}

func TestBuildRateLimited(t *testing.T) {
	router, _ := newTestRouter(t, &orchestratorStub{}, func(o *Options) {
		o.BuildRateLimit = 1
		o.BuildRateWindow = time.Minute
	})
	if rr := do(t, router, http.MethodPost, "/build", `{"prompt":"x"}`, ""); rr.Code != http.StatusAccepted {
		t.Fatalf("expected first build accepted, got %d", rr.Code)
	}
	rr := do(t, router, http.MethodPost, "/build", `{"prompt":"x"}`, "")
	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rr.Code)
	}
	if rr.Header().Get("X-RateLimit-Limit") != "1" || rr.Header().Get("X-RateLimit-Remaining") != "0" {
		t.Fatalf("unexpected rate headers %v", rr.Header())
	}
}

func TestPreviewRedirectsWhenBuilt(t *testing.T) {
	stub := &orchestratorStub{status: orchestrator.Status{ProjectID: "p1", BuildStatus: domain.BuildStatusBuilt, PreviewURL: "http://localhost:8080"}}
	router, _ := newTestRouter(t, stub, nil)
	rr := do(t, router, http.MethodGet, "/preview/p1", "", "")
	if rr.Code != http.StatusFound || rr.Header().Get("Location") != "http://localhost:8080" {
		t.Fatalf("expected redirect, got %d %q", rr.Code, rr.Header().Get("Location"))
	}
}

func TestPreviewFailedRendersDiagnostics(t *testing.T) {
	stub := &orchestratorStub{
		status: orchestrator.Status{ProjectID: "p1", BuildStatus: domain.BuildStatusFailed},
		project: &domain.Project{
			ID: "p1", Title: "Todo", BuildStatus: domain.BuildStatusFailed,
			Diagnostics: "build failed: npm ERR missing script build",
			CreatedAt:   time.Now(), UpdatedAt: time.Now(),
		},
	}
	router, _ := newTestRouter(t, stub, nil)
	rr := do(t, router, http.MethodGet, "/preview/p1", "", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("failed preview must render, got %d", rr.Code)
	}
	body := rr.Body.String()
	if !strings.Contains(body, "npm ERR missing script build") || !strings.Contains(body, "Build failed") {
		t.Fatalf("diagnostics missing from page: %s", body)
	}
	if !strings.HasPrefix(rr.Header().Get("Content-Type"), "text/html") {
		t.Fatalf("expected html, got %q", rr.Header().Get("Content-Type"))
	}
}

func TestPreviewHoldingPageWhileBuilding(t *testing.T) {
	stub := &orchestratorStub{
		status: orchestrator.Status{ProjectID: "p1", BuildStatus: domain.BuildStatusBuilding, InFlight: true, Stage: domain.StageBuild},
		project: &domain.Project{
			ID: "p1", Title: "Todo", BuildStatus: domain.BuildStatusBuilding, BuildID: "b1",
			AIInterpretation: json.RawMessage(`{"plan":"# Plan\n\n- add <b>list</b>"}`),
			SourceFiles:      map[string]string{"src/App.tsx": "x"},
		},
	}
	router, _ := newTestRouter(t, stub, nil)
	rr := do(t, router, http.MethodGet, "/preview/p1", "", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	body := rr.Body.String()
	for _, want := range []string{`http-equiv="refresh"`, "Current stage: <strong>build</strong>", "<h1>Plan</h1>", "src/App.tsx"} {
		if !strings.Contains(body, want) {
			t.Fatalf("expected %q in page: %s", want, body)
		}
	}
	if strings.Contains(body, "<b>list</b>") {
		t.Fatalf("raw html from interpretation must not be rendered")
	}
}

func TestPreviewMissingProject(t *testing.T) {
	stub := &orchestratorStub{statusErr: fmt.Errorf("project x: %w", domain.ErrNotFound)}
	router, _ := newTestRouter(t, stub, nil)
	rr := do(t, router, http.MethodGet, "/preview/x", "", "")
	if rr.Code != http.StatusNotFound || !strings.Contains(rr.Body.String(), "No project with this id exists") {
		t.Fatalf("expected 404 page, got %d", rr.Code)
	}
}

func TestProjectRoutes(t *testing.T) {
	stub := &orchestratorStub{projects: []domain.Project{{ID: "p1", Title: "Todo", BuildStatus: domain.BuildStatusBuilt}}}
	router, _ := newTestRouter(t, stub, nil)

	rr := do(t, router, http.MethodGet, "/projects", "", "")
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), `"id":"p1"`) {
		t.Fatalf("unexpected list response %d %s", rr.Code, rr.Body.String())
	}
	if rr := do(t, router, http.MethodGet, "/projects/p1", "", ""); rr.Code != http.StatusOK {
		t.Fatalf("expected project detail, got %d", rr.Code)
	}
	if rr := do(t, router, http.MethodPost, "/projects/p1/teardown", "", ""); rr.Code != http.StatusOK {
		t.Fatalf("expected teardown ok, got %d", rr.Code)
	}
	if rr := do(t, router, http.MethodDelete, "/project/p1", "", ""); rr.Code != http.StatusOK {
		t.Fatalf("expected delete ok, got %d", rr.Code)
	}
	if rr := do(t, router, http.MethodPost, "/projects/p1/unknown", "", ""); rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown subroute, got %d", rr.Code)
	}
	if len(stub.tornDown) != 1 || len(stub.deleted) != 1 || stub.deleted[0] != "p1" {
		t.Fatalf("unexpected calls teardown=%v delete=%v", stub.tornDown, stub.deleted)
	}

	stub.projectErr = fmt.Errorf("project p1: %w", domain.ErrNotFound)
	if rr := do(t, router, http.MethodDelete, "/projects/p1", "", ""); rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for missing project, got %d", rr.Code)
	}
}

func TestAdminReap(t *testing.T) {
	stub := &orchestratorStub{}
	router, _ := newTestRouter(t, stub, nil)
	rr := do(t, router, http.MethodPost, "/admin/reap", "", "")
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), `"units_removed":1`) || stub.reaps != 1 {
		t.Fatalf("unexpected reap response %d %s", rr.Code, rr.Body.String())
	}
}

func TestHealthzReportsComponents(t *testing.T) {
	router, _ := newTestRouter(t, &orchestratorStub{}, func(o *Options) {
		o.HealthChecks = map[string]func(context.Context) error{
			"store":   func(context.Context) error { return nil },
			"runtime": func(context.Context) error { return errors.New("docker unreachable") },
		}
	})
	rr := do(t, router, http.MethodGet, "/healthz", "", "")
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rr.Code)
	}
	var body struct {
		Status     string                    `json:"status"`
		Components map[string]map[string]any `json:"components"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Status != "degraded" || body.Components["store"]["status"] != "up" || body.Components["runtime"]["status"] != "down" {
		t.Fatalf("unexpected health body %+v", body)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	router, _ := newTestRouter(t, &orchestratorStub{}, nil)
	do(t, router, http.MethodGet, "/projects", "", "")
	rr := do(t, router, http.MethodGet, "/metrics", "", "")
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), "kapsules_api_http_requests_total") {
		t.Fatalf("expected request metrics, got %d", rr.Code)
	}
}

func TestEventsSSEReplaysAndStreams(t *testing.T) {
	history := []domain.BuildStageEvent{{ID: "e1", ProjectID: "p1", BuildID: "b1", Sequence: 1, Stage: domain.StageAIAnalysis, Status: domain.StageStarted, CreatedAt: time.Now()}}
	router, hub := newTestRouter(t, &orchestratorStub{}, func(o *Options) { o.Events = &eventsStub{events: history} })
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/events/p1", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("unexpected content type %q", ct)
	}
	reader := bufio.NewReader(resp.Body)

	if line := readLine(t, reader); line != "event: history" {
		t.Fatalf("expected history event, got %q", line)
	}
	if line := readLine(t, reader); !strings.Contains(line, `"id":"e1"`) {
		t.Fatalf("expected replayed event, got %q", line)
	}
	readLine(t, reader)

	hub.Broadcast("p1", []byte(`{"type":"output","line":"vite ready"}`))
	if line := readLine(t, reader); !strings.HasPrefix(line, "data: ") || !strings.Contains(line, "vite ready") {
		t.Fatalf("expected live data, got %q", line)
	}
}

func TestEventsWebsocketStreams(t *testing.T) {
	history := []domain.BuildStageEvent{{ID: "e1", ProjectID: "p1", BuildID: "b1", Sequence: 1, Stage: domain.StageAIAnalysis, Status: domain.StageStarted, CreatedAt: time.Now()}}
	router, hub := newTestRouter(t, &orchestratorStub{}, func(o *Options) { o.Events = &eventsStub{events: history} })
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/events?project_id=p1"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	_, msg, err := conn.ReadMessage()
	if err != nil || !bytes.Contains(msg, []byte(`"id":"e1"`)) {
		t.Fatalf("expected replayed event, got %s %v", msg, err)
	}
	hub.Broadcast("p1", []byte(`{"type":"stage","stage":"code_gen"}`))
	_, msg, err = conn.ReadMessage()
	if err != nil || !bytes.Contains(msg, []byte("code_gen")) {
		t.Fatalf("expected live event, got %s %v", msg, err)
	}
}

func TestEventsWebsocketRequiresProject(t *testing.T) {
	router, _ := newTestRouter(t, &orchestratorStub{}, nil)
	if rr := do(t, router, http.MethodGet, "/ws/events", "", ""); rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without project_id, got %d", rr.Code)
	}
}

func readLine(t *testing.T, r *bufio.Reader) string {
	t.Helper()
	line, err := r.ReadString('\n')
	if err != nil {
		t.Fatalf("read stream: %v", err)
	}
	return strings.TrimRight(line, "\n")
}
