package httpx

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"log/slog"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/eyes-pick/kapsules/internal/domain"
	"github.com/eyes-pick/kapsules/internal/service/orchestrator"
	"github.com/eyes-pick/kapsules/internal/ws"
)

// Orchestrator is the facade the HTTP layer drives.
type Orchestrator interface {
	RequestBuild(ctx context.Context, in orchestrator.BuildInput) (orchestrator.Accepted, error)
	GetStatus(ctx context.Context, projectID, ownerID string) (orchestrator.Status, error)
	GetProject(ctx context.Context, projectID, ownerID string) (*domain.Project, error)
	ListProjects(ctx context.Context, ownerID string, limit int) ([]domain.Project, error)
	Teardown(ctx context.Context, projectID, ownerID string) error
	DeleteProject(ctx context.Context, projectID, ownerID string) error
	ReapOrphans(ctx context.Context) (orchestrator.ReapReport, error)
}

// Hub registers streaming subscribers.
type Hub interface {
	Register(projectID string, client ws.Subscriber)
	Unregister(projectID string, client ws.Subscriber)
}

// Options configures a Router. Orchestrator and Hub are required.
type Options struct {
	Logger       *slog.Logger
	Orchestrator Orchestrator
	Events       EventLister
	Hub          Hub
	Limiter      RateLimiter
	JWTSecret    string
	CORSOrigins  []string

	BuildRateLimit  int
	BuildRateWindow time.Duration

	// HealthChecks are reported per component by /healthz.
	HealthChecks map[string]func(context.Context) error

	Registerer prometheus.Registerer
	Gatherer   prometheus.Gatherer
}

// Router wires HTTP endpoints to services.
type Router struct {
	mux       *http.ServeMux
	handler   http.Handler
	logger    *slog.Logger
	orch      Orchestrator
	events    EventLister
	hub       Hub
	upgrader  websocket.Upgrader
	limiter   RateLimiter
	jwtSecret string
	checks    map[string]func(context.Context) error
	heartbeat time.Duration

	buildLimit  int
	buildWindow time.Duration

	registerer         prometheus.Registerer
	gatherer           prometheus.Gatherer
	metricsOnce        sync.Once
	metricsInitialized bool
	requestTotal       *prometheus.CounterVec
	requestLatency     *prometheus.HistogramVec
	rateLimitHits      *prometheus.CounterVec
}

const (
	rateWindowDefault  = time.Minute
	rateWindowRealtime = 30 * time.Second
	rateLimitUserWrite = 60
	rateLimitUserRead  = 240
	rateLimitWebsocket = 30
	healthCheckTimeout = 2 * time.Second
	maxBodyBytes       = 1 << 20
	defaultListLimit   = 50
)

// NewRouter assembles routes with dependencies.
func NewRouter(opts Options) (*Router, error) {
	if opts.Orchestrator == nil {
		return nil, errors.New("orchestrator is required")
	}
	if opts.Hub == nil {
		return nil, errors.New("event hub is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	r := &Router{
		mux:    http.NewServeMux(),
		logger: logger,
		orch:   opts.Orchestrator,
		events: opts.Events,
		hub:    opts.Hub,
		upgrader: websocket.Upgrader{
			CheckOrigin: originChecker(opts.CORSOrigins),
		},
		limiter:     opts.Limiter,
		jwtSecret:   strings.TrimSpace(opts.JWTSecret),
		checks:      opts.HealthChecks,
		heartbeat:   sseHeartbeatInterval,
		buildLimit:  opts.BuildRateLimit,
		buildWindow: opts.BuildRateWindow,
		registerer:  opts.Registerer,
		gatherer:    opts.Gatherer,
	}
	if r.limiter == nil {
		r.limiter = NewMemoryRateLimiter()
	}
	if r.buildWindow <= 0 {
		r.buildWindow = rateWindowDefault
	}
	if r.registerer == nil {
		r.registerer = prometheus.DefaultRegisterer
	}
	if r.gatherer == nil {
		r.gatherer = prometheus.DefaultGatherer
	}
	if len(r.checks) == 0 {
		if h, ok := opts.Orchestrator.(interface{ Health(context.Context) error }); ok {
			r.checks = map[string]func(context.Context) error{"orchestrator": h.Health}
		}
	}
	r.initMetrics()
	r.register()
	r.handler = r.wrap(r.mux, opts.CORSOrigins)
	return r, nil
}

// ServeHTTP delegates to the middleware-wrapped mux.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.handler.ServeHTTP(w, req)
}

// Close releases background resources.
func (r *Router) Close() {
	if r.limiter != nil {
		r.limiter.Close()
	}
}

func (r *Router) wrap(next http.Handler, origins []string) http.Handler {
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	corsHandler := cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders: []string{"X-Request-ID", "X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset"},
		MaxAge:         300,
	})
	return middleware.RequestID(middleware.Recoverer(corsHandler(next)))
}

func (r *Router) register() {
	r.mux.Handle("/metrics", r.metricsHandler())
	r.mux.HandleFunc("/healthz", r.audit(r.instrument("/healthz", r.handleHealthz)))
	r.mux.HandleFunc("/build", r.audit(r.instrument("/build", r.handlerAuthRate("/build", r.buildLimit, r.buildWindow, r.handleBuild))))
	r.mux.HandleFunc("/status/", r.audit(r.instrument("/status/:id", r.handlerAuthRate("/status", rateLimitUserRead, rateWindowDefault, r.handleStatus))))
	r.mux.HandleFunc("/preview/", r.audit(r.instrument("/preview/:id", r.withRateLimit("/preview", rateLimitUserRead, rateWindowDefault, rateLimitKeyIP, r.handlePreview))))
	r.mux.HandleFunc("/projects", r.audit(r.instrument("/projects", r.handlerAuthRate("/projects", rateLimitUserRead, rateWindowDefault, r.handleProjects))))
	r.mux.HandleFunc("/projects/", r.audit(r.instrument("/projects/:id", r.handlerAuthRate("/projects/:id", rateLimitUserWrite, rateWindowDefault, r.handleProjectSubroutes))))
	r.mux.HandleFunc("/project/", r.audit(r.instrument("/projects/:id", r.handlerAuthRate("/projects/:id", rateLimitUserWrite, rateWindowDefault, r.handleProjectSubroutes))))
	r.mux.HandleFunc("/events/", r.audit(r.instrument("/events/:id", r.handlerAuthRate("/events", rateLimitWebsocket, rateWindowRealtime, r.handleEventsSSE))))
	r.mux.HandleFunc("/ws/events", r.audit(r.instrument("/ws/events", r.handlerAuthRate("/ws/events", rateLimitWebsocket, rateWindowRealtime, r.handleEventsWS))))
	r.mux.HandleFunc("/admin/reap", r.audit(r.instrument("/admin/reap", r.requireAuth(r.handleReap))))
}

type buildPayload struct {
	ProjectID   string `json:"project_id"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Prompt      string `json:"prompt"`
	Template    string `json:"template"`
}

func (r *Router) handleBuild(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	var payload buildPayload
	if !decodeJSON(w, req, &payload) {
		return
	}
	accepted, err := r.orch.RequestBuild(req.Context(), orchestrator.BuildInput{
		ProjectID:   payload.ProjectID,
		OwnerID:     ownerFromRequest(req),
		Title:       payload.Title,
		Description: payload.Description,
		Prompt:      payload.Prompt,
		Template:    payload.Template,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	w.Header().Set("Location", "/status/"+accepted.ProjectID)
	writeJSON(w, http.StatusAccepted, accepted)
}

func (r *Router) handleStatus(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	projectID, ok := singleSegment(req.URL.Path, "/status/")
	if !ok {
		r.notFound(w)
		return
	}
	status, err := r.orch.GetStatus(req.Context(), projectID, ownerFromRequest(req))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (r *Router) handleProjects(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	limit, _ := strconv.Atoi(req.URL.Query().Get("limit"))
	if limit <= 0 || limit > 500 {
		limit = defaultListLimit
	}
	projects, err := r.orch.ListProjects(req.Context(), ownerFromRequest(req), limit)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	summaries := make([]projectSummary, 0, len(projects))
	for _, p := range projects {
		summaries = append(summaries, summarize(p))
	}
	writeJSON(w, http.StatusOK, summaries)
}

func (r *Router) handleProjectSubroutes(w http.ResponseWriter, req *http.Request) {
	trimmed := req.URL.Path
	for _, prefix := range []string{"/projects/", "/project/"} {
		if strings.HasPrefix(trimmed, prefix) {
			trimmed = strings.TrimPrefix(trimmed, prefix)
			break
		}
	}
	parts := strings.Split(strings.Trim(trimmed, "/"), "/")
	projectID := parts[0]
	if projectID == "" || len(parts) > 2 {
		r.notFound(w)
		return
	}
	owner := ownerFromRequest(req)

	if len(parts) == 2 {
		if parts[1] != "teardown" {
			r.notFound(w)
			return
		}
		if req.Method != http.MethodPost {
			r.methodNotAllowed(w)
			return
		}
		if err := r.orch.Teardown(req.Context(), projectID, owner); err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "torn_down"})
		return
	}

	switch req.Method {
	case http.MethodGet:
		project, err := r.orch.GetProject(req.Context(), projectID, owner)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, project)
	case http.MethodDelete:
		if err := r.orch.DeleteProject(req.Context(), projectID, owner); err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	default:
		r.methodNotAllowed(w)
	}
}

func (r *Router) handleReap(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	report, err := r.orch.ReapOrphans(req.Context())
	if err != nil {
		r.logger.Warn("manual reap incomplete", "error", err)
		writeJSON(w, http.StatusOK, map[string]any{"report": report, "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"report": report})
}

func (r *Router) handleHealthz(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	ctx, cancel := context.WithTimeout(req.Context(), healthCheckTimeout)
	defer cancel()

	names := make([]string, 0, len(r.checks))
	for name := range r.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	components := make(map[string]any, len(names))
	status := "ok"
	for _, name := range names {
		if err := r.checks[name](ctx); err != nil {
			status = "degraded"
			components[name] = map[string]any{"status": "down", "error": err.Error()}
			continue
		}
		components[name] = map[string]any{"status": "up"}
	}
	payload := map[string]any{
		"status":     status,
		"components": components,
		"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
	}
	code := http.StatusOK
	if status != "ok" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, payload)
}

type projectSummary struct {
	ID          string     `json:"id"`
	Title       string     `json:"title"`
	BuildStatus string     `json:"build_status"`
	PreviewURL  string     `json:"preview_url,omitempty"`
	Template    string     `json:"template"`
	IsPublic    bool       `json:"is_public"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	LastBuiltAt *time.Time `json:"last_built_at,omitempty"`
}

func summarize(p domain.Project) projectSummary {
	return projectSummary{
		ID:          p.ID,
		Title:       p.Title,
		BuildStatus: p.BuildStatus,
		PreviewURL:  p.PreviewURL,
		Template:    p.Template,
		IsPublic:    p.IsPublic,
		CreatedAt:   p.CreatedAt,
		UpdatedAt:   p.UpdatedAt,
		LastBuiltAt: p.LastBuiltAt,
	}
}

func decodeJSON(w http.ResponseWriter, req *http.Request, v any) bool {
	req.Body = http.MaxBytesReader(w, req.Body, maxBodyBytes)
	if err := json.NewDecoder(req.Body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return false
		}
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

func singleSegment(path, prefix string) (string, bool) {
	id := strings.Trim(strings.TrimPrefix(path, prefix), "/")
	if id == "" || strings.Contains(id, "/") {
		return "", false
	}
	return id, true
}

func originChecker(origins []string) func(*http.Request) bool {
	allowed := make(map[string]struct{}, len(origins))
	for _, o := range origins {
		if o == "*" {
			return func(*http.Request) bool { return true }
		}
		allowed[strings.TrimRight(o, "/")] = struct{}{}
	}
	return func(req *http.Request) bool {
		origin := req.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := allowed[strings.TrimRight(origin, "/")]
		return ok
	}
}

func (r *Router) audit(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w}
		start := time.Now()
		next(recorder, req)

		status := recorder.status
		if status == 0 {
			status = http.StatusOK
		}
		ctx := recorder.ctx
		if ctx == nil {
			ctx = req.Context()
		}
		duration := time.Since(start)
		actor := "anonymous"
		fields := []any{
			"method", req.Method,
			"path", req.URL.Path,
			"status", status,
			"bytes", recorder.bytes,
			"duration_ms", duration.Milliseconds(),
		}
		if ip := clientIP(req); ip != "" {
			fields = append(fields, "ip", ip)
		}
		if reqID := middleware.GetReqID(req.Context()); reqID != "" {
			fields = append(fields, "request_id", reqID)
		}
		if info, ok := authInfoFromContext(ctx); ok {
			actor = "user"
			fields = append(fields, "user_id", info.UserID)
		}
		fields = append(fields, "actor", actor)

		switch {
		case status >= http.StatusInternalServerError:
			r.logger.Error("http_request", fields...)
		case status >= http.StatusBadRequest:
			r.logger.Warn("http_request", fields...)
		default:
			r.logger.Info("http_request", fields...)
		}
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
	ctx    context.Context
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Write(b []byte) (int, error) {
	if sr.status == 0 {
		sr.status = http.StatusOK
	}
	n, err := sr.ResponseWriter.Write(b)
	sr.bytes += n
	return n, err
}

func (sr *statusRecorder) SetContext(ctx context.Context) {
	sr.ctx = ctx
}

func (sr *statusRecorder) Flush() {
	if f, ok := sr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (sr *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := sr.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, errors.New("hijacker not supported")
}

func (r *Router) methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func (r *Router) notFound(w http.ResponseWriter) {
	writeError(w, http.StatusNotFound, "not found")
}
