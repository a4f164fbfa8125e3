package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/eyes-pick/kapsules/internal/domain"
	"github.com/eyes-pick/kapsules/internal/imagebuilder"
	"github.com/eyes-pick/kapsules/internal/ports"
	"github.com/eyes-pick/kapsules/internal/repository"
	"github.com/eyes-pick/kapsules/internal/runtime"
	"github.com/eyes-pick/kapsules/internal/service/pipeline"
)

const (
	maxPromptLength = 8000
	maxTitleLength  = 120
)

var (
	// ErrAlreadyBuilding rejects a build for a project with a pipeline in flight.
	ErrAlreadyBuilding = fmt.Errorf("build already in progress: %w", domain.ErrConflict)
	// ErrShuttingDown rejects builds once shutdown has begun.
	ErrShuttingDown = fmt.Errorf("orchestrator shutting down: %w", domain.ErrResourceExhausted)
)

// Runner executes one pipeline run.
type Runner interface {
	Run(ctx context.Context, job pipeline.Job) pipeline.Result
}

// Events reads, writes and drops project event logs.
type Events interface {
	Record(ctx context.Context, event *domain.BuildStageEvent) error
	List(ctx context.Context, projectID string, limit int) ([]domain.BuildStageEvent, error)
	Delete(ctx context.Context, projectID string) error
}

// Images deletes built images.
type Images interface {
	Remove(ctx context.Context, ref string) error
}

// Templates resolves template names before any resource is touched.
type Templates interface {
	Resolve(name string) (imagebuilder.Template, error)
}

// PortPool is the allocator surface used for teardown and sweeps.
type PortPool interface {
	Claim(port int, unitID string) error
	ReleaseUnit(port int, unitID string) bool
	Snapshot() []ports.Lease
	InUse() int
}

// Config tunes the facade.
type Config struct {
	DefaultTemplate string
	EventLimit      int
	UnitIdleTTL     time.Duration
	RuntimeTimeout  time.Duration
	StoreTimeout    time.Duration
}

// Dependencies are the collaborators the facade coordinates.
type Dependencies struct {
	Store     repository.Store
	Events    Events
	Runner    Runner
	Runtime   runtime.Adapter
	Ports     PortPool
	Images    Images
	Templates Templates
	Lock      BuildLock
}

// Service is the single entry point for build, status, teardown and
// maintenance requests.
type Service struct {
	store     repository.Store
	events    Events
	runner    Runner
	runtime   runtime.Adapter
	ports     PortPool
	images    Images
	templates Templates
	lock      BuildLock
	cfg       Config
	logger    *slog.Logger
	now       func() time.Time
	newID     func() string

	root       context.Context
	cancelRoot context.CancelFunc

	mu      sync.Mutex
	active  map[string]*inflight
	closing bool
	wg      sync.WaitGroup
}

type inflight struct {
	buildID string
	signal  *pipeline.Signal
	done    chan struct{}
}

// New constructs the facade.
func New(deps Dependencies, cfg Config, logger *slog.Logger) (*Service, error) {
	switch {
	case deps.Store == nil:
		return nil, errors.New("store is required")
	case deps.Events == nil:
		return nil, errors.New("event service is required")
	case deps.Runner == nil:
		return nil, errors.New("pipeline runner is required")
	case deps.Runtime == nil:
		return nil, errors.New("runtime adapter is required")
	case deps.Ports == nil:
		return nil, errors.New("port pool is required")
	}
	if deps.Lock == nil {
		deps.Lock = NewMemoryLock()
	}
	if cfg.EventLimit <= 0 {
		cfg.EventLimit = 100
	}
	if cfg.RuntimeTimeout <= 0 {
		cfg.RuntimeTimeout = time.Minute
	}
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = 5 * time.Second
	}
	if strings.TrimSpace(cfg.DefaultTemplate) == "" {
		cfg.DefaultTemplate = "default"
	}
	if logger == nil {
		logger = slog.Default()
	}
	root, cancel := context.WithCancel(context.Background())
	return &Service{
		store:      deps.Store,
		events:     deps.Events,
		runner:     deps.Runner,
		runtime:    deps.Runtime,
		ports:      deps.Ports,
		images:     deps.Images,
		templates:  deps.Templates,
		lock:       deps.Lock,
		cfg:        cfg,
		logger:     logger,
		now:        time.Now,
		newID:      uuid.NewString,
		root:       root,
		cancelRoot: cancel,
		active:     make(map[string]*inflight),
	}, nil
}

// BuildInput is a build request from an external caller.
type BuildInput struct {
	ProjectID   string `json:"project_id,omitempty"`
	OwnerID     string `json:"-"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Prompt      string `json:"prompt"`
	Template    string `json:"template,omitempty"`
}

// Accepted acknowledges a queued build.
type Accepted struct {
	ProjectID   string `json:"project_id"`
	BuildID     string `json:"build_id"`
	BuildStatus string `json:"build_status"`
}

// RequestBuild queues a fresh pipeline run. It rejects rather than queues
// when the project already has one in flight.
func (s *Service) RequestBuild(ctx context.Context, in BuildInput) (Accepted, error) {
	in.ProjectID = strings.TrimSpace(in.ProjectID)
	in.Prompt = strings.TrimSpace(in.Prompt)
	in.Title = strings.TrimSpace(in.Title)
	in.Description = strings.TrimSpace(in.Description)
	in.Template = strings.TrimSpace(in.Template)
	if err := s.validate(in); err != nil {
		return Accepted{}, err
	}

	projectID := in.ProjectID
	if projectID == "" {
		projectID = s.newID()
	}
	buildID := s.newID()

	flight, err := s.reserve(ctx, projectID, buildID)
	if err != nil {
		return Accepted{}, err
	}
	launched := false
	defer func() {
		if !launched {
			s.unreserve(projectID, flight)
		}
	}()

	project, err := s.loadOrCreate(ctx, projectID, in)
	if err != nil {
		return Accepted{}, err
	}
	now := s.now().UTC()
	req := domain.BuildRequest{
		ProjectID:   projectID,
		BuildID:     buildID,
		Prompt:      in.Prompt,
		Title:       in.Title,
		Description: in.Description,
		RequestedAt: now,
	}
	if len(project.SourceFiles) > 0 {
		req.Modification = &domain.AIModification{BuildID: buildID, Prompt: in.Prompt, RequestedAt: now}
	}
	sctx, cancel := s.storeContext(ctx)
	err = s.store.QueueBuild(sctx, req)
	cancel()
	if err != nil {
		return Accepted{}, fmt.Errorf("queue build: %w", storeErr(err))
	}

	job := pipeline.Job{
		ProjectID: projectID,
		BuildID:   buildID,
		Prompt:    in.Prompt,
		Template:  firstNonEmpty(in.Template, project.Template),
		Signal:    flight.signal,
	}
	s.wg.Add(1)
	go s.execute(job, flight)
	launched = true

	s.logger.Info("build accepted", "project_id", projectID, "build_id", buildID, "iteration", req.Modification != nil)
	return Accepted{ProjectID: projectID, BuildID: buildID, BuildStatus: domain.BuildStatusPending}, nil
}

func (s *Service) validate(in BuildInput) error {
	if in.Prompt == "" {
		return fmt.Errorf("prompt is required: %w", domain.ErrValidation)
	}
	if len(in.Prompt) > maxPromptLength {
		return fmt.Errorf("prompt exceeds %d characters: %w", maxPromptLength, domain.ErrValidation)
	}
	if len(in.Title) > maxTitleLength {
		return fmt.Errorf("title exceeds %d characters: %w", maxTitleLength, domain.ErrValidation)
	}
	if strings.ContainsAny(in.ProjectID, "/\\ ") {
		return fmt.Errorf("invalid project id %q: %w", in.ProjectID, domain.ErrValidation)
	}
	if in.Template != "" && s.templates != nil {
		if _, err := s.templates.Resolve(in.Template); err != nil {
			return err
		}
	}
	return nil
}

// reserve takes the local and shared build locks for projectID.
func (s *Service) reserve(ctx context.Context, projectID, buildID string) (*inflight, error) {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return nil, ErrShuttingDown
	}
	if _, busy := s.active[projectID]; busy {
		s.mu.Unlock()
		return nil, ErrAlreadyBuilding
	}
	flight := &inflight{buildID: buildID, signal: pipeline.NewSignal(), done: make(chan struct{})}
	s.active[projectID] = flight
	s.mu.Unlock()

	ok, err := s.lock.Acquire(ctx, projectID, buildID)
	if err != nil || !ok {
		s.mu.Lock()
		delete(s.active, projectID)
		s.mu.Unlock()
		if err != nil {
			return nil, fmt.Errorf("acquire build lock: %w: %w", domain.ErrCollaborator, err)
		}
		return nil, ErrAlreadyBuilding
	}
	return flight, nil
}

func (s *Service) unreserve(projectID string, flight *inflight) {
	ctx, cancel := s.storeContext(context.Background())
	defer cancel()
	if err := s.lock.Release(ctx, projectID, flight.buildID); err != nil {
		s.logger.Warn("release build lock failed", "project_id", projectID, "error", err)
	}
	s.mu.Lock()
	if s.active[projectID] == flight {
		delete(s.active, projectID)
	}
	s.mu.Unlock()
	close(flight.done)
}

func (s *Service) loadOrCreate(ctx context.Context, projectID string, in BuildInput) (*domain.Project, error) {
	sctx, cancel := s.storeContext(ctx)
	defer cancel()
	project, err := s.store.GetProject(sctx, projectID)
	if err == nil {
		if !owns(*project, in.OwnerID) {
			return nil, fmt.Errorf("project %s: %w", projectID, domain.ErrNotFound)
		}
		return project, nil
	}
	if !errors.Is(err, repository.ErrNotFound) {
		return nil, fmt.Errorf("load project: %w", storeErr(err))
	}
	if in.ProjectID != "" {
		return nil, fmt.Errorf("project %s: %w", projectID, domain.ErrNotFound)
	}

	now := s.now().UTC()
	project = &domain.Project{
		ID:              projectID,
		OwnerID:         in.OwnerID,
		Title:           firstNonEmpty(in.Title, titleFromPrompt(in.Prompt)),
		Description:     in.Description,
		Prompt:          in.Prompt,
		Template:        firstNonEmpty(in.Template, s.cfg.DefaultTemplate),
		BuildStatus:     domain.BuildStatusPending,
		AIModifications: []domain.AIModification{},
		Tags:            []string{},
		Technologies:    []string{"react", "typescript", "vite"},
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := s.store.CreateProject(sctx, project); err != nil {
		return nil, fmt.Errorf("create project: %w", storeErr(err))
	}
	return project, nil
}

func (s *Service) execute(job pipeline.Job, flight *inflight) {
	defer s.wg.Done()
	defer s.unreserve(job.ProjectID, flight)
	s.runner.Run(s.root, job)
}

// Status is the read model served to pollers.
type Status struct {
	ProjectID   string                   `json:"project_id"`
	BuildID     string                   `json:"build_id,omitempty"`
	BuildStatus string                   `json:"build_status"`
	InFlight    bool                     `json:"in_flight"`
	Stage       string                   `json:"current_stage,omitempty"`
	PreviewURL  string                   `json:"preview_url,omitempty"`
	Diagnostics string                   `json:"diagnostics,omitempty"`
	UpdatedAt   time.Time                `json:"updated_at"`
	Events      []domain.BuildStageEvent `json:"stage_events"`
}

// GetStatus returns the project's build status and its latest events.
func (s *Service) GetStatus(ctx context.Context, projectID, ownerID string) (Status, error) {
	project, err := s.GetProject(ctx, projectID, ownerID)
	if err != nil {
		return Status{}, err
	}
	events, err := s.events.List(ctx, projectID, s.cfg.EventLimit)
	if err != nil {
		return Status{}, fmt.Errorf("list events: %w", storeErr(err))
	}
	if events == nil {
		events = []domain.BuildStageEvent{}
	}
	st := Status{
		ProjectID:   project.ID,
		BuildID:     project.BuildID,
		BuildStatus: project.BuildStatus,
		InFlight:    s.InFlight(projectID),
		PreviewURL:  project.PreviewURL,
		Diagnostics: project.Diagnostics,
		UpdatedAt:   project.UpdatedAt,
		Events:      events,
	}
	if stage, open := domain.LastStarted(events, project.BuildID); open {
		st.Stage = stage
	}
	return st, nil
}

// GetProject returns a project visible to ownerID. An empty ownerID sees all.
func (s *Service) GetProject(ctx context.Context, projectID, ownerID string) (*domain.Project, error) {
	sctx, cancel := s.storeContext(ctx)
	defer cancel()
	project, err := s.store.GetProject(sctx, projectID)
	if err != nil {
		return nil, storeErr(err)
	}
	if !owns(*project, ownerID) && !project.IsPublic {
		return nil, fmt.Errorf("project %s: %w", projectID, domain.ErrNotFound)
	}
	return project, nil
}

// ListProjects returns the owner's projects newest first.
func (s *Service) ListProjects(ctx context.Context, ownerID string, limit int) ([]domain.Project, error) {
	sctx, cancel := s.storeContext(ctx)
	defer cancel()
	projects, err := s.store.ListProjects(sctx, ownerID, limit)
	if err != nil {
		return nil, storeErr(err)
	}
	return projects, nil
}

// InFlight reports whether this process is running a pipeline for projectID.
func (s *Service) InFlight(projectID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.active[projectID]
	return ok
}

// Teardown stops and removes the project's execution unit, releases its port
// and clears the reference. It cancels an in-flight pipeline first and is
// idempotent.
func (s *Service) Teardown(ctx context.Context, projectID, ownerID string) error {
	project, err := s.mutable(ctx, projectID, ownerID)
	if err != nil {
		return err
	}
	if s.cancelBuild(projectID) {
		if project, err = s.reload(ctx, projectID); err != nil {
			return err
		}
	}
	return s.teardown(ctx, project, domain.BuildStatusPending, "")
}

// DeleteProject tears the project down and removes its record and events.
func (s *Service) DeleteProject(ctx context.Context, projectID, ownerID string) error {
	project, err := s.mutable(ctx, projectID, ownerID)
	if err != nil {
		return err
	}
	if s.cancelBuild(projectID) {
		if project, err = s.reload(ctx, projectID); err != nil {
			return err
		}
	}
	if err := s.teardown(ctx, project, "", ""); err != nil {
		return err
	}
	sctx, cancel := s.storeContext(ctx)
	defer cancel()
	if err := s.events.Delete(sctx, projectID); err != nil {
		return fmt.Errorf("delete events: %w", storeErr(err))
	}
	if err := s.store.DeleteProject(sctx, projectID); err != nil {
		return storeErr(err)
	}
	s.logger.Info("project deleted", "project_id", projectID)
	return nil
}

func (s *Service) mutable(ctx context.Context, projectID, ownerID string) (*domain.Project, error) {
	sctx, cancel := s.storeContext(ctx)
	defer cancel()
	project, err := s.store.GetProject(sctx, projectID)
	if err != nil {
		return nil, storeErr(err)
	}
	if !owns(*project, ownerID) {
		return nil, fmt.Errorf("project %s: %w", projectID, domain.ErrNotFound)
	}
	return project, nil
}

func (s *Service) reload(ctx context.Context, projectID string) (*domain.Project, error) {
	sctx, cancel := s.storeContext(ctx)
	defer cancel()
	project, err := s.store.GetProject(sctx, projectID)
	if err != nil {
		return nil, storeErr(err)
	}
	return project, nil
}

// cancelBuild flags the in-flight run for projectID. Once it returns the run
// can no longer commit or record events.
func (s *Service) cancelBuild(projectID string) bool {
	s.mu.Lock()
	flight, ok := s.active[projectID]
	s.mu.Unlock()
	if !ok {
		return false
	}
	flight.signal.Cancel()
	s.logger.Info("build cancelled", "project_id", projectID, "build_id", flight.buildID)
	return true
}

// teardown removes the referenced unit and clears the reference. A built
// project drops back to status; other statuses are kept unless status is set.
func (s *Service) teardown(ctx context.Context, project *domain.Project, status, diagnostics string) error {
	if !project.HasExecutionUnit() {
		return nil
	}
	rctx, cancel := context.WithTimeout(ctx, s.cfg.RuntimeTimeout)
	defer cancel()
	if err := s.runtime.Remove(rctx, project.ExecutionUnitID); err != nil && !errors.Is(err, runtime.ErrNotFound) {
		return fmt.Errorf("remove unit %s: %w", project.ExecutionUnitID, err)
	}
	if project.Port != 0 {
		s.ports.ReleaseUnit(project.Port, project.ExecutionUnitID)
	}
	if project.ImageRef != "" && s.images != nil {
		if err := s.images.Remove(rctx, project.ImageRef); err != nil {
			s.logger.Warn("remove image failed", "project_id", project.ID, "image", project.ImageRef, "error", err)
		}
	}
	if status == domain.BuildStatusPending && project.BuildStatus != domain.BuildStatusBuilt {
		status = ""
	}
	sctx, cancelStore := s.storeContext(ctx)
	defer cancelStore()
	_, err := s.store.ClearExecution(sctx, domain.ExecutionClear{
		ProjectID:       project.ID,
		ExecutionUnitID: project.ExecutionUnitID,
		Status:          status,
		Diagnostics:     diagnostics,
		UpdatedAt:       s.now().UTC(),
	})
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		return fmt.Errorf("clear execution: %w", storeErr(err))
	}
	s.logger.Info("execution unit torn down", "project_id", project.ID, "unit_id", project.ExecutionUnitID, "port", project.Port)
	return nil
}

// Health checks the store and the runtime backend.
func (s *Service) Health(ctx context.Context) error {
	var errs []error
	if err := s.store.Ping(ctx); err != nil {
		errs = append(errs, fmt.Errorf("store: %w", err))
	}
	if err := s.runtime.Ping(ctx); err != nil {
		errs = append(errs, fmt.Errorf("runtime: %w", err))
	}
	return errors.Join(errs...)
}

// Wait blocks until every launched pipeline has returned.
func (s *Service) Wait() {
	s.wg.Wait()
}

// Shutdown stops accepting builds, cancels in-flight runs and waits for them.
// When ctx expires first, running stages are interrupted.
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closing = true
	flights := make([]*inflight, 0, len(s.active))
	for _, f := range s.active {
		flights = append(flights, f)
	}
	s.mu.Unlock()
	for _, f := range flights {
		f.signal.Cancel()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.cancelRoot()
		return nil
	case <-ctx.Done():
		s.cancelRoot()
		<-done
		return ctx.Err()
	}
}

func (s *Service) storeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.cfg.StoreTimeout)
}

func owns(p domain.Project, ownerID string) bool {
	return ownerID == "" || p.OwnerID == ownerID
}

// storeErr tags store failures as collaborator errors, keeping not-found and
// conflict classifications intact.
func storeErr(err error) error {
	if err == nil {
		return nil
	}
	if domain.ErrorKind(err) != domain.KindInternal {
		return err
	}
	return fmt.Errorf("%w: %w", domain.ErrCollaborator, err)
}

func titleFromPrompt(prompt string) string {
	title := strings.Join(strings.Fields(prompt), " ")
	if runes := []rune(title); len(runes) > 60 {
		title = strings.TrimSpace(string(runes[:60])) + "..."
	}
	if title == "" {
		return "Untitled project"
	}
	return title
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if s := strings.TrimSpace(v); s != "" {
			return s
		}
	}
	return ""
}
