package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/eyes-pick/kapsules/internal/domain"
	"github.com/eyes-pick/kapsules/internal/imagebuilder"
	"github.com/eyes-pick/kapsules/internal/llm"
	"github.com/eyes-pick/kapsules/internal/repository"
	"github.com/eyes-pick/kapsules/internal/runtime"
)

// Outcomes of a pipeline run.
const (
	OutcomeBuilt      = "built"
	OutcomeFailed     = "failed"
	OutcomeCancelled  = "cancelled"
	OutcomeSuperseded = "superseded"
)

var (
	// ErrCancelled is reported when the owner cancelled the run.
	ErrCancelled = errors.New("build cancelled")
	// ErrSuperseded is reported when the project no longer belongs to this run.
	ErrSuperseded = errors.New("build superseded")
)

// ProjectStore is the slice of the project repository the pipeline writes to.
type ProjectStore interface {
	GetProject(ctx context.Context, projectID string) (*domain.Project, error)
	UpdateBuildStatus(ctx context.Context, update domain.StatusUpdate) error
	CompleteBuild(ctx context.Context, completion domain.BuildCompletion) error
}

// Recorder persists stage events and streams build output.
type Recorder interface {
	Record(ctx context.Context, event *domain.BuildStageEvent) error
	Output(projectID, buildID, stage, line string)
}

// Images builds and deletes project images.
type Images interface {
	Build(ctx context.Context, req imagebuilder.Request, onOutput func(string)) (imagebuilder.Image, error)
	Remove(ctx context.Context, ref string) error
}

// PortPool leases host ports to execution units.
type PortPool interface {
	Acquire() (int, error)
	Bind(port int, unitID string) error
	Release(port int)
	ReleaseUnit(port int, unitID string) bool
	InUse() int
}

// Config bounds every suspension point of a run.
type Config struct {
	PublicHost        string
	DefaultTemplate   string
	BuildTimeout      time.Duration
	LLMTimeout        time.Duration
	ImageBuildTimeout time.Duration
	RuntimeTimeout    time.Duration
	ReadinessTimeout  time.Duration
	StoreTimeout      time.Duration
}

func (c Config) withDefaults() Config {
	if strings.TrimSpace(c.PublicHost) == "" {
		c.PublicHost = "localhost"
	}
	if strings.TrimSpace(c.DefaultTemplate) == "" {
		c.DefaultTemplate = "default"
	}
	def := func(d *time.Duration, v time.Duration) {
		if *d <= 0 {
			*d = v
		}
	}
	def(&c.BuildTimeout, 20*time.Minute)
	def(&c.LLMTimeout, 2*time.Minute)
	def(&c.ImageBuildTimeout, 10*time.Minute)
	def(&c.RuntimeTimeout, time.Minute)
	def(&c.ReadinessTimeout, 30*time.Second)
	def(&c.StoreTimeout, 5*time.Second)
	return c
}

// Dependencies are the collaborators a Controller drives.
type Dependencies struct {
	Projects ProjectStore
	Events   Recorder
	Models   llm.Provider
	Images   Images
	Runtime  runtime.Adapter
	Ports    PortPool
	Prober   runtime.Prober
	Metrics  *Metrics
}

// Controller drives a project through ai_analysis, code_gen, build and deploy.
type Controller struct {
	projects ProjectStore
	events   Recorder
	models   llm.Provider
	images   Images
	runtime  runtime.Adapter
	ports    PortPool
	prober   runtime.Prober
	metrics  *Metrics
	cfg      Config
	logger   *slog.Logger
	now      func() time.Time
}

// New constructs a Controller.
func New(deps Dependencies, cfg Config, logger *slog.Logger) (*Controller, error) {
	switch {
	case deps.Projects == nil:
		return nil, errors.New("project store is required")
	case deps.Events == nil:
		return nil, errors.New("event recorder is required")
	case deps.Models == nil:
		return nil, errors.New("model provider is required")
	case deps.Images == nil:
		return nil, errors.New("image builder is required")
	case deps.Runtime == nil:
		return nil, errors.New("runtime adapter is required")
	case deps.Ports == nil:
		return nil, errors.New("port pool is required")
	}
	if deps.Prober == nil {
		deps.Prober = runtime.NoopProber{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		projects: deps.Projects,
		events:   deps.Events,
		models:   deps.Models,
		images:   deps.Images,
		runtime:  deps.Runtime,
		ports:    deps.Ports,
		prober:   deps.Prober,
		metrics:  deps.Metrics,
		cfg:      cfg.withDefaults(),
		logger:   logger,
		now:      time.Now,
	}, nil
}

// Job identifies one queued pipeline run.
type Job struct {
	ProjectID string
	BuildID   string
	Prompt    string
	Template  string
	Signal    *Signal
}

// Result summarises a finished run.
type Result struct {
	Outcome    string
	Stage      string
	Err        error
	UnitID     string
	Port       int
	PreviewURL string
}

// PreviewURL returns the address a unit on port is reachable at.
func (c *Controller) PreviewURL(port int) string {
	return fmt.Sprintf("http://%s:%d", c.cfg.PublicHost, port)
}

// Run executes the pipeline for job. It never panics on stage failure; the
// outcome is persisted on the project and returned.
func (c *Controller) Run(ctx context.Context, job Job) Result {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.BuildTimeout)
	defer cancel()
	log := c.logger.With("project_id", job.ProjectID, "build_id", job.BuildID)

	result := c.run(ctx, job, log)
	c.metrics.recordOutcome(result.Outcome)
	c.metrics.SetPortsInUse(c.ports.InUse())

	fields := []any{"outcome", result.Outcome}
	if result.Stage != "" {
		fields = append(fields, "stage", result.Stage)
	}
	if result.Err != nil {
		fields = append(fields, "error", result.Err, "error_kind", domain.ErrorKind(result.Err))
	}
	if result.PreviewURL != "" {
		fields = append(fields, "preview_url", result.PreviewURL)
	}
	log.Info("pipeline finished", fields...)
	return result
}

func (c *Controller) run(ctx context.Context, job Job, log *slog.Logger) Result {
	loadCtx, cancelLoad := c.storeContext(ctx)
	project, err := c.projects.GetProject(loadCtx, job.ProjectID)
	cancelLoad()
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return Result{Outcome: OutcomeSuperseded, Err: ErrSuperseded}
		}
		return Result{Outcome: OutcomeFailed, Err: fmt.Errorf("load project: %w: %w", domain.ErrCollaborator, err)}
	}
	if project.BuildID != job.BuildID {
		return Result{Outcome: OutcomeSuperseded, Err: ErrSuperseded}
	}

	r := &run{c: c, job: job, project: *project, ctx: ctx, log: log}
	r.template = firstNonEmpty(job.Template, project.Template, c.cfg.DefaultTemplate)
	if job.Signal.Cancelled() {
		return r.abort()
	}
	if err := c.setStatus(ctx, job, domain.BuildStatusBuilding, nil); err != nil {
		if isGone(err) {
			return Result{Outcome: OutcomeSuperseded, Err: ErrSuperseded}
		}
		return Result{Outcome: OutcomeFailed, Err: fmt.Errorf("mark building: %w: %w", domain.ErrCollaborator, err)}
	}
	return r.execute()
}

func (c *Controller) setStatus(ctx context.Context, job Job, status string, diagnostics *string) error {
	sctx, cancel := c.storeContext(ctx)
	defer cancel()
	return c.projects.UpdateBuildStatus(sctx, domain.StatusUpdate{
		ProjectID:   job.ProjectID,
		BuildID:     job.BuildID,
		Status:      status,
		Diagnostics: diagnostics,
		UpdatedAt:   c.now().UTC(),
	})
}

// storeContext bounds a store write. It survives cancellation of the build
// context so failures are still recorded after a timeout.
func (c *Controller) storeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), c.cfg.StoreTimeout)
}

func (c *Controller) runtimeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), c.cfg.RuntimeTimeout)
}

type stageFunc func(ctx context.Context) (string, map[string]any, error)

// run holds the state and leased resources of one pipeline execution.
type run struct {
	c       *Controller
	job     Job
	project domain.Project
	ctx     context.Context
	log     *slog.Logger

	template string
	interp   llm.Interpretation
	files    map[string]string
	deletes  []string
	deps     map[string]string
	output   []string

	port      int
	image     imagebuilder.Image
	unit      runtime.Unit
	preview   string
	committed bool
}

func (r *run) execute() Result {
	stages := []struct {
		name string
		fn   stageFunc
	}{
		{domain.StageAIAnalysis, r.analyse},
		{domain.StageCodeGen, r.generate},
		{domain.StageBuild, r.buildImage},
		{domain.StageDeploy, r.deploy},
	}
	for _, st := range stages {
		if err := r.stage(st.name, st.fn); err != nil {
			switch {
			case errors.Is(err, ErrCancelled):
				return r.abort()
			case errors.Is(err, ErrSuperseded):
				r.cleanup()
				return Result{Outcome: OutcomeSuperseded, Stage: st.name, Err: err}
			default:
				if r.committed {
					r.retirePrevious()
				}
				r.cleanup()
				return r.fail(st.name, err)
			}
		}
	}
	r.retirePrevious()
	return Result{
		Outcome:    OutcomeBuilt,
		UnitID:     r.unit.ID,
		Port:       r.port,
		PreviewURL: r.preview,
	}
}

func (r *run) stage(name string, fn stageFunc) error {
	if r.job.Signal.Cancelled() {
		return ErrCancelled
	}
	if err := r.emit(name, domain.StageStarted, startMessage(name), nil); err != nil {
		return err
	}
	r.log.Info("stage started", "stage", name)

	start := r.c.now()
	var (
		message string
		meta    map[string]any
		err     error
	)
	if ctxErr := r.ctx.Err(); ctxErr != nil {
		err = fmt.Errorf("build deadline reached before %s: %w", name, ctxErr)
	} else {
		message, meta, err = fn(r.ctx)
	}
	elapsed := r.c.now().Sub(start)
	if err != nil {
		if errors.Is(err, ErrCancelled) || errors.Is(err, ErrSuperseded) {
			return err
		}
		r.c.metrics.observeStage(name, domain.StageFailed, elapsed)
		return classify(name, err)
	}
	r.c.metrics.observeStage(name, domain.StageCompleted, elapsed)
	r.log.Info("stage completed", "stage", name, "duration", elapsed)
	if err := r.emit(name, domain.StageCompleted, message, meta); err != nil {
		if errors.Is(err, ErrCancelled) && r.committed {
			return nil
		}
		return err
	}
	return nil
}

// emit records a stage event unless the run has been cancelled.
func (r *run) emit(stage, status, message string, meta map[string]any) error {
	var raw json.RawMessage
	if len(meta) > 0 {
		encoded, err := json.Marshal(meta)
		if err == nil {
			raw = encoded
		}
	}
	event := &domain.BuildStageEvent{
		ProjectID: r.job.ProjectID,
		BuildID:   r.job.BuildID,
		Stage:     stage,
		Status:    status,
		Message:   message,
		Metadata:  raw,
	}
	ran, err := r.job.Signal.guard(func() error {
		ctx, cancel := r.c.storeContext(r.ctx)
		defer cancel()
		return r.c.events.Record(ctx, event)
	})
	if !ran {
		return ErrCancelled
	}
	if err != nil {
		return &recordError{err: err}
	}
	return nil
}

func (r *run) analyse(ctx context.Context) (string, map[string]any, error) {
	ctx, cancel := context.WithTimeout(ctx, r.c.cfg.LLMTimeout)
	defer cancel()
	interp, err := r.c.models.Interpret(ctx, llm.InterpretRequest{
		Title:         r.project.Title,
		Description:   r.project.Description,
		Prompt:        r.job.Prompt,
		Template:      r.template,
		ExistingFiles: sortedKeys(r.project.SourceFiles),
	})
	if err != nil {
		return "", nil, err
	}
	if interp.ProjectType == "" && len(interp.Features) == 0 && strings.TrimSpace(interp.Plan) == "" {
		return "", nil, fmt.Errorf("model returned an empty interpretation: %w", domain.ErrCollaborator)
	}
	r.interp = interp
	return "prompt analysed", map[string]any{
		"provider":     firstNonEmpty(interp.Provider, r.c.models.Name()),
		"project_type": interp.ProjectType,
		"features":     interp.Features,
		"components":   interp.Components,
		"complexity":   interp.Complexity,
	}, nil
}

func (r *run) generate(ctx context.Context) (string, map[string]any, error) {
	ctx, cancel := context.WithTimeout(ctx, r.c.cfg.LLMTimeout)
	defer cancel()
	plan, err := r.c.models.Generate(ctx, llm.GenerateRequest{
		ProjectName:    r.project.Title,
		Prompt:         r.job.Prompt,
		Template:       r.template,
		Interpretation: r.interp,
		ExistingFiles:  r.project.SourceFiles,
	})
	if err != nil {
		return "", nil, err
	}
	if err := plan.Validate(); err != nil {
		return "", nil, fmt.Errorf("%w: %w", domain.ErrCollaborator, err)
	}

	files := make(map[string]string, len(r.project.SourceFiles))
	for name, content := range r.project.SourceFiles {
		files[name] = content
	}
	deletes := plan.Deletes()
	for _, name := range deletes {
		delete(files, name)
	}
	for name, content := range plan.Files() {
		files[name] = content
	}
	if len(files) == 0 {
		return "", nil, fmt.Errorf("plan leaves no source files: %w", llm.ErrInvalidPlan)
	}

	deps := previousDependencies(r.project.AIInterpretation)
	for name, version := range plan.Dependencies {
		deps[name] = version
	}

	r.files = files
	r.deletes = deletes
	r.deps = deps
	return "source generated", map[string]any{
		"files":        sortedKeys(files),
		"deleted":      deletes,
		"dependencies": sortedKeys(deps),
	}, nil
}

func (r *run) buildImage(ctx context.Context) (string, map[string]any, error) {
	port, err := r.c.ports.Acquire()
	if err != nil {
		return "", nil, err
	}
	r.port = port
	r.c.metrics.SetPortsInUse(r.c.ports.InUse())

	ctx, cancel := context.WithTimeout(ctx, r.c.cfg.ImageBuildTimeout)
	defer cancel()
	image, err := r.c.images.Build(ctx, imagebuilder.Request{
		ProjectID:    r.job.ProjectID,
		BuildID:      r.job.BuildID,
		Template:     r.template,
		Files:        r.files,
		Deletes:      r.deletes,
		Dependencies: r.deps,
	}, func(line string) {
		r.c.events.Output(r.job.ProjectID, r.job.BuildID, domain.StageBuild, line)
	})
	if err != nil {
		r.c.ports.Release(port)
		r.port = 0
		var buildErr *imagebuilder.BuildError
		if errors.As(err, &buildErr) {
			r.output = buildErr.Output
		}
		return "", nil, err
	}
	r.image = image
	return "image built", map[string]any{
		"image":                image.Ref,
		"template":             image.Template,
		"port":                 port,
		"dockerfile_generated": image.Dockerfile,
	}, nil
}

func (r *run) deploy(ctx context.Context) (string, map[string]any, error) {
	rctx, cancel := context.WithTimeout(ctx, r.c.cfg.RuntimeTimeout)
	defer cancel()
	unit, err := r.c.runtime.Run(rctx, runtime.RunRequest{
		ProjectID:     r.job.ProjectID,
		BuildID:       r.job.BuildID,
		Image:         r.image.Ref,
		Port:          r.port,
		ContainerPort: r.image.ContainerPort,
		Env:           []string{fmt.Sprintf("PORT=%d", r.image.ContainerPort), "HOST=0.0.0.0"},
	})
	if err != nil {
		r.c.ports.Release(r.port)
		r.port = 0
		return "", nil, err
	}
	r.unit = unit
	if err := r.c.ports.Bind(r.port, unit.ID); err != nil {
		return "", nil, fmt.Errorf("bind port %d to %s: %w", r.port, unit.ID, err)
	}

	info, err := r.c.runtime.Inspect(rctx, unit.ID)
	if err != nil {
		return "", nil, err
	}
	if info.Status != runtime.StatusRunning {
		return "", nil, fmt.Errorf("unit %s is %s after start: %w", unit.ID, info.Status, domain.ErrRuntime)
	}

	pctx, cancelProbe := context.WithTimeout(ctx, r.c.cfg.ReadinessTimeout)
	defer cancelProbe()
	if err := r.c.prober.Ready(pctx, r.c.cfg.PublicHost, r.port); err != nil {
		return "", nil, err
	}

	r.preview = r.c.PreviewURL(r.port)
	if err := r.commit(); err != nil {
		return "", nil, err
	}
	return "preview ready", map[string]any{
		"execution_unit_id": unit.ID,
		"port":              r.port,
		"preview_url":       r.preview,
		"image":             r.image.Ref,
	}, nil
}

// commit swaps the project's execution reference to the new unit.
func (r *run) commit() error {
	record, err := json.Marshal(InterpretationRecord{Interpretation: r.interp, Dependencies: r.deps})
	if err != nil {
		return fmt.Errorf("encode interpretation: %w", err)
	}
	completion := domain.BuildCompletion{
		ProjectID:        r.job.ProjectID,
		BuildID:          r.job.BuildID,
		ExecutionUnitID:  r.unit.ID,
		Port:             r.port,
		ImageRef:         r.image.Ref,
		PreviewURL:       r.preview,
		SourceFiles:      r.files,
		AIInterpretation: record,
		CompletedAt:      r.c.now().UTC(),
	}
	ran, err := r.job.Signal.guard(func() error {
		ctx, cancel := r.c.storeContext(r.ctx)
		defer cancel()
		return r.c.projects.CompleteBuild(ctx, completion)
	})
	switch {
	case !ran:
		return ErrCancelled
	case err == nil:
		r.committed = true
		return nil
	case isGone(err):
		return ErrSuperseded
	default:
		return fmt.Errorf("commit build: %w: %w", domain.ErrCollaborator, err)
	}
}

// retirePrevious tears down the unit the project pointed at before this run.
// It only runs once the new unit is committed.
func (r *run) retirePrevious() {
	old := r.project
	if old.ExecutionUnitID == "" || old.ExecutionUnitID == r.unit.ID {
		return
	}
	ctx, cancel := r.c.runtimeContext(r.ctx)
	defer cancel()
	if err := r.c.runtime.Remove(ctx, old.ExecutionUnitID); err != nil {
		r.log.Warn("remove previous unit failed", "unit_id", old.ExecutionUnitID, "error", err)
	}
	if old.Port != 0 {
		r.c.ports.ReleaseUnit(old.Port, old.ExecutionUnitID)
	}
	if old.ImageRef != "" && old.ImageRef != r.image.Ref {
		if err := r.c.images.Remove(ctx, old.ImageRef); err != nil {
			r.log.Warn("remove previous image failed", "image", old.ImageRef, "error", err)
		}
	}
	r.c.metrics.SetPortsInUse(r.c.ports.InUse())
	r.log.Info("previous unit retired", "unit_id", old.ExecutionUnitID, "port", old.Port)
}

// cleanup releases everything this run acquired and did not commit.
func (r *run) cleanup() {
	if r.committed {
		return
	}
	ctx, cancel := r.c.runtimeContext(r.ctx)
	defer cancel()
	if r.unit.ID != "" {
		if err := r.c.runtime.Remove(ctx, r.unit.ID); err != nil {
			r.log.Warn("remove unit failed", "unit_id", r.unit.ID, "error", err)
		}
		r.unit = runtime.Unit{}
	}
	if r.port != 0 {
		r.c.ports.Release(r.port)
		r.port = 0
	}
	if r.image.Ref != "" {
		if err := r.c.images.Remove(ctx, r.image.Ref); err != nil {
			r.log.Warn("remove image failed", "image", r.image.Ref, "error", err)
		}
		r.image = imagebuilder.Image{}
	}
	r.c.metrics.SetPortsInUse(r.c.ports.InUse())
}

func (r *run) fail(stage string, err error) Result {
	meta := map[string]any{"error_kind": domain.ErrorKind(err)}
	if len(r.output) > 0 {
		meta["output"] = r.output
	}
	var recErr *recordError
	if !errors.As(err, &recErr) {
		if emitErr := r.emit(stage, domain.StageFailed, err.Error(), meta); emitErr != nil && !errors.Is(emitErr, ErrCancelled) {
			r.log.Warn("record failed event", "stage", stage, "error", emitErr)
		}
	}
	diagnostics := diagnosticsFor(stage, err, r.output)
	if statusErr := r.c.setStatus(r.ctx, r.job, domain.BuildStatusFailed, &diagnostics); statusErr != nil && !isGone(statusErr) {
		r.log.Error("persist failed status", "stage", stage, "error", statusErr)
	}
	r.log.Warn("stage failed", "stage", stage, "error", err, "error_kind", domain.ErrorKind(err))
	return Result{Outcome: OutcomeFailed, Stage: stage, Err: err}
}

func (r *run) abort() Result {
	r.cleanup()
	diagnostics := ErrCancelled.Error()
	if err := r.c.setStatus(r.ctx, r.job, domain.BuildStatusFailed, &diagnostics); err != nil && !isGone(err) {
		r.log.Warn("persist cancelled status", "error", err)
	}
	return Result{Outcome: OutcomeCancelled, Err: ErrCancelled}
}

type recordError struct {
	err error
}

func (e *recordError) Error() string {
	return fmt.Sprintf("record stage event: %v", e.err)
}

func (e *recordError) Unwrap() []error {
	return []error{domain.ErrCollaborator, e.err}
}

// classify attaches a taxonomy kind to errors that arrive without one.
func classify(stage string, err error) error {
	if domain.ErrorKind(err) != domain.KindInternal {
		return err
	}
	kind := domain.ErrRuntime
	switch stage {
	case domain.StageAIAnalysis, domain.StageCodeGen:
		kind = domain.ErrCollaborator
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s timed out: %w: %w", stage, kind, err)
	}
	return fmt.Errorf("%w: %w", kind, err)
}

func diagnosticsFor(stage string, err error, output []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s failed: %v", stage, err)
	if len(output) > 0 {
		b.WriteString("\n\n")
		b.WriteString(strings.Join(output, "\n"))
	}
	return b.String()
}

func startMessage(stage string) string {
	switch stage {
	case domain.StageAIAnalysis:
		return "analysing prompt"
	case domain.StageCodeGen:
		return "generating source"
	case domain.StageBuild:
		return "building image"
	case domain.StageDeploy:
		return "starting execution unit"
	}
	return ""
}

func isGone(err error) bool {
	return errors.Is(err, repository.ErrNotFound) || errors.Is(err, repository.ErrStaleBuild)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if s := strings.TrimSpace(v); s != "" {
			return s
		}
	}
	return ""
}
