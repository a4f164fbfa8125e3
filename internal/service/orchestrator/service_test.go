package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/eyes-pick/kapsules/internal/domain"
	"github.com/eyes-pick/kapsules/internal/imagebuilder"
	"github.com/eyes-pick/kapsules/internal/llm"
	"github.com/eyes-pick/kapsules/internal/ports"
	"github.com/eyes-pick/kapsules/internal/repository/memory"
	"github.com/eyes-pick/kapsules/internal/runtime"
	"github.com/eyes-pick/kapsules/internal/service/events"
	"github.com/eyes-pick/kapsules/internal/service/pipeline"
)

type stubImages struct {
	mu      sync.Mutex
	removed []string
}

func (s *stubImages) Build(ctx context.Context, req imagebuilder.Request, onOutput func(string)) (imagebuilder.Image, error) {
	return imagebuilder.Image{Ref: fmt.Sprintf("kapsules/project-%s:%s", req.ProjectID, req.BuildID), Template: req.Template, ContainerPort: 3000}, nil
}

func (s *stubImages) Remove(ctx context.Context, ref string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removed = append(s.removed, ref)
	return nil
}

// blockingRunner holds every run until its signal is cancelled or release is closed.
type blockingRunner struct {
	started chan pipeline.Job
	release chan struct{}

	mu        sync.Mutex
	cancelled []string
}

func newBlockingRunner() *blockingRunner {
	return &blockingRunner{started: make(chan pipeline.Job, 8), release: make(chan struct{})}
}

func (b *blockingRunner) Run(ctx context.Context, job pipeline.Job) pipeline.Result {
	b.started <- job
	ticker := time.NewTicker(time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-b.release:
			return pipeline.Result{Outcome: pipeline.OutcomeBuilt}
		case <-ticker.C:
			if job.Signal.Cancelled() {
				b.mu.Lock()
				b.cancelled = append(b.cancelled, job.BuildID)
				b.mu.Unlock()
				return pipeline.Result{Outcome: pipeline.OutcomeCancelled}
			}
		}
	}
}

type fixture struct {
	store   *memory.Store
	events  *events.Service
	runtime *runtime.Memory
	ports   *ports.Allocator
	images  *stubImages
	svc     *Service
}

func newFixture(t *testing.T, runner Runner, cfg Config) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{}))
	store := memory.New()
	alloc, err := ports.New(8080, 8089)
	if err != nil {
		t.Fatalf("ports: %v", err)
	}
	f := &fixture{
		store:   store,
		events:  events.New(store, nil, nil, logger),
		runtime: runtime.NewMemory(),
		ports:   alloc,
		images:  &stubImages{},
	}
	if runner == nil {
		ctrl, err := pipeline.New(pipeline.Dependencies{
			Projects: store,
			Events:   f.events,
			Models:   llm.NewHeuristic(),
			Images:   f.images,
			Runtime:  f.runtime,
			Ports:    alloc,
			Metrics:  pipeline.NewMetrics(prometheus.NewRegistry()),
		}, pipeline.Config{PublicHost: "localhost"}, logger)
		if err != nil {
			t.Fatalf("pipeline: %v", err)
		}
		runner = ctrl
	}
	svc, err := New(Dependencies{
		Store:     store,
		Events:    f.events,
		Runner:    runner,
		Runtime:   f.runtime,
		Ports:     alloc,
		Images:    f.images,
		Templates: imagebuilder.NewTemplates(""),
	}, cfg, logger)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	f.svc = svc
	t.Cleanup(func() { _ = svc.Shutdown(context.Background()) })
	return f
}

func (f *fixture) seed(t *testing.T, p domain.Project) {
	t.Helper()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
		p.UpdatedAt = p.CreatedAt
	}
	if err := f.store.CreateProject(context.Background(), &p); err != nil {
		t.Fatalf("seed project: %v", err)
	}
}

func TestConcurrentRequestBuildAcceptsExactlyOne(t *testing.T) {
	runner := newBlockingRunner()
	f := newFixture(t, runner, Config{})
	f.seed(t, domain.Project{ID: "p1", OwnerID: "u1", Title: "Todo", BuildStatus: domain.BuildStatusPending})

	var wg sync.WaitGroup
	results := make([]error, 2)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, results[i] = f.svc.RequestBuild(context.Background(), BuildInput{ProjectID: "p1", OwnerID: "u1", Prompt: "todo app"})
		}(i)
	}
	wg.Wait()

	accepted, conflicts := 0, 0
	for _, err := range results {
		switch {
		case err == nil:
			accepted++
		case errors.Is(err, ErrAlreadyBuilding):
			conflicts++
			if domain.ErrorKind(err) != domain.KindConflict {
				t.Fatalf("expected conflict kind, got %s", domain.ErrorKind(err))
			}
		default:
			t.Fatalf("unexpected error %v", err)
		}
	}
	if accepted != 1 || conflicts != 1 {
		t.Fatalf("expected one accepted and one conflict, got %d/%d", accepted, conflicts)
	}

	<-runner.started
	close(runner.release)
	f.svc.Wait()
	if f.svc.InFlight("p1") {
		t.Fatalf("expected lock released after terminal state")
	}
	if _, err := f.svc.RequestBuild(context.Background(), BuildInput{ProjectID: "p1", OwnerID: "u1", Prompt: "again"}); err != nil {
		t.Fatalf("expected new build to be accepted after completion: %v", err)
	}
}

func TestBuildStatusTeardownIsIdempotent(t *testing.T) {
	f := newFixture(t, nil, Config{})
	acc, err := f.svc.RequestBuild(context.Background(), BuildInput{OwnerID: "u1", Title: "Todo", Prompt: "todo app"})
	if err != nil {
		t.Fatalf("request build: %v", err)
	}
	if acc.BuildStatus != domain.BuildStatusPending || acc.ProjectID == "" {
		t.Fatalf("unexpected acceptance %+v", acc)
	}
	f.svc.Wait()

	st, err := f.svc.GetStatus(context.Background(), acc.ProjectID, "u1")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if st.BuildStatus != domain.BuildStatusBuilt || st.PreviewURL == "" || len(st.Events) != 8 || st.InFlight {
		t.Fatalf("unexpected status %+v", st)
	}
	if f.ports.InUse() != 1 {
		t.Fatalf("expected one held port, got %d", f.ports.InUse())
	}

	for i := 0; i < 2; i++ {
		if err := f.svc.Teardown(context.Background(), acc.ProjectID, "u1"); err != nil {
			t.Fatalf("teardown %d: %v", i+1, err)
		}
		if f.ports.InUse() != 0 || f.runtime.Count() != 0 {
			t.Fatalf("teardown %d left %d ports and %d units", i+1, f.ports.InUse(), f.runtime.Count())
		}
	}
	p, err := f.svc.GetProject(context.Background(), acc.ProjectID, "u1")
	if err != nil {
		t.Fatalf("get project: %v", err)
	}
	if p.HasExecutionUnit() || p.PreviewURL != "" || p.BuildStatus != domain.BuildStatusPending {
		t.Fatalf("expected cleared reference, got %+v", p)
	}
	if len(f.images.removed) != 1 {
		t.Fatalf("expected image removal on teardown, got %v", f.images.removed)
	}
}

func TestDeleteProjectRemovesEverything(t *testing.T) {
	f := newFixture(t, nil, Config{})
	acc, err := f.svc.RequestBuild(context.Background(), BuildInput{OwnerID: "u1", Prompt: "todo app"})
	if err != nil {
		t.Fatalf("request build: %v", err)
	}
	f.svc.Wait()

	if err := f.svc.DeleteProject(context.Background(), acc.ProjectID, "u1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := f.svc.GetProject(context.Background(), acc.ProjectID, ""); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found after delete, got %v", err)
	}
	evs, _ := f.events.List(context.Background(), acc.ProjectID, 0)
	if len(evs) != 0 || f.runtime.Count() != 0 || f.ports.InUse() != 0 {
		t.Fatalf("expected no leftovers, got %d events %d units %d ports", len(evs), f.runtime.Count(), f.ports.InUse())
	}
	if err := f.svc.DeleteProject(context.Background(), acc.ProjectID, "u1"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found on second delete, got %v", err)
	}
}

func TestTeardownCancelsInFlightBuild(t *testing.T) {
	runner := newBlockingRunner()
	f := newFixture(t, runner, Config{})
	acc, err := f.svc.RequestBuild(context.Background(), BuildInput{OwnerID: "u1", Prompt: "todo app"})
	if err != nil {
		t.Fatalf("request build: %v", err)
	}
	<-runner.started
	if err := f.svc.Teardown(context.Background(), acc.ProjectID, "u1"); err != nil {
		t.Fatalf("teardown: %v", err)
	}
	f.svc.Wait()
	runner.mu.Lock()
	defer runner.mu.Unlock()
	if len(runner.cancelled) != 1 || runner.cancelled[0] != acc.BuildID {
		t.Fatalf("expected build %s cancelled, got %v", acc.BuildID, runner.cancelled)
	}
}

func TestRequestBuildValidation(t *testing.T) {
	f := newFixture(t, newBlockingRunner(), Config{})
	f.seed(t, domain.Project{ID: "p1", OwnerID: "owner", BuildStatus: domain.BuildStatusPending})

	cases := []struct {
		name string
		in   BuildInput
		want error
	}{
		{"missing prompt", BuildInput{Prompt: "  "}, domain.ErrValidation},
		{"unknown template", BuildInput{Prompt: "x", Template: "cobol"}, domain.ErrValidation},
		{"bad project id", BuildInput{ProjectID: "../etc", Prompt: "x"}, domain.ErrValidation},
		{"unknown project", BuildInput{ProjectID: "missing", Prompt: "x"}, domain.ErrNotFound},
		{"foreign project", BuildInput{ProjectID: "p1", OwnerID: "intruder", Prompt: "x"}, domain.ErrNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := f.svc.RequestBuild(context.Background(), tc.in); !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}
	if f.svc.InFlight("p1") || f.svc.InFlight("missing") {
		t.Fatalf("rejected requests must not hold the build lock")
	}
}

func TestReapOrphansClearsStaleAndUntracked(t *testing.T) {
	f := newFixture(t, nil, Config{})
	acc, err := f.svc.RequestBuild(context.Background(), BuildInput{OwnerID: "u1", Prompt: "todo app"})
	if err != nil {
		t.Fatalf("request build: %v", err)
	}
	f.svc.Wait()
	p, _ := f.svc.GetProject(context.Background(), acc.ProjectID, "")
	f.runtime.Kill(p.ExecutionUnitID)

	orphan, err := f.runtime.Run(context.Background(), runtime.RunRequest{ProjectID: "ghost", BuildID: "b0", Image: "img", Port: 8085})
	if err != nil {
		t.Fatalf("run orphan: %v", err)
	}
	if err := f.ports.Claim(8086, "vanished-unit"); err != nil {
		t.Fatalf("claim: %v", err)
	}

	report, err := f.svc.ReapOrphans(context.Background())
	if err != nil {
		t.Fatalf("reap: %v", err)
	}
	if report.StaleRefs != 1 || report.UnitsRemoved != 1 {
		t.Fatalf("unexpected report %+v", report)
	}
	if len(report.PortsReleased) != 1 || report.PortsReleased[0] != 8086 {
		t.Fatalf("expected sweep of 8086, got %v", report.PortsReleased)
	}
	if _, err := f.runtime.Inspect(context.Background(), orphan.ID); !errors.Is(err, runtime.ErrNotFound) {
		t.Fatalf("expected orphan removed, got %v", err)
	}
	p, _ = f.svc.GetProject(context.Background(), acc.ProjectID, "")
	if p.HasExecutionUnit() || p.BuildStatus != domain.BuildStatusFailed || p.Diagnostics == "" {
		t.Fatalf("expected stale reference cleared with diagnostics, got %+v", p)
	}
	if f.ports.InUse() != 0 {
		t.Fatalf("expected all ports free, got %+v", f.ports.Snapshot())
	}
}

// listHook runs hook once, on the first List call, before delegating.
type listHook struct {
	*runtime.Memory
	once sync.Once
	hook func()
}

func (h *listHook) List(ctx context.Context) ([]runtime.Unit, error) {
	h.once.Do(h.hook)
	return h.Memory.List(ctx)
}

// gateProber holds readiness checks open until release is closed.
type gateProber struct {
	entered chan int
	release chan struct{}
}

func (g *gateProber) Ready(ctx context.Context, host string, port int) error {
	g.entered <- port
	select {
	case <-g.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// replica builds another facade over the fixture's store and events, with
// its own pipeline on rt and alloc.
func (f *fixture) replica(t *testing.T, rt runtime.Adapter, alloc *ports.Allocator, lock BuildLock, prober runtime.Prober) *Service {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{}))
	ctrl, err := pipeline.New(pipeline.Dependencies{
		Projects: f.store,
		Events:   f.events,
		Models:   llm.NewHeuristic(),
		Images:   f.images,
		Runtime:  rt,
		Ports:    alloc,
		Prober:   prober,
		Metrics:  pipeline.NewMetrics(prometheus.NewRegistry()),
	}, pipeline.Config{PublicHost: "localhost"}, logger)
	if err != nil {
		t.Fatalf("pipeline: %v", err)
	}
	svc, err := New(Dependencies{
		Store:     f.store,
		Events:    f.events,
		Runner:    ctrl,
		Runtime:   rt,
		Ports:     alloc,
		Images:    f.images,
		Templates: imagebuilder.NewTemplates(""),
		Lock:      lock,
	}, Config{}, logger)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	t.Cleanup(func() { _ = svc.Shutdown(context.Background()) })
	return svc
}

func TestReapOrphansKeepsUnitCommittedAfterRefsRead(t *testing.T) {
	f := newFixture(t, newBlockingRunner(), Config{})
	hooked := &listHook{Memory: f.runtime}
	svc := f.replica(t, hooked, f.ports, nil, nil)

	var (
		acc    Accepted
		accErr error
	)
	hooked.hook = func() {
		acc, accErr = svc.RequestBuild(context.Background(), BuildInput{OwnerID: "u1", Prompt: "todo app"})
		svc.Wait()
	}

	report, err := svc.ReapOrphans(context.Background())
	if err != nil {
		t.Fatalf("reap: %v", err)
	}
	if accErr != nil {
		t.Fatalf("request build: %v", accErr)
	}
	if report.UnitsRemoved != 0 || len(report.PortsReleased) != 0 {
		t.Fatalf("freshly committed unit must survive, got %+v", report)
	}
	p, err := svc.GetProject(context.Background(), acc.ProjectID, "")
	if err != nil {
		t.Fatalf("get project: %v", err)
	}
	if p.BuildStatus != domain.BuildStatusBuilt || !p.HasExecutionUnit() {
		t.Fatalf("expected built project, got %+v", p)
	}
	if _, err := f.runtime.Inspect(context.Background(), p.ExecutionUnitID); err != nil {
		t.Fatalf("expected unit %s alive, got %v", p.ExecutionUnitID, err)
	}
	if !f.ports.Held(p.Port) {
		t.Fatalf("expected port %d still leased", p.Port)
	}
}

func TestReapOrphansKeepsUnitDeployingOnAnotherReplica(t *testing.T) {
	f := newFixture(t, newBlockingRunner(), Config{})
	lock := NewMemoryLock()
	gate := &gateProber{entered: make(chan int, 1), release: make(chan struct{})}

	allocA, err := ports.New(8080, 8089)
	if err != nil {
		t.Fatalf("ports: %v", err)
	}
	allocB, err := ports.New(8080, 8089)
	if err != nil {
		t.Fatalf("ports: %v", err)
	}
	a := f.replica(t, f.runtime, allocA, lock, gate)
	b := f.replica(t, f.runtime, allocB, lock, nil)

	acc, err := a.RequestBuild(context.Background(), BuildInput{OwnerID: "u1", Prompt: "todo app"})
	if err != nil {
		t.Fatalf("request build: %v", err)
	}
	select {
	case <-gate.entered:
	case <-time.After(5 * time.Second):
		close(gate.release)
		t.Fatalf("build never reached readiness")
	}

	report, err := b.ReapOrphans(context.Background())
	if err != nil {
		close(gate.release)
		t.Fatalf("reap: %v", err)
	}
	close(gate.release)
	a.Wait()

	if report.UnitsRemoved != 0 || f.runtime.Count() != 1 {
		t.Fatalf("deploying unit must survive another replica's reap, got %+v with %d units", report, f.runtime.Count())
	}
	p, err := a.GetProject(context.Background(), acc.ProjectID, "")
	if err != nil {
		t.Fatalf("get project: %v", err)
	}
	if p.BuildStatus != domain.BuildStatusBuilt {
		t.Fatalf("expected built, got %s (%s)", p.BuildStatus, p.Diagnostics)
	}
	if _, err := f.runtime.Inspect(context.Background(), p.ExecutionUnitID); err != nil {
		t.Fatalf("expected unit alive, got %v", err)
	}
}

func TestReapOrphansRemovesAbandonedBuildUnit(t *testing.T) {
	f := newFixture(t, newBlockingRunner(), Config{})
	f.seed(t, domain.Project{ID: "p1", OwnerID: "u1", BuildID: "b2", BuildStatus: domain.BuildStatusBuilding})
	unit, err := f.runtime.Run(context.Background(), runtime.RunRequest{ProjectID: "p1", BuildID: "b2", Image: "img", Port: 8084})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if err := f.ports.Claim(8084, unit.ID); err != nil {
		t.Fatalf("claim: %v", err)
	}

	report, err := f.svc.ReapOrphans(context.Background())
	if err != nil {
		t.Fatalf("reap: %v", err)
	}
	if report.UnitsRemoved != 1 || len(report.PortsReleased) != 1 || report.PortsReleased[0] != 8084 {
		t.Fatalf("unit of a build nobody holds must be reaped, got %+v", report)
	}
}

func TestReapOrphansTearsDownIdleUnits(t *testing.T) {
	f := newFixture(t, nil, Config{UnitIdleTTL: time.Hour})
	acc, err := f.svc.RequestBuild(context.Background(), BuildInput{OwnerID: "u1", Prompt: "todo app"})
	if err != nil {
		t.Fatalf("request build: %v", err)
	}
	f.svc.Wait()
	f.svc.now = func() time.Time { return time.Now().Add(2 * time.Hour) }

	report, err := f.svc.ReapOrphans(context.Background())
	if err != nil {
		t.Fatalf("reap: %v", err)
	}
	if report.IdleTornDown != 1 || f.runtime.Count() != 0 {
		t.Fatalf("expected idle unit torn down, got %+v with %d units", report, f.runtime.Count())
	}
	p, _ := f.svc.GetProject(context.Background(), acc.ProjectID, "")
	if p.HasExecutionUnit() {
		t.Fatalf("expected reference cleared")
	}
}

func TestRecoverClaimsPortsAndFailsInterruptedBuilds(t *testing.T) {
	f := newFixture(t, newBlockingRunner(), Config{})
	unit, err := f.runtime.Run(context.Background(), runtime.RunRequest{ProjectID: "live", BuildID: "b1", Image: "img", Port: 8083})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	built := time.Now().UTC()
	f.seed(t, domain.Project{
		ID: "live", OwnerID: "u1", BuildID: "b1", BuildStatus: domain.BuildStatusBuilt,
		ExecutionUnitID: unit.ID, Port: 8083, PreviewURL: "http://localhost:8083", LastBuiltAt: &built,
	})
	f.seed(t, domain.Project{ID: "stuck", OwnerID: "u1", BuildID: "b9", BuildStatus: domain.BuildStatusBuilding})
	for _, status := range []string{domain.StageStarted, domain.StageCompleted} {
		if err := f.events.Record(context.Background(), &domain.BuildStageEvent{ProjectID: "stuck", BuildID: "b9", Stage: domain.StageAIAnalysis, Status: status}); err != nil {
			t.Fatalf("record: %v", err)
		}
	}
	if err := f.events.Record(context.Background(), &domain.BuildStageEvent{ProjectID: "stuck", BuildID: "b9", Stage: domain.StageCodeGen, Status: domain.StageStarted}); err != nil {
		t.Fatalf("record: %v", err)
	}

	report, err := f.svc.Recover(context.Background())
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if report.PortsClaimed != 1 || report.Interrupted != 1 || report.Reap.UnitsRemoved != 0 {
		t.Fatalf("unexpected report %+v", report)
	}
	if snap := f.ports.Snapshot(); len(snap) != 1 || snap[0].Port != 8083 || snap[0].UnitID != unit.ID {
		t.Fatalf("expected claimed lease for live unit, got %+v", snap)
	}
	evs, _ := f.events.List(context.Background(), "stuck", 0)
	last := evs[len(evs)-1]
	if last.Stage != domain.StageCodeGen || last.Status != domain.StageFailed {
		t.Fatalf("expected code_gen:failed appended, got %s:%s", last.Stage, last.Status)
	}
	p, _ := f.svc.GetProject(context.Background(), "stuck", "")
	if p.BuildStatus != domain.BuildStatusFailed {
		t.Fatalf("expected interrupted build failed, got %s", p.BuildStatus)
	}
}

func TestShutdownRejectsNewBuilds(t *testing.T) {
	runner := newBlockingRunner()
	f := newFixture(t, runner, Config{})
	if _, err := f.svc.RequestBuild(context.Background(), BuildInput{Prompt: "todo app"}); err != nil {
		t.Fatalf("request build: %v", err)
	}
	<-runner.started
	if err := f.svc.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if _, err := f.svc.RequestBuild(context.Background(), BuildInput{Prompt: "todo app"}); !errors.Is(err, ErrShuttingDown) {
		t.Fatalf("expected shutting down error, got %v", err)
	}
}

func TestMemoryLockTokens(t *testing.T) {
	lock := NewMemoryLock()
	ctx := context.Background()
	if ok, _ := lock.Acquire(ctx, "p", "a"); !ok {
		t.Fatalf("expected first acquire")
	}
	if ok, _ := lock.Acquire(ctx, "p", "b"); ok {
		t.Fatalf("expected second acquire to fail")
	}
	_ = lock.Release(ctx, "p", "b")
	if held, _ := lock.Held(ctx, "p"); !held {
		t.Fatalf("release with foreign token must not unlock")
	}
	_ = lock.Release(ctx, "p", "a")
	if held, _ := lock.Held(ctx, "p"); held {
		t.Fatalf("expected lock released")
	}
}
