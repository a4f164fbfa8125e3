// Package repotest holds behaviour checks shared by every repository.Store.
package repotest

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/eyes-pick/kapsules/internal/domain"
	"github.com/eyes-pick/kapsules/internal/repository"
)

// Run exercises store against the repository contract.
func Run(t *testing.T, newStore func(t *testing.T) repository.Store) {
	t.Run("ProjectLifecycle", func(t *testing.T) { testProjectLifecycle(t, newStore(t)) })
	t.Run("StaleBuildRejected", func(t *testing.T) { testStaleBuild(t, newStore(t)) })
	t.Run("ClearExecutionCompareAndClear", func(t *testing.T) { testClearExecution(t, newStore(t)) })
	t.Run("EventSequence", func(t *testing.T) { testEventSequence(t, newStore(t)) })
	t.Run("ListProjects", func(t *testing.T) { testListProjects(t, newStore(t)) })
}

func newProject(id, owner string, created time.Time) *domain.Project {
	return &domain.Project{
		ID:              id,
		OwnerID:         owner,
		Title:           "Todo",
		Prompt:          "todo app",
		Template:        "default",
		BuildStatus:     domain.BuildStatusPending,
		AIModifications: []domain.AIModification{},
		Tags:            []string{"demo"},
		Technologies:    []string{"react", "vite"},
		CreatedAt:       created,
		UpdatedAt:       created,
	}
}

func testProjectLifecycle(t *testing.T, store repository.Store) {
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	if err := store.CreateProject(ctx, newProject("p1", "u1", now)); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := store.GetProject(ctx, "missing"); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}

	mod := &domain.AIModification{BuildID: "b1", Prompt: "add dark mode", RequestedAt: now}
	if err := store.QueueBuild(ctx, domain.BuildRequest{ProjectID: "p1", BuildID: "b1", Prompt: "add dark mode", Modification: mod, RequestedAt: now}); err != nil {
		t.Fatalf("queue: %v", err)
	}
	if err := store.UpdateBuildStatus(ctx, domain.StatusUpdate{ProjectID: "p1", BuildID: "b1", Status: domain.BuildStatusBuilding, UpdatedAt: now}); err != nil {
		t.Fatalf("update: %v", err)
	}

	interp := json.RawMessage(`{"provider":"heuristic"}`)
	if err := store.CompleteBuild(ctx, domain.BuildCompletion{
		ProjectID:        "p1",
		BuildID:          "b1",
		ExecutionUnitID:  "unit-1",
		Port:             8080,
		ImageRef:         "kapsules/project-p1:b1",
		PreviewURL:       "http://localhost:8080",
		SourceFiles:      map[string]string{"src/App.tsx": "app"},
		AIInterpretation: interp,
		CompletedAt:      now,
	}); err != nil {
		t.Fatalf("complete: %v", err)
	}

	got, err := store.GetProject(ctx, "p1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.BuildStatus != domain.BuildStatusBuilt || got.ExecutionUnitID != "unit-1" || got.Port != 8080 {
		t.Fatalf("unexpected project after completion: %+v", got)
	}
	if got.SourceFiles["src/App.tsx"] != "app" || got.LastBuiltAt == nil {
		t.Fatalf("expected source files and last built at, got %+v", got)
	}
	if len(got.AIModifications) != 1 || got.AIModifications[0].Prompt != "add dark mode" {
		t.Fatalf("unexpected modifications %+v", got.AIModifications)
	}
	if len(got.Technologies) != 2 || got.Tags[0] != "demo" {
		t.Fatalf("unexpected tags %v / %v", got.Tags, got.Technologies)
	}

	refs, err := store.ListExecutionRefs(ctx)
	if err != nil {
		t.Fatalf("refs: %v", err)
	}
	if len(refs) != 1 || refs[0].ExecutionUnitID != "unit-1" || refs[0].Port != 8080 {
		t.Fatalf("unexpected refs %+v", refs)
	}

	if err := store.DeleteProject(ctx, "p1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := store.DeleteProject(ctx, "p1"); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expected not found on second delete, got %v", err)
	}
}

func testStaleBuild(t *testing.T, store repository.Store) {
	ctx := context.Background()
	now := time.Now().UTC()
	if err := store.CreateProject(ctx, newProject("p1", "u1", now)); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := store.QueueBuild(ctx, domain.BuildRequest{ProjectID: "p1", BuildID: "b2", Prompt: "x", RequestedAt: now}); err != nil {
		t.Fatalf("queue: %v", err)
	}
	err := store.UpdateBuildStatus(ctx, domain.StatusUpdate{ProjectID: "p1", BuildID: "b1", Status: domain.BuildStatusFailed, UpdatedAt: now})
	if !errors.Is(err, repository.ErrStaleBuild) {
		t.Fatalf("expected stale build, got %v", err)
	}
	err = store.CompleteBuild(ctx, domain.BuildCompletion{ProjectID: "p1", BuildID: "b1", ExecutionUnitID: "u", CompletedAt: now})
	if !errors.Is(err, repository.ErrStaleBuild) {
		t.Fatalf("expected stale build on completion, got %v", err)
	}
	if err := store.UpdateBuildStatus(ctx, domain.StatusUpdate{ProjectID: "missing", Status: domain.BuildStatusFailed, UpdatedAt: now}); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func testClearExecution(t *testing.T, store repository.Store) {
	ctx := context.Background()
	now := time.Now().UTC()
	if err := store.CreateProject(ctx, newProject("p1", "u1", now)); err != nil {
		t.Fatalf("create: %v", err)
	}
	_ = store.QueueBuild(ctx, domain.BuildRequest{ProjectID: "p1", BuildID: "b1", Prompt: "x", RequestedAt: now})
	if err := store.CompleteBuild(ctx, domain.BuildCompletion{ProjectID: "p1", BuildID: "b1", ExecutionUnitID: "unit-1", Port: 8080, CompletedAt: now}); err != nil {
		t.Fatalf("complete: %v", err)
	}

	cleared, err := store.ClearExecution(ctx, domain.ExecutionClear{ProjectID: "p1", ExecutionUnitID: "unit-other", Status: domain.BuildStatusPending, UpdatedAt: now})
	if err != nil || cleared {
		t.Fatalf("expected mismatched unit to be left alone, cleared=%v err=%v", cleared, err)
	}
	cleared, err = store.ClearExecution(ctx, domain.ExecutionClear{ProjectID: "p1", ExecutionUnitID: "unit-1", Status: domain.BuildStatusFailed, Diagnostics: "unit vanished", UpdatedAt: now})
	if err != nil || !cleared {
		t.Fatalf("expected clear, cleared=%v err=%v", cleared, err)
	}
	got, _ := store.GetProject(ctx, "p1")
	if got.ExecutionUnitID != "" || got.Port != 0 || got.PreviewURL != "" || got.BuildStatus != domain.BuildStatusFailed || got.Diagnostics != "unit vanished" {
		t.Fatalf("unexpected project after clear: %+v", got)
	}
	failed, err := store.ListProjectsByStatus(ctx, domain.BuildStatusFailed)
	if err != nil || len(failed) != 1 {
		t.Fatalf("expected one failed project, got %d (%v)", len(failed), err)
	}
}

func testEventSequence(t *testing.T, store repository.Store) {
	ctx := context.Background()
	now := time.Now().UTC()
	if err := store.CreateProject(ctx, newProject("p1", "u1", now)); err != nil {
		t.Fatalf("create: %v", err)
	}
	for i, stage := range domain.Stages {
		ev := &domain.BuildStageEvent{
			ID:        stage,
			ProjectID: "p1",
			BuildID:   "b1",
			Stage:     stage,
			Status:    domain.StageStarted,
			Metadata:  json.RawMessage(`{"i":1}`),
			CreatedAt: now.Add(time.Duration(i) * time.Millisecond),
		}
		if err := store.AppendEvent(ctx, ev); err != nil {
			t.Fatalf("append: %v", err)
		}
		if ev.Sequence != int64(i+1) {
			t.Fatalf("expected sequence %d, got %d", i+1, ev.Sequence)
		}
	}

	all, err := store.ListEvents(ctx, "p1", 0)
	if err != nil || len(all) != 4 {
		t.Fatalf("expected 4 events, got %d (%v)", len(all), err)
	}
	for i, ev := range all {
		if ev.Stage != domain.Stages[i] {
			t.Fatalf("event %d out of order: %s", i, ev.Stage)
		}
	}
	latest, _ := store.ListEvents(ctx, "p1", 2)
	if len(latest) != 2 || latest[0].Stage != domain.StageBuild || latest[1].Stage != domain.StageDeploy {
		t.Fatalf("unexpected latest events %+v", latest)
	}

	if err := store.DeleteEvents(ctx, "p1"); err != nil {
		t.Fatalf("delete events: %v", err)
	}
	if remaining, _ := store.ListEvents(ctx, "p1", 0); len(remaining) != 0 {
		t.Fatalf("expected events removed, got %d", len(remaining))
	}
}

func testListProjects(t *testing.T, store repository.Store) {
	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Second)
	_ = store.CreateProject(ctx, newProject("a", "u1", base))
	_ = store.CreateProject(ctx, newProject("b", "u2", base.Add(time.Second)))
	_ = store.CreateProject(ctx, newProject("c", "u1", base.Add(2*time.Second)))

	mine, err := store.ListProjects(ctx, "u1", 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(mine) != 2 || mine[0].ID != "c" || mine[1].ID != "a" {
		t.Fatalf("unexpected owner listing %+v", mine)
	}
	all, _ := store.ListProjects(ctx, "", 2)
	if len(all) != 2 || all[0].ID != "c" {
		t.Fatalf("unexpected limited listing %+v", all)
	}
}
