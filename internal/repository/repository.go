package repository

import (
	"context"

	"github.com/eyes-pick/kapsules/internal/domain"
)

// ProjectRepository persists projects and their build summary.
type ProjectRepository interface {
	CreateProject(ctx context.Context, project *domain.Project) error
	GetProject(ctx context.Context, projectID string) (*domain.Project, error)
	// ListProjects returns projects newest first. An empty ownerID lists all.
	ListProjects(ctx context.Context, ownerID string, limit int) ([]domain.Project, error)
	ListProjectsByStatus(ctx context.Context, statuses ...string) ([]domain.Project, error)
	// QueueBuild resets the project to pending for a new pipeline run.
	QueueBuild(ctx context.Context, req domain.BuildRequest) error
	// UpdateBuildStatus changes status. A non-empty BuildID must match the
	// project's current build or ErrStaleBuild is returned.
	UpdateBuildStatus(ctx context.Context, update domain.StatusUpdate) error
	// CompleteBuild marks the build built and swaps in the new execution unit.
	CompleteBuild(ctx context.Context, completion domain.BuildCompletion) error
	// ClearExecution drops the execution unit reference if it still matches.
	// It reports whether a reference was cleared.
	ClearExecution(ctx context.Context, clear domain.ExecutionClear) (bool, error)
	ListExecutionRefs(ctx context.Context) ([]domain.ExecutionRef, error)
	DeleteProject(ctx context.Context, projectID string) error
}

// EventRepository stores the append-only build stage log.
type EventRepository interface {
	// AppendEvent assigns the next per-project sequence and stores the event.
	AppendEvent(ctx context.Context, event *domain.BuildStageEvent) error
	// ListEvents returns events in sequence order. limit > 0 keeps the latest.
	ListEvents(ctx context.Context, projectID string, limit int) ([]domain.BuildStageEvent, error)
	DeleteEvents(ctx context.Context, projectID string) error
}

// Store bundles every repository with lifecycle hooks.
type Store interface {
	ProjectRepository
	EventRepository
	Ping(ctx context.Context) error
	Close() error
}
