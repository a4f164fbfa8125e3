package domain

import (
	"encoding/json"
	"time"
)

// Build statuses recorded on a project.
const (
	BuildStatusPending  = "pending"
	BuildStatusBuilding = "building"
	BuildStatusBuilt    = "built"
	BuildStatusFailed   = "failed"
)

// Project is a user-owned unit of work driven through the build pipeline.
type Project struct {
	ID               string            `json:"id"`
	OwnerID          string            `json:"user_id"`
	Title            string            `json:"title"`
	Description      string            `json:"description,omitempty"`
	Prompt           string            `json:"prompt"`
	Template         string            `json:"template"`
	BuildStatus      string            `json:"build_status"`
	BuildID          string            `json:"build_id,omitempty"`
	ExecutionUnitID  string            `json:"execution_unit_id,omitempty"`
	Port             int               `json:"port,omitempty"`
	ImageRef         string            `json:"docker_image_id,omitempty"`
	PreviewURL       string            `json:"preview_url,omitempty"`
	SourceFiles      map[string]string `json:"source_files,omitempty"`
	AIInterpretation json.RawMessage   `json:"ai_interpretation,omitempty"`
	AIModifications  []AIModification  `json:"ai_modifications"`
	Diagnostics      string            `json:"diagnostics,omitempty"`
	Tags             []string          `json:"tags"`
	Technologies     []string          `json:"technologies"`
	IsPublic         bool              `json:"is_public"`
	CreatedAt        time.Time         `json:"created_at"`
	UpdatedAt        time.Time         `json:"updated_at"`
	LastBuiltAt      *time.Time        `json:"last_built_at,omitempty"`
}

// HasExecutionUnit reports whether the project references a live execution unit.
func (p Project) HasExecutionUnit() bool {
	return p.ExecutionUnitID != ""
}

// InFlight reports whether the persisted status says a pipeline is running.
func (p Project) InFlight() bool {
	return p.BuildStatus == BuildStatusPending && p.BuildID != "" || p.BuildStatus == BuildStatusBuilding
}

// AIModification records one iteration prompt applied to an existing project.
type AIModification struct {
	BuildID     string    `json:"build_id"`
	Prompt      string    `json:"prompt"`
	RequestedAt time.Time `json:"requested_at"`
}

// BuildRequest marks a project as queued for a fresh pipeline run.
type BuildRequest struct {
	ProjectID    string
	BuildID      string
	Prompt       string
	Title        string
	Description  string
	Modification *AIModification
	RequestedAt  time.Time
}

// StatusUpdate changes a project's build status and diagnostics atomically.
// When BuildID is set the update only applies to that pipeline run.
type StatusUpdate struct {
	ProjectID   string
	BuildID     string
	Status      string
	Diagnostics *string
	UpdatedAt   time.Time
}

// BuildCompletion is the atomic swap performed when a pipeline reaches deploy:completed.
type BuildCompletion struct {
	ProjectID        string
	BuildID          string
	ExecutionUnitID  string
	Port             int
	ImageRef         string
	PreviewURL       string
	SourceFiles      map[string]string
	AIInterpretation json.RawMessage
	CompletedAt      time.Time
}

// ExecutionRef is the projection of a project that currently holds an execution unit.
type ExecutionRef struct {
	ProjectID       string
	BuildID         string
	ExecutionUnitID string
	Port            int
	ImageRef        string
	BuildStatus     string
	LastBuiltAt     *time.Time
}

// ExecutionClear removes a project's execution unit reference if it still matches.
type ExecutionClear struct {
	ProjectID       string
	ExecutionUnitID string
	Status          string
	Diagnostics     string
	UpdatedAt       time.Time
}
