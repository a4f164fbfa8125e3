package memory

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/eyes-pick/kapsules/internal/domain"
	"github.com/eyes-pick/kapsules/internal/repository"
)

// Store keeps projects and events in process memory.
type Store struct {
	mu       sync.RWMutex
	projects map[string]domain.Project
	events   map[string][]domain.BuildStageEvent
}

// New constructs an empty store.
func New() *Store {
	return &Store{
		projects: make(map[string]domain.Project),
		events:   make(map[string][]domain.BuildStageEvent),
	}
}

var _ repository.Store = (*Store)(nil)

func (s *Store) CreateProject(ctx context.Context, project *domain.Project) error {
	if project == nil || project.ID == "" {
		return repository.ErrInvalidArgument
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.projects[project.ID]; exists {
		return repository.ErrInvalidArgument
	}
	s.projects[project.ID] = cloneProject(*project)
	return nil
}

func (s *Store) GetProject(ctx context.Context, projectID string) (*domain.Project, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.projects[projectID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	out := cloneProject(p)
	return &out, nil
}

func (s *Store) ListProjects(ctx context.Context, ownerID string, limit int) ([]domain.Project, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Project, 0, len(s.projects))
	for _, p := range s.projects {
		if ownerID != "" && p.OwnerID != ownerID {
			continue
		}
		out = append(out, cloneProject(p))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) ListProjectsByStatus(ctx context.Context, statuses ...string) ([]domain.Project, error) {
	want := make(map[string]struct{}, len(statuses))
	for _, st := range statuses {
		want[st] = struct{}{}
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.Project
	for _, p := range s.projects {
		if _, ok := want[p.BuildStatus]; ok {
			out = append(out, cloneProject(p))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) QueueBuild(ctx context.Context, req domain.BuildRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.projects[req.ProjectID]
	if !ok {
		return repository.ErrNotFound
	}
	p.BuildStatus = domain.BuildStatusPending
	p.BuildID = req.BuildID
	p.Prompt = req.Prompt
	if req.Title != "" {
		p.Title = req.Title
	}
	if req.Description != "" {
		p.Description = req.Description
	}
	if req.Modification != nil {
		p.AIModifications = append(append([]domain.AIModification(nil), p.AIModifications...), *req.Modification)
	}
	p.Diagnostics = ""
	p.UpdatedAt = req.RequestedAt
	s.projects[p.ID] = p
	return nil
}

func (s *Store) UpdateBuildStatus(ctx context.Context, update domain.StatusUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.projects[update.ProjectID]
	if !ok {
		return repository.ErrNotFound
	}
	if update.BuildID != "" && p.BuildID != update.BuildID {
		return repository.ErrStaleBuild
	}
	p.BuildStatus = update.Status
	if update.Diagnostics != nil {
		p.Diagnostics = *update.Diagnostics
	}
	p.UpdatedAt = update.UpdatedAt
	s.projects[p.ID] = p
	return nil
}

func (s *Store) CompleteBuild(ctx context.Context, c domain.BuildCompletion) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.projects[c.ProjectID]
	if !ok {
		return repository.ErrNotFound
	}
	if p.BuildID != c.BuildID {
		return repository.ErrStaleBuild
	}
	completed := c.CompletedAt
	p.BuildStatus = domain.BuildStatusBuilt
	p.ExecutionUnitID = c.ExecutionUnitID
	p.Port = c.Port
	p.ImageRef = c.ImageRef
	p.PreviewURL = c.PreviewURL
	p.SourceFiles = cloneFiles(c.SourceFiles)
	p.AIInterpretation = append(json.RawMessage(nil), c.AIInterpretation...)
	p.Diagnostics = ""
	p.UpdatedAt = completed
	p.LastBuiltAt = &completed
	s.projects[p.ID] = p
	return nil
}

func (s *Store) ClearExecution(ctx context.Context, c domain.ExecutionClear) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.projects[c.ProjectID]
	if !ok {
		return false, repository.ErrNotFound
	}
	if p.ExecutionUnitID == "" || p.ExecutionUnitID != c.ExecutionUnitID {
		return false, nil
	}
	p.ExecutionUnitID = ""
	p.Port = 0
	p.PreviewURL = ""
	p.ImageRef = ""
	if c.Status != "" {
		p.BuildStatus = c.Status
	}
	if c.Diagnostics != "" {
		p.Diagnostics = c.Diagnostics
	}
	p.UpdatedAt = c.UpdatedAt
	s.projects[p.ID] = p
	return true, nil
}

func (s *Store) ListExecutionRefs(ctx context.Context) ([]domain.ExecutionRef, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var refs []domain.ExecutionRef
	for _, p := range s.projects {
		if p.ExecutionUnitID == "" {
			continue
		}
		refs = append(refs, domain.ExecutionRef{
			ProjectID:       p.ID,
			BuildID:         p.BuildID,
			ExecutionUnitID: p.ExecutionUnitID,
			Port:            p.Port,
			ImageRef:        p.ImageRef,
			BuildStatus:     p.BuildStatus,
			LastBuiltAt:     p.LastBuiltAt,
		})
	}
	sort.Slice(refs, func(i, j int) bool { return refs[i].ProjectID < refs[j].ProjectID })
	return refs, nil
}

func (s *Store) DeleteProject(ctx context.Context, projectID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.projects[projectID]; !ok {
		return repository.ErrNotFound
	}
	delete(s.projects, projectID)
	return nil
}

func (s *Store) AppendEvent(ctx context.Context, event *domain.BuildStageEvent) error {
	if event == nil || event.ProjectID == "" {
		return repository.ErrInvalidArgument
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	existing := s.events[event.ProjectID]
	event.Sequence = int64(len(existing)) + 1
	if n := len(existing); n > 0 {
		event.Sequence = existing[n-1].Sequence + 1
	}
	stored := *event
	stored.Metadata = append(json.RawMessage(nil), event.Metadata...)
	s.events[event.ProjectID] = append(existing, stored)
	return nil
}

func (s *Store) ListEvents(ctx context.Context, projectID string, limit int) ([]domain.BuildStageEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	events := s.events[projectID]
	if limit > 0 && len(events) > limit {
		events = events[len(events)-limit:]
	}
	return append([]domain.BuildStageEvent(nil), events...), nil
}

func (s *Store) DeleteEvents(ctx context.Context, projectID string) error {
	s.mu.Lock()
	delete(s.events, projectID)
	s.mu.Unlock()
	return nil
}

func (s *Store) Ping(context.Context) error { return nil }

func (s *Store) Close() error { return nil }

func cloneProject(p domain.Project) domain.Project {
	p.SourceFiles = cloneFiles(p.SourceFiles)
	p.AIModifications = append([]domain.AIModification{}, p.AIModifications...)
	p.Tags = append([]string{}, p.Tags...)
	p.Technologies = append([]string{}, p.Technologies...)
	p.AIInterpretation = append(json.RawMessage(nil), p.AIInterpretation...)
	if p.LastBuiltAt != nil {
		t := *p.LastBuiltAt
		p.LastBuiltAt = &t
	}
	return p
}

func cloneFiles(files map[string]string) map[string]string {
	if files == nil {
		return nil
	}
	out := make(map[string]string, len(files))
	for k, v := range files {
		out[k] = v
	}
	return out
}
