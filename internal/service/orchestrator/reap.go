package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/eyes-pick/kapsules/internal/domain"
	"github.com/eyes-pick/kapsules/internal/repository"
	"github.com/eyes-pick/kapsules/internal/runtime"
)

// ReapReport summarises one maintenance pass.
type ReapReport struct {
	UnitsRemoved  int   `json:"units_removed"`
	PortsReleased []int `json:"ports_released"`
	StaleRefs     int   `json:"stale_refs"`
	IdleTornDown  int   `json:"idle_torn_down"`
}

// ReapOrphans clears project references to vanished units, tears down idle
// units, removes units no project tracks and releases ports whose unit is gone.
func (s *Service) ReapOrphans(ctx context.Context) (ReapReport, error) {
	report := ReapReport{PortsReleased: []int{}}

	sctx, cancel := s.storeContext(ctx)
	refs, err := s.store.ListExecutionRefs(sctx)
	cancel()
	if err != nil {
		return report, fmt.Errorf("list execution refs: %w", storeErr(err))
	}
	rctx, cancelRuntime := context.WithTimeout(ctx, s.cfg.RuntimeTimeout)
	units, err := s.runtime.List(rctx)
	cancelRuntime()
	if err != nil {
		return report, fmt.Errorf("list units: %w", err)
	}
	byID := make(map[string]runtime.Unit, len(units))
	for _, u := range units {
		byID[u.ID] = u
	}

	var errs []error
	referenced := make(map[string]struct{}, len(refs))
	for _, ref := range refs {
		if s.buildInProgress(ctx, ref.ProjectID) {
			referenced[ref.ExecutionUnitID] = struct{}{}
			continue
		}
		unit, exists := byID[ref.ExecutionUnitID]
		switch {
		case !exists || unit.Status != runtime.StatusRunning:
			if err := s.clearStale(ctx, ref, exists); err != nil {
				errs = append(errs, err)
				referenced[ref.ExecutionUnitID] = struct{}{}
				continue
			}
			report.StaleRefs++
		case s.idle(ref):
			if err := s.teardownRef(ctx, ref); err != nil {
				errs = append(errs, err)
				referenced[ref.ExecutionUnitID] = struct{}{}
				continue
			}
			report.IdleTornDown++
		default:
			referenced[ref.ExecutionUnitID] = struct{}{}
		}
	}

	// refs may predate a commit, so every candidate is checked against its
	// project as it is now.
	pctx, cancelPrune := context.WithTimeout(ctx, s.cfg.RuntimeTimeout)
	removed, err := runtime.PruneOrphans(pctx, s.runtime, func(u runtime.Unit) bool {
		if _, ok := referenced[u.ID]; ok {
			return true
		}
		return s.claimedUnit(ctx, u)
	})
	cancelPrune()
	report.UnitsRemoved = removed
	if err != nil {
		errs = append(errs, err)
	}

	released, err := s.releaseDeadLeases(ctx)
	report.PortsReleased = append(report.PortsReleased, released...)
	if err != nil {
		errs = append(errs, err)
	}

	if report.UnitsRemoved > 0 || len(report.PortsReleased) > 0 || report.StaleRefs > 0 || report.IdleTornDown > 0 {
		s.logger.Info("reaped orphans",
			"units_removed", report.UnitsRemoved,
			"ports_released", report.PortsReleased,
			"stale_refs", report.StaleRefs,
			"idle_torn_down", report.IdleTornDown,
		)
	}
	return report, errors.Join(errs...)
}

// ownsInFlightUnit keeps units started by a running pipeline that has not
// committed its reference yet.
func (s *Service) ownsInFlightUnit(u runtime.Unit) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	flight, ok := s.active[u.ProjectID]
	return ok && flight.buildID == u.BuildID
}

// buildInProgress reports whether any replica sharing the build lock is
// running a pipeline for the project. Lock errors count as busy.
func (s *Service) buildInProgress(ctx context.Context, projectID string) bool {
	if s.InFlight(projectID) {
		return true
	}
	held, err := s.lock.Held(ctx, projectID)
	if err != nil {
		s.logger.Warn("build lock check failed", "project_id", projectID, "error", err)
		return true
	}
	return held
}

// claimedUnit re-reads the project a unit is labelled with and keeps the unit
// while the project references it or is still deploying it.
func (s *Service) claimedUnit(ctx context.Context, u runtime.Unit) bool {
	if s.ownsInFlightUnit(u) {
		return true
	}
	if u.ProjectID == "" {
		return false
	}
	sctx, cancel := s.storeContext(ctx)
	project, err := s.store.GetProject(sctx, u.ProjectID)
	cancel()
	switch {
	case errors.Is(err, repository.ErrNotFound):
		return false
	case err != nil:
		s.logger.Warn("keeping unit, project lookup failed", "unit_id", u.ID, "project_id", u.ProjectID, "error", err)
		return true
	}
	if project.ExecutionUnitID == u.ID {
		return true
	}
	return project.BuildID == u.BuildID && project.InFlight() && s.buildInProgress(ctx, project.ID)
}

// releaseDeadLeases frees bound ports whose unit is gone. Each candidate is
// confirmed with Inspect and released only if the lease still names it.
func (s *Service) releaseDeadLeases(ctx context.Context) ([]int, error) {
	rctx, cancel := context.WithTimeout(ctx, s.cfg.RuntimeTimeout)
	defer cancel()
	units, err := s.runtime.List(rctx)
	if err != nil {
		return nil, fmt.Errorf("list units after prune: %w", err)
	}
	live := make(map[string]struct{}, len(units))
	for _, u := range units {
		live[u.ID] = struct{}{}
	}

	var (
		released []int
		errs     []error
	)
	for _, lease := range s.ports.Snapshot() {
		if !lease.Bound() {
			continue
		}
		if _, ok := live[lease.UnitID]; ok {
			continue
		}
		_, err := s.runtime.Inspect(rctx, lease.UnitID)
		switch {
		case err == nil:
			continue
		case !errors.Is(err, runtime.ErrNotFound):
			errs = append(errs, fmt.Errorf("inspect unit %s: %w", lease.UnitID, err))
			continue
		}
		if s.ports.ReleaseUnit(lease.Port, lease.UnitID) {
			released = append(released, lease.Port)
		}
	}
	sort.Ints(released)
	return released, errors.Join(errs...)
}

func (s *Service) idle(ref domain.ExecutionRef) bool {
	if s.cfg.UnitIdleTTL <= 0 || ref.LastBuiltAt == nil {
		return false
	}
	return s.now().Sub(*ref.LastBuiltAt) > s.cfg.UnitIdleTTL
}

func (s *Service) clearStale(ctx context.Context, ref domain.ExecutionRef, exists bool) error {
	project := refProject(ref)
	if !exists {
		// Nothing to remove; only the reference and lease remain.
		s.ports.ReleaseUnit(ref.Port, ref.ExecutionUnitID)
		sctx, cancel := s.storeContext(ctx)
		defer cancel()
		_, err := s.store.ClearExecution(sctx, domain.ExecutionClear{
			ProjectID:       ref.ProjectID,
			ExecutionUnitID: ref.ExecutionUnitID,
			Status:          domain.BuildStatusFailed,
			Diagnostics:     staleDiagnostics(ref.ExecutionUnitID),
			UpdatedAt:       s.now().UTC(),
		})
		if err != nil {
			return fmt.Errorf("clear stale reference for %s: %w", ref.ProjectID, storeErr(err))
		}
		s.logger.Warn("cleared stale execution reference", "project_id", ref.ProjectID, "unit_id", ref.ExecutionUnitID)
		return nil
	}
	return s.teardown(ctx, project, domain.BuildStatusFailed, staleDiagnostics(ref.ExecutionUnitID))
}

func (s *Service) teardownRef(ctx context.Context, ref domain.ExecutionRef) error {
	s.logger.Info("tearing down idle unit", "project_id", ref.ProjectID, "unit_id", ref.ExecutionUnitID)
	return s.teardown(ctx, refProject(ref), domain.BuildStatusPending, "")
}

func refProject(ref domain.ExecutionRef) *domain.Project {
	return &domain.Project{
		ID:              ref.ProjectID,
		BuildID:         ref.BuildID,
		BuildStatus:     ref.BuildStatus,
		ExecutionUnitID: ref.ExecutionUnitID,
		Port:            ref.Port,
		ImageRef:        ref.ImageRef,
	}
}

func staleDiagnostics(unitID string) string {
	return fmt.Sprintf("execution unit %s is no longer running; request a new build", unitID)
}

// RecoverReport summarises startup recovery.
type RecoverReport struct {
	PortsClaimed int        `json:"ports_claimed"`
	Interrupted  int        `json:"interrupted"`
	Reap         ReapReport `json:"reap"`
}

// Recover rebuilds in-process state after a restart: it re-claims ports of
// referenced units, fails builds left pending or building, then reaps.
func (s *Service) Recover(ctx context.Context) (RecoverReport, error) {
	var report RecoverReport

	sctx, cancel := s.storeContext(ctx)
	refs, err := s.store.ListExecutionRefs(sctx)
	cancel()
	if err != nil {
		return report, fmt.Errorf("list execution refs: %w", storeErr(err))
	}
	for _, ref := range refs {
		if ref.Port == 0 {
			continue
		}
		if err := s.ports.Claim(ref.Port, ref.ExecutionUnitID); err != nil {
			s.logger.Warn("cannot claim port for unit", "project_id", ref.ProjectID, "port", ref.Port, "error", err)
			continue
		}
		report.PortsClaimed++
	}

	sctx, cancel = s.storeContext(ctx)
	stuck, err := s.store.ListProjectsByStatus(sctx, domain.BuildStatusPending, domain.BuildStatusBuilding)
	cancel()
	if err != nil {
		return report, fmt.Errorf("list interrupted builds: %w", storeErr(err))
	}
	for _, p := range stuck {
		if !p.InFlight() || s.InFlight(p.ID) {
			continue
		}
		held, err := s.lock.Held(ctx, p.ID)
		if err != nil {
			s.logger.Warn("build lock check failed", "project_id", p.ID, "error", err)
			continue
		}
		if held {
			continue
		}
		if err := s.failInterrupted(ctx, p); err != nil {
			s.logger.Warn("failed to mark interrupted build", "project_id", p.ID, "error", err)
			continue
		}
		report.Interrupted++
	}

	report.Reap, err = s.ReapOrphans(ctx)
	s.logger.Info("recovery complete",
		"ports_claimed", report.PortsClaimed,
		"interrupted", report.Interrupted,
		"units_removed", report.Reap.UnitsRemoved,
	)
	return report, err
}

func (s *Service) failInterrupted(ctx context.Context, p domain.Project) error {
	const message = "build interrupted by orchestrator restart"
	events, err := s.events.List(ctx, p.ID, 0)
	if err != nil {
		return storeErr(err)
	}
	if stage, open := domain.LastStarted(events, p.BuildID); open {
		ev := &domain.BuildStageEvent{
			ProjectID: p.ID,
			BuildID:   p.BuildID,
			Stage:     stage,
			Status:    domain.StageFailed,
			Message:   message,
			Metadata:  []byte(`{"error_kind":"internal"}`),
		}
		if err := s.events.Record(ctx, ev); err != nil {
			return storeErr(err)
		}
	}
	diagnostics := message
	sctx, cancel := s.storeContext(ctx)
	defer cancel()
	err = s.store.UpdateBuildStatus(sctx, domain.StatusUpdate{
		ProjectID:   p.ID,
		BuildID:     p.BuildID,
		Status:      domain.BuildStatusFailed,
		Diagnostics: &diagnostics,
		UpdatedAt:   s.now().UTC(),
	})
	if err != nil {
		return storeErr(err)
	}
	s.logger.Warn("marked interrupted build failed", "project_id", p.ID, "build_id", p.BuildID)
	return nil
}
