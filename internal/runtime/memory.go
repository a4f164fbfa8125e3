package runtime

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/eyes-pick/kapsules/internal/domain"
)

// Memory is an in-process adapter that tracks units without starting
// anything. It is used for local development and tests.
type Memory struct {
	mu    sync.Mutex
	units map[string]Unit
	now   func() time.Time

	// RunErr, when set, is returned by the next Run calls.
	RunErr error
	// RunDelay blocks Run until it elapses or ctx is done.
	RunDelay time.Duration
}

// NewMemory constructs an empty in-memory adapter.
func NewMemory() *Memory {
	return &Memory{units: make(map[string]Unit), now: time.Now}
}

func (m *Memory) Run(ctx context.Context, req RunRequest) (Unit, error) {
	if m.RunDelay > 0 {
		select {
		case <-ctx.Done():
			return Unit{}, fmt.Errorf("run %s: %w: %v", req.Image, domain.ErrRuntime, ctx.Err())
		case <-time.After(m.RunDelay):
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.RunErr != nil {
		return Unit{}, m.RunErr
	}
	for _, u := range m.units {
		if u.Status == StatusRunning && u.Port == req.Port {
			return Unit{}, fmt.Errorf("run %s on %d: %w", req.Image, req.Port, ErrPortInUse)
		}
	}
	unit := Unit{
		ID:        uuid.NewString(),
		ProjectID: req.ProjectID,
		BuildID:   req.BuildID,
		Image:     req.Image,
		Port:      req.Port,
		Status:    StatusRunning,
		CreatedAt: m.now(),
	}
	m.units[unit.ID] = unit
	return unit, nil
}

func (m *Memory) Inspect(ctx context.Context, unitID string) (Unit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	unit, ok := m.units[unitID]
	if !ok {
		return Unit{}, ErrNotFound
	}
	return unit, nil
}

func (m *Memory) Stop(ctx context.Context, unitID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	unit, ok := m.units[unitID]
	if !ok {
		return nil
	}
	unit.Status = StatusStopped
	m.units[unitID] = unit
	return nil
}

func (m *Memory) Remove(ctx context.Context, unitID string) error {
	m.mu.Lock()
	delete(m.units, unitID)
	m.mu.Unlock()
	return nil
}

func (m *Memory) List(ctx context.Context) ([]Unit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	units := make([]Unit, 0, len(m.units))
	for _, u := range m.units {
		units = append(units, u)
	}
	sort.Slice(units, func(i, j int) bool { return units[i].CreatedAt.Before(units[j].CreatedAt) })
	return units, nil
}

func (m *Memory) Ping(context.Context) error {
	return nil
}

// Kill marks a unit as stopped as if it had crashed.
func (m *Memory) Kill(unitID string) {
	_ = m.Stop(context.Background(), unitID)
}

// Count returns the number of tracked units.
func (m *Memory) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.units)
}
