package runtime

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/eyes-pick/kapsules/internal/domain"
)

// Unit statuses.
const (
	StatusRunning = "running"
	StatusStopped = "stopped"
	StatusRemoved = "removed"
)

var (
	// ErrNotFound is returned when an execution unit does not exist.
	ErrNotFound = fmt.Errorf("execution unit: %w", domain.ErrNotFound)
	// ErrPortInUse is returned when the host port could not be bound.
	ErrPortInUse = fmt.Errorf("host port in use: %w", domain.ErrRuntime)
	// ErrUnavailable is returned when the backend cannot be reached.
	ErrUnavailable = errors.New("runtime backend unavailable")
)

// Unit is a running (or stopped) instance of a built image.
type Unit struct {
	ID        string    `json:"id"`
	ProjectID string    `json:"project_id"`
	BuildID   string    `json:"build_id"`
	Image     string    `json:"image"`
	Port      int       `json:"port"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

// RunRequest describes a unit to start.
type RunRequest struct {
	ProjectID     string
	BuildID       string
	Image         string
	Port          int
	ContainerPort int
	Env           []string
}

// Adapter runs execution units for built images.
type Adapter interface {
	Run(ctx context.Context, req RunRequest) (Unit, error)
	Inspect(ctx context.Context, unitID string) (Unit, error)
	Stop(ctx context.Context, unitID string) error
	// Remove stops and deletes the unit. Removing a missing unit succeeds.
	Remove(ctx context.Context, unitID string) error
	// List returns every unit this adapter manages.
	List(ctx context.Context) ([]Unit, error)
	Ping(ctx context.Context) error
}

// PruneOrphans removes every managed unit for which keep returns false and
// returns the number removed.
func PruneOrphans(ctx context.Context, adapter Adapter, keep func(Unit) bool) (int, error) {
	units, err := adapter.List(ctx)
	if err != nil {
		return 0, err
	}
	removed := 0
	var errs []error
	for _, unit := range units {
		if keep(unit) {
			continue
		}
		if err := adapter.Remove(ctx, unit.ID); err != nil {
			errs = append(errs, fmt.Errorf("remove %s: %w", unit.ID, err))
			continue
		}
		removed++
	}
	return removed, errors.Join(errs...)
}
