package runtime

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/eyes-pick/kapsules/internal/docker"
	"github.com/eyes-pick/kapsules/internal/domain"
)

// DockerClient is the subset of the Docker client used to manage units.
type DockerClient interface {
	RunContainer(ctx context.Context, opts docker.RunOptions) (docker.ContainerInfo, error)
	InspectContainer(ctx context.Context, id string) (docker.ContainerInfo, error)
	StopContainer(ctx context.Context, id string, grace time.Duration) error
	RemoveContainer(ctx context.Context, id string) error
	ListContainers(ctx context.Context, label string) ([]docker.ContainerInfo, error)
	Ping(ctx context.Context) error
}

// Docker runs execution units as Docker containers.
type Docker struct {
	client DockerClient
	grace  time.Duration
}

// NewDocker wraps a Docker client as a runtime adapter.
func NewDocker(client DockerClient) *Docker {
	return &Docker{client: client, grace: 10 * time.Second}
}

func (d *Docker) Run(ctx context.Context, req RunRequest) (Unit, error) {
	info, err := d.client.RunContainer(ctx, docker.RunOptions{
		Name:          containerName(req.ProjectID, req.BuildID),
		Image:         req.Image,
		Env:           append([]string{fmt.Sprintf("PORT=%d", req.ContainerPort)}, req.Env...),
		Labels:        docker.ManagedLabels(req.ProjectID, req.BuildID),
		HostPort:      req.Port,
		ContainerPort: req.ContainerPort,
	})
	if err != nil {
		if errors.Is(err, docker.ErrPortAllocated) {
			return Unit{}, fmt.Errorf("run %s: %w", req.Image, ErrPortInUse)
		}
		return Unit{}, fmt.Errorf("run %s: %w: %v", req.Image, domain.ErrRuntime, err)
	}
	unit := unitFromContainer(info)
	if unit.Port == 0 {
		unit.Port = req.Port
	}
	return unit, nil
}

func (d *Docker) Inspect(ctx context.Context, unitID string) (Unit, error) {
	info, err := d.client.InspectContainer(ctx, unitID)
	if err != nil {
		if errors.Is(err, docker.ErrNotFound) {
			return Unit{}, ErrNotFound
		}
		return Unit{}, fmt.Errorf("inspect %s: %w: %v", unitID, domain.ErrRuntime, err)
	}
	return unitFromContainer(info), nil
}

func (d *Docker) Stop(ctx context.Context, unitID string) error {
	if err := d.client.StopContainer(ctx, unitID, d.grace); err != nil {
		return fmt.Errorf("stop %s: %w: %v", unitID, domain.ErrRuntime, err)
	}
	return nil
}

func (d *Docker) Remove(ctx context.Context, unitID string) error {
	if strings.TrimSpace(unitID) == "" {
		return nil
	}
	if err := d.client.RemoveContainer(ctx, unitID); err != nil {
		return fmt.Errorf("remove %s: %w: %v", unitID, domain.ErrRuntime, err)
	}
	return nil
}

func (d *Docker) List(ctx context.Context) ([]Unit, error) {
	containers, err := d.client.ListContainers(ctx, docker.LabelManaged+"=true")
	if err != nil {
		return nil, fmt.Errorf("list units: %w: %v", domain.ErrRuntime, err)
	}
	units := make([]Unit, 0, len(containers))
	for _, c := range containers {
		units = append(units, unitFromContainer(c))
	}
	return units, nil
}

func (d *Docker) Ping(ctx context.Context) error {
	if err := d.client.Ping(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func unitFromContainer(info docker.ContainerInfo) Unit {
	status := StatusStopped
	if info.Running {
		status = StatusRunning
	}
	return Unit{
		ID:        info.ID,
		ProjectID: info.Labels[docker.LabelProject],
		BuildID:   info.Labels[docker.LabelBuild],
		Image:     info.Image,
		Port:      info.HostPort,
		Status:    status,
		CreatedAt: info.CreatedAt,
	}
}

func containerName(projectID, buildID string) string {
	name := "kapsule-" + projectID
	if len(buildID) >= 8 {
		name += "-" + buildID[:8]
	} else if buildID != "" {
		name += "-" + buildID
	}
	return strings.ToLower(name)
}
