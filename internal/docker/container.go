package docker

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/errdefs"
	"github.com/docker/go-connections/nat"
)

// RunOptions describes a container bound to a single host port.
type RunOptions struct {
	Name          string
	Image         string
	Env           []string
	Labels        map[string]string
	HostPort      int
	ContainerPort int
}

// ContainerInfo captures runtime details about a container.
type ContainerInfo struct {
	ID        string
	Name      string
	Image     string
	Labels    map[string]string
	State     string
	Running   bool
	HostPort  int
	CreatedAt time.Time
}

// RunContainer creates and starts a container publishing ContainerPort on HostPort.
func (c *Client) RunContainer(ctx context.Context, opts RunOptions) (ContainerInfo, error) {
	if err := c.ready(); err != nil {
		return ContainerInfo{}, err
	}
	if strings.TrimSpace(opts.Image) == "" {
		return ContainerInfo{}, fmt.Errorf("image name cannot be empty")
	}
	if opts.HostPort <= 0 || opts.ContainerPort <= 0 {
		return ContainerInfo{}, fmt.Errorf("invalid port mapping %d:%d", opts.HostPort, opts.ContainerPort)
	}

	port, err := nat.NewPort("tcp", strconv.Itoa(opts.ContainerPort))
	if err != nil {
		return ContainerInfo{}, fmt.Errorf("container port: %w", err)
	}
	cfg := &container.Config{
		Image:        opts.Image,
		Env:          opts.Env,
		Labels:       opts.Labels,
		ExposedPorts: nat.PortSet{port: struct{}{}},
	}
	hostCfg := &container.HostConfig{
		PortBindings: nat.PortMap{
			port: []nat.PortBinding{{HostIP: "0.0.0.0", HostPort: strconv.Itoa(opts.HostPort)}},
		},
		RestartPolicy: container.RestartPolicy{Name: container.RestartPolicyUnlessStopped},
	}

	created, err := c.inner.ContainerCreate(ctx, cfg, hostCfg, nil, nil, opts.Name)
	if err != nil {
		return ContainerInfo{}, fmt.Errorf("container create: %w", err)
	}
	if err := c.inner.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		_ = c.inner.ContainerRemove(context.WithoutCancel(ctx), created.ID, container.RemoveOptions{Force: true})
		if strings.Contains(strings.ToLower(err.Error()), "port is already allocated") {
			return ContainerInfo{}, fmt.Errorf("container start: %w: %v", ErrPortAllocated, err)
		}
		return ContainerInfo{}, fmt.Errorf("container start: %w", err)
	}
	return c.InspectContainer(ctx, created.ID)
}

// InspectContainer returns the state of a container. ErrNotFound is returned
// when the daemon does not know the id.
func (c *Client) InspectContainer(ctx context.Context, id string) (ContainerInfo, error) {
	if err := c.ready(); err != nil {
		return ContainerInfo{}, err
	}
	inspect, err := c.inner.ContainerInspect(ctx, id)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return ContainerInfo{}, fmt.Errorf("inspect %s: %w", id, ErrNotFound)
		}
		return ContainerInfo{}, fmt.Errorf("container inspect: %w", err)
	}

	info := ContainerInfo{
		ID:   inspect.ID,
		Name: strings.TrimPrefix(inspect.Name, "/"),
	}
	if inspect.Config != nil {
		info.Image = inspect.Config.Image
		info.Labels = inspect.Config.Labels
	}
	if inspect.State != nil {
		info.State = inspect.State.Status
		info.Running = inspect.State.Running
	}
	if created, err := time.Parse(time.RFC3339Nano, inspect.Created); err == nil {
		info.CreatedAt = created
	}
	if inspect.NetworkSettings != nil {
		info.HostPort = firstHostPort(inspect.NetworkSettings.Ports)
	}
	return info, nil
}

// StopContainer stops a running container. Missing containers are ignored.
func (c *Client) StopContainer(ctx context.Context, id string, grace time.Duration) error {
	if err := c.ready(); err != nil {
		return err
	}
	seconds := int(grace.Seconds())
	if err := c.inner.ContainerStop(ctx, id, container.StopOptions{Timeout: &seconds}); err != nil {
		if errdefs.IsNotFound(err) {
			return nil
		}
		return fmt.Errorf("stop container: %w", err)
	}
	return nil
}

// RemoveContainer force-removes a container. Missing containers are ignored.
func (c *Client) RemoveContainer(ctx context.Context, id string) error {
	if err := c.ready(); err != nil {
		return err
	}
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("container id cannot be empty")
	}
	if err := c.inner.ContainerRemove(ctx, id, container.RemoveOptions{Force: true, RemoveVolumes: true}); err != nil {
		if errdefs.IsNotFound(err) {
			return nil
		}
		return fmt.Errorf("remove container: %w", err)
	}
	return nil
}

// ListContainers returns every container, running or not, carrying label.
func (c *Client) ListContainers(ctx context.Context, label string) ([]ContainerInfo, error) {
	if err := c.ready(); err != nil {
		return nil, err
	}
	summaries, err := c.inner.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", label)),
	})
	if err != nil {
		return nil, fmt.Errorf("list containers: %w", err)
	}
	out := make([]ContainerInfo, 0, len(summaries))
	for _, s := range summaries {
		info := ContainerInfo{
			ID:        s.ID,
			Image:     s.Image,
			Labels:    s.Labels,
			State:     s.State,
			Running:   s.State == "running",
			CreatedAt: time.Unix(s.Created, 0).UTC(),
		}
		if len(s.Names) > 0 {
			info.Name = strings.TrimPrefix(s.Names[0], "/")
		}
		for _, p := range s.Ports {
			if p.PublicPort != 0 {
				info.HostPort = int(p.PublicPort)
				break
			}
		}
		out = append(out, info)
	}
	return out, nil
}

func firstHostPort(ports nat.PortMap) int {
	for _, bindings := range ports {
		for _, binding := range bindings {
			if port, err := strconv.Atoi(strings.TrimSpace(binding.HostPort)); err == nil && port > 0 {
				return port
			}
		}
	}
	return 0
}
