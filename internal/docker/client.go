package docker

import (
	"context"
	"fmt"

	"github.com/docker/docker/client"
)

// Client wraps the Docker SDK client with the operations kapsules needs.
type Client struct {
	inner *client.Client
}

// New creates a Docker client from the environment, optionally pinned to host.
func New(host string) (*Client, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if host != "" {
		opts = append(opts, client.WithHost(host))
	}
	inner, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	return &Client{inner: inner}, nil
}

// Ping validates connectivity to the Docker daemon.
func (c *Client) Ping(ctx context.Context) error {
	if err := c.ready(); err != nil {
		return err
	}
	ping, err := c.inner.Ping(ctx)
	if err != nil {
		return fmt.Errorf("docker ping: %w", err)
	}
	if ping.APIVersion == "" {
		return fmt.Errorf("docker ping returned empty API version")
	}
	return nil
}

// Close releases resources held by the Docker client.
func (c *Client) Close() error {
	if c == nil || c.inner == nil {
		return nil
	}
	return c.inner.Close()
}

func (c *Client) ready() error {
	if c == nil || c.inner == nil {
		return ErrNotInitialized
	}
	return nil
}

// Labels attached to every image and container kapsules creates.
const (
	LabelManaged = "kapsules.managed"
	LabelProject = "kapsules.project"
	LabelBuild   = "kapsules.build"
)

// ManagedLabels returns the label set identifying a project build.
func ManagedLabels(projectID, buildID string) map[string]string {
	return map[string]string{
		LabelManaged: "true",
		LabelProject: projectID,
		LabelBuild:   buildID,
	}
}
