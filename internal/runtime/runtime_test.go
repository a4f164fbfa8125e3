package runtime

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/eyes-pick/kapsules/internal/docker"
	"github.com/eyes-pick/kapsules/internal/domain"
)

func TestMemoryRejectsBoundPort(t *testing.T) {
	mem := NewMemory()
	ctx := context.Background()

	unit, err := mem.Run(ctx, RunRequest{ProjectID: "p1", BuildID: "b1", Image: "img", Port: 8080})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if _, err := mem.Run(ctx, RunRequest{ProjectID: "p2", BuildID: "b2", Image: "img", Port: 8080}); !errors.Is(err, ErrPortInUse) {
		t.Fatalf("expected port in use, got %v", err)
	}

	if err := mem.Remove(ctx, unit.ID); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if err := mem.Remove(ctx, unit.ID); err != nil {
		t.Fatalf("second remove should succeed: %v", err)
	}
	if _, err := mem.Inspect(ctx, unit.ID); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found after remove, got %v", err)
	}
}

func TestPruneOrphansKeepsReferencedUnits(t *testing.T) {
	mem := NewMemory()
	ctx := context.Background()
	keep, _ := mem.Run(ctx, RunRequest{ProjectID: "p1", BuildID: "b1", Port: 8080})
	_, _ = mem.Run(ctx, RunRequest{ProjectID: "p2", BuildID: "b2", Port: 8081})
	_, _ = mem.Run(ctx, RunRequest{ProjectID: "p3", BuildID: "b3", Port: 8082})

	removed, err := PruneOrphans(ctx, mem, func(u Unit) bool { return u.ID == keep.ID })
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if removed != 2 || mem.Count() != 1 {
		t.Fatalf("expected 2 removed and 1 left, got %d removed, %d left", removed, mem.Count())
	}
}

type stubDockerClient struct {
	runErr     error
	inspectErr error
	running    docker.ContainerInfo
	listed     []docker.ContainerInfo
	removed    []string
	listLabel  string
}

func (s *stubDockerClient) RunContainer(ctx context.Context, opts docker.RunOptions) (docker.ContainerInfo, error) {
	if s.runErr != nil {
		return docker.ContainerInfo{}, s.runErr
	}
	s.running = docker.ContainerInfo{ID: "c1", Image: opts.Image, Labels: opts.Labels, Running: true, HostPort: opts.HostPort}
	return s.running, nil
}

func (s *stubDockerClient) InspectContainer(ctx context.Context, id string) (docker.ContainerInfo, error) {
	if s.inspectErr != nil {
		return docker.ContainerInfo{}, s.inspectErr
	}
	return s.running, nil
}

func (s *stubDockerClient) StopContainer(context.Context, string, time.Duration) error { return nil }

func (s *stubDockerClient) RemoveContainer(ctx context.Context, id string) error {
	s.removed = append(s.removed, id)
	return nil
}

func (s *stubDockerClient) ListContainers(ctx context.Context, label string) ([]docker.ContainerInfo, error) {
	s.listLabel = label
	return s.listed, nil
}

func (s *stubDockerClient) Ping(context.Context) error { return nil }

func TestDockerAdapterRunMapsLabels(t *testing.T) {
	client := &stubDockerClient{}
	adapter := NewDocker(client)

	unit, err := adapter.Run(context.Background(), RunRequest{ProjectID: "p1", BuildID: "b1", Image: "kapsules/project-p1:b1", Port: 8080, ContainerPort: 3000})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if unit.ProjectID != "p1" || unit.BuildID != "b1" || unit.Port != 8080 || unit.Status != StatusRunning {
		t.Fatalf("unexpected unit %+v", unit)
	}
}

func TestDockerAdapterErrorMapping(t *testing.T) {
	client := &stubDockerClient{runErr: fmt.Errorf("start: %w", docker.ErrPortAllocated)}
	adapter := NewDocker(client)
	if _, err := adapter.Run(context.Background(), RunRequest{Image: "img", Port: 8080, ContainerPort: 3000}); !errors.Is(err, ErrPortInUse) {
		t.Fatalf("expected port in use, got %v", err)
	}

	client.inspectErr = fmt.Errorf("inspect: %w", docker.ErrNotFound)
	if _, err := adapter.Inspect(context.Background(), "gone"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestDockerAdapterListFiltersManaged(t *testing.T) {
	client := &stubDockerClient{listed: []docker.ContainerInfo{
		{ID: "c1", Labels: docker.ManagedLabels("p1", "b1"), Running: true, HostPort: 8080},
		{ID: "c2", Labels: docker.ManagedLabels("p2", "b2")},
	}}
	units, err := NewDocker(client).List(context.Background())
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if client.listLabel != "kapsules.managed=true" {
		t.Fatalf("unexpected label filter %q", client.listLabel)
	}
	if len(units) != 2 || units[1].Status != StatusStopped || units[0].ProjectID != "p1" {
		t.Fatalf("unexpected units %+v", units)
	}
}

func TestHTTPProberReady(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	host, portStr, _ := net.SplitHostPort(srv.Listener.Addr().String())
	port, _ := strconv.Atoi(portStr)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := NewHTTPProber(10*time.Millisecond).Ready(ctx, host, port); err != nil {
		t.Fatalf("expected ready, got %v", err)
	}
}

func TestHTTPProberTimesOut(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if err := NewHTTPProber(10*time.Millisecond).Ready(ctx, "127.0.0.1", port); !errors.Is(err, domain.ErrRuntime) {
		t.Fatalf("expected runtime error, got %v", err)
	}
}
