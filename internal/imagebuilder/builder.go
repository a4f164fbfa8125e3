package imagebuilder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/eyes-pick/kapsules/internal/docker"
	"github.com/eyes-pick/kapsules/internal/domain"
	"github.com/eyes-pick/kapsules/internal/workspace"
)

const outputTailLines = 40

// Docker is the subset of the Docker client used to build images.
type Docker interface {
	BuildImage(ctx context.Context, opts docker.BuildOptions, onOutput docker.BuildOutputCallback) error
	RemoveImage(ctx context.Context, ref string) error
}

// DryDocker stands in for an engine when units run on the in-memory runtime:
// the build context is still materialised, but no image is produced.
type DryDocker struct{}

func (DryDocker) BuildImage(ctx context.Context, opts docker.BuildOptions, onOutput docker.BuildOutputCallback) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if onOutput != nil {
		onOutput(fmt.Sprintf("dry run: context %s tagged %s", opts.Dir, opts.Tag))
	}
	return nil
}

func (DryDocker) RemoveImage(context.Context, string) error { return nil }

// Request describes one image build.
type Request struct {
	ProjectID    string
	BuildID      string
	Template     string
	Files        map[string]string
	Deletes      []string
	Dependencies map[string]string
}

// Image is the result of a successful build.
type Image struct {
	Ref           string
	Template      string
	ContainerPort int
	Dockerfile    bool
}

// BuildError carries the tail of the build output alongside the cause.
type BuildError struct {
	Output []string
	Err    error
}

func (e *BuildError) Error() string {
	return fmt.Sprintf("image build failed: %v", e.Err)
}

func (e *BuildError) Unwrap() []error {
	return []error{domain.ErrRuntime, e.Err}
}

// Builder materializes a template plus generated files into a workspace and
// builds a container image from it.
type Builder struct {
	docker    Docker
	workspace *workspace.Manager
	templates *Templates
	registry  string
	logger    *slog.Logger
}

// New constructs a Builder.
func New(d Docker, ws *workspace.Manager, templates *Templates, registry string, logger *slog.Logger) (*Builder, error) {
	if d == nil {
		return nil, errors.New("docker client is required")
	}
	if ws == nil {
		return nil, errors.New("workspace manager is required")
	}
	if templates == nil {
		templates = NewTemplates("")
	}
	if logger == nil {
		logger = slog.Default()
	}
	registry = strings.Trim(strings.ToLower(strings.TrimSpace(registry)), "/")
	if registry == "" {
		registry = "kapsules"
	}
	return &Builder{docker: d, workspace: ws, templates: templates, registry: registry, logger: logger}, nil
}

// Tag returns the image reference for a project build.
func (b *Builder) Tag(projectID, buildID string) string {
	return fmt.Sprintf("%s/project-%s:%s", b.registry, strings.ToLower(projectID), strings.ToLower(buildID))
}

// Build produces an image. onOutput receives build output lines as they arrive.
func (b *Builder) Build(ctx context.Context, req Request, onOutput func(string)) (Image, error) {
	if req.ProjectID == "" || req.BuildID == "" {
		return Image{}, fmt.Errorf("project and build id required: %w", domain.ErrValidation)
	}
	tpl, err := b.templates.Resolve(req.Template)
	if err != nil {
		return Image{}, err
	}

	dir, err := b.workspace.Prepare(req.BuildID)
	if err != nil {
		return Image{}, &BuildError{Err: err}
	}
	defer func() {
		if err := b.workspace.Cleanup(dir); err != nil {
			b.logger.Warn("workspace cleanup failed", "build_id", req.BuildID, "error", err)
		}
	}()

	if err := workspace.CopyFS(dir, tpl.fsys, tpl.root); err != nil {
		return Image{}, &BuildError{Err: fmt.Errorf("copy template: %w", err)}
	}
	if err := workspace.WriteFiles(dir, req.Files); err != nil {
		return Image{}, &BuildError{Err: fmt.Errorf("write generated files: %w", err)}
	}
	if err := workspace.RemoveFiles(dir, req.Deletes); err != nil {
		return Image{}, &BuildError{Err: fmt.Errorf("apply deletes: %w", err)}
	}
	if err := mergeDependencies(dir, req.Dependencies); err != nil {
		return Image{}, &BuildError{Err: err}
	}
	generated, err := ensureDockerfile(dir, tpl.Manifest)
	if err != nil {
		return Image{}, &BuildError{Err: err}
	}

	tag := b.Tag(req.ProjectID, req.BuildID)
	tail := newOutputTail(outputTailLines)
	b.logger.Info("building image", "project_id", req.ProjectID, "build_id", req.BuildID, "tag", tag, "template", tpl.Manifest.Name)

	err = b.docker.BuildImage(ctx, docker.BuildOptions{
		Dir:    dir,
		Tag:    tag,
		Labels: docker.ManagedLabels(req.ProjectID, req.BuildID),
	}, func(line string) {
		tail.add(line)
		if onOutput != nil {
			onOutput(line)
		}
	})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = fmt.Errorf("%w: %v", ctxErr, err)
		}
		return Image{}, &BuildError{Output: tail.lines(), Err: err}
	}

	return Image{
		Ref:           tag,
		Template:      tpl.Manifest.Name,
		ContainerPort: tpl.Manifest.ContainerPort,
		Dockerfile:    generated,
	}, nil
}

// Remove deletes a previously built image. Missing images are ignored.
func (b *Builder) Remove(ctx context.Context, ref string) error {
	return b.docker.RemoveImage(ctx, ref)
}

type outputTail struct {
	mu    sync.Mutex
	max   int
	items []string
}

func newOutputTail(max int) *outputTail {
	return &outputTail{max: max}
}

func (t *outputTail) add(line string) {
	line = strings.TrimSpace(line)
	if line == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.items = append(t.items, line)
	if len(t.items) > t.max {
		t.items = t.items[len(t.items)-t.max:]
	}
}

func (t *outputTail) lines() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.items...)
}
