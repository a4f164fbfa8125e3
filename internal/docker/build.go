package docker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/archive"
)

// BuildOutputCallback is invoked with incremental build messages.
type BuildOutputCallback func(string)

// BuildOptions describes an image build from a local directory.
type BuildOptions struct {
	Dir       string
	Tag       string
	Labels    map[string]string
	BuildArgs map[string]*string
}

// BuildImage builds an image from opts.Dir using the Dockerfile at its root.
func (c *Client) BuildImage(ctx context.Context, opts BuildOptions, onOutput BuildOutputCallback) error {
	if err := c.ready(); err != nil {
		return err
	}
	if strings.TrimSpace(opts.Dir) == "" {
		return fmt.Errorf("build directory cannot be empty")
	}
	if strings.TrimSpace(opts.Tag) == "" {
		return fmt.Errorf("image tag cannot be empty")
	}
	buildCtx, err := archive.TarWithOptions(opts.Dir, &archive.TarOptions{
		ExcludePatterns: []string{"node_modules", ".git"},
	})
	if err != nil {
		return fmt.Errorf("create build context: %w", err)
	}
	defer buildCtx.Close()

	resp, err := c.inner.ImageBuild(ctx, buildCtx, types.ImageBuildOptions{
		Tags:        []string{opts.Tag},
		Remove:      true,
		ForceRemove: true,
		Labels:      opts.Labels,
		BuildArgs:   opts.BuildArgs,
	})
	if err != nil {
		return fmt.Errorf("docker image build: %w", err)
	}
	defer resp.Body.Close()

	decoder := json.NewDecoder(resp.Body)
	for {
		var msg buildMessage
		if err := decoder.Decode(&msg); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return fmt.Errorf("decode build output: %w", err)
		}
		if errMsg := msg.errorMessage(); errMsg != "" {
			return fmt.Errorf("docker image build: %s", errMsg)
		}
		if line := msg.render(); line != "" && onOutput != nil {
			onOutput(line)
		}
	}
	return nil
}

// RemoveImage deletes an image by reference. Missing images are ignored.
func (c *Client) RemoveImage(ctx context.Context, ref string) error {
	if err := c.ready(); err != nil {
		return err
	}
	if strings.TrimSpace(ref) == "" {
		return nil
	}
	if _, err := c.inner.ImageRemove(ctx, ref, image.RemoveOptions{Force: true, PruneChildren: true}); err != nil {
		if errdefs.IsNotFound(err) {
			return nil
		}
		return fmt.Errorf("remove image %s: %w", ref, err)
	}
	return nil
}

type buildMessage struct {
	Stream         string         `json:"stream"`
	Status         string         `json:"status"`
	ID             string         `json:"id"`
	Progress       string         `json:"progress"`
	ProgressDetail progressDetail `json:"progressDetail"`
	Error          string         `json:"error"`
	ErrorDetail    struct {
		Message string `json:"message"`
	} `json:"errorDetail"`
	Aux map[string]any `json:"aux"`
}

type progressDetail struct {
	Current int64 `json:"current"`
	Total   int64 `json:"total"`
}

func (m buildMessage) errorMessage() string {
	if msg := strings.TrimSpace(m.Error); msg != "" {
		return msg
	}
	return strings.TrimSpace(m.ErrorDetail.Message)
}

func (m buildMessage) render() string {
	if stream := strings.TrimRight(m.Stream, "\r\n"); strings.TrimSpace(stream) != "" {
		return stream
	}
	if m.Status != "" {
		parts := make([]string, 0, 3)
		if id := strings.TrimSpace(m.ID); id != "" {
			parts = append(parts, id)
		}
		parts = append(parts, strings.TrimSpace(m.Status))
		progress := strings.TrimSpace(m.Progress)
		if progress == "" && m.ProgressDetail.Total > 0 {
			progress = fmt.Sprintf("%d/%d", m.ProgressDetail.Current, m.ProgressDetail.Total)
		}
		if progress != "" {
			parts = append(parts, progress)
		}
		return strings.Join(parts, " ")
	}
	if id, ok := m.Aux["ID"]; ok {
		return fmt.Sprintf("image id: %v", id)
	}
	return ""
}
