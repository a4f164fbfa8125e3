package imagebuilder

import (
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/eyes-pick/kapsules/internal/domain"
)

//go:embed all:templates
var embedded embed.FS

const manifestFile = "template.yaml"

// Manifest describes how a template's image is built and started.
type Manifest struct {
	Name          string `yaml:"name"`
	Description   string `yaml:"description"`
	BaseImage     string `yaml:"base_image"`
	ContainerPort int    `yaml:"container_port"`
	StartCommand  string `yaml:"start_command"`
}

func (m *Manifest) applyDefaults(name string) {
	if m.Name == "" {
		m.Name = name
	}
	if m.BaseImage == "" {
		m.BaseImage = "node:20-alpine"
	}
	if m.ContainerPort <= 0 {
		m.ContainerPort = 3000
	}
	if strings.TrimSpace(m.StartCommand) == "" {
		m.StartCommand = fmt.Sprintf("npm run dev -- --host 0.0.0.0 --port %d", m.ContainerPort)
	}
}

// Template is a resolved scaffold ready to be copied into a workspace.
type Template struct {
	Manifest Manifest
	fsys     fs.FS
	root     string
}

// Templates resolves named templates from an on-disk directory, falling back
// to the templates compiled into the binary.
type Templates struct {
	dir string
}

// NewTemplates constructs a resolver. dir may be empty.
func NewTemplates(dir string) *Templates {
	return &Templates{dir: strings.TrimSpace(dir)}
}

// Resolve finds the template called name.
func (t *Templates) Resolve(name string) (Template, error) {
	name = strings.TrimSpace(name)
	if name == "" || strings.ContainsAny(name, `/\.`) {
		return Template{}, fmt.Errorf("template %q: %w", name, domain.ErrValidation)
	}

	if t.dir != "" {
		path := filepath.Join(t.dir, name)
		if info, err := os.Stat(path); err == nil && info.IsDir() {
			return loadTemplate(os.DirFS(path), ".", name)
		}
	}
	root := "templates/" + name
	if _, err := fs.Stat(embedded, root); err == nil {
		return loadTemplate(embedded, root, name)
	}
	return Template{}, fmt.Errorf("template %q not found: %w", name, domain.ErrValidation)
}

func loadTemplate(fsys fs.FS, root, name string) (Template, error) {
	var manifest Manifest
	data, err := fs.ReadFile(fsys, pathJoin(root, manifestFile))
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &manifest); err != nil {
			return Template{}, fmt.Errorf("parse %s manifest: %w", name, err)
		}
	case !errors.Is(err, fs.ErrNotExist):
		return Template{}, fmt.Errorf("read %s manifest: %w", name, err)
	}
	manifest.applyDefaults(name)
	return Template{Manifest: manifest, fsys: fsys, root: root}, nil
}

func pathJoin(root, name string) string {
	if root == "." || root == "" {
		return name
	}
	return root + "/" + name
}
