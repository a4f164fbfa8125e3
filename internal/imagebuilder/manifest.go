package imagebuilder

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

type nodePackageManager string

const (
	nodePMNPM  nodePackageManager = "npm"
	nodePMYarn nodePackageManager = "yarn"
	nodePMPNPM nodePackageManager = "pnpm"
)

// mergeDependencies adds deps to package.json in dir. Entries in deps win over
// existing ones. Unknown package.json fields are preserved.
func mergeDependencies(dir string, deps map[string]string) error {
	if len(deps) == 0 {
		return nil
	}
	path := filepath.Join(dir, "package.json")
	pkg := map[string]any{}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := json.Unmarshal(data, &pkg); err != nil {
			return fmt.Errorf("parse package.json: %w", err)
		}
	case os.IsNotExist(err):
		pkg["name"] = "kapsules-app"
		pkg["private"] = true
	default:
		return fmt.Errorf("read package.json: %w", err)
	}

	merged := map[string]any{}
	if existing, ok := pkg["dependencies"].(map[string]any); ok {
		for name, version := range existing {
			merged[name] = version
		}
	}
	for name, version := range deps {
		if strings.TrimSpace(name) == "" {
			continue
		}
		merged[name] = version
	}
	pkg["dependencies"] = merged

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	if err := enc.Encode(pkg); err != nil {
		return fmt.Errorf("encode package.json: %w", err)
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("write package.json: %w", err)
	}
	return nil
}

func detectNodePackageManager(dir string) nodePackageManager {
	if data, err := os.ReadFile(filepath.Join(dir, "package.json")); err == nil {
		var manifest struct {
			PackageManager string `json:"packageManager"`
		}
		if json.Unmarshal(data, &manifest) == nil {
			if pm := parseNodePackageManager(manifest.PackageManager); pm != "" {
				return pm
			}
		}
	}
	switch {
	case fileExists(filepath.Join(dir, "yarn.lock")):
		return nodePMYarn
	case fileExists(filepath.Join(dir, "pnpm-lock.yaml")):
		return nodePMPNPM
	default:
		return nodePMNPM
	}
}

func parseNodePackageManager(value string) nodePackageManager {
	trimmed := strings.ToLower(strings.TrimSpace(value))
	if idx := strings.Index(trimmed, "@"); idx > 0 {
		trimmed = trimmed[:idx]
	}
	switch trimmed {
	case "yarn":
		return nodePMYarn
	case "pnpm":
		return nodePMPNPM
	case "npm":
		return nodePMNPM
	default:
		return ""
	}
}

// ensureDockerfile renders a Dockerfile for the workspace unless the template
// or the generated files already supplied one.
func ensureDockerfile(dir string, manifest Manifest) (bool, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return false, fmt.Errorf("read workspace: %w", err)
	}
	for _, entry := range entries {
		if !entry.IsDir() && strings.EqualFold(entry.Name(), "dockerfile") {
			return false, nil
		}
	}
	content := renderNodeDockerfile(manifest, detectNodePackageManager(dir))
	if err := os.WriteFile(filepath.Join(dir, "Dockerfile"), []byte(content), 0o644); err != nil {
		return false, fmt.Errorf("write dockerfile: %w", err)
	}
	return true, nil
}

func renderNodeDockerfile(manifest Manifest, pm nodePackageManager) string {
	var b strings.Builder
	b.WriteString("# syntax=docker/dockerfile:1\n")
	b.WriteString("FROM " + manifest.BaseImage + "\n")
	b.WriteString("WORKDIR /app\n\n")
	switch pm {
	case nodePMYarn:
		b.WriteString("COPY package.json yarn.lock* ./\n")
		b.WriteString("RUN corepack enable && yarn install\n\n")
	case nodePMPNPM:
		b.WriteString("COPY package.json pnpm-lock.yaml* ./\n")
		b.WriteString("RUN corepack enable && pnpm install\n\n")
	default:
		b.WriteString("COPY package*.json ./\n")
		b.WriteString("RUN if [ -f package-lock.json ]; then npm ci; else npm install; fi\n\n")
	}
	b.WriteString("COPY . ./\n")
	fmt.Fprintf(&b, "ENV PORT=%d\n", manifest.ContainerPort)
	fmt.Fprintf(&b, "EXPOSE %d\n", manifest.ContainerPort)
	cmd, _ := json.Marshal([]string{"sh", "-c", manifest.StartCommand})
	b.WriteString("CMD " + string(cmd) + "\n")
	return b.String()
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
