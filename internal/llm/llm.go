package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"

	"github.com/eyes-pick/kapsules/internal/domain"
)

// ErrInvalidPlan is returned when generated output cannot be used as a plan.
var ErrInvalidPlan = errors.New("invalid generation plan format")

// Completer issues one text completion.
type Completer interface {
	Complete(ctx context.Context, req CompletionRequest) (string, error)
}

// CompletionRequest is a single system+user exchange.
type CompletionRequest struct {
	System      string
	User        string
	Temperature float64
	MaxTokens   int64
}

// InterpretRequest describes what the user asked for.
type InterpretRequest struct {
	Title         string
	Description   string
	Prompt        string
	Template      string
	ExistingFiles []string
}

// Interpretation is the structured result of the analysis stage.
type Interpretation struct {
	Provider    string   `json:"provider"`
	ProjectType string   `json:"project_type"`
	Features    []string `json:"features"`
	Components  []string `json:"components"`
	Styling     string   `json:"styling,omitempty"`
	Complexity  string   `json:"complexity,omitempty"`
	Plan        string   `json:"plan,omitempty"`
}

// GenerateRequest asks for a file plan implementing an interpretation.
type GenerateRequest struct {
	ProjectName    string
	Prompt         string
	Template       string
	Interpretation Interpretation
	ExistingFiles  map[string]string
}

// Step types understood in a generation plan.
const (
	StepCreate = "create"
	StepModify = "modify"
	StepDelete = "delete"
)

// Step is one file operation.
type Step struct {
	Type        string `json:"type"`
	Path        string `json:"path"`
	Content     string `json:"content,omitempty"`
	Description string `json:"description,omitempty"`
}

// Plan is the structured result of the code generation stage.
type Plan struct {
	ProjectName  string            `json:"projectName"`
	BaseTemplate string            `json:"baseTemplate"`
	Steps        []Step            `json:"steps"`
	Dependencies map[string]string `json:"dependencies"`
}

// Provider runs the two language-model backed stages.
type Provider interface {
	Name() string
	Interpret(ctx context.Context, req InterpretRequest) (Interpretation, error)
	Generate(ctx context.Context, req GenerateRequest) (Plan, error)
}

// Validate checks that the plan writes at least one file and that every path
// stays inside the project tree.
func (p Plan) Validate() error {
	writes := 0
	for i, step := range p.Steps {
		if err := validatePath(step.Path); err != nil {
			return fmt.Errorf("step %d: %w", i, err)
		}
		switch step.Type {
		case StepCreate, StepModify:
			writes++
		case StepDelete:
		default:
			return fmt.Errorf("step %d: unknown type %q: %w", i, step.Type, ErrInvalidPlan)
		}
	}
	if writes == 0 {
		return fmt.Errorf("plan contains no files: %w", ErrInvalidPlan)
	}
	for name := range p.Dependencies {
		if strings.TrimSpace(name) == "" {
			return fmt.Errorf("empty dependency name: %w", ErrInvalidPlan)
		}
	}
	return nil
}

// Files returns the path to content map written by create and modify steps.
// Later steps win.
func (p Plan) Files() map[string]string {
	files := make(map[string]string)
	for _, step := range p.Steps {
		name := cleanPath(step.Path)
		switch step.Type {
		case StepCreate, StepModify:
			files[name] = step.Content
		case StepDelete:
			delete(files, name)
		}
	}
	return files
}

// Deletes returns paths removed by the plan and not written again afterwards.
func (p Plan) Deletes() []string {
	files := p.Files()
	seen := make(map[string]struct{})
	var out []string
	for _, step := range p.Steps {
		name := cleanPath(step.Path)
		if step.Type != StepDelete {
			continue
		}
		if _, rewritten := files[name]; rewritten {
			continue
		}
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// ParsePlan decodes model output into a validated plan. Markdown code fences
// around the JSON are tolerated.
func ParsePlan(raw string) (Plan, error) {
	body := stripFences(raw)
	if body == "" {
		return Plan{}, fmt.Errorf("empty plan: %w: %w", ErrInvalidPlan, domain.ErrCollaborator)
	}
	var plan Plan
	dec := json.NewDecoder(strings.NewReader(body))
	if err := dec.Decode(&plan); err != nil {
		return Plan{}, fmt.Errorf("%w: %w: %v", ErrInvalidPlan, domain.ErrCollaborator, err)
	}
	for i := range plan.Steps {
		plan.Steps[i].Type = strings.ToLower(strings.TrimSpace(plan.Steps[i].Type))
	}
	if err := plan.Validate(); err != nil {
		return Plan{}, fmt.Errorf("%w: %w", err, domain.ErrCollaborator)
	}
	return plan, nil
}

func stripFences(raw string) string {
	s := strings.TrimSpace(raw)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		s = s[nl+1:]
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

func validatePath(p string) error {
	trimmed := strings.TrimSpace(p)
	if trimmed == "" {
		return fmt.Errorf("empty path: %w", ErrInvalidPlan)
	}
	if strings.HasPrefix(trimmed, "/") || strings.Contains(trimmed, `\`) {
		return fmt.Errorf("path %q must be relative: %w", p, ErrInvalidPlan)
	}
	clean := path.Clean(trimmed)
	if clean == "." || clean == ".." || strings.HasPrefix(clean, "../") {
		return fmt.Errorf("path %q escapes project: %w", p, ErrInvalidPlan)
	}
	return nil
}

func cleanPath(p string) string {
	return path.Clean(strings.TrimSpace(p))
}
