package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/eyes-pick/kapsules/internal/domain"
)

const (
	interpretTemperature = 0.7
	interpretMaxTokens   = 1500
	generateTemperature  = 0.2
	generateMaxTokens    = 2000
)

const interpretSystem = `You are an expert software architect specializing in React and TypeScript applications.
Your task is to create a detailed project generation plan.
Analyze the requirements and create a structured response that includes:
1. Project overview and core features
2. File structure modifications needed
3. New files to be created
4. Existing files to be modified
5. Dependencies to be added/updated

Format your response as a markdown document with clear sections.`

const generateSystem = `You are an expert code generator specialized in React and TypeScript.
Analyze the provided project plan and create specific code generation steps.
For each file:
1. Specify exact path relative to project root
2. Provide complete file content
3. Include clear descriptions of changes
4. List any new dependencies needed

Respond with a single JSON object and nothing else, shaped as:
{"projectName": string, "baseTemplate": string, "steps": [{"type": "create"|"modify"|"delete", "path": string, "content": string, "description": string}], "dependencies": {"package": "version"}}`

// Model drives both stages through a language model.
type Model struct {
	completer Completer
}

// NewModel wraps a Completer as a Provider.
func NewModel(completer Completer) *Model {
	return &Model{completer: completer}
}

func (m *Model) Name() string { return "openai" }

func (m *Model) Interpret(ctx context.Context, req InterpretRequest) (Interpretation, error) {
	prompt := strings.TrimSpace(req.Prompt)
	if prompt == "" {
		return Interpretation{}, fmt.Errorf("prompt is required: %w", domain.ErrValidation)
	}

	var user strings.Builder
	user.WriteString("Create a project plan for:\n")
	fmt.Fprintf(&user, "Project Name: %s\n", req.Title)
	if req.Description != "" {
		fmt.Fprintf(&user, "Description: %s\n", req.Description)
	}
	fmt.Fprintf(&user, "Request: %s\n\n", prompt)
	fmt.Fprintf(&user, "Base template: %s (React + TypeScript + Vite)\n", req.Template)
	if len(req.ExistingFiles) > 0 {
		user.WriteString("\nThis is an iteration on an existing project with files:\n")
		for _, name := range req.ExistingFiles {
			user.WriteString("- " + name + "\n")
		}
	}

	plan, err := m.completer.Complete(ctx, CompletionRequest{
		System:      interpretSystem,
		User:        user.String(),
		Temperature: interpretTemperature,
		MaxTokens:   interpretMaxTokens,
	})
	if err != nil {
		return Interpretation{}, err
	}
	if strings.TrimSpace(plan) == "" {
		return Interpretation{}, fmt.Errorf("empty interpretation: %w", domain.ErrCollaborator)
	}

	return Interpretation{
		Provider:    m.Name(),
		ProjectType: "web-app",
		Features:    extractFeatures(prompt),
		Components:  suggestComponents(prompt),
		Plan:        plan,
	}, nil
}

func (m *Model) Generate(ctx context.Context, req GenerateRequest) (Plan, error) {
	var user strings.Builder
	user.WriteString(req.Interpretation.Plan)
	fmt.Fprintf(&user, "\n\nOriginal request: %s\n", req.Prompt)
	fmt.Fprintf(&user, "Project name: %s\nBase template: %s\n", req.ProjectName, req.Template)
	if len(req.ExistingFiles) > 0 {
		existing, err := json.Marshal(sortedFiles(req.ExistingFiles))
		if err == nil {
			user.WriteString("\nCurrent project files (path and content). Modify them rather than starting over:\n")
			user.Write(existing)
			user.WriteString("\n")
		}
	}

	raw, err := m.completer.Complete(ctx, CompletionRequest{
		System:      generateSystem,
		User:        user.String(),
		Temperature: generateTemperature,
		MaxTokens:   generateMaxTokens,
	})
	if err != nil {
		return Plan{}, err
	}
	plan, err := ParsePlan(raw)
	if err != nil {
		return Plan{}, err
	}
	if plan.ProjectName == "" {
		plan.ProjectName = req.ProjectName
	}
	if plan.BaseTemplate == "" {
		plan.BaseTemplate = req.Template
	}
	return plan, nil
}

type fileEntry struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

func sortedFiles(files map[string]string) []fileEntry {
	out := make([]fileEntry, 0, len(files))
	for name, content := range files {
		out = append(out, fileEntry{Path: name, Content: content})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}
