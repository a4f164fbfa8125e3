package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/eyes-pick/kapsules/internal/domain"
)

// Heuristic is a deterministic provider that needs no network access. It
// extracts features by keyword and renders a small Vite application.
type Heuristic struct{}

// NewHeuristic constructs the keyword provider.
func NewHeuristic() *Heuristic {
	return &Heuristic{}
}

func (h *Heuristic) Name() string { return "heuristic" }

func (h *Heuristic) Interpret(ctx context.Context, req InterpretRequest) (Interpretation, error) {
	if err := ctx.Err(); err != nil {
		return Interpretation{}, fmt.Errorf("interpret: %w: %v", domain.ErrCollaborator, err)
	}
	prompt := strings.TrimSpace(req.Prompt)
	if prompt == "" {
		return Interpretation{}, fmt.Errorf("prompt is required: %w", domain.ErrValidation)
	}
	features := extractFeatures(prompt)
	complexity := "simple"
	switch {
	case len(features) >= 3:
		complexity = "complex"
	case len(features) > 0:
		complexity = "medium"
	}

	var plan strings.Builder
	fmt.Fprintf(&plan, "# %s\n\n%s\n\n## Features\n", titleOr(req.Title, "Generated app"), prompt)
	if len(features) == 0 {
		plan.WriteString("- single page\n")
	}
	for _, f := range features {
		plan.WriteString("- " + f + "\n")
	}

	return Interpretation{
		Provider:    h.Name(),
		ProjectType: "web-app",
		Features:    features,
		Components:  suggestComponents(prompt),
		Styling:     "css",
		Complexity:  complexity,
		Plan:        plan.String(),
	}, nil
}

func (h *Heuristic) Generate(ctx context.Context, req GenerateRequest) (Plan, error) {
	if err := ctx.Err(); err != nil {
		return Plan{}, fmt.Errorf("generate: %w: %v", domain.ErrCollaborator, err)
	}
	components := req.Interpretation.Components
	if len(components) == 0 {
		components = []string{"App"}
	}

	stepType := func(name string) string {
		if _, ok := req.ExistingFiles[name]; ok {
			return StepModify
		}
		return StepCreate
	}

	title := titleOr(req.ProjectName, "AI Generated App")
	steps := []Step{
		{Type: stepType("src/App.tsx"), Path: "src/App.tsx", Content: renderApp(title, req.Prompt, components), Description: "application shell"},
		{Type: stepType("src/index.css"), Path: "src/index.css", Content: appCSS, Description: "base styles"},
		{Type: stepType("index.html"), Path: "index.html", Content: renderIndexHTML(title), Description: "html entry"},
	}
	for _, c := range components {
		if c == "App" {
			continue
		}
		name := "src/components/" + c + ".tsx"
		steps = append(steps, Step{Type: stepType(name), Path: name, Content: renderComponent(c), Description: c + " component"})
	}

	plan := Plan{
		ProjectName:  title,
		BaseTemplate: req.Template,
		Steps:        steps,
		Dependencies: map[string]string{"react": "^18.2.0", "react-dom": "^18.2.0"},
	}
	if err := plan.Validate(); err != nil {
		return Plan{}, err
	}
	return plan, nil
}

var featureKeywords = []struct {
	feature  string
	keywords []string
}{
	{"authentication", []string{"auth", "login"}},
	{"database", []string{"database", "data"}},
	{"api", []string{"api", "backend"}},
	{"dashboard", []string{"dashboard", "admin"}},
	{"chat", []string{"chat", "message"}},
}

var componentKeywords = []struct {
	component string
	keywords  []string
}{
	{"Header", []string{"header", "nav"}},
	{"Sidebar", []string{"sidebar"}},
	{"Form", []string{"form"}},
	{"DataTable", []string{"table", "list"}},
	{"Card", []string{"card"}},
}

func extractFeatures(prompt string) []string {
	lower := strings.ToLower(prompt)
	features := []string{}
	for _, f := range featureKeywords {
		if containsAny(lower, f.keywords) {
			features = append(features, f.feature)
		}
	}
	return features
}

func suggestComponents(prompt string) []string {
	lower := strings.ToLower(prompt)
	components := []string{"App"}
	for _, c := range componentKeywords {
		if containsAny(lower, c.keywords) {
			components = append(components, c.component)
		}
	}
	return components
}

func containsAny(s string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(s, n) {
			return true
		}
	}
	return false
}

func titleOr(title, fallback string) string {
	if t := strings.TrimSpace(title); t != "" {
		return t
	}
	return fallback
}

func jsString(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}

func renderApp(title, prompt string, components []string) string {
	var b strings.Builder
	for _, c := range components {
		if c == "App" {
			continue
		}
		fmt.Fprintf(&b, "import %s from './components/%s'\n", c, c)
	}
	fmt.Fprintf(&b, "\nconst title = %s\nconst prompt = %s\n\n", jsString(title), jsString(prompt))
	b.WriteString("export default function App() {\n  return (\n    <div className=\"app\">\n")
	for _, c := range components {
		if c == "App" {
			continue
		}
		fmt.Fprintf(&b, "      <%s />\n", c)
	}
	b.WriteString("      <main>\n        <h1>{title}</h1>\n        <p>Built from: {prompt}</p>\n      </main>\n    </div>\n  )\n}\n")
	return b.String()
}

func renderComponent(name string) string {
	return fmt.Sprintf("export default function %s() {\n  return <section className=%s>%s</section>\n}\n",
		name, jsString(strings.ToLower(name)), name)
}

func renderIndexHTML(title string) string {
	escaped := strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;").Replace(title)
	return `<!doctype html>
<html lang="en">
  <head>
    <meta charset="UTF-8" />
    <meta name="viewport" content="width=device-width, initial-scale=1.0" />
    <title>` + escaped + `</title>
  </head>
  <body>
    <div id="root"></div>
    <script type="module" src="/src/main.tsx"></script>
  </body>
</html>
`
}

const appCSS = `:root {
  font-family: system-ui, sans-serif;
  color: #f8fafc;
  background: linear-gradient(135deg, #1e3a8a, #581c87);
  min-height: 100vh;
}

.app main {
  display: flex;
  flex-direction: column;
  align-items: center;
  justify-content: center;
  min-height: 80vh;
  text-align: center;
}
`
