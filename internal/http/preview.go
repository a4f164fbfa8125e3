package httpx

import (
	"bytes"
	"embed"
	"html/template"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/yuin/goldmark"

	"github.com/eyes-pick/kapsules/internal/domain"
	"github.com/eyes-pick/kapsules/internal/service/pipeline"
)

//go:embed templates/*.html
var pageFS embed.FS

var pages = template.Must(template.ParseFS(pageFS, "templates/*.html"))

const previewRefreshSeconds = 5

type previewPage struct {
	ProjectID      string
	Title          string
	Status         string
	Stage          string
	InFlight       bool
	Refresh        int
	PreviewURL     string
	Diagnostics    string
	CreatedAt      string
	UpdatedAt      string
	LastBuiltAt    string
	Tags           []string
	Files          []string
	Interpretation template.HTML
}

// handlePreview redirects to a built project's address. Other states render a
// page: failed shows captured diagnostics, in-flight builds show a holding
// page that refreshes itself.
func (r *Router) handlePreview(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet && req.Method != http.MethodHead {
		r.methodNotAllowed(w)
		return
	}
	projectID := strings.Trim(strings.TrimPrefix(req.URL.Path, "/preview/"), "/")
	if projectID == "" || strings.Contains(projectID, "/") {
		r.notFound(w)
		return
	}
	status, err := r.orch.GetStatus(req.Context(), projectID, "")
	if err != nil {
		if domain.ErrorKind(err) == domain.KindNotFound {
			r.renderMissing(w, projectID)
			return
		}
		writeServiceError(w, err)
		return
	}
	if status.BuildStatus == domain.BuildStatusBuilt && status.PreviewURL != "" {
		http.Redirect(w, req, status.PreviewURL, http.StatusFound)
		return
	}
	project, err := r.orch.GetProject(req.Context(), projectID, "")
	if err != nil {
		writeServiceError(w, err)
		return
	}

	page := newPreviewPage(project)
	page.Stage = status.Stage
	page.InFlight = status.InFlight || project.InFlight()
	if page.InFlight && project.BuildStatus != domain.BuildStatusFailed {
		page.Refresh = previewRefreshSeconds
		w.Header().Set("Retry-After", "5")
	}
	if project.BuildStatus == domain.BuildStatusFailed && page.Diagnostics == "" {
		page.Diagnostics = "The build failed without captured output."
	}
	r.renderPage(w, http.StatusOK, page)
}

func newPreviewPage(p *domain.Project) previewPage {
	page := previewPage{
		ProjectID:   p.ID,
		Title:       p.Title,
		Status:      p.BuildStatus,
		PreviewURL:  p.PreviewURL,
		Diagnostics: p.Diagnostics,
		CreatedAt:   formatTime(p.CreatedAt),
		UpdatedAt:   formatTime(p.UpdatedAt),
		Tags:        p.Tags,
	}
	if page.Title == "" {
		page.Title = "Untitled project"
	}
	if p.LastBuiltAt != nil {
		page.LastBuiltAt = formatTime(*p.LastBuiltAt)
	}
	for path := range p.SourceFiles {
		page.Files = append(page.Files, path)
	}
	sort.Strings(page.Files)
	if rec, err := pipeline.DecodeInterpretation(p.AIInterpretation); err == nil && strings.TrimSpace(rec.Plan) != "" {
		page.Interpretation = renderMarkdown(rec.Plan)
	}
	return page
}

// renderMarkdown converts interpretation markdown to HTML. Raw HTML in the
// source is omitted by goldmark's default renderer.
func renderMarkdown(source string) template.HTML {
	var buf bytes.Buffer
	if err := goldmark.Convert([]byte(source), &buf); err != nil {
		return template.HTML("<pre>" + template.HTMLEscapeString(source) + "</pre>")
	}
	return template.HTML(buf.String())
}

func (r *Router) renderMissing(w http.ResponseWriter, projectID string) {
	r.renderPage(w, http.StatusNotFound, previewPage{
		ProjectID: projectID,
		Title:     "Project not found",
		Status:    "missing",
	})
}

func (r *Router) renderPage(w http.ResponseWriter, status int, page previewPage) {
	var buf bytes.Buffer
	if err := pages.ExecuteTemplate(&buf, "preview.html", page); err != nil {
		r.logger.Error("render preview page failed", "project_id", page.ProjectID, "error", err)
		writeError(w, http.StatusInternalServerError, "render failed")
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_, _ = w.Write(buf.Bytes())
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC1123)
}
