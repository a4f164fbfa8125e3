package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/eyes-pick/kapsules/internal/domain"
	"github.com/eyes-pick/kapsules/internal/repository"
)

// Fixed width so text ordering matches time ordering.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

const schema = `
	CREATE TABLE IF NOT EXISTS projects (
		id TEXT PRIMARY KEY,
		owner_id TEXT NOT NULL,
		title TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		prompt TEXT NOT NULL,
		template TEXT NOT NULL,
		build_status TEXT NOT NULL,
		build_id TEXT NOT NULL DEFAULT '',
		execution_unit_id TEXT NOT NULL DEFAULT '',
		port INTEGER NOT NULL DEFAULT 0,
		image_ref TEXT NOT NULL DEFAULT '',
		preview_url TEXT NOT NULL DEFAULT '',
		source_files TEXT NOT NULL DEFAULT '{}',
		ai_interpretation TEXT,
		ai_modifications TEXT NOT NULL DEFAULT '[]',
		diagnostics TEXT NOT NULL DEFAULT '',
		tags TEXT NOT NULL DEFAULT '[]',
		technologies TEXT NOT NULL DEFAULT '[]',
		is_public INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		last_built_at TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_projects_owner ON projects(owner_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_projects_status ON projects(build_status);

	CREATE TABLE IF NOT EXISTS build_events (
		project_id TEXT NOT NULL,
		sequence INTEGER NOT NULL,
		id TEXT NOT NULL,
		build_id TEXT NOT NULL,
		stage TEXT NOT NULL,
		status TEXT NOT NULL,
		message TEXT NOT NULL DEFAULT '',
		metadata TEXT,
		created_at TEXT NOT NULL,
		PRIMARY KEY (project_id, sequence)
	);`

const projectColumns = `id, owner_id, title, description, prompt, template, build_status, build_id,
	execution_unit_id, port, image_ref, preview_url, source_files, ai_interpretation, ai_modifications,
	diagnostics, tags, technologies, is_public, created_at, updated_at, last_built_at`

// Store persists projects and events in a single SQLite file.
type Store struct {
	db *sql.DB
}

var _ repository.Store = (*Store)(nil)

// Open opens or creates the database at path and ensures the schema exists.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) CreateProject(ctx context.Context, p *domain.Project) error {
	if p == nil || p.ID == "" {
		return repository.ErrInvalidArgument
	}
	files, err := repository.EncodeFiles(p.SourceFiles)
	if err != nil {
		return err
	}
	mods, err := repository.EncodeModifications(p.AIModifications)
	if err != nil {
		return err
	}
	tags, _ := repository.EncodeStrings(p.Tags)
	techs, _ := repository.EncodeStrings(p.Technologies)

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO projects (`+projectColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.OwnerID, p.Title, p.Description, p.Prompt, p.Template, p.BuildStatus, p.BuildID,
		p.ExecutionUnitID, p.Port, p.ImageRef, p.PreviewURL, string(files), nullableText(p.AIInterpretation), string(mods),
		p.Diagnostics, string(tags), string(techs), p.IsPublic, formatTime(p.CreatedAt), formatTime(p.UpdatedAt), formatTimePtr(p.LastBuiltAt),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return repository.ErrInvalidArgument
		}
		return fmt.Errorf("insert project: %w", err)
	}
	return nil
}

func (s *Store) GetProject(ctx context.Context, projectID string) (*domain.Project, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+projectColumns+` FROM projects WHERE id = ?`, projectID)
	return scanProject(row)
}

func (s *Store) ListProjects(ctx context.Context, ownerID string, limit int) ([]domain.Project, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+projectColumns+` FROM projects
		 WHERE (? = '' OR owner_id = ?)
		 ORDER BY created_at DESC LIMIT ?`, ownerID, ownerID, limit)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	return collectProjects(rows)
}

func (s *Store) ListProjectsByStatus(ctx context.Context, statuses ...string) ([]domain.Project, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	args := make([]any, len(statuses))
	for i, st := range statuses {
		args[i] = st
	}
	query := `SELECT ` + projectColumns + ` FROM projects WHERE build_status IN (?` +
		strings.Repeat(", ?", len(statuses)-1) + `) ORDER BY id`
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list projects by status: %w", err)
	}
	return collectProjects(rows)
}

func (s *Store) QueueBuild(ctx context.Context, req domain.BuildRequest) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	var raw string
	if err := tx.QueryRowContext(ctx, `SELECT ai_modifications FROM projects WHERE id = ?`, req.ProjectID).Scan(&raw); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return repository.ErrNotFound
		}
		return fmt.Errorf("load modifications: %w", err)
	}
	mods, err := repository.DecodeModifications([]byte(raw))
	if err != nil {
		return err
	}
	if req.Modification != nil {
		mods = append(mods, *req.Modification)
	}
	encoded, err := repository.EncodeModifications(mods)
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE projects SET
			build_status = ?,
			build_id = ?,
			prompt = ?,
			title = CASE WHEN ? = '' THEN title ELSE ? END,
			description = CASE WHEN ? = '' THEN description ELSE ? END,
			ai_modifications = ?,
			diagnostics = '',
			updated_at = ?
		 WHERE id = ?`,
		domain.BuildStatusPending, req.BuildID, req.Prompt,
		req.Title, req.Title, req.Description, req.Description,
		string(encoded), formatTime(req.RequestedAt), req.ProjectID,
	)
	if err != nil {
		return fmt.Errorf("queue build: %w", err)
	}
	return tx.Commit()
}

func (s *Store) UpdateBuildStatus(ctx context.Context, u domain.StatusUpdate) error {
	var diagnostics any
	if u.Diagnostics != nil {
		diagnostics = *u.Diagnostics
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE projects SET
			build_status = ?,
			diagnostics = COALESCE(?, diagnostics),
			updated_at = ?
		 WHERE id = ? AND (? = '' OR build_id = ?)`,
		u.Status, diagnostics, formatTime(u.UpdatedAt), u.ProjectID, u.BuildID, u.BuildID,
	)
	if err != nil {
		return fmt.Errorf("update build status: %w", err)
	}
	return s.checkAffected(ctx, res, u.ProjectID)
}

func (s *Store) CompleteBuild(ctx context.Context, c domain.BuildCompletion) error {
	files, err := repository.EncodeFiles(c.SourceFiles)
	if err != nil {
		return err
	}
	completed := formatTime(c.CompletedAt)
	res, err := s.db.ExecContext(ctx,
		`UPDATE projects SET
			build_status = ?,
			execution_unit_id = ?,
			port = ?,
			image_ref = ?,
			preview_url = ?,
			source_files = ?,
			ai_interpretation = ?,
			diagnostics = '',
			updated_at = ?,
			last_built_at = ?
		 WHERE id = ? AND build_id = ?`,
		domain.BuildStatusBuilt, c.ExecutionUnitID, c.Port, c.ImageRef, c.PreviewURL,
		string(files), nullableText(c.AIInterpretation), completed, completed, c.ProjectID, c.BuildID,
	)
	if err != nil {
		return fmt.Errorf("complete build: %w", err)
	}
	return s.checkAffected(ctx, res, c.ProjectID)
}

func (s *Store) ClearExecution(ctx context.Context, c domain.ExecutionClear) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE projects SET
			execution_unit_id = '',
			port = 0,
			image_ref = '',
			preview_url = '',
			build_status = CASE WHEN ? = '' THEN build_status ELSE ? END,
			diagnostics = CASE WHEN ? = '' THEN diagnostics ELSE ? END,
			updated_at = ?
		 WHERE id = ? AND execution_unit_id != '' AND execution_unit_id = ?`,
		c.Status, c.Status, c.Diagnostics, c.Diagnostics, formatTime(c.UpdatedAt), c.ProjectID, c.ExecutionUnitID,
	)
	if err != nil {
		return false, fmt.Errorf("clear execution: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n > 0 {
		return true, nil
	}
	if _, err := s.GetProject(ctx, c.ProjectID); err != nil {
		return false, err
	}
	return false, nil
}

func (s *Store) ListExecutionRefs(ctx context.Context) ([]domain.ExecutionRef, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, build_id, execution_unit_id, port, image_ref, build_status, last_built_at
		 FROM projects WHERE execution_unit_id != '' ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list execution refs: %w", err)
	}
	defer rows.Close()

	var refs []domain.ExecutionRef
	for rows.Next() {
		var (
			ref       domain.ExecutionRef
			lastBuilt sql.NullString
		)
		if err := rows.Scan(&ref.ProjectID, &ref.BuildID, &ref.ExecutionUnitID, &ref.Port, &ref.ImageRef, &ref.BuildStatus, &lastBuilt); err != nil {
			return nil, err
		}
		ref.LastBuiltAt = parseTimePtr(lastBuilt)
		refs = append(refs, ref)
	}
	return refs, rows.Err()
}

func (s *Store) DeleteProject(ctx context.Context, projectID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM projects WHERE id = ?`, projectID)
	if err != nil {
		return fmt.Errorf("delete project: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return repository.ErrNotFound
	}
	return nil
}

func (s *Store) AppendEvent(ctx context.Context, ev *domain.BuildStageEvent) error {
	if ev == nil || ev.ProjectID == "" {
		return repository.ErrInvalidArgument
	}
	row := s.db.QueryRowContext(ctx,
		`INSERT INTO build_events (project_id, sequence, id, build_id, stage, status, message, metadata, created_at)
		 VALUES (?, (SELECT COALESCE(MAX(sequence), 0) + 1 FROM build_events WHERE project_id = ?), ?, ?, ?, ?, ?, ?, ?)
		 RETURNING sequence`,
		ev.ProjectID, ev.ProjectID, ev.ID, ev.BuildID, ev.Stage, ev.Status, ev.Message, nullableText(ev.Metadata), formatTime(ev.CreatedAt),
	)
	if err := row.Scan(&ev.Sequence); err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

func (s *Store) ListEvents(ctx context.Context, projectID string, limit int) ([]domain.BuildStageEvent, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT project_id, sequence, id, build_id, stage, status, message, metadata, created_at FROM (
			SELECT * FROM build_events WHERE project_id = ? ORDER BY sequence DESC LIMIT ?
		 ) ORDER BY sequence ASC`, projectID, limit)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var events []domain.BuildStageEvent
	for rows.Next() {
		var (
			ev       domain.BuildStageEvent
			metadata sql.NullString
			created  string
		)
		if err := rows.Scan(&ev.ProjectID, &ev.Sequence, &ev.ID, &ev.BuildID, &ev.Stage, &ev.Status, &ev.Message, &metadata, &created); err != nil {
			return nil, err
		}
		if metadata.Valid && metadata.String != "" {
			ev.Metadata = []byte(metadata.String)
		}
		ev.CreatedAt = parseTime(created)
		events = append(events, ev)
	}
	return events, rows.Err()
}

func (s *Store) DeleteEvents(ctx context.Context, projectID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM build_events WHERE project_id = ?`, projectID); err != nil {
		return fmt.Errorf("delete events: %w", err)
	}
	return nil
}

func (s *Store) checkAffected(ctx context.Context, res sql.Result, projectID string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	if _, err := s.GetProject(ctx, projectID); err != nil {
		return err
	}
	return repository.ErrStaleBuild
}

type scanner interface {
	Scan(dest ...any) error
}

func scanProject(row scanner) (*domain.Project, error) {
	var (
		p         domain.Project
		files     string
		interp    sql.NullString
		mods      string
		tags      string
		techs     string
		created   string
		updated   string
		lastBuilt sql.NullString
	)
	if err := row.Scan(
		&p.ID, &p.OwnerID, &p.Title, &p.Description, &p.Prompt, &p.Template, &p.BuildStatus, &p.BuildID,
		&p.ExecutionUnitID, &p.Port, &p.ImageRef, &p.PreviewURL, &files, &interp, &mods,
		&p.Diagnostics, &tags, &techs, &p.IsPublic, &created, &updated, &lastBuilt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	var err error
	if p.SourceFiles, err = repository.DecodeFiles([]byte(files)); err != nil {
		return nil, err
	}
	if p.AIModifications, err = repository.DecodeModifications([]byte(mods)); err != nil {
		return nil, err
	}
	if p.Tags, err = repository.DecodeStrings([]byte(tags)); err != nil {
		return nil, err
	}
	if p.Technologies, err = repository.DecodeStrings([]byte(techs)); err != nil {
		return nil, err
	}
	if interp.Valid && interp.String != "" {
		p.AIInterpretation = []byte(interp.String)
	}
	p.CreatedAt = parseTime(created)
	p.UpdatedAt = parseTime(updated)
	p.LastBuiltAt = parseTimePtr(lastBuilt)
	return &p, nil
}

func collectProjects(rows *sql.Rows) ([]domain.Project, error) {
	defer rows.Close()
	projects := make([]domain.Project, 0)
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, err
		}
		projects = append(projects, *p)
	}
	return projects, rows.Err()
}

func nullableText(raw []byte) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func formatTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func parseTimePtr(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t := parseTime(s.String)
	return &t
}
