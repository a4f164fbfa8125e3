package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/eyes-pick/kapsules/internal/domain"
	"github.com/eyes-pick/kapsules/internal/repository"
)

const projectColumns = `id, owner_id, title, description, prompt, template, build_status, build_id,
	execution_unit_id, port, image_ref, preview_url, source_files, ai_interpretation, ai_modifications,
	diagnostics, tags, technologies, is_public, created_at, updated_at, last_built_at`

// Repository implements repository.Store using Postgres.
type Repository struct {
	pool *pgxpool.Pool
}

// New constructs a Repository.
func New(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// ensure Repository satisfies interfaces.
var _ repository.Store = (*Repository)(nil)

// Ping verifies the pool can reach the database.
func (r *Repository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

// Close releases pooled connections.
func (r *Repository) Close() error {
	r.pool.Close()
	return nil
}

// CreateProject inserts a project.
func (r *Repository) CreateProject(ctx context.Context, p *domain.Project) error {
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
	const query = `INSERT INTO projects (` + projectColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22)`
	_, err = r.pool.Exec(ctx, query,
		p.ID, p.OwnerID, p.Title, p.Description, p.Prompt, p.Template, p.BuildStatus, p.BuildID,
		p.ExecutionUnitID, p.Port, p.ImageRef, p.PreviewURL, files, repository.NullableJSON(p.AIInterpretation), mods,
		p.Diagnostics, nonNil(p.Tags), nonNil(p.Technologies), p.IsPublic, p.CreatedAt, p.UpdatedAt, p.LastBuiltAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return repository.ErrInvalidArgument
		}
		return fmt.Errorf("insert project: %w", err)
	}
	return nil
}

// GetProject fetches a project by id.
func (r *Repository) GetProject(ctx context.Context, projectID string) (*domain.Project, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+projectColumns+` FROM projects WHERE id = $1`, projectID)
	return scanProject(row)
}

// ListProjects returns projects newest first.
func (r *Repository) ListProjects(ctx context.Context, ownerID string, limit int) ([]domain.Project, error) {
	var lim any
	if limit > 0 {
		lim = limit
	}
	rows, err := r.pool.Query(ctx,
		`SELECT `+projectColumns+` FROM projects
		WHERE ($1 = '' OR owner_id = $1)
		ORDER BY created_at DESC LIMIT $2`, ownerID, lim)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	return collectProjects(rows)
}

// ListProjectsByStatus returns projects in any of the given statuses.
func (r *Repository) ListProjectsByStatus(ctx context.Context, statuses ...string) ([]domain.Project, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+projectColumns+` FROM projects WHERE build_status = ANY($1) ORDER BY id`, statuses)
	if err != nil {
		return nil, fmt.Errorf("list projects by status: %w", err)
	}
	return collectProjects(rows)
}

// QueueBuild resets a project to pending for a new pipeline run.
func (r *Repository) QueueBuild(ctx context.Context, req domain.BuildRequest) error {
	appended := []byte("[]")
	if req.Modification != nil {
		data, err := json.Marshal([]domain.AIModification{*req.Modification})
		if err != nil {
			return fmt.Errorf("encode modification: %w", err)
		}
		appended = data
	}
	const query = `UPDATE projects SET
			build_status = $2,
			build_id = $3,
			prompt = $4,
			title = COALESCE(NULLIF($5, ''), title),
			description = COALESCE(NULLIF($6, ''), description),
			ai_modifications = ai_modifications || $7::jsonb,
			diagnostics = '',
			updated_at = $8
		WHERE id = $1`
	tag, err := r.pool.Exec(ctx, query,
		req.ProjectID, domain.BuildStatusPending, req.BuildID, req.Prompt,
		req.Title, req.Description, appended, req.RequestedAt,
	)
	if err != nil {
		return fmt.Errorf("queue build: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// UpdateBuildStatus changes a project's status, optionally guarded by build id.
func (r *Repository) UpdateBuildStatus(ctx context.Context, u domain.StatusUpdate) error {
	const query = `UPDATE projects SET
			build_status = $2,
			diagnostics = COALESCE($3, diagnostics),
			updated_at = $4
		WHERE id = $1 AND ($5 = '' OR build_id = $5)`
	tag, err := r.pool.Exec(ctx, query, u.ProjectID, u.Status, u.Diagnostics, u.UpdatedAt, u.BuildID)
	if err != nil {
		return fmt.Errorf("update build status: %w", err)
	}
	return r.checkAffected(ctx, tag, u.ProjectID)
}

// CompleteBuild records a successful deploy and swaps in the new unit.
func (r *Repository) CompleteBuild(ctx context.Context, c domain.BuildCompletion) error {
	files, err := repository.EncodeFiles(c.SourceFiles)
	if err != nil {
		return err
	}
	const query = `UPDATE projects SET
			build_status = $3,
			execution_unit_id = $4,
			port = $5,
			image_ref = $6,
			preview_url = $7,
			source_files = $8,
			ai_interpretation = $9,
			diagnostics = '',
			updated_at = $10,
			last_built_at = $10
		WHERE id = $1 AND build_id = $2`
	tag, err := r.pool.Exec(ctx, query,
		c.ProjectID, c.BuildID, domain.BuildStatusBuilt, c.ExecutionUnitID, c.Port, c.ImageRef, c.PreviewURL,
		files, repository.NullableJSON(c.AIInterpretation), c.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("complete build: %w", err)
	}
	return r.checkAffected(ctx, tag, c.ProjectID)
}

// ClearExecution drops the unit reference when it still matches.
func (r *Repository) ClearExecution(ctx context.Context, c domain.ExecutionClear) (bool, error) {
	const query = `UPDATE projects SET
			execution_unit_id = '',
			port = 0,
			image_ref = '',
			preview_url = '',
			build_status = COALESCE(NULLIF($3, ''), build_status),
			diagnostics = COALESCE(NULLIF($4, ''), diagnostics),
			updated_at = $5
		WHERE id = $1 AND execution_unit_id <> '' AND execution_unit_id = $2`
	tag, err := r.pool.Exec(ctx, query, c.ProjectID, c.ExecutionUnitID, c.Status, c.Diagnostics, c.UpdatedAt)
	if err != nil {
		return false, fmt.Errorf("clear execution: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return true, nil
	}
	if _, err := r.GetProject(ctx, c.ProjectID); err != nil {
		return false, err
	}
	return false, nil
}

// ListExecutionRefs lists projects holding an execution unit.
func (r *Repository) ListExecutionRefs(ctx context.Context) ([]domain.ExecutionRef, error) {
	const query = `SELECT id, build_id, execution_unit_id, port, image_ref, build_status, last_built_at
		FROM projects WHERE execution_unit_id <> '' ORDER BY id`
	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list execution refs: %w", err)
	}
	defer rows.Close()

	var refs []domain.ExecutionRef
	for rows.Next() {
		var (
			ref       domain.ExecutionRef
			lastBuilt sql.NullTime
		)
		if err := rows.Scan(&ref.ProjectID, &ref.BuildID, &ref.ExecutionUnitID, &ref.Port, &ref.ImageRef, &ref.BuildStatus, &lastBuilt); err != nil {
			return nil, err
		}
		if lastBuilt.Valid {
			value := lastBuilt.Time.UTC()
			ref.LastBuiltAt = &value
		}
		refs = append(refs, ref)
	}
	return refs, rows.Err()
}

// DeleteProject removes a project record.
func (r *Repository) DeleteProject(ctx context.Context, projectID string) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM projects WHERE id = $1`, projectID)
	if err != nil {
		return fmt.Errorf("delete project: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// AppendEvent stores a stage event with the next per-project sequence.
func (r *Repository) AppendEvent(ctx context.Context, ev *domain.BuildStageEvent) error {
	if ev == nil || ev.ProjectID == "" {
		return repository.ErrInvalidArgument
	}
	const query = `INSERT INTO build_events (project_id, sequence, id, build_id, stage, status, message, metadata, created_at)
		VALUES ($1, (SELECT COALESCE(MAX(sequence), 0) + 1 FROM build_events WHERE project_id = $1), $2, $3, $4, $5, $6, $7, $8)
		RETURNING sequence`
	row := r.pool.QueryRow(ctx, query,
		ev.ProjectID, ev.ID, ev.BuildID, ev.Stage, ev.Status, ev.Message, repository.NullableJSON(ev.Metadata), ev.CreatedAt,
	)
	if err := row.Scan(&ev.Sequence); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return fmt.Errorf("append event: concurrent writer: %w", domain.ErrConflict)
		}
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

// ListEvents returns events in sequence order, keeping the latest limit.
func (r *Repository) ListEvents(ctx context.Context, projectID string, limit int) ([]domain.BuildStageEvent, error) {
	var lim any
	if limit > 0 {
		lim = limit
	}
	const query = `SELECT project_id, sequence, id, build_id, stage, status, message, metadata, created_at FROM (
			SELECT * FROM build_events WHERE project_id = $1 ORDER BY sequence DESC LIMIT $2
		) latest ORDER BY sequence ASC`
	rows, err := r.pool.Query(ctx, query, projectID, lim)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var events []domain.BuildStageEvent
	for rows.Next() {
		var (
			ev       domain.BuildStageEvent
			metadata []byte
		)
		if err := rows.Scan(&ev.ProjectID, &ev.Sequence, &ev.ID, &ev.BuildID, &ev.Stage, &ev.Status, &ev.Message, &metadata, &ev.CreatedAt); err != nil {
			return nil, err
		}
		if len(metadata) > 0 {
			ev.Metadata = metadata
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// DeleteEvents removes every event for a project.
func (r *Repository) DeleteEvents(ctx context.Context, projectID string) error {
	if _, err := r.pool.Exec(ctx, `DELETE FROM build_events WHERE project_id = $1`, projectID); err != nil {
		return fmt.Errorf("delete events: %w", err)
	}
	return nil
}

func (r *Repository) checkAffected(ctx context.Context, tag pgconn.CommandTag, projectID string) error {
	if tag.RowsAffected() > 0 {
		return nil
	}
	if _, err := r.GetProject(ctx, projectID); err != nil {
		return err
	}
	return repository.ErrStaleBuild
}

func scanProject(row pgx.Row) (*domain.Project, error) {
	var (
		p         domain.Project
		files     []byte
		interp    []byte
		mods      []byte
		lastBuilt sql.NullTime
	)
	if err := row.Scan(
		&p.ID, &p.OwnerID, &p.Title, &p.Description, &p.Prompt, &p.Template, &p.BuildStatus, &p.BuildID,
		&p.ExecutionUnitID, &p.Port, &p.ImageRef, &p.PreviewURL, &files, &interp, &mods,
		&p.Diagnostics, &p.Tags, &p.Technologies, &p.IsPublic, &p.CreatedAt, &p.UpdatedAt, &lastBuilt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	var err error
	if p.SourceFiles, err = repository.DecodeFiles(files); err != nil {
		return nil, err
	}
	if p.AIModifications, err = repository.DecodeModifications(mods); err != nil {
		return nil, err
	}
	if len(interp) > 0 {
		p.AIInterpretation = interp
	}
	if lastBuilt.Valid {
		value := lastBuilt.Time.UTC()
		p.LastBuiltAt = &value
	}
	p.CreatedAt = p.CreatedAt.UTC()
	p.UpdatedAt = p.UpdatedAt.UTC()
	return &p, nil
}

func collectProjects(rows pgx.Rows) ([]domain.Project, error) {
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

func nonNil(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}
