package postgres

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/DiegoStefanini/shipit-sub000/internal/domain"
	"github.com/DiegoStefanini/shipit-sub000/internal/repository"
)

const projectColumns = `id, name, repo_url, repo_slug, branch, language, container_id, status, created_at, updated_at`

// CreateProject inserts a project.
func (r *Repository) CreateProject(ctx context.Context, project *domain.Project) error {
	const query = `INSERT INTO projects (id, name, repo_url, repo_slug, branch, language, container_id, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`
	_, err := r.pool.Exec(ctx, query,
		project.ID, project.Name, project.RepoURL, project.RepoSlug, project.Branch,
		stringPtr(project.Language), project.ContainerID, string(project.Status),
		project.CreatedAt, project.UpdatedAt,
	)
	return translate(err)
}

// GetProjectByID fetches a project.
func (r *Repository) GetProjectByID(ctx context.Context, projectID string) (*domain.Project, error) {
	query := `SELECT ` + projectColumns + ` FROM projects WHERE id = $1`
	p, err := scanProject(r.pool.QueryRow(ctx, query, projectID))
	if err != nil {
		return nil, translate(err)
	}
	return p, nil
}

// ListProjects returns every project ordered by name.
func (r *Repository) ListProjects(ctx context.Context) ([]domain.Project, error) {
	query := `SELECT ` + projectColumns + ` FROM projects ORDER BY name`
	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, translate(err)
	}
	defer rows.Close()

	var projects []domain.Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, err
		}
		projects = append(projects, *p)
	}
	return projects, rows.Err()
}

// UpdateProject applies the non-nil fields of update.
func (r *Repository) UpdateProject(ctx context.Context, update domain.ProjectUpdate) error {
	const query = `UPDATE projects SET
		status = COALESCE($2, status),
		language = COALESCE($3, language),
		container_id = COALESCE($4, container_id),
		updated_at = NOW()
		WHERE id = $1`
	tag, err := r.pool.Exec(ctx, query, update.ProjectID,
		stringPtr(update.Status), stringPtr(update.Language), update.ContainerID)
	if err != nil {
		return translate(err)
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// DeleteProject removes a project; its deploys cascade.
func (r *Repository) DeleteProject(ctx context.Context, projectID string) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM projects WHERE id = $1`, projectID)
	if err != nil {
		return translate(err)
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

func scanProject(row pgx.Row) (*domain.Project, error) {
	var (
		p        domain.Project
		language *string
		status   string
	)
	if err := row.Scan(&p.ID, &p.Name, &p.RepoURL, &p.RepoSlug, &p.Branch,
		&language, &p.ContainerID, &status, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}
	if language != nil {
		lang := domain.Language(*language)
		p.Language = &lang
	}
	p.Status = domain.ProjectStatus(status)
	return &p, nil
}
