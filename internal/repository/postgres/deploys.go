package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/DiegoStefanini/shipit-sub000/internal/domain"
	"github.com/DiegoStefanini/shipit-sub000/internal/repository"
)

const deployColumns = `id, project_id, commit_sha, commit_msg, status, log, image_id, started_at, finished_at`

// CreateDeploy inserts a deploy row.
func (r *Repository) CreateDeploy(ctx context.Context, deploy *domain.Deploy) error {
	const query = `INSERT INTO deploys (id, project_id, commit_sha, commit_msg, status, log, image_id, started_at, finished_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`
	_, err := r.pool.Exec(ctx, query,
		deploy.ID, deploy.ProjectID, deploy.CommitSHA, deploy.CommitMsg, string(deploy.Status),
		deploy.Log, deploy.ImageID, deploy.StartedAt, deploy.FinishedAt,
	)
	return translate(err)
}

// GetDeploy fetches a deploy including its full log.
func (r *Repository) GetDeploy(ctx context.Context, deployID string) (*domain.Deploy, error) {
	query := `SELECT ` + deployColumns + ` FROM deploys WHERE id = $1`
	d, err := scanDeploy(r.pool.QueryRow(ctx, query, deployID))
	if err != nil {
		return nil, translate(err)
	}
	return d, nil
}

// ListDeploysByProject returns the newest deploys first.
func (r *Repository) ListDeploysByProject(ctx context.Context, projectID string, limit int) ([]domain.Deploy, error) {
	if limit <= 0 {
		limit = 20
	}
	query := `SELECT ` + deployColumns + ` FROM deploys WHERE project_id = $1 ORDER BY started_at DESC LIMIT $2`
	return r.queryDeploys(ctx, query, projectID, limit)
}

// ListUnfinishedDeploys returns deploys left pending or building.
func (r *Repository) ListUnfinishedDeploys(ctx context.Context) ([]domain.Deploy, error) {
	query := `SELECT ` + deployColumns + ` FROM deploys WHERE status IN ('pending', 'building') ORDER BY started_at`
	return r.queryDeploys(ctx, query)
}

// UpdateDeploy applies the non-nil fields of update to a non-terminal deploy.
func (r *Repository) UpdateDeploy(ctx context.Context, update domain.DeployUpdate) error {
	const query = `UPDATE deploys SET
		status = COALESCE($2, status),
		commit_sha = COALESCE($3, commit_sha),
		commit_msg = COALESCE($4, commit_msg),
		image_id = COALESCE($5, image_id),
		finished_at = COALESCE($6, finished_at)
		WHERE id = $1 AND status NOT IN ('success', 'failed')`
	tag, err := r.pool.Exec(ctx, query, update.DeployID,
		stringPtr(update.Status), update.CommitSHA, update.CommitMsg, update.ImageID, update.FinishedAt)
	if err != nil {
		return translate(err)
	}
	if tag.RowsAffected() == 0 {
		return r.missingOrTerminal(ctx, update.DeployID)
	}
	return nil
}

// AppendDeployLog concatenates text onto the stored log of a non-terminal deploy.
func (r *Repository) AppendDeployLog(ctx context.Context, deployID, text string) error {
	const query = `UPDATE deploys SET log = log || $2 WHERE id = $1 AND status NOT IN ('success', 'failed')`
	tag, err := r.pool.Exec(ctx, query, deployID, text)
	if err != nil {
		return translate(err)
	}
	if tag.RowsAffected() == 0 {
		return r.missingOrTerminal(ctx, deployID)
	}
	return nil
}

func (r *Repository) missingOrTerminal(ctx context.Context, deployID string) error {
	var status string
	err := r.pool.QueryRow(ctx, `SELECT status FROM deploys WHERE id = $1`, deployID).Scan(&status)
	if err != nil {
		return translate(err)
	}
	return fmt.Errorf("%w: deploy %s is %s", repository.ErrConflict, deployID, status)
}

func (r *Repository) queryDeploys(ctx context.Context, query string, args ...any) ([]domain.Deploy, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, translate(err)
	}
	defer rows.Close()

	var deploys []domain.Deploy
	for rows.Next() {
		d, err := scanDeploy(rows)
		if err != nil {
			return nil, err
		}
		deploys = append(deploys, *d)
	}
	return deploys, rows.Err()
}

func scanDeploy(row pgx.Row) (*domain.Deploy, error) {
	var (
		d      domain.Deploy
		status string
	)
	if err := row.Scan(&d.ID, &d.ProjectID, &d.CommitSHA, &d.CommitMsg, &status,
		&d.Log, &d.ImageID, &d.StartedAt, &d.FinishedAt); err != nil {
		return nil, err
	}
	d.Status = domain.DeployStatus(status)
	return &d, nil
}
