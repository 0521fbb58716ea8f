package repository

import (
	"context"

	"github.com/DiegoStefanini/shipit-sub000/internal/domain"
)

// ProjectRepository persists registered projects.
type ProjectRepository interface {
	CreateProject(ctx context.Context, project *domain.Project) error
	GetProjectByID(ctx context.Context, projectID string) (*domain.Project, error)
	ListProjects(ctx context.Context) ([]domain.Project, error)
	UpdateProject(ctx context.Context, update domain.ProjectUpdate) error
	DeleteProject(ctx context.Context, projectID string) error
}

// DeployRepository stores deploy history.
type DeployRepository interface {
	CreateDeploy(ctx context.Context, deploy *domain.Deploy) error
	GetDeploy(ctx context.Context, deployID string) (*domain.Deploy, error)
	ListDeploysByProject(ctx context.Context, projectID string, limit int) ([]domain.Deploy, error)
	// UpdateDeploy and AppendDeployLog return ErrConflict once the deploy is terminal.
	UpdateDeploy(ctx context.Context, update domain.DeployUpdate) error
	// AppendDeployLog concatenates text onto the stored log; it never rewrites it.
	AppendDeployLog(ctx context.Context, deployID, text string) error
	// ListUnfinishedDeploys returns deploys still pending or building, oldest first.
	ListUnfinishedDeploys(ctx context.Context) ([]domain.Deploy, error)
}
