package project

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/DiegoStefanini/shipit-sub000/internal/domain"
	"github.com/DiegoStefanini/shipit-sub000/internal/repository"
)

// ContainerStopper removes a project's running container.
type ContainerStopper interface {
	StopProject(ctx context.Context, containerID string) error
}

// CreateInput is what an operator supplies to register a project.
type CreateInput struct {
	Name     string `json:"name"`
	RepoURL  string `json:"repo_url"`
	RepoSlug string `json:"repo_slug"`
	Branch   string `json:"branch"`
}

// Service manages project registrations.
type Service struct {
	projects repository.ProjectRepository
	deploys  repository.DeployRepository
	stopper  ContainerStopper
	logger   *slog.Logger
}

// New constructs a project service.
func New(projects repository.ProjectRepository, deploys repository.DeployRepository, stopper ContainerStopper, logger *slog.Logger) Service {
	return Service{projects: projects, deploys: deploys, stopper: stopper, logger: logger}
}

var slugRegex = regexp.MustCompile(`^[A-Za-z0-9_.-]+/[A-Za-z0-9_.-]+$`)

// Create validates and stores a new project in the idle state.
func (s Service) Create(ctx context.Context, in CreateInput) (*domain.Project, error) {
	in.Name = strings.TrimSpace(in.Name)
	in.RepoURL = strings.TrimSpace(in.RepoURL)
	in.RepoSlug = strings.Trim(strings.TrimSpace(in.RepoSlug), "/")
	in.Branch = strings.TrimSpace(in.Branch)
	if in.Branch == "" {
		in.Branch = "main"
	}

	if err := domain.ValidateProjectName(in.Name); err != nil {
		return nil, err
	}
	if err := domain.ValidateBranch(in.Branch); err != nil {
		return nil, err
	}
	switch {
	case in.RepoURL != "":
		if err := domain.ValidateRepoURL(in.RepoURL); err != nil {
			return nil, err
		}
	case in.RepoSlug != "":
		if !slugRegex.MatchString(in.RepoSlug) {
			return nil, fmt.Errorf("%w: repo_slug must look like owner/repo", domain.ErrInvalidInput)
		}
	default:
		return nil, fmt.Errorf("%w: repo_url or repo_slug is required", domain.ErrInvalidInput)
	}

	now := time.Now().UTC()
	p := &domain.Project{
		ID:        uuid.NewString(),
		Name:      in.Name,
		RepoURL:   in.RepoURL,
		RepoSlug:  in.RepoSlug,
		Branch:    in.Branch,
		Status:    domain.ProjectIdle,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.projects.CreateProject(ctx, p); err != nil {
		return nil, fmt.Errorf("create project: %w", err)
	}
	s.logger.Info("project registered", "project_id", p.ID, "project", p.Name)
	return p, nil
}

// Get returns one project.
func (s Service) Get(ctx context.Context, id string) (*domain.Project, error) {
	return s.projects.GetProjectByID(ctx, id)
}

// List returns every project.
func (s Service) List(ctx context.Context) ([]domain.Project, error) {
	return s.projects.ListProjects(ctx)
}

// Delete removes the project and its deploy history, then stops its
// container. A failed stop is logged, not returned.
func (s Service) Delete(ctx context.Context, id string) error {
	p, err := s.projects.GetProjectByID(ctx, id)
	if err != nil {
		return err
	}
	if err := s.projects.DeleteProject(ctx, id); err != nil {
		return fmt.Errorf("delete project: %w", err)
	}
	if p.ContainerID != nil && s.stopper != nil {
		if err := s.stopper.StopProject(ctx, *p.ContainerID); err != nil {
			s.logger.Warn("stop container of deleted project failed", "project", p.Name, "container_id", *p.ContainerID, "error", err)
		}
	}
	s.logger.Info("project deleted", "project_id", id, "project", p.Name)
	return nil
}

// Deploys lists the newest deploys of a project.
func (s Service) Deploys(ctx context.Context, projectID string, limit int) ([]domain.Deploy, error) {
	if _, err := s.projects.GetProjectByID(ctx, projectID); err != nil {
		return nil, err
	}
	return s.deploys.ListDeploysByProject(ctx, projectID, limit)
}

// Deploy returns one deploy including its log.
func (s Service) Deploy(ctx context.Context, deployID string) (*domain.Deploy, error) {
	return s.deploys.GetDeploy(ctx, deployID)
}
