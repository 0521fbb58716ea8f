package domain

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// ProjectStatus is the lifecycle state of a project.
type ProjectStatus string

const (
	ProjectIdle     ProjectStatus = "idle"
	ProjectBuilding ProjectStatus = "building"
	ProjectRunning  ProjectStatus = "running"
	ProjectFailed   ProjectStatus = "failed"
)

// Project is a registered source repository plus its current running state.
type Project struct {
	ID          string        `json:"id"`
	Name        string        `json:"name"`
	RepoURL     string        `json:"repo_url"`
	RepoSlug    string        `json:"repo_slug"`
	Branch      string        `json:"branch"`
	Language    *Language     `json:"language,omitempty"`
	ContainerID *string       `json:"container_id,omitempty"`
	Status      ProjectStatus `json:"status"`
	CreatedAt   time.Time     `json:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at"`
}

// ProjectUpdate carries the fields the deploy pipeline may change.
// Nil fields are left untouched.
type ProjectUpdate struct {
	ProjectID   string
	Status      *ProjectStatus
	Language    *Language
	ContainerID *string
}

var projectNameRegex = regexp.MustCompile(`^[a-z0-9]+(-[a-z0-9]+)*$`)

// ValidateProjectName checks the name is usable as subdomain and image name component.
func ValidateProjectName(name string) error {
	if len(name) == 0 || len(name) > 63 {
		return fmt.Errorf("%w: project name must be 1-63 characters", ErrInvalidInput)
	}
	if !projectNameRegex.MatchString(name) {
		return fmt.Errorf("%w: project name %q must be lowercase alphanumeric with internal hyphens", ErrInvalidInput, name)
	}
	return nil
}

var gitRefRegex = regexp.MustCompile(`^[a-zA-Z0-9._/-]+$`)

// ValidateBranch checks a branch name against a conservative character whitelist.
func ValidateBranch(branch string) error {
	if branch == "" {
		return fmt.Errorf("%w: branch is required", ErrInvalidInput)
	}
	if strings.HasPrefix(branch, "-") || !gitRefRegex.MatchString(branch) {
		return fmt.Errorf("%w: branch %q contains invalid characters", ErrInvalidInput, branch)
	}
	return nil
}

// ValidateRepoURL only allows remote protocols git can clone without a shell.
func ValidateRepoURL(repoURL string) error {
	switch {
	case strings.HasPrefix(repoURL, "https://"),
		strings.HasPrefix(repoURL, "http://"),
		strings.HasPrefix(repoURL, "git://"),
		strings.HasPrefix(repoURL, "ssh://"),
		strings.HasPrefix(repoURL, "git@"):
		return nil
	}
	return fmt.Errorf("%w: repo_url %q must use https, http, git or ssh", ErrInvalidInput, repoURL)
}
