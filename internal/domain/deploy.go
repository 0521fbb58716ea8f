package domain

import "time"

// DeployStatus is the state machine of a single pipeline run.
// pending → building → (success | failed)
type DeployStatus string

const (
	DeployPending  DeployStatus = "pending"
	DeployBuilding DeployStatus = "building"
	DeploySuccess  DeployStatus = "success"
	DeployFailed   DeployStatus = "failed"
)

// IsTerminal reports whether no further transition is allowed.
func (s DeployStatus) IsTerminal() bool {
	return s == DeploySuccess || s == DeployFailed
}

// Deploy is one execution of the pipeline for a project.
type Deploy struct {
	ID         string       `json:"id"`
	ProjectID  string       `json:"project_id"`
	CommitSHA  *string      `json:"commit_sha,omitempty"`
	CommitMsg  *string      `json:"commit_msg,omitempty"`
	Status     DeployStatus `json:"status"`
	Log        string       `json:"log"`
	ImageID    *string      `json:"image_id,omitempty"`
	StartedAt  time.Time    `json:"started_at"`
	FinishedAt *time.Time   `json:"finished_at,omitempty"`
}

// DeployUpdate captures mutable fields for a deploy. Nil fields are left untouched.
// The log is never part of an update; it only grows through an append.
type DeployUpdate struct {
	DeployID   string
	Status     *DeployStatus
	CommitSHA  *string
	CommitMsg  *string
	ImageID    *string
	FinishedAt *time.Time
}

// LogEvent is the live payload pushed to deploy log subscribers.
type LogEvent struct {
	DeployID  string    `json:"deploy_id"`
	Line      string    `json:"line"`
	Timestamp time.Time `json:"timestamp"`
}
