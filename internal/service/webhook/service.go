package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/DiegoStefanini/shipit-sub000/internal/domain"
	"github.com/DiegoStefanini/shipit-sub000/internal/repository"
	"github.com/DiegoStefanini/shipit-sub000/internal/service/deploy"
)

const signaturePrefix = "sha256="

var (
	ErrDisabled         = errors.New("webhook: no secret configured")
	ErrMissingSignature = errors.New("webhook: missing signature")
	ErrInvalidSignature = errors.New("webhook: invalid signature")
)

// Enqueuer accepts deploy requests.
type Enqueuer interface {
	Enqueue(projectID string) *deploy.Ticket
}

// Result tells the caller whether a push triggered a deploy.
type Result struct {
	Queued bool   `json:"queued"`
	Reason string `json:"reason,omitempty"`
}

type pushEvent struct {
	Ref   string `json:"ref"`
	After string `json:"after"`
}

// Service verifies push notifications and enqueues deploys for them.
type Service struct {
	projects repository.ProjectRepository
	queue    Enqueuer
	secret   []byte
	logger   *slog.Logger
}

// New constructs a webhook service. An empty secret rejects every delivery.
func New(projects repository.ProjectRepository, queue Enqueuer, secret string, logger *slog.Logger) Service {
	return Service{projects: projects, queue: queue, secret: []byte(secret), logger: logger}
}

// ValidateSignature checks a GitHub style "sha256=<hex>" HMAC of payload.
func (s Service) ValidateSignature(payload []byte, provided string) error {
	if len(s.secret) == 0 {
		return ErrDisabled
	}
	provided = strings.TrimSpace(provided)
	if provided == "" {
		return ErrMissingSignature
	}
	provided = strings.TrimPrefix(provided, signaturePrefix)
	if !hmac.Equal([]byte(provided), []byte(Sign(s.secret, payload))) {
		return ErrInvalidSignature
	}
	return nil
}

// Sign returns the hex HMAC-SHA256 of payload.
func Sign(secret, payload []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// HandlePush verifies the delivery and enqueues a deploy when it targets the
// project's tracked branch. Pings and other branches are acknowledged only.
func (s Service) HandlePush(ctx context.Context, projectID, event string, payload []byte, signature string) (Result, error) {
	if err := s.ValidateSignature(payload, signature); err != nil {
		return Result{}, err
	}
	if event == "ping" {
		return Result{Reason: "ping"}, nil
	}
	if event != "" && event != "push" {
		return Result{Reason: "ignored event " + event}, nil
	}

	var push pushEvent
	if err := json.Unmarshal(payload, &push); err != nil {
		return Result{}, fmt.Errorf("%w: decode push payload: %v", domain.ErrInvalidInput, err)
	}
	project, err := s.projects.GetProjectByID(ctx, projectID)
	if err != nil {
		return Result{}, err
	}

	branch := strings.TrimPrefix(push.Ref, "refs/heads/")
	if branch != project.Branch {
		s.logger.Info("ignoring push to untracked branch", "project", project.Name, "ref", push.Ref)
		return Result{Reason: "branch " + branch + " is not tracked"}, nil
	}

	s.queue.Enqueue(project.ID)
	s.logger.Info("push queued deploy", "project", project.Name, "after", push.After)
	return Result{Queued: true}, nil
}
