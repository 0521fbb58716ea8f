package webhook

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/DiegoStefanini/shipit-sub000/internal/domain"
	"github.com/DiegoStefanini/shipit-sub000/internal/repository"
	"github.com/DiegoStefanini/shipit-sub000/internal/service/deploy"
)

type fakeProjects struct {
	repository.ProjectRepository
	project domain.Project
}

func (f fakeProjects) GetProjectByID(_ context.Context, id string) (*domain.Project, error) {
	if id != f.project.ID {
		return nil, repository.ErrNotFound
	}
	p := f.project
	return &p, nil
}

type fakeQueue struct {
	enqueued []string
}

func (f *fakeQueue) Enqueue(projectID string) *deploy.Ticket {
	f.enqueued = append(f.enqueued, projectID)
	return nil
}

func newTestService(secret string) (Service, *fakeQueue) {
	q := &fakeQueue{}
	projects := fakeProjects{project: domain.Project{ID: "p1", Name: "web", Branch: "main"}}
	return New(projects, q, secret, slog.New(slog.NewTextHandler(io.Discard, nil))), q
}

func TestHandlePushEnqueuesTrackedBranch(t *testing.T) {
	svc, q := newTestService("s3cret")
	payload := []byte(`{"ref":"refs/heads/main","after":"abc"}`)

	res, err := svc.HandlePush(context.Background(), "p1", "push", payload, "sha256="+Sign([]byte("s3cret"), payload))
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if !res.Queued || len(q.enqueued) != 1 || q.enqueued[0] != "p1" {
		t.Fatalf("expected enqueue, got %+v %v", res, q.enqueued)
	}
}

func TestHandlePushIgnoresOtherBranches(t *testing.T) {
	svc, q := newTestService("s3cret")
	payload := []byte(`{"ref":"refs/heads/feature"}`)

	res, err := svc.HandlePush(context.Background(), "p1", "push", payload, "sha256="+Sign([]byte("s3cret"), payload))
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if res.Queued || len(q.enqueued) != 0 {
		t.Fatalf("expected push to be ignored, got %+v", res)
	}
}

func TestHandlePushRejectsBadSignatures(t *testing.T) {
	payload := []byte(`{"ref":"refs/heads/main"}`)
	cases := []struct {
		name      string
		secret    string
		signature string
		want      error
	}{
		{"disabled", "", "sha256=00", ErrDisabled},
		{"missing", "s3cret", "", ErrMissingSignature},
		{"wrong secret", "s3cret", "sha256=" + Sign([]byte("other"), payload), ErrInvalidSignature},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			svc, q := newTestService(tc.secret)
			if _, err := svc.HandlePush(context.Background(), "p1", "push", payload, tc.signature); !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
			if len(q.enqueued) != 0 {
				t.Fatal("rejected delivery must not enqueue")
			}
		})
	}
}

func TestHandlePushPingAndUnknownProject(t *testing.T) {
	svc, _ := newTestService("s3cret")
	payload := []byte(`{"zen":"hi"}`)
	sig := "sha256=" + Sign([]byte("s3cret"), payload)

	if res, err := svc.HandlePush(context.Background(), "p1", "ping", payload, sig); err != nil || res.Reason != "ping" {
		t.Fatalf("ping: %+v %v", res, err)
	}

	push := []byte(`{"ref":"refs/heads/main"}`)
	if _, err := svc.HandlePush(context.Background(), "nope", "push", push, "sha256="+Sign([]byte("s3cret"), push)); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}
