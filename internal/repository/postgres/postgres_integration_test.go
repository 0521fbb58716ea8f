//go:build integration

package postgres

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/DiegoStefanini/shipit-sub000/internal/app/migrate"
	"github.com/DiegoStefanini/shipit-sub000/internal/domain"
	"github.com/DiegoStefanini/shipit-sub000/internal/repository"
)

func newTestRepository(t *testing.T) *Repository {
	t.Helper()
	ctx := context.Background()

	ctr, err := tcpostgres.Run(ctx, "postgres:16-alpine",
		tcpostgres.WithDatabase("shipit"),
		tcpostgres.WithUsername("shipit"),
		tcpostgres.WithPassword("shipit"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(time.Minute),
		),
	)
	if err != nil {
		t.Fatalf("start postgres: %v", err)
	}
	t.Cleanup(func() { _ = testcontainers.TerminateContainer(ctr) })

	dsn, err := ctr.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("connection string: %v", err)
	}
	pool, err := Connect(ctx, dsn)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(pool.Close)

	runner, err := migrate.New(pool, dsn, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("migrate runner: %v", err)
	}
	if err := runner.Ensure(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return New(pool)
}

func seedProject(t *testing.T, repo *Repository, name string) domain.Project {
	t.Helper()
	now := time.Now().UTC()
	p := domain.Project{
		ID:        uuid.NewString(),
		Name:      name,
		RepoURL:   "https://example.com/" + name + ".git",
		Branch:    "main",
		Status:    domain.ProjectIdle,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := repo.CreateProject(context.Background(), &p); err != nil {
		t.Fatalf("create project: %v", err)
	}
	return p
}

func TestProjectLifecycle(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()
	p := seedProject(t, repo, "web")

	dup := p
	dup.ID = uuid.NewString()
	if err := repo.CreateProject(ctx, &dup); !errors.Is(err, repository.ErrConflict) {
		t.Fatalf("expected conflict on duplicate name, got %v", err)
	}

	running := domain.ProjectRunning
	lang := domain.LanguageNode
	if err := repo.UpdateProject(ctx, domain.ProjectUpdate{
		ProjectID:   p.ID,
		Status:      &running,
		Language:    &lang,
		ContainerID: domain.Ptr("abc"),
	}); err != nil {
		t.Fatalf("update project: %v", err)
	}

	failed := domain.ProjectFailed
	if err := repo.UpdateProject(ctx, domain.ProjectUpdate{ProjectID: p.ID, Status: &failed}); err != nil {
		t.Fatalf("update project: %v", err)
	}

	got, err := repo.GetProjectByID(ctx, p.ID)
	if err != nil {
		t.Fatalf("get project: %v", err)
	}
	if got.Status != domain.ProjectFailed {
		t.Fatalf("expected failed, got %s", got.Status)
	}
	if got.ContainerID == nil || *got.ContainerID != "abc" {
		t.Fatalf("expected container id to survive a status-only update, got %v", got.ContainerID)
	}
	if got.Language == nil || *got.Language != domain.LanguageNode {
		t.Fatalf("expected node language, got %v", got.Language)
	}

	if _, err := repo.GetProjectByID(ctx, "not-a-uuid"); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expected not found for malformed id, got %v", err)
	}
}

func TestDeployLogIsAppendOnlyAndTerminalIsImmutable(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()
	p := seedProject(t, repo, "api")

	d := domain.Deploy{
		ID:        uuid.NewString(),
		ProjectID: p.ID,
		Status:    domain.DeployPending,
		StartedAt: time.Now().UTC(),
	}
	if err := repo.CreateDeploy(ctx, &d); err != nil {
		t.Fatalf("create deploy: %v", err)
	}
	for _, line := range []string{"one\n", "two\n"} {
		if err := repo.AppendDeployLog(ctx, d.ID, line); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	success := domain.DeploySuccess
	if err := repo.UpdateDeploy(ctx, domain.DeployUpdate{
		DeployID:   d.ID,
		Status:     &success,
		FinishedAt: domain.Ptr(time.Now().UTC()),
	}); err != nil {
		t.Fatalf("finish deploy: %v", err)
	}

	if err := repo.AppendDeployLog(ctx, d.ID, "late\n"); !errors.Is(err, repository.ErrConflict) {
		t.Fatalf("expected conflict appending to terminal deploy, got %v", err)
	}

	got, err := repo.GetDeploy(ctx, d.ID)
	if err != nil {
		t.Fatalf("get deploy: %v", err)
	}
	if got.Log != "one\ntwo\n" {
		t.Fatalf("unexpected log %q", got.Log)
	}
	if got.FinishedAt == nil {
		t.Fatal("expected finished_at to be set")
	}
}

func TestSingleBuildingDeployEnforced(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()
	a := seedProject(t, repo, "a")
	b := seedProject(t, repo, "b")

	building := domain.DeployBuilding
	for i, projectID := range []string{a.ID, b.ID} {
		d := domain.Deploy{ID: uuid.NewString(), ProjectID: projectID, Status: domain.DeployPending, StartedAt: time.Now().UTC()}
		if err := repo.CreateDeploy(ctx, &d); err != nil {
			t.Fatalf("create deploy: %v", err)
		}
		err := repo.UpdateDeploy(ctx, domain.DeployUpdate{DeployID: d.ID, Status: &building})
		if i == 0 && err != nil {
			t.Fatalf("first building deploy rejected: %v", err)
		}
		if i == 1 && !errors.Is(err, repository.ErrConflict) {
			t.Fatalf("expected second building deploy to conflict, got %v", err)
		}
	}

	unfinished, err := repo.ListUnfinishedDeploys(ctx)
	if err != nil {
		t.Fatalf("list unfinished: %v", err)
	}
	if len(unfinished) != 2 {
		t.Fatalf("expected 2 unfinished deploys, got %d", len(unfinished))
	}

	if err := repo.DeleteProject(ctx, a.ID); err != nil {
		t.Fatalf("delete project: %v", err)
	}
	deploys, err := repo.ListDeploysByProject(ctx, a.ID, 10)
	if err != nil {
		t.Fatalf("list deploys: %v", err)
	}
	if len(deploys) != 0 {
		t.Fatalf("expected cascade delete, %d deploys remain", len(deploys))
	}
}
