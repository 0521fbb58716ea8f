package deploy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/DiegoStefanini/shipit-sub000/internal/buildpack"
	"github.com/DiegoStefanini/shipit-sub000/internal/docker"
	"github.com/DiegoStefanini/shipit-sub000/internal/domain"
	"github.com/DiegoStefanini/shipit-sub000/internal/repository"
)

const interruptedMessage = "interrupted by daemon restart"

// Dependencies are the collaborators a pipeline drives.
type Dependencies struct {
	Projects  repository.ProjectRepository
	Deploys   repository.DeployRepository
	Workspace Workspace
	Fetcher   Fetcher
	Builder   ImageBuilder
	Runtime   ContainerRuntime
	Pruner    ImagePruner
	Logs      LogSink
}

// Option customises a Service.
type Option func(*Service)

// WithRegisterer sets where pipeline metrics are registered. Nil disables registration.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(s *Service) { s.registerer = reg }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// Service owns the build queue and its single worker. Deploys run one at a
// time, system wide, in enqueue order.
type Service struct {
	deps       Dependencies
	logger     *slog.Logger
	queue      *queue
	metrics    *metrics
	registerer prometheus.Registerer
	now        func() time.Time
}

// New constructs the orchestrator. Call Run to start draining the queue.
func New(deps Dependencies, logger *slog.Logger, opts ...Option) *Service {
	s := &Service{
		deps:       deps,
		logger:     logger,
		queue:      newQueue(),
		registerer: prometheus.DefaultRegisterer,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.metrics = newMetrics(s.registerer)
	return s
}

// Enqueue appends projectID to the queue and returns at once. It never fails
// because a build is running; the ticket may be ignored.
func (s *Service) Enqueue(projectID string) *Ticket {
	t := newTicket(projectID, s.now().UTC())
	if !s.queue.push(t) {
		t.resolve(Outcome{Err: ErrQueueClosed})
		return t
	}
	s.metrics.queueDepth.Set(float64(s.queue.len()))
	s.logger.Info("deploy queued", "project_id", projectID)
	return t
}

// QueueDepth reports how many requests wait behind the running one.
func (s *Service) QueueDepth() int {
	return s.queue.len()
}

// Run is the single consumer. It returns once ctx is done and the pipeline in
// flight, if any, has finished; requests still queued then resolve with ErrDropped.
func (s *Service) Run(ctx context.Context) error {
	s.logger.Info("deploy worker started")
	for {
		if ctx.Err() != nil {
			s.shutdown()
			return nil
		}
		t, ok := s.queue.pop()
		if !ok {
			select {
			case <-ctx.Done():
			case <-s.queue.signal:
			}
			continue
		}
		s.metrics.queueDepth.Set(float64(s.queue.len()))
		s.process(ctx, t)
	}
}

func (s *Service) shutdown() {
	rest := s.queue.close()
	for _, t := range rest {
		t.resolve(Outcome{Err: ErrDropped})
		s.metrics.results.WithLabelValues("dropped").Inc()
	}
	s.metrics.queueDepth.Set(0)
	s.logger.Info("deploy worker stopped", "dropped", len(rest))
}

// process runs one request; nothing that happens inside may stop the loop.
func (s *Service) process(ctx context.Context, t *Ticket) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("deploy worker recovered from panic", "project_id", t.ProjectID, "panic", r, "stack", string(debug.Stack()))
			t.resolve(Outcome{Err: fmt.Errorf("deploy worker panic: %v", r)})
		}
	}()
	// once started, a pipeline is not cancelled by shutdown
	t.resolve(s.execute(context.WithoutCancel(ctx), t.ProjectID))
}

func (s *Service) execute(ctx context.Context, projectID string) Outcome {
	project, err := s.deps.Projects.GetProjectByID(ctx, projectID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			s.logger.Warn("dropping deploy for unknown project", "project_id", projectID)
		} else {
			s.logger.Error("load project failed", "project_id", projectID, "error", err)
		}
		s.metrics.results.WithLabelValues("dropped").Inc()
		return Outcome{Err: fmt.Errorf("load project %s: %w", projectID, err)}
	}

	d := &domain.Deploy{
		ID:        uuid.NewString(),
		ProjectID: project.ID,
		Status:    domain.DeployPending,
		StartedAt: s.now().UTC(),
	}
	if err := s.deps.Deploys.CreateDeploy(ctx, d); err != nil {
		s.logger.Error("create deploy failed", "project_id", project.ID, "error", err)
		s.metrics.results.WithLabelValues("dropped").Inc()
		return Outcome{Err: fmt.Errorf("create deploy: %w", err)}
	}

	logger := s.logger.With("deploy_id", d.ID, "project", project.Name)
	p := &pipeline{svc: s, ctx: ctx, project: project, deploy: d, logger: logger}
	started := s.now()

	if err := p.run(); err != nil {
		s.fail(p, err)
		s.metrics.observe(string(domain.DeployFailed), s.now().Sub(started))
		return Outcome{DeployID: d.ID, Status: domain.DeployFailed, Err: err}
	}
	s.metrics.observe(string(domain.DeploySuccess), s.now().Sub(started))
	logger.Info("deploy succeeded", "image", p.imageTag, "container_id", p.containerID)

	// the deploy is terminal now; prune outcomes only reach the process log
	removed, err := s.deps.Pruner.Prune(ctx, project.Name)
	if err != nil {
		logger.Warn("image prune incomplete", "removed", len(removed), "error", err)
	} else if len(removed) > 0 {
		logger.Info("pruned superseded images", "removed", len(removed))
	}
	return Outcome{DeployID: d.ID, Status: domain.DeploySuccess}
}

// fail is the single failure handler: the error becomes the deploy's final
// log line and both records turn failed. The project keeps its container id.
func (s *Service) fail(p *pipeline, cause error) {
	p.logger.Error("deploy failed", "stage", p.stage, "error", cause)
	s.metrics.stageFailures.WithLabelValues(p.stage).Inc()

	p.emit("error: " + cause.Error())
	finished := s.now().UTC()
	failed := domain.DeployFailed
	if err := s.deps.Deploys.UpdateDeploy(p.ctx, domain.DeployUpdate{
		DeployID:   p.deploy.ID,
		Status:     &failed,
		FinishedAt: &finished,
	}); err != nil {
		p.logger.Error("mark deploy failed", "error", err)
	}
	projectFailed := domain.ProjectFailed
	if err := s.deps.Projects.UpdateProject(p.ctx, domain.ProjectUpdate{
		ProjectID: p.project.ID,
		Status:    &projectFailed,
	}); err != nil {
		p.logger.Error("mark project failed", "error", err)
	}
}

// Recover fails deploys a previous process left pending or building, so the
// one-building invariant holds before the worker starts. It returns how many
// deploys were closed.
func (s *Service) Recover(ctx context.Context) (int, error) {
	stale, err := s.deps.Deploys.ListUnfinishedDeploys(ctx)
	if err != nil {
		return 0, fmt.Errorf("list unfinished deploys: %w", err)
	}
	failed := domain.DeployFailed
	projectFailed := domain.ProjectFailed
	var errs []error
	for _, d := range stale {
		if err := s.deps.Logs.Append(ctx, d.ID, "error: "+interruptedMessage); err != nil {
			s.logger.Warn("append recovery line failed", "deploy_id", d.ID, "error", err)
		}
		finished := s.now().UTC()
		if err := s.deps.Deploys.UpdateDeploy(ctx, domain.DeployUpdate{DeployID: d.ID, Status: &failed, FinishedAt: &finished}); err != nil {
			errs = append(errs, fmt.Errorf("fail deploy %s: %w", d.ID, err))
			continue
		}
		if err := s.deps.Projects.UpdateProject(ctx, domain.ProjectUpdate{ProjectID: d.ProjectID, Status: &projectFailed}); err != nil && !errors.Is(err, repository.ErrNotFound) {
			errs = append(errs, fmt.Errorf("fail project %s: %w", d.ProjectID, err))
		}
		s.logger.Warn("closed interrupted deploy", "deploy_id", d.ID, "project_id", d.ProjectID, "status", d.Status)
	}
	return len(stale), errors.Join(errs...)
}

// pipeline carries the state of one deploy through its stages.
type pipeline struct {
	svc     *Service
	ctx     context.Context
	project *domain.Project
	deploy  *domain.Deploy
	logger  *slog.Logger

	stage       string
	imageTag    string
	containerID string
}

func (p *pipeline) emit(line string) {
	if err := p.svc.deps.Logs.Append(p.ctx, p.deploy.ID, line); err != nil {
		p.logger.Warn("deploy log append failed", "error", err)
	}
}

// run executes every stage in order. A panic in any stage is turned into
// an error; the workspace is removed on every path.
func (p *pipeline) run() (err error) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("deploy pipeline panicked", "stage", p.stage, "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("internal error during %s: %v", p.stage, r)
		}
	}()
	deps := p.svc.deps

	p.stage = "start"
	building := domain.DeployBuilding
	if err := deps.Deploys.UpdateDeploy(p.ctx, domain.DeployUpdate{DeployID: p.deploy.ID, Status: &building}); err != nil {
		return fmt.Errorf("mark deploy building: %w", err)
	}
	p.deploy.Status = building
	projectBuilding := domain.ProjectBuilding
	if err := deps.Projects.UpdateProject(p.ctx, domain.ProjectUpdate{ProjectID: p.project.ID, Status: &projectBuilding}); err != nil {
		return fmt.Errorf("mark project building: %w", err)
	}

	p.stage = "workspace"
	dir, err := deps.Workspace.Prepare(p.deploy.ID)
	if err != nil {
		return fmt.Errorf("prepare workspace: %w", err)
	}
	defer func() {
		if cerr := deps.Workspace.Cleanup(dir); cerr != nil {
			p.logger.Error("workspace cleanup failed", "dir", dir, "error", cerr)
		}
	}()

	p.stage = "fetch"
	p.emit(fmt.Sprintf("==> fetching %s (branch %s)", repoLocator(p.project), p.project.Branch))
	commit, err := deps.Fetcher.Fetch(p.ctx, p.project.RepoURL, p.project.RepoSlug, p.project.Branch, dir)
	if err != nil {
		return err
	}
	if commit.SHA != "" {
		p.emit(fmt.Sprintf("commit %s %s", shortSHA(commit.SHA), commit.Message))
	} else {
		p.emit("commit metadata unavailable")
	}
	if err := deps.Deploys.UpdateDeploy(p.ctx, domain.DeployUpdate{
		DeployID:  p.deploy.ID,
		CommitSHA: domain.NonEmpty(commit.SHA),
		CommitMsg: domain.NonEmpty(commit.Message),
	}); err != nil {
		return fmt.Errorf("record commit: %w", err)
	}

	p.stage = "detect"
	lang := buildpack.Detect(dir)
	p.emit("==> detected language: " + string(lang))
	if err := deps.Projects.UpdateProject(p.ctx, domain.ProjectUpdate{ProjectID: p.project.ID, Language: &lang}); err != nil {
		return fmt.Errorf("record language: %w", err)
	}

	p.stage = "recipe"
	recipe := buildpack.Generate(lang)
	dockerfile, err := recipe.WriteTo(dir)
	if err != nil {
		return fmt.Errorf("%w: %w", domain.ErrBuildFailed, err)
	}

	p.stage = "build"
	p.imageTag = deps.Builder.ImageTag(p.project.Name, commit.SHA, p.deploy.ID)
	p.emit("==> building image " + p.imageTag)
	imageID, err := deps.Builder.BuildImage(p.ctx, dir, dockerfile, p.imageTag, p.emit)
	if err != nil {
		return err
	}
	if err := deps.Deploys.UpdateDeploy(p.ctx, domain.DeployUpdate{DeployID: p.deploy.ID, ImageID: &imageID}); err != nil {
		return fmt.Errorf("record image: %w", err)
	}

	p.stage = "swap"
	p.emit(fmt.Sprintf("==> starting container on port %d", recipe.Port))
	var oldContainer string
	if p.project.ContainerID != nil {
		oldContainer = *p.project.ContainerID
	}
	containerID, err := deps.Runtime.Swap(p.ctx, docker.SwapRequest{
		Project:        p.project.Name,
		DeployID:       p.deploy.ID,
		Image:          p.imageTag,
		Port:           recipe.Port,
		OldContainerID: oldContainer,
	})
	if err != nil {
		return err
	}
	p.containerID = containerID
	running := domain.ProjectRunning
	if err := deps.Projects.UpdateProject(p.ctx, domain.ProjectUpdate{
		ProjectID:   p.project.ID,
		Status:      &running,
		ContainerID: &containerID,
	}); err != nil {
		return fmt.Errorf("record container: %w", err)
	}

	p.stage = "finish"
	p.emit("==> deployed " + p.project.Name + " (container " + shortSHA(containerID) + ")")
	success := domain.DeploySuccess
	finished := p.svc.now().UTC()
	if err := deps.Deploys.UpdateDeploy(p.ctx, domain.DeployUpdate{
		DeployID:   p.deploy.ID,
		Status:     &success,
		FinishedAt: &finished,
	}); err != nil {
		return fmt.Errorf("mark deploy success: %w", err)
	}
	return nil
}

func repoLocator(p *domain.Project) string {
	if p.RepoURL != "" {
		return p.RepoURL
	}
	return p.RepoSlug
}

func shortSHA(s string) string {
	if len(s) > 12 {
		return s[:12]
	}
	return s
}
