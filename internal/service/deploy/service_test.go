package deploy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/DiegoStefanini/shipit-sub000/internal/docker"
	"github.com/DiegoStefanini/shipit-sub000/internal/domain"
	"github.com/DiegoStefanini/shipit-sub000/internal/git"
	"github.com/DiegoStefanini/shipit-sub000/internal/repository"
	"github.com/DiegoStefanini/shipit-sub000/internal/service/logs"
	"github.com/DiegoStefanini/shipit-sub000/internal/workspace"
	"github.com/DiegoStefanini/shipit-sub000/internal/ws"
)

// memStore is an in-memory ProjectRepository and DeployRepository that also
// checks the invariants the pipeline must keep.
type memStore struct {
	mu          sync.Mutex
	projects    map[string]*domain.Project
	deploys     map[string]*domain.Deploy
	order       []string
	building    int
	maxBuilding int
	violations  []string
}

func newMemStore() *memStore {
	return &memStore{projects: map[string]*domain.Project{}, deploys: map[string]*domain.Deploy{}}
}

func (m *memStore) addProject(p domain.Project) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.projects[p.ID] = &p
}

func (m *memStore) project(id string) domain.Project {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.projects[id]
}

func (m *memStore) deploy(id string) domain.Deploy {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.deploys[id]
}

func (m *memStore) CreateProject(_ context.Context, p *domain.Project) error {
	m.addProject(*p)
	return nil
}

func (m *memStore) GetProjectByID(_ context.Context, id string) (*domain.Project, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.projects[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *memStore) ListProjects(context.Context) ([]domain.Project, error) {
	return nil, nil
}

func (m *memStore) UpdateProject(_ context.Context, u domain.ProjectUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.projects[u.ProjectID]
	if !ok {
		return repository.ErrNotFound
	}
	if u.Status != nil {
		p.Status = *u.Status
	}
	if u.Language != nil {
		lang := *u.Language
		p.Language = &lang
	}
	if u.ContainerID != nil {
		id := *u.ContainerID
		p.ContainerID = &id
	}
	return nil
}

func (m *memStore) DeleteProject(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.projects, id)
	return nil
}

func (m *memStore) CreateDeploy(_ context.Context, d *domain.Deploy) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *d
	m.deploys[d.ID] = &cp
	m.order = append(m.order, d.ID)
	return nil
}

func (m *memStore) GetDeploy(_ context.Context, id string) (*domain.Deploy, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.deploys[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *d
	return &cp, nil
}

func (m *memStore) ListDeploysByProject(_ context.Context, projectID string, _ int) ([]domain.Deploy, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Deploy
	for _, id := range m.order {
		if d := m.deploys[id]; d.ProjectID == projectID {
			out = append(out, *d)
		}
	}
	return out, nil
}

func (m *memStore) ListUnfinishedDeploys(context.Context) ([]domain.Deploy, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Deploy
	for _, id := range m.order {
		if d := m.deploys[id]; !d.Status.IsTerminal() {
			out = append(out, *d)
		}
	}
	return out, nil
}

func (m *memStore) UpdateDeploy(_ context.Context, u domain.DeployUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.deploys[u.DeployID]
	if !ok {
		return repository.ErrNotFound
	}
	if d.Status.IsTerminal() {
		m.violations = append(m.violations, "update of terminal deploy "+d.ID)
		return repository.ErrConflict
	}
	if u.Status != nil {
		if d.Status == domain.DeployBuilding {
			m.building--
		}
		if *u.Status == domain.DeployBuilding {
			m.building++
			if m.building > m.maxBuilding {
				m.maxBuilding = m.building
			}
		}
		d.Status = *u.Status
	}
	if u.CommitSHA != nil {
		d.CommitSHA = u.CommitSHA
	}
	if u.CommitMsg != nil {
		d.CommitMsg = u.CommitMsg
	}
	if u.ImageID != nil {
		d.ImageID = u.ImageID
	}
	if u.FinishedAt != nil {
		d.FinishedAt = u.FinishedAt
	}
	return nil
}

func (m *memStore) AppendDeployLog(_ context.Context, id, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.deploys[id]
	if !ok {
		return repository.ErrNotFound
	}
	if d.Status.IsTerminal() {
		m.violations = append(m.violations, "append to terminal deploy "+d.ID)
		return repository.ErrConflict
	}
	d.Log += text
	return nil
}

type fakeFetcher struct {
	files map[string]string
	err   error
	sha   string
}

func (f *fakeFetcher) Fetch(_ context.Context, _, _, _, dest string) (git.CommitInfo, error) {
	if f.err != nil {
		return git.CommitInfo{}, f.err
	}
	for name, content := range f.files {
		if err := os.WriteFile(filepath.Join(dest, name), []byte(content), 0o644); err != nil {
			return git.CommitInfo{}, err
		}
	}
	return git.CommitInfo{SHA: f.sha, Message: "update"}, nil
}

type fakeBuilder struct {
	mu      sync.Mutex
	err     error
	panics  bool
	delay   time.Duration
	gate    chan struct{}
	started chan struct{}
	tags    []string
}

func (b *fakeBuilder) ImageTag(project, sha, deployID string) string {
	if len(sha) > 12 {
		sha = sha[:12]
	}
	if sha == "" {
		sha = deployID
	}
	return "shipit-" + project + ":" + sha
}

func (b *fakeBuilder) BuildImage(_ context.Context, dir, dockerfile, tag string, onLog docker.BuildOutputCallback) (string, error) {
	if b.started != nil {
		b.started <- struct{}{}
	}
	if b.gate != nil {
		<-b.gate
	}
	if b.panics {
		panic("engine exploded")
	}
	if _, err := os.Stat(filepath.Join(dir, dockerfile)); err != nil {
		return "", fmt.Errorf("recipe missing: %w", err)
	}
	time.Sleep(b.delay)
	onLog("Step 1/1 : FROM scratch")
	if b.err != nil {
		onLog(b.err.Error())
		return "", b.err
	}
	b.mu.Lock()
	b.tags = append(b.tags, tag)
	b.mu.Unlock()
	return "sha256:" + tag, nil
}

// fakeRuntime keeps a set of running containers per project.
type fakeRuntime struct {
	mu      sync.Mutex
	err     error
	next    int
	running map[string]string
}

func (r *fakeRuntime) Swap(_ context.Context, req docker.SwapRequest) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running == nil {
		r.running = map[string]string{}
	}
	if req.OldContainerID != "" {
		delete(r.running, req.OldContainerID)
	}
	if r.err != nil {
		return "", r.err
	}
	r.next++
	id := fmt.Sprintf("c%d", r.next)
	r.running[id] = req.Project
	return id, nil
}

type fakePruner struct {
	err   error
	calls int
}

func (p *fakePruner) Prune(context.Context, string) ([]string, error) {
	p.calls++
	return nil, p.err
}

type testEnv struct {
	svc       *Service
	store     *memStore
	fetcher   *fakeFetcher
	builder   *fakeBuilder
	runtime   *fakeRuntime
	pruner    *fakePruner
	workspace *workspace.Manager
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	store := newMemStore()
	mgr, err := workspace.New(t.TempDir())
	if err != nil {
		t.Fatalf("workspace: %v", err)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	env := &testEnv{
		store:     store,
		fetcher:   &fakeFetcher{files: map[string]string{"package.json": "{}"}, sha: "0123456789abcdef0123"},
		builder:   &fakeBuilder{},
		runtime:   &fakeRuntime{},
		pruner:    &fakePruner{},
		workspace: mgr,
	}
	env.svc = New(Dependencies{
		Projects:  store,
		Deploys:   store,
		Workspace: mgr,
		Fetcher:   env.fetcher,
		Builder:   env.builder,
		Runtime:   env.runtime,
		Pruner:    env.pruner,
		Logs:      logs.New(store, ws.NewHub(), logger),
	}, logger, WithRegisterer(nil))
	return env
}

func (e *testEnv) addProject(name string, containerID *string) string {
	id := "p-" + name
	e.store.addProject(domain.Project{
		ID:          id,
		Name:        name,
		RepoURL:     "https://example.com/" + name + ".git",
		Branch:      "main",
		Status:      domain.ProjectIdle,
		ContainerID: containerID,
	})
	return id
}

func (e *testEnv) start(t *testing.T) (cancel func()) {
	t.Helper()
	ctx, stop := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = e.svc.Run(ctx)
		close(done)
	}()
	return func() {
		stop()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatal("worker did not stop")
		}
	}
}

func await(t *testing.T, tk *Ticket) Outcome {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	out, err := tk.Wait(ctx)
	if err != nil {
		t.Fatalf("ticket for %s never resolved", tk.ProjectID)
	}
	return out
}

func workspaceEntries(t *testing.T, mgr *workspace.Manager) []string {
	t.Helper()
	entries, err := os.ReadDir(mgr.Root())
	if err != nil {
		t.Fatalf("read workspace root: %v", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

func lastLine(log string) string {
	lines := strings.Split(strings.TrimRight(log, "\n"), "\n")
	return lines[len(lines)-1]
}

func TestDeploySuccess(t *testing.T) {
	env := newTestEnv(t)
	projectID := env.addProject("web", nil)
	stop := env.start(t)
	defer stop()

	out := await(t, env.svc.Enqueue(projectID))
	if out.Err != nil || out.Status != domain.DeploySuccess {
		t.Fatalf("unexpected outcome %+v", out)
	}

	d := env.store.deploy(out.DeployID)
	if d.FinishedAt == nil || d.CommitSHA == nil || *d.CommitSHA != "0123456789abcdef0123" {
		t.Fatalf("deploy not fully recorded: %+v", d)
	}
	if d.ImageID == nil || *d.ImageID != "sha256:shipit-web:0123456789ab" {
		t.Fatalf("unexpected image id %v", d.ImageID)
	}
	if !strings.Contains(d.Log, "Step 1/1 : FROM scratch\n") {
		t.Fatalf("build output missing from log:\n%s", d.Log)
	}

	p := env.store.project(projectID)
	if p.Status != domain.ProjectRunning || p.ContainerID == nil || *p.ContainerID != "c1" {
		t.Fatalf("unexpected project state %+v", p)
	}
	if p.Language == nil || *p.Language != domain.LanguageNode {
		t.Fatalf("language not persisted: %v", p.Language)
	}
	if env.pruner.calls != 1 {
		t.Fatalf("expected one prune, got %d", env.pruner.calls)
	}
	if left := workspaceEntries(t, env.workspace); len(left) != 0 {
		t.Fatalf("workspace left behind: %v", left)
	}
}

func TestFailuresCleanUpAndKeepContainer(t *testing.T) {
	cases := []struct {
		name   string
		setup  func(*testEnv)
		expect error
		stage  string
	}{
		{
			name:   "fetch",
			setup:  func(e *testEnv) { e.fetcher.err = fmt.Errorf("%w: could not resolve host", domain.ErrFetch) },
			expect: domain.ErrFetch,
		},
		{
			name:   "build",
			setup:  func(e *testEnv) { e.builder.err = fmt.Errorf("%w: npm ERR!", domain.ErrBuildFailed) },
			expect: domain.ErrBuildFailed,
		},
		{
			name:   "build timeout",
			setup:  func(e *testEnv) { e.builder.err = fmt.Errorf("%w after 10m0s", domain.ErrBuildTimeout) },
			expect: domain.ErrBuildTimeout,
		},
		{
			name:   "swap",
			setup:  func(e *testEnv) { e.runtime.err = fmt.Errorf("%w: container start: port taken", domain.ErrSwapFailed) },
			expect: domain.ErrSwapFailed,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			env := newTestEnv(t)
			previous := "old-container"
			projectID := env.addProject("web", &previous)
			tc.setup(env)
			stop := env.start(t)
			defer stop()

			out := await(t, env.svc.Enqueue(projectID))
			if !errors.Is(out.Err, tc.expect) || out.Status != domain.DeployFailed {
				t.Fatalf("unexpected outcome %+v", out)
			}

			d := env.store.deploy(out.DeployID)
			if d.Status != domain.DeployFailed || d.FinishedAt == nil {
				t.Fatalf("deploy not failed: %+v", d)
			}
			last := lastLine(d.Log)
			if !strings.HasPrefix(last, "error: ") || !strings.Contains(last, tc.expect.Error()) {
				t.Fatalf("last log line %q does not carry the cause", last)
			}

			p := env.store.project(projectID)
			if p.Status != domain.ProjectFailed {
				t.Fatalf("project status %s", p.Status)
			}
			if p.ContainerID == nil || *p.ContainerID != previous {
				t.Fatalf("project container id changed to %v", p.ContainerID)
			}
			if env.pruner.calls != 0 {
				t.Fatal("prune must only run after success")
			}
			if left := workspaceEntries(t, env.workspace); len(left) != 0 {
				t.Fatalf("workspace left behind: %v", left)
			}
		})
	}
}

func TestPruneFailureKeepsSuccess(t *testing.T) {
	env := newTestEnv(t)
	env.pruner.err = fmt.Errorf("%w: image in use", domain.ErrPruneFailed)
	projectID := env.addProject("web", nil)
	stop := env.start(t)
	defer stop()

	out := await(t, env.svc.Enqueue(projectID))
	if out.Err != nil || out.Status != domain.DeploySuccess {
		t.Fatalf("unexpected outcome %+v", out)
	}
	if got := env.store.deploy(out.DeployID).Status; got != domain.DeploySuccess {
		t.Fatalf("deploy status changed to %s", got)
	}
	if len(env.store.violations) != 0 {
		t.Fatalf("terminal deploy was modified: %v", env.store.violations)
	}
}

func TestUnknownProjectIsDroppedAndLoopContinues(t *testing.T) {
	env := newTestEnv(t)
	projectID := env.addProject("web", nil)
	stop := env.start(t)
	defer stop()

	missing := env.svc.Enqueue("p-missing")
	next := env.svc.Enqueue(projectID)

	out := await(t, missing)
	if !errors.Is(out.Err, repository.ErrNotFound) || out.DeployID != "" {
		t.Fatalf("unexpected outcome for missing project %+v", out)
	}
	if out := await(t, next); out.Status != domain.DeploySuccess {
		t.Fatalf("next deploy did not run: %+v", out)
	}
}

func TestPanicInStageFailsDeployAndLoopContinues(t *testing.T) {
	env := newTestEnv(t)
	env.builder.panics = true
	first := env.addProject("web", nil)
	second := env.addProject("api", nil)
	stop := env.start(t)
	defer stop()

	out := await(t, env.svc.Enqueue(first))
	if out.Status != domain.DeployFailed || !strings.Contains(out.Err.Error(), "engine exploded") {
		t.Fatalf("unexpected outcome %+v", out)
	}
	if left := workspaceEntries(t, env.workspace); len(left) != 0 {
		t.Fatalf("workspace left behind after panic: %v", left)
	}

	env.builder.mu.Lock()
	env.builder.panics = false
	env.builder.mu.Unlock()
	if out := await(t, env.svc.Enqueue(second)); out.Status != domain.DeploySuccess {
		t.Fatalf("worker stopped after panic: %+v", out)
	}
}

func TestDeploysAreSerialized(t *testing.T) {
	env := newTestEnv(t)
	env.builder.delay = 5 * time.Millisecond
	var projects []string
	for _, name := range []string{"a", "b", "c", "d"} {
		projects = append(projects, env.addProject(name, nil))
	}
	stop := env.start(t)
	defer stop()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		tickets []*Ticket
	)
	for i := 0; i < 12; i++ {
		wg.Add(1)
		go func(projectID string) {
			defer wg.Done()
			tk := env.svc.Enqueue(projectID)
			mu.Lock()
			tickets = append(tickets, tk)
			mu.Unlock()
		}(projects[i%len(projects)])
	}
	wg.Wait()

	for _, tk := range tickets {
		if out := await(t, tk); !out.Status.IsTerminal() {
			t.Fatalf("deploy did not reach a terminal status: %+v", out)
		}
	}

	env.store.mu.Lock()
	maxBuilding := env.store.maxBuilding
	deploys := make([]domain.Deploy, 0, len(env.store.order))
	for _, id := range env.store.order {
		deploys = append(deploys, *env.store.deploys[id])
	}
	env.store.mu.Unlock()

	if maxBuilding != 1 {
		t.Fatalf("expected exactly one building deploy at a time, saw %d", maxBuilding)
	}
	if len(deploys) != 12 {
		t.Fatalf("expected 12 deploys, got %d", len(deploys))
	}
	sort.SliceStable(deploys, func(i, j int) bool { return deploys[i].StartedAt.Before(deploys[j].StartedAt) })
	for i := 1; i < len(deploys); i++ {
		if deploys[i].StartedAt.Before(*deploys[i-1].FinishedAt) {
			t.Fatalf("deploy %d started before deploy %d finished", i, i-1)
		}
	}
}

func TestRepeatedDeploysLeaveOneContainer(t *testing.T) {
	env := newTestEnv(t)
	projectID := env.addProject("web", nil)
	stop := env.start(t)
	defer stop()

	await(t, env.svc.Enqueue(projectID))
	await(t, env.svc.Enqueue(projectID))

	env.runtime.mu.Lock()
	running := len(env.runtime.running)
	env.runtime.mu.Unlock()
	if running != 1 {
		t.Fatalf("expected one running container, got %d", running)
	}
	if p := env.store.project(projectID); p.ContainerID == nil || *p.ContainerID != "c2" {
		t.Fatalf("project should point at the newest container, got %v", p.ContainerID)
	}
}

func TestShutdownFinishesInFlightAndDropsQueued(t *testing.T) {
	env := newTestEnv(t)
	env.builder.gate = make(chan struct{})
	env.builder.started = make(chan struct{}, 1)
	first := env.addProject("web", nil)
	second := env.addProject("api", nil)
	stop := env.start(t)

	inFlight := env.svc.Enqueue(first)
	<-env.builder.started
	queued := env.svc.Enqueue(second)

	stopped := make(chan struct{})
	go func() {
		stop()
		close(stopped)
	}()
	// shutdown must not cancel the running build
	time.Sleep(20 * time.Millisecond)
	close(env.builder.gate)
	<-stopped

	if out := await(t, inFlight); out.Status != domain.DeploySuccess {
		t.Fatalf("in-flight deploy should complete, got %+v", out)
	}
	if out := await(t, queued); !errors.Is(out.Err, ErrDropped) {
		t.Fatalf("queued deploy should be dropped, got %+v", out)
	}
	if out := await(t, env.svc.Enqueue(first)); !errors.Is(out.Err, ErrQueueClosed) {
		t.Fatalf("enqueue after shutdown should resolve closed, got %+v", out)
	}
}

func TestRecoverFailsInterruptedDeploys(t *testing.T) {
	env := newTestEnv(t)
	projectID := env.addProject("web", nil)
	_ = env.store.CreateDeploy(context.Background(), &domain.Deploy{ID: "d-stuck", ProjectID: projectID, Status: domain.DeployPending})
	building := domain.DeployBuilding
	_ = env.store.UpdateDeploy(context.Background(), domain.DeployUpdate{DeployID: "d-stuck", Status: &building})

	n, err := env.svc.Recover(context.Background())
	if err != nil || n != 1 {
		t.Fatalf("recover: n=%d err=%v", n, err)
	}
	d := env.store.deploy("d-stuck")
	if d.Status != domain.DeployFailed || lastLine(d.Log) != "error: "+interruptedMessage {
		t.Fatalf("unexpected deploy after recover %+v", d)
	}
	if p := env.store.project(projectID); p.Status != domain.ProjectFailed {
		t.Fatalf("project status %s", p.Status)
	}
}
