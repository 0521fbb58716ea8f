package git

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/DiegoStefanini/shipit-sub000/internal/domain"
)

const (
	// metadataTimeout bounds each post-clone metadata read.
	metadataTimeout = 10 * time.Second
	// waitDelay bounds how long Fetch waits for output pipes after git is
	// killed, in case a helper escaped the process group.
	waitDelay = 5 * time.Second
)

// CommitInfo is best-effort metadata about the fetched HEAD.
// Empty fields mean the value could not be read.
type CommitInfo struct {
	SHA     string
	Message string
}

// Fetcher performs shallow, branch-scoped clones with the git binary.
type Fetcher struct {
	binary  string
	timeout time.Duration
	baseURL string
}

// Option customises a Fetcher.
type Option func(*Fetcher)

// WithBinary overrides the git executable.
func WithBinary(path string) Option {
	return func(f *Fetcher) { f.binary = path }
}

// New returns a Fetcher bounded by timeout. baseURL is the forge used to expand
// "owner/repo" slugs when a project has no explicit remote.
func New(timeout time.Duration, baseURL string, opts ...Option) *Fetcher {
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	if baseURL == "" {
		baseURL = "https://github.com"
	}
	f := &Fetcher{binary: "git", timeout: timeout, baseURL: strings.TrimRight(baseURL, "/")}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// ResolveURL picks the explicit remote or expands the slug against the forge.
func (f *Fetcher) ResolveURL(remoteURL, slug string) (string, error) {
	if remoteURL != "" {
		return remoteURL, nil
	}
	slug = strings.Trim(slug, "/")
	if slug == "" {
		return "", fmt.Errorf("%w: project has neither repo url nor slug", domain.ErrFetch)
	}
	return f.baseURL + "/" + strings.TrimSuffix(slug, ".git") + ".git", nil
}

// Fetch clones branch into dest and reads the HEAD commit. Clone failure or
// timeout is fatal; metadata failures are swallowed.
func (f *Fetcher) Fetch(ctx context.Context, remoteURL, slug, branch, dest string) (CommitInfo, error) {
	if dest == "" {
		return CommitInfo{}, fmt.Errorf("%w: destination cannot be empty", domain.ErrFetch)
	}
	url, err := f.ResolveURL(remoteURL, slug)
	if err != nil {
		return CommitInfo{}, err
	}

	cloneCtx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	args := []string{"clone", "--depth", "1", "--single-branch"}
	if branch != "" {
		args = append(args, "--branch", branch)
	}
	args = append(args, "--", url, dest)

	output, err := f.run(cloneCtx, "", args...)
	if err != nil {
		if errors.Is(cloneCtx.Err(), context.DeadlineExceeded) {
			return CommitInfo{}, fmt.Errorf("%w: git clone timed out after %s", domain.ErrFetch, f.timeout)
		}
		return CommitInfo{}, fmt.Errorf("%w: git clone: %v: %s", domain.ErrFetch, err, strings.TrimSpace(output))
	}

	var info CommitInfo
	if sha, err := f.metadata(ctx, dest, "rev-parse", "HEAD"); err == nil {
		info.SHA = strings.TrimSpace(sha)
	}
	if msg, err := f.metadata(ctx, dest, "log", "-1", "--format=%s"); err == nil {
		info.Message = strings.TrimSpace(msg)
	}
	return info, nil
}

func (f *Fetcher) metadata(ctx context.Context, dir string, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, min(f.timeout, metadataTimeout))
	defer cancel()
	return f.run(ctx, dir, args...)
}

func (f *Fetcher) run(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, f.binary, args...)
	cmd.Dir = dir
	// never block on a credential prompt
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0")
	// helpers such as git-remote-https share our output pipe; kill them
	// with git so Run returns when ctx ends
	killProcessGroup(cmd)
	cmd.WaitDelay = waitDelay
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	err := cmd.Run()
	return out.String(), err
}
