package deploy

import (
	"context"

	"github.com/DiegoStefanini/shipit-sub000/internal/docker"
	"github.com/DiegoStefanini/shipit-sub000/internal/git"
)

// Fetcher checks out a project's branch into a directory.
type Fetcher interface {
	Fetch(ctx context.Context, remoteURL, slug, branch, dest string) (git.CommitInfo, error)
}

// ImageBuilder turns a prepared workspace into a tagged image.
type ImageBuilder interface {
	ImageTag(project, commitSHA, deployID string) string
	BuildImage(ctx context.Context, contextDir, dockerfile, tag string, onLog docker.BuildOutputCallback) (string, error)
}

// ContainerRuntime replaces a project's running container.
type ContainerRuntime interface {
	Swap(ctx context.Context, req docker.SwapRequest) (string, error)
}

// ImagePruner drops superseded images of a project.
type ImagePruner interface {
	Prune(ctx context.Context, project string) ([]string, error)
}

// LogSink records one line of deploy output.
type LogSink interface {
	Append(ctx context.Context, deployID, line string) error
}

// Workspace hands out and reclaims per-deploy directories.
type Workspace interface {
	Prepare(deployID string) (string, error)
	Cleanup(path string) error
}
