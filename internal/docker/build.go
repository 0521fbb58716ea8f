package docker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/pkg/archive"

	"github.com/DiegoStefanini/shipit-sub000/internal/domain"
)

// BuildOutputCallback receives one rendered line of engine output.
type BuildOutputCallback func(string)

type buildResult struct {
	imageID string
	err     error
}

// BuildImage builds contextDir with the given Dockerfile (relative to the
// context) and tags it. The build is raced against the configured timeout;
// once the timeout wins no further output reaches onLog.
func (c *Client) BuildImage(ctx context.Context, contextDir, dockerfile, tag string, onLog BuildOutputCallback) (string, error) {
	if contextDir == "" {
		return "", fmt.Errorf("%w: build directory cannot be empty", domain.ErrBuildFailed)
	}
	if tag == "" {
		return "", fmt.Errorf("%w: image tag cannot be empty", domain.ErrBuildFailed)
	}

	buildCtx, cancel := context.WithTimeout(ctx, c.cfg.BuildTimeout)
	defer cancel()

	var (
		mu      sync.Mutex
		stopped bool
	)
	emit := func(line string) {
		mu.Lock()
		defer mu.Unlock()
		if stopped || onLog == nil {
			return
		}
		onLog(line)
	}

	done := make(chan buildResult, 1)
	go func() {
		id, err := c.runBuild(buildCtx, contextDir, dockerfile, tag, emit)
		done <- buildResult{imageID: id, err: err}
	}()

	select {
	case res := <-done:
		if res.err != nil && errors.Is(buildCtx.Err(), context.DeadlineExceeded) {
			return "", fmt.Errorf("%w after %s", domain.ErrBuildTimeout, c.cfg.BuildTimeout)
		}
		return res.imageID, res.err
	case <-buildCtx.Done():
		mu.Lock()
		stopped = true
		mu.Unlock()
		if errors.Is(buildCtx.Err(), context.DeadlineExceeded) {
			return "", fmt.Errorf("%w after %s", domain.ErrBuildTimeout, c.cfg.BuildTimeout)
		}
		return "", fmt.Errorf("%w: %w", domain.ErrBuildFailed, buildCtx.Err())
	}
}

func (c *Client) runBuild(ctx context.Context, contextDir, dockerfile, tag string, emit func(string)) (string, error) {
	tarball, err := archive.TarWithOptions(contextDir, &archive.TarOptions{ExcludePatterns: []string{".git"}})
	if err != nil {
		return "", fmt.Errorf("%w: create build context: %w", domain.ErrBuildFailed, err)
	}
	defer tarball.Close()

	resp, err := c.inner.ImageBuild(ctx, tarball, types.ImageBuildOptions{
		Tags:        []string{tag},
		Dockerfile:  dockerfile,
		Remove:      true,
		ForceRemove: true,
	})
	if err != nil {
		return "", fmt.Errorf("%w: docker image build: %w", domain.ErrBuildFailed, err)
	}
	defer resp.Body.Close()

	imageID, err := decodeBuildStream(resp.Body, emit)
	if err != nil {
		return "", err
	}
	if imageID == "" {
		imageID = tag
	}
	return imageID, nil
}

// decodeBuildStream renders every message to emit and returns the image id
// reported by the engine, if any.
func decodeBuildStream(r io.Reader, emit func(string)) (string, error) {
	var imageID string
	decoder := json.NewDecoder(r)
	for {
		var msg imageBuildMessage
		if err := decoder.Decode(&msg); err != nil {
			if errors.Is(err, io.EOF) {
				return imageID, nil
			}
			return "", fmt.Errorf("%w: decode build output: %w", domain.ErrBuildFailed, err)
		}
		if errMsg := msg.errorMessage(); errMsg != "" {
			emit(errMsg)
			return "", fmt.Errorf("%w: %s", domain.ErrBuildFailed, errMsg)
		}
		if id := msg.imageID(); id != "" {
			imageID = id
		}
		for _, line := range strings.Split(msg.render(), "\n") {
			if line = strings.TrimRight(line, " \r\t"); line != "" {
				emit(line)
			}
		}
	}
}

type imageBuildMessage struct {
	Stream         string                `json:"stream"`
	Status         string                `json:"status"`
	ID             string                `json:"id"`
	Progress       string                `json:"progress"`
	ProgressDetail progressDetail        `json:"progressDetail"`
	Error          string                `json:"error"`
	ErrorDetail    imageBuildErrorDetail `json:"errorDetail"`
	Aux            json.RawMessage       `json:"aux"`
}

type progressDetail struct {
	Current int64 `json:"current"`
	Total   int64 `json:"total"`
}

type imageBuildErrorDetail struct {
	Message string `json:"message"`
}

func (m imageBuildMessage) errorMessage() string {
	if msg := strings.TrimSpace(m.Error); msg != "" {
		return msg
	}
	return strings.TrimSpace(m.ErrorDetail.Message)
}

func (m imageBuildMessage) imageID() string {
	if len(m.Aux) == 0 {
		return ""
	}
	var aux struct {
		ID string `json:"ID"`
	}
	if err := json.Unmarshal(m.Aux, &aux); err != nil {
		return ""
	}
	return aux.ID
}

func (m imageBuildMessage) render() string {
	if m.Stream != "" {
		return m.Stream
	}
	if m.Status != "" {
		parts := make([]string, 0, 3)
		if id := strings.TrimSpace(m.ID); id != "" {
			parts = append(parts, id)
		}
		parts = append(parts, strings.TrimSpace(m.Status))
		progress := strings.TrimSpace(m.Progress)
		if progress == "" && m.ProgressDetail.Total > 0 {
			progress = fmt.Sprintf("%d/%d", m.ProgressDetail.Current, m.ProgressDetail.Total)
		}
		if progress != "" {
			parts = append(parts, progress)
		}
		return strings.Join(parts, " ")
	}
	if id := m.imageID(); id != "" {
		return "image id: " + id
	}
	return ""
}
