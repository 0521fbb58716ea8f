package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// TokenHeader carries the operator token.
const TokenHeader = "X-Shipit-Token"

// Client provides typed access to the shipit daemon API.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// Option customises client instantiation.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		if h != nil {
			c.httpClient = h
		}
	}
}

// WithToken sets the operator token sent with every request.
func WithToken(token string) Option {
	return func(c *Client) {
		c.token = strings.TrimSpace(token)
	}
}

// New constructs a Client pointing at the provided API base URL.
func New(base string, opts ...Option) (*Client, error) {
	trimmed := strings.TrimSpace(base)
	if trimmed == "" {
		trimmed = "http://localhost:8080"
	}
	if !strings.HasPrefix(trimmed, "http://") && !strings.HasPrefix(trimmed, "https://") {
		trimmed = "http://" + trimmed
	}
	if _, err := url.Parse(trimmed); err != nil {
		return nil, fmt.Errorf("invalid api base url: %w", err)
	}
	cli := &Client{
		baseURL:    strings.TrimRight(trimmed, "/"),
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}
	for _, opt := range opts {
		opt(cli)
	}
	return cli, nil
}

// BaseURL returns the normalised API address.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// APIError represents an error response from the API.
type APIError struct {
	Status  int
	Message string
}

func (e APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("api request failed with status %d", e.Status)
	}
	return fmt.Sprintf("api request failed (%d): %s", e.Status, e.Message)
}

func (c *Client) do(ctx context.Context, method, path string, body any, v any) error {
	if c == nil {
		return fmt.Errorf("client is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request body: %w", err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set(TokenHeader, c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return APIError{Status: resp.StatusCode, Message: extractError(resp.Body)}
	}
	if v == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func extractError(body io.Reader) string {
	var payload struct {
		Error string `json:"error"`
	}
	data, err := io.ReadAll(body)
	if err != nil || len(data) == 0 {
		return ""
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return strings.TrimSpace(string(data))
	}
	return strings.TrimSpace(payload.Error)
}

// Project describes a registered repository.
type Project struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	RepoURL     string    `json:"repo_url,omitempty"`
	RepoSlug    string    `json:"repo_slug,omitempty"`
	Branch      string    `json:"branch"`
	Language    *string   `json:"language,omitempty"`
	Status      string    `json:"status"`
	ContainerID *string   `json:"container_id,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// CreateProjectInput captures the payload for project registration.
type CreateProjectInput struct {
	Name     string `json:"name"`
	RepoURL  string `json:"repo_url,omitempty"`
	RepoSlug string `json:"repo_slug,omitempty"`
	Branch   string `json:"branch,omitempty"`
}

// ListProjects returns every registered project.
func (c *Client) ListProjects(ctx context.Context) ([]Project, error) {
	var projects []Project
	if err := c.do(ctx, http.MethodGet, "/projects", nil, &projects); err != nil {
		return nil, err
	}
	return projects, nil
}

// GetProject fetches one project.
func (c *Client) GetProject(ctx context.Context, projectID string) (Project, error) {
	var project Project
	if err := c.do(ctx, http.MethodGet, "/projects/"+url.PathEscape(projectID), nil, &project); err != nil {
		return Project{}, err
	}
	return project, nil
}

// CreateProject registers a new project.
func (c *Client) CreateProject(ctx context.Context, input CreateProjectInput) (Project, error) {
	var project Project
	if err := c.do(ctx, http.MethodPost, "/projects", input, &project); err != nil {
		return Project{}, err
	}
	return project, nil
}

// DeleteProject removes a project, its history and its container.
func (c *Client) DeleteProject(ctx context.Context, projectID string) error {
	return c.do(ctx, http.MethodDelete, "/projects/"+url.PathEscape(projectID), nil, nil)
}

// ResolveProject accepts a project id or name.
func (c *Client) ResolveProject(ctx context.Context, ref string) (Project, error) {
	projects, err := c.ListProjects(ctx)
	if err != nil {
		return Project{}, err
	}
	for _, p := range projects {
		if p.ID == ref || p.Name == ref {
			return p, nil
		}
	}
	return Project{}, APIError{Status: http.StatusNotFound, Message: fmt.Sprintf("project %q not found", ref)}
}

// Deploy is one pipeline run.
type Deploy struct {
	ID         string     `json:"id"`
	ProjectID  string     `json:"project_id"`
	CommitSHA  *string    `json:"commit_sha,omitempty"`
	CommitMsg  *string    `json:"commit_msg,omitempty"`
	Status     string     `json:"status"`
	Log        string     `json:"log"`
	ImageID    *string    `json:"image_id,omitempty"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// Finished reports whether the deploy reached success or failed.
func (d Deploy) Finished() bool {
	return d.Status == "success" || d.Status == "failed"
}

// TriggerResult is returned when a deploy request is queued.
type TriggerResult struct {
	Status     string `json:"status"`
	ProjectID  string `json:"project_id"`
	QueueDepth int    `json:"queue_depth"`
}

// TriggerDeploy queues a deploy of the project's tracked branch.
func (c *Client) TriggerDeploy(ctx context.Context, projectID string) (TriggerResult, error) {
	var res TriggerResult
	path := "/projects/" + url.PathEscape(projectID) + "/deploys"
	if err := c.do(ctx, http.MethodPost, path, nil, &res); err != nil {
		return TriggerResult{}, err
	}
	return res, nil
}

// ListDeploys fetches the newest deploys of a project.
func (c *Client) ListDeploys(ctx context.Context, projectID string, limit int) ([]Deploy, error) {
	path := "/projects/" + url.PathEscape(projectID) + "/deploys"
	if limit > 0 {
		path += fmt.Sprintf("?limit=%d", limit)
	}
	var deploys []Deploy
	if err := c.do(ctx, http.MethodGet, path, nil, &deploys); err != nil {
		return nil, err
	}
	return deploys, nil
}

// GetDeploy fetches a deploy with its stored log.
func (c *Client) GetDeploy(ctx context.Context, deployID string) (Deploy, error) {
	var d Deploy
	if err := c.do(ctx, http.MethodGet, "/deploys/"+url.PathEscape(deployID), nil, &d); err != nil {
		return Deploy{}, err
	}
	return d, nil
}

// WaitDeploy polls until the deploy finishes or ctx ends.
func (c *Client) WaitDeploy(ctx context.Context, deployID string, interval time.Duration) (Deploy, error) {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		d, err := c.GetDeploy(ctx, deployID)
		if err != nil {
			return Deploy{}, err
		}
		if d.Finished() {
			return d, nil
		}
		select {
		case <-ctx.Done():
			return d, ctx.Err()
		case <-ticker.C:
		}
	}
}
