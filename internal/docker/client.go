// Package docker drives the container engine: image builds, container swaps
// and image pruning for deployed projects.
package docker

import (
	"context"
	"fmt"
	"time"

	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
)

// Config carries the engine-side settings shared by every deploy.
type Config struct {
	ImagePrefix  string
	Network      string
	Domain       string
	MemoryMB     int64
	BuildTimeout time.Duration
	StopTimeout  time.Duration
}

func (c Config) withDefaults() Config {
	if c.ImagePrefix == "" {
		c.ImagePrefix = "shipit"
	}
	if c.Network == "" {
		c.Network = "shipit"
	}
	if c.Domain == "" {
		c.Domain = "localhost"
	}
	if c.MemoryMB <= 0 {
		c.MemoryMB = 512
	}
	if c.BuildTimeout <= 0 {
		c.BuildTimeout = 10 * time.Minute
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = 10 * time.Second
	}
	return c
}

// Client wraps the Docker SDK client. Any Docker-compatible socket works,
// including Podman's.
type Client struct {
	inner client.APIClient
	cfg   Config
}

// New creates a Docker client using environment defaults, overridden by host when set.
func New(host string, cfg Config) (*Client, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if host != "" {
		opts = append(opts, client.WithHost(host))
	}
	inner, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	return newWithAPI(inner, cfg), nil
}

func newWithAPI(api client.APIClient, cfg Config) *Client {
	return &Client{inner: api, cfg: cfg.withDefaults()}
}

// Ping validates connectivity to the engine.
func (c *Client) Ping(ctx context.Context) error {
	ping, err := c.inner.Ping(ctx)
	if err != nil {
		return fmt.Errorf("docker ping: %w", err)
	}
	if ping.APIVersion == "" {
		return fmt.Errorf("docker ping returned empty API version")
	}
	return nil
}

// EnsureNetwork creates the shared bridge network the reverse proxy watches.
func (c *Client) EnsureNetwork(ctx context.Context) error {
	if _, err := c.inner.NetworkInspect(ctx, c.cfg.Network, network.InspectOptions{}); err == nil {
		return nil
	} else if !client.IsErrNotFound(err) {
		return fmt.Errorf("inspect network %s: %w", c.cfg.Network, err)
	}
	if _, err := c.inner.NetworkCreate(ctx, c.cfg.Network, network.CreateOptions{Driver: "bridge"}); err != nil {
		return fmt.Errorf("create network %s: %w", c.cfg.Network, err)
	}
	return nil
}

// Close releases resources held by the Docker client.
func (c *Client) Close() error {
	if c.inner == nil {
		return nil
	}
	return c.inner.Close()
}
