package docker

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"

	"github.com/DiegoStefanini/shipit-sub000/internal/domain"
)

// SwapRequest describes the container that should replace a project's current one.
type SwapRequest struct {
	Project        string
	DeployID       string
	Image          string
	Port           int
	OldContainerID string
}

// Swap stops and removes the old container, clears any container holding the
// project's name, then creates and starts the new one. There is no rollback:
// if the new container fails to start the project is left without one.
func (c *Client) Swap(ctx context.Context, req SwapRequest) (string, error) {
	if strings.TrimSpace(req.Project) == "" || strings.TrimSpace(req.Image) == "" {
		return "", fmt.Errorf("%w: project and image are required", domain.ErrSwapFailed)
	}

	if req.OldContainerID != "" {
		if err := c.stopAndRemove(ctx, req.OldContainerID); err != nil {
			return "", fmt.Errorf("%w: retire old container: %w", domain.ErrSwapFailed, err)
		}
	}

	name := c.ContainerName(req.Project)
	if err := c.removeIfExists(ctx, name); err != nil {
		return "", fmt.Errorf("%w: clear container name %s: %w", domain.ErrSwapFailed, name, err)
	}

	port := nat.Port(strconv.Itoa(req.Port) + "/tcp")
	cfg := &container.Config{
		Image:        req.Image,
		Env:          []string{"PORT=" + strconv.Itoa(req.Port)},
		ExposedPorts: nat.PortSet{port: struct{}{}},
		Labels:       c.Labels(req.Project, req.DeployID, req.Port),
	}
	hostCfg := &container.HostConfig{
		NetworkMode:   container.NetworkMode(c.cfg.Network),
		RestartPolicy: container.RestartPolicy{Name: container.RestartPolicyUnlessStopped},
		Resources:     container.Resources{Memory: c.cfg.MemoryMB * 1024 * 1024},
	}
	netCfg := &network.NetworkingConfig{
		EndpointsConfig: map[string]*network.EndpointSettings{c.cfg.Network: {}},
	}

	created, err := c.inner.ContainerCreate(ctx, cfg, hostCfg, netCfg, nil, name)
	if err != nil {
		return "", fmt.Errorf("%w: container create: %w", domain.ErrSwapFailed, err)
	}
	if err := c.inner.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		startErr := fmt.Errorf("%w: container start: %w", domain.ErrSwapFailed, err)
		if rmErr := c.removeIfExists(ctx, created.ID); rmErr != nil {
			return "", errors.Join(startErr, fmt.Errorf("container left behind: %w", rmErr))
		}
		return "", startErr
	}
	return created.ID, nil
}

// StopProject stops and removes a project's container, ignoring ones already gone.
func (c *Client) StopProject(ctx context.Context, containerID string) error {
	if containerID == "" {
		return nil
	}
	return c.stopAndRemove(ctx, containerID)
}

func (c *Client) stopAndRemove(ctx context.Context, id string) error {
	timeout := int(c.cfg.StopTimeout.Seconds())
	if err := c.inner.ContainerStop(ctx, id, container.StopOptions{Timeout: &timeout}); err != nil && !isGone(err) {
		return fmt.Errorf("stop container %s: %w", id, err)
	}
	return c.removeIfExists(ctx, id)
}

func (c *Client) removeIfExists(ctx context.Context, nameOrID string) error {
	err := c.inner.ContainerRemove(ctx, nameOrID, container.RemoveOptions{Force: true})
	if err != nil && !isGone(err) {
		return fmt.Errorf("remove container %s: %w", nameOrID, err)
	}
	return nil
}

// isGone reports engine errors meaning the container is already stopped or absent.
func isGone(err error) bool {
	if client.IsErrNotFound(err) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "is not running") ||
		(strings.Contains(msg, "removal of container") && strings.Contains(msg, "already in progress"))
}
