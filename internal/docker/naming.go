package docker

import (
	"fmt"
	"strconv"
)

const (
	LabelProject = "shipit.project"
	LabelDeploy  = "shipit.deploy"
)

// ImageRepository is the repository part shared by every tag of a project.
func (c *Client) ImageRepository(project string) string {
	return c.cfg.ImagePrefix + "-" + project
}

// ImageTag names a build by its short commit, or by the deploy id when the
// commit is unknown.
func (c *Client) ImageTag(project, commitSHA, deployID string) string {
	version := deployID
	if len(commitSHA) >= 12 {
		version = commitSHA[:12]
	} else if commitSHA != "" {
		version = commitSHA
	}
	return c.ImageRepository(project) + ":" + version
}

// ContainerName is the stable name of a project's running container.
func (c *Client) ContainerName(project string) string {
	return c.cfg.ImagePrefix + "-" + project
}

// Labels returns the routing labels Traefik discovers the container by.
func (c *Client) Labels(project, deployID string, port int) map[string]string {
	labels := map[string]string{
		"traefik.enable":         "true",
		"traefik.docker.network": c.cfg.Network,
		LabelProject:             project,
		LabelDeploy:              deployID,
	}
	labels["traefik.http.routers."+project+".rule"] = fmt.Sprintf("Host(`%s.%s`)", project, c.cfg.Domain)
	labels["traefik.http.services."+project+".loadbalancer.server.port"] = strconv.Itoa(port)
	return labels
}
