package docker

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"

	"github.com/DiegoStefanini/shipit-sub000/internal/domain"
)

// Prune removes every image of the project except the newest. A failed
// removal does not stop the loop; all failures come back wrapped in
// domain.ErrPruneFailed alongside whatever was removed.
func (c *Client) Prune(ctx context.Context, project string) ([]string, error) {
	repo := c.ImageRepository(project)
	images, err := c.inner.ImageList(ctx, image.ListOptions{
		Filters: filters.NewArgs(filters.Arg("reference", repo)),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: list images for %s: %w", domain.ErrPruneFailed, repo, err)
	}
	if len(images) <= 1 {
		return nil, nil
	}

	sort.SliceStable(images, func(i, j int) bool {
		return images[i].Created > images[j].Created
	})

	var (
		removed []string
		errs    []error
	)
	for _, img := range images[1:] {
		if _, err := c.inner.ImageRemove(ctx, img.ID, image.RemoveOptions{Force: false, PruneChildren: true}); err != nil {
			errs = append(errs, fmt.Errorf("remove %s: %w", img.ID, err))
			continue
		}
		removed = append(removed, img.ID)
	}
	if len(errs) > 0 {
		return removed, fmt.Errorf("%w: %w", domain.ErrPruneFailed, errors.Join(errs...))
	}
	return removed, nil
}
