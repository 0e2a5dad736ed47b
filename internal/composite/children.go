package composite

import (
	"context"
	"fmt"
	"net/url"
	"slices"

	"github.com/BadgerOps/mirrorfed/internal/repository"
)

// findChild returns the index of the declared child equivalent to ref, or
// -1. References are equivalent when they resolve to the same location,
// whether written relative or absolute.
func (r *Repository) findChild(ref string) int {
	loc, err := repository.Resolve(r.location, ref)
	if err != nil {
		return -1
	}
	return slices.IndexFunc(r.children, func(c string) bool {
		other, err := repository.Resolve(r.location, c)
		return err == nil && repository.SameLocation(loc, other)
	})
}

// loadChild loads ref through the manager and appends it to the loaded
// children. Repositories the manager did not know before are registered
// hidden, marked as system repositories and recorded in registered.
func (r *Repository) loadChild(ctx context.Context, ref string, registered *[]*url.URL) error {
	loc, err := repository.Resolve(r.location, ref)
	if err != nil {
		return err
	}
	if repository.SameLocation(loc, r.location) {
		return fmt.Errorf("composite %s cannot contain itself", r.location.Redacted())
	}
	known := r.manager.Contains(loc)
	repo, err := r.manager.LoadRepository(ctx, loc)
	if err != nil {
		return err
	}
	if !known {
		r.manager.SetEnabled(loc, false)
		r.manager.SetRepositoryProperty(loc, repository.PropSystem, "true")
		*registered = append(*registered, loc)
	}
	r.loaded = append(r.loaded, &child{location: loc, repo: repo, good: true})
	return nil
}

func (r *Repository) rollback(registered []*url.URL) {
	for _, loc := range registered {
		if r.manager.RemoveRepository(loc) {
			r.logger.Info("rolled back child repository", "child", loc.Redacted())
		}
	}
}

func (r *Repository) saveLocked() error {
	if !r.Modifiable() {
		return fmt.Errorf("%w: %s", repository.ErrNotModifiable, r.location.Redacted())
	}
	return writeIndex(r.root, &index{Properties: r.props, Children: r.children})
}

// AddChild declares ref as a child, loads it and persists the index.
// Adding an equivalent of an existing child is a no-op.
func (r *Repository) AddChild(ctx context.Context, ref string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.findChild(ref) >= 0 {
		return nil
	}
	if !r.Modifiable() {
		return fmt.Errorf("%w: %s", repository.ErrNotModifiable, r.location.Redacted())
	}

	var registered []*url.URL
	if err := r.loadChild(ctx, ref, &registered); err != nil {
		if r.atomic() {
			r.rollback(registered)
			return fmt.Errorf("adding child %s to atomic composite: %w", ref, err)
		}
		r.logger.Warn("child repository could not be loaded", "child", ref, "error", err)
	}
	r.children = append(r.children, ref)
	return r.saveLocked()
}

// RemoveChild drops the child equivalent to ref and persists the index.
func (r *Repository) RemoveChild(ref string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	i := r.findChild(ref)
	if i < 0 {
		return nil
	}
	if !r.Modifiable() {
		return fmt.Errorf("%w: %s", repository.ErrNotModifiable, r.location.Redacted())
	}
	loc, err := repository.Resolve(r.location, r.children[i])
	if err != nil {
		return err
	}
	r.children = slices.Delete(r.children, i, i+1)
	r.loaded = slices.DeleteFunc(r.loaded, func(c *child) bool {
		return repository.SameLocation(c.location, loc)
	})
	return r.saveLocked()
}

// RemoveAllChildren empties the composite.
func (r *Repository) RemoveAllChildren() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.Modifiable() {
		return fmt.Errorf("%w: %s", repository.ErrNotModifiable, r.location.Redacted())
	}
	r.children = nil
	r.loaded = nil
	return r.saveLocked()
}
