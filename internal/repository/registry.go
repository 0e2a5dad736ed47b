package repository

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"net/url"
	"slices"
	"sync"

	"golang.org/x/sync/singleflight"
)

// Factory loads one kind of repository. Load returns an error wrapping
// ErrNotFound when location does not hold a repository of its kind, so the
// registry can try the next factory.
type Factory interface {
	Type() string
	Load(ctx context.Context, location *url.URL) (Repository, error)
}

type registration struct {
	repo    Repository
	enabled bool
	props   map[string]string
}

// Registry is the in-process Manager. It tries factories in the order they
// were added and collapses concurrent loads of the same location.
//
// A load that itself loads other locations (a composite loading its
// children) must not wait on a load that is waiting on it. The registry
// keeps a wait-for edge per nested load and refuses any load that would
// close a cycle with ErrLoadCycle.
type Registry struct {
	logger *slog.Logger

	mu        sync.RWMutex
	factories []Factory
	repos     map[string]*registration
	order     []string

	// waits maps an in-flight load to the location it is waiting on.
	waits map[string]string

	loads singleflight.Group
}

type loaderKey struct{}

// loaderFrom returns the location whose load ctx belongs to, if any.
func loaderFrom(ctx context.Context) string {
	key, _ := ctx.Value(loaderKey{}).(string)
	return key
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger, factories ...Factory) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		logger:    logger,
		factories: factories,
		repos:     make(map[string]*registration),
		waits:     make(map[string]string),
	}
}

// AddFactory appends a factory. Factories that need the registry itself
// (composites) are added after construction.
func (r *Registry) AddFactory(f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories = append(r.factories, f)
}

func registryKey(location *url.URL) string {
	return Normalize(location).String()
}

// LoadRepository returns the repository at location, loading and
// registering it on first use.
func (r *Registry) LoadRepository(ctx context.Context, location *url.URL) (Repository, error) {
	key := registryKey(location)
	if repo := r.lookup(key); repo != nil {
		return repo, nil
	}

	if parent := loaderFrom(ctx); parent != "" {
		if err := r.await(parent, key); err != nil {
			return nil, err
		}
		defer r.done(parent)
	}
	v, err, _ := r.loads.Do(key, func() (any, error) {
		if repo := r.lookup(key); repo != nil {
			return repo, nil
		}
		repo, err := r.load(context.WithValue(ctx, loaderKey{}, key), location)
		if err != nil {
			return nil, err
		}
		r.register(key, repo)
		return repo, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(Repository), nil
}

// await records that the load of parent waits on key. It fails when key is
// parent itself or when the load of key already waits, directly or through
// other loads, on parent.
func (r *Registry) await(parent, key string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for cur, ok := key, true; ok; cur, ok = r.waits[cur] {
		if cur == parent {
			r.logger.Warn("repository load cycle", "location", redactKey(key), "loader", redactKey(parent))
			return fmt.Errorf("%w: %s is waiting on %s", ErrLoadCycle, redactKey(key), redactKey(parent))
		}
	}
	r.waits[parent] = key
	return nil
}

func redactKey(key string) string {
	if u, err := url.Parse(key); err == nil {
		return u.Redacted()
	}
	return key
}

func (r *Registry) done(parent string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.waits, parent)
}

func (r *Registry) load(ctx context.Context, location *url.URL) (Repository, error) {
	r.mu.RLock()
	factories := slices.Clone(r.factories)
	r.mu.RUnlock()

	for _, f := range factories {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		repo, err := f.Load(ctx, location)
		if errors.Is(err, ErrNotFound) {
			r.logger.Debug("location is not a repository of this type", "type", f.Type(), "location", location.Redacted())
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("loading %s repository %s: %w", f.Type(), location.Redacted(), err)
		}
		r.logger.Info("loaded repository", "type", f.Type(), "location", location.Redacted())
		return repo, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrNoFactory, location.Redacted())
}

func (r *Registry) lookup(key string) Repository {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if reg, ok := r.repos[key]; ok {
		return reg.repo
	}
	return nil
}

func (r *Registry) register(key string, repo Repository) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.repos[key]; !ok {
		r.order = append(r.order, key)
	}
	r.repos[key] = &registration{repo: repo, enabled: true, props: maps.Clone(repo.Properties())}
}

// Contains reports whether a repository is registered at location.
func (r *Registry) Contains(location *url.URL) bool {
	return r.lookup(registryKey(location)) != nil
}

// SetEnabled enables or hides a registered repository.
func (r *Registry) SetEnabled(location *url.URL, enabled bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if reg, ok := r.repos[registryKey(location)]; ok {
		reg.enabled = enabled
	}
}

// IsEnabled reports whether the repository at location is registered and
// enabled.
func (r *Registry) IsEnabled(location *url.URL) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.repos[registryKey(location)]
	return ok && reg.enabled
}

// SetRepositoryProperty records a manager-level property for a registered
// repository.
func (r *Registry) SetRepositoryProperty(location *url.URL, key, value string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if reg, ok := r.repos[registryKey(location)]; ok {
		if reg.props == nil {
			reg.props = map[string]string{}
		}
		reg.props[key] = value
	}
}

// RepositoryProperty returns a manager-level property.
func (r *Registry) RepositoryProperty(location *url.URL, key string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if reg, ok := r.repos[registryKey(location)]; ok {
		return reg.props[key]
	}
	return ""
}

// RemoveRepository forgets the repository at location.
func (r *Registry) RemoveRepository(location *url.URL) bool {
	key := registryKey(location)
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.repos[key]; !ok {
		return false
	}
	delete(r.repos, key)
	r.order = slices.DeleteFunc(r.order, func(k string) bool { return k == key })
	return true
}

// Repositories lists registered repositories in registration order. Hidden
// repositories are included only when all is set.
func (r *Registry) Repositories(all bool) []Repository {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Repository, 0, len(r.order))
	for _, k := range r.order {
		reg := r.repos[k]
		if reg.enabled || all {
			out = append(out, reg.repo)
		}
	}
	return out
}
