// Package composite federates child repositories behind one repository.
// A composite has no artifacts of its own: reads are forwarded to its
// children in declared order and writes are rejected.
package composite

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/BadgerOps/mirrorfed/internal/artifact"
	"github.com/BadgerOps/mirrorfed/internal/repository"
	"github.com/BadgerOps/mirrorfed/internal/safety"
	"github.com/BadgerOps/mirrorfed/internal/status"
	"github.com/BadgerOps/mirrorfed/internal/transport"
)

// IndexFile is the name of the composite index.
const IndexFile = "compositeArtifacts.yaml"

const maxIndexBytes int64 = 4 << 20

type index struct {
	Properties map[string]string `yaml:"properties,omitempty"`
	Children   []string          `yaml:"children"`
}

// Options carries the collaborators of a composite.
type Options struct {
	// Manager loads and registers child repositories.
	Manager   repository.Manager
	Transport transport.Transport
	Logger    *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Transport == nil {
		o.Transport = transport.Default(o.Logger)
	}
	return o
}

type child struct {
	location *url.URL
	repo     repository.Repository
	good     bool
}

// Repository is a composite repository.
type Repository struct {
	location *url.URL
	root     string
	manager  repository.Manager
	logger   *slog.Logger

	// mu guards the child lists, the good flags and props.
	mu       sync.Mutex
	props    map[string]string
	children []string
	loaded   []*child
}

var _ repository.Repository = (*Repository)(nil)

// Open loads the composite at location and every child it declares. When
// the composite is atomic, a child that fails to load fails the open and
// every repository registered on its behalf is removed again.
func Open(ctx context.Context, location *url.URL, opts Options) (*Repository, error) {
	opts = opts.withDefaults()
	if opts.Manager == nil {
		return nil, errors.New("composite repository requires a repository manager")
	}
	location = repository.Normalize(location)
	idx, err := readIndex(ctx, opts.Transport, location)
	if err != nil {
		return nil, err
	}

	r := newRepository(location, idx.Properties, opts)
	var registered []*url.URL
	for _, ref := range idx.Children {
		if r.findChild(ref) >= 0 {
			continue
		}
		r.children = append(r.children, ref)
		if err := r.loadChild(ctx, ref, &registered); err != nil {
			if r.atomic() {
				r.rollback(registered)
				return nil, fmt.Errorf("loading child %s of atomic composite %s: %w", ref, location.Redacted(), err)
			}
			r.logger.Warn("skipping child repository", "child", ref, "error", err)
		}
	}
	return r, nil
}

// Create initializes an empty composite in dir. An existing index is kept.
func Create(ctx context.Context, dir string, props map[string]string, opts Options) (*Repository, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolving %s: %w", dir, err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("creating composite directory: %w", err)
	}
	if _, err := os.Stat(filepath.Join(abs, IndexFile)); errors.Is(err, os.ErrNotExist) {
		if err := writeIndex(abs, &index{Properties: props}); err != nil {
			return nil, err
		}
	}
	return Open(ctx, &url.URL{Scheme: "file", Path: filepath.ToSlash(abs)}, opts)
}

func newRepository(location *url.URL, props map[string]string, opts Options) *Repository {
	if props == nil {
		props = map[string]string{}
	}
	r := &Repository{
		location: location,
		manager:  opts.Manager,
		logger:   opts.Logger.With("composite", location.Redacted()),
		props:    props,
	}
	if location.Scheme == "file" {
		r.root = filepath.FromSlash(location.Path)
	}
	return r
}

func readIndex(ctx context.Context, t transport.Transport, location *url.URL) (*index, error) {
	loc, err := repository.Resolve(location, IndexFile)
	if err != nil {
		return nil, err
	}
	body, err := t.Stream(ctx, loc)
	if err != nil {
		if transport.IsNotFound(err) {
			return nil, fmt.Errorf("%w: no %s at %s", repository.ErrNotFound, IndexFile, location.Redacted())
		}
		return nil, fmt.Errorf("fetching %s: %w", loc.Redacted(), err)
	}
	defer body.Close()
	data, err := safety.ReadAllWithLimit(body, maxIndexBytes)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", loc.Redacted(), err)
	}
	var idx index
	if err := yaml.Unmarshal(data, &idx); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", loc.Redacted(), err)
	}
	return &idx, nil
}

func writeIndex(root string, idx *index) error {
	data, err := yaml.Marshal(idx)
	if err != nil {
		return fmt.Errorf("encoding composite index: %w", err)
	}
	return safety.WriteFileAtomic(root, IndexFile, data)
}

func (r *Repository) atomic() bool {
	return r.props[repository.PropAtomicLoading] == "true"
}

// Location implements repository.Repository.
func (r *Repository) Location() *url.URL {
	c := *r.location
	return &c
}

// Properties implements repository.Repository.
func (r *Repository) Properties() map[string]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return maps.Clone(r.props)
}

// Children returns the declared child references.
func (r *Repository) Children() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.children)
}

// LoadedChildren returns the children that loaded successfully, in
// declared order.
func (r *Repository) LoadedChildren() []repository.Repository {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]repository.Repository, 0, len(r.loaded))
	for _, c := range r.loaded {
		out = append(out, c.repo)
	}
	return out
}

// snapshot returns the loaded children; transfers run on it outside the lock.
func (r *Repository) snapshot() []*child {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.loaded)
}

func (r *Repository) isGood(c *child) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return c.good
}

// forgiveAll marks every child good again.
func (r *Repository) forgiveAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.loaded {
		c.good = true
	}
}

// markBad marks c not good and reports whether another good child still
// holds d.
func (r *Repository) markBad(c *child, d *artifact.Descriptor) bool {
	r.mu.Lock()
	c.good = false
	var candidates []*child
	for _, o := range r.loaded {
		if o.good {
			candidates = append(candidates, o)
		}
	}
	r.mu.Unlock()

	for _, o := range candidates {
		if o.repo.ContainsDescriptor(d) {
			return true
		}
	}
	return false
}

// Modifiable reports whether the child list can be persisted.
func (r *Repository) Modifiable() bool { return r.root != "" }

// GetOutputStream is rejected; composites hold no artifacts.
func (r *Repository) GetOutputStream(*artifact.Descriptor) (repository.OutputStream, error) {
	return nil, repository.ErrCompositeReadOnly
}

// AddDescriptor is rejected; composites hold no artifacts.
func (r *Repository) AddDescriptor(*artifact.Descriptor) error {
	return repository.ErrCompositeReadOnly
}

// RemoveDescriptor is rejected; composites hold no artifacts.
func (r *Repository) RemoveDescriptor(*artifact.Descriptor) error {
	return repository.ErrCompositeReadOnly
}

// RemoveAll is rejected; composites hold no artifacts.
func (r *Repository) RemoveAll() error {
	return repository.ErrCompositeReadOnly
}
