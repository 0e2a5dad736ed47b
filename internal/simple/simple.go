// Package simple implements leaf artifact repositories. A simple repository
// is a directory holding an artifacts.yaml index and the artifact files it
// references, served over any transport. Downloads go through the
// repository's mirror selector. Repositories on the local filesystem are
// writable.
package simple

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"sync"

	"github.com/BadgerOps/mirrorfed/internal/artifact"
	"github.com/BadgerOps/mirrorfed/internal/mirror"
	"github.com/BadgerOps/mirrorfed/internal/processing"
	"github.com/BadgerOps/mirrorfed/internal/repository"
	"github.com/BadgerOps/mirrorfed/internal/safety"
	"github.com/BadgerOps/mirrorfed/internal/status"
	"github.com/BadgerOps/mirrorfed/internal/transport"
)

// Options carries the collaborators of a simple repository.
type Options struct {
	Transport  transport.Transport
	Processors *processing.Registry
	Logger     *slog.Logger
	// MirrorOptions are passed to the repository's mirror selector.
	MirrorOptions []mirror.Option
}

func (o Options) withDefaults() Options {
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Transport == nil {
		o.Transport = transport.Default(o.Logger)
	}
	if o.Processors == nil {
		o.Processors = processing.NewRegistry()
	}
	return o
}

// Repository is a leaf repository.
type Repository struct {
	location   *url.URL
	root       string
	transport  transport.Transport
	processors *processing.Registry
	selector   *mirror.Selector
	logger     *slog.Logger

	mu          sync.RWMutex
	props       map[string]string
	descriptors []*artifact.Descriptor
}

var _ repository.Repository = (*Repository)(nil)

// Open loads the simple repository at location. It returns an error
// wrapping repository.ErrNotFound when there is no index.
func Open(ctx context.Context, location *url.URL, opts Options) (*Repository, error) {
	opts = opts.withDefaults()
	location = repository.Normalize(location)
	idx, err := readIndex(ctx, opts.Transport, location)
	if err != nil {
		return nil, err
	}
	return newRepository(location, idx, opts), nil
}

// Create initializes an empty writable repository in dir and returns it.
// An existing index in dir is kept.
func Create(ctx context.Context, dir string, props map[string]string, opts Options) (*Repository, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolving %s: %w", dir, err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("creating repository directory: %w", err)
	}
	loc := &url.URL{Scheme: "file", Path: filepath.ToSlash(abs)}
	if _, err := os.Stat(filepath.Join(abs, IndexFile)); errors.Is(err, os.ErrNotExist) {
		if err := writeIndex(abs, &index{Properties: props}); err != nil {
			return nil, err
		}
	}
	return Open(ctx, loc, opts)
}

func newRepository(location *url.URL, idx *index, opts Options) *Repository {
	r := &Repository{
		location:    location,
		transport:   opts.Transport,
		processors:  opts.Processors,
		logger:      opts.Logger.With("repository", location.Redacted()),
		props:       idx.Properties,
		descriptors: idx.Artifacts,
	}
	if r.props == nil {
		r.props = map[string]string{}
	}
	if location.Scheme == "file" {
		r.root = filepath.FromSlash(location.Path)
	}
	for _, d := range r.descriptors {
		d.Repository = location.String()
	}
	mopts := append([]mirror.Option{mirror.WithLogger(opts.Logger)}, opts.MirrorOptions...)
	r.selector = mirror.NewSelector(r, opts.Transport, mopts...)
	return r
}

// Location implements repository.Repository.
func (r *Repository) Location() *url.URL {
	c := *r.location
	return &c
}

// Properties implements repository.Repository.
func (r *Repository) Properties() map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return maps.Clone(r.props)
}

// Selector returns the repository's mirror selector.
func (r *Repository) Selector() *mirror.Selector { return r.selector }

func (r *Repository) Contains(key artifact.Key) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, d := range r.descriptors {
		if d.Key == key {
			return true
		}
	}
	return false
}

func (r *Repository) ContainsDescriptor(d *artifact.Descriptor) bool {
	return r.find(d) != nil
}

func (r *Repository) find(d *artifact.Descriptor) *artifact.Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, own := range r.descriptors {
		if own.Equal(d) {
			return own
		}
	}
	return nil
}

func (r *Repository) Descriptors(key artifact.Key) []*artifact.Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*artifact.Descriptor
	for _, d := range r.descriptors {
		if d.Key == key {
			out = append(out, d.Clone())
		}
	}
	return out
}

// QueryKeys returns the distinct keys matching q in index order.
func (r *Repository) QueryKeys(q repository.KeyQuery) []artifact.Key {
	r.mu.RLock()
	defer r.mu.RUnlock()
	seen := make(map[artifact.Key]bool)
	var out []artifact.Key
	for _, d := range r.descriptors {
		if !seen[d.Key] && q(d.Key) {
			seen[d.Key] = true
			out = append(out, d.Key)
		}
	}
	return out
}

func (r *Repository) DescriptorQueryable() repository.DescriptorQueryable { return r }

// QueryDescriptors implements repository.DescriptorQueryable.
func (r *Repository) QueryDescriptors(q repository.DescriptorQuery) []*artifact.Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*artifact.Descriptor
	for _, d := range r.descriptors {
		if q(d) {
			out = append(out, d.Clone())
		}
	}
	return out
}

// artifactPath returns the repository-relative path of d's bytes.
func artifactPath(d *artifact.Descriptor) string {
	if ref := d.Property(artifact.PropArtifactReference); ref != "" {
		return ref
	}
	name := d.Key.ID + "_" + d.Key.Version
	if d.Key.Classifier != "" {
		name += "-" + d.Key.Classifier
	}
	if f := d.Property(artifact.PropFormat); f != "" {
		name += "." + f
	}
	return path.Join(d.Key.Namespace, name)
}

// ArtifactLocation returns where the bytes of d live in this repository.
func (r *Repository) ArtifactLocation(d *artifact.Descriptor) (*url.URL, error) {
	rel, err := safety.CleanRelativePath(artifactPath(d))
	if err != nil {
		return nil, fmt.Errorf("artifact %s: %w", d, err)
	}
	return repository.Resolve(r.location, filepath.ToSlash(rel))
}

// GetRawArtifact downloads the stored bytes of d, from a mirror when one is
// available. A failure is reported as a retry while the selector still has
// a usable mirror.
func (r *Repository) GetRawArtifact(ctx context.Context, d *artifact.Descriptor, dest io.Writer) *status.Status {
	own := r.find(d)
	if own == nil {
		return status.NotFound(nil, "artifact %s is not in repository %s", d, r.location.Redacted())
	}
	if st := status.FromContext(ctx.Err()); st != nil {
		return st
	}
	loc, err := r.ArtifactLocation(own)
	if err != nil {
		return status.Errorf(err, "cannot locate %s", d)
	}

	target := r.selector.MirrorLocation(ctx, loc)
	st := r.transport.Download(ctx, target, dest)
	r.selector.ReportResult(target.String(), st)
	if st.IsOK() || st.Severity == status.Cancel {
		return st
	}
	r.logger.Warn("artifact download failed", "artifact", d.String(), "location", target.Redacted(), "error", st.Message)
	if r.selector.HasValidMirror(ctx) {
		return status.Retry(fmt.Sprintf("download of %s from %s failed; another mirror may succeed", d, target.Redacted()), st)
	}
	return st
}

// GetArtifact downloads d and applies its processing steps.
func (r *Repository) GetArtifact(ctx context.Context, d *artifact.Descriptor, dest io.Writer) *status.Status {
	own := r.find(d)
	if own == nil {
		return status.NotFound(nil, "artifact %s is not in repository %s", d, r.location.Redacted())
	}
	if own.IsCanonical() {
		return r.GetRawArtifact(ctx, own, dest)
	}
	chain, err := r.processors.Chain(own, dest)
	if err != nil {
		return status.Errorf(err, "cannot process %s", d)
	}
	st := r.GetRawArtifact(ctx, own, chain)
	closeErr := chain.Close()
	if !st.IsOK() {
		return st
	}
	if closeErr != nil {
		return chain.Status()
	}
	return st
}

// GetArtifacts implements repository.Repository.
func (r *Repository) GetArtifacts(ctx context.Context, reqs []repository.Request) *status.Status {
	return repository.PerformAll(ctx, r, reqs)
}

func (r *Repository) Modifiable() bool { return r.root != "" }
