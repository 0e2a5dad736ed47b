package simple

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"

	"github.com/hashicorp/go-multierror"

	"github.com/BadgerOps/mirrorfed/internal/artifact"
	"github.com/BadgerOps/mirrorfed/internal/repository"
	"github.com/BadgerOps/mirrorfed/internal/safety"
	"github.com/BadgerOps/mirrorfed/internal/status"
)

// GetOutputStream returns a stream that stores the bytes of d. The
// descriptor is added to the index when the stream is closed with an OK
// status; otherwise the partial file is discarded.
func (r *Repository) GetOutputStream(d *artifact.Descriptor) (repository.OutputStream, error) {
	if !r.Modifiable() {
		return nil, fmt.Errorf("%w: %s", repository.ErrNotModifiable, r.location.Redacted())
	}
	own := d.ForRepository(r.location.String())
	target, err := safety.SafeJoinUnder(r.root, artifactPath(own))
	if err != nil {
		return nil, fmt.Errorf("artifact %s: %w", d, err)
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return nil, fmt.Errorf("creating artifact directory: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(target), ".incoming-*")
	if err != nil {
		return nil, fmt.Errorf("creating artifact file: %w", err)
	}
	return &outputStream{
		repo:       r,
		descriptor: own,
		file:       tmp,
		target:     target,
		st:         status.Success(),
	}, nil
}

type outputStream struct {
	repo       *Repository
	descriptor *artifact.Descriptor
	file       *os.File
	target     string
	st         *status.Status
	closed     bool
}

func (o *outputStream) Write(p []byte) (int, error) { return o.file.Write(p) }

func (o *outputStream) SetStatus(st *status.Status) { o.st = st }

func (o *outputStream) Status() *status.Status { return o.st }

func (o *outputStream) Close() error {
	if o.closed {
		return nil
	}
	o.closed = true

	if err := o.file.Close(); err != nil {
		os.Remove(o.file.Name())
		return fmt.Errorf("closing %s: %w", o.file.Name(), err)
	}
	if o.st != nil && o.st.Severity >= status.Error {
		os.Remove(o.file.Name())
		return nil
	}
	if err := os.Rename(o.file.Name(), o.target); err != nil {
		os.Remove(o.file.Name())
		return fmt.Errorf("storing %s: %w", o.descriptor, err)
	}
	return o.repo.AddDescriptor(o.descriptor)
}

// AddDescriptor records d in the index, replacing an equal descriptor.
func (r *Repository) AddDescriptor(d *artifact.Descriptor) error {
	if !r.Modifiable() {
		return fmt.Errorf("%w: %s", repository.ErrNotModifiable, r.location.Redacted())
	}
	c := d.ForRepository(r.location.String())
	if c.Property(artifact.PropArtifactReference) == "" {
		c.Properties[artifact.PropArtifactReference] = artifactPath(c)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	next := slices.DeleteFunc(slices.Clone(r.descriptors), func(o *artifact.Descriptor) bool { return o.Equal(c) })
	next = append(next, c)
	if err := r.saveLocked(next); err != nil {
		return err
	}
	r.descriptors = next
	return nil
}

// RemoveDescriptor drops d from the index and deletes its file.
func (r *Repository) RemoveDescriptor(d *artifact.Descriptor) error {
	if !r.Modifiable() {
		return fmt.Errorf("%w: %s", repository.ErrNotModifiable, r.location.Redacted())
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	var removed []*artifact.Descriptor
	next := slices.DeleteFunc(slices.Clone(r.descriptors), func(o *artifact.Descriptor) bool {
		if o.Equal(d) {
			removed = append(removed, o)
			return true
		}
		return false
	})
	if len(removed) == 0 {
		return nil
	}
	if err := r.saveLocked(next); err != nil {
		return err
	}
	r.descriptors = next
	return r.deleteFiles(removed)
}

// RemoveAll empties the repository.
func (r *Repository) RemoveAll() error {
	if !r.Modifiable() {
		return fmt.Errorf("%w: %s", repository.ErrNotModifiable, r.location.Redacted())
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	removed := r.descriptors
	if err := r.saveLocked(nil); err != nil {
		return err
	}
	r.descriptors = nil
	return r.deleteFiles(removed)
}

func (r *Repository) saveLocked(descriptors []*artifact.Descriptor) error {
	return writeIndex(r.root, &index{Properties: r.props, Artifacts: descriptors})
}

func (r *Repository) deleteFiles(ds []*artifact.Descriptor) error {
	var result *multierror.Error
	for _, d := range ds {
		p, err := safety.SafeJoinUnder(r.root, artifactPath(d))
		if err != nil {
			result = multierror.Append(result, err)
			continue
		}
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}
