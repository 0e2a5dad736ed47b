// Package repository defines the artifact repository capability shared by leaf
// repositories and composites, the request contract used to move artifacts
// between them, and the manager that loads repositories by location.
package repository

import (
	"context"
	"errors"
	"io"
	"net/url"

	"github.com/BadgerOps/mirrorfed/internal/artifact"
	"github.com/BadgerOps/mirrorfed/internal/status"
)

// Repository properties understood by this module.
const (
	PropName = "name"
	// PropMirrorsURL is the endpoint returning the repository's mirror list.
	PropMirrorsURL = "mirrorsURL"
	// PropMirrorsBaseURL overrides the location mirror paths are made
	// relative to.
	PropMirrorsBaseURL = "mirrorsBaseURL"
	// PropStatsURL is the base of the download telemetry endpoint.
	PropStatsURL = "statsURL"
	// PropSystem marks repositories loaded on behalf of another repository.
	PropSystem = "system"
	// PropAtomicLoading makes a composite fail to load when any child fails.
	PropAtomicLoading = "atomic.composite.loading"
)

var (
	ErrNotFound          = errors.New("repository not found")
	ErrCompositeReadOnly = errors.New("composite repository has no artifacts of its own; modify a child instead")
	ErrNotModifiable     = errors.New("repository is not modifiable")
	ErrNoFactory         = errors.New("no repository type accepts location")
	ErrLoadCycle         = errors.New("repository load cycle")
)

// KeyQuery selects artifact keys.
type KeyQuery func(artifact.Key) bool

// DescriptorQuery selects descriptors.
type DescriptorQuery func(*artifact.Descriptor) bool

// DescriptorQueryable answers descriptor queries.
type DescriptorQueryable interface {
	QueryDescriptors(q DescriptorQuery) []*artifact.Descriptor
}

// OutputStream receives the bytes of one artifact being added to a
// repository. A stream whose status is not OK at Close discards what was
// written instead of publishing it.
type OutputStream interface {
	io.WriteCloser
	// SetStatus records the outcome of the transfer feeding the stream.
	SetStatus(st *status.Status)
	Status() *status.Status
}

// Repository is the capability every artifact repository offers. Composite
// repositories reject the mutating operations with ErrCompositeReadOnly.
type Repository interface {
	Location() *url.URL
	Properties() map[string]string

	Contains(key artifact.Key) bool
	ContainsDescriptor(d *artifact.Descriptor) bool
	// Descriptors returns every stored encoding of key.
	Descriptors(key artifact.Key) []*artifact.Descriptor

	// GetArtifact writes the canonical bytes described by d to dest,
	// applying the descriptor's processing steps.
	GetArtifact(ctx context.Context, d *artifact.Descriptor, dest io.Writer) *status.Status
	// GetRawArtifact writes the stored bytes of d to dest unprocessed.
	GetRawArtifact(ctx context.Context, d *artifact.Descriptor, dest io.Writer) *status.Status
	// GetArtifacts performs every request against this repository.
	GetArtifacts(ctx context.Context, reqs []Request) *status.Status

	QueryKeys(q KeyQuery) []artifact.Key
	DescriptorQueryable() DescriptorQueryable

	Modifiable() bool
	GetOutputStream(d *artifact.Descriptor) (OutputStream, error)
	AddDescriptor(d *artifact.Descriptor) error
	RemoveDescriptor(d *artifact.Descriptor) error
	RemoveAll() error
}

// Manager loads repositories by location and tracks their registration.
type Manager interface {
	LoadRepository(ctx context.Context, location *url.URL) (Repository, error)
	Contains(location *url.URL) bool
	SetEnabled(location *url.URL, enabled bool)
	SetRepositoryProperty(location *url.URL, key, value string)
	RemoveRepository(location *url.URL) bool
}

// AllKeys matches every key.
func AllKeys(artifact.Key) bool { return true }

// KeysWithID matches keys of the given namespace and id.
func KeysWithID(namespace, id string) KeyQuery {
	return func(k artifact.Key) bool {
		return k.Namespace == namespace && k.ID == id
	}
}

// KeysInRange matches keys of namespace/id whose version satisfies a
// go-version constraint.
func KeysInRange(namespace, id, constraint string) KeyQuery {
	return func(k artifact.Key) bool {
		return k.Namespace == namespace && k.ID == id && k.MatchesConstraint(constraint)
	}
}

// DescriptorsOf matches every descriptor of key.
func DescriptorsOf(key artifact.Key) DescriptorQuery {
	return func(d *artifact.Descriptor) bool { return d.Key == key }
}
