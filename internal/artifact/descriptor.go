package artifact

import (
	"errors"
	"maps"
	"slices"
	"strings"
)

// ErrInvalidKey is returned for keys missing a namespace, id or version.
var ErrInvalidKey = errors.New("invalid artifact key")

// Descriptor properties.
const (
	// PropFormat names a packed encoding; canonical descriptors have none.
	PropFormat = "format"
	// PropChecksumPrefix prefixes per-algorithm download checksums,
	// e.g. "download.checksum.sha-256".
	PropChecksumPrefix = "download.checksum."
	PropDownloadSize   = "download.size"
	PropArtifactSize   = "artifact.size"
	// PropArtifactReference is the location-specific path of the artifact
	// within its repository. It is not carried over when mirroring.
	PropArtifactReference = "artifact.reference"
	PropContentType       = "download.contentType"
)

// StepRef names a processing step that must be applied to the stored bytes to
// recover the canonical artifact.
type StepRef struct {
	ID       string `yaml:"id" json:"id"`
	Data     string `yaml:"data,omitempty" json:"data,omitempty"`
	Required bool   `yaml:"required,omitempty" json:"required,omitempty"`
}

// Descriptor is one stored encoding of an artifact. Several descriptors may
// share a key. Treat published descriptors as immutable and Clone before
// changing them.
type Descriptor struct {
	Key        Key               `yaml:",inline" json:"key"`
	Properties map[string]string `yaml:"properties,omitempty" json:"properties,omitempty"`
	Steps      []StepRef         `yaml:"steps,omitempty" json:"steps,omitempty"`
	// Repository is the location of the owning repository.
	Repository string `yaml:"-" json:"repository,omitempty"`
}

// NewDescriptor returns a canonical descriptor for key.
func NewDescriptor(key Key) *Descriptor {
	return &Descriptor{Key: key, Properties: map[string]string{}}
}

// Clone returns a deep copy.
func (d *Descriptor) Clone() *Descriptor {
	c := &Descriptor{
		Key:        d.Key,
		Properties: maps.Clone(d.Properties),
		Steps:      slices.Clone(d.Steps),
		Repository: d.Repository,
	}
	if c.Properties == nil {
		c.Properties = map[string]string{}
	}
	return c
}

// Property returns the named property or "".
func (d *Descriptor) Property(name string) string {
	if d.Properties == nil {
		return ""
	}
	return d.Properties[name]
}

// IsCanonical reports whether d stores the unprocessed artifact bytes.
func (d *Descriptor) IsCanonical() bool {
	return len(d.Steps) == 0 && d.Property(PropFormat) == ""
}

// Checksums returns the algorithm -> hex digest map declared on d.
func (d *Descriptor) Checksums() map[string]string {
	out := make(map[string]string)
	for k, v := range d.Properties {
		if alg, ok := strings.CutPrefix(k, PropChecksumPrefix); ok && alg != "" {
			out[alg] = v
		}
	}
	return out
}

// Equal compares descriptor identity: key, processing steps and format.
// Repository and transient properties are ignored.
func (d *Descriptor) Equal(o *Descriptor) bool {
	if d == nil || o == nil {
		return d == o
	}
	return d.Key == o.Key &&
		slices.Equal(d.Steps, o.Steps) &&
		d.Property(PropFormat) == o.Property(PropFormat)
}

// ForRepository returns a copy of d bound to repository location loc, without
// the properties that only make sense in the source repository.
func (d *Descriptor) ForRepository(loc string) *Descriptor {
	c := d.Clone()
	c.Repository = loc
	delete(c.Properties, PropArtifactReference)
	return c
}

func (d *Descriptor) String() string {
	if d.IsCanonical() {
		return d.Key.String()
	}
	parts := make([]string, 0, len(d.Steps)+1)
	for _, s := range d.Steps {
		parts = append(parts, s.ID)
	}
	if f := d.Property(PropFormat); f != "" {
		parts = append(parts, "format="+f)
	}
	return d.Key.String() + " [" + strings.Join(parts, ",") + "]"
}
