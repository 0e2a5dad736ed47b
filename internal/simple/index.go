package simple

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/BadgerOps/mirrorfed/internal/artifact"
	"github.com/BadgerOps/mirrorfed/internal/repository"
	"github.com/BadgerOps/mirrorfed/internal/safety"
	"github.com/BadgerOps/mirrorfed/internal/transport"
)

// IndexFile is the name of the index at the root of a simple repository.
const IndexFile = "artifacts.yaml"

const maxIndexBytes int64 = 64 << 20

// index is the on-disk form of a simple repository.
type index struct {
	Properties map[string]string      `yaml:"properties,omitempty"`
	Artifacts  []*artifact.Descriptor `yaml:"artifacts"`
}

func readIndex(ctx context.Context, t transport.Transport, location *url.URL) (*index, error) {
	loc, err := repository.Resolve(location, IndexFile)
	if err != nil {
		return nil, err
	}
	body, err := t.Stream(ctx, loc)
	if err != nil {
		if transport.IsNotFound(err) || errors.Is(err, os.ErrNotExist) {
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
	for i, d := range idx.Artifacts {
		if d == nil {
			return nil, fmt.Errorf("parsing %s: empty artifact entry %d", loc.Redacted(), i)
		}
		if err := d.Key.Validate(); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", loc.Redacted(), err)
		}
		if d.Properties == nil {
			d.Properties = map[string]string{}
		}
	}
	return &idx, nil
}

// writeIndex replaces the index file under root.
func writeIndex(root string, idx *index) error {
	data, err := yaml.Marshal(idx)
	if err != nil {
		return fmt.Errorf("encoding index: %w", err)
	}
	return safety.WriteFileAtomic(root, IndexFile, data)
}
