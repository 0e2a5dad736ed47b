package composite

import (
	"context"
	"net/url"

	"github.com/BadgerOps/mirrorfed/internal/repository"
)

// Factory loads composites for a repository.Registry.
type Factory struct {
	Options Options
}

// NewFactory returns a composite factory. opts.Manager is normally the
// registry the factory is added to.
func NewFactory(opts Options) *Factory {
	return &Factory{Options: opts.withDefaults()}
}

func (f *Factory) Type() string { return "composite" }

func (f *Factory) Load(ctx context.Context, location *url.URL) (repository.Repository, error) {
	return Open(ctx, location, f.Options)
}
