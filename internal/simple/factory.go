package simple

import (
	"context"
	"net/url"

	"github.com/BadgerOps/mirrorfed/internal/repository"
)

// Factory loads simple repositories for a repository.Registry.
type Factory struct {
	Options Options
}

// NewFactory returns a factory sharing opts across every repository it loads.
func NewFactory(opts Options) *Factory {
	return &Factory{Options: opts.withDefaults()}
}

func (f *Factory) Type() string { return "simple" }

func (f *Factory) Load(ctx context.Context, location *url.URL) (repository.Repository, error) {
	return Open(ctx, location, f.Options)
}
