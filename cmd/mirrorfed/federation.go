package main

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/BadgerOps/mirrorfed/internal/composite"
	"github.com/BadgerOps/mirrorfed/internal/config"
	"github.com/BadgerOps/mirrorfed/internal/repository"
	"github.com/BadgerOps/mirrorfed/internal/safety"
	"github.com/BadgerOps/mirrorfed/internal/simple"
)

const federationDir = "federation"

// buildFederation opens the composite under the data directory and makes its
// children match the enabled repositories of cfg. Children that are no
// longer configured are removed.
func buildFederation(ctx context.Context, cfg *config.Config, opts composite.Options, logger *slog.Logger) (*composite.Repository, error) {
	fed, err := composite.Create(ctx, filepath.Join(cfg.Server.DataDir, federationDir),
		map[string]string{repository.PropName: "federation"}, opts)
	if err != nil {
		return nil, fmt.Errorf("opening federation: %w", err)
	}

	var wanted []string
	for _, rc := range cfg.EnabledRepositories() {
		u, err := safety.ValidateRepositoryURL(rc.URL)
		if err != nil {
			return nil, fmt.Errorf("repository %q: %w", rc.Name, err)
		}
		wanted = append(wanted, u.String())
	}

	for _, ref := range fed.Children() {
		if !containsLocation(fed, wanted, ref) {
			logger.Info("removing unconfigured repository from federation", "child", ref)
			if err := fed.RemoveChild(ref); err != nil {
				return nil, fmt.Errorf("removing %s: %w", ref, err)
			}
		}
	}
	for _, ref := range wanted {
		if err := fed.AddChild(ctx, ref); err != nil {
			return nil, fmt.Errorf("adding %s: %w", ref, err)
		}
	}
	logger.Debug("federation ready", "location", fed.Location().Redacted(), "children", len(fed.LoadedChildren()))
	return fed, nil
}

func containsLocation(fed *composite.Repository, refs []string, ref string) bool {
	loc, err := repository.Resolve(fed.Location(), ref)
	if err != nil {
		return false
	}
	for _, r := range refs {
		other, err := repository.Resolve(fed.Location(), r)
		if err == nil && repository.SameLocation(loc, other) {
			return true
		}
	}
	return false
}

// openTarget opens or creates the writable repository artifacts are mirrored
// into.
func openTarget(ctx context.Context, cfg *config.Config, opts simple.Options) (*simple.Repository, error) {
	dir := cfg.Transfer.Target
	if dir == "" {
		dir = filepath.Join(cfg.Server.DataDir, "mirror")
	}
	target, err := simple.Create(ctx, dir, map[string]string{repository.PropName: "mirror"}, opts)
	if err != nil {
		return nil, fmt.Errorf("opening target repository: %w", err)
	}
	return target, nil
}
