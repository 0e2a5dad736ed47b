package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/BadgerOps/mirrorfed/internal/mirror"
	"github.com/BadgerOps/mirrorfed/internal/repository"
	"github.com/BadgerOps/mirrorfed/internal/safety"
)

const defaultProbeTimeout = 10 * time.Second

var mirrorsProbe bool

func newMirrorsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mirrors [NAME...]",
		Short: "Show the ranked mirrors of configured repositories",
		Long: `Show the mirrors of every enabled repository, or of the named ones, ranked
by their measured throughput and failure history. Repositories without a
mirrorsURL property are served from their own location only.

With --probe, the configured sample file is downloaded from every mirror first
and the measurements are folded into the ranking and stored for later runs.`,
		Example: `  mirrorfed mirrors
  mirrorfed mirrors releases --probe`,
		RunE: mirrorsRun,
	}

	cmd.Flags().BoolVar(&mirrorsProbe, "probe", false, "measure every mirror before ranking")

	return cmd
}

func mirrorsRun(cmd *cobra.Command, args []string) error {
	if globalCfg == nil || globalRegistry == nil {
		return fmt.Errorf("components not initialized")
	}
	ctx := cmd.Context()

	names := args
	if len(names) == 0 {
		for _, rc := range globalCfg.EnabledRepositories() {
			names = append(names, rc.Name)
		}
	}
	if len(names) == 0 {
		logger.Warn("no repositories configured")
		return nil
	}

	var loaded []repository.Repository
	for _, name := range names {
		rc, ok := globalCfg.Repository(name)
		if !ok {
			return fmt.Errorf("unknown repository %q", name)
		}
		loc, err := safety.ValidateRepositoryURL(rc.URL)
		if err != nil {
			return fmt.Errorf("repository %q: %w", name, err)
		}
		repo, err := globalRegistry.LoadRepository(ctx, loc)
		if err != nil {
			printf("\n%s (%s): %v\n", name, loc.Redacted(), err)
			continue
		}
		loaded = append(loaded, repo)

		sel := selectorOf(repo)
		if sel == nil {
			printf("\n%s (%s): composite, mirrors are chosen by its children\n", name, loc.Redacted())
			continue
		}
		printf("\n%s (%s):\n", name, loc.Redacted())
		if mirrorsProbe {
			printProbe(sel.Probe(ctx, globalCfg.Mirrors.ProbeSample))
		}
		printRanking(sel.Ranked(ctx))
	}

	persistMirrorStats(ctx, loaded)
	return nil
}

func printProbe(results []mirror.ProbeResult) {
	printf("  Probe:\n")
	for _, r := range results {
		if r.Error != "" {
			printf("    %-60s failed: %s\n", r.Location, r.Error)
			continue
		}
		printf("    %-60s %10s/s in %s\n", r.Location, humanize.Bytes(uint64(r.BytesPerSecond)), r.Elapsed.Round(time.Millisecond))
	}
}

func printRanking(stats []mirror.Stat) {
	printf("  %-4s %-60s %12s %8s %8s %8s\n", "Rank", "Mirror", "Speed", "Fail", "Total", "Missing")
	printf("  %s\n", strings.Repeat("-", 106))
	for i, st := range stats {
		speed := "-"
		if st.BytesPerSecond > 0 {
			speed = humanize.Bytes(uint64(st.BytesPerSecond)) + "/s"
		}
		printf("  %-4d %-60s %12s %8d %8d %8d\n", i+1, st.Location, speed, st.FailureCount, st.TotalFailureCount, st.FileNotFoundCount)
	}
}

// mirrored is implemented by repositories that download through a mirror
// selector.
type mirrored interface {
	Selector() *mirror.Selector
}

func selectorOf(repo repository.Repository) *mirror.Selector {
	if m, ok := repo.(mirrored); ok {
		return m.Selector()
	}
	return nil
}

// persistMirrorStats stores the current statistics of every repository that
// has a mirror list so the next run starts from the measured rates.
func persistMirrorStats(ctx context.Context, repos []repository.Repository) {
	for _, repo := range repos {
		sel := selectorOf(repo)
		if sel == nil || !sel.Enabled() {
			continue
		}
		stats := sel.Snapshot()
		if len(stats) == 0 {
			continue
		}
		repoLoc := sel.RepositoryLocation().String()
		if globalMetrics != nil {
			globalMetrics.ObserveMirrors(repoLoc, stats)
		}
		if globalStore == nil {
			continue
		}
		if err := globalStore.SaveMirrorStats(ctx, repoLoc, stats); err != nil {
			logger.Warn("failed to save mirror statistics", "repository", sel.RepositoryLocation().Redacted(), "error", err)
		}
	}
}
