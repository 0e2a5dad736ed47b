package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/BadgerOps/mirrorfed/internal/artifact"
	"github.com/BadgerOps/mirrorfed/internal/config"
	"github.com/BadgerOps/mirrorfed/internal/repository"
	"github.com/BadgerOps/mirrorfed/internal/status"
	"github.com/BadgerOps/mirrorfed/internal/store"
	"github.com/BadgerOps/mirrorfed/internal/transfer"
)

const defaultTransferTimeout = 30 * time.Minute

var (
	fetchID      string
	fetchRange   string
	fetchLatest  bool
	fetchRaw     bool
	fetchWorkers int
)

func newFetchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "fetch [KEY...]",
		Short: "Mirror artifacts from the federation into the target repository",
		Long: `Mirror artifacts from the configured repositories into the local target
repository. Keys are written as namespace/id/version[/classifier]. Use --id to
select every version of an artifact, optionally narrowed with --range or
--latest.

Each artifact is downloaded through the best mirror of the repository holding
it. Failed attempts are retried on other mirrors and optimized artifacts fall
back to their canonical form. Artifacts that still fail are recorded and
shown by "mirrorfed history --failed".

With --raw every stored form of an artifact is copied byte for byte and
verified against its declared checksum.`,
		Example: `  mirrorfed fetch osgi.bundle/org.example.core/1.2.0
  mirrorfed fetch --id osgi.bundle/org.example.core --range ">= 1.0, < 2.0"
  mirrorfed fetch --id osgi.bundle/org.example.core --latest --raw`,
		RunE: fetchRun,
	}

	cmd.Flags().StringVar(&fetchID, "id", "", "select versions of namespace/id")
	cmd.Flags().StringVar(&fetchRange, "range", "", "version constraint for --id (e.g. \">= 1.0, < 2.0\")")
	cmd.Flags().BoolVar(&fetchLatest, "latest", false, "only the highest version selected by --id")
	cmd.Flags().BoolVar(&fetchRaw, "raw", false, "copy every stored form of each artifact verbatim")
	cmd.Flags().IntVar(&fetchWorkers, "workers", 4, "number of artifacts mirrored concurrently")

	return cmd
}

func fetchRun(cmd *cobra.Command, args []string) error {
	if globalCfg == nil || globalComponent == nil {
		return fmt.Errorf("components not initialized")
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), config.Duration(globalCfg.Transfer.Timeout, defaultTransferTimeout))
	defer cancel()

	fed, err := buildFederation(ctx, globalCfg, globalComponent.compOpts, logger)
	if err != nil {
		return err
	}
	target, err := openTarget(ctx, globalCfg, globalComponent.simpleOpts)
	if err != nil {
		return err
	}

	keys, err := selectKeys(fed, args, fetchID, fetchRange, fetchLatest)
	if err != nil {
		return err
	}
	if len(keys) == 0 {
		logger.Warn("no artifacts selected")
		return nil
	}
	logger.Info("mirroring artifacts", "count", len(keys), "target", target.Location().Redacted(), "raw", fetchRaw)

	coord := globalComponent.coordinator
	var reqs []*transfer.MirrorRequest
	if fetchRaw {
		reqs = rawRequests(coord, fed, target, keys)
		generic := make([]repository.Request, len(reqs))
		for i, r := range reqs {
			generic[i] = r
		}
		fed.GetArtifacts(ctx, generic)
	} else if fetchWorkers > 1 {
		_, reqs = transfer.NewPool(coord, fetchWorkers, logger).Execute(ctx, fed, target, keys)
	} else {
		_, reqs = coord.Mirror(ctx, fed, target, keys)
	}

	failed := reportResults(ctx, reqs, fed.Location().String(), target.Location().String())
	persistMirrorStats(ctx, fed.LoadedChildren())

	if failed > 0 {
		return fmt.Errorf("fetch completed with %d failures", failed)
	}
	return nil
}

// selectKeys resolves the explicit keys and the --id query against source.
func selectKeys(source repository.Repository, args []string, id, constraint string, latest bool) ([]artifact.Key, error) {
	var keys []artifact.Key
	for _, a := range args {
		k, err := artifact.ParseKey(a)
		if err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	if id == "" {
		if constraint != "" || latest {
			return nil, fmt.Errorf("--range and --latest require --id")
		}
		return keys, nil
	}

	namespace, name, ok := strings.Cut(id, "/")
	if !ok || namespace == "" || name == "" {
		return nil, fmt.Errorf("invalid --id %q: want namespace/id", id)
	}
	query := repository.KeysWithID(namespace, name)
	if constraint != "" {
		query = repository.KeysInRange(namespace, name, constraint)
	}
	found := source.QueryKeys(query)
	if latest {
		found = artifact.Latest(found)
	}
	artifact.SortKeys(found)
	return append(keys, found...), nil
}

// rawRequests creates one raw request per stored descriptor of every key.
func rawRequests(coord *transfer.Coordinator, source, target repository.Repository, keys []artifact.Key) []*transfer.MirrorRequest {
	var reqs []*transfer.MirrorRequest
	for _, k := range keys {
		for _, d := range source.Descriptors(k) {
			reqs = append(reqs, coord.NewRawMirrorRequest(d, d.Clone(), target))
		}
	}
	return reqs
}

// reportResults prints one line per request and queues the failures in the
// store. It returns the number of failed requests.
func reportResults(ctx context.Context, reqs []*transfer.MirrorRequest, source, target string) int {
	failed := 0
	now := time.Now()
	for _, r := range reqs {
		st := r.Result()
		if st == nil {
			st = status.NotFound(nil, "artifact not available in any repository")
		}
		switch {
		case st.IsOK():
			rate := ""
			if st.BytesPerSecond > 0 {
				rate = fmt.Sprintf(" (%s/s)", humanize.Bytes(uint64(st.BytesPerSecond)))
			}
			printf("  OK       %s%s\n", r.Key(), rate)
		case st.Severity == status.Info:
			printf("  PRESENT  %s\n", r.Key())
		default:
			failed++
			printf("  FAILED   %s: %s (%s)\n", r.Key(), st.Message, st.Outcome())
			if globalStore == nil {
				continue
			}
			err := globalStore.AddFailedTransfer(ctx, &store.FailedTransfer{
				Artifact:     r.Key().String(),
				Source:       source,
				Target:       target,
				Error:        failureMessage(st),
				FirstFailure: now,
				LastFailure:  now,
			})
			if err != nil {
				logger.Warn("failed to record failed transfer", "artifact", r.Key().String(), "error", err)
			}
		}
	}
	printf("\n%d requested, %d failed\n", len(reqs), failed)
	return failed
}

func failureMessage(st *status.Status) string {
	if err := status.DeepestCauseErr(st); err != nil {
		return fmt.Sprintf("%s: %v", st.Message, err)
	}
	return st.Message
}

// printf writes to stdout unless --quiet is set.
func printf(format string, args ...any) {
	if quiet {
		return
	}
	fmt.Printf(format, args...)
}
