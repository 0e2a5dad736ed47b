package main

import (
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

var (
	historyArtifact string
	historyLimit    int
	historyFailed   bool
)

func newHistoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recorded transfer attempts",
		Long: `Show the most recent transfer attempts recorded by fetch and serve, newest
first. Use --artifact to show one artifact, or --failed to list the
artifacts whose last transfer failed and that have not been mirrored since.`,
		Example: `  mirrorfed history
  mirrorfed history --artifact osgi.bundle/org.example.core/1.2.0
  mirrorfed history --failed`,
		RunE: historyRun,
	}

	cmd.Flags().StringVar(&historyArtifact, "artifact", "", "only attempts for this artifact key")
	cmd.Flags().IntVar(&historyLimit, "limit", 50, "maximum number of attempts to show")
	cmd.Flags().BoolVar(&historyFailed, "failed", false, "show unresolved failed transfers instead")

	return cmd
}

func historyRun(cmd *cobra.Command, args []string) error {
	if globalStore == nil {
		return fmt.Errorf("store not initialized")
	}
	ctx := cmd.Context()

	if historyFailed {
		records, err := globalStore.ListFailedTransfers(ctx)
		if err != nil {
			return fmt.Errorf("listing failed transfers: %w", err)
		}
		if len(records) == 0 {
			fmt.Println("No failed transfers.")
			return nil
		}
		fmt.Printf("%-50s %-7s %-16s %s\n", "Artifact", "Tries", "Last failure", "Error")
		fmt.Println(strings.Repeat("-", 100))
		for _, rec := range records {
			fmt.Printf("%-50s %-7d %-16s %s\n", rec.Artifact, rec.RetryCount+1, humanize.Time(rec.LastFailure), rec.Error)
		}
		return nil
	}

	events, err := globalStore.ListTransferEvents(ctx, historyArtifact, historyLimit)
	if err != nil {
		return fmt.Errorf("listing transfer events: %w", err)
	}
	if len(events) == 0 {
		fmt.Println("No transfers recorded.")
		return nil
	}
	fmt.Printf("%-16s %-50s %-3s %-14s %12s  %s\n", "When", "Artifact", "#", "Outcome", "Speed", "Source")
	fmt.Println(strings.Repeat("-", 120))
	for _, ev := range events {
		speed := "-"
		if ev.BytesPerSecond > 0 {
			speed = humanize.Bytes(uint64(ev.BytesPerSecond)) + "/s"
		}
		fmt.Printf("%-16s %-50s %-3d %-14s %12s  %s\n", humanize.Time(ev.Time), ev.Artifact, ev.Attempt, ev.Outcome, speed, ev.Source)
	}
	return nil
}
