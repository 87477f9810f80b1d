package main

import (
	"github.com/spf13/cobra"

	"github.com/ZanzyTHEbar/consolidator-libsql-go/internal/cdc"
)

var (
	syncMode  string
	syncLimit int
	syncCount int
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Replicate pending consolidation events to the shadow stores",
	Long: `Modes:
  incremental  drain pending events in batches
  full         truncate the shadows and replay every event
  rollback     revert the most recent --count processed events
  dry-run      report queue and shadow state without changing anything`,
	RunE: runSync,
}

func init() {
	syncCmd.Flags().StringVar(&syncMode, "mode", cdc.ModeIncremental, "incremental, full, rollback or dry-run")
	syncCmd.Flags().IntVar(&syncLimit, "limit", 0, "Batch size (default from [sync] batch_size)")
	syncCmd.Flags().IntVar(&syncCount, "count", 0, "Events to revert in rollback mode (default from [sync] rollback_count)")
	rootCmd.AddCommand(syncCmd)
}

func runSync(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := setup(ctx, nil)
	if err != nil {
		return err
	}
	defer a.Close()

	limit := syncLimit
	if syncMode == cdc.ModeRollback {
		limit = syncCount
	}
	res, err := a.svc.Sync(ctx, syncMode, limit)
	if err != nil {
		return err
	}
	return printJSON("", res)
}
