package main

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/ZanzyTHEbar/consolidator-libsql-go/internal/config"
)

var workerFlags struct {
	batchSize   int
	interval    time.Duration
	jitter      time.Duration
	mode        string
	dryRun      bool
	maxEntities int
	maxAgeDays  int
	maxCycles   int
	statusFile  string
	reportFile  string
}

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run the ingestion worker loop",
	Long: `Each cycle collects backlog metrics, alerts on thresholds, persists the
snapshot and, unless in monitor or dry-run mode, drains pending events to the
shadow stores. Busy cycles sleep half the interval.`,
	RunE: runWorker,
}

func init() {
	f := workerCmd.Flags()
	f.IntVar(&workerFlags.batchSize, "batch-size", 0, "Events drained per cycle")
	f.DurationVar(&workerFlags.interval, "interval", 0, "Sleep between idle cycles")
	f.DurationVar(&workerFlags.jitter, "jitter", 0, "Random extra sleep added to each cycle")
	f.StringVar(&workerFlags.mode, "mode", "", "monitor, consolidation or full")
	f.BoolVar(&workerFlags.dryRun, "dry-run", false, "Collect metrics without draining")
	f.IntVar(&workerFlags.maxEntities, "max-entities", 0, "Alert when the backlog reaches this size")
	f.IntVar(&workerFlags.maxAgeDays, "max-age-days", 0, "Alert when the oldest entity is older than this")
	f.IntVar(&workerFlags.maxCycles, "max-cycles", 0, "Stop after this many cycles (0 runs until interrupted)")
	f.StringVar(&workerFlags.statusFile, "status-file", "", "Write each cycle's status JSON here")
	f.StringVar(&workerFlags.reportFile, "report-file", "", "Write each backlog snapshot here")
	rootCmd.AddCommand(workerCmd)
}

// applyWorkerFlags overrides the config with flags the user actually set.
func applyWorkerFlags(cmd *cobra.Command, cfg *config.Config) {
	f := cmd.Flags()
	if f.Changed("batch-size") {
		cfg.Worker.BatchSize = workerFlags.batchSize
	}
	if f.Changed("interval") {
		cfg.Worker.Interval.Duration = workerFlags.interval
	}
	if f.Changed("jitter") {
		cfg.Worker.Jitter.Duration = workerFlags.jitter
	}
	if f.Changed("mode") {
		cfg.Worker.Mode = workerFlags.mode
	}
	if f.Changed("dry-run") {
		cfg.Worker.DryRun = workerFlags.dryRun
	}
	if f.Changed("max-entities") {
		cfg.Backlog.MaxEntities = workerFlags.maxEntities
	}
	if f.Changed("max-age-days") {
		cfg.Backlog.MaxAgeDays = workerFlags.maxAgeDays
	}
	if f.Changed("max-cycles") {
		cfg.Worker.MaxCycles = workerFlags.maxCycles
	}
	if f.Changed("status-file") {
		cfg.Worker.StatusFile = workerFlags.statusFile
	}
	if f.Changed("report-file") {
		cfg.Backlog.ReportFile = workerFlags.reportFile
	}
}

func runWorker(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := setup(ctx, func(cfg *config.Config) { applyWorkerFlags(cmd, cfg) })
	if err != nil {
		return err
	}
	defer a.Close()

	w, err := a.svc.NewWorker(a.svc.WorkerConfig(), a.cfg.Worker.Interval.Duration, a.cfg.Worker.Jitter.Duration)
	if err != nil {
		return err
	}
	a.logger.Info("worker starting", "mode", a.cfg.Worker.Mode, "interval", a.cfg.Worker.Interval.Duration, "dry_run", a.cfg.Worker.DryRun)
	return w.Run(ctx)
}
