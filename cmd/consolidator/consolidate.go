package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/ZanzyTHEbar/consolidator-libsql-go/internal/apptype"
)

var (
	consolidateInterview string
	consolidateFile      string
	consolidateReport    string
)

var consolidateCmd = &cobra.Command{
	Use:   "consolidate",
	Short: "Consolidate one interview's extracted entities",
	Long: `Reads a JSON object keyed by entity type, each value a list of
{"id": ..., "attributes": {...}} entries, and merges it into the store.
Prints the consolidated entities, or writes a run report with --report.`,
	RunE: runConsolidate,
}

func init() {
	consolidateCmd.Flags().StringVar(&consolidateInterview, "interview", "", "Interview id the batch was extracted from")
	consolidateCmd.Flags().StringVar(&consolidateFile, "file", "", "Path to the extracted entities JSON (- for stdin)")
	consolidateCmd.Flags().StringVar(&consolidateReport, "report", "", "Write a before/after run report to this path")
	_ = consolidateCmd.MarkFlagRequired("interview")
	_ = consolidateCmd.MarkFlagRequired("file")
	rootCmd.AddCommand(consolidateCmd)
}

func readBatch(path string) (map[string][]apptype.IncomingEntity, error) {
	var data []byte
	var err error
	if path == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	var batch map[string][]apptype.IncomingEntity
	if err := json.Unmarshal(data, &batch); err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", path, err)
	}
	return batch, nil
}

func runConsolidate(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	batch, err := readBatch(consolidateFile)
	if err != nil {
		return err
	}
	a, err := setup(ctx, nil)
	if err != nil {
		return err
	}
	defer a.Close()

	before, err := a.svc.CountEntities(ctx)
	if err != nil {
		return err
	}
	for typ, list := range batch {
		before[typ] += len(list)
	}

	res, err := a.svc.Consolidate(ctx, consolidateInterview, batch)
	if err != nil {
		return err
	}
	if consolidateReport == "" {
		return printJSON("", res)
	}
	report, err := a.svc.RunReport(ctx, before)
	if err != nil {
		return err
	}
	a.logger.Info("run report written", "path", consolidateReport,
		"total_before", report.TotalBefore, "total_after", report.TotalAfter)
	return printJSON(consolidateReport, report)
}
