package main

import (
	"github.com/spf13/cobra"

	"github.com/ZanzyTHEbar/consolidator-libsql-go/internal/apptype"
)

var patternsPersist bool

var patternsCmd = &cobra.Command{
	Use:   "patterns",
	Short: "Detect recurring pain points and problematic systems",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := setup(ctx, nil)
		if err != nil {
			return err
		}
		defer a.Close()

		found, err := a.svc.IdentifyPatterns(ctx, patternsPersist)
		if err != nil {
			return err
		}
		if found == nil {
			found = []apptype.Pattern{}
		}
		return printJSON("", apptype.PatternsResult{Patterns: found})
	},
}

func init() {
	patternsCmd.Flags().BoolVar(&patternsPersist, "persist", false, "Upsert patterns and emit pattern_update events")
	rootCmd.AddCommand(patternsCmd)
}
