package main

import (
	"github.com/spf13/cobra"
)

var backlogPersist bool

var backlogCmd = &cobra.Command{
	Use:   "backlog",
	Short: "Report unconsolidated entities per table",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := setup(ctx, nil)
		if err != nil {
			return err
		}
		defer a.Close()

		m, err := a.svc.Backlog(ctx, backlogPersist)
		if err != nil {
			return err
		}
		return printJSON("", m)
	},
}

func init() {
	backlogCmd.Flags().BoolVar(&backlogPersist, "persist", false, "Also write the snapshot to the configured sinks")
	rootCmd.AddCommand(backlogCmd)
}
