package commands

import (
	"errors"

	"patchmirror/pkg/exporter"

	"github.com/spf13/cobra"
)

func newHistoryCmd(c *cli) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recent sync runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			if a.History == nil {
				return errors.New("sync history is disabled (history.driver = none)")
			}
			runs, err := a.History.RecentRuns(cmd.Context(), limit)
			if err != nil {
				return err
			}
			return exporter.PrintRuns(cmd.OutOrStdout(), runs)
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of runs to show")
	return cmd
}
