package commands

import (
	"os"
	"os/signal"
	"syscall"

	"patchmirror/pkg/exporter"

	"github.com/spf13/cobra"
)

func newSyncCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Run a single sync cycle and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := c.newApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			res, err := a.RunOnce(ctx)
			if res != nil && res.Revision != "" {
				_ = exporter.PrintSyncResult(cmd.OutOrStdout(), res)
			}
			return err
		},
	}
	cmd.Flags().Int("concurrency", 0, "maximum parallel downloads")
	bindFlags(cmd, map[string]string{"sync.concurrency": "concurrency"})
	return cmd
}
