package commands

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

func newServeCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the sync loop and serve mirrored revisions over HTTP",
		Long: `Loads committed revisions from disk, starts the HTTP file server and the
optional gRPC admin endpoint, then polls upstream every sync interval.
A failed sync cycle is logged and retried on the next interval; serving continues.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			// SIGINT / SIGTERM 触发优雅关闭
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := c.newApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			c.logger.Info("patchmirror starting",
				"listen", c.cfg.Server.Listen,
				"admin", c.cfg.Admin.Listen,
				"root", c.cfg.Storage.Root,
			)
			if err := a.Serve(ctx); err != nil {
				return err
			}
			c.logger.Info("patchmirror stopped")
			return nil
		},
	}

	cmd.Flags().String("listen", "", "HTTP listen address")
	cmd.Flags().String("admin", "", "gRPC admin listen address (empty disables)")
	cmd.Flags().Duration("interval", 0, "time between sync cycles")
	cmd.Flags().Int("concurrency", 0, "maximum parallel downloads")
	bindFlags(cmd, map[string]string{
		"server.listen":    "listen",
		"admin.listen":     "admin",
		"sync.interval":    "interval",
		"sync.concurrency": "concurrency",
	})
	return cmd
}
