package commands

import (
	"context"
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"patchmirror/pkg/client"
	"patchmirror/pkg/server"

	"github.com/spf13/cobra"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

func newHealthCmd(c *cli) *cobra.Command {
	var (
		addr    string
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "health",
		Short: "Query the admin endpoint of a running server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr == "" {
				addr = c.cfg.Admin.Listen
			}
			if addr == "" {
				return errors.New("no admin address: pass --addr or set admin.listen")
			}

			ac, err := client.NewAdminClient(addr)
			if err != nil {
				return err
			}
			defer ac.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			statuses, err := ac.Check(ctx, "", server.SyncService)
			if err != nil {
				return err
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 3, ' ', 0)
			fmt.Fprintf(tw, "SERVICE\tSTATUS\n")
			healthy := true
			for _, s := range statuses {
				name := s.Service
				if name == "" {
					name = "(server)"
				}
				fmt.Fprintf(tw, "%s\t%s\n", name, s.Status)
				if s.Status != healthpb.HealthCheckResponse_SERVING {
					healthy = false
				}
			}
			if err := tw.Flush(); err != nil {
				return err
			}
			if !healthy {
				return errors.New("server is not healthy")
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "admin address (default admin.listen)")
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Second, "request timeout")
	return cmd
}
