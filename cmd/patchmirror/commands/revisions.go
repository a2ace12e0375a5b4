package commands

import (
	"fmt"

	"patchmirror/pkg/core"
	"patchmirror/pkg/diff"
	"patchmirror/pkg/exporter"
	"patchmirror/pkg/types"

	"github.com/spf13/cobra"
)

func newRevisionsCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "revisions",
		Short: "List committed revisions on disk",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			ids, err := a.Registry.List()
			if err != nil {
				return err
			}
			revs := make([]*core.Revision, 0, len(ids))
			for _, id := range ids {
				rev, err := a.Registry.Get(id)
				if err != nil {
					return err
				}
				revs = append(revs, rev)
			}
			return exporter.PrintRevisions(cmd.OutOrStdout(), revs)
		},
	}
}

func newDiffCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "diff <old-revision> <new-revision>",
		Short: "Compare two committed revisions",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			oldRev, err := a.Registry.Get(types.RevisionID(args[0]))
			if err != nil {
				return fmt.Errorf("invalid old revision %q: %w", args[0], err)
			}
			newRev, err := a.Registry.Get(types.RevisionID(args[1]))
			if err != nil {
				return fmt.Errorf("invalid new revision %q: %w", args[1], err)
			}

			d, err := diff.CompareRevisions(newRev, oldRev)
			if err != nil {
				return err
			}
			return exporter.PrintDiff(cmd.OutOrStdout(), d)
		},
	}
}

func newExportCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "export <revision> <dest-dir>",
		Short: "Write a committed revision out as a plain directory tree",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			res, err := exporter.NewExporter(a.Registry).ExportRevision(cmd.Context(), types.RevisionID(args[0]), args[1])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Exported %d files to %s\n", res.Files, args[1])
			for _, p := range res.Missing {
				fmt.Fprintf(out, "  missing: %s\n", p)
			}
			return nil
		},
	}
}
