// File: cmd/checkpoints.go
package cmd

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/xkilldash9x/bootmend/api/schemas"
	"github.com/xkilldash9x/bootmend/internal/service"
)

// newCheckpointsCmd groups checkpoint maintenance.
func newCheckpointsCmd() *cobra.Command {
	var selector, sessionID string

	cpCmd := &cobra.Command{
		Use:     "checkpoints",
		Aliases: []string{"cp"},
		Short:   "List, discard or restore repair checkpoints",
	}
	cpCmd.PersistentFlags().StringVarP(&selector, "target", "t", "", "Installation ID, volume or root. Defaults to the only offline installation.")
	cpCmd.PersistentFlags().StringVar(&sessionID, "session", "", "Limit to one session.")

	withTarget := func(cmd *cobra.Command, fn func(*service.Components, schemas.TargetInstallation) error) error {
		comps, _, err := components(cmd)
		if err != nil {
			return err
		}
		defer comps.Shutdown()
		target, err := comps.Engine.Target(cmd.Context(), selector)
		if err != nil {
			return err
		}
		return fn(comps, target)
	}

	cpCmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List checkpoints of the target",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withTarget(cmd, func(comps *service.Components, target schemas.TargetInstallation) error {
				cps, err := comps.Engine.Checkpoints(cmd.Context(), target, sessionID)
				if err != nil {
					return err
				}
				return printCheckpoints(cmd.OutOrStdout(), cps)
			})
		},
	})

	cpCmd.AddCommand(&cobra.Command{
		Use:   "discard",
		Short: "Delete the backups of active checkpoints",
		Long:  `Deletes the backups kept by active checkpoints once the repaired system is known to boot.`,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withTarget(cmd, func(comps *service.Components, target schemas.TargetInstallation) error {
				n, err := comps.Engine.DiscardCheckpoints(cmd.Context(), target, sessionID)
				fmt.Fprintf(cmd.OutOrStdout(), "Discarded %d checkpoint(s).\n", n)
				return err
			})
		},
	})

	cpCmd.AddCommand(&cobra.Command{
		Use:   "restore <checkpoint-id>",
		Short: "Put an active checkpoint back onto the target",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withTarget(cmd, func(comps *service.Components, target schemas.TargetInstallation) error {
				if err := comps.Engine.RestoreCheckpoint(cmd.Context(), target, args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Checkpoint %s restored.\n", args[0])
				return nil
			})
		},
	})
	return cpCmd
}

func printCheckpoints(w io.Writer, cps []*schemas.Checkpoint) error {
	if len(cps) == 0 {
		_, err := fmt.Fprintln(w, "No checkpoints.")
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSESSION\tSTEP\tSTATE\tENTRIES\tCREATED")
	for _, cp := range cps {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\n",
			cp.ID, cp.SessionID, cp.StepID, cp.State, len(cp.Entries), cp.CreatedAt.Local().Format(time.DateTime))
	}
	return tw.Flush()
}
