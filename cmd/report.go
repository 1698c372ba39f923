// File: cmd/report.go
package cmd

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/xkilldash9x/bootmend/api/schemas"
	"github.com/xkilldash9x/bootmend/internal/report"
	"github.com/xkilldash9x/bootmend/internal/store"
)

// newReportCmd creates the `report` command group.
func newReportCmd() *cobra.Command {
	reportCmd := &cobra.Command{
		Use:   "report",
		Short: "Render saved reports and query the report archive",
	}
	reportCmd.AddCommand(newReportShowCmd())
	reportCmd.AddCommand(newArchiveCmd())
	return reportCmd
}

func newReportShowCmd() *cobra.Command {
	var format, output string
	showCmd := &cobra.Command{
		Use:   "show <report.json>",
		Short: "Render a report saved by an earlier session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := report.Load(args[0])
			if err != nil {
				return err
			}
			if output == "" {
				return renderTo(cmd.OutOrStdout(), r, format)
			}
			return writeReport(r, format, output)
		},
	}
	showCmd.Flags().StringVarP(&format, "format", "f", "text", "Report format ('text', 'json' or 'yaml').")
	showCmd.Flags().StringVarP(&output, "output", "o", "", "Report file path. If unset, the report is printed.")
	return showCmd
}

// withArchive runs fn against the configured report archive.
func withArchive(cmd *cobra.Command, fn func(*store.Store) error) error {
	comps, _, err := components(cmd)
	if err != nil {
		return err
	}
	defer comps.Shutdown()
	if comps.Archive == nil {
		return errors.New("report archive is not configured (BOOTMEND_DATABASE_URL)")
	}
	return fn(comps.Archive)
}

func newArchiveCmd() *cobra.Command {
	var targetID, format string
	var limit int

	archiveCmd := &cobra.Command{
		Use:   "archive",
		Short: "Query reports archived in PostgreSQL",
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List archived reports, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withArchive(cmd, func(s *store.Store) error {
				sums, err := s.ListReports(cmd.Context(), targetID, limit)
				if err != nil {
					return err
				}
				return printSummaries(cmd.OutOrStdout(), sums)
			})
		},
	}
	listCmd.Flags().StringVar(&targetID, "target-id", "", "Only reports of this installation ID.")
	listCmd.Flags().IntVar(&limit, "limit", 50, "Maximum number of reports.")
	archiveCmd.AddCommand(listCmd)

	getCmd := &cobra.Command{
		Use:   "get <session-id>",
		Short: "Render one archived report",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withArchive(cmd, func(s *store.Store) error {
				r, err := s.GetReport(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return renderTo(cmd.OutOrStdout(), r, format)
			})
		},
	}
	getCmd.Flags().StringVarP(&format, "format", "f", "text", "Report format ('text', 'json' or 'yaml').")
	archiveCmd.AddCommand(getCmd)

	archiveCmd.AddCommand(&cobra.Command{
		Use:   "push <report.json>",
		Short: "Archive a report saved while offline",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := report.Load(args[0])
			if err != nil {
				return err
			}
			return withArchive(cmd, func(s *store.Store) error {
				if err := s.ArchiveReport(cmd.Context(), r); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Archived session %s.\n", r.SessionID)
				return nil
			})
		},
	})

	archiveCmd.AddCommand(&cobra.Command{
		Use:   "history <target-id>",
		Short: "Count failed operations across archived sessions of a target",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withArchive(cmd, func(s *store.Store) error {
				counts, err := s.FailedOperations(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return printHistory(cmd.OutOrStdout(), counts)
			})
		},
	})
	return archiveCmd
}

func renderTo(w io.Writer, r *schemas.RepairReport, format string) error {
	switch format {
	case "json":
		return report.WriteJSON(w, r)
	case "yaml":
		return report.WriteYAML(w, r)
	case "text", "":
		return report.WriteText(w, r)
	}
	return fmt.Errorf("unsupported output format: %s", format)
}

func printSummaries(w io.Writer, sums []store.Summary) error {
	if len(sums) == 0 {
		_, err := fmt.Fprintln(w, "No archived reports.")
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SESSION\tTARGET\tSTAGE\tCONFIDENCE\tOUTCOME\tGENERATED")
	for _, s := range sums {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d%%\t%s\t%s\n",
			s.SessionID, s.TargetID, s.Stage, s.Confidence, s.Outcome, s.GeneratedAt.Local().Format(time.DateTime))
	}
	return tw.Flush()
}

func printHistory(w io.Writer, counts map[schemas.OperationKind]int) error {
	if len(counts) == 0 {
		_, err := fmt.Fprintln(w, "No failed operations recorded.")
		return err
	}
	keys := make([]schemas.OperationKind, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if counts[keys[i]] != counts[keys[j]] {
			return counts[keys[i]] > counts[keys[j]]
		}
		return keys[i] < keys[j]
	})
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "OPERATION\tFAILURES")
	for _, k := range keys {
		fmt.Fprintf(tw, "%s\t%d\n", k, counts[k])
	}
	return tw.Flush()
}
