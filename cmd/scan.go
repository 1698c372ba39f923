// File: cmd/scan.go
package cmd

import (
	"fmt"
	"io"
	"text/tabwriter"

	jsoniter "github.com/json-iterator/go"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/xkilldash9x/bootmend/api/schemas"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// newScanCmd creates the `scan` command, which lists installations.
func newScanCmd() *cobra.Command {
	var format string

	scanCmd := &cobra.Command{
		Use:   "scan",
		Short: "List Windows installations on the attached volumes",
		Long: `Scans the configured volumes for Windows installations and prints each one
with its product, build and whether it is the running system.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			comps, _, err := components(cmd)
			if err != nil {
				return err
			}
			defer comps.Shutdown()

			targets, err := comps.Engine.Scan(cmd.Context())
			if err != nil {
				return fmt.Errorf("scan failed: %w", err)
			}
			return printTargets(cmd.OutOrStdout(), targets, format)
		},
	}
	scanCmd.Flags().StringVarP(&format, "format", "f", "text", "Output format ('text', 'json' or 'yaml').")
	return scanCmd
}

func printTargets(w io.Writer, targets []schemas.TargetInstallation, format string) error {
	switch format {
	case "json":
		return encodeJSON(w, targets)
	case "yaml":
		return yaml.NewEncoder(w).Encode(targets)
	case "text", "":
	default:
		return fmt.Errorf("unsupported output format: %s", format)
	}

	if len(targets) == 0 {
		_, err := fmt.Fprintln(w, "No Windows installations found.")
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tVOLUME\tPRODUCT\tBUILD\tSTATE")
	for _, t := range targets {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", t.ID, t.Volume, orDash(t.ProductName), orDash(t.Build), targetState(t))
	}
	return tw.Flush()
}

func targetState(t schemas.TargetInstallation) string {
	switch {
	case t.Running:
		return "running"
	case t.Locked:
		return "locked"
	case !t.Healthy:
		return "incomplete"
	}
	return "offline"
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func encodeJSON(w io.Writer, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to serialize output: %w", err)
	}
	_, err = fmt.Fprintln(w, string(b))
	return err
}
