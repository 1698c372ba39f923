// File: cmd/diagnose.go
package cmd

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/xkilldash9x/bootmend/api/schemas"
	"github.com/xkilldash9x/bootmend/internal/engine"
	"github.com/xkilldash9x/bootmend/internal/observability"
	"github.com/xkilldash9x/bootmend/internal/report"
	"github.com/xkilldash9x/bootmend/internal/service"
)

// openCase builds the components and opens a diagnosed session on the
// selected target. The caller owns the returned components.
func openCase(cmd *cobra.Command, selector string) (*service.Components, *engine.Case, error) {
	comps, _, err := components(cmd)
	if err != nil {
		return nil, nil, err
	}
	ctx := cmd.Context()
	target, err := comps.Engine.Target(ctx, selector)
	if err != nil {
		comps.Shutdown()
		return nil, nil, err
	}
	c, err := comps.Engine.Open(ctx, target)
	if err != nil {
		comps.Shutdown()
		return nil, nil, fmt.Errorf("diagnosis of %s failed: %w", target.ID, err)
	}
	observability.ForSession(observability.GetLogger(), c.Session.ID, target.ID).
		Info("Session opened", zap.String("dir", c.Session.Dir))
	return comps, c, nil
}

func writeReport(r *schemas.RepairReport, format, output string) error {
	w, err := report.New(format, output)
	if err != nil {
		return err
	}
	if err := w.Write(r); err != nil {
		w.Close()
		return fmt.Errorf("failed to write report: %w", err)
	}
	return w.Close()
}

// newDiagnoseCmd creates the `diagnose` command: collect, classify, plan and
// report without touching the target.
func newDiagnoseCmd() *cobra.Command {
	var selector, format, output string

	diagnoseCmd := &cobra.Command{
		Use:   "diagnose",
		Short: "Diagnose why an installation does not boot",
		Long: `Collects evidence from the target, classifies the failing boot stage and
writes a report that includes the repair plan. Nothing on the target is changed.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			comps, c, err := openCase(cmd, selector)
			if err != nil {
				return err
			}
			defer comps.Shutdown()

			r, err := comps.Engine.Report(cmd.Context(), c)
			if err != nil {
				return err
			}
			return writeReport(r, format, output)
		},
	}
	addTargetFlag(diagnoseCmd, &selector)
	diagnoseCmd.Flags().StringVarP(&format, "format", "f", "text", "Report format ('text', 'json' or 'yaml').")
	diagnoseCmd.Flags().StringVarP(&output, "output", "o", "", "Report file path. If unset, the report is printed.")
	return diagnoseCmd
}

// newPlanCmd creates the `plan` command, which prints the repair plan only.
func newPlanCmd() *cobra.Command {
	var selector, format string

	planCmd := &cobra.Command{
		Use:   "plan",
		Short: "Show the repair plan for an installation",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			comps, c, err := openCase(cmd, selector)
			if err != nil {
				return err
			}
			defer comps.Shutdown()
			return printPlan(cmd.OutOrStdout(), c.Assessment, c.Plan, format)
		},
	}
	addTargetFlag(planCmd, &selector)
	planCmd.Flags().StringVarP(&format, "format", "f", "text", "Output format ('text', 'json' or 'yaml').")
	return planCmd
}

func addTargetFlag(cmd *cobra.Command, selector *string) {
	cmd.Flags().StringVarP(selector, "target", "t", "", "Installation ID, volume or root. Defaults to the only offline installation.")
}

func printPlan(w io.Writer, a schemas.StageAssessment, plan schemas.RepairPlan, format string) error {
	switch format {
	case "json":
		return encodeJSON(w, plan)
	case "yaml":
		return yaml.NewEncoder(w).Encode(plan)
	case "text", "":
	default:
		return fmt.Errorf("unsupported output format: %s", format)
	}

	fmt.Fprintf(w, "Stage: %s (confidence %d%%)\n", a.Stage, a.Confidence)
	if a.Inconclusive {
		fmt.Fprintln(w, "Diagnosis is inconclusive.")
	}
	if plan.Blocked {
		fmt.Fprintln(w, "Plan is blocked.")
	}
	for _, n := range plan.Notes {
		fmt.Fprintf(w, "Note: %s\n", n)
	}
	if len(plan.Steps) == 0 {
		_, err := fmt.Fprintln(w, "No repair steps.")
		return err
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TIER\tSTEP\tOPERATION\tCHANGES\tDESCRIPTION")
	for _, s := range plan.Steps {
		printStep(tw, s, "")
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	_, err := fmt.Fprintf(w, "Digest: %s\n", plan.Digest)
	return err
}

func printStep(w io.Writer, s schemas.RepairStep, indent string) {
	changes := "no"
	if s.Destructive() {
		changes = "yes"
	}
	if s.Blocked {
		changes += " (blocked)"
	}
	fmt.Fprintf(w, "%d\t%s%s\t%s\t%s\t%s\n", s.Tier, indent, s.ID, s.Operation, changes, s.Description)
	if s.Fallback != nil {
		printStep(w, *s.Fallback, indent+strings.Repeat(" ", 2)+"else ")
	}
}
