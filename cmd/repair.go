// File: cmd/repair.go
package cmd

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/bootmend/api/schemas"
	"github.com/xkilldash9x/bootmend/internal/observability"
)

// errNotConfirmed is returned when the operator declines the plan.
var errNotConfirmed = errors.New("repair not confirmed")

// newRepairCmd creates the `repair` command: diagnose, plan and execute with
// checkpoints, then write the report.
func newRepairCmd() *cobra.Command {
	var (
		selector, format, output string
		yes, breakLock           bool
	)

	repairCmd := &cobra.Command{
		Use:   "repair",
		Short: "Diagnose and repair an installation",
		Long: `Diagnoses the target, shows the repair plan and executes it tier by tier.
Every step that changes the target is preceded by a checkpoint and followed by
verification; a failed step is rolled back before its fallback runs.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			comps, c, err := openCase(cmd, selector)
			if err != nil {
				return err
			}
			defer comps.Shutdown()
			eng := comps.Engine
			target := c.Session.Target
			logger := observability.ForSession(observability.GetLogger(), c.Session.ID, target.ID)

			if err := printPlan(cmd.ErrOrStderr(), c.Assessment, c.Plan, "text"); err != nil {
				return err
			}
			if c.Plan.HasDestructive() && !yes {
				ok, err := confirm(cmd.InOrStdin(), cmd.ErrOrStderr(), fmt.Sprintf("Apply these changes to %s?", target.Root))
				if err != nil {
					return err
				}
				if !ok {
					return errNotConfirmed
				}
			}

			if breakLock {
				info, err := eng.LockInfo(target)
				switch {
				case err == nil:
					logger.Warn("Breaking target lock",
						zap.String("holder", info.SessionID), zap.Int("pid", info.PID), zap.Time("since", info.Since))
					if err := eng.BreakLock(target); err != nil {
						return err
					}
				case !errors.Is(err, fs.ErrNotExist):
					return fmt.Errorf("failed to read target lock: %w", err)
				}
			}

			r, err := eng.Execute(ctx, c, progressPrinter(cmd.ErrOrStderr()))
			if r != nil {
				if werr := writeReport(r, format, output); werr != nil {
					logger.Error("Failed to write report", zap.Error(werr))
				}
			}
			if err != nil {
				return err
			}
			logger.Info("Repair session finished", zap.String("outcome", string(r.Outcome)))
			switch r.Outcome {
			case schemas.OutcomeRepaired, schemas.OutcomeDiagnosedOnly:
				return nil
			}
			return fmt.Errorf("repair ended %s", r.Outcome)
		},
	}
	addTargetFlag(repairCmd, &selector)
	repairCmd.Flags().BoolVarP(&yes, "yes", "y", false, "Apply the plan without asking for confirmation.")
	repairCmd.Flags().BoolVar(&breakLock, "break-lock", false, "Remove a stale target lock left by a crashed session.")
	repairCmd.Flags().StringVarP(&format, "format", "f", "text", "Report format ('text', 'json' or 'yaml').")
	repairCmd.Flags().StringVarP(&output, "output", "o", "", "Report file path. If unset, the report is printed.")
	return repairCmd
}

// confirm asks a yes/no question. Anything but an explicit yes declines.
func confirm(in io.Reader, out io.Writer, question string) (bool, error) {
	fmt.Fprintf(out, "%s [y/N] ", question)
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return false, fmt.Errorf("failed to read confirmation: %w", err)
	}
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return true, nil
	}
	return false, nil
}

// progressPrinter renders progress events as one line each.
func progressPrinter(w io.Writer) schemas.ProgressFunc {
	return func(ev schemas.ProgressEvent) {
		line := fmt.Sprintf("[tier %d] %-10s %s (%s)", ev.Tier, ev.Status, ev.StepID, ev.Elapsed.Round(time.Second))
		if ev.LastLine != "" {
			line += ": " + ev.LastLine
		}
		fmt.Fprintln(w, line)
	}
}
