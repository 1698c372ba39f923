// File: internal/repair/operator.go
package repair

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/bootmend/api/schemas"
	"github.com/xkilldash9x/bootmend/internal/config"
	"github.com/xkilldash9x/bootmend/internal/platform"
	"github.com/xkilldash9x/bootmend/internal/probe"
)

// systemHiveName is the mount name used for the target's SYSTEM hive by the
// operator, the verifier and the snapshotter. They run one at a time, inside
// the session that holds the target lock.
const systemHiveName = "SYSTEM"

// Operator turns bound repair steps into platform tool invocations. It knows
// nothing about ordering, checkpoints or verification; the exit status it
// returns is not trusted by anyone.
type Operator struct {
	target schemas.TargetInstallation
	runner platform.Runner
	hives  *probe.HiveReader
	cfg    config.ExecutorConfig
	logger *zap.Logger
}

// NewOperator creates an operator for one target.
func NewOperator(target schemas.TargetInstallation, runner platform.Runner, hives *probe.HiveReader, cfg config.ExecutorConfig, logger *zap.Logger) *Operator {
	return &Operator{target: target, runner: runner, hives: hives, cfg: cfg, logger: logger.Named("operator")}
}

// Timeout maps a timeout class to its configured bound.
func (o *Operator) Timeout(class schemas.TimeoutClass) time.Duration {
	if class == schemas.TimeoutLong {
		return o.cfg.LongTimeout
	}
	return o.cfg.ShortTimeout
}

// Run performs the step's operation. onLine receives tool output as it is
// produced. A non-zero exit is reported in the result, not as an error.
func (o *Operator) Run(ctx context.Context, step schemas.RepairStep, onLine func(string)) (platform.Result, error) {
	p := step.Params
	timeout := o.Timeout(step.Timeout)
	o.logger.Info("Running operation",
		zap.String("step", step.ID),
		zap.String("operation", string(step.Operation)),
		zap.Duration("timeout", timeout))

	run := func(name string, args ...string) (platform.Result, error) {
		return o.runner.Run(ctx, platform.Command{Name: name, Args: args, Timeout: timeout, OnLine: onLine})
	}

	switch step.Operation {
	case schemas.OpRegistrySetStart:
		return o.setBootStart(ctx, p["system_hive"], p["control_set"], p["service"], timeout, onLine)
	case schemas.OpDismAddDriver:
		return run("dism", "/Image:"+p["os_root"], "/Add-Driver", "/Driver:"+p["inf"])
	case schemas.OpBCDBoot:
		return run("bcdboot", p["windows"], "/s", p["system_partition"], "/f", "UEFI")
	case schemas.OpDismRestoreHealth:
		args := []string{"/Image:" + p["os_root"], "/Cleanup-Image", "/RestoreHealth"}
		if o.cfg.RepairSource != "" {
			args = append(args, "/Source:"+o.cfg.RepairSource, "/LimitAccess")
		}
		return run("dism", args...)
	case schemas.OpSFCOffline:
		return run("sfc", "/scannow", "/offbootdir="+p["os_root"], "/offwindir="+p["windows"])
	case schemas.OpChkdsk:
		return run("chkdsk", p["volume"], "/f", "/x")
	case schemas.OpFormatFAT32:
		return run("format", p["system_partition"], "/FS:FAT32", "/Q", "/Y")
	case schemas.OpCopyFile:
		return copyFile(p["source"], p["dest"], onLine)
	case schemas.OpDismRevertPending:
		return run("dism", "/Image:"+p["os_root"], "/Cleanup-Image", "/RevertPendingActions")
	case schemas.OpBlocked:
		return platform.Result{Command: string(step.Operation)}, schemas.NewError(schemas.KindBlocked, "operator", step.ID,
			fmt.Errorf("volume %s must be unlocked first", p["volume"]))
	default:
		return platform.Result{}, fmt.Errorf("operation %q is not implemented", step.Operation)
	}
}

// setBootStart sets Start=0 on the service and removes any StartOverride.
func (o *Operator) setBootStart(ctx context.Context, hive, controlSet, service string, timeout time.Duration, onLine func(string)) (platform.Result, error) {
	var res platform.Result
	err := o.hives.WithHive(ctx, hive, systemHiveName, o.target.Running, func(root string) error {
		key := root + `\` + controlSet + `\Services\` + service
		var err error
		res, err = o.runner.Run(ctx, platform.Command{
			Name:    "reg",
			Args:    []string{"add", key, "/v", "Start", "/t", "REG_DWORD", "/d", "0", "/f"},
			Timeout: timeout,
			OnLine:  onLine,
		})
		if err != nil || res.ExitCode != 0 {
			return err
		}
		// Absent overrides make reg delete exit 1, which is fine.
		del, err := o.runner.Run(ctx, platform.Command{
			Name:    "reg",
			Args:    []string{"delete", key + `\StartOverride`, "/f"},
			Timeout: timeout,
			OnLine:  onLine,
		})
		if err != nil {
			return err
		}
		res.Output = strings.TrimSpace(res.Output + "\n" + del.Output)
		res.Elapsed += del.Elapsed
		return nil
	})
	return res, err
}

// copyFile replaces dest with source through a temporary file in the same
// directory, so dest is never observed half-written.
func copyFile(source, dest string, onLine func(string)) (platform.Result, error) {
	start := time.Now()
	res := platform.Result{Command: "copy " + source + " " + dest}
	src, dst := platform.NormalizePath(source), platform.NormalizePath(dest)

	in, err := os.Open(src)
	if err != nil {
		res.ExitCode = 1
		res.LastLine = err.Error()
		res.Output = res.LastLine
		res.Elapsed = time.Since(start)
		return res, nil
	}
	defer in.Close()

	tmp, err := os.CreateTemp(filepath.Dir(dst), ".bootmend-copy-*")
	if err != nil {
		return res, fmt.Errorf("failed to create temporary file next to %s: %w", dst, err)
	}
	n, err := io.Copy(tmp, in)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = os.Rename(tmp.Name(), dst)
	}
	if err != nil {
		_ = os.Remove(tmp.Name())
		return res, fmt.Errorf("failed to copy %s to %s: %w", src, dst, err)
	}
	res.LastLine = fmt.Sprintf("copied %d bytes", n)
	res.Output = res.LastLine
	res.Elapsed = time.Since(start)
	if onLine != nil {
		onLine(res.LastLine)
	}
	return res, nil
}

// IsUnavailable reports whether err means the tool is missing from this
// environment, which makes the step fail rather than the session.
func IsUnavailable(err error) bool {
	return errors.Is(err, platform.ErrToolUnavailable)
}
