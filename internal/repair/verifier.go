// File: internal/repair/verifier.go
package repair

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/bootmend/api/schemas"
	"github.com/xkilldash9x/bootmend/internal/evidence"
	"github.com/xkilldash9x/bootmend/internal/platform"
	"github.com/xkilldash9x/bootmend/internal/probe"
)

// Verifier re-reads the target to decide whether a condition holds right now.
// It never consults evidence collected earlier in the session.
type Verifier struct {
	target          schemas.TargetInstallation
	runner          platform.Runner
	hives           *probe.HiveReader
	resolver        platform.VolumeResolver
	systemPartition string
	timeout         time.Duration
	logger          *zap.Logger
}

// NewVerifier creates a verifier. systemPartition may be empty when the EFI
// system partition is not mounted.
func NewVerifier(target schemas.TargetInstallation, runner platform.Runner, hives *probe.HiveReader, resolver platform.VolumeResolver, systemPartition string, timeout time.Duration, logger *zap.Logger) *Verifier {
	return &Verifier{
		target:          target,
		runner:          runner,
		hives:           hives,
		resolver:        resolver,
		systemPartition: systemPartition,
		timeout:         timeout,
		logger:          logger.Named("verifier"),
	}
}

// Check evaluates one condition. An error means the state could not be
// determined, which callers treat as "does not hold".
func (v *Verifier) Check(ctx context.Context, c schemas.Condition) (bool, error) {
	ok, err := v.check(ctx, c)
	v.logger.Debug("Checked condition", zap.Stringer("condition", c), zap.Bool("holds", ok), zap.Error(err))
	return ok, err
}

func (v *Verifier) check(ctx context.Context, c schemas.Condition) (bool, error) {
	switch c.Code {
	case schemas.CondFileExists:
		return pathExists(c.Arg), nil
	case schemas.CondFileAbsent:
		return !pathExists(c.Arg), nil
	case schemas.CondDriverPackageAvailable:
		return platform.FileExists(platform.NormalizePath(c.Arg)), nil
	case schemas.CondDriverInstalled, schemas.CondDriverEnabled:
		st, err := v.service(ctx, c.Arg)
		if err != nil {
			return false, err
		}
		if c.Code == schemas.CondDriverInstalled {
			return st.Exists, nil
		}
		return st.Enabled(), nil
	case schemas.CondDriverStaged:
		return v.driverStaged(ctx, c.Arg)
	case schemas.CondBCDEntryValid:
		return v.bootEntryValid(ctx)
	case schemas.CondComponentStoreHealthy:
		return v.componentStoreHealthy(ctx)
	case schemas.CondSystemFilesIntact:
		for _, rel := range []string{`System32\winload.efi`, `System32\ntoskrnl.exe`, `System32\hal.dll`, `System32\config\SYSTEM`} {
			if !platform.FileExists(filepath.Join(v.target.WindowsDir, platform.NormalizePath(rel))) {
				return false, nil
			}
		}
		return true, nil
	case schemas.CondVolumeUnlocked:
		return v.volumeUnlocked(ctx)
	case schemas.CondVolumeClean:
		res, err := v.run(ctx, "fsutil", "dirty", "query", v.target.Volume)
		if err != nil {
			return false, err
		}
		dirty, known := probe.ParseDirty(res.Output)
		if !known {
			return false, fmt.Errorf("unrecognized fsutil output: %s", res.LastLine)
		}
		return !dirty, nil
	case schemas.CondPartitionFormatted:
		res, err := v.run(ctx, "fsutil", "fsinfo", "volumeinfo", driveRoot(c.Arg))
		if err != nil {
			return false, err
		}
		return probe.ParseFSName(res.Output) == "FAT32", nil
	case schemas.CondHiveLoadable:
		err := v.hives.WithHive(ctx, v.systemHive(), systemHiveName, v.target.Running, func(string) error { return nil })
		if errors.Is(err, probe.ErrHiveInUse) {
			// Undetermined, not unloadable.
			return false, err
		}
		return err == nil, nil
	default:
		return false, fmt.Errorf("no verifier for condition %q", c.Code)
	}
}

// AllHold checks every condition and returns the first one that does not hold.
func (v *Verifier) AllHold(ctx context.Context, conds []schemas.Condition) (bool, *schemas.Condition, error) {
	for i := range conds {
		ok, err := v.Check(ctx, conds[i])
		if !ok || err != nil {
			return false, &conds[i], err
		}
	}
	return true, nil, nil
}

func (v *Verifier) run(ctx context.Context, name string, args ...string) (platform.Result, error) {
	return v.runner.Run(ctx, platform.Command{Name: name, Args: args, Timeout: v.timeout})
}

func (v *Verifier) systemHive() string {
	return filepath.Join(v.target.WindowsDir, "System32", "config", "SYSTEM")
}

func (v *Verifier) service(ctx context.Context, name string) (st evidence.ServiceState, err error) {
	err = v.hives.WithHive(ctx, v.systemHive(), systemHiveName, v.target.Running, func(root string) error {
		n, err := v.hives.ControlSet(ctx, root)
		if err != nil {
			return err
		}
		st, err = probe.ReadService(ctx, v.hives, root+`\`+probe.ControlSetName(n)+`\Services`, v.target, name)
		return err
	})
	return st, err
}

// driverStaged looks the hardware ID up in the driver database the servicing
// stack writes when a package is added to an offline image.
func (v *Verifier) driverStaged(ctx context.Context, hardwareID string) (bool, error) {
	var staged bool
	err := v.hives.WithHive(ctx, v.systemHive(), systemHiveName, v.target.Running, func(root string) error {
		_, err := v.hives.Key(ctx, root+`\DriverDatabase\DeviceIds\`+hardwareID)
		switch {
		case errors.Is(err, probe.ErrKeyNotFound):
			return nil
		case err != nil:
			return err
		}
		staged = true
		return nil
	})
	return staged, err
}

func (v *Verifier) bootEntryValid(ctx context.Context) (bool, error) {
	res, err := v.run(ctx, "bcdedit", probe.BootStoreArgs(v.systemPartition, "/enum", "all", "/v")...)
	if err != nil {
		return false, err
	}
	if res.ExitCode != 0 {
		return false, fmt.Errorf("bcdedit exited %d: %s", res.ExitCode, res.LastLine)
	}
	entries := probe.ParseBCD(res.Output)
	if len(entries) == 0 {
		return false, nil
	}
	return probe.AnalyzeBootConfig(entries, v.resolver, v.systemPartition).DefaultLoaderValid(), nil
}

func (v *Verifier) componentStoreHealthy(ctx context.Context) (bool, error) {
	res, err := v.run(ctx, "dism", "/Image:"+v.target.Root, "/Cleanup-Image", "/CheckHealth")
	if err != nil {
		return false, err
	}
	out := strings.ToLower(res.Output)
	return res.ExitCode == 0 && strings.Contains(out, "no component store corruption detected"), nil
}

// volumeUnlocked asks manage-bde; without it a readable Windows directory is
// the best available proof.
func (v *Verifier) volumeUnlocked(ctx context.Context) (bool, error) {
	st, err := probe.QueryBitLocker(ctx, v.runner, v.target.Volume, v.timeout)
	if errors.Is(err, platform.ErrToolUnavailable) {
		_, statErr := os.ReadDir(v.target.WindowsDir)
		return statErr == nil, nil
	}
	if err != nil {
		return false, err
	}
	return !st.Locked(), nil
}

func pathExists(p string) bool {
	_, err := os.Stat(platform.NormalizePath(p))
	return err == nil
}

func driveRoot(p string) string {
	if len(p) == 2 && p[1] == ':' {
		return p + `\`
	}
	return p
}
