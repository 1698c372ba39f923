package repair

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/xkilldash9x/bootmend/api/schemas"
	"github.com/xkilldash9x/bootmend/internal/platform"
	"github.com/xkilldash9x/bootmend/internal/probe"
)

// RegistrySnapshotter exports and re-imports keys of the target's SYSTEM
// hive. Keys are relative to the hive root, for example
// "ControlSet001\Services\iaStorVD".
type RegistrySnapshotter struct {
	target  schemas.TargetInstallation
	runner  platform.Runner
	hives   *probe.HiveReader
	timeout time.Duration
}

// NewRegistrySnapshotter creates a snapshotter for one target.
func NewRegistrySnapshotter(target schemas.TargetInstallation, runner platform.Runner, hives *probe.HiveReader, timeout time.Duration) *RegistrySnapshotter {
	return &RegistrySnapshotter{target: target, runner: runner, hives: hives, timeout: timeout}
}

func (r *RegistrySnapshotter) hive() string {
	return filepath.Join(r.target.WindowsDir, "System32", "config", "SYSTEM")
}

// Export writes key to dest in .reg format. A key that does not exist yet is
// reported with probe.ErrKeyNotFound so the caller can record it as absent.
func (r *RegistrySnapshotter) Export(ctx context.Context, key, dest string) error {
	return r.hives.WithHive(ctx, r.hive(), systemHiveName, r.target.Running, func(root string) error {
		full := root + `\` + key
		if _, err := r.hives.Key(ctx, full); err != nil {
			return err
		}
		res, err := r.runner.Run(ctx, platform.Command{Name: "reg", Args: []string{"export", full, dest, "/y"}, Timeout: r.timeout})
		if err != nil {
			return err
		}
		if res.ExitCode != 0 {
			return fmt.Errorf("reg export %s exited %d: %s", full, res.ExitCode, res.LastLine)
		}
		return nil
	})
}

// Import merges a file written by Export back into the hive. The file names
// the mount key, so the hive is mounted under the same name first.
func (r *RegistrySnapshotter) Import(ctx context.Context, file string) error {
	return r.hives.WithHive(ctx, r.hive(), systemHiveName, r.target.Running, func(string) error {
		res, err := r.runner.Run(ctx, platform.Command{Name: "reg", Args: []string{"import", file}, Timeout: r.timeout})
		if err != nil {
			return err
		}
		if res.ExitCode != 0 {
			return fmt.Errorf("reg import %s exited %d: %s", file, res.ExitCode, res.LastLine)
		}
		return nil
	})
}
