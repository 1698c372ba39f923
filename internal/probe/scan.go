// File: internal/probe/scan.go
package probe

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/xkilldash9x/bootmend/api/schemas"
	"github.com/xkilldash9x/bootmend/internal/config"
	"github.com/xkilldash9x/bootmend/internal/platform"
	"go.uber.org/zap"
)

// ErrTargetNotFound is returned when a selector matches no discovered target.
var ErrTargetNotFound = errors.New("no matching installation")

// Scanner discovers installations on the configured volumes.
type Scanner struct {
	runner  platform.Runner
	hives   *HiveReader
	cfg     config.ScanConfig
	timeout time.Duration
	logger  *zap.Logger
}

// NewScanner builds a scanner sharing the collector's hive reader.
func NewScanner(cfg config.Interface, runner platform.Runner, hives *HiveReader, logger *zap.Logger) *Scanner {
	return &Scanner{
		runner:  runner,
		hives:   hives,
		cfg:     cfg.Scan(),
		timeout: cfg.Executor().ShortTimeout,
		logger:  logger.Named("scanner"),
	}
}

// VolumeRoot maps a configured volume to the directory its files are read
// through. Drive letters gain a trailing separator; anything else is a path.
func VolumeRoot(volume string) string {
	if len(volume) == 2 && volume[1] == ':' {
		return strings.ToUpper(volume) + `\`
	}
	return volume
}

// TargetID derives a stable identifier from the Windows directory.
func TargetID(windowsDir string) string {
	sum := sha256.Sum256([]byte(strings.ToLower(platform.NormalizePath(windowsDir))))
	return "win-" + hex.EncodeToString(sum[:])[:8]
}

// Scan returns every installation found, in volume order. Locked volumes that
// may hold one are reported with Locked set.
func (s *Scanner) Scan(ctx context.Context) ([]schemas.TargetInstallation, error) {
	env := s.environment(ctx)
	excluded := map[string]bool{}
	for _, v := range s.cfg.ExcludeVolumes {
		excluded[strings.ToUpper(v)] = true
	}

	targets := []schemas.TargetInstallation{}
	for _, vol := range s.cfg.Volumes {
		if err := ctx.Err(); err != nil {
			return nil, schemas.NewError(schemas.KindCancelled, "scan", "", err)
		}
		if excluded[strings.ToUpper(vol)] {
			continue
		}
		t, ok := s.inspect(ctx, vol)
		if !ok {
			continue
		}
		t.Environment = env
		targets = append(targets, t)
	}
	s.logger.Info("Scan complete", zap.Int("installations", len(targets)), zap.String("environment", string(env)))
	return targets, nil
}

func (s *Scanner) inspect(ctx context.Context, vol string) (schemas.TargetInstallation, bool) {
	root := VolumeRoot(vol)
	windowsDir := filepath.Join(root, "Windows")
	t := schemas.TargetInstallation{
		ID:         TargetID(windowsDir),
		Root:       root,
		Volume:     vol,
		WindowsDir: windowsDir,
		Running:    platform.SameDir(windowsDir, s.cfg.RunningWindowsDir),
	}
	log := s.logger.With(zap.String("volume", vol))

	if _, err := os.Stat(root); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return t, false
		}
		// An unreadable root is what a locked BitLocker volume looks like.
		st, berr := QueryBitLocker(ctx, s.runner, vol, s.timeout)
		if berr != nil || !st.Locked() {
			log.Debug("Volume unreadable", zap.Error(err))
			return t, false
		}
		log.Info("Volume is locked; reporting as a locked target")
		t.Locked = true
		return t, true
	}

	hive := filepath.Join(windowsDir, "System32", "config", "SYSTEM")
	if _, err := os.Stat(hive); err != nil {
		return t, false
	}

	t.Healthy = platform.FileExists(filepath.Join(windowsDir, "System32", "winload.efi")) &&
		platform.FileExists(filepath.Join(windowsDir, "System32", "ntoskrnl.exe")) &&
		platform.FileExists(filepath.Join(windowsDir, "System32", "hal.dll"))

	if err := s.readVersion(ctx, &t); err != nil {
		log.Warn("Could not read installation version", zap.Error(err))
	}
	log.Info("Installation found",
		zap.String("id", t.ID),
		zap.String("product", t.ProductName),
		zap.Bool("running", t.Running),
		zap.Bool("healthy", t.Healthy))
	return t, true
}

func (s *Scanner) readVersion(ctx context.Context, t *schemas.TargetInstallation) error {
	software := filepath.Join(t.WindowsDir, "System32", "config", "SOFTWARE")
	if !platform.FileExists(software) {
		return fmt.Errorf("SOFTWARE hive absent")
	}
	hives := s.hives.ReadOnly(newMountScope())
	return hives.WithHive(ctx, software, "SOFTWARE", t.Running, func(root string) error {
		k, err := hives.Key(ctx, root+`\Microsoft\Windows NT\CurrentVersion`)
		if err != nil {
			return err
		}
		if v, ok := k.Value("ProductName"); ok {
			t.ProductName = v.Data
		}
		if v, ok := k.Value("CurrentBuild"); ok {
			t.Build = v.Data
		}
		if v, ok := k.Value("DisplayVersion"); ok {
			t.DisplayVersion = v.Data
		}
		return nil
	})
}

// environment reports Recovery when the MiniNT marker key exists, which WinPE
// and the recovery environment set.
func (s *Scanner) environment(ctx context.Context) schemas.Environment {
	res, err := s.runner.Run(ctx, platform.Command{
		Name:    "reg",
		Args:    []string{"query", `HKLM\SYSTEM\CurrentControlSet\Control\MiniNT`},
		Timeout: s.timeout,
	})
	if err == nil && res.ExitCode == 0 {
		return schemas.EnvironmentRecovery
	}
	return schemas.EnvironmentDesktop
}

// FindTarget selects a target by ID or volume. An empty selector picks the
// only non-running target, which is the usual case in a recovery shell.
func FindTarget(targets []schemas.TargetInstallation, selector string) (schemas.TargetInstallation, error) {
	if selector == "" {
		var picked []schemas.TargetInstallation
		for _, t := range targets {
			if !t.Running {
				picked = append(picked, t)
			}
		}
		if len(picked) == 1 {
			return picked[0], nil
		}
		return schemas.TargetInstallation{}, fmt.Errorf("%w: %d candidates, select one with --target", ErrTargetNotFound, len(picked))
	}
	for _, t := range targets {
		if strings.EqualFold(t.ID, selector) || strings.EqualFold(t.Volume, selector) || platform.SameDir(t.Root, selector) {
			return t, nil
		}
	}
	return schemas.TargetInstallation{}, fmt.Errorf("%w: %q", ErrTargetNotFound, selector)
}
