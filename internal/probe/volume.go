// File: internal/probe/volume.go
package probe

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/xkilldash9x/bootmend/internal/evidence"
	"github.com/xkilldash9x/bootmend/internal/platform"
	"go.uber.org/zap"
)

// BitLockerStatus is the subset of manage-bde -status the engine relies on.
type BitLockerStatus struct {
	Conversion string
	Lock       string
	Protection string
}

// Encrypted reports whether any part of the volume is encrypted.
func (s BitLockerStatus) Encrypted() bool {
	c := strings.ToLower(s.Conversion)
	return c != "" && !strings.Contains(c, "fully decrypted")
}

// Locked reports whether the volume's contents are unreadable.
func (s BitLockerStatus) Locked() bool {
	return strings.EqualFold(strings.TrimSpace(s.Lock), "locked")
}

var bdeField = regexp.MustCompile(`(?m)^\s*(Conversion Status|Lock Status|Protection Status)\s*:\s*(.+?)\s*$`)

// ParseManageBDE extracts the status fields of one volume.
func ParseManageBDE(out string) (BitLockerStatus, bool) {
	var st BitLockerStatus
	found := false
	for _, m := range bdeField.FindAllStringSubmatch(strings.ReplaceAll(out, "\r", ""), -1) {
		found = true
		switch m[1] {
		case "Conversion Status":
			st.Conversion = m[2]
		case "Lock Status":
			st.Lock = m[2]
		case "Protection Status":
			st.Protection = m[2]
		}
	}
	return st, found
}

// ParseDirty interprets "fsutil dirty query". The second result is false when
// the output is not recognized.
func ParseDirty(out string) (dirty, known bool) {
	l := strings.ToLower(out)
	switch {
	case strings.Contains(l, "is not dirty"):
		return false, true
	case strings.Contains(l, "is dirty"):
		return true, true
	default:
		return false, false
	}
}

// QueryBitLocker runs manage-bde against volume. ErrToolUnavailable is passed
// through so callers can treat a missing tool as "not encrypted".
func QueryBitLocker(ctx context.Context, runner platform.Runner, volume string, timeout time.Duration) (BitLockerStatus, error) {
	res, err := runner.Run(ctx, platform.Command{Name: "manage-bde", Args: []string{"-status", volume}, Timeout: timeout})
	if err != nil {
		return BitLockerStatus{}, err
	}
	st, ok := ParseManageBDE(res.Output)
	if !ok {
		return st, fmt.Errorf("manage-bde exited %d without a status: %s", res.ExitCode, res.LastLine)
	}
	return st, nil
}

func collectVolume(ctx context.Context, env *Env) (evidence.Section, error) {
	sec := &evidence.VolumeSection{Availability: evidence.Collected(), Volume: env.Target.Volume}

	st, err := QueryBitLocker(ctx, env.Runner, env.Target.Volume, env.Timeout)
	switch {
	case errors.Is(err, platform.ErrToolUnavailable):
		sec.EncryptionReason = "manage-bde unavailable; encryption state not determined"
	case err != nil:
		return nil, err
	default:
		sec.Encrypted = st.Encrypted()
		sec.Locked = st.Locked()
		sec.Protection = st.Protection
		if sec.Encrypted {
			sec.EncryptionReason = st.Conversion
		}
	}
	if env.Target.Locked {
		sec.Locked = true
	}
	if sec.Locked {
		return sec, nil
	}

	if res, err := env.run(ctx, "fsutil", "dirty", "query", env.Target.Volume); err == nil {
		sec.Dirty, sec.DirtyKnown = ParseDirty(res.Output)
	} else {
		env.Logger.Debug("Dirty bit query failed", zap.Error(err))
	}
	return sec, nil
}

type fileSpec struct {
	role string
	path string
}

func systemFileSpecs(env *Env) []fileSpec {
	specs := []fileSpec{
		{evidence.RoleLoader, env.windowsPath(`System32\winload.efi`)},
		{evidence.RoleKernel, env.windowsPath(`System32\ntoskrnl.exe`)},
		{evidence.RoleHAL, env.windowsPath(`System32\hal.dll`)},
		{evidence.RoleSystemHive, env.windowsPath(`System32\config\SYSTEM`)},
		{evidence.RoleSoftwareHive, env.windowsPath(`System32\config\SOFTWARE`)},
		{evidence.RoleBootTemplate, env.windowsPath(`Boot\EFI\bootmgfw.efi`)},
		{evidence.RoleRegBackSystem, env.windowsPath(`System32\config\RegBack\SYSTEM`)},
		{evidence.RolePendingXML, env.windowsPath(`WinSxS\pending.xml`)},
	}
	if env.espRoot != "" {
		specs = append(specs, fileSpec{evidence.RoleBootManager, filepath.Join(env.espRoot, "EFI", "Microsoft", "Boot", "bootmgfw.efi")})
	}
	return specs
}

func collectSystemFiles(ctx context.Context, env *Env) (evidence.Section, error) {
	if !platform.DirExists(env.Target.WindowsDir) {
		return nil, fmt.Errorf("windows directory %s is not readable", env.Target.WindowsDir)
	}
	sec := &evidence.SystemFilesSection{
		Availability: evidence.Collected(),
		HiveChecked:  env.hiveTried && !errors.Is(env.hiveErr, ErrHiveInUse),
		HiveLoadable: env.hiveTried && env.hiveErr == nil,
	}
	for _, s := range systemFileSpecs(env) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		fact := evidence.FileFact{Role: s.role, Path: s.path}
		if info, err := os.Stat(s.path); err == nil && !info.IsDir() {
			fact.Present = true
			fact.Size = info.Size()
		}
		sec.Files = append(sec.Files, fact)
	}
	return sec, nil
}
