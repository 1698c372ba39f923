package repair

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/bootmend/api/schemas"
	"github.com/xkilldash9x/bootmend/internal/config"
	"github.com/xkilldash9x/bootmend/internal/platform"
	"github.com/xkilldash9x/bootmend/internal/platform/platformtest"
	"github.com/xkilldash9x/bootmend/internal/probe"
)

const (
	mount = `HKLM\BOOTMEND_SYSTEM`
	hkey  = `HKEY_LOCAL_MACHINE\BOOTMEND_SYSTEM`
)

type fixedResolver map[string]string

func (r fixedResolver) Root(device string) (string, bool) {
	root, ok := r[strings.ToLower(strings.TrimPrefix(device, "partition="))]
	return root, ok
}

func testTarget(t *testing.T) schemas.TargetInstallation {
	t.Helper()
	root := t.TempDir()
	win := filepath.Join(root, "Windows")
	for _, rel := range []string{
		filepath.Join("System32", "winload.efi"),
		filepath.Join("System32", "ntoskrnl.exe"),
		filepath.Join("System32", "hal.dll"),
		filepath.Join("System32", "config", "SYSTEM"),
	} {
		p := filepath.Join(win, rel)
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte("x"), 0o644))
	}
	return schemas.TargetInstallation{ID: "win-test", Root: root, Volume: "C:", WindowsDir: win}
}

func executorConfig() config.ExecutorConfig {
	return config.NewDefaultConfig().ExecutorCfg
}

func newOperator(t *testing.T, target schemas.TargetInstallation, runner platform.Runner, cfg config.ExecutorConfig) *Operator {
	logger := zaptest.NewLogger(t)
	hives := probe.NewHiveReader(runner, "BOOTMEND", time.Second, logger)
	return NewOperator(target, runner, hives, cfg, logger)
}

func newVerifier(t *testing.T, target schemas.TargetInstallation, runner platform.Runner, resolver platform.VolumeResolver, sp string) *Verifier {
	logger := zaptest.NewLogger(t)
	hives := probe.NewHiveReader(runner, "BOOTMEND", time.Second, logger)
	return NewVerifier(target, runner, hives, resolver, sp, time.Second, logger)
}

func TestOperatorCommandLines(t *testing.T) {
	target := testTarget(t)
	tests := []struct {
		name   string
		step   schemas.RepairStep
		source string
		want   string
	}{
		{
			name: "add driver",
			step: schemas.RepairStep{Operation: schemas.OpDismAddDriver, Params: map[string]string{"os_root": `D:\`, "inf": `E:\vmd\iaStorVD.inf`}},
			want: `dism /Image:D:\ /Add-Driver /Driver:E:\vmd\iaStorVD.inf`,
		},
		{
			name: "bcdboot",
			step: schemas.RepairStep{Operation: schemas.OpBCDBoot, Params: map[string]string{"windows": `D:\Windows`, "system_partition": "S:"}},
			want: `bcdboot D:\Windows /s S: /f UEFI`,
		},
		{
			name: "restore health",
			step: schemas.RepairStep{Operation: schemas.OpDismRestoreHealth, Timeout: schemas.TimeoutLong, Params: map[string]string{"os_root": `D:\`}},
			want: `dism /Image:D:\ /Cleanup-Image /RestoreHealth`,
		},
		{
			name:   "restore health with source",
			step:   schemas.RepairStep{Operation: schemas.OpDismRestoreHealth, Params: map[string]string{"os_root": `D:\`}},
			source: `E:\sources\install.wim`,
			want:   `dism /Image:D:\ /Cleanup-Image /RestoreHealth /Source:E:\sources\install.wim /LimitAccess`,
		},
		{
			name: "offline sfc",
			step: schemas.RepairStep{Operation: schemas.OpSFCOffline, Params: map[string]string{"os_root": `D:\`, "windows": `D:\Windows`}},
			want: `sfc /scannow /offbootdir=D:\ /offwindir=D:\Windows`,
		},
		{
			name: "chkdsk",
			step: schemas.RepairStep{Operation: schemas.OpChkdsk, Params: map[string]string{"volume": "D:"}},
			want: `chkdsk D: /f /x`,
		},
		{
			name: "format",
			step: schemas.RepairStep{Operation: schemas.OpFormatFAT32, Params: map[string]string{"system_partition": "S:"}},
			want: `format S: /FS:FAT32 /Q /Y`,
		},
		{
			name: "revert pending",
			step: schemas.RepairStep{Operation: schemas.OpDismRevertPending, Params: map[string]string{"os_root": `D:\`}},
			want: `dism /Image:D:\ /Cleanup-Image /RevertPendingActions`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := executorConfig()
			cfg.RepairSource = tt.source
			runner := platformtest.New()
			runner.Fallback = &platformtest.Response{Output: "The operation completed successfully."}
			res, err := newOperator(t, target, runner, cfg).Run(context.Background(), tt.step, nil)
			require.NoError(t, err)
			assert.Equal(t, 0, res.ExitCode)
			assert.Equal(t, []string{tt.want}, runner.Calls())
		})
	}
}

func TestOperatorTimeoutClasses(t *testing.T) {
	cfg := executorConfig()
	op := newOperator(t, testTarget(t), platformtest.New(), cfg)
	assert.Equal(t, cfg.ShortTimeout, op.Timeout(schemas.TimeoutShort))
	assert.Equal(t, cfg.LongTimeout, op.Timeout(schemas.TimeoutLong))
}

func TestOperatorSetBootStart(t *testing.T) {
	target := testTarget(t)
	var lines []string
	runner := platformtest.New().
		On("reg load", platformtest.Response{}).
		On(`reg add `+mount+`\ControlSet001\Services\iaStorVD /v Start /t REG_DWORD /d 0 /f`, platformtest.Response{Output: "The operation completed successfully."}).
		On(`reg delete `+mount+`\ControlSet001\Services\iaStorVD\StartOverride /f`, platformtest.Response{ExitCode: 1, Output: "ERROR: The system was unable to find the specified registry key or value."}).
		On("reg unload", platformtest.Response{})

	step := schemas.RepairStep{
		ID:        "enable-boot-driver/enable-driver[iaStorVD]",
		Operation: schemas.OpRegistrySetStart,
		Params: map[string]string{
			"service":     "iaStorVD",
			"control_set": "ControlSet001",
			"system_hive": filepath.Join(target.WindowsDir, "System32", "config", "SYSTEM"),
		},
	}
	res, err := newOperator(t, target, runner, executorConfig()).Run(context.Background(), step, func(l string) { lines = append(lines, l) })
	require.NoError(t, err)
	assert.Equal(t, 0, res.ExitCode, "a missing StartOverride is not a failure")
	require.Len(t, runner.Calls(), 4)
	assert.True(t, strings.HasPrefix(runner.Calls()[3], "reg unload "+mount))
	assert.NotEmpty(t, lines)
}

func TestOperatorSetBootStartAddFails(t *testing.T) {
	target := testTarget(t)
	runner := platformtest.New().
		On("reg load", platformtest.Response{}).
		On("reg add", platformtest.Response{ExitCode: 1, Output: "ERROR: Access is denied."}).
		On("reg unload", platformtest.Response{})
	step := schemas.RepairStep{
		Operation: schemas.OpRegistrySetStart,
		Params:    map[string]string{"service": "x", "control_set": "ControlSet001", "system_hive": "SYSTEM"},
	}
	res, err := newOperator(t, target, runner, executorConfig()).Run(context.Background(), step, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, res.ExitCode)
	assert.False(t, runner.Called("reg delete"))
	assert.True(t, runner.Called("reg unload"))
}

func TestOperatorCopyFile(t *testing.T) {
	target := testTarget(t)
	dir := t.TempDir()
	src := filepath.Join(dir, "RegBack", "SYSTEM")
	dst := filepath.Join(dir, "SYSTEM")
	require.NoError(t, os.MkdirAll(filepath.Dir(src), 0o755))
	require.NoError(t, os.WriteFile(src, []byte("backup hive"), 0o644))
	require.NoError(t, os.WriteFile(dst, []byte("broken"), 0o644))

	op := newOperator(t, target, platformtest.New(), executorConfig())
	step := schemas.RepairStep{Operation: schemas.OpCopyFile, Params: map[string]string{"source": src, "dest": dst}}

	res, err := op.Run(context.Background(), step, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, res.ExitCode)
	got, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "backup hive", string(got))

	step.Params["source"] = filepath.Join(dir, "nope")
	res, err = op.Run(context.Background(), step, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, res.ExitCode, "a missing source is a failed operation, not an engine error")
}

func TestOperatorBlocked(t *testing.T) {
	op := newOperator(t, testTarget(t), platformtest.New(), executorConfig())
	_, err := op.Run(context.Background(), schemas.RepairStep{ID: "b", Operation: schemas.OpBlocked, Params: map[string]string{"volume": "C:"}}, nil)
	assert.ErrorIs(t, err, schemas.KindBlocked)
}

func TestOperatorToolUnavailable(t *testing.T) {
	op := newOperator(t, testTarget(t), platformtest.New(), executorConfig())
	_, err := op.Run(context.Background(), schemas.RepairStep{Operation: schemas.OpChkdsk, Params: map[string]string{"volume": "C:"}}, nil)
	assert.True(t, IsUnavailable(err))
}

const bcdStore = `Windows Boot Manager
--------------------
identifier              {bootmgr}
device                  partition=S:
path                    \EFI\Microsoft\Boot\bootmgfw.efi
default                 {current}

Windows Boot Loader
-------------------
identifier              {current}
device                  partition=C:
path                    \Windows\system32\winload.efi
osdevice                partition=C:
systemroot              \Windows
`

func TestVerifierConditions(t *testing.T) {
	target := testTarget(t)
	esp := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(target.Root, "Windows", "system32"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(target.Root, "Windows", "system32", "winload.efi"), []byte("x"), 0o644))
	inf := filepath.Join(t.TempDir(), "iaStorVD.inf")
	require.NoError(t, os.WriteFile(inf, []byte("[Version]"), 0o644))

	runner := platformtest.New().
		On("reg load", platformtest.Response{}).
		On("reg unload", platformtest.Response{}).
		On(`reg query `+mount+`\Select`, platformtest.Response{Output: hkey + "\\Select\n    Current    REG_DWORD    0x1\n"}).
		On(`reg query `+mount+`\ControlSet001\Services\iaStorVD /s`, platformtest.Response{
			Output: `HKEY_LOCAL_MACHINE\BOOTMEND_SYSTEM\ControlSet001\Services\iaStorVD` + "\n    Start    REG_DWORD    0x0\n",
		}).
		On(`reg query `+mount+`\ControlSet001\Services\ghost /s`, platformtest.Response{ExitCode: 1}).
		On(`reg query `+mount+`\DriverDatabase\DeviceIds\PCI\VEN_8086&DEV_9A0B`, platformtest.Response{
			Output: `HKEY_LOCAL_MACHINE\BOOTMEND_SYSTEM\DriverDatabase\DeviceIds\PCI\VEN_8086&DEV_9A0B` + "\n    iastorvd.inf    REG_BINARY    01FF0000\n",
		}).
		On(`reg query `+mount+`\DriverDatabase\DeviceIds`, platformtest.Response{ExitCode: 1}).
		On("bcdedit /store", platformtest.Response{Output: bcdStore}).
		On("dism /Image:", platformtest.Response{Output: "No component store corruption detected.\nThe operation completed successfully."}).
		On("fsutil dirty query C:", platformtest.Response{Output: "Volume - C: is Dirty"}).
		On(`fsutil fsinfo volumeinfo S:\`, platformtest.Response{Output: "Volume Name : SYSTEM\nFile System Name : FAT32\n"}).
		On("manage-bde -status C:", platformtest.Response{Output: "    Conversion Status:    Fully Encrypted\n    Lock Status:          Unlocked\n"})

	resolver := fixedResolver{"s:": esp, "c:": target.Root}
	v := newVerifier(t, target, runner, resolver, "S:")

	tests := []struct {
		cond schemas.Condition
		want bool
	}{
		{schemas.Condition{Code: schemas.CondFileExists, Arg: filepath.Join(target.WindowsDir, "System32", "hal.dll")}, true},
		{schemas.Condition{Code: schemas.CondFileAbsent, Arg: filepath.Join(target.WindowsDir, "WinSxS", "pending.xml")}, true},
		{schemas.Condition{Code: schemas.CondDriverPackageAvailable, Arg: inf}, true},
		{schemas.Condition{Code: schemas.CondDriverEnabled, Arg: "iaStorVD"}, true},
		{schemas.Condition{Code: schemas.CondDriverInstalled, Arg: "ghost"}, false},
		{schemas.Condition{Code: schemas.CondDriverStaged, Arg: `PCI\VEN_8086&DEV_9A0B`}, true},
		{schemas.Condition{Code: schemas.CondDriverStaged, Arg: `PCI\VEN_1234&DEV_0001`}, false},
		{schemas.Condition{Code: schemas.CondBCDEntryValid}, true},
		{schemas.Condition{Code: schemas.CondComponentStoreHealthy}, true},
		{schemas.Condition{Code: schemas.CondSystemFilesIntact}, true},
		{schemas.Condition{Code: schemas.CondVolumeUnlocked}, true},
		{schemas.Condition{Code: schemas.CondVolumeClean}, false},
		{schemas.Condition{Code: schemas.CondPartitionFormatted, Arg: "S:"}, true},
		{schemas.Condition{Code: schemas.CondHiveLoadable}, true},
	}
	for _, tt := range tests {
		t.Run(string(tt.cond.Code), func(t *testing.T) {
			got, err := v.Check(context.Background(), tt.cond)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestVerifierCoversEveryCondition(t *testing.T) {
	target := testTarget(t)
	runner := platformtest.New()
	runner.Fallback = &platformtest.Response{}
	v := newVerifier(t, target, runner, fixedResolver{}, "")
	for _, code := range schemas.ConditionCodes() {
		_, err := v.Check(context.Background(), schemas.Condition{Code: code, Arg: "S:"})
		if err != nil {
			assert.NotContains(t, err.Error(), "no verifier", code)
		}
	}
}

func TestVerifierUnlockedWithoutManageBDE(t *testing.T) {
	target := testTarget(t)
	v := newVerifier(t, target, platformtest.New(), fixedResolver{}, "")
	ok, err := v.Check(context.Background(), schemas.Condition{Code: schemas.CondVolumeUnlocked})
	require.NoError(t, err)
	assert.True(t, ok, "a readable Windows directory proves the volume is unlocked")

	target.WindowsDir = filepath.Join(target.Root, "missing")
	v = newVerifier(t, target, platformtest.New(), fixedResolver{}, "")
	ok, err = v.Check(context.Background(), schemas.Condition{Code: schemas.CondVolumeUnlocked})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestVerifierHiveBusyIsUndetermined(t *testing.T) {
	runner := platformtest.New().
		On("reg load", platformtest.Response{ExitCode: 1, Output: "ERROR: The process cannot access the file because it is being used by another process."})
	v := newVerifier(t, testTarget(t), runner, fixedResolver{}, "")

	ok, err := v.Check(context.Background(), schemas.Condition{Code: schemas.CondHiveLoadable})
	assert.False(t, ok)
	assert.ErrorIs(t, err, probe.ErrHiveInUse, "contention is reported, not a hive that cannot load")

	runner = platformtest.New().
		On("reg load", platformtest.Response{ExitCode: 1, Output: "ERROR: The system cannot find the file specified."})
	v = newVerifier(t, testTarget(t), runner, fixedResolver{}, "")
	ok, err = v.Check(context.Background(), schemas.Condition{Code: schemas.CondHiveLoadable})
	assert.False(t, ok)
	assert.NoError(t, err)
}

func TestVerifierComponentStoreRepairable(t *testing.T) {
	runner := platformtest.New().On("dism", platformtest.Response{Output: "The component store is repairable."})
	v := newVerifier(t, testTarget(t), runner, fixedResolver{}, "")
	ok, err := v.Check(context.Background(), schemas.Condition{Code: schemas.CondComponentStoreHealthy})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestVerifierAllHold(t *testing.T) {
	target := testTarget(t)
	v := newVerifier(t, target, platformtest.New(), fixedResolver{}, "")
	missing := schemas.Condition{Code: schemas.CondFileExists, Arg: filepath.Join(target.Root, "nope")}
	ok, failed, err := v.AllHold(context.Background(), []schemas.Condition{
		{Code: schemas.CondSystemFilesIntact},
		missing,
	})
	require.NoError(t, err)
	assert.False(t, ok)
	require.NotNil(t, failed)
	assert.Equal(t, missing, *failed)

	ok, failed, err = v.AllHold(context.Background(), nil)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Nil(t, failed)
}

func TestRegistrySnapshotter(t *testing.T) {
	target := testTarget(t)
	runner := platformtest.New().
		On("reg load", platformtest.Response{}).
		On("reg unload", platformtest.Response{}).
		On(`reg query `+mount+`\ControlSet001\Services\iaStorVD`, platformtest.Response{Output: hkey + `\ControlSet001\Services\iaStorVD` + "\n    Start    REG_DWORD    0x3\n"}).
		On(`reg query `+mount+`\ControlSet001\Services\newsvc`, platformtest.Response{ExitCode: 1}).
		On("reg export", platformtest.Response{}).
		On("reg import", platformtest.Response{})

	logger := zaptest.NewLogger(t)
	snap := NewRegistrySnapshotter(target, runner, probe.NewHiveReader(runner, "BOOTMEND", time.Second, logger), time.Second)

	require.NoError(t, snap.Export(context.Background(), `ControlSet001\Services\iaStorVD`, "backup.reg"))
	assert.True(t, runner.Called(`reg export `+mount+`\ControlSet001\Services\iaStorVD backup.reg /y`))

	err := snap.Export(context.Background(), `ControlSet001\Services\newsvc`, "new.reg")
	assert.ErrorIs(t, err, probe.ErrKeyNotFound)

	require.NoError(t, snap.Import(context.Background(), "backup.reg"))
	assert.True(t, runner.Called("reg import backup.reg"))
}
