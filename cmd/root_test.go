// File: cmd/root_test.go
package cmd

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xkilldash9x/bootmend/api/schemas"
	"github.com/xkilldash9x/bootmend/internal/config"
	"github.com/xkilldash9x/bootmend/internal/report"
	"github.com/xkilldash9x/bootmend/internal/service"
)

// fakeFactory returns canned components or an error.
type fakeFactory struct {
	comps *service.Components
	err   error
	calls int
}

func (f *fakeFactory) Create(ctx context.Context, cfg config.Interface, logger *zap.Logger) (*service.Components, error) {
	f.calls++
	return f.comps, f.err
}

func useFactory(t *testing.T, f service.ComponentFactory) {
	t.Helper()
	orig := newFactory
	newFactory = func() service.ComponentFactory { return f }
	t.Cleanup(func() { newFactory = orig })
}

// newTestRoot returns a fresh command tree that keeps its log file out of
// the package directory.
func newTestRoot(t *testing.T, args ...string) (*cobra.Command, *bytes.Buffer) {
	t.Helper()
	t.Setenv("BOOTMEND_LOGGER_LOG_FILE", filepath.Join(t.TempDir(), "bootmend.log"))
	root := NewRootCommand()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	return root, &out
}

func TestRootCmd_VersionFlag(t *testing.T) {
	root, out := newTestRoot(t, "--version")
	require.NoError(t, root.ExecuteContext(context.Background()))
	assert.Contains(t, out.String(), "bootmend version "+Version)
}

func TestRootCmd_VersionCommand(t *testing.T) {
	root, out := newTestRoot(t, "version")
	require.NoError(t, root.ExecuteContext(context.Background()))
	assert.True(t, strings.HasPrefix(out.String(), "bootmend version "+Version))
}

func TestRootCmd_NoArgs(t *testing.T) {
	root, out := newTestRoot(t)
	require.NoError(t, root.ExecuteContext(context.Background()))
	assert.Contains(t, out.String(), "bootmend collects evidence")
	for _, sub := range []string{"scan", "diagnose", "plan", "repair", "checkpoints", "report"} {
		assert.Contains(t, out.String(), sub)
	}
}

// captureConfig adds a subcommand that records the loaded configuration.
func captureConfig(root *cobra.Command) **config.Config {
	var got *config.Config
	root.AddCommand(&cobra.Command{
		Use: "capture",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := getConfigFromContext(cmd.Context())
			got = cfg
			return err
		},
	})
	return &got
}

func TestRootCmd_ConfigPrecedence(t *testing.T) {
	envDir := filepath.Join(t.TempDir(), "from-env")
	flagDir := filepath.Join(t.TempDir(), "from-flag")
	t.Setenv("BOOTMEND_SESSION_STATE_DIR", envDir)
	t.Setenv("BOOTMEND_DATABASE_URL", "postgres://archive/reports")

	t.Run("environment over defaults", func(t *testing.T) {
		root, _ := newTestRoot(t, "capture")
		got := captureConfig(root)
		require.NoError(t, root.ExecuteContext(context.Background()))
		require.NotNil(t, *got)
		assert.Equal(t, envDir, (*got).Session().StateDir)
		assert.Equal(t, "postgres://archive/reports", (*got).Database().URL)
		assert.Equal(t, 60*time.Second, (*got).Executor().ShortTimeout)
	})

	t.Run("flags over environment", func(t *testing.T) {
		root, _ := newTestRoot(t, "capture", "--state-dir", flagDir,
			"--driver-path", "D:\\drivers", "--driver-path", "E:\\oem", "--system-partition", "S:")
		got := captureConfig(root)
		require.NoError(t, root.ExecuteContext(context.Background()))
		assert.Equal(t, flagDir, (*got).Session().StateDir)
		assert.Equal(t, []string{"D:\\drivers", "E:\\oem"}, (*got).Drivers().SearchPaths)
		assert.Equal(t, "S:", (*got).Scan().SystemPartition)
	})
}

func TestRootCmd_ConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bootmend.yaml")
	require.NoError(t, writeFile(path, "executor:\n  long_timeout: 90m\ndrivers:\n  allow_unsigned: true\n"))

	root, _ := newTestRoot(t, "capture", "--config", path)
	got := captureConfig(root)
	require.NoError(t, root.ExecuteContext(context.Background()))
	assert.Equal(t, 90*time.Minute, (*got).Executor().LongTimeout)
	assert.True(t, (*got).Drivers().AllowUnsigned)
}

func TestRootCmd_InvalidConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bootmend.yaml")
	require.NoError(t, writeFile(path, "executor: [not, a, map\n"))

	root, _ := newTestRoot(t, "version", "--config", path)
	err := root.ExecuteContext(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to initialize configuration")
}

func TestCommands_FactoryErrorPropagates(t *testing.T) {
	f := &fakeFactory{err: errors.New("codepage 9999 unsupported")}
	useFactory(t, f)

	for _, args := range [][]string{
		{"scan"},
		{"diagnose"},
		{"plan", "--target", "D:"},
		{"repair", "--yes"},
		{"checkpoints", "list"},
		{"report", "archive", "list"},
	} {
		t.Run(strings.Join(args, " "), func(t *testing.T) {
			root, _ := newTestRoot(t, args...)
			err := root.ExecuteContext(context.Background())
			require.Error(t, err)
			assert.Contains(t, err.Error(), "failed to initialize components")
			assert.Contains(t, err.Error(), "codepage 9999 unsupported")
		})
	}
	assert.Equal(t, 6, f.calls)
}

func TestReportArchive_NotConfigured(t *testing.T) {
	useFactory(t, &fakeFactory{comps: &service.Components{}})

	root, _ := newTestRoot(t, "report", "archive", "history", "win-c")
	err := root.ExecuteContext(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "report archive is not configured")
}

func TestReportShow(t *testing.T) {
	path := filepath.Join(t.TempDir(), "report.json")
	r := &schemas.RepairReport{
		SessionID: "c0ffee00-0000-4000-8000-000000000001",
		Outcome:   schemas.OutcomeDiagnosedOnly,
	}
	require.NoError(t, report.Save(path, r))

	t.Run("json", func(t *testing.T) {
		root, out := newTestRoot(t, "report", "show", path, "--format", "json")
		require.NoError(t, root.ExecuteContext(context.Background()))
		assert.Contains(t, out.String(), `"session_id": "c0ffee00-0000-4000-8000-000000000001"`)
		assert.Contains(t, out.String(), `"outcome": "diagnosed-only"`)
	})

	t.Run("to file", func(t *testing.T) {
		dest := filepath.Join(t.TempDir(), "report.yaml")
		root, _ := newTestRoot(t, "report", "show", path, "--format", "yaml", "--output", dest)
		require.NoError(t, root.ExecuteContext(context.Background()))
		loaded, err := readFile(dest)
		require.NoError(t, err)
		assert.Contains(t, loaded, "outcome: diagnosed-only")
	})

	t.Run("unknown format", func(t *testing.T) {
		root, _ := newTestRoot(t, "report", "show", path, "--format", "sarif")
		err := root.ExecuteContext(context.Background())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unsupported output format")
	})

	t.Run("missing file", func(t *testing.T) {
		root, _ := newTestRoot(t, "report", "show", filepath.Join(t.TempDir(), "absent.json"))
		require.Error(t, root.ExecuteContext(context.Background()))
	})
}
