// File: internal/config/config_test.go
package config

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// -- Constructor and Defaults Tests --

func TestNewDefaultConfig(t *testing.T) {
	cfg := NewDefaultConfig()

	assert.Equal(t, "info", cfg.Logger().Level)
	assert.Equal(t, "bootmend", cfg.Logger().ServiceName)
	assert.Equal(t, 60*time.Second, cfg.Executor().ShortTimeout)
	assert.Equal(t, 45*time.Minute, cfg.Executor().LongTimeout)
	assert.Equal(t, time.Second, cfg.Executor().ProgressInterval)
	assert.Contains(t, cfg.Scan().Volumes, "C:")
	assert.Contains(t, cfg.Scan().Volumes, "Z:")
	assert.Equal(t, []string{"X:"}, cfg.Scan().ExcludeVolumes)
	assert.Equal(t, []string{"SCSIAdapter", "HDC"}, cfg.Probe().HardwareClasses)
	assert.Equal(t, "BOOTMEND", cfg.Probe().HiveMountPrefix)
	assert.Equal(t, 30*time.Second, cfg.Probe().HiveBusyWait)
	assert.False(t, cfg.Drivers().AllowUnsigned)
	assert.NoError(t, cfg.Validate())
}

// -- Validation Logic Tests --

func TestConfigValidation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{
			name:   "defaults are valid",
			mutate: func(c *Config) {},
		},
		{
			name:    "no volumes",
			mutate:  func(c *Config) { c.ScanCfg.Volumes = nil },
			wantErr: "scan.volumes must list at least one volume",
		},
		{
			name:    "missing short timeout",
			mutate:  func(c *Config) { c.ExecutorCfg.ShortTimeout = 0 },
			wantErr: "mandatory",
		},
		{
			name: "long shorter than short",
			mutate: func(c *Config) {
				c.ExecutorCfg.ShortTimeout = time.Minute
				c.ExecutorCfg.LongTimeout = time.Second
			},
			wantErr: "must not be shorter",
		},
		{
			name:    "bad progress burst",
			mutate:  func(c *Config) { c.ExecutorCfg.ProgressBurst = 0 },
			wantErr: "progress_burst",
		},
		{
			name:    "bad mount prefix",
			mutate:  func(c *Config) { c.ProbeCfg.HiveMountPrefix = `SYSTEM\X` },
			wantErr: "hive_mount_prefix",
		},
		{
			name:    "negative hive wait",
			mutate:  func(c *Config) { c.ProbeCfg.HiveBusyWait = -time.Second },
			wantErr: "hive_busy_wait",
		},
		{
			name:    "zero tail bytes",
			mutate:  func(c *Config) { c.ProbeCfg.LogTailBytes = 0 },
			wantErr: "log_tail_bytes",
		},
		{
			name:    "unsupported code page",
			mutate:  func(c *Config) { c.ToolsCfg.OEMCodePage = "932" },
			wantErr: "oem_codepage",
		},
		{
			name:    "zero parse concurrency",
			mutate:  func(c *Config) { c.DriversCfg.ParseConcurrency = 0 },
			wantErr: "parse_concurrency",
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := NewDefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

// -- Loading Tests --

func TestNewConfigFromViper(t *testing.T) {
	t.Run("reads yaml overrides", func(t *testing.T) {
		v := viper.New()
		SetDefaults(v)
		v.SetConfigType("yaml")
		yaml := []byte(`
logger:
  level: debug
executor:
  short_timeout: 5s
  long_timeout: 10m
drivers:
  search_paths:
    - /media/drivers
  allow_unsigned: true
scan:
  system_partition: "S:"
`)
		require.NoError(t, v.ReadConfig(bytes.NewBuffer(yaml)))

		cfg, err := NewConfigFromViper(v)
		require.NoError(t, err)
		assert.Equal(t, "debug", cfg.Logger().Level)
		assert.Equal(t, 5*time.Second, cfg.Executor().ShortTimeout)
		assert.Equal(t, 10*time.Minute, cfg.Executor().LongTimeout)
		assert.Equal(t, []string{"/media/drivers"}, cfg.Drivers().SearchPaths)
		assert.True(t, cfg.Drivers().AllowUnsigned)
		assert.Equal(t, "S:", cfg.Scan().SystemPartition)
	})

	t.Run("rejects invalid values", func(t *testing.T) {
		v := viper.New()
		SetDefaults(v)
		v.Set("executor.long_timeout", "1s")
		v.Set("executor.short_timeout", "1m")

		_, err := NewConfigFromViper(v)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid configuration")
	})

	t.Run("database url from environment", func(t *testing.T) {
		t.Setenv("BOOTMEND_DATABASE_URL", "postgres://archive@localhost/bootmend")
		v := viper.New()
		SetDefaults(v)

		cfg, err := NewConfigFromViper(v)
		require.NoError(t, err)
		assert.Equal(t, "postgres://archive@localhost/bootmend", cfg.Database().URL)
	})
}

func TestSetters(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.SetDriverSearchPaths([]string{"E:/drivers"})
	cfg.SetSystemPartition("S:")
	cfg.SetStateDir("/tmp/state")

	assert.Equal(t, []string{"E:/drivers"}, cfg.Drivers().SearchPaths)
	assert.Equal(t, "S:", cfg.Scan().SystemPartition)
	assert.Equal(t, "/tmp/state", cfg.Session().StateDir)
}

func TestLoadDotEnv(t *testing.T) {
	t.Run("missing file is not an error", func(t *testing.T) {
		assert.NoError(t, LoadDotEnv(filepath.Join(t.TempDir(), ".env")))
	})

	t.Run("loads variables", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), ".env")
		require.NoError(t, os.WriteFile(path, []byte("BOOTMEND_DOTENV_CHECK=from-file\n"), 0o600))
		t.Cleanup(func() { os.Unsetenv("BOOTMEND_DOTENV_CHECK") })

		require.NoError(t, LoadDotEnv(path))
		assert.Equal(t, "from-file", os.Getenv("BOOTMEND_DOTENV_CHECK"))
	})
}
