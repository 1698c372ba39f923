// File: internal/config/config.go
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"
)

// Interface defines the contract for accessing application configuration.
// Components depend on this rather than on *Config so tests can substitute values.
type Interface interface {
	Logger() LoggerConfig
	Scan() ScanConfig
	Probe() ProbeConfig
	Drivers() DriversConfig
	Catalog() CatalogConfig
	Executor() ExecutorConfig
	Session() SessionConfig
	Database() DatabaseConfig
	Tools() ToolsConfig

	SetDriverSearchPaths(paths []string)
	SetSystemPartition(letter string)
	SetStateDir(dir string)
}

// Config holds the entire application configuration.
type Config struct {
	LoggerCfg   LoggerConfig   `mapstructure:"logger" yaml:"logger"`
	ScanCfg     ScanConfig     `mapstructure:"scan" yaml:"scan"`
	ProbeCfg    ProbeConfig    `mapstructure:"probe" yaml:"probe"`
	DriversCfg  DriversConfig  `mapstructure:"drivers" yaml:"drivers"`
	CatalogCfg  CatalogConfig  `mapstructure:"catalog" yaml:"catalog"`
	ExecutorCfg ExecutorConfig `mapstructure:"executor" yaml:"executor"`
	SessionCfg  SessionConfig  `mapstructure:"session" yaml:"session"`
	DatabaseCfg DatabaseConfig `mapstructure:"database" yaml:"database"`
	ToolsCfg    ToolsConfig    `mapstructure:"tools" yaml:"tools"`
}

// -- Getters --

func (c *Config) Logger() LoggerConfig     { return c.LoggerCfg }
func (c *Config) Scan() ScanConfig         { return c.ScanCfg }
func (c *Config) Probe() ProbeConfig       { return c.ProbeCfg }
func (c *Config) Drivers() DriversConfig   { return c.DriversCfg }
func (c *Config) Catalog() CatalogConfig   { return c.CatalogCfg }
func (c *Config) Executor() ExecutorConfig { return c.ExecutorCfg }
func (c *Config) Session() SessionConfig   { return c.SessionCfg }
func (c *Config) Database() DatabaseConfig { return c.DatabaseCfg }
func (c *Config) Tools() ToolsConfig       { return c.ToolsCfg }

// -- Setters used by CLI flags --

func (c *Config) SetDriverSearchPaths(paths []string) { c.DriversCfg.SearchPaths = paths }
func (c *Config) SetSystemPartition(letter string)    { c.ScanCfg.SystemPartition = letter }
func (c *Config) SetStateDir(dir string)              { c.SessionCfg.StateDir = dir }

// LoggerConfig defines all settings related to logging.
type LoggerConfig struct {
	Level       string      `mapstructure:"level" yaml:"level"`
	Format      string      `mapstructure:"format" yaml:"format"`
	AddSource   bool        `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string      `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string      `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int         `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int         `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int         `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool        `mapstructure:"compress" yaml:"compress"`
	Colors      ColorConfig `mapstructure:"colors" yaml:"colors"`
}

// ColorConfig defines the color names for different log levels.
type ColorConfig struct {
	Debug  string `mapstructure:"debug" yaml:"debug"`
	Info   string `mapstructure:"info" yaml:"info"`
	Warn   string `mapstructure:"warn" yaml:"warn"`
	Error  string `mapstructure:"error" yaml:"error"`
	DPanic string `mapstructure:"dpanic" yaml:"dpanic"`
	Panic  string `mapstructure:"panic" yaml:"panic"`
	Fatal  string `mapstructure:"fatal" yaml:"fatal"`
}

// ScanConfig controls installation discovery.
type ScanConfig struct {
	// Volumes are the candidate drive roots probed for installations.
	Volumes []string `mapstructure:"volumes" yaml:"volumes"`
	// ExcludeVolumes are never treated as targets (the WinPE RAM disk is X:).
	ExcludeVolumes []string `mapstructure:"exclude_volumes" yaml:"exclude_volumes"`
	// SystemPartition is the drive letter of the EFI system partition, if mounted.
	SystemPartition string `mapstructure:"system_partition" yaml:"system_partition"`
	// RunningWindowsDir is the Windows directory of the environment the tool runs in.
	RunningWindowsDir string `mapstructure:"running_windows_dir" yaml:"running_windows_dir"`
}

// ProbeConfig tunes the read-only collectors.
type ProbeConfig struct {
	LogTailBytes    int64    `mapstructure:"log_tail_bytes" yaml:"log_tail_bytes"`
	EventLimit      int      `mapstructure:"event_limit" yaml:"event_limit"`
	BootServices    []string `mapstructure:"boot_services" yaml:"boot_services"`
	HardwareClasses []string `mapstructure:"hardware_classes" yaml:"hardware_classes"`
	HiveMountPrefix string   `mapstructure:"hive_mount_prefix" yaml:"hive_mount_prefix"`
	// HiveBusyWait is how long a hive load keeps retrying while another
	// session holds the hive file.
	HiveBusyWait time.Duration `mapstructure:"hive_busy_wait" yaml:"hive_busy_wait"`
}

// DriversConfig controls driver package discovery and selection.
type DriversConfig struct {
	SearchPaths      []string `mapstructure:"search_paths" yaml:"search_paths"`
	Architecture     string   `mapstructure:"architecture" yaml:"architecture"`
	AllowUnsigned    bool     `mapstructure:"allow_unsigned" yaml:"allow_unsigned"`
	ParseConcurrency int      `mapstructure:"parse_concurrency" yaml:"parse_concurrency"`
}

// CatalogConfig points at an override decision catalog. Empty uses the embedded one.
type CatalogConfig struct {
	Path string `mapstructure:"path" yaml:"path"`
}

// ExecutorConfig bounds every external operation and paces progress events.
type ExecutorConfig struct {
	ShortTimeout     time.Duration `mapstructure:"short_timeout" yaml:"short_timeout"`
	LongTimeout      time.Duration `mapstructure:"long_timeout" yaml:"long_timeout"`
	ProgressInterval time.Duration `mapstructure:"progress_interval" yaml:"progress_interval"`
	ProgressBurst    int           `mapstructure:"progress_burst" yaml:"progress_burst"`
	RepairSource     string        `mapstructure:"repair_source" yaml:"repair_source"`
}

// SessionConfig controls where session state and checkpoints live.
type SessionConfig struct {
	// StateDir holds sessions, checkpoints, the ledger and target locks.
	// Empty means "<target root>/bootmend".
	StateDir string `mapstructure:"state_dir" yaml:"state_dir"`
}

// DatabaseConfig holds the optional report archive connection details.
type DatabaseConfig struct {
	URL string `mapstructure:"url" yaml:"url"`
}

// ToolsConfig overrides platform tool locations.
type ToolsConfig struct {
	Paths       map[string]string `mapstructure:"paths" yaml:"paths"`
	OEMCodePage string            `mapstructure:"oem_codepage" yaml:"oem_codepage"`
}

// NewDefaultConfig creates a configuration populated with default values.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)
	var cfg Config
	// Unmarshalling defaults into the struct cannot fail for well-formed defaults.
	_ = v.Unmarshal(&cfg)
	return &cfg
}

// SetDefaults registers every default on the given viper instance.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "bootmend")
	v.SetDefault("logger.log_file", "bootmend.log")
	v.SetDefault("logger.max_size", 20)
	v.SetDefault("logger.max_backups", 3)
	v.SetDefault("logger.max_age", 14)
	v.SetDefault("logger.compress", true)
	v.SetDefault("logger.colors.debug", "cyan")
	v.SetDefault("logger.colors.info", "green")
	v.SetDefault("logger.colors.warn", "yellow")
	v.SetDefault("logger.colors.error", "red")
	v.SetDefault("logger.colors.dpanic", "magenta")
	v.SetDefault("logger.colors.panic", "magenta")
	v.SetDefault("logger.colors.fatal", "red")

	// -- Scan --
	v.SetDefault("scan.volumes", defaultVolumes())
	v.SetDefault("scan.exclude_volumes", []string{"X:"})
	v.SetDefault("scan.system_partition", "")
	v.SetDefault("scan.running_windows_dir", "")

	// -- Probe --
	v.SetDefault("probe.log_tail_bytes", 256*1024)
	v.SetDefault("probe.event_limit", 200)
	v.SetDefault("probe.boot_services", []string{
		"disk", "partmgr", "volmgr", "volsnap", "stornvme", "storahci", "iaStorVD", "iaStorAC", "iaStorAVC",
	})
	v.SetDefault("probe.hardware_classes", []string{"SCSIAdapter", "HDC"})
	v.SetDefault("probe.hive_mount_prefix", "BOOTMEND")
	v.SetDefault("probe.hive_busy_wait", "30s")

	// -- Drivers --
	v.SetDefault("drivers.search_paths", []string{})
	v.SetDefault("drivers.architecture", "amd64")
	v.SetDefault("drivers.allow_unsigned", false)
	v.SetDefault("drivers.parse_concurrency", 4)

	// -- Catalog --
	v.SetDefault("catalog.path", "")

	// -- Executor --
	v.SetDefault("executor.short_timeout", "60s")
	v.SetDefault("executor.long_timeout", "45m")
	v.SetDefault("executor.progress_interval", "1s")
	v.SetDefault("executor.progress_burst", 4)
	v.SetDefault("executor.repair_source", "")

	// -- Session --
	v.SetDefault("session.state_dir", "")

	// -- Database --
	v.SetDefault("database.url", "")

	// -- Tools --
	v.SetDefault("tools.oem_codepage", "437")
}

func defaultVolumes() []string {
	vols := make([]string, 0, 24)
	for c := 'C'; c <= 'Z'; c++ {
		vols = append(vols, string(c)+":")
	}
	return vols
}

// LoadDotEnv loads a .env file from the working directory when one exists.
// Setting environment variables in a recovery shell is awkward; a file next to
// the tool is not.
func LoadDotEnv(path string) error {
	if path == "" {
		path = ".env"
	}
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to stat %s: %w", path, err)
	}
	return godotenv.Load(path)
}

// NewConfigFromViper creates a new configuration instance from a viper object.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config

	v.BindEnv("database.url", "BOOTMEND_DATABASE_URL")
	v.BindEnv("scan.running_windows_dir", "BOOTMEND_RUNNING_WINDOWS_DIR", "SystemRoot")

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := cfg.expandPaths(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// expandPaths resolves "~" in user-supplied paths.
func (c *Config) expandPaths() error {
	var err error
	if c.SessionCfg.StateDir, err = homedir.Expand(c.SessionCfg.StateDir); err != nil {
		return fmt.Errorf("session.state_dir: %w", err)
	}
	if c.CatalogCfg.Path, err = homedir.Expand(c.CatalogCfg.Path); err != nil {
		return fmt.Errorf("catalog.path: %w", err)
	}
	if c.LoggerCfg.LogFile, err = homedir.Expand(c.LoggerCfg.LogFile); err != nil {
		return fmt.Errorf("logger.log_file: %w", err)
	}
	for i, p := range c.DriversCfg.SearchPaths {
		if c.DriversCfg.SearchPaths[i], err = homedir.Expand(p); err != nil {
			return fmt.Errorf("drivers.search_paths[%d]: %w", i, err)
		}
	}
	return nil
}

// Validate checks the configuration for required fields and sane values.
func (c *Config) Validate() error {
	if len(c.ScanCfg.Volumes) == 0 {
		return fmt.Errorf("scan.volumes must list at least one volume")
	}
	if err := c.ProbeCfg.Validate(); err != nil {
		return fmt.Errorf("probe configuration invalid: %w", err)
	}
	if err := c.ExecutorCfg.Validate(); err != nil {
		return fmt.Errorf("executor configuration invalid: %w", err)
	}
	if c.DriversCfg.ParseConcurrency <= 0 {
		return fmt.Errorf("drivers.parse_concurrency must be a positive integer")
	}
	switch strings.ToLower(c.ToolsCfg.OEMCodePage) {
	case "437", "850", "utf-8", "utf8":
	default:
		return fmt.Errorf("tools.oem_codepage %q is not supported", c.ToolsCfg.OEMCodePage)
	}
	return nil
}

// Validate checks the probe configuration.
func (p *ProbeConfig) Validate() error {
	if p.LogTailBytes <= 0 {
		return fmt.Errorf("log_tail_bytes must be positive")
	}
	if p.EventLimit <= 0 {
		return fmt.Errorf("event_limit must be positive")
	}
	if p.HiveMountPrefix == "" || strings.ContainsAny(p.HiveMountPrefix, `\/ `) {
		return fmt.Errorf("hive_mount_prefix must be a single non-empty key name")
	}
	if p.HiveBusyWait < 0 {
		return fmt.Errorf("hive_busy_wait must not be negative")
	}
	return nil
}

// Validate checks the executor configuration.
func (e *ExecutorConfig) Validate() error {
	if e.ShortTimeout <= 0 || e.LongTimeout <= 0 {
		return fmt.Errorf("short_timeout and long_timeout are mandatory and must be positive")
	}
	if e.LongTimeout < e.ShortTimeout {
		return fmt.Errorf("long_timeout (%s) must not be shorter than short_timeout (%s)", e.LongTimeout, e.ShortTimeout)
	}
	if e.ProgressInterval <= 0 {
		return fmt.Errorf("progress_interval must be positive")
	}
	if e.ProgressBurst <= 0 {
		return fmt.Errorf("progress_burst must be positive")
	}
	return nil
}
