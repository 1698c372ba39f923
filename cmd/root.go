// -- cmd/root.go --
package cmd

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/xkilldash9x/bootmend/api/schemas"
	"github.com/xkilldash9x/bootmend/internal/config"
	"github.com/xkilldash9x/bootmend/internal/observability"
	"github.com/xkilldash9x/bootmend/internal/service"
)

type contextKey string

const configKey contextKey = "config"

// newFactory is swapped in tests so commands never touch real disks.
var newFactory = service.NewComponentFactory

// NewRootCommand builds a fresh command tree. Each call is independent, so
// flags never leak between invocations.
func NewRootCommand() *cobra.Command {
	var cfgFile, envFile string

	cmd := &cobra.Command{
		Use:   "bootmend",
		Short: "bootmend diagnoses why Windows fails to boot and repairs it.",
		Long: `bootmend collects evidence from an installation, classifies the boot stage
that fails, and plans verified repairs with checkpoints and rollback. It runs
from a desktop session or from a WinPE/WinRE recovery shell.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			v := viper.New()
			config.SetDefaults(v)

			if err := config.LoadDotEnv(envFile); err != nil {
				return fmt.Errorf("failed to load environment file: %w", err)
			}
			if err := initializeConfig(cmd, v, cfgFile); err != nil {
				return fmt.Errorf("failed to initialize configuration: %w", err)
			}

			cfg, err := config.NewConfigFromViper(v)
			if err != nil {
				observability.InitializeLogger(config.LoggerConfig{Level: "info", Format: "console", ServiceName: "bootmend"})
				return fmt.Errorf("failed to load or validate config: %w", err)
			}

			observability.InitializeLogger(cfg.Logger())
			observability.GetLogger().Debug("Starting bootmend", zap.String("version", Version))

			cmd.SetContext(context.WithValue(cmd.Context(), configKey, cfg))
			return nil
		},
	}
	cmd.SetVersionTemplate(`{{printf "bootmend version %s\n" .Version}}`)

	pf := cmd.PersistentFlags()
	pf.StringVarP(&cfgFile, "config", "c", "", "config file (default is ./bootmend.yaml)")
	pf.StringVar(&envFile, "env-file", "", "environment file (default is ./.env when present)")
	pf.String("state-dir", "", "directory for sessions, checkpoints and locks (default <target>\\bootmend)")
	pf.String("log-level", "", "log level (debug, info, warn, error)")
	pf.StringSlice("driver-path", nil, "driver package directories to search (repeatable)")
	pf.String("system-partition", "", "drive letter of the mounted EFI system partition")
	pf.String("database-url", "", "PostgreSQL URL of the report archive")

	cmd.AddCommand(newScanCmd())
	cmd.AddCommand(newDiagnoseCmd())
	cmd.AddCommand(newPlanCmd())
	cmd.AddCommand(newRepairCmd())
	cmd.AddCommand(newCheckpointsCmd())
	cmd.AddCommand(newReportCmd())
	cmd.AddCommand(newVersionCmd())
	return cmd
}

// flagKeys maps persistent flags onto configuration keys.
var flagKeys = map[string]string{
	"state-dir":        "session.state_dir",
	"log-level":        "logger.level",
	"driver-path":      "drivers.search_paths",
	"system-partition": "scan.system_partition",
	"database-url":     "database.url",
}

// initializeConfig reads the config file and environment, then binds flags so
// that flags override environment, which overrides the file.
func initializeConfig(cmd *cobra.Command, v *viper.Viper, cfgFile string) error {
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.AddConfigPath(".")
		v.SetConfigName("bootmend")
		v.SetConfigType("yaml")
	}

	v.SetEnvPrefix("BOOTMEND")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}

	for flag, key := range flagKeys {
		f := cmd.Flags().Lookup(flag)
		if f == nil || !f.Changed {
			continue
		}
		if err := v.BindPFlag(key, f); err != nil {
			return err
		}
	}
	return nil
}

// getConfigFromContext returns the configuration loaded by the root command.
func getConfigFromContext(ctx context.Context) (*config.Config, error) {
	cfg, ok := ctx.Value(configKey).(*config.Config)
	if !ok || cfg == nil {
		return nil, errors.New("configuration not loaded")
	}
	return cfg, nil
}

// components builds the engine for a command and returns its shutdown.
func components(cmd *cobra.Command) (*service.Components, *config.Config, error) {
	cfg, err := getConfigFromContext(cmd.Context())
	if err != nil {
		return nil, nil, err
	}
	c, err := newFactory().Create(cmd.Context(), cfg, observability.GetLogger())
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize components: %w", err)
	}
	return c, cfg, nil
}

// Execute runs the command tree and logs a failure.
func Execute(ctx context.Context) error {
	err := NewRootCommand().ExecuteContext(ctx)
	if err != nil {
		if !errors.Is(err, context.Canceled) && !errors.Is(err, schemas.KindCancelled) {
			observability.GetLogger().Error("Command execution failed", zap.Error(err))
		}
		observability.Sync()
	}
	return err
}
