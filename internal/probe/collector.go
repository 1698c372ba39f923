// File: internal/probe/collector.go
package probe

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/xkilldash9x/bootmend/api/schemas"
	"github.com/xkilldash9x/bootmend/internal/config"
	"github.com/xkilldash9x/bootmend/internal/evidence"
	"github.com/xkilldash9x/bootmend/internal/platform"
	"go.uber.org/zap"
)

// Env carries what every probe needs for one target, plus facts earlier
// probes hand to later ones. It lives for a single collection pass.
type Env struct {
	Target          schemas.TargetInstallation
	Runner          platform.Runner
	Hives           *HiveReader
	Resolver        platform.VolumeResolver
	Decoder         *platform.Decoder
	Cfg             config.ProbeConfig
	SystemPartition string
	Timeout         time.Duration
	Logger          *zap.Logger

	systemRoot string
	hiveErr    error
	hiveTried  bool
	controlSet int
	espRoot    string
	services   []string
}

func (e *Env) run(ctx context.Context, name string, args ...string) (platform.Result, error) {
	return e.Runner.Run(ctx, platform.Command{Name: name, Args: args, Timeout: e.Timeout})
}

// windowsPath joins a path relative to the target's Windows directory.
func (e *Env) windowsPath(rel string) string {
	return filepath.Join(e.Target.WindowsDir, platform.NormalizePath(rel))
}

// servicesKey is the Services key of the current control set, or "" when the
// SYSTEM hive could not be read.
func (e *Env) servicesKey() string {
	if e.systemRoot == "" || e.controlSet == 0 {
		return ""
	}
	return e.systemRoot + `\` + ControlSetName(e.controlSet) + `\Services`
}

type probeFunc func(ctx context.Context, env *Env) (evidence.Section, error)

type probeEntry struct {
	category  schemas.Category
	collect   probeFunc
	needsHive bool
}

// Probes run in this fixed order. Volume state goes first so a locked volume
// short-circuits the rest; hardware precedes driver state so the services
// the devices depend on are included.
var probeOrder = []probeEntry{
	{schemas.CategoryVolumeState, collectVolume, false},
	{schemas.CategoryInstallation, collectInstallation, false},
	{schemas.CategoryHardwareIDs, collectHardware, true},
	{schemas.CategoryDriverState, collectDriverState, true},
	{schemas.CategoryBootConfig, collectBootConfig, false},
	{schemas.CategorySystemFiles, collectSystemFiles, false},
	{schemas.CategoryBootLog, collectBootLog, false},
	{schemas.CategoryDeviceInstallLog, collectDeviceInstall, false},
	{schemas.CategorySetupLog, collectSetupLog, false},
	{schemas.CategoryEventLog, collectEventLog, false},
}

// Collector gathers the evidence set for a target. It never writes to the
// target; offline hives are loaded read-only through reg and unloaded again.
type Collector struct {
	runner   platform.Runner
	hives    *HiveReader
	resolver platform.VolumeResolver
	decoder  *platform.Decoder
	cfg      config.ProbeConfig
	scanCfg  config.ScanConfig
	timeout  time.Duration
	logger   *zap.Logger
}

// NewCollector wires a collector from configuration.
func NewCollector(cfg config.Interface, runner platform.Runner, resolver platform.VolumeResolver, decoder *platform.Decoder, logger *zap.Logger) *Collector {
	timeout := cfg.Executor().ShortTimeout
	return &Collector{
		runner:   runner,
		hives:    NewHiveReader(runner, cfg.Probe().HiveMountPrefix, timeout, logger).WithBusyWait(cfg.Probe().HiveBusyWait),
		resolver: resolver,
		decoder:  decoder,
		cfg:      cfg.Probe(),
		scanCfg:  cfg.Scan(),
		timeout:  timeout,
		logger:   logger.Named("collector"),
	}
}

// Hives exposes the hive reader that mounts the target's own files. Only the
// session holding the target lock may use it; Collect reads private copies.
func (c *Collector) Hives() *HiveReader { return c.hives }

// Collect runs every probe against the target. A probe failure is recorded as
// an unavailable marker, never as an error; only cancellation aborts.
func (c *Collector) Collect(ctx context.Context, target schemas.TargetInstallation) (*evidence.Set, error) {
	set := evidence.NewSet(target, time.Now())
	env := &Env{
		Target:          target,
		Runner:          c.runner,
		Hives:           c.hives.ReadOnly(newMountScope()),
		Resolver:        c.resolver,
		Decoder:         c.decoder,
		Cfg:             c.cfg,
		SystemPartition: c.scanCfg.SystemPartition,
		Timeout:         c.timeout,
		Logger:          c.logger.With(zap.String("target", target.ID)),
	}

	hivePath := env.windowsPath(`System32\config\SYSTEM`)
	var hiveProbes []probeEntry
	for i, p := range probeOrder {
		if err := ctx.Err(); err != nil {
			return set, schemas.NewError(schemas.KindCancelled, "collect", "", err)
		}
		if i > 0 && (target.Locked || lockedIn(set)) {
			c.markUnavailable(set, p.category, "volume is locked")
			continue
		}
		if p.needsHive {
			hiveProbes = append(hiveProbes, p)
			// The hive-backed probes are adjacent; run them under one mount.
			if i+1 < len(probeOrder) && probeOrder[i+1].needsHive {
				continue
			}
			c.runHiveProbes(ctx, env, set, hivePath, hiveProbes)
			hiveProbes = nil
			continue
		}
		if p.category == schemas.CategoryInstallation {
			c.loadControlSet(ctx, env, hivePath)
		}
		c.record(ctx, env, set, p)
	}

	env.Logger.Info("Evidence collected",
		zap.Int("categories", len(set.Categories())),
		zap.Bool("hive_loadable", env.hiveErr == nil))
	return set, nil
}

// loadControlSet mounts the SYSTEM hive briefly to learn the control set, so
// the installation section can report it even if later probes fail.
func (c *Collector) loadControlSet(ctx context.Context, env *Env, hivePath string) {
	env.hiveTried = true
	env.hiveErr = env.Hives.WithHive(ctx, hivePath, "SYSTEM", env.Target.Running, func(root string) error {
		n, err := env.Hives.ControlSet(ctx, root)
		if err != nil {
			return err
		}
		env.controlSet = n
		return nil
	})
	if env.hiveErr != nil {
		env.Logger.Warn("SYSTEM hive could not be read", zap.Error(env.hiveErr))
	}
}

func (c *Collector) runHiveProbes(ctx context.Context, env *Env, set *evidence.Set, hivePath string, probes []probeEntry) {
	if env.hiveErr != nil {
		for _, p := range probes {
			c.markUnavailable(set, p.category, "SYSTEM hive unreadable: "+env.hiveErr.Error())
		}
		return
	}
	err := env.Hives.WithHive(ctx, hivePath, "SYSTEM", env.Target.Running, func(root string) error {
		env.systemRoot = root
		defer func() { env.systemRoot = "" }()
		for _, p := range probes {
			c.record(ctx, env, set, p)
		}
		return nil
	})
	if err != nil {
		for _, p := range probes {
			if set.Status(p.category) == evidence.StatusAbsent {
				c.markUnavailable(set, p.category, err.Error())
			}
		}
	}
}

func (c *Collector) record(ctx context.Context, env *Env, set *evidence.Set, p probeEntry) {
	sec, err := p.collect(ctx, env)
	if err != nil {
		reason := err.Error()
		if errors.Is(err, platform.ErrToolUnavailable) {
			reason = fmt.Sprintf("tool unavailable: %v", err)
		}
		c.markUnavailable(set, p.category, reason)
		return
	}
	if err := set.Record(sec); err != nil {
		env.Logger.Error("Failed to record evidence", zap.String("category", string(p.category)), zap.Error(err))
	}
}

func (c *Collector) markUnavailable(set *evidence.Set, cat schemas.Category, reason string) {
	c.logger.Debug("Evidence unavailable", zap.String("category", string(cat)), zap.String("reason", reason))
	if err := set.MarkUnavailable(cat, reason); err != nil {
		c.logger.Error("Failed to mark evidence unavailable", zap.String("category", string(cat)), zap.Error(err))
	}
}

func lockedIn(set *evidence.Set) bool {
	v := set.Volume()
	return v != nil && v.Locked
}

func collectInstallation(ctx context.Context, env *Env) (evidence.Section, error) {
	return &evidence.InstallationSection{
		Availability: evidence.Collected(),
		Target:       env.Target,
		ControlSet:   env.controlSet,
		Live:         env.Target.Running,
	}, nil
}
