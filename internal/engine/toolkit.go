package engine

import (
	"go.uber.org/zap"

	"github.com/xkilldash9x/bootmend/api/schemas"
	"github.com/xkilldash9x/bootmend/internal/checkpoint"
	"github.com/xkilldash9x/bootmend/internal/config"
	"github.com/xkilldash9x/bootmend/internal/executor"
	"github.com/xkilldash9x/bootmend/internal/platform"
	"github.com/xkilldash9x/bootmend/internal/probe"
	"github.com/xkilldash9x/bootmend/internal/repair"
)

// PlatformToolkit acts on targets through the platform's tools. Operator,
// verifier and snapshotter mount the target's own hives under one fixed key;
// the target lock keeps a second writer away.
type PlatformToolkit struct {
	Cfg      config.Interface
	Runner   platform.Runner
	Hives    *probe.HiveReader
	Resolver platform.VolumeResolver
	Logger   *zap.Logger
}

// Operator implements Toolkit.
func (k *PlatformToolkit) Operator(target schemas.TargetInstallation) executor.Operator {
	return repair.NewOperator(target, k.Runner, k.Hives, k.Cfg.Executor(), k.Logger)
}

// Verifier implements Toolkit.
func (k *PlatformToolkit) Verifier(target schemas.TargetInstallation) executor.Verifier {
	return repair.NewVerifier(target, k.Runner, k.Hives, k.Resolver,
		k.Cfg.Scan().SystemPartition, k.Cfg.Executor().ShortTimeout, k.Logger)
}

// Registry implements Toolkit.
func (k *PlatformToolkit) Registry(target schemas.TargetInstallation) checkpoint.RegistrySnapshotter {
	return repair.NewRegistrySnapshotter(target, k.Runner, k.Hives, k.Cfg.Executor().ShortTimeout)
}
