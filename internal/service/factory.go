// File: internal/service/factory.go
package service

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/xkilldash9x/bootmend/internal/catalog"
	"github.com/xkilldash9x/bootmend/internal/config"
	"github.com/xkilldash9x/bootmend/internal/drivers"
	"github.com/xkilldash9x/bootmend/internal/engine"
	"github.com/xkilldash9x/bootmend/internal/platform"
	"github.com/xkilldash9x/bootmend/internal/probe"
)

// ComponentFactory defines the interface for creating the set of components a command needs.
// This abstraction is what makes the commands testable without touching real disks.
type ComponentFactory interface {
	Create(ctx context.Context, cfg config.Interface, logger *zap.Logger) (*Components, error)
}

// concreteFactory is the production implementation of the ComponentFactory.
type concreteFactory struct{}

// NewComponentFactory creates a new production-ready component factory.
func NewComponentFactory() ComponentFactory {
	return &concreteFactory{}
}

// LoadCatalog returns the configured decision catalog, or the embedded one.
func LoadCatalog(cfg config.CatalogConfig) (*catalog.Catalog, error) {
	if cfg.Path == "" {
		return catalog.Default()
	}
	return catalog.Load(cfg.Path)
}

// Create handles the full dependency injection of the engine and its collaborators.
func (f *concreteFactory) Create(ctx context.Context, cfg config.Interface, logger *zap.Logger) (*Components, error) {
	components := &Components{}

	// Ensure cleanup happens if initialization fails midway.
	var initializationErr error
	defer func() {
		if initializationErr != nil {
			logger.Warn("Initialization failed, shutting down partially created components.", zap.Error(initializationErr))
			components.Shutdown()
		}
	}()

	// 1. Platform boundary: output decoding, tool lookup, child processes.
	decoder, err := platform.NewDecoder(cfg.Tools().OEMCodePage)
	if err != nil {
		initializationErr = fmt.Errorf("failed to create output decoder: %w", err)
		return nil, initializationErr
	}
	runner := platform.NewExecRunner(platform.NewToolbox(cfg.Tools().Paths), decoder, logger)
	resolver := platform.OSVolumeResolver{}
	components.Runner = runner
	logger.Debug("Platform runner initialized.")

	// 2. Decision catalog
	cat, err := LoadCatalog(cfg.Catalog())
	if err != nil {
		initializationErr = fmt.Errorf("failed to load decision catalog: %w", err)
		return nil, initializationErr
	}
	components.Catalog = cat
	logger.Debug("Decision catalog loaded.", zap.Int("signatures", len(cat.Signatures)), zap.Int("templates", len(cat.Templates)))

	// 3. Probes. Scans and collection read private hive copies; only the
	// repair toolkit mounts the target's files, under the target lock.
	collector := probe.NewCollector(cfg, runner, resolver, decoder, logger)
	scanner := probe.NewScanner(cfg, runner, collector.Hives(), logger)

	// 4. Driver matcher
	locator := drivers.NewLocator(cfg.Drivers(), decoder, drivers.CatalogVerifier{}, logger)

	deps := engine.Deps{
		Scanner:   scanner,
		Collector: collector,
		Matcher:   locator,
		Catalog:   cat,
		Toolkit: &engine.PlatformToolkit{
			Cfg:      cfg,
			Runner:   runner,
			Hives:    collector.Hives(),
			Resolver: resolver,
			Logger:   logger,
		},
	}

	// 5. Optional report archive
	if cfg.Database().URL != "" {
		archive, cleanup, err := InitializeArchive(ctx, cfg.Database(), logger)
		if err != nil {
			initializationErr = err
			return nil, initializationErr
		}
		components.Archive = archive
		components.archiveCleanup = cleanup
		deps.Archive = archive
		logger.Debug("Report archive initialized.")
	}

	// 6. Engine
	eng, err := engine.New(cfg, deps, logger)
	if err != nil {
		initializationErr = fmt.Errorf("failed to initialize engine: %w", err)
		return nil, initializationErr
	}
	components.Engine = eng

	logger.Debug("All components initialized successfully.")
	return components, nil
}
