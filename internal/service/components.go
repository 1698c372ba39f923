// File: internal/service/components.go
package service

import (
	"github.com/xkilldash9x/bootmend/internal/catalog"
	"github.com/xkilldash9x/bootmend/internal/engine"
	"github.com/xkilldash9x/bootmend/internal/observability"
	"github.com/xkilldash9x/bootmend/internal/platform"
	"github.com/xkilldash9x/bootmend/internal/store"
)

// Components holds everything a command needs and centralizes its lifecycle.
type Components struct {
	Engine  *engine.Engine
	Catalog *catalog.Catalog
	Runner  platform.Runner
	// Archive is nil unless a database URL is configured.
	Archive *store.Store

	archiveCleanup func()
}

// Shutdown releases what Create acquired. It is safe on partially built
// components and safe to call twice.
func (c *Components) Shutdown() {
	logger := observability.GetLogger()
	if c.archiveCleanup != nil {
		c.archiveCleanup()
		c.archiveCleanup = nil
		logger.Debug("Report archive connection pool closed.")
	}
	logger.Debug("All components shut down.")
}
