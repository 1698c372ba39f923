// File: internal/drivers/locate.go
package drivers

import (
	"context"
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/xkilldash9x/bootmend/api/schemas"
	"github.com/xkilldash9x/bootmend/internal/config"
	"github.com/xkilldash9x/bootmend/internal/platform"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Locator finds driver manifests under search paths and ranks them against
// hardware requirements. Locating is read-only and never modifies the packages.
type Locator struct {
	cfg      config.DriversConfig
	decoder  *platform.Decoder
	verifier SignatureVerifier
	logger   *zap.Logger
}

// NewLocator creates a locator. A nil verifier uses CatalogVerifier.
func NewLocator(cfg config.DriversConfig, decoder *platform.Decoder, verifier SignatureVerifier, logger *zap.Logger) *Locator {
	if verifier == nil {
		verifier = CatalogVerifier{}
	}
	if cfg.ParseConcurrency <= 0 {
		cfg.ParseConcurrency = 1
	}
	if cfg.Architecture == "" {
		cfg.Architecture = "amd64"
	}
	return &Locator{cfg: cfg, decoder: decoder, verifier: verifier, logger: logger.Named("drivers")}
}

// Locate walks roots (files or directories) and parses every .inf found.
// Unreadable or malformed manifests are logged and skipped. The result is
// sorted by path.
func (l *Locator) Locate(ctx context.Context, roots []string) ([]*Manifest, error) {
	var paths []string
	for _, root := range roots {
		err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				l.logger.Warn("Skipping unreadable path", zap.String("path", path), zap.Error(err))
				if d != nil && d.IsDir() {
					return filepath.SkipDir
				}
				return nil
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if !d.IsDir() && strings.EqualFold(filepath.Ext(d.Name()), ".inf") {
				paths = append(paths, path)
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("failed to walk driver path %s: %w", root, err)
		}
	}

	var (
		mu        sync.Mutex
		manifests []*Manifest
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(l.cfg.ParseConcurrency)
	for _, p := range paths {
		path := p
		g.Go(func() error {
			if gctx.Err() != nil {
				return gctx.Err()
			}
			m, err := ParseManifest(path, l.cfg.Architecture, l.decoder)
			if err != nil {
				l.logger.Debug("Ignoring manifest", zap.String("path", path), zap.Error(err))
				return nil
			}
			mu.Lock()
			manifests = append(manifests, m)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	sort.Slice(manifests, func(i, j int) bool {
		return strings.ToLower(manifests[i].Path) < strings.ToLower(manifests[j].Path)
	})
	l.logger.Info("Driver manifests located", zap.Int("inf_files", len(paths)), zap.Int("usable", len(manifests)))
	return manifests, nil
}

// Match ranks the located manifests against one requirement.
func (l *Locator) Match(req schemas.HardwareRequirement, manifests []*Manifest) []schemas.DriverCandidate {
	return Rank(req, manifests, l.verifier)
}

// MatchAll ranks manifests for every requirement that lacks an enabled driver,
// keyed by device ID.
func (l *Locator) MatchAll(ctx context.Context, reqs []schemas.HardwareRequirement) (map[string][]schemas.DriverCandidate, error) {
	out := make(map[string][]schemas.DriverCandidate)
	var pending []schemas.HardwareRequirement
	for _, r := range reqs {
		if !r.Enabled() {
			pending = append(pending, r)
		}
	}
	if len(pending) == 0 || len(l.cfg.SearchPaths) == 0 {
		return out, nil
	}
	manifests, err := l.Locate(ctx, l.cfg.SearchPaths)
	if err != nil {
		return nil, err
	}
	for _, r := range pending {
		cands := l.Match(r, manifests)
		if len(cands) > 0 {
			out[r.DeviceID] = cands
			l.logger.Debug("Driver candidates ranked",
				zap.String("device", r.DeviceID),
				zap.String("best", cands[0].ManifestPath),
				zap.String("match", string(cands[0].MatchType)),
				zap.Int("score", cands[0].Score))
		}
	}
	return out, nil
}

// Best returns the first candidate usable for injection: signed unless
// unsigned packages are allowed.
func Best(cands []schemas.DriverCandidate, allowUnsigned bool) (schemas.DriverCandidate, bool) {
	for _, c := range cands {
		if c.SignatureValid || allowUnsigned {
			return c, true
		}
	}
	return schemas.DriverCandidate{}, false
}
