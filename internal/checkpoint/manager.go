// File: internal/checkpoint/manager.go
package checkpoint

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xkilldash9x/bootmend/api/schemas"
	"github.com/xkilldash9x/bootmend/internal/platform"
	"github.com/xkilldash9x/bootmend/internal/probe"
)

// RegistrySnapshotter exports and re-imports registry keys of the target.
type RegistrySnapshotter interface {
	Export(ctx context.Context, key, dest string) error
	Import(ctx context.Context, file string) error
}

// Manager creates and restores the checkpoints of one session. Backups live
// under dir/<checkpoint id>/ and are recorded in the ledger.
type Manager struct {
	dir       string
	sessionID string
	targetID  string
	registry  RegistrySnapshotter
	ledger    *Ledger
	logger    *zap.Logger
	now       func() time.Time
}

// NewManager creates a manager for one session.
func NewManager(dir, sessionID, targetID string, registry RegistrySnapshotter, ledger *Ledger, logger *zap.Logger) *Manager {
	return &Manager{
		dir:       dir,
		sessionID: sessionID,
		targetID:  targetID,
		registry:  registry,
		ledger:    ledger,
		logger:    logger.Named("checkpoint"),
		now:       time.Now,
	}
}

// Create snapshots every target before a destructive step. Nothing is
// recorded unless every entry was captured.
func (m *Manager) Create(ctx context.Context, stepID string, targets []schemas.CheckpointTarget) (*schemas.Checkpoint, error) {
	cp := &schemas.Checkpoint{
		ID:        uuid.NewString(),
		SessionID: m.sessionID,
		TargetID:  m.targetID,
		StepID:    stepID,
		State:     schemas.CheckpointActive,
		CreatedAt: m.now().UTC(),
	}
	cp.Dir = filepath.Join(m.dir, cp.ID)
	if err := os.MkdirAll(cp.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create checkpoint directory: %w", err)
	}

	for i, t := range targets {
		entry, err := m.capture(ctx, cp.Dir, i, t)
		if err != nil {
			_ = os.RemoveAll(cp.Dir)
			return nil, fmt.Errorf("failed to capture %s %s: %w", t.Kind, t.Path, err)
		}
		cp.Entries = append(cp.Entries, entry)
	}
	if err := m.ledger.Record(ctx, cp); err != nil {
		_ = os.RemoveAll(cp.Dir)
		return nil, err
	}
	m.logger.Info("Checkpoint created",
		zap.String("checkpoint", cp.ID),
		zap.String("step", stepID),
		zap.Int("entries", len(cp.Entries)))
	return cp, nil
}

func (m *Manager) capture(ctx context.Context, cpDir string, i int, t schemas.CheckpointTarget) (schemas.CheckpointEntry, error) {
	entry := schemas.CheckpointEntry{Kind: t.Kind, Source: t.Path}
	slot := filepath.Join(cpDir, strconv.Itoa(i))

	switch t.Kind {
	case schemas.CheckpointRegistry:
		entry.Backup = slot + ".reg"
		err := m.registry.Export(ctx, t.Path, entry.Backup)
		if errors.Is(err, probe.ErrKeyNotFound) {
			entry.Absent = true
			entry.Backup = ""
			return entry, nil
		}
		if err != nil {
			return entry, err
		}
		sum, err := fileDigest(entry.Backup)
		entry.SHA256 = sum
		return entry, err

	case schemas.CheckpointFile:
		src := platform.NormalizePath(t.Path)
		info, err := os.Stat(src)
		if errors.Is(err, fs.ErrNotExist) {
			entry.Absent = true
			return entry, nil
		}
		if err != nil {
			return entry, err
		}
		entry.Backup = filepath.Join(slot, filepath.Base(src))
		if info.IsDir() {
			entry.IsDir = true
			if err := copyTree(src, entry.Backup); err != nil {
				return entry, err
			}
			entry.SHA256, err = treeDigest(entry.Backup)
			return entry, err
		}
		if err := copyFileAtomic(src, entry.Backup); err != nil {
			return entry, err
		}
		entry.SHA256, err = fileDigest(entry.Backup)
		return entry, err

	default:
		return entry, fmt.Errorf("unknown checkpoint kind %q", t.Kind)
	}
}

// Restore puts every captured entry back and verifies the result against
// the recorded digests. Entries that did not exist at capture time are left
// alone.
func (m *Manager) Restore(ctx context.Context, cp *schemas.Checkpoint) error {
	var errs []error
	for _, e := range cp.Entries {
		if e.Absent {
			continue
		}
		if err := m.restoreEntry(ctx, e); err != nil {
			errs = append(errs, fmt.Errorf("%s %s: %w", e.Kind, e.Source, err))
		}
	}
	if err := errors.Join(errs...); err != nil {
		m.logger.Error("Checkpoint restore failed", zap.String("checkpoint", cp.ID), zap.Error(err))
		return err
	}
	if err := m.ledger.SetState(ctx, cp.ID, schemas.CheckpointRestored); err != nil {
		return err
	}
	cp.State = schemas.CheckpointRestored
	m.logger.Info("Checkpoint restored", zap.String("checkpoint", cp.ID), zap.String("step", cp.StepID))
	return nil
}

func (m *Manager) restoreEntry(ctx context.Context, e schemas.CheckpointEntry) error {
	switch e.Kind {
	case schemas.CheckpointRegistry:
		if err := verifyDigest(e.Backup, e.SHA256, false); err != nil {
			return err
		}
		return m.registry.Import(ctx, e.Backup)
	case schemas.CheckpointFile:
		if err := verifyDigest(e.Backup, e.SHA256, e.IsDir); err != nil {
			return err
		}
		dst := platform.NormalizePath(e.Source)
		if e.IsDir {
			if err := copyTree(e.Backup, dst); err != nil {
				return err
			}
		} else if err := copyFileAtomic(e.Backup, dst); err != nil {
			return err
		}
		if e.IsDir {
			// Files created after the checkpoint may remain; only captured
			// content must match.
			return verifyTreeContains(dst, e.Backup)
		}
		return verifyDigest(dst, e.SHA256, false)
	default:
		return fmt.Errorf("unknown checkpoint kind %q", e.Kind)
	}
}

// Discard deletes a checkpoint's backups and marks it discarded.
func (m *Manager) Discard(ctx context.Context, cp *schemas.Checkpoint) error {
	if err := os.RemoveAll(cp.Dir); err != nil {
		return fmt.Errorf("failed to remove %s: %w", cp.Dir, err)
	}
	if err := m.ledger.SetState(ctx, cp.ID, schemas.CheckpointDiscarded); err != nil {
		return err
	}
	cp.State = schemas.CheckpointDiscarded
	return nil
}

func verifyDigest(path, want string, dir bool) error {
	var (
		got string
		err error
	)
	if dir {
		got, err = treeDigest(path)
	} else {
		got, err = fileDigest(path)
	}
	if err != nil {
		return err
	}
	if got != want {
		return fmt.Errorf("digest mismatch for %s: have %s, recorded %s", path, got, want)
	}
	return nil
}

func fileDigest(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// treeDigest hashes relative paths and contents of every file below root in
// lexical order.
func treeDigest(root string) (string, error) {
	h := sha256.New()
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		sum, err := fileDigest(path)
		if err != nil {
			return err
		}
		fmt.Fprintf(h, "%s\x00%s\n", filepath.ToSlash(rel), sum)
		return nil
	})
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func verifyTreeContains(dst, backup string) error {
	return filepath.WalkDir(backup, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		rel, err := filepath.Rel(backup, path)
		if err != nil {
			return err
		}
		want, err := fileDigest(path)
		if err != nil {
			return err
		}
		return verifyDigest(filepath.Join(dst, rel), want, false)
	})
}

func copyTree(src, dst string) error {
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		return copyFileAtomic(path, target)
	})
}

// copyFileAtomic writes dst through a temporary sibling and a rename.
func copyFileAtomic(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(dst), ".bootmend-*")
	if err != nil {
		return err
	}
	_, err = io.Copy(tmp, in)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = os.Rename(tmp.Name(), dst)
	}
	if err != nil {
		_ = os.Remove(tmp.Name())
	}
	return err
}
