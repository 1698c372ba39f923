package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xkilldash9x/bootmend/api/schemas"
	"github.com/xkilldash9x/bootmend/internal/checkpoint"
	"github.com/xkilldash9x/bootmend/internal/session"
)

// Checkpoints lists the checkpoints recorded for target, oldest first. An
// empty sessionID lists every session.
func (e *Engine) Checkpoints(ctx context.Context, target schemas.TargetInstallation, sessionID string) ([]*schemas.Checkpoint, error) {
	ledger, err := checkpoint.OpenLedger(ctx, session.LedgerPath(e.StateDir(target)))
	if err != nil {
		return nil, err
	}
	defer ledger.Close()

	all, err := ledger.List(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	var out []*schemas.Checkpoint
	for _, cp := range all {
		if cp.TargetID == target.ID {
			out = append(out, cp)
		}
	}
	return out, nil
}

// withLedger runs fn holding the target lock, so nothing is discarded or
// restored under a running execution.
func (e *Engine) withLedger(ctx context.Context, target schemas.TargetInstallation, fn func(*checkpoint.Manager, *checkpoint.Ledger) error) error {
	stateDir := e.StateDir(target)
	lock, err := session.AcquireLock(stateDir, target.ID, "maintenance-"+uuid.NewString())
	if err != nil {
		return fmt.Errorf("cannot change checkpoints of %s: %w", target.ID, err)
	}
	defer func() {
		if err := lock.Release(); err != nil {
			e.logger.Warn("Failed to release target lock", zap.Error(err))
		}
	}()

	ledger, err := checkpoint.OpenLedger(ctx, session.LedgerPath(stateDir))
	if err != nil {
		return err
	}
	defer ledger.Close()
	mgr := checkpoint.NewManager("", "", target.ID, e.deps.Toolkit.Registry(target), ledger, e.logger)
	return fn(mgr, ledger)
}

// DiscardCheckpoints deletes the backups of every active checkpoint of
// sessionID (every session when empty) and returns how many were discarded.
func (e *Engine) DiscardCheckpoints(ctx context.Context, target schemas.TargetInstallation, sessionID string) (int, error) {
	n := 0
	err := e.withLedger(ctx, target, func(mgr *checkpoint.Manager, ledger *checkpoint.Ledger) error {
		cps, err := ledger.List(ctx, sessionID)
		if err != nil {
			return err
		}
		var errs []error
		for _, cp := range cps {
			if cp.TargetID != target.ID || cp.State != schemas.CheckpointActive {
				continue
			}
			if err := mgr.Discard(ctx, cp); err != nil {
				errs = append(errs, err)
				continue
			}
			n++
		}
		return errors.Join(errs...)
	})
	if err == nil {
		e.logger.Info("Checkpoints discarded", zap.String("target", target.ID), zap.Int("count", n))
	}
	return n, err
}

// RestoreCheckpoint puts a checkpoint back by hand, for example after a
// session was interrupted before its own rollback ran.
func (e *Engine) RestoreCheckpoint(ctx context.Context, target schemas.TargetInstallation, id string) error {
	return e.withLedger(ctx, target, func(mgr *checkpoint.Manager, ledger *checkpoint.Ledger) error {
		cp, err := ledger.Get(ctx, id)
		if err != nil {
			return err
		}
		if cp.TargetID != target.ID {
			return fmt.Errorf("checkpoint %s belongs to target %s", id, cp.TargetID)
		}
		if cp.State != schemas.CheckpointActive {
			return fmt.Errorf("checkpoint %s is %s", id, cp.State)
		}
		return mgr.Restore(ctx, cp)
	})
}

// LockInfo describes who holds target's lock, if anyone.
func (e *Engine) LockInfo(target schemas.TargetInstallation) (session.LockInfo, error) {
	return session.ReadLock(e.StateDir(target), target.ID)
}

// BreakLock removes a stale lock left by a process that died mid-execution.
func (e *Engine) BreakLock(target schemas.TargetInstallation) error {
	if err := session.BreakLock(e.StateDir(target), target.ID); err != nil {
		return err
	}
	e.logger.Warn("Stale target lock removed", zap.String("target", target.ID))
	return nil
}
