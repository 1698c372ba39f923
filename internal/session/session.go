// File: internal/session/session.go
package session

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xkilldash9x/bootmend/api/schemas"
)

// ErrLocked is returned when another session already holds a target.
var ErrLocked = errors.New("target is locked by another session")

// DefaultStateDirName is the state directory created on the target volume
// when no state directory is configured.
const DefaultStateDirName = "bootmend"

// Session owns everything one diagnosis or repair produces: its identity,
// its directory, and while executing, the exclusive lock on its target.
type Session struct {
	ID        string
	Target    schemas.TargetInstallation
	StateDir  string
	Dir       string
	CreatedAt time.Time

	logger *zap.Logger
	mu     sync.Mutex
	lock   *Lock
}

// StateDirFor resolves the configured state directory, falling back to a
// directory on the target volume.
func StateDirFor(configured string, target schemas.TargetInstallation) string {
	if configured != "" {
		return configured
	}
	return filepath.Join(target.Root, DefaultStateDirName)
}

// New creates a session and its directory.
func New(stateDir string, target schemas.TargetInstallation, logger *zap.Logger) (*Session, error) {
	id := uuid.NewString()
	s := &Session{
		ID:        id,
		Target:    target,
		StateDir:  stateDir,
		Dir:       filepath.Join(stateDir, "sessions", id),
		CreatedAt: time.Now().UTC(),
	}
	s.logger = logger.Named("session").With(zap.String("session", id), zap.String("target", target.ID))
	if err := os.MkdirAll(s.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create session directory: %w", err)
	}
	s.logger.Debug("Session created", zap.String("dir", s.Dir))
	return s, nil
}

// CheckpointDir is where this session's checkpoint backups live.
func (s *Session) CheckpointDir() string { return filepath.Join(s.Dir, "checkpoints") }

// ReportPath is where the session's report is written.
func (s *Session) ReportPath() string { return filepath.Join(s.Dir, "report.json") }

// LedgerPath is the checkpoint ledger shared by all sessions of a state dir.
func LedgerPath(stateDir string) string { return filepath.Join(stateDir, "ledger.db") }

// Acquire takes the exclusive lock on the session's target. Diagnostic
// sessions never call it.
func (s *Session) Acquire() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lock != nil {
		return nil
	}
	l, err := AcquireLock(s.StateDir, s.Target.ID, s.ID)
	if err != nil {
		return err
	}
	s.lock = l
	s.logger.Info("Target lock acquired", zap.String("lock", l.path))
	return nil
}

// Locked reports whether the session currently holds its target lock.
func (s *Session) Locked() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lock != nil
}

// Release drops the target lock if held. It is safe to call repeatedly.
func (s *Session) Release() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lock == nil {
		return nil
	}
	err := s.lock.Release()
	s.lock = nil
	if err == nil {
		s.logger.Info("Target lock released")
	}
	return err
}

// held tracks targets locked by this process. The lock file alone cannot
// tell a second session in the same process apart from a stale file.
var (
	heldMu sync.Mutex
	held   = map[string]string{}
)

// Lock is an exclusive claim on one target, backed by a lock file created
// with O_EXCL under <state>/locks.
type Lock struct {
	key  string
	path string
	once sync.Once
}

func lockPath(stateDir, targetID string) string {
	return filepath.Join(stateDir, "locks", sanitize(targetID)+".lock")
}

// AcquireLock claims targetID for sessionID. It fails with ErrLocked when the
// target is already claimed by this process or by a lock file on disk.
func AcquireLock(stateDir, targetID, sessionID string) (*Lock, error) {
	path := lockPath(stateDir, targetID)
	key := strings.ToLower(filepath.Clean(path))

	heldMu.Lock()
	defer heldMu.Unlock()
	if owner, ok := held[key]; ok {
		return nil, fmt.Errorf("%s held by session %s: %w", targetID, owner, ErrLocked)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create lock directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if errors.Is(err, fs.ErrExist) {
		owner := "unknown"
		if info, rerr := ReadLock(stateDir, targetID); rerr == nil {
			owner = info.SessionID
		}
		return nil, fmt.Errorf("%s held by session %s (%s): %w", targetID, owner, path, ErrLocked)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create lock file: %w", err)
	}
	_, werr := fmt.Fprintf(f, "%s\n%d\n%d\n", sessionID, os.Getpid(), time.Now().UTC().Unix())
	if cerr := f.Close(); werr == nil {
		werr = cerr
	}
	if werr != nil {
		_ = os.Remove(path)
		return nil, fmt.Errorf("failed to write lock file: %w", werr)
	}
	held[key] = sessionID
	return &Lock{key: key, path: path}, nil
}

// Release removes the lock file and the in-process claim.
func (l *Lock) Release() error {
	var err error
	l.once.Do(func() {
		heldMu.Lock()
		delete(held, l.key)
		heldMu.Unlock()
		if rerr := os.Remove(l.path); rerr != nil && !errors.Is(rerr, fs.ErrNotExist) {
			err = fmt.Errorf("failed to remove lock file: %w", rerr)
		}
	})
	return err
}

// LockInfo describes the holder recorded in a lock file.
type LockInfo struct {
	SessionID string
	PID       int
	Since     time.Time
}

// ReadLock reports who holds targetID according to the lock file.
func ReadLock(stateDir, targetID string) (LockInfo, error) {
	b, err := os.ReadFile(lockPath(stateDir, targetID))
	if err != nil {
		return LockInfo{}, err
	}
	lines := strings.Split(strings.TrimSpace(string(b)), "\n")
	info := LockInfo{SessionID: strings.TrimSpace(lines[0])}
	if len(lines) > 1 {
		info.PID, _ = strconv.Atoi(strings.TrimSpace(lines[1]))
	}
	if len(lines) > 2 {
		if ts, err := strconv.ParseInt(strings.TrimSpace(lines[2]), 10, 64); err == nil {
			info.Since = time.Unix(ts, 0).UTC()
		}
	}
	return info, nil
}

// BreakLock removes a lock file left behind by a crashed process. Locks held
// by this process are refused.
func BreakLock(stateDir, targetID string) error {
	path := lockPath(stateDir, targetID)
	heldMu.Lock()
	defer heldMu.Unlock()
	if owner, ok := held[strings.ToLower(filepath.Clean(path))]; ok {
		return fmt.Errorf("%s held by live session %s: %w", targetID, owner, ErrLocked)
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to remove lock file: %w", err)
	}
	return nil
}

func sanitize(id string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		default:
			return '_'
		}
	}, id)
}
