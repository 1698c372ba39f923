package checkpoint

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	jsoniter "github.com/json-iterator/go"
	_ "modernc.org/sqlite"

	"github.com/xkilldash9x/bootmend/api/schemas"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ErrNotFound is returned when the ledger has no record of a checkpoint.
var ErrNotFound = errors.New("checkpoint not found")

const ledgerSchema = `
CREATE TABLE IF NOT EXISTS checkpoints(
    id TEXT PRIMARY KEY,
    session_id TEXT NOT NULL,
    target_id TEXT NOT NULL,
    step_id TEXT NOT NULL,
    dir TEXT NOT NULL,
    state TEXT NOT NULL,
    entries TEXT NOT NULL,
    created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_checkpoints_session ON checkpoints(session_id);
CREATE INDEX IF NOT EXISTS idx_checkpoints_target ON checkpoints(target_id);`

// Ledger records every checkpoint in a sqlite database under the state
// directory, so checkpoints outlive the process that created them.
type Ledger struct {
	db *sql.DB
}

// OpenLedger opens (creating if needed) the ledger database at path.
func OpenLedger(ctx context.Context, path string) (*Ledger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create ledger directory: %w", err)
	}
	db, err := sql.Open("sqlite", "file:"+path+"?_pragma=busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to open ledger %s: %w", path, err)
	}
	if _, err := db.ExecContext(ctx, ledgerSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize ledger schema: %w", err)
	}
	return &Ledger{db: db}, nil
}

// Close releases the database handle.
func (l *Ledger) Close() error { return l.db.Close() }

// Record inserts a new checkpoint.
func (l *Ledger) Record(ctx context.Context, cp *schemas.Checkpoint) error {
	entries, err := json.Marshal(cp.Entries)
	if err != nil {
		return fmt.Errorf("failed to encode checkpoint entries: %w", err)
	}
	_, err = l.db.ExecContext(ctx,
		`INSERT INTO checkpoints(id, session_id, target_id, step_id, dir, state, entries, created_at) VALUES(?,?,?,?,?,?,?,?)`,
		cp.ID, cp.SessionID, cp.TargetID, cp.StepID, cp.Dir, string(cp.State), string(entries), cp.CreatedAt.UTC().UnixNano())
	if err != nil {
		return fmt.Errorf("failed to record checkpoint %s: %w", cp.ID, err)
	}
	return nil
}

// SetState moves a checkpoint to a new lifecycle state.
func (l *Ledger) SetState(ctx context.Context, id string, state schemas.CheckpointState) error {
	res, err := l.db.ExecContext(ctx, `UPDATE checkpoints SET state=? WHERE id=?`, string(state), id)
	if err != nil {
		return fmt.Errorf("failed to update checkpoint %s: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	return nil
}

// Get loads one checkpoint.
func (l *Ledger) Get(ctx context.Context, id string) (*schemas.Checkpoint, error) {
	rows, err := l.db.QueryContext(ctx, `SELECT id, session_id, target_id, step_id, dir, state, entries, created_at FROM checkpoints WHERE id=?`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query checkpoint %s: %w", id, err)
	}
	cps, err := scanCheckpoints(rows)
	if err != nil {
		return nil, err
	}
	if len(cps) == 0 {
		return nil, fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	return cps[0], nil
}

// List returns checkpoints, oldest first. An empty session ID lists all.
func (l *Ledger) List(ctx context.Context, sessionID string) ([]*schemas.Checkpoint, error) {
	query := `SELECT id, session_id, target_id, step_id, dir, state, entries, created_at FROM checkpoints`
	var args []any
	if sessionID != "" {
		query += ` WHERE session_id=?`
		args = append(args, sessionID)
	}
	query += ` ORDER BY created_at ASC, id ASC`
	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list checkpoints: %w", err)
	}
	return scanCheckpoints(rows)
}

func scanCheckpoints(rows *sql.Rows) ([]*schemas.Checkpoint, error) {
	defer rows.Close()
	var out []*schemas.Checkpoint
	for rows.Next() {
		var (
			cp      schemas.Checkpoint
			state   string
			entries string
			created int64
		)
		if err := rows.Scan(&cp.ID, &cp.SessionID, &cp.TargetID, &cp.StepID, &cp.Dir, &state, &entries, &created); err != nil {
			return nil, fmt.Errorf("failed to scan checkpoint row: %w", err)
		}
		if err := json.Unmarshal([]byte(entries), &cp.Entries); err != nil {
			return nil, fmt.Errorf("checkpoint %s has corrupt entries: %w", cp.ID, err)
		}
		cp.State = schemas.CheckpointState(state)
		cp.CreatedAt = time.Unix(0, created).UTC()
		out = append(out, &cp)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return out, nil
}
