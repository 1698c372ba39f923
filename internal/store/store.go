package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/bootmend/api/schemas"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ErrNotFound is returned when no report exists for a session.
var ErrNotFound = errors.New("report not found")

// DBPool is an interface that abstracts the pgxpool.Pool to allow for mocking in tests.
type DBPool interface {
	Ping(ctx context.Context) error
	Begin(ctx context.Context) (pgx.Tx, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	CopyFrom(ctx context.Context, tableName pgx.Identifier, columnNames []string, rowSrc pgx.CopyFromSource) (int64, error)
}

// Store archives session reports in PostgreSQL so repairs across many
// machines can be reviewed centrally.
type Store struct {
	pool DBPool
	log  *zap.Logger
}

const schemaSQL = `
    CREATE TABLE IF NOT EXISTS repair_reports (
        session_id TEXT PRIMARY KEY,
        target_id TEXT NOT NULL,
        stage TEXT NOT NULL,
        confidence INTEGER NOT NULL,
        outcome TEXT NOT NULL,
        evidence_digest TEXT NOT NULL,
        plan_digest TEXT NOT NULL,
        generated_at TIMESTAMPTZ NOT NULL,
        report JSONB NOT NULL
    );
    CREATE TABLE IF NOT EXISTS step_results (
        session_id TEXT NOT NULL REFERENCES repair_reports(session_id) ON DELETE CASCADE,
        seq INTEGER NOT NULL,
        step_id TEXT NOT NULL,
        template_id TEXT NOT NULL,
        tier INTEGER NOT NULL,
        attempt INTEGER NOT NULL,
        operation TEXT NOT NULL,
        status TEXT NOT NULL,
        failure TEXT NOT NULL,
        exit_code INTEGER NOT NULL,
        elapsed_ms BIGINT NOT NULL,
        started_at TIMESTAMPTZ NOT NULL,
        PRIMARY KEY (session_id, seq)
    );
    CREATE INDEX IF NOT EXISTS idx_repair_reports_target ON repair_reports(target_id, generated_at);
`

const sqlUpsertReport = `
    INSERT INTO repair_reports (session_id, target_id, stage, confidence, outcome, evidence_digest, plan_digest, generated_at, report)
    VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
    ON CONFLICT (session_id) DO UPDATE SET
        outcome = EXCLUDED.outcome,
        plan_digest = EXCLUDED.plan_digest,
        generated_at = EXCLUDED.generated_at,
        report = EXCLUDED.report;
`

const sqlDeleteSteps = `DELETE FROM step_results WHERE session_id = $1;`

var stepColumns = []string{"session_id", "seq", "step_id", "template_id", "tier", "attempt", "operation", "status", "failure", "exit_code", "elapsed_ms", "started_at"}

// New creates a new store instance and verifies the connection.
func New(ctx context.Context, pool DBPool, logger *zap.Logger) (*Store, error) {
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &Store{pool: pool, log: logger.Named("store")}, nil
}

// EnsureSchema creates the archive tables if they do not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to create archive schema: %w", err)
	}
	return nil
}

// ArchiveReport stores a report and its step results in one transaction.
// Archiving the same session again replaces the earlier copy.
func (s *Store) ArchiveReport(ctx context.Context, r *schemas.RepairReport) error {
	doc, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("failed to encode report: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if rollbackErr := tx.Rollback(ctx); rollbackErr != nil && !errors.Is(rollbackErr, pgx.ErrTxClosed) {
			s.log.Error("Failed to rollback transaction", zap.Error(rollbackErr))
		}
	}()

	_, err = tx.Exec(ctx, sqlUpsertReport,
		r.SessionID, r.Target.ID, string(r.Assessment.Stage), r.Assessment.Confidence,
		string(r.Outcome), r.EvidenceDigest, r.Plan.Digest, r.GeneratedAt.UTC(), doc)
	if err != nil {
		return fmt.Errorf("failed to upsert report %s: %w", r.SessionID, err)
	}
	if _, err := tx.Exec(ctx, sqlDeleteSteps, r.SessionID); err != nil {
		return fmt.Errorf("failed to clear step results: %w", err)
	}
	if err := s.persistSteps(ctx, tx, r.SessionID, r.Results); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	s.log.Info("Report archived", zap.String("session", r.SessionID), zap.String("outcome", string(r.Outcome)))
	return nil
}

func (s *Store) persistSteps(ctx context.Context, tx pgx.Tx, sessionID string, results []schemas.StepResult) error {
	if len(results) == 0 {
		return nil
	}
	rows := make([][]interface{}, len(results))
	for i, res := range results {
		rows[i] = []interface{}{
			sessionID, i, res.StepID, res.TemplateID,
			res.Tier, res.Attempt, string(res.Operation), string(res.Status),
			string(res.Failure), res.ExitCode, res.Elapsed.Milliseconds(),
			res.StartedAt.UTC(),
		}
	}
	n, err := tx.CopyFrom(ctx, pgx.Identifier{"step_results"}, stepColumns, pgx.CopyFromRows(rows))
	if err != nil {
		return fmt.Errorf("failed to copy step results: %w", err)
	}
	if int(n) != len(results) {
		return fmt.Errorf("mismatch in copied step results count: expected %d, got %d", len(results), n)
	}
	return nil
}

// GetReport loads an archived report.
func (s *Store) GetReport(ctx context.Context, sessionID string) (*schemas.RepairReport, error) {
	rows, err := s.pool.Query(ctx, `SELECT report FROM repair_reports WHERE session_id = $1;`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query report: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("error during row iteration: %w", err)
		}
		return nil, fmt.Errorf("%s: %w", sessionID, ErrNotFound)
	}
	var doc []byte
	if err := rows.Scan(&doc); err != nil {
		return nil, fmt.Errorf("failed to scan report row: %w", err)
	}
	var r schemas.RepairReport
	if err := json.Unmarshal(doc, &r); err != nil {
		return nil, fmt.Errorf("archived report %s is corrupt: %w", sessionID, err)
	}
	return &r, nil
}

// Summary is one line of the archive listing.
type Summary struct {
	SessionID   string
	TargetID    string
	Stage       schemas.Stage
	Confidence  int
	Outcome     schemas.Outcome
	GeneratedAt time.Time
}

// ListReports returns the most recent reports, newest first. An empty
// targetID lists every target.
func (s *Store) ListReports(ctx context.Context, targetID string, limit int) ([]Summary, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `
        SELECT session_id, target_id, stage, confidence, outcome, generated_at
        FROM repair_reports
        WHERE ($1 = '' OR target_id = $1)
        ORDER BY generated_at DESC
        LIMIT $2;
    `
	rows, err := s.pool.Query(ctx, query, targetID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query reports: %w", err)
	}
	defer rows.Close()

	var out []Summary
	for rows.Next() {
		var (
			sum     Summary
			stage   string
			outcome string
		)
		if err := rows.Scan(&sum.SessionID, &sum.TargetID, &stage, &sum.Confidence, &outcome, &sum.GeneratedAt); err != nil {
			return nil, fmt.Errorf("failed to scan report row: %w", err)
		}
		sum.Stage = schemas.Stage(stage)
		sum.Outcome = schemas.Outcome(outcome)
		out = append(out, sum)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return out, nil
}

// FailedOperations counts, per operation, how often steps on targetID
// ended in a failure across archived sessions.
func (s *Store) FailedOperations(ctx context.Context, targetID string) (map[schemas.OperationKind]int, error) {
	query := `
        SELECT s.operation, COUNT(*)
        FROM step_results s JOIN repair_reports r ON r.session_id = s.session_id
        WHERE r.target_id = $1 AND s.failure <> ''
        GROUP BY s.operation;
    `
	rows, err := s.pool.Query(ctx, query, targetID)
	if err != nil {
		return nil, fmt.Errorf("failed to query step history: %w", err)
	}
	defer rows.Close()

	out := map[schemas.OperationKind]int{}
	for rows.Next() {
		var (
			op string
			n  int64
		)
		if err := rows.Scan(&op, &n); err != nil {
			return nil, fmt.Errorf("failed to scan step history row: %w", err)
		}
		out[schemas.OperationKind(op)] = int(n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return out, nil
}
