// File: internal/engine/engine.go
package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/bootmend/api/schemas"
	"github.com/xkilldash9x/bootmend/internal/catalog"
	"github.com/xkilldash9x/bootmend/internal/checkpoint"
	"github.com/xkilldash9x/bootmend/internal/classifier"
	"github.com/xkilldash9x/bootmend/internal/config"
	"github.com/xkilldash9x/bootmend/internal/evidence"
	"github.com/xkilldash9x/bootmend/internal/executor"
	"github.com/xkilldash9x/bootmend/internal/planner"
	"github.com/xkilldash9x/bootmend/internal/probe"
	"github.com/xkilldash9x/bootmend/internal/report"
	"github.com/xkilldash9x/bootmend/internal/session"
)

// -- Interfaces for Dependency Inversion --

// Scanner discovers installations.
type Scanner interface {
	Scan(ctx context.Context) ([]schemas.TargetInstallation, error)
}

// Collector gathers the evidence set of one target.
type Collector interface {
	Collect(ctx context.Context, target schemas.TargetInstallation) (*evidence.Set, error)
}

// DriverMatcher ranks driver packages for requirements lacking a driver.
type DriverMatcher interface {
	MatchAll(ctx context.Context, reqs []schemas.HardwareRequirement) (map[string][]schemas.DriverCandidate, error)
}

// Toolkit builds the target-bound components that act on an installation.
type Toolkit interface {
	Operator(target schemas.TargetInstallation) executor.Operator
	Verifier(target schemas.TargetInstallation) executor.Verifier
	Registry(target schemas.TargetInstallation) checkpoint.RegistrySnapshotter
}

// Archiver stores finished reports outside the target. It is optional.
type Archiver interface {
	ArchiveReport(ctx context.Context, r *schemas.RepairReport) error
}

// Deps are the collaborators an Engine is assembled from.
type Deps struct {
	Scanner   Scanner
	Collector Collector
	Matcher   DriverMatcher
	Catalog   *catalog.Catalog
	Toolkit   Toolkit
	Archive   Archiver
}

// archiveTimeout bounds the optional archive write after a session.
const archiveTimeout = 30 * time.Second

// Engine is the entry point for diagnosis, planning and execution. It holds
// no per-session state; everything a session produces lives on its Case.
type Engine struct {
	cfg     config.Interface
	deps    Deps
	planner *planner.Planner
	logger  *zap.Logger
}

// New creates an engine.
func New(cfg config.Interface, deps Deps, logger *zap.Logger) (*Engine, error) {
	switch {
	case deps.Scanner == nil:
		return nil, errors.New("engine requires a scanner")
	case deps.Collector == nil:
		return nil, errors.New("engine requires a collector")
	case deps.Matcher == nil:
		return nil, errors.New("engine requires a driver matcher")
	case deps.Catalog == nil:
		return nil, errors.New("engine requires a decision catalog")
	case deps.Toolkit == nil:
		return nil, errors.New("engine requires a repair toolkit")
	}
	return &Engine{
		cfg:     cfg,
		deps:    deps,
		planner: planner.New(deps.Catalog, cfg.Drivers().AllowUnsigned),
		logger:  logger.Named("engine"),
	}, nil
}

// Case is one diagnosed session: its evidence, assessment, driver matches
// and the plan derived from them.
type Case struct {
	Session    *session.Session
	Set        *evidence.Set
	Assessment schemas.StageAssessment
	Matches    planner.Matches
	Plan       schemas.RepairPlan
}

// Scan discovers installations on the configured volumes.
func (e *Engine) Scan(ctx context.Context) ([]schemas.TargetInstallation, error) {
	return e.deps.Scanner.Scan(ctx)
}

// Target scans and picks one installation by ID, volume or root. An empty
// selector picks the only installation that is not currently running.
func (e *Engine) Target(ctx context.Context, selector string) (schemas.TargetInstallation, error) {
	targets, err := e.Scan(ctx)
	if err != nil {
		return schemas.TargetInstallation{}, err
	}
	return probe.FindTarget(targets, selector)
}

// StateDir is the state directory used for target.
func (e *Engine) StateDir(target schemas.TargetInstallation) string {
	return session.StateDirFor(e.cfg.Session().StateDir, target)
}

// Diagnose collects evidence from target, freezes it and classifies the
// failing boot stage. Missing evidence lowers confidence; only cancellation
// is an error.
func (e *Engine) Diagnose(ctx context.Context, target schemas.TargetInstallation) (*evidence.Set, schemas.StageAssessment, error) {
	set, err := e.deps.Collector.Collect(ctx, target)
	if err != nil {
		return nil, schemas.StageAssessment{}, err
	}
	set.Freeze()
	a := classifier.Classify(set, e.deps.Catalog)
	e.logger.Info("Diagnosis complete",
		zap.String("target", target.ID),
		zap.String("stage", string(a.Stage)),
		zap.Int("confidence", a.Confidence),
		zap.Bool("inconclusive", a.Inconclusive))
	return set, a, nil
}

// Plan derives a repair plan from a diagnosis. Driver packages under the
// configured search paths are matched first.
func (e *Engine) Plan(ctx context.Context, assessment schemas.StageAssessment, set *evidence.Set) (schemas.RepairPlan, error) {
	matches, err := e.match(ctx, set)
	if err != nil {
		return schemas.RepairPlan{}, err
	}
	return e.planner.Plan(assessment, set, matches), nil
}

func (e *Engine) match(ctx context.Context, set *evidence.Set) (planner.Matches, error) {
	m, err := e.deps.Matcher.MatchAll(ctx, set.Requirements())
	if err != nil {
		if ctx.Err() != nil {
			return nil, schemas.NewError(schemas.KindCancelled, "match-drivers", "", err)
		}
		return nil, fmt.Errorf("failed to match driver packages: %w", err)
	}
	return planner.Matches(m), nil
}

// Open starts a session on target and runs diagnosis and planning. The
// evidence snapshot is written to the session directory.
func (e *Engine) Open(ctx context.Context, target schemas.TargetInstallation) (*Case, error) {
	sess, err := session.New(e.StateDir(target), target, e.logger)
	if err != nil {
		return nil, err
	}
	set, a, err := e.Diagnose(ctx, target)
	if err != nil {
		return nil, err
	}
	if err := writeEvidence(sess, set); err != nil {
		e.logger.Warn("Could not save evidence snapshot", zap.Error(err))
	}
	matches, err := e.match(ctx, set)
	if err != nil {
		return nil, err
	}
	plan := e.planner.Plan(a, set, matches)
	plan.SessionID = sess.ID
	return &Case{Session: sess, Set: set, Assessment: a, Matches: matches, Plan: plan}, nil
}

// EvidencePath is where a session's evidence snapshot is kept.
func EvidencePath(sess *session.Session) string { return filepath.Join(sess.Dir, "evidence.yaml") }

func writeEvidence(sess *session.Session, set *evidence.Set) error {
	b, err := set.MarshalYAML()
	if err != nil {
		return err
	}
	return os.WriteFile(EvidencePath(sess), b, 0o644)
}

// Report builds and saves the report of a session that executed nothing.
func (e *Engine) Report(ctx context.Context, c *Case) (*schemas.RepairReport, error) {
	return e.finish(ctx, c, nil)
}

func (e *Engine) finish(ctx context.Context, c *Case, run *executor.Run) (*schemas.RepairReport, error) {
	r := report.Build(report.Input{
		SessionID:  c.Session.ID,
		Set:        c.Set,
		Assessment: c.Assessment,
		Plan:       c.Plan,
		Run:        run,
		Catalog:    e.deps.Catalog,
		Eligible:   e.planner.Eligible(c.Assessment, c.Set),
		Matches:    c.Matches,
	})
	if err := report.Save(c.Session.ReportPath(), &r); err != nil {
		return &r, err
	}
	e.logger.Info("Report saved",
		zap.String("session", r.SessionID),
		zap.String("outcome", string(r.Outcome)),
		zap.String("path", c.Session.ReportPath()))

	if e.deps.Archive != nil {
		actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), archiveTimeout)
		defer cancel()
		if err := e.deps.Archive.ArchiveReport(actx, &r); err != nil {
			e.logger.Warn("Report archive failed; the local copy is kept", zap.Error(err))
		}
	}
	return &r, nil
}

// Execution is a handle on a plan executing in the background.
type Execution struct {
	inner  *executor.Execution
	done   chan struct{}
	report *schemas.RepairReport
	err    error
}

// Cancel stops the execution after the in-flight step.
func (x *Execution) Cancel() { x.inner.Cancel() }

// Done is closed once the report has been written.
func (x *Execution) Done() <-chan struct{} { return x.done }

// Wait blocks until the execution finishes. The error reports an abort,
// cancellation or a report that could not be saved; the report is returned
// whenever one was built.
func (x *Execution) Wait() (*schemas.RepairReport, error) {
	<-x.done
	return x.report, x.err
}

// Start executes the case's plan asynchronously. The session holds the
// exclusive lock on its target until the execution finishes.
func (e *Engine) Start(ctx context.Context, c *Case, progress schemas.ProgressFunc) (*Execution, error) {
	if c.Plan.SessionID != "" && c.Plan.SessionID != c.Session.ID {
		return nil, fmt.Errorf("plan belongs to session %s, not %s", c.Plan.SessionID, c.Session.ID)
	}
	if err := c.Session.Acquire(); err != nil {
		return nil, fmt.Errorf("cannot execute on %s: %w", c.Session.Target.ID, err)
	}
	// The ledger must stay usable for rollback even if ctx is cancelled.
	ledger, err := checkpoint.OpenLedger(context.WithoutCancel(ctx), session.LedgerPath(c.Session.StateDir))
	if err != nil {
		_ = c.Session.Release()
		return nil, err
	}

	target := c.Session.Target
	kit := e.deps.Toolkit
	cps := checkpoint.NewManager(c.Session.CheckpointDir(), c.Session.ID, target.ID, kit.Registry(target), ledger, e.logger)
	ex := executor.New(kit.Operator(target), kit.Verifier(target), cps, e.cfg.Executor(), e.logger)

	x := &Execution{inner: ex.Start(ctx, c.Plan, progress), done: make(chan struct{})}
	go func() {
		defer close(x.done)
		run := x.inner.Wait()
		r, saveErr := e.finish(ctx, c, run)
		if cerr := ledger.Close(); cerr != nil {
			e.logger.Warn("Failed to close checkpoint ledger", zap.Error(cerr))
		}
		if rerr := c.Session.Release(); rerr != nil {
			e.logger.Warn("Failed to release target lock", zap.Error(rerr))
		}
		x.report = r
		x.err = errors.Join(run.Err(), saveErr)
	}()
	return x, nil
}

// Execute runs the case's plan to completion.
func (e *Engine) Execute(ctx context.Context, c *Case, progress schemas.ProgressFunc) (*schemas.RepairReport, error) {
	x, err := e.Start(ctx, c, progress)
	if err != nil {
		return nil, err
	}
	return x.Wait()
}
