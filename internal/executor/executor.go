// File: internal/executor/executor.go
package executor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/xkilldash9x/bootmend/api/schemas"
	"github.com/xkilldash9x/bootmend/internal/config"
	"github.com/xkilldash9x/bootmend/internal/platform"
)

// maxOutput bounds the tool output kept per step result.
const maxOutput = 8 << 10

// Operator performs the external operation of a step.
type Operator interface {
	Run(ctx context.Context, step schemas.RepairStep, onLine func(string)) (platform.Result, error)
	Timeout(class schemas.TimeoutClass) time.Duration
}

// Verifier re-reads target state. It never trusts exit codes.
type Verifier interface {
	AllHold(ctx context.Context, conds []schemas.Condition) (bool, *schemas.Condition, error)
}

// Checkpointer snapshots and restores what a destructive step touches.
type Checkpointer interface {
	Create(ctx context.Context, stepID string, targets []schemas.CheckpointTarget) (*schemas.Checkpoint, error)
	Restore(ctx context.Context, cp *schemas.Checkpoint) error
}

// Run is the record of one plan execution.
type Run struct {
	PlanDigest string
	Results    []schemas.StepResult
	Abort      *schemas.Abort
	Cancelled  bool
	StartedAt  time.Time
	FinishedAt time.Time
}

// Err reports the failure that ended the run early, if any.
func (r *Run) Err() error {
	if r.Abort == nil {
		return nil
	}
	return schemas.NewError(r.Abort.Kind, "execute", r.Abort.StepID, errors.New(r.Abort.Reason))
}

// Executor walks a repair plan step by step, verifying every outcome.
type Executor struct {
	op     Operator
	verify Verifier
	cps    Checkpointer
	cfg    config.ExecutorConfig
	logger *zap.Logger
	now    func() time.Time
}

// New creates an executor.
func New(op Operator, verify Verifier, cps Checkpointer, cfg config.ExecutorConfig, logger *zap.Logger) *Executor {
	return &Executor{
		op:     op,
		verify: verify,
		cps:    cps,
		cfg:    cfg,
		logger: logger.Named("executor"),
		now:    time.Now,
	}
}

// Execution is a handle on a plan running in the background.
type Execution struct {
	cancel context.CancelFunc
	done   chan struct{}
	run    *Run
}

// Cancel asks the execution to stop. The in-flight operation finishes (or
// times out) and is verified; no further step starts.
func (x *Execution) Cancel() { x.cancel() }

// Done is closed when the execution has finished.
func (x *Execution) Done() <-chan struct{} { return x.done }

// Wait blocks until the execution finishes and returns its record.
func (x *Execution) Wait() *Run {
	<-x.done
	return x.run
}

// Start executes plan asynchronously. progress may be nil and must not block.
func (e *Executor) Start(ctx context.Context, plan schemas.RepairPlan, progress schemas.ProgressFunc) *Execution {
	ctx, cancel := context.WithCancel(ctx)
	x := &Execution{cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(x.done)
		defer cancel()
		x.run = e.execute(ctx, plan, progress)
	}()
	return x
}

// Execute runs plan to completion. The returned error is non-nil when the
// run was aborted or cancelled; the run record is returned either way.
func (e *Executor) Execute(ctx context.Context, plan schemas.RepairPlan, progress schemas.ProgressFunc) (*Run, error) {
	run := e.Start(ctx, plan, progress).Wait()
	return run, run.Err()
}

type execution struct {
	*Executor
	progress schemas.ProgressFunc
	run      *Run
	emitMu   sync.Mutex
}

func (e *Executor) execute(ctx context.Context, plan schemas.RepairPlan, progress schemas.ProgressFunc) *Run {
	if progress == nil {
		progress = func(schemas.ProgressEvent) {}
	}
	x := &execution{Executor: e, progress: progress, run: &Run{PlanDigest: plan.Digest, StartedAt: e.now().UTC()}}
	e.logger.Info("Executing plan",
		zap.String("session", plan.SessionID),
		zap.String("digest", plan.Digest),
		zap.Int("steps", len(plan.Steps)))

	for _, step := range plan.Steps {
		if x.cancelled(ctx, step.ID) {
			break
		}
		x.chain(ctx, step, 1)
		if x.run.Abort != nil {
			break
		}
	}
	x.run.FinishedAt = e.now().UTC()
	e.logger.Info("Plan execution finished",
		zap.Int("results", len(x.run.Results)),
		zap.Bool("aborted", x.run.Abort != nil),
		zap.Bool("cancelled", x.run.Cancelled))
	return x.run
}

func (x *execution) cancelled(ctx context.Context, next string) bool {
	if ctx.Err() == nil {
		return false
	}
	x.run.Cancelled = true
	x.run.Abort = &schemas.Abort{Kind: schemas.KindCancelled, StepID: next, Reason: "cancelled before step " + next + " started"}
	x.logger.Warn("Execution cancelled", zap.String("next_step", next))
	return true
}

// chain runs step and, while it fails, its fallback tiers. It reports whether
// the chain ended with its goal achieved.
func (x *execution) chain(ctx context.Context, step schemas.RepairStep, attempt int) bool {
	r := x.attempt(ctx, step, attempt)
	if x.run.Abort != nil {
		return false
	}
	if r.Succeeded() {
		return true
	}
	if step.Fallback == nil || x.cancelled(ctx, step.Fallback.ID) {
		return false
	}
	x.logger.Info("Falling back",
		zap.String("step", step.ID),
		zap.String("fallback", step.Fallback.ID),
		zap.Int("tier", step.Fallback.Tier))
	ok := x.chain(ctx, *step.Fallback, 1)
	if !ok || x.run.Abort != nil {
		return false
	}
	if !step.RetryPrimary || attempt > 1 {
		return true
	}
	if x.cancelled(ctx, step.ID) {
		return false
	}
	return x.attempt(ctx, step, attempt+1).Succeeded() && x.run.Abort == nil
}

type tracker struct {
	x      *execution
	step   schemas.RepairStep
	res    *schemas.StepResult
	start  time.Time
	mu     sync.Mutex
	last   string
	output strings.Builder
}

func (t *tracker) to(s schemas.StepStatus) {
	if !schemas.CanTransition(t.res.Status, s) {
		// The state machine is fixed; reaching this is a programming error.
		panic(fmt.Sprintf("invalid step transition %s -> %s", t.res.Status, s))
	}
	t.res.Status = s
	t.res.Trace = append(t.res.Trace, s)
	t.emit(s)
}

func (t *tracker) emit(s schemas.StepStatus) {
	t.mu.Lock()
	last := t.last
	t.mu.Unlock()
	t.x.emitMu.Lock()
	defer t.x.emitMu.Unlock()
	t.x.progress(schemas.ProgressEvent{
		StepID:   t.step.ID,
		Tier:     t.step.Tier,
		Status:   s,
		Elapsed:  t.x.now().Sub(t.start),
		LastLine: last,
		Time:     t.x.now().UTC(),
	})
}

func (t *tracker) fail(kind schemas.ErrorKind, reason string) {
	t.res.Failure = kind
	t.res.Reason = reason
	t.to(schemas.StatusFailed)
	t.x.logger.Warn("Step failed",
		zap.String("step", t.step.ID),
		zap.String("kind", string(kind)),
		zap.String("reason", reason))
}

func (t *tracker) line(l string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if strings.TrimSpace(l) != "" {
		t.last = l
	}
	t.output.WriteString(l)
	t.output.WriteByte('\n')
}

func (t *tracker) captured() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.output.String()
}

// attempt drives one step through the state machine and records the result.
func (x *execution) attempt(ctx context.Context, step schemas.RepairStep, attempt int) schemas.StepResult {
	// Once started, a step is seen through to a verified state even if the
	// caller cancels.
	sctx := context.WithoutCancel(ctx)
	res := &schemas.StepResult{
		StepID:     step.ID,
		TemplateID: step.TemplateID,
		Tier:       step.Tier,
		Attempt:    attempt,
		Operation:  step.Operation,
		Status:     schemas.StatusPending,
		Trace:      []schemas.StepStatus{schemas.StatusPending},
		StartedAt:  x.now().UTC(),
	}
	t := &tracker{x: x, step: step, res: res, start: x.now()}
	t.emit(schemas.StatusPending)
	defer func() {
		res.Elapsed = x.now().Sub(t.start)
		x.run.Results = append(x.run.Results, *res)
		if res.Failure.Aborts() {
			x.run.Abort = &schemas.Abort{Kind: res.Failure, StepID: step.ID, Reason: res.Reason}
		}
	}()

	if step.Blocked || step.Operation == schemas.OpBlocked {
		t.fail(schemas.KindBlocked, blockedReason(step))
		return *res
	}

	if ok, unmet, err := x.verify.AllHold(sctx, step.Pre); !ok {
		t.fail(schemas.KindPreconditionUnmet, conditionReason("precondition", unmet, err))
		return *res
	}
	t.to(schemas.StatusPreconditionChecked)

	if len(step.Post) > 0 {
		if ok, _, _ := x.verify.AllHold(sctx, step.Post); ok {
			res.PostconditionVerified = true
			res.Verified = step.Post
			t.to(schemas.StatusSkipped)
			x.logger.Info("Step already satisfied", zap.String("step", step.ID))
			return *res
		}
	}

	var cp *schemas.Checkpoint
	if step.Destructive() {
		var err error
		cp, err = x.cps.Create(sctx, step.ID, step.Checkpoint)
		if err != nil {
			t.fail(schemas.KindBlocked, "checkpoint could not be created: "+err.Error())
			return *res
		}
		res.CheckpointID = cp.ID
		t.to(schemas.StatusCheckpointCreated)
	}

	t.to(schemas.StatusRunning)
	out, runErr := x.operate(sctx, step, t)
	res.ExitCode = out.ExitCode
	res.Output = tail(t.captured(), maxOutput)
	if res.Output == "" {
		res.Output = tail(out.Output, maxOutput)
	}

	verified, unmet, verr := x.postcondition(sctx, step, out, runErr)
	switch {
	case runErr != nil:
		t.fail(schemas.KindOperationFailed, operationReason(out, runErr))
	case verified:
		res.PostconditionVerified = true
		res.Verified = step.Post
		t.to(schemas.StatusPostconditionVerified)
		t.to(schemas.StatusSucceeded)
		if out.ExitCode != 0 {
			x.logger.Warn("Tool reported failure but postconditions hold",
				zap.String("step", step.ID), zap.Int("exit_code", out.ExitCode))
		}
		x.logger.Info("Step succeeded", zap.String("step", step.ID), zap.Int("attempt", attempt))
		return *res
	case out.ExitCode == 0:
		t.fail(schemas.KindVerificationFailed, conditionReason("postcondition", unmet, verr)+" although the tool exited 0")
	default:
		t.fail(schemas.KindOperationFailed, operationReason(out, nil))
	}

	if cp != nil {
		x.rollback(sctx, res, cp)
	}
	return *res
}

// operate runs the step's operation under its timeout, pacing progress.
func (x *execution) operate(ctx context.Context, step schemas.RepairStep, t *tracker) (platform.Result, error) {
	timeout := x.op.Timeout(step.Timeout)
	if timeout <= 0 {
		timeout = x.cfg.ShortTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	interval := x.cfg.ProgressInterval
	if interval <= 0 {
		interval = time.Second
	}
	burst := x.cfg.ProgressBurst
	if burst <= 0 {
		burst = 1
	}
	limiter := rate.NewLimiter(rate.Every(interval), burst)

	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if limiter.Allow() {
					t.emit(schemas.StatusRunning)
				}
			}
		}
	}()

	out, err := x.op.Run(ctx, step, func(l string) {
		t.line(l)
		if limiter.Allow() {
			t.emit(schemas.StatusRunning)
		}
	})
	close(done)
	wg.Wait()

	if err == nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		err = fmt.Errorf("%s after %s: %w", step.Operation, timeout, platform.ErrTimedOut)
	}
	if out.TimedOut && err == nil {
		err = fmt.Errorf("%s after %s: %w", step.Operation, timeout, platform.ErrTimedOut)
	}
	return out, err
}

// postcondition re-reads the target. A step without postconditions counts
// as verified only on a clean exit.
func (x *execution) postcondition(ctx context.Context, step schemas.RepairStep, out platform.Result, runErr error) (bool, *schemas.Condition, error) {
	if len(step.Post) == 0 {
		return runErr == nil && out.ExitCode == 0, nil, nil
	}
	return x.verify.AllHold(ctx, step.Post)
}

func (x *execution) rollback(ctx context.Context, res *schemas.StepResult, cp *schemas.Checkpoint) {
	res.Rollback = &schemas.RollbackOutcome{Attempted: true}
	x.logger.Info("Rolling back", zap.String("step", res.StepID), zap.String("checkpoint", cp.ID))
	if err := x.cps.Restore(ctx, cp); err != nil {
		res.Rollback.Detail = err.Error()
		res.Reason = fmt.Sprintf("%s; rollback failed: %v", res.Reason, err)
		res.Failure = schemas.KindRollbackFailed
		x.logger.Error("Rollback failed", zap.String("step", res.StepID), zap.Error(err))
		return
	}
	res.Rollback.Succeeded = true
	res.Rollback.Detail = "restored checkpoint " + cp.ID
}

func blockedReason(step schemas.RepairStep) string {
	if v := step.Params["volume"]; v != "" {
		return fmt.Sprintf("volume %s is locked; unlock it before any repair", v)
	}
	if step.Description != "" {
		return step.Description
	}
	return "repair is blocked"
}

func conditionReason(what string, unmet *schemas.Condition, err error) string {
	switch {
	case unmet != nil && err != nil:
		return fmt.Sprintf("%s %s could not be checked: %v", what, unmet, err)
	case unmet != nil:
		return fmt.Sprintf("%s %s not met", what, unmet)
	case err != nil:
		return fmt.Sprintf("%s check failed: %v", what, err)
	default:
		return what + " not met"
	}
}

func operationReason(out platform.Result, err error) string {
	if err != nil {
		if out.LastLine != "" {
			return fmt.Sprintf("%v (last output: %s)", err, out.LastLine)
		}
		return err.Error()
	}
	if out.LastLine != "" {
		return fmt.Sprintf("%s exited %d: %s", out.Command, out.ExitCode, out.LastLine)
	}
	return fmt.Sprintf("%s exited %d", out.Command, out.ExitCode)
}

func tail(s string, n int) string {
	s = strings.TrimRight(s, "\n")
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}
