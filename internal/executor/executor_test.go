package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/bootmend/api/schemas"
	"github.com/xkilldash9x/bootmend/internal/config"
	"github.com/xkilldash9x/bootmend/internal/platform"
)

// world is the simulated target: a set of condition keys that currently hold.
type world struct {
	mu    sync.Mutex
	facts map[string]bool
}

func newWorld(hold ...schemas.Condition) *world {
	w := &world{facts: map[string]bool{}}
	for _, c := range hold {
		w.facts[c.Key()] = true
	}
	return w
}

func (w *world) set(c schemas.Condition, v bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.facts[c.Key()] = v
}

func (w *world) holds(c schemas.Condition) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.facts[c.Key()]
}

func (w *world) AllHold(_ context.Context, conds []schemas.Condition) (bool, *schemas.Condition, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for i := range conds {
		if !w.facts[conds[i].Key()] {
			c := conds[i]
			return false, &c, nil
		}
	}
	return true, nil, nil
}

type fakeCheckpoints struct {
	w          *world
	mu         sync.Mutex
	snaps      map[string]map[string]bool
	created    []string
	restored   []string
	createErr  error
	restoreErr error
}

func newCheckpoints(w *world) *fakeCheckpoints {
	return &fakeCheckpoints{w: w, snaps: map[string]map[string]bool{}}
}

func (f *fakeCheckpoints) Create(_ context.Context, stepID string, _ []schemas.CheckpointTarget) (*schemas.Checkpoint, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return nil, f.createErr
	}
	id := fmt.Sprintf("cp-%d", len(f.created)+1)
	f.w.mu.Lock()
	snap := make(map[string]bool, len(f.w.facts))
	for k, v := range f.w.facts {
		snap[k] = v
	}
	f.w.mu.Unlock()
	f.snaps[id] = snap
	f.created = append(f.created, stepID)
	return &schemas.Checkpoint{ID: id, StepID: stepID, State: schemas.CheckpointActive}, nil
}

func (f *fakeCheckpoints) Restore(_ context.Context, cp *schemas.Checkpoint) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.restored = append(f.restored, cp.StepID)
	if f.restoreErr != nil {
		return f.restoreErr
	}
	f.w.mu.Lock()
	f.w.facts = f.snaps[cp.ID]
	f.w.mu.Unlock()
	return nil
}

type action func(ctx context.Context, onLine func(string)) (platform.Result, error)

type fakeOperator struct {
	mu      sync.Mutex
	actions map[string]action
	ran     []string
}

func (f *fakeOperator) Run(ctx context.Context, step schemas.RepairStep, onLine func(string)) (platform.Result, error) {
	f.mu.Lock()
	f.ran = append(f.ran, step.ID)
	act := f.actions[step.ID]
	f.mu.Unlock()
	if act == nil {
		return platform.Result{Command: string(step.Operation)}, nil
	}
	return act(ctx, onLine)
}

func (f *fakeOperator) Timeout(schemas.TimeoutClass) time.Duration { return 5 * time.Second }

func (f *fakeOperator) Ran() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.ran...)
}

// makes returns an action that turns the given conditions true and exits
// with code.
func makes(w *world, code int, conds ...schemas.Condition) action {
	return func(context.Context, func(string)) (platform.Result, error) {
		for _, c := range conds {
			w.set(c, true)
		}
		return platform.Result{ExitCode: code, LastLine: "done"}, nil
	}
}

func cond(code schemas.ConditionCode, arg string) schemas.Condition {
	return schemas.Condition{Code: code, Arg: arg}
}

var (
	hiveLoadable  = cond(schemas.CondHiveLoadable, "")
	driverEnabled = cond(schemas.CondDriverEnabled, "iaStorVD")
	bcdValid      = cond(schemas.CondBCDEntryValid, "")
	bootTemplate  = cond(schemas.CondFileExists, `D:\Windows\Boot\EFI\bootmgfw.efi`)
	storeHealthy  = cond(schemas.CondComponentStoreHealthy, "")
	unlocked      = cond(schemas.CondVolumeUnlocked, "D:")
)

func step(id string, d schemas.Destructiveness, pre, post []schemas.Condition) schemas.RepairStep {
	return schemas.RepairStep{
		ID:              id,
		TemplateID:      id,
		Operation:       schemas.OpBCDBoot,
		Pre:             pre,
		Post:            post,
		Destructiveness: d,
		Tier:            1,
		Timeout:         schemas.TimeoutShort,
		Checkpoint:      []schemas.CheckpointTarget{{Kind: schemas.CheckpointFile, Path: `S:\EFI`}},
	}
}

func execCfg() config.ExecutorConfig {
	return config.ExecutorConfig{
		ShortTimeout:     5 * time.Second,
		LongTimeout:      10 * time.Second,
		ProgressInterval: time.Hour,
		ProgressBurst:    2,
	}
}

func newExecutor(t *testing.T, op Operator, w *world, cps Checkpointer) *Executor {
	return New(op, w, cps, execCfg(), zaptest.NewLogger(t))
}

func plan(steps ...schemas.RepairStep) schemas.RepairPlan {
	return schemas.RepairPlan{SessionID: "s", TargetID: "t", Steps: steps, Digest: "d"}
}

func assertVerifiedSuccesses(t *testing.T, run *Run) {
	t.Helper()
	for _, r := range run.Results {
		if r.Status == schemas.StatusSucceeded {
			assert.True(t, r.PostconditionVerified, "step %s succeeded without verification", r.StepID)
		}
	}
}

func TestExecuteSucceedsThroughEveryState(t *testing.T) {
	w := newWorld(hiveLoadable)
	op := &fakeOperator{actions: map[string]action{"enable": makes(w, 0, driverEnabled)}}
	cps := newCheckpoints(w)
	e := newExecutor(t, op, w, cps)

	run, err := e.Execute(context.Background(), plan(step("enable", schemas.RegistryEdit, []schemas.Condition{hiveLoadable}, []schemas.Condition{driverEnabled})), nil)
	require.NoError(t, err)
	require.Len(t, run.Results, 1)
	r := run.Results[0]
	assert.Equal(t, schemas.StatusSucceeded, r.Status)
	assert.Equal(t, []schemas.StepStatus{
		schemas.StatusPending,
		schemas.StatusPreconditionChecked,
		schemas.StatusCheckpointCreated,
		schemas.StatusRunning,
		schemas.StatusPostconditionVerified,
		schemas.StatusSucceeded,
	}, r.Trace)
	assert.Equal(t, "cp-1", r.CheckpointID)
	assert.Equal(t, []schemas.Condition{driverEnabled}, r.Verified)
	assert.Nil(t, r.Rollback)
	assert.Empty(t, cps.restored)
}

func TestExecuteReadOnlyStepTakesNoCheckpoint(t *testing.T) {
	w := newWorld()
	op := &fakeOperator{actions: map[string]action{"check": makes(w, 0, storeHealthy)}}
	cps := newCheckpoints(w)
	run, err := newExecutor(t, op, w, cps).Execute(context.Background(), plan(step("check", schemas.ReadOnly, nil, []schemas.Condition{storeHealthy})), nil)
	require.NoError(t, err)
	assert.NotContains(t, run.Results[0].Trace, schemas.StatusCheckpointCreated)
	assert.Empty(t, cps.created)
}

func TestExecuteSkipsSatisfiedStep(t *testing.T) {
	w := newWorld(hiveLoadable, driverEnabled)
	op := &fakeOperator{}
	cps := newCheckpoints(w)
	run, err := newExecutor(t, op, w, cps).Execute(context.Background(), plan(step("enable", schemas.RegistryEdit, []schemas.Condition{hiveLoadable}, []schemas.Condition{driverEnabled})), nil)
	require.NoError(t, err)
	r := run.Results[0]
	assert.Equal(t, schemas.StatusSkipped, r.Status)
	assert.True(t, r.Succeeded())
	assert.Empty(t, op.Ran())
	assert.Empty(t, cps.created)
}

func TestExecuteZeroExitWithoutEffectIsVerificationFailed(t *testing.T) {
	w := newWorld(hiveLoadable)
	op := &fakeOperator{actions: map[string]action{
		"enable": func(context.Context, func(string)) (platform.Result, error) {
			w.set(hiveLoadable, false) // collateral damage the rollback must undo
			return platform.Result{ExitCode: 0}, nil
		},
	}}
	cps := newCheckpoints(w)
	run, err := newExecutor(t, op, w, cps).Execute(context.Background(), plan(step("enable", schemas.RegistryEdit, []schemas.Condition{hiveLoadable}, []schemas.Condition{driverEnabled})), nil)
	require.NoError(t, err, "a verification failure does not abort the plan")

	r := run.Results[0]
	assert.Equal(t, schemas.StatusFailed, r.Status)
	assert.Equal(t, schemas.KindVerificationFailed, r.Failure)
	assert.Contains(t, r.Reason, "driver-enabled:iaStorVD")
	assert.False(t, r.PostconditionVerified)
	require.NotNil(t, r.Rollback)
	assert.True(t, r.Rollback.Attempted)
	assert.True(t, r.Rollback.Succeeded)
	assert.Equal(t, []string{"enable"}, cps.restored)
	assert.True(t, w.holds(hiveLoadable), "rollback restored the checkpointed state")
	assert.Nil(t, run.Abort)
}

func TestExecuteNonZeroExitWithVerifiedEffectSucceeds(t *testing.T) {
	w := newWorld()
	op := &fakeOperator{actions: map[string]action{"sfc": makes(w, 1, storeHealthy)}}
	run, err := newExecutor(t, op, w, newCheckpoints(w)).Execute(context.Background(), plan(step("sfc", schemas.FileReplace, nil, []schemas.Condition{storeHealthy})), nil)
	require.NoError(t, err)
	assert.Equal(t, schemas.StatusSucceeded, run.Results[0].Status)
	assert.Equal(t, 1, run.Results[0].ExitCode)
}

func TestExecuteNonZeroExitWithoutEffectIsOperationFailed(t *testing.T) {
	w := newWorld()
	op := &fakeOperator{actions: map[string]action{"sfc": makes(w, 5)}}
	run, _ := newExecutor(t, op, w, newCheckpoints(w)).Execute(context.Background(), plan(step("sfc", schemas.FileReplace, nil, []schemas.Condition{storeHealthy})), nil)
	r := run.Results[0]
	assert.Equal(t, schemas.KindOperationFailed, r.Failure)
	assert.Contains(t, r.Reason, "exited 5")
	require.NotNil(t, r.Rollback)
	assert.True(t, r.Rollback.Succeeded)
}

func TestExecuteTimeoutIsFailureEvenIfEffectHolds(t *testing.T) {
	w := newWorld()
	op := &fakeOperator{actions: map[string]action{
		"dism": func(context.Context, func(string)) (platform.Result, error) {
			w.set(storeHealthy, true)
			return platform.Result{TimedOut: true}, platform.ErrTimedOut
		},
	}}
	run, _ := newExecutor(t, op, w, newCheckpoints(w)).Execute(context.Background(), plan(step("dism", schemas.FileReplace, nil, []schemas.Condition{storeHealthy})), nil)
	r := run.Results[0]
	assert.Equal(t, schemas.KindOperationFailed, r.Failure)
	assert.Contains(t, r.Reason, "timed out")
	require.NotNil(t, r.Rollback)
	assert.False(t, w.holds(storeHealthy))
}

func TestExecuteRollbackFailureAborts(t *testing.T) {
	w := newWorld()
	op := &fakeOperator{actions: map[string]action{"format": makes(w, 0)}}
	cps := newCheckpoints(w)
	cps.restoreErr = errors.New("digest mismatch for S:\\EFI")
	p := plan(
		step("format", schemas.PartitionFormat, nil, []schemas.Condition{cond(schemas.CondPartitionFormatted, "S:")}),
		step("later", schemas.ReadOnly, nil, []schemas.Condition{storeHealthy}),
	)
	run, err := newExecutor(t, op, w, cps).Execute(context.Background(), p, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, schemas.KindRollbackFailed)

	require.Len(t, run.Results, 1, "no step runs after a failed rollback")
	r := run.Results[0]
	assert.Equal(t, schemas.KindRollbackFailed, r.Failure)
	assert.True(t, r.Rollback.Attempted)
	assert.False(t, r.Rollback.Succeeded)
	assert.Contains(t, r.Rollback.Detail, "digest mismatch")
	require.NotNil(t, run.Abort)
	assert.Equal(t, schemas.KindRollbackFailed, run.Abort.Kind)
	assert.Equal(t, "format", run.Abort.StepID)
	assert.Equal(t, []string{"format"}, op.Ran())
}

func TestExecuteCheckpointFailureBlocks(t *testing.T) {
	w := newWorld()
	op := &fakeOperator{}
	cps := newCheckpoints(w)
	cps.createErr = errors.New("disk full")
	run, err := newExecutor(t, op, w, cps).Execute(context.Background(), plan(step("format", schemas.PartitionFormat, nil, []schemas.Condition{storeHealthy})), nil)
	assert.ErrorIs(t, err, schemas.KindBlocked)
	assert.Empty(t, op.Ran(), "nothing destructive runs without a checkpoint")
	assert.Equal(t, schemas.KindBlocked, run.Results[0].Failure)
	assert.Contains(t, run.Results[0].Reason, "disk full")
}

func TestExecuteLockedVolumeIsBlocked(t *testing.T) {
	w := newWorld()
	op := &fakeOperator{}
	cps := newCheckpoints(w)
	blocked := schemas.RepairStep{
		ID:        "blocked-unlock-required",
		Operation: schemas.OpBlocked,
		Params:    map[string]string{"volume": "D:"},
		Post:      []schemas.Condition{unlocked},
		Blocked:   true,
	}
	p := plan(blocked)
	p.Blocked = true
	run, err := newExecutor(t, op, w, cps).Execute(context.Background(), p, nil)
	require.ErrorIs(t, err, schemas.KindBlocked)
	require.Len(t, run.Results, 1)
	r := run.Results[0]
	assert.Equal(t, []schemas.StepStatus{schemas.StatusPending, schemas.StatusFailed}, r.Trace)
	assert.Contains(t, r.Reason, "volume D: is locked")
	assert.Empty(t, op.Ran())
	assert.Empty(t, cps.created)
}

func TestExecuteFallbackAndRetryPrimary(t *testing.T) {
	w := newWorld()

	rebuild := step("rebuild-bcd", schemas.FileReplace, []schemas.Condition{bootTemplate}, []schemas.Condition{bcdValid})
	restore := step("restore-health", schemas.FileReplace, nil, []schemas.Condition{storeHealthy})
	restore.Tier = 2
	rebuild.Fallback = &restore
	rebuild.RetryPrimary = true

	op := &fakeOperator{actions: map[string]action{
		"restore-health": makes(w, 0, storeHealthy, bootTemplate),
		"rebuild-bcd":    makes(w, 0, bcdValid),
	}}
	run, err := newExecutor(t, op, w, newCheckpoints(w)).Execute(context.Background(), plan(rebuild), nil)
	require.NoError(t, err)
	require.Len(t, run.Results, 3)

	first, fallback, retry := run.Results[0], run.Results[1], run.Results[2]
	assert.Equal(t, "rebuild-bcd", first.StepID)
	assert.Equal(t, schemas.KindPreconditionUnmet, first.Failure)
	assert.Contains(t, first.Reason, "bootmgfw.efi")
	assert.Nil(t, first.Rollback, "nothing ran, nothing to roll back")

	assert.Equal(t, "restore-health", fallback.StepID)
	assert.Equal(t, 2, fallback.Tier)
	assert.Equal(t, schemas.StatusSucceeded, fallback.Status)

	assert.Equal(t, "rebuild-bcd", retry.StepID)
	assert.Equal(t, 2, retry.Attempt)
	assert.Equal(t, schemas.StatusSucceeded, retry.Status)
	assert.Equal(t, []string{"restore-health", "rebuild-bcd"}, op.Ran())
	assertVerifiedSuccesses(t, run)
}

func TestExecuteFailedFallbackContinuesPlan(t *testing.T) {
	w := newWorld()
	primary := step("a", schemas.ReadOnly, []schemas.Condition{bootTemplate}, []schemas.Condition{bcdValid})
	fb := step("a-fallback", schemas.ReadOnly, []schemas.Condition{bootTemplate}, nil)
	primary.Fallback = &fb
	next := step("b", schemas.ReadOnly, nil, []schemas.Condition{storeHealthy})
	op := &fakeOperator{actions: map[string]action{"b": makes(w, 0, storeHealthy)}}

	run, err := newExecutor(t, op, w, newCheckpoints(w)).Execute(context.Background(), plan(primary, next), nil)
	require.NoError(t, err)
	require.Len(t, run.Results, 3)
	assert.Equal(t, schemas.KindPreconditionUnmet, run.Results[0].Failure)
	assert.Equal(t, schemas.KindPreconditionUnmet, run.Results[1].Failure)
	assert.Equal(t, schemas.StatusSucceeded, run.Results[2].Status)
}

func TestStartCancelFinishesInFlightStep(t *testing.T) {
	defer goleak.VerifyNone(t)

	w := newWorld()
	started := make(chan struct{})
	release := make(chan struct{})
	op := &fakeOperator{actions: map[string]action{
		"long": func(ctx context.Context, onLine func(string)) (platform.Result, error) {
			close(started)
			select {
			case <-release:
			case <-ctx.Done():
				return platform.Result{}, ctx.Err()
			}
			w.set(storeHealthy, true)
			return platform.Result{ExitCode: 0}, nil
		},
	}}
	e := newExecutor(t, op, w, newCheckpoints(w))
	p := plan(
		step("long", schemas.FileReplace, nil, []schemas.Condition{storeHealthy}),
		step("next", schemas.ReadOnly, nil, []schemas.Condition{bcdValid}),
	)

	x := e.Start(context.Background(), p, nil)
	<-started
	x.Cancel()
	close(release)
	run := x.Wait()

	require.Len(t, run.Results, 1)
	assert.Equal(t, schemas.StatusSucceeded, run.Results[0].Status, "the in-flight step is not interrupted")
	assert.True(t, run.Cancelled)
	require.NotNil(t, run.Abort)
	assert.Equal(t, schemas.KindCancelled, run.Abort.Kind)
	assert.Equal(t, "next", run.Abort.StepID)
	assert.ErrorIs(t, run.Err(), schemas.KindCancelled)
	assert.Equal(t, []string{"long"}, op.Ran())

	select {
	case <-x.Done():
	default:
		t.Fatal("Done must be closed after Wait returns")
	}
}

func TestStartCancelRollsBackUnverifiedDestructiveStep(t *testing.T) {
	defer goleak.VerifyNone(t)

	w := newWorld()
	started := make(chan struct{})
	release := make(chan struct{})
	op := &fakeOperator{actions: map[string]action{
		"rebuild": func(ctx context.Context, onLine func(string)) (platform.Result, error) {
			close(started)
			<-release
			// The tool changes the target but never reaches its goal.
			w.set(bootTemplate, true)
			return platform.Result{ExitCode: 0, LastLine: "done"}, nil
		},
	}}
	cps := newCheckpoints(w)
	e := newExecutor(t, op, w, cps)

	primary := step("rebuild", schemas.FileReplace, nil, []schemas.Condition{bcdValid})
	fb := step("rebuild-fallback", schemas.FileReplace, nil, []schemas.Condition{bcdValid})
	primary.Fallback = &fb
	p := plan(primary, step("next", schemas.ReadOnly, nil, []schemas.Condition{storeHealthy}))

	x := e.Start(context.Background(), p, nil)
	<-started
	x.Cancel()
	close(release)
	run := x.Wait()

	require.Len(t, run.Results, 1)
	r := run.Results[0]
	assert.Equal(t, schemas.StatusFailed, r.Status)
	assert.Equal(t, schemas.KindVerificationFailed, r.Failure)
	assert.False(t, r.PostconditionVerified)
	require.NotNil(t, r.Rollback)
	assert.True(t, r.Rollback.Attempted)
	assert.True(t, r.Rollback.Succeeded)
	assert.Equal(t, []string{"rebuild"}, cps.restored)
	assert.False(t, w.holds(bootTemplate), "the partial change is reverted")

	assert.Equal(t, []string{"rebuild"}, op.Ran(), "neither the fallback nor a later step starts")
	assert.True(t, run.Cancelled)
	require.NotNil(t, run.Abort)
	assert.Equal(t, schemas.KindCancelled, run.Abort.Kind)
	assert.Equal(t, "rebuild-fallback", run.Abort.StepID)
	assert.ErrorIs(t, run.Err(), schemas.KindCancelled)
}

func TestExecuteAlreadyCancelled(t *testing.T) {
	defer goleak.VerifyNone(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	w := newWorld()
	op := &fakeOperator{}
	run, err := newExecutor(t, op, w, newCheckpoints(w)).Execute(ctx, plan(step("a", schemas.ReadOnly, nil, nil)), nil)
	assert.ErrorIs(t, err, schemas.KindCancelled)
	assert.Empty(t, run.Results)
	assert.Empty(t, op.Ran())
}

func TestProgressEvents(t *testing.T) {
	defer goleak.VerifyNone(t)

	w := newWorld()
	op := &fakeOperator{actions: map[string]action{
		"chatty": func(_ context.Context, onLine func(string)) (platform.Result, error) {
			for i := 0; i < 20; i++ {
				onLine(fmt.Sprintf("[%d%%]", i*5))
			}
			w.set(storeHealthy, true)
			return platform.Result{ExitCode: 0}, nil
		},
	}}
	var (
		mu     sync.Mutex
		events []schemas.ProgressEvent
	)
	progress := func(ev schemas.ProgressEvent) {
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
	}
	run, err := newExecutor(t, op, w, newCheckpoints(w)).Execute(context.Background(), plan(step("chatty", schemas.ReadOnly, nil, []schemas.Condition{storeHealthy})), progress)
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	var statuses []schemas.StepStatus
	running := 0
	for _, ev := range events {
		assert.Equal(t, "chatty", ev.StepID)
		if ev.Status == schemas.StatusRunning {
			running++
		}
		if len(statuses) == 0 || statuses[len(statuses)-1] != ev.Status {
			statuses = append(statuses, ev.Status)
		}
	}
	assert.Equal(t, run.Results[0].Trace, statuses, "every transition is reported in order")
	// One transition event plus at most the limiter burst for output lines.
	assert.LessOrEqual(t, running, 1+execCfg().ProgressBurst)
	last := events[len(events)-1]
	assert.Equal(t, schemas.StatusSucceeded, last.Status)
	assert.Equal(t, "[95%]", last.LastLine)
	assert.Contains(t, run.Results[0].Output, "[50%]")
}

func TestTail(t *testing.T) {
	assert.Equal(t, "abc", tail("abc\n", 10))
	assert.Equal(t, "...def", tail("abcdef", 3))
}
