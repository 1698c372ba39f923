// File: api/schemas/repair.go
package schemas

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// ConditionCode is the closed enumeration of checkable system states used as
// step preconditions and postconditions.
type ConditionCode string

const (
	CondFileExists             ConditionCode = "file-exists"
	CondFileAbsent             ConditionCode = "file-absent"
	CondDriverEnabled          ConditionCode = "driver-enabled"
	CondDriverInstalled        ConditionCode = "driver-installed"
	CondDriverStaged           ConditionCode = "driver-staged"
	CondDriverPackageAvailable ConditionCode = "driver-package-available"
	CondBCDEntryValid          ConditionCode = "bcd-entry-valid"
	CondComponentStoreHealthy  ConditionCode = "component-store-healthy"
	CondSystemFilesIntact      ConditionCode = "system-files-intact"
	CondVolumeUnlocked         ConditionCode = "volume-unlocked"
	CondVolumeClean            ConditionCode = "volume-clean"
	CondPartitionFormatted     ConditionCode = "partition-formatted"
	CondHiveLoadable           ConditionCode = "hive-loadable"
)

var conditionCodes = []ConditionCode{
	CondFileExists,
	CondFileAbsent,
	CondDriverEnabled,
	CondDriverInstalled,
	CondDriverStaged,
	CondDriverPackageAvailable,
	CondBCDEntryValid,
	CondComponentStoreHealthy,
	CondSystemFilesIntact,
	CondVolumeUnlocked,
	CondVolumeClean,
	CondPartitionFormatted,
	CondHiveLoadable,
}

// ConditionCodes returns every known condition code.
func ConditionCodes() []ConditionCode {
	out := make([]ConditionCode, len(conditionCodes))
	copy(out, conditionCodes)
	return out
}

// Valid reports whether the code is part of the closed enumeration.
func (c ConditionCode) Valid() bool {
	for _, known := range conditionCodes {
		if known == c {
			return true
		}
	}
	return false
}

// Condition is a concrete, checkable statement about the target, such as
// "driver-enabled:iaStorVD".
type Condition struct {
	Code ConditionCode `json:"code" yaml:"code"`
	Arg  string        `json:"arg,omitempty" yaml:"arg,omitempty"`
}

func (c Condition) String() string {
	if c.Arg == "" {
		return string(c.Code)
	}
	return string(c.Code) + ":" + c.Arg
}

// Key is the comparison key used when matching postconditions against
// preconditions. Arguments compare case-insensitively.
func (c Condition) Key() string {
	return string(c.Code) + ":" + strings.ToLower(c.Arg)
}

// ParseCondition parses the "code[:arg]" form. Only the first colon separates
// the code, so arguments may contain drive letters.
func ParseCondition(s string) (Condition, error) {
	code, arg, _ := strings.Cut(strings.TrimSpace(s), ":")
	c := Condition{Code: ConditionCode(code), Arg: arg}
	if !c.Code.Valid() {
		return Condition{}, fmt.Errorf("unknown condition code %q", code)
	}
	return c, nil
}

// OperationKind is the closed enumeration of operations a step can invoke.
type OperationKind string

const (
	OpRegistrySetStart  OperationKind = "registry-set-start"
	OpDismAddDriver     OperationKind = "dism-add-driver"
	OpBCDBoot           OperationKind = "bcdboot"
	OpDismRestoreHealth OperationKind = "dism-restore-health"
	OpSFCOffline        OperationKind = "sfc-offline"
	OpChkdsk            OperationKind = "chkdsk"
	OpFormatFAT32       OperationKind = "format-fat32"
	OpCopyFile          OperationKind = "copy-file"
	OpDismRevertPending OperationKind = "dism-revert-pending"
	OpBlocked           OperationKind = "blocked"
)

var operationParams = map[OperationKind][]string{
	OpRegistrySetStart:  {"service", "control_set", "system_hive"},
	OpDismAddDriver:     {"inf", "os_root"},
	OpBCDBoot:           {"windows", "system_partition"},
	OpDismRestoreHealth: {"os_root"},
	OpSFCOffline:        {"os_root", "windows"},
	OpChkdsk:            {"volume"},
	OpFormatFAT32:       {"system_partition"},
	OpCopyFile:          {"source", "dest"},
	OpDismRevertPending: {"os_root"},
	OpBlocked:           {"volume"},
}

// Valid reports whether the kind is part of the closed enumeration.
func (o OperationKind) Valid() bool {
	_, ok := operationParams[o]
	return ok
}

// ParamKeys lists the bound parameters the operation consumes. They define the
// operation's effect for deduplication.
func (o OperationKind) ParamKeys() []string {
	keys := operationParams[o]
	out := make([]string, len(keys))
	copy(out, keys)
	return out
}

// Destructiveness ranks how much a step changes the target.
type Destructiveness int

const (
	ReadOnly Destructiveness = iota
	RegistryEdit
	FileReplace
	PartitionFormat
)

var destructivenessNames = map[Destructiveness]string{
	ReadOnly:        "read-only",
	RegistryEdit:    "registry",
	FileReplace:     "file",
	PartitionFormat: "partition",
}

func (d Destructiveness) String() string {
	if s, ok := destructivenessNames[d]; ok {
		return s
	}
	return fmt.Sprintf("destructiveness(%d)", int(d))
}

// ParseDestructiveness resolves a catalog name such as "registry".
func ParseDestructiveness(s string) (Destructiveness, error) {
	for d, name := range destructivenessNames {
		if name == s {
			return d, nil
		}
	}
	return 0, fmt.Errorf("unknown destructiveness %q", s)
}

// MarshalText renders the catalog name.
func (d Destructiveness) MarshalText() ([]byte, error) { return []byte(d.String()), nil }

// UnmarshalText parses the catalog name.
func (d *Destructiveness) UnmarshalText(b []byte) error {
	v, err := ParseDestructiveness(string(b))
	if err != nil {
		return err
	}
	*d = v
	return nil
}

// TimeoutClass selects the mandatory timeout bound of an external operation.
type TimeoutClass string

const (
	TimeoutShort TimeoutClass = "short"
	TimeoutLong  TimeoutClass = "long"
)

// CheckpointKind selects how a checkpoint entry is captured.
type CheckpointKind string

const (
	CheckpointFile     CheckpointKind = "file"
	CheckpointRegistry CheckpointKind = "registry"
)

// CheckpointTarget is one thing to snapshot before a destructive step.
type CheckpointTarget struct {
	Kind CheckpointKind `json:"kind" yaml:"kind"`
	Path string         `json:"path" yaml:"path"`
}

// RepairStep is one bound unit of work in a plan.
type RepairStep struct {
	ID              string             `json:"id" yaml:"id"`
	TemplateID      string             `json:"template_id" yaml:"template_id"`
	BlueprintID     string             `json:"blueprint_id" yaml:"blueprint_id"`
	Description     string             `json:"description" yaml:"description"`
	Operation       OperationKind      `json:"operation" yaml:"operation"`
	Params          map[string]string  `json:"params,omitempty" yaml:"params,omitempty"`
	Pre             []Condition        `json:"pre,omitempty" yaml:"pre,omitempty"`
	Post            []Condition        `json:"post,omitempty" yaml:"post,omitempty"`
	Destructiveness Destructiveness    `json:"destructiveness" yaml:"destructiveness"`
	Tier            int                `json:"tier" yaml:"tier"`
	Timeout         TimeoutClass       `json:"timeout" yaml:"timeout"`
	Checkpoint      []CheckpointTarget `json:"checkpoint,omitempty" yaml:"checkpoint,omitempty"`
	Fallback        *RepairStep        `json:"fallback,omitempty" yaml:"fallback,omitempty"`
	RetryPrimary    bool               `json:"retry_primary,omitempty" yaml:"retry_primary,omitempty"`
	Blocked         bool               `json:"blocked,omitempty" yaml:"blocked,omitempty"`
}

// Destructive reports whether the step requires a checkpoint first.
func (s RepairStep) Destructive() bool {
	return s.Destructiveness > ReadOnly
}

// EffectKey identifies what the step does, independent of which template
// proposed it.
func (s RepairStep) EffectKey() string {
	keys := make([]string, 0, len(s.Params))
	for _, k := range s.Operation.ParamKeys() {
		if v, ok := s.Params[k]; ok {
			keys = append(keys, k+"="+strings.ToLower(v))
		}
	}
	sort.Strings(keys)
	return string(s.Operation) + "(" + strings.Join(keys, ",") + ")"
}

// RepairPlan is the merged, ordered sequence of steps for one session.
type RepairPlan struct {
	SessionID string       `json:"session_id" yaml:"session_id"`
	TargetID  string       `json:"target_id" yaml:"target_id"`
	Stage     Stage        `json:"stage" yaml:"stage"`
	Steps     []RepairStep `json:"steps" yaml:"steps"`
	Templates []string     `json:"templates" yaml:"templates"`
	Blocked   bool         `json:"blocked" yaml:"blocked"`
	Notes     []string     `json:"notes,omitempty" yaml:"notes,omitempty"`
	Digest    string       `json:"digest" yaml:"digest"`
}

// HasDestructive reports whether any step or fallback would modify the target.
func (p RepairPlan) HasDestructive() bool {
	for _, s := range p.Steps {
		for cur := &s; cur != nil; cur = cur.Fallback {
			if cur.Destructive() {
				return true
			}
		}
	}
	return false
}

// StepStatus is a state in the per-step execution state machine.
type StepStatus string

const (
	StatusPending               StepStatus = "Pending"
	StatusPreconditionChecked   StepStatus = "PreconditionChecked"
	StatusSkipped               StepStatus = "Skipped"
	StatusCheckpointCreated     StepStatus = "CheckpointCreated"
	StatusRunning               StepStatus = "Running"
	StatusPostconditionVerified StepStatus = "PostconditionVerified"
	StatusSucceeded             StepStatus = "Succeeded"
	StatusFailed                StepStatus = "Failed"
)

var stepTransitions = map[StepStatus][]StepStatus{
	StatusPending:               {StatusPreconditionChecked, StatusFailed},
	StatusPreconditionChecked:   {StatusSkipped, StatusCheckpointCreated, StatusRunning, StatusFailed},
	StatusCheckpointCreated:     {StatusRunning, StatusFailed},
	StatusRunning:               {StatusPostconditionVerified, StatusFailed},
	StatusPostconditionVerified: {StatusSucceeded},
}

// CanTransition reports whether the state machine allows from -> to.
// Non-destructive steps go straight from PreconditionChecked to Running.
func CanTransition(from, to StepStatus) bool {
	for _, next := range stepTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal reports whether the status ends a step attempt.
func (s StepStatus) Terminal() bool {
	return s == StatusSkipped || s == StatusSucceeded || s == StatusFailed
}

// RollbackOutcome records an attempt to restore a checkpoint.
type RollbackOutcome struct {
	Attempted bool   `json:"attempted" yaml:"attempted"`
	Succeeded bool   `json:"succeeded" yaml:"succeeded"`
	Detail    string `json:"detail,omitempty" yaml:"detail,omitempty"`
}

// StepResult is the verified outcome of one attempt at one step.
type StepResult struct {
	StepID                string           `json:"step_id" yaml:"step_id"`
	TemplateID            string           `json:"template_id" yaml:"template_id"`
	Tier                  int              `json:"tier" yaml:"tier"`
	Attempt               int              `json:"attempt" yaml:"attempt"`
	Operation             OperationKind    `json:"operation" yaml:"operation"`
	Status                StepStatus       `json:"status" yaml:"status"`
	Trace                 []StepStatus     `json:"trace" yaml:"trace"`
	Failure               ErrorKind        `json:"failure,omitempty" yaml:"failure,omitempty"`
	Reason                string           `json:"reason,omitempty" yaml:"reason,omitempty"`
	Output                string           `json:"output,omitempty" yaml:"output,omitempty"`
	ExitCode              int              `json:"exit_code" yaml:"exit_code"`
	Elapsed               time.Duration    `json:"elapsed" yaml:"elapsed"`
	PostconditionVerified bool             `json:"postcondition_verified" yaml:"postcondition_verified"`
	Verified              []Condition      `json:"verified,omitempty" yaml:"verified,omitempty"`
	CheckpointID          string           `json:"checkpoint_id,omitempty" yaml:"checkpoint_id,omitempty"`
	Rollback              *RollbackOutcome `json:"rollback,omitempty" yaml:"rollback,omitempty"`
	StartedAt             time.Time        `json:"started_at" yaml:"started_at"`
}

// Succeeded reports whether the attempt left the step's postconditions true.
func (r StepResult) Succeeded() bool {
	return r.Status == StatusSucceeded || r.Status == StatusSkipped
}

// CheckpointState tracks a checkpoint's lifecycle.
type CheckpointState string

const (
	CheckpointActive    CheckpointState = "active"
	CheckpointRestored  CheckpointState = "restored"
	CheckpointDiscarded CheckpointState = "discarded"
)

// CheckpointEntry is one captured artifact.
type CheckpointEntry struct {
	Kind   CheckpointKind `json:"kind" yaml:"kind"`
	Source string         `json:"source" yaml:"source"`
	Backup string         `json:"backup,omitempty" yaml:"backup,omitempty"`
	SHA256 string         `json:"sha256,omitempty" yaml:"sha256,omitempty"`
	IsDir  bool           `json:"is_dir,omitempty" yaml:"is_dir,omitempty"`
	Absent bool           `json:"absent,omitempty" yaml:"absent,omitempty"`
}

// Checkpoint is a pre-change snapshot enabling rollback of one step.
type Checkpoint struct {
	ID        string            `json:"id" yaml:"id"`
	SessionID string            `json:"session_id" yaml:"session_id"`
	TargetID  string            `json:"target_id" yaml:"target_id"`
	StepID    string            `json:"step_id" yaml:"step_id"`
	Dir       string            `json:"dir" yaml:"dir"`
	Entries   []CheckpointEntry `json:"entries" yaml:"entries"`
	State     CheckpointState   `json:"state" yaml:"state"`
	CreatedAt time.Time         `json:"created_at" yaml:"created_at"`
}

// ProgressEvent is emitted by the executor on state transitions and while an
// operation is running.
type ProgressEvent struct {
	StepID   string        `json:"step_id"`
	Tier     int           `json:"tier"`
	Status   StepStatus    `json:"status"`
	Elapsed  time.Duration `json:"elapsed"`
	LastLine string        `json:"last_line,omitempty"`
	Time     time.Time     `json:"time"`
}

// ProgressFunc receives progress events. Implementations must not block.
type ProgressFunc func(ProgressEvent)
