package schemas

import "time"

// Outcome summarizes a session for the operator.
type Outcome string

const (
	OutcomeRepaired          Outcome = "repaired"
	OutcomePartiallyRepaired Outcome = "partially-repaired"
	OutcomeNotRepaired       Outcome = "not-repaired"
	OutcomeBlocked           Outcome = "blocked"
	OutcomeCancelled         Outcome = "cancelled"
	OutcomeDiagnosedOnly     Outcome = "diagnosed-only"
)

// Abort records the failure that stopped a plan early.
type Abort struct {
	Kind   ErrorKind `json:"kind" yaml:"kind"`
	StepID string    `json:"step_id,omitempty" yaml:"step_id,omitempty"`
	Reason string    `json:"reason" yaml:"reason"`
}

// StillWrong is one problem known to remain after execution.
type StillWrong struct {
	Item   string `json:"item" yaml:"item"`
	Detail string `json:"detail" yaml:"detail"`
}

// Alternative is a repair template that was eligible but not executed.
type Alternative struct {
	TemplateID string `json:"template_id" yaml:"template_id"`
	Title      string `json:"title" yaml:"title"`
	Reason     string `json:"reason" yaml:"reason"`
}

// DriverMatch pairs one boot-critical device with its ranked candidates.
type DriverMatch struct {
	DeviceID    string            `json:"device_id" yaml:"device_id"`
	DriverState DriverState       `json:"driver_state" yaml:"driver_state"`
	Candidates  []DriverCandidate `json:"candidates" yaml:"candidates"`
}

// UnavailableEvidence names a category that could not be collected.
type UnavailableEvidence struct {
	Category Category `json:"category" yaml:"category"`
	Reason   string   `json:"reason" yaml:"reason"`
}

// RepairReport is the single persisted artifact of a session.
type RepairReport struct {
	SessionID      string                `json:"session_id" yaml:"session_id"`
	Target         TargetInstallation    `json:"target" yaml:"target"`
	GeneratedAt    time.Time             `json:"generated_at" yaml:"generated_at"`
	EvidenceDigest string                `json:"evidence_digest" yaml:"evidence_digest"`
	Unavailable    []UnavailableEvidence `json:"unavailable,omitempty" yaml:"unavailable,omitempty"`
	Assessment     StageAssessment       `json:"assessment" yaml:"assessment"`
	Drivers        []DriverMatch         `json:"drivers,omitempty" yaml:"drivers,omitempty"`
	Plan           RepairPlan            `json:"plan" yaml:"plan"`
	Results        []StepResult          `json:"results" yaml:"results"`
	Outcome        Outcome               `json:"outcome" yaml:"outcome"`
	Abort          *Abort                `json:"abort,omitempty" yaml:"abort,omitempty"`
	StillWrong     []StillWrong          `json:"still_wrong" yaml:"still_wrong"`
	Alternatives   []Alternative         `json:"alternatives" yaml:"alternatives"`
}
