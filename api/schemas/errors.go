// File: api/schemas/errors.go
package schemas

import (
	"errors"
	"fmt"
)

// ErrorKind is the closed taxonomy of engine failures. Each kind is itself an
// error so callers can test with errors.Is(err, schemas.KindBlocked).
type ErrorKind string

const (
	KindEvidenceUnavailable        ErrorKind = "EvidenceUnavailable"
	KindClassificationInconclusive ErrorKind = "ClassificationInconclusive"
	KindPreconditionUnmet          ErrorKind = "PreconditionUnmet"
	KindOperationFailed            ErrorKind = "OperationFailed"
	KindVerificationFailed         ErrorKind = "VerificationFailed"
	KindBlocked                    ErrorKind = "Blocked"
	KindRollbackFailed             ErrorKind = "RollbackFailed"
	KindCancelled                  ErrorKind = "Cancelled"
)

func (k ErrorKind) Error() string { return string(k) }

// Aborts reports whether a failure of this kind terminates the remaining plan.
func (k ErrorKind) Aborts() bool {
	return k == KindBlocked || k == KindRollbackFailed
}

// EngineError carries a failure kind together with the operation and step that
// produced it.
type EngineError struct {
	Kind ErrorKind
	Op   string
	Step string
	Err  error
}

// NewError builds an EngineError. err may be nil.
func NewError(kind ErrorKind, op, step string, err error) *EngineError {
	return &EngineError{Kind: kind, Op: op, Step: step, Err: err}
}

func (e *EngineError) Error() string {
	msg := string(e.Kind)
	if e.Op != "" {
		msg = fmt.Sprintf("%s: %s", e.Op, msg)
	}
	if e.Step != "" {
		msg = fmt.Sprintf("%s (step %s)", msg, e.Step)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

// Unwrap exposes both the kind and the underlying cause.
func (e *EngineError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// KindOf extracts the failure kind from an error chain.
func KindOf(err error) (ErrorKind, bool) {
	var ee *EngineError
	if errors.As(err, &ee) {
		return ee.Kind, true
	}
	var k ErrorKind
	if errors.As(err, &k) {
		return k, true
	}
	return "", false
}
