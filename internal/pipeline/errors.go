package pipeline

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a stage failure for the job snapshot and the
// job-control surface. Kinds, not concrete types, are the contract.
type ErrorKind string

const (
	KindPrecondition  ErrorKind = "precondition"
	KindContract      ErrorKind = "contract"
	KindValidation    ErrorKind = "validation"
	KindTransport     ErrorKind = "provider_transport"
	KindTimeout       ErrorKind = "provider_timeout"
	KindPartial       ErrorKind = "partial_provider_failure"
	KindCancelled     ErrorKind = "cancelled"
	KindPersistence   ErrorKind = "persistence"
	KindConfiguration ErrorKind = "configuration"
	KindInternal      ErrorKind = "internal"
)

// StageError wraps a failure with the stage that produced it and its
// kind. The pipeline surfaces exactly one StageError per failed run.
type StageError struct {
	Stage string
	Kind  ErrorKind
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("stage %s: %s: %v", e.Stage, e.Kind, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// NewStageError builds a StageError, preserving the innermost kind when
// err is already classified.
func NewStageError(stage string, kind ErrorKind, err error) *StageError {
	var inner *StageError
	if errors.As(err, &inner) {
		kind = inner.Kind
	}
	return &StageError{Stage: stage, Kind: kind, Err: err}
}

// KindOf extracts the error kind, defaulting to internal.
func KindOf(err error) ErrorKind {
	var se *StageError
	if errors.As(err, &se) {
		return se.Kind
	}
	return KindInternal
}

// Classified wraps err with a kind without attributing it to a stage
// yet. Stages use it for provider and validation failures; the runtime
// attributes the stage on the way out.
func Classified(kind ErrorKind, format string, args ...any) error {
	return &StageError{Kind: kind, Err: fmt.Errorf(format, args...)}
}
