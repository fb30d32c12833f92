package engine

import "fmt"

// ValidationError reports malformed or out-of-range input.
type ValidationError struct {
	Msg string
}

func (e ValidationError) Error() string { return e.Msg }

func validationf(format string, args ...any) ValidationError {
	return ValidationError{Msg: fmt.Sprintf(format, args...)}
}

// StateConflictError reports an operation that the current stream status does
// not admit.
type StateConflictError struct {
	Msg string
}

func (e StateConflictError) Error() string { return e.Msg }

func conflictf(format string, args ...any) StateConflictError {
	return StateConflictError{Msg: fmt.Sprintf(format, args...)}
}

// StageMismatchError reports a proof submitted for a stage other than the one
// currently due.
type StageMismatchError struct {
	StreamID string
	Expected int
	Got      int
}

func (e StageMismatchError) Error() string {
	return fmt.Sprintf("stream %s expects proof for stage %d, got %d", e.StreamID, e.Expected, e.Got)
}

// CollaboratorError wraps a failure from an external service on which a
// mutation depended. Nothing was persisted for the failed step.
type CollaboratorError struct {
	Service string
	Op      string
	Err     error
}

func (e CollaboratorError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Service, e.Op, e.Err)
}

func (e CollaboratorError) Unwrap() error { return e.Err }
