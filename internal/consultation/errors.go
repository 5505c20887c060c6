package consultation

import (
	"errors"
	"fmt"
)

var (
	ErrValidation        = errors.New("validation failed")
	ErrLocationRequired  = errors.New("location required")
	ErrBusy              = errors.New("operation already in progress")
	ErrStale             = errors.New("consultation is no longer current")
	ErrInvalidTransition = errors.New("invalid transition")
	ErrNotFound          = errors.New("consultation not found")
)

// ValidationError is a local form check failure. It never reaches the network.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// TransitionError reports an action that is not allowed in the current step.
type TransitionError struct {
	From   Step
	Action string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("cannot %s from %s", e.Action, e.From)
}

func (e *TransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}

// AnalysisError wraps a failed analysis call. The workflow is back at
// SYMPTOM_INPUT when it is returned.
type AnalysisError struct {
	Err error
}

func (e *AnalysisError) Error() string {
	return "analysis failed: " + e.Err.Error()
}

func (e *AnalysisError) Unwrap() error {
	return e.Err
}

// FeedbackError wraps a failed feedback call. The form stays open.
type FeedbackError struct {
	Err error
}

func (e *FeedbackError) Error() string {
	return "feedback failed: " + e.Err.Error()
}

func (e *FeedbackError) Unwrap() error {
	return e.Err
}
