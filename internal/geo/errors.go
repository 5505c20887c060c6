package geo

import (
	"context"
	"errors"
	"fmt"
)

// ErrorKind classifies why a position could not be acquired.
type ErrorKind int

const (
	PermissionDenied ErrorKind = iota + 1
	PositionUnavailable
	Timeout
)

func (k ErrorKind) String() string {
	switch k {
	case PermissionDenied:
		return "permission_denied"
	case PositionUnavailable:
		return "position_unavailable"
	case Timeout:
		return "timeout"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Message is the text shown to the user for this kind of failure.
func (k ErrorKind) Message() string {
	switch k {
	case PermissionDenied:
		return "Location permission was denied. Allow location access in your browser settings to find nearby facilities."
	case PositionUnavailable:
		return "Your location is currently unavailable. Check that location services are turned on."
	case Timeout:
		return "Finding your location took too long. Please try again."
	default:
		return "Could not determine your location."
	}
}

// KindFromCode maps a W3C GeolocationPositionError code (1, 2, 3) to a kind.
func KindFromCode(code int) (ErrorKind, bool) {
	switch code {
	case 1:
		return PermissionDenied, true
	case 2:
		return PositionUnavailable, true
	case 3:
		return Timeout, true
	}
	return 0, false
}

// LocationError is returned for every failed position lookup.
type LocationError struct {
	Kind ErrorKind
	Err  error
}

func (e *LocationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("location %s: %v", e.Kind, e.Err)
	}
	return "location " + e.Kind.String()
}

func (e *LocationError) Unwrap() error {
	return e.Err
}

// Message is the user-facing text for the error.
func (e *LocationError) Message() string {
	return e.Kind.Message()
}

// Classify folds an arbitrary locator failure into a LocationError.
// Deadline expiry becomes Timeout; anything unrecognised is PositionUnavailable.
func Classify(err error) *LocationError {
	if err == nil {
		return nil
	}
	var le *LocationError
	if errors.As(err, &le) {
		return le
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &LocationError{Kind: Timeout, Err: err}
	}
	return &LocationError{Kind: PositionUnavailable, Err: err}
}
