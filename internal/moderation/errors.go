package moderation

import "errors"

var (
	ErrUnsupportedAction = errors.New("unsupported_action")
	ErrForbidden         = errors.New("forbidden")
	ErrInvalidMetadata   = errors.New("invalid_metadata")
	ErrTargetNotFound    = errors.New("target not found")
)

// TransitionError reports a transition that did not happen. Reason is the
// upstream message verbatim and is safe to return to the caller.
type TransitionError struct {
	Action string
	Reason string
	Err    error
}

func (e *TransitionError) Error() string { return e.Reason }

func (e *TransitionError) Unwrap() error { return e.Err }
