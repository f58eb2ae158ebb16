package workflow

import "errors"

// Local guard errors. These are raised before any backend call is
// made; the machine's phase and session are untouched when one is
// returned. Backend-reported failures surface as
// *backend.CommandError instead.
var (
	// ErrNoActiveSession is returned by operations that require a
	// bound session when none exists.
	ErrNoActiveSession = errors.New("no active task session")

	// ErrInvalidTransition is returned when an operation is not legal
	// in the current phase.
	ErrInvalidTransition = errors.New("operation not valid in current phase")
)
