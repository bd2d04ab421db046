package calibration

import "errors"

// Command-validation and lifecycle errors. They are reported synchronously
// to the caller and never change session state.
var (
	ErrAlreadyRunning  = errors.New("already running")
	ErrNotRunning      = errors.New("calibration not running")
	ErrUnknownCommand  = errors.New("unknown command")
	ErrInvalidArgument = errors.New("invalid argument")
	ErrRegistryFrozen  = errors.New("probe points cannot change while a calibration is running")
)

// Session errors.
var (
	// ErrProbeFailure marks a single probe that did not produce a usable height.
	ErrProbeFailure = errors.New("probe failure")
	// ErrFailureBudgetExceeded ends a session after too many consecutive probe failures.
	ErrFailureBudgetExceeded = &wrapped{"consecutive probe failure budget exceeded", ErrProbeFailure}
	// ErrHardwareCommunication is fatal to the current session.
	ErrHardwareCommunication = errors.New("hardware communication error")
	// ErrAborted is the terminal reason of a user-requested abort.
	ErrAborted = errors.New("aborted")
)

type wrapped struct {
	msg   string
	inner error
}

func (e *wrapped) Error() string { return e.msg }
func (e *wrapped) Unwrap() error { return e.inner }

// IsClientError reports whether err was caused by the caller rather than by
// the printer or the calibration itself.
func IsClientError(err error) bool {
	return errors.Is(err, ErrUnknownCommand) || errors.Is(err, ErrInvalidArgument)
}

// IsConflict reports whether err was caused by the current session state.
func IsConflict(err error) bool {
	return errors.Is(err, ErrAlreadyRunning) || errors.Is(err, ErrNotRunning) || errors.Is(err, ErrRegistryFrozen)
}
