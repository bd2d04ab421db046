package client

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/j-be/autobim/pkg/calibration"
)

var (
	// ErrDaemonNotRunning is returned when the daemon is not running
	ErrDaemonNotRunning = errors.New("daemon not running")

	// ErrPermissionDenied is returned when the user does not have permission to perform the requested action
	ErrPermissionDenied = errors.New("permission denied")

	// ErrNotFound is returned when 404 is returned from the daemon
	ErrNotFound = errors.New("404 not found")
)

// daemonErrors can be matched against an APIError with errors.Is.
var daemonErrors = []error{
	calibration.ErrAlreadyRunning,
	calibration.ErrNotRunning,
	calibration.ErrUnknownCommand,
	calibration.ErrInvalidArgument,
	calibration.ErrRegistryFrozen,
	calibration.ErrHardwareCommunication,
	calibration.ErrProbeFailure,
}

// APIError is a non-2xx response of the daemon.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("got %d: %s", e.StatusCode, e.Message)
}

// Is matches ErrNotFound by status code and the calibration errors by the
// message the daemon reported.
func (e *APIError) Is(target error) bool {
	if target == ErrNotFound {
		return e.StatusCode == http.StatusNotFound
	}
	for _, de := range daemonErrors {
		if target == de {
			return strings.Contains(e.Message, de.Error())
		}
	}
	return false
}
