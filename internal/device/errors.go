package device

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrValidation         = errors.New("invalid device options")
	ErrAlreadyOpen        = errors.New("device has already been opened")
	ErrNotOpen            = errors.New("device is not open")
	ErrCommandUnsupported = errors.New("sending commands to the device is not supported")
	ErrDeviceGone         = errors.New("device disconnected before it could be attached")

	// ErrUnknownBackendFailure is returned by backends whose call failed
	// without producing a cause of their own.
	ErrUnknownBackendFailure = errors.New("unknown backend failure")
)

// BackendError wraps a failure reported by the device backend. Op is "open"
// or "list".
type BackendError struct {
	Op     string
	Device string
	Err    error
}

func (e *BackendError) Error() string {
	var b strings.Builder
	b.WriteString("backend ")
	b.WriteString(e.Op)
	if e.Device != "" {
		fmt.Fprintf(&b, " %q", e.Device)
	}
	if e.Err == nil || errors.Is(e.Err, ErrUnknownBackendFailure) {
		b.WriteString(" failed due to an unknown error")
		return b.String()
	}
	b.WriteString(" failed: ")
	b.WriteString(e.Err.Error())
	return b.String()
}

func (e *BackendError) Unwrap() error { return e.Err }

// OpenFailedError is returned by the registry when a new controller could not
// be opened. The controller is discarded.
type OpenFailedError struct {
	Device string
	Err    error
}

func (e *OpenFailedError) Error() string {
	return fmt.Sprintf("failed to open device %q: %v", e.Device, e.Err)
}

func (e *OpenFailedError) Unwrap() error { return e.Err }

// ValidateIdentifier rejects empty or blank device identifiers.
func ValidateIdentifier(id string) error {
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("%w: device name should be a non-empty string", ErrValidation)
	}
	return nil
}
