package device

import "context"

// Backend is the physical device transport.
type Backend interface {
	// OpenLogStream starts a log stream for the device with the given serial.
	OpenLogStream(ctx context.Context, serial string) (LogStream, error)
	// ListDevices enumerates the devices the backend can currently reach.
	ListDevices(ctx context.Context) ([]BackendDevice, error)
}

// LogStream is an open log stream. Next blocks until a record is available
// and returns io.EOF once the stream has ended. Close releases the stream and
// unblocks a pending Next.
type LogStream interface {
	Next() (Record, error)
	Close() error
}

// BackendDevice is a device as reported by the backend.
type BackendDevice struct {
	Serial string `json:"serial"`
	State  string `json:"state"`
}

// DeviceInfo is the device shape handed to sessions.
type DeviceInfo struct {
	Name string `json:"name"`
}
