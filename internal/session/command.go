package session

import (
	"errors"

	"github.com/devicemux/backend/internal/device"
)

// Command names an inbound session command.
type Command string

const (
	CmdOpen     Command = "open"
	CmdClose    Command = "close"
	CmdList     Command = "list"
	CmdWrite    Command = "write"
	CmdSpyStart Command = "spyStart"
	CmdSpyStop  Command = "spyStop"
)

const (
	StatusDone = "done"
	StatusSent = "sent"
)

// Request is an inbound command addressed to a session.
type Request struct {
	Command Command
	Stream  string
	Token   string
	Device  string   // open, close, write
	Devices []string // spyStart, spyStop
	Payload string   // write
}

// Response is the single terminal reply to a Request. Error is set on
// failure, with Kind classifying it.
type Response struct {
	Status  string              `json:"status,omitempty"`
	Devices []device.DeviceInfo `json:"devices,omitempty"`
	Command Command             `json:"command,omitempty"`
	Error   string              `json:"error,omitempty"`
	Kind    string              `json:"kind,omitempty"`
}

// ErrorKind classifies err for responses.
func ErrorKind(err error) string {
	var be *device.BackendError
	var ofe *device.OpenFailedError
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNoSession):
		return "no_session"
	case errors.Is(err, ErrSessionClosed):
		return "session_closed"
	case errors.Is(err, device.ErrValidation):
		return "validation"
	case errors.Is(err, device.ErrAlreadyOpen):
		return "already_open"
	case errors.Is(err, device.ErrCommandUnsupported):
		return "unsupported"
	case errors.Is(err, device.ErrNotOpen):
		return "not_open"
	case errors.As(err, &ofe):
		return "open_failed"
	case errors.As(err, &be):
		return "backend_" + be.Op
	default:
		return "internal"
	}
}

func failure(cmd Command, err error) Response {
	return Response{Command: cmd, Error: err.Error(), Kind: ErrorKind(err)}
}
