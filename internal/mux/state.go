package mux

import "github.com/devicemux/backend/internal/device"

// DeviceState is the aggregate view of one live device.
type DeviceState struct {
	Connections int            `json:"connections"`
	IOState     device.IOState `json:"ioState"`
}

// AggregateState maps device identifiers to their state.
type AggregateState map[string]DeviceState

// StateNotification is the payload of a state broadcast.
type StateNotification struct {
	Token string
	State AggregateState
}

// StateSink receives state broadcasts. It must not block.
type StateSink interface {
	BroadcastState(n StateNotification)
}
