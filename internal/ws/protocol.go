package ws

import (
	"github.com/devicemux/backend/internal/mux"
	"github.com/devicemux/backend/internal/session"
)

type MessageType string

const (
	MsgHello    MessageType = "hello"
	MsgResponse MessageType = "response"
	MsgEvent    MessageType = "event"
	MsgState    MessageType = "state"
	MsgError    MessageType = "error"
)

// WSMessage is the envelope of every text frame sent to clients. Device
// chunks travel as binary frames without an envelope.
type WSMessage struct {
	Type    MessageType `json:"type"`
	ID      string      `json:"id,omitempty"`
	Payload interface{} `json:"payload"`
}

type HelloPayload struct {
	Session string `json:"session"`
}

type StatePayload struct {
	StreamID string             `json:"streamId"`
	Token    string             `json:"token"`
	State    mux.AggregateState `json:"state"`
}

type ErrorPayload struct {
	Error string `json:"error"`
}

// CommandMessage is a command sent by a client. Its session is the one the
// connection is bound to.
type CommandMessage struct {
	ID      string          `json:"id"`
	Command session.Command `json:"command"`
	Token   string          `json:"token,omitempty"`
	Data    CommandData     `json:"data"`
}

type CommandData struct {
	Device  string   `json:"device,omitempty"`
	Devices []string `json:"devices,omitempty"`
	Command string   `json:"command,omitempty"`
}

func (m CommandMessage) request(sessionID string) session.Request {
	return session.Request{
		Command: m.Command,
		Stream:  sessionID,
		Token:   m.Token,
		Device:  m.Data.Device,
		Devices: m.Data.Devices,
		Payload: m.Data.Command,
	}
}
