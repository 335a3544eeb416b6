package session

// EventType names an outbound session notification.
type EventType string

const (
	EventConnected    EventType = "connected"
	EventDisconnected EventType = "disconnected"
	EventError        EventType = "error"
	EventSpyState     EventType = "spyState"
)

// Notification is a structured event sent to one session.
type Notification struct {
	Event    EventType      `json:"event"`
	StreamID string         `json:"streamId"`
	Device   string         `json:"device,omitempty"`
	Error    string         `json:"error,omitempty"`
	Load     map[string]int `json:"load,omitempty"`
}

// Outbound is the channel towards the UI side of a session.
type Outbound interface {
	// Notify delivers a structured event to n.StreamID.
	Notify(n Notification) error
	// Stream delivers raw device bytes to the session's stream unchanged.
	Stream(session string, chunk []byte) error
}
