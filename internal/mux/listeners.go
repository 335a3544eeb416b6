package mux

// Listener is the callback bundle a session registers for one device.
type Listener struct {
	OnData       func(chunk []byte)
	OnError      func(err error)
	OnDisconnect func()
}

// Subscription identifies one (device, session) listener entry.
type Subscription struct {
	Device  string
	Session string
}

// listenerTable is a flat table of listeners keyed by (device, session) with
// secondary indexes by device (in registration order) and by session.
type listenerTable struct {
	entries   map[Subscription]Listener
	byDevice  map[string][]string
	bySession map[string]map[string]struct{}
}

func newListenerTable() *listenerTable {
	return &listenerTable{
		entries:   make(map[Subscription]Listener),
		byDevice:  make(map[string][]string),
		bySession: make(map[string]map[string]struct{}),
	}
}

// subscribe stores l for (device, session). An existing entry is replaced in
// place and keeps its delivery position.
func (t *listenerTable) subscribe(device, session string, l Listener) Subscription {
	key := Subscription{Device: device, Session: session}
	if _, ok := t.entries[key]; !ok {
		t.byDevice[device] = append(t.byDevice[device], session)
		devices := t.bySession[session]
		if devices == nil {
			devices = make(map[string]struct{})
			t.bySession[session] = devices
		}
		devices[device] = struct{}{}
	}
	t.entries[key] = l
	return key
}

// unsubscribe removes the entry and reports whether it existed.
func (t *listenerTable) unsubscribe(key Subscription) bool {
	if _, ok := t.entries[key]; !ok {
		return false
	}
	delete(t.entries, key)

	sessions := t.byDevice[key.Device]
	for i, s := range sessions {
		if s == key.Session {
			sessions = append(sessions[:i:i], sessions[i+1:]...)
			break
		}
	}
	if len(sessions) == 0 {
		delete(t.byDevice, key.Device)
	} else {
		t.byDevice[key.Device] = sessions
	}

	if devices := t.bySession[key.Session]; devices != nil {
		delete(devices, key.Device)
		if len(devices) == 0 {
			delete(t.bySession, key.Session)
		}
	}
	return true
}

// removeDevice drops every listener of device and returns the sessions that
// were listening.
func (t *listenerTable) removeDevice(device string) []string {
	sessions := append([]string(nil), t.byDevice[device]...)
	for _, s := range sessions {
		t.unsubscribe(Subscription{Device: device, Session: s})
	}
	return sessions
}

func (t *listenerTable) has(device string) bool {
	return len(t.byDevice[device]) > 0
}

func (t *listenerTable) count(device string) int {
	return len(t.byDevice[device])
}

// listeners returns the listeners of device in registration order.
func (t *listenerTable) listeners(device string) []Listener {
	sessions := t.byDevice[device]
	out := make([]Listener, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, t.entries[Subscription{Device: device, Session: s}])
	}
	return out
}

func (t *listenerTable) devicesOf(session string) []string {
	devices := t.bySession[session]
	out := make([]string, 0, len(devices))
	for d := range devices {
		out = append(out, d)
	}
	return out
}

func (t *listenerTable) clear() {
	clear(t.entries)
	clear(t.byDevice)
	clear(t.bySession)
}
