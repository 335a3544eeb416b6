package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/devicemux/backend/internal/device"
	"github.com/devicemux/backend/internal/device/devicetest"
	"github.com/devicemux/backend/internal/mux"
)

type stubRefs struct{ mock.Mock }

func (s *stubRefs) Ref(ctx context.Context, session, id string, l mux.Listener) error {
	return s.Called(ctx, session, id, l).Error(0)
}
func (s *stubRefs) Unref(session, id string)              { s.Called(session, id) }
func (s *stubRefs) Write(id string, command []byte) error { return s.Called(id, command).Error(0) }
func (s *stubRefs) SetToken(token string)                 { s.Called(token) }
func (s *stubRefs) ListAvailableDevices(ctx context.Context) ([]device.DeviceInfo, error) {
	ret := s.Called(ctx)
	var devices []device.DeviceInfo
	if ret.Get(0) != nil {
		devices = ret.Get(0).([]device.DeviceInfo)
	}
	return devices, ret.Error(1)
}

type recordingOutbound struct {
	mu     sync.Mutex
	notes  []Notification
	chunks map[string][]string
	events chan Notification
}

func newRecordingOutbound() *recordingOutbound {
	return &recordingOutbound{
		chunks: make(map[string][]string),
		events: make(chan Notification, 64),
	}
}

func (o *recordingOutbound) Notify(n Notification) error {
	o.mu.Lock()
	o.notes = append(o.notes, n)
	o.mu.Unlock()
	o.events <- n
	return nil
}

func (o *recordingOutbound) Stream(session string, chunk []byte) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.chunks[session] = append(o.chunks[session], string(chunk))
	return nil
}

func (o *recordingOutbound) streamed(session string) []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.chunks[session]...)
}

func (o *recordingOutbound) next(t *testing.T, want EventType) Notification {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case n := <-o.events:
			if n.Event == want {
				return n
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s notification", want)
		}
	}
}

// newLiveManager wires a manager to a real registry over a fake backend.
func newLiveManager(t *testing.T) (*Manager, *mux.Registry, *devicetest.Backend, *recordingOutbound) {
	t.Helper()
	backend := devicetest.NewBackend()
	registry := mux.NewRegistry(backend, nil, mux.Options{Debounce: time.Hour})
	t.Cleanup(registry.Close)
	out := newRecordingOutbound()
	return NewManager(registry, out, nil), registry, backend, out
}

func mustOpen(t *testing.T, m *Manager, session, dev string) {
	t.Helper()
	resp, ok := m.Dispatch(context.Background(), Request{Command: CmdOpen, Stream: session, Device: dev})
	require.True(t, ok)
	require.Empty(t, resp.Error)
	require.Equal(t, StatusDone, resp.Status)
}

// testContext mirrors testing.T.Context (Go 1.24+): a context canceled when
// the test finishes.
func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return ctx
}
