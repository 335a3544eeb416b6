package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devicemux/backend/internal/device"
	"github.com/devicemux/backend/internal/mux"
)

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	require.Eventually(t, cond, 2*time.Second, 5*time.Millisecond, msg)
}

func TestController_DataIsStreamedToEverySession(t *testing.T) {
	m, _, backend, out := newLiveManager(t)
	m.OpenSession("s1")
	m.OpenSession("s2")
	mustOpen(t, m, "s1", "dev")
	mustOpen(t, m, "s2", "dev")
	assert.Equal(t, 1, backend.Opens("dev"))

	ts := time.Date(2024, 3, 1, 9, 30, 0, 0, time.UTC)
	backend.Stream("dev").Emit(device.Record{Timestamp: ts, PID: 7, TID: 8, Priority: device.PriorityInfo, Tag: "T", Message: "up"})

	want := "2024-03-01T09:30:00.000Z 7 8 I T: up\r\n"
	waitFor(t, func() bool { return len(out.streamed("s2")) == 1 }, "s2 received chunk")
	assert.Equal(t, []string{want}, out.streamed("s1"))
	assert.Equal(t, []string{want}, out.streamed("s2"))
}

func TestController_DisconnectNotifiesAndForgets(t *testing.T) {
	m, registry, backend, out := newLiveManager(t)
	c := m.OpenSession("s1")
	mustOpen(t, m, "s1", "dev")

	backend.Stream("dev").End()

	n := out.next(t, EventDisconnected)
	assert.Equal(t, "s1", n.StreamID)
	assert.Equal(t, "dev", n.Device)
	waitFor(t, func() bool { return len(c.Devices()) == 0 }, "device forgotten")
	waitFor(t, func() bool { return len(registry.Snapshot()) == 0 }, "controller removed")
}

func TestController_ErrorNotifiesEverySession(t *testing.T) {
	m, registry, backend, out := newLiveManager(t)
	m.OpenSession("s1")
	m.OpenSession("s2")
	mustOpen(t, m, "s1", "dev")
	mustOpen(t, m, "s2", "dev")

	backend.Stream("dev").Fail(errors.New("usb reset"))

	got := map[string]string{}
	for i := 0; i < 2; i++ {
		n := out.next(t, EventError)
		got[n.StreamID] = n.Error
	}
	assert.Equal(t, map[string]string{"s1": "usb reset", "s2": "usb reset"}, got)
	waitFor(t, func() bool { return len(registry.Snapshot()) == 0 }, "controller removed")
	assert.Equal(t, 1, backend.Stream("dev").Closes())
}

func TestController_CloseReleasesOnlyItsReference(t *testing.T) {
	m, registry, backend, _ := newLiveManager(t)
	c1 := m.OpenSession("s1")
	m.OpenSession("s2")
	mustOpen(t, m, "s1", "dev")
	mustOpen(t, m, "s2", "dev")

	require.NoError(t, c1.Close("dev"))
	assert.Empty(t, c1.Devices())
	assert.Equal(t, 1, registry.Snapshot()["dev"].Connections)
	assert.Zero(t, backend.Stream("dev").Closes())

	m.CloseSession("s2")
	assert.Empty(t, registry.Snapshot())
	assert.Equal(t, 1, backend.Stream("dev").Closes())
}

func TestController_CloseUnknownDeviceSucceeds(t *testing.T) {
	m, _, _, _ := newLiveManager(t)
	c := m.OpenSession("s1")

	assert.NoError(t, c.Close("never-opened"))
}

func TestController_SpyReportsAccumulatedLoad(t *testing.T) {
	m, _, backend, out := newLiveManager(t)
	c := m.OpenSession("s1")
	require.NoError(t, c.SpyStart(testContext(t), []OpenOptions{{Device: "a"}, {Device: "b"}}))

	rec := device.Record{Tag: "T", Message: "m"}
	size := len(rec.Format())
	backend.Stream("a").Emit(rec)
	first := out.next(t, EventSpyState)
	assert.Equal(t, map[string]int{"a": size}, first.Load)

	backend.Stream("a").Emit(rec)
	second := out.next(t, EventSpyState)
	assert.Equal(t, map[string]int{"a": 2 * size}, second.Load)
	assert.Empty(t, out.streamed("s1"), "spied bytes are not streamed")
}

func TestController_SpySharesWildcardConnection(t *testing.T) {
	m, registry, backend, _ := newLiveManager(t)
	c1 := m.OpenSession("s1")
	c2 := m.OpenSession("s2")
	mustOpen(t, m, "s1", "dev")

	require.NoError(t, c1.SpyStart(testContext(t), []OpenOptions{{Device: "dev"}}))
	require.NoError(t, c2.SpyStart(testContext(t), []OpenOptions{{Device: "dev"}}))

	// s1 plus one wildcard entry shared by both spies.
	assert.Equal(t, 2, registry.Snapshot()["dev"].Connections)
	assert.Equal(t, 1, backend.Opens("dev"))

	require.NoError(t, c2.SpyStop([]OpenOptions{{Device: "dev"}}))
	assert.Equal(t, 1, registry.Snapshot()["dev"].Connections)
}

func TestController_SpyStartOpenFailure(t *testing.T) {
	m, _, backend, _ := newLiveManager(t)
	c := m.OpenSession("s1")
	backend.FailOpen("bad", errors.New("offline"))

	err := c.SpyStart(testContext(t), []OpenOptions{{Device: "ok"}, {Device: "bad"}})
	require.Error(t, err)

	var ofe *device.OpenFailedError
	assert.ErrorAs(t, err, &ofe)
}

func TestController_DestroyReleasesSpyReferences(t *testing.T) {
	m, registry, _, _ := newLiveManager(t)
	c := m.OpenSession("s1")
	require.NoError(t, c.SpyStart(testContext(t), []OpenOptions{{Device: "a"}}))
	mustOpen(t, m, "s1", "b")
	require.Len(t, registry.Snapshot(), 2)

	c.Destroy()

	assert.Empty(t, registry.Snapshot())
	assert.Empty(t, c.Devices())
}

func TestController_OpenIsIdempotentPerDevice(t *testing.T) {
	m, registry, backend, out := newLiveManager(t)
	m.OpenSession("s1")
	mustOpen(t, m, "s1", "dev")
	mustOpen(t, m, "s1", "dev")

	assert.Equal(t, 1, backend.Opens("dev"))
	assert.Equal(t, 1, registry.Snapshot()["dev"].Connections)
	out.next(t, EventConnected)
	out.next(t, EventConnected)
}

func TestController_SpyStopKeepsOwnReference(t *testing.T) {
	m, registry, _, _ := newLiveManager(t)
	c := m.OpenSession("s1")
	mustOpen(t, m, "s1", "dev")
	require.NoError(t, c.SpyStart(testContext(t), []OpenOptions{{Device: "dev"}}))
	assert.Equal(t, 2, registry.Snapshot()["dev"].Connections)

	require.NoError(t, c.SpyStop([]OpenOptions{{Device: "dev"}}))
	assert.Equal(t, []string{"dev"}, c.Devices())
	assert.Equal(t, 1, registry.Snapshot()["dev"].Connections)

	m.CloseSession("s1")
	assert.Empty(t, registry.Snapshot(), "closed session still references dev")
}

func TestController_OpenCompletingAfterDestroyIsReleased(t *testing.T) {
	m, registry, backend, _ := newLiveManager(t)
	c := m.OpenSession("s1")
	gate := backend.Gate()

	done := make(chan error, 1)
	go func() { done <- c.Open(context.Background(), OpenOptions{Device: "dev"}) }()
	waitFor(t, func() bool { return backend.Opens("dev") == 1 }, "open reached the backend")

	m.CloseSession("s1")
	close(gate)

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrSessionClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("open did not return")
	}
	assert.Empty(t, registry.Snapshot())
	assert.Empty(t, c.Devices())
}

func TestController_SpyStartCompletingAfterDestroyIsReleased(t *testing.T) {
	m, registry, backend, _ := newLiveManager(t)
	c := m.OpenSession("s1")
	gate := backend.Gate()

	done := make(chan error, 1)
	go func() { done <- c.SpyStart(context.Background(), []OpenOptions{{Device: "dev"}}) }()
	waitFor(t, func() bool { return backend.Opens("dev") == 1 }, "spy open reached the backend")

	m.CloseSession("s1")
	close(gate)

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrSessionClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("spy start did not return")
	}
	assert.Empty(t, registry.Snapshot())
}

func TestController_OpenAfterDestroy(t *testing.T) {
	m, registry, backend, _ := newLiveManager(t)
	c := m.OpenSession("s1")
	c.Destroy()

	assert.ErrorIs(t, c.Open(testContext(t), OpenOptions{Device: "dev"}), ErrSessionClosed)
	assert.ErrorIs(t, c.SpyStart(testContext(t), []OpenOptions{{Device: "dev"}}), ErrSessionClosed)
	assert.Zero(t, backend.Opens("dev"))
	assert.Empty(t, registry.Snapshot())
}

var _ DeviceRefs = (*mux.Registry)(nil)
