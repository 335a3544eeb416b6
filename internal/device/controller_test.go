package device_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devicemux/backend/internal/device"
	"github.com/devicemux/backend/internal/device/devicetest"
)

type recordingHandler struct {
	data        chan []byte
	errs        chan error
	disconnects chan bool // controller closed state at event time
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{
		data:        make(chan []byte, 16),
		errs:        make(chan error, 4),
		disconnects: make(chan bool, 4),
	}
}

func (h *recordingHandler) HandleData(_ *device.Controller, chunk []byte) { h.data <- chunk }
func (h *recordingHandler) HandleError(_ *device.Controller, err error)   { h.errs <- err }
func (h *recordingHandler) HandleDisconnect(c *device.Controller)         { h.disconnects <- c.IsClosed() }

func openController(t *testing.T, id string) (*device.Controller, *devicetest.Backend, *recordingHandler) {
	t.Helper()
	backend := devicetest.NewBackend()
	h := newRecordingHandler()
	c := device.NewController(id, backend, h, nil)
	require.NoError(t, c.Open(context.Background()))
	return c, backend, h
}

func TestRecordFormat(t *testing.T) {
	ts := time.Date(2024, 1, 2, 3, 4, 5, 678_000_000, time.UTC)
	rec := device.Record{Timestamp: ts, PID: 10, TID: 20, Priority: 6, Tag: "X", Message: "hello"}

	assert.Equal(t, "2024-01-02T03:04:05.678Z 10 20 E X: hello\r\n", string(rec.Format()))
}

func TestRecordFormat_ConvertsToUTC(t *testing.T) {
	loc := time.FixedZone("UTC+2", 2*60*60)
	rec := device.Record{Timestamp: time.Date(2024, 1, 2, 5, 0, 0, 0, loc), Priority: device.PriorityInfo, Tag: "T"}

	assert.Equal(t, "2024-01-02T03:00:00.000Z 0 0 I T: \r\n", string(rec.Format()))
}

func TestPriorityChar(t *testing.T) {
	tests := []struct {
		priority device.Priority
		want     string
	}{
		{0, "UNKNOWN"},
		{1, "DEFAULT"},
		{2, "V"},
		{3, "D"},
		{4, "I"},
		{5, "W"},
		{6, "E"},
		{7, "F"},
		{8, "SILENT"},
		{9, "DEFAULT"},
		{-1, "DEFAULT"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.priority.Char(), "priority %d", tt.priority)
	}
}

func TestController_RecordRoundTrip(t *testing.T) {
	c, backend, h := openController(t, "emulator-5554")

	ts := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	backend.Stream("emulator-5554").Emit(device.Record{Timestamp: ts, PID: 10, TID: 20, Priority: 6, Tag: "X", Message: "hello"})

	select {
	case chunk := <-h.data:
		want := "2024-06-01T12:00:00.000Z 10 20 E X: hello\r\n"
		assert.Equal(t, want, string(chunk))
		assert.Equal(t, len(want), c.IOState().Read)
		assert.Zero(t, c.IOState().Written)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for data")
	}
}

func TestController_ReadCounterIsLastChunkSize(t *testing.T) {
	c, backend, h := openController(t, "dev")
	s := backend.Stream("dev")

	s.Emit(device.Record{Tag: "long-tag", Message: "a fairly long message body"})
	s.Emit(device.Record{Tag: "t", Message: "m"})

	var last []byte
	for i := 0; i < 2; i++ {
		select {
		case last = <-h.data:
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for data")
		}
	}
	assert.Equal(t, len(last), c.IOState().Read)
}

func TestController_OpenTwice(t *testing.T) {
	c, _, _ := openController(t, "dev")

	err := c.Open(context.Background())
	assert.ErrorIs(t, err, device.ErrAlreadyOpen)
}

func TestController_OpenInvalidIdentifier(t *testing.T) {
	backend := devicetest.NewBackend()
	c := device.NewController("  ", backend, newRecordingHandler(), nil)

	err := c.Open(context.Background())
	assert.ErrorIs(t, err, device.ErrValidation)
	assert.Zero(t, backend.Opens("  "), "backend must not be touched")
}

func TestController_OpenBackendFailure(t *testing.T) {
	backend := devicetest.NewBackend()
	cause := errors.New("device offline")
	backend.FailOpen("dev", cause)
	c := device.NewController("dev", backend, newRecordingHandler(), nil)

	err := c.Open(context.Background())
	require.Error(t, err)

	var be *device.BackendError
	require.ErrorAs(t, err, &be)
	assert.Equal(t, "open", be.Op)
	assert.Equal(t, "dev", be.Device)
	assert.ErrorIs(t, err, cause)
}

func TestController_DestroyNeverOpened(t *testing.T) {
	c := device.NewController("dev", devicetest.NewBackend(), newRecordingHandler(), nil)
	c.Destroy()
	c.Destroy()
	assert.True(t, c.IsClosed())
}

func TestController_DestroyConcurrentIsIdempotent(t *testing.T) {
	c, backend, h := openController(t, "dev")

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Destroy()
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, backend.Stream("dev").Closes())

	// Own teardown must not surface as a disconnect.
	select {
	case <-h.disconnects:
		t.Fatal("unexpected disconnect after Destroy")
	case err := <-h.errs:
		t.Fatalf("unexpected error after Destroy: %v", err)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestController_DestroySwallowsCloseError(t *testing.T) {
	c, backend, _ := openController(t, "dev")
	backend.Stream("dev").SetCloseError(errors.New("broken pipe"))

	c.Destroy()
	assert.True(t, c.IsClosed())
}

func TestController_StreamEndDestroysThenDisconnects(t *testing.T) {
	c, backend, h := openController(t, "dev")
	backend.Stream("dev").End()

	select {
	case closedAtEvent := <-h.disconnects:
		assert.True(t, closedAtEvent, "destroy must run before disconnect is emitted")
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for disconnect")
	}
	assert.True(t, c.IsClosed())
	assert.Equal(t, 1, backend.Stream("dev").Closes())
}

func TestController_StreamErrorIsEmitted(t *testing.T) {
	c, backend, h := openController(t, "dev")
	cause := errors.New("usb reset")
	backend.Stream("dev").Fail(cause)

	select {
	case err := <-h.errs:
		assert.ErrorIs(t, err, cause)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for error")
	}
	assert.True(t, c.IsClosed())
}

func TestController_SendCommandUnsupported(t *testing.T) {
	c, _, _ := openController(t, "dev")

	err := c.SendCommand([]byte("reboot"))
	assert.ErrorIs(t, err, device.ErrCommandUnsupported)
	assert.Zero(t, c.IOState().Written)
}

func TestController_Signature(t *testing.T) {
	c := device.NewController("dev", devicetest.NewBackend(), newRecordingHandler(), nil)
	assert.False(t, c.Signature())
	c.SetSignature(true)
	assert.True(t, c.Signature())
	assert.Equal(t, "dev", c.Identifier())
}

func TestBackendError_UnknownFailure(t *testing.T) {
	err := &device.BackendError{Op: "list", Err: device.ErrUnknownBackendFailure}
	assert.Equal(t, "backend list failed due to an unknown error", err.Error())

	err = &device.BackendError{Op: "list", Err: errors.New("adb not running")}
	assert.Equal(t, "backend list failed: adb not running", err.Error())
}
