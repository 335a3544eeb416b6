// Package devicetest provides an in-memory device.Backend for tests.
package devicetest

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"

	"github.com/devicemux/backend/internal/device"
)

var ErrStreamClosed = errors.New("stream closed")

// Backend is a controllable device.Backend. Streams are created on demand and
// stay reachable through Stream for the test to drive.
type Backend struct {
	mu      sync.Mutex
	streams map[string]*Stream
	opens   map[string]int
	openErr map[string]error
	gate    chan struct{}
	devices []device.BackendDevice
	listErr error
}

func NewBackend() *Backend {
	return &Backend{
		streams: make(map[string]*Stream),
		opens:   make(map[string]int),
		openErr: make(map[string]error),
	}
}

// FailOpen makes every following open of serial fail with err.
func (b *Backend) FailOpen(serial string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.openErr[serial] = err
}

// Gate blocks opens until the returned channel is closed.
func (b *Backend) Gate() chan struct{} {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.gate = make(chan struct{})
	return b.gate
}

func (b *Backend) SetDevices(devices []device.BackendDevice, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.devices = devices
	b.listErr = err
}

func (b *Backend) OpenLogStream(ctx context.Context, serial string) (device.LogStream, error) {
	b.mu.Lock()
	gate := b.gate
	b.opens[serial]++
	err := b.openErr[serial]
	b.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}

	s := NewStream()
	b.mu.Lock()
	b.streams[serial] = s
	b.mu.Unlock()
	return s, nil
}

func (b *Backend) ListDevices(ctx context.Context) ([]device.BackendDevice, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.devices, b.listErr
}

// Stream returns the most recent stream opened for serial.
func (b *Backend) Stream(serial string) *Stream {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.streams[serial]
}

// Opens reports how many times serial was opened.
func (b *Backend) Opens(serial string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.opens[serial]
}

type event struct {
	rec device.Record
	err error
}

// Stream is a device.LogStream fed by Emit, Fail and End.
type Stream struct {
	events    chan event
	closed    chan struct{}
	closeOnce sync.Once
	closes    atomic.Int32
	closeErr  error
}

func NewStream() *Stream {
	return &Stream{
		events: make(chan event, 256),
		closed: make(chan struct{}),
	}
}

func (s *Stream) Emit(rec device.Record) { s.events <- event{rec: rec} }
func (s *Stream) Fail(err error)         { s.events <- event{err: err} }
func (s *Stream) End()                   { s.events <- event{err: io.EOF} }

// SetCloseError makes Close report err.
func (s *Stream) SetCloseError(err error) { s.closeErr = err }

func (s *Stream) Next() (device.Record, error) {
	select {
	case <-s.closed:
		return device.Record{}, ErrStreamClosed
	default:
	}
	select {
	case ev := <-s.events:
		return ev.rec, ev.err
	case <-s.closed:
		return device.Record{}, ErrStreamClosed
	}
}

func (s *Stream) Close() error {
	s.closes.Add(1)
	s.closeOnce.Do(func() { close(s.closed) })
	return s.closeErr
}

// Closes reports how many times Close was called.
func (s *Stream) Closes() int { return int(s.closes.Load()) }
