package device

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
)

// Handler receives the events of a Controller. Events for one controller are
// delivered from a single goroutine, in the order the backend produced them.
type Handler interface {
	HandleData(c *Controller, chunk []byte)
	HandleError(c *Controller, err error)
	HandleDisconnect(c *Controller)
}

// IOState holds the I/O counters of a device.
type IOState struct {
	Read    int `json:"read"`
	Written int `json:"written"`
}

// Controller owns exactly one physical log stream.
type Controller struct {
	id      string
	backend Backend
	handler Handler
	logger  *slog.Logger

	mu        sync.Mutex
	stream    LogStream
	opened    bool
	closed    bool
	signature bool

	read    atomic.Int64
	written atomic.Int64
}

func NewController(id string, backend Backend, handler Handler, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		id:      id,
		backend: backend,
		handler: handler,
		logger:  logger.With("component", "device", "device", id),
	}
}

// Open requests a log stream from the backend and starts delivering its
// records to the handler. A controller can be opened at most once.
func (c *Controller) Open(ctx context.Context) error {
	c.mu.Lock()
	if c.opened {
		c.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrAlreadyOpen, c.id)
	}
	if err := ValidateIdentifier(c.id); err != nil {
		c.mu.Unlock()
		return err
	}
	c.opened = true
	c.mu.Unlock()

	stream, err := c.backend.OpenLogStream(ctx, c.id)
	if err != nil {
		c.mu.Lock()
		c.opened = false
		c.mu.Unlock()
		c.logger.Error("failed to initiate log stream", "err", err)
		return &BackendError{Op: "open", Device: c.id, Err: err}
	}

	c.mu.Lock()
	if c.closed {
		// Destroyed while the backend was still opening.
		c.mu.Unlock()
		if err := stream.Close(); err != nil {
			c.logger.Warn("failed to close abandoned stream", "err", err)
		}
		return fmt.Errorf("%w: %q", ErrDeviceGone, c.id)
	}
	c.stream = stream
	c.mu.Unlock()

	go c.pump(stream)
	c.logger.Info("connection to device is successful")
	return nil
}

func (c *Controller) pump(stream LogStream) {
	for {
		rec, err := stream.Next()
		if err != nil {
			if c.IsClosed() {
				return
			}
			c.Destroy()
			if errors.Is(err, io.EOF) {
				c.handler.HandleDisconnect(c)
			} else {
				c.handler.HandleError(c, err)
			}
			return
		}

		chunk := rec.Format()
		// Last chunk size, not a running total.
		c.read.Store(int64(len(chunk)))
		c.handler.HandleData(c, chunk)
	}
}

// Destroy closes the backend stream. It is idempotent and safe to call
// concurrently; close failures are logged only.
func (c *Controller) Destroy() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	stream := c.stream
	c.mu.Unlock()

	if stream == nil {
		return
	}
	if err := stream.Close(); err != nil {
		c.logger.Warn("failed to destroy connection to device", "err", err)
		return
	}
	c.logger.Info("device stream closed")
}

// SendCommand is not supported by the log stream transport.
func (c *Controller) SendCommand(chunk []byte) error {
	return fmt.Errorf("%w: %q", ErrCommandUnsupported, c.id)
}

func (c *Controller) IOState() IOState {
	return IOState{
		Read:    int(c.read.Load()),
		Written: int(c.written.Load()),
	}
}

func (c *Controller) Identifier() string { return c.id }

func (c *Controller) SetSignature(v bool) {
	c.mu.Lock()
	c.signature = v
	c.mu.Unlock()
}

func (c *Controller) Signature() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.signature
}

func (c *Controller) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}
