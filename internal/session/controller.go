package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/devicemux/backend/internal/device"
	"github.com/devicemux/backend/internal/mux"
)

// DeviceRefs is the registry surface sessions depend on.
type DeviceRefs interface {
	Ref(ctx context.Context, session, id string, l mux.Listener) error
	Unref(session, id string)
	Write(id string, command []byte) error
	ListAvailableDevices(ctx context.Context) ([]device.DeviceInfo, error)
	SetToken(token string)
}

// ErrSessionClosed is returned by operations that complete after Destroy.
var ErrSessionClosed = errors.New("session is closed")

// OpenOptions selects a device.
type OpenOptions struct {
	Device string `json:"device"`
}

// Controller tracks the devices one session references and routes their
// events to the session's outbound channel. References taken under the
// session's own id and under the wildcard id are tracked apart, since a
// session may open and spy on the same device.
type Controller struct {
	id     string
	refs   DeviceRefs
	out    Outbound
	logger *slog.Logger

	mu       sync.Mutex
	closed   bool
	devices  map[string]struct{}
	spying   map[string]struct{}
	readLoad map[string]int
}

func NewController(id string, refs DeviceRefs, out Outbound, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		id:       id,
		refs:     refs,
		out:      out,
		logger:   logger.With("component", "session", "session", id),
		devices:  make(map[string]struct{}),
		spying:   make(map[string]struct{}),
		readLoad: make(map[string]int),
	}
}

func (c *Controller) ID() string { return c.id }

// Open references opts.Device for this session and announces the connection.
func (c *Controller) Open(ctx context.Context, opts OpenOptions) error {
	if err := device.ValidateIdentifier(opts.Device); err != nil {
		return fmt.Errorf("session %q: %w", c.id, err)
	}
	dev := opts.Device
	if c.isClosed() {
		return fmt.Errorf("session %q: open device %q: %w", c.id, dev, ErrSessionClosed)
	}

	err := c.refs.Ref(ctx, c.id, dev, mux.Listener{
		OnData:       func(chunk []byte) { c.onDeviceData(dev, chunk) },
		OnError:      func(err error) { c.onDeviceError(dev, err) },
		OnDisconnect: func() { c.onDeviceDisconnect(dev) },
	})
	if err != nil {
		c.logger.Error("failed to open device", "device", dev, "err", err)
		return fmt.Errorf("session %q: open device %q: %w", c.id, dev, err)
	}

	if !c.addDevice(dev) {
		// Destroy ran while the reference was being taken.
		c.refs.Unref(c.id, dev)
		return fmt.Errorf("session %q: open device %q: %w", c.id, dev, ErrSessionClosed)
	}
	c.logger.Info("device assigned to session", "device", dev)
	c.notify(Notification{Event: EventConnected, StreamID: c.id, Device: dev})
	return nil
}

// Close releases device. It always succeeds.
func (c *Controller) Close(dev string) error {
	c.refs.Unref(c.id, dev)
	c.removeDevice(dev)
	return nil
}

// SpyStart samples the given devices under the wildcard session so that they
// do not count as connections of this session.
func (c *Controller) SpyStart(ctx context.Context, opts []OpenOptions) error {
	for _, o := range opts {
		if err := device.ValidateIdentifier(o.Device); err != nil {
			return fmt.Errorf("session %q: spy: %w", c.id, err)
		}
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return fmt.Errorf("session %q: start spying: %w", c.id, ErrSessionClosed)
	}
	clear(c.readLoad)
	for _, o := range opts {
		c.spying[o.Device] = struct{}{}
	}
	c.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, o := range opts {
		dev := o.Device
		g.Go(func() error {
			return c.refs.Ref(gctx, mux.WildcardSession, dev, mux.Listener{
				OnData:       func(chunk []byte) { c.onSpyData(dev, chunk) },
				OnError:      func(err error) { c.onSpyError(dev, err) },
				OnDisconnect: func() { c.onSpyDisconnect(dev) },
			})
		})
	}
	err := g.Wait()
	if c.isClosed() {
		for _, o := range opts {
			c.refs.Unref(mux.WildcardSession, o.Device)
		}
		return fmt.Errorf("session %q: start spying: %w", c.id, ErrSessionClosed)
	}
	if err != nil {
		c.logger.Error("failed to start spying", "err", err)
		return fmt.Errorf("session %q: start spying: %w", c.id, err)
	}
	c.logger.Debug("spying started", "devices", len(opts))
	return nil
}

// SpyStop releases the wildcard references of the given devices.
func (c *Controller) SpyStop(opts []OpenOptions) error {
	for _, o := range opts {
		if err := device.ValidateIdentifier(o.Device); err != nil {
			c.logger.Warn("skipping invalid spy device", "err", err)
			continue
		}
		c.refs.Unref(mux.WildcardSession, o.Device)
		c.stopSpying(o.Device)
	}
	c.logger.Debug("spying stopped", "devices", len(opts))
	return nil
}

// Destroy releases every device the session still references, including the
// spy references it started. Opens still in flight release their reference
// when they complete.
func (c *Controller) Destroy() {
	c.mu.Lock()
	c.closed = true
	devices := make([]string, 0, len(c.devices))
	for d := range c.devices {
		devices = append(devices, d)
	}
	spying := make([]string, 0, len(c.spying))
	for d := range c.spying {
		spying = append(spying, d)
	}
	clear(c.devices)
	clear(c.spying)
	c.mu.Unlock()

	for _, d := range devices {
		c.refs.Unref(c.id, d)
	}
	for _, d := range spying {
		c.refs.Unref(mux.WildcardSession, d)
	}
}

// Devices returns the devices the session opened or spies on, sorted.
func (c *Controller) Devices() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.devices)+len(c.spying))
	for d := range c.devices {
		out = append(out, d)
	}
	for d := range c.spying {
		if _, own := c.devices[d]; !own {
			out = append(out, d)
		}
	}
	sort.Strings(out)
	return out
}

func (c *Controller) onDeviceData(_ string, chunk []byte) {
	if err := c.out.Stream(c.id, chunk); err != nil {
		c.logger.Debug("failed to forward chunk", "err", err)
	}
}

func (c *Controller) onDeviceError(dev string, err error) {
	c.notify(Notification{Event: EventError, StreamID: c.id, Device: dev, Error: err.Error()})
	c.logger.Error("device returned error", "device", dev, "err", err)
	c.removeDevice(dev)
}

func (c *Controller) onDeviceDisconnect(dev string) {
	c.notify(Notification{Event: EventDisconnected, StreamID: c.id, Device: dev})
	c.logger.Warn("device is disconnected", "device", dev)
	c.removeDevice(dev)
}

func (c *Controller) onSpyData(dev string, chunk []byte) {
	c.mu.Lock()
	c.readLoad[dev] += len(chunk)
	load := make(map[string]int, len(c.readLoad))
	for d, n := range c.readLoad {
		load[d] = n
	}
	c.mu.Unlock()

	c.notify(Notification{Event: EventSpyState, StreamID: c.id, Load: load})
}

func (c *Controller) onSpyError(dev string, err error) {
	c.notify(Notification{Event: EventError, StreamID: c.id, Device: dev, Error: err.Error()})
	c.logger.Error("spied device returned error", "device", dev, "err", err)
	c.stopSpying(dev)
}

func (c *Controller) onSpyDisconnect(dev string) {
	c.logger.Warn("spied device is disconnected", "device", dev)
	c.stopSpying(dev)
}

func (c *Controller) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Controller) notify(n Notification) {
	if err := c.out.Notify(n); err != nil {
		c.logger.Warn("failed to notify session", "event", n.Event, "err", err)
	}
}

// addDevice records dev as opened by the session. It reports false once the
// session is destroyed.
func (c *Controller) addDevice(dev string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.devices[dev] = struct{}{}
	return true
}

func (c *Controller) removeDevice(dev string) {
	c.mu.Lock()
	delete(c.devices, dev)
	c.mu.Unlock()
}

func (c *Controller) stopSpying(dev string) {
	c.mu.Lock()
	delete(c.spying, dev)
	c.mu.Unlock()
}
