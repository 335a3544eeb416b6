package mux

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/devicemux/backend/internal/device"
)

// WildcardSession is the session identifier used for spy references.
const WildcardSession = "*"

// Options configures a Registry.
type Options struct {
	Debounce time.Duration
	Ceiling  int
	Logger   *slog.Logger
}

// Registry multiplexes physical device connections across sessions. A device
// is opened on its first reference and closed when its last listener goes.
type Registry struct {
	backend device.Backend
	sink    StateSink
	logger  *slog.Logger
	opens   singleflight.Group

	mu          sync.Mutex // guards everything below
	controllers map[string]*device.Controller
	listeners   *listenerTable
	throttle    Throttle
	timer       *time.Timer
	timerGen    uint64
	latest      AggregateState
	token       string
	hasToken    bool
	closed      bool
}

func NewRegistry(backend device.Backend, sink StateSink, opts Options) *Registry {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		backend:     backend,
		sink:        sink,
		logger:      logger.With("component", "registry"),
		controllers: make(map[string]*device.Controller),
		listeners:   newListenerTable(),
		throttle:    NewThrottle(opts.Debounce, opts.Ceiling),
		latest:      AggregateState{},
	}
}

// Ref attaches l to device on behalf of session, opening the device if no
// session references it yet. Referencing the same pair twice replaces the
// listener.
func (r *Registry) Ref(ctx context.Context, session, id string, l Listener) error {
	if err := device.ValidateIdentifier(id); err != nil {
		return err
	}

	if r.subscribeExisting(session, id, l) {
		return nil
	}

	leader := false
	_, err, _ := r.opens.Do(id, func() (any, error) {
		leader = true
		return nil, r.open(ctx, session, id, l)
	})
	if err != nil || leader {
		return err
	}

	// Joined an open started by another caller.
	if r.subscribeExisting(session, id, l) {
		return nil
	}
	return &device.OpenFailedError{Device: id, Err: device.ErrDeviceGone}
}

func (r *Registry) subscribeExisting(session, id string, l Listener) bool {
	r.mu.Lock()
	if _, ok := r.controllers[id]; !ok {
		r.mu.Unlock()
		return false
	}
	flush := r.subscribeLocked(session, id, l)
	r.mu.Unlock()
	r.send(flush)
	return true
}

func (r *Registry) open(ctx context.Context, session, id string, l Listener) error {
	if r.subscribeExisting(session, id, l) {
		return nil
	}

	c := device.NewController(id, r.backend, r, r.logger)
	if err := c.Open(ctx); err != nil {
		r.logger.Error("failed to open device", "device", id, "err", err)
		return &device.OpenFailedError{Device: id, Err: err}
	}

	r.mu.Lock()
	if r.closed || c.IsClosed() {
		r.mu.Unlock()
		c.Destroy()
		return &device.OpenFailedError{Device: id, Err: device.ErrDeviceGone}
	}
	r.controllers[id] = c
	flush := r.subscribeLocked(session, id, l)
	r.mu.Unlock()

	r.send(flush)
	return nil
}

func (r *Registry) subscribeLocked(session, id string, l Listener) *StateNotification {
	r.listeners.subscribe(id, session, l)
	flush := r.mutatedLocked()
	r.updateSignatureLocked(session)
	return flush
}

// Unref detaches session from device and closes the device when no listener
// is left. Unknown pairs are ignored.
func (r *Registry) Unref(session, id string) {
	r.mu.Lock()
	if !r.listeners.has(id) {
		r.mu.Unlock()
		return
	}
	r.listeners.unsubscribe(Subscription{Device: id, Session: session})

	var doomed *device.Controller
	if !r.listeners.has(id) {
		doomed = r.controllers[id]
		delete(r.controllers, id)
	}
	flush := r.mutatedLocked()
	r.updateSignatureLocked(session)
	r.mu.Unlock()

	if doomed != nil {
		doomed.Destroy()
	}
	r.send(flush)
}

// ForceUnrefAll drops every listener of device and destroys its controller.
func (r *Registry) ForceUnrefAll(id string) {
	r.mu.Lock()
	c := r.controllers[id]
	r.mu.Unlock()
	r.forceUnrefAll(id, c)
}

func (r *Registry) forceUnrefAll(id string, c *device.Controller) {
	r.mu.Lock()
	if c == nil || r.controllers[id] != c {
		r.mu.Unlock()
		return
	}
	sessions := r.listeners.removeDevice(id)
	delete(r.controllers, id)
	flush := r.mutatedLocked()
	for _, s := range sessions {
		r.updateSignatureLocked(s)
	}
	r.mu.Unlock()

	c.Destroy()
	r.send(flush)
}

// Write forwards a command to an open device.
func (r *Registry) Write(id string, command []byte) error {
	r.mu.Lock()
	c := r.controllers[id]
	r.mu.Unlock()
	if c == nil {
		return fmt.Errorf("%w: cannot send command to %q because it is not created", device.ErrNotOpen, id)
	}
	return c.SendCommand(command)
}

// ListAvailableDevices enumerates the devices reachable through the backend.
func (r *Registry) ListAvailableDevices(ctx context.Context) ([]device.DeviceInfo, error) {
	devices, err := r.backend.ListDevices(ctx)
	if err != nil {
		r.logger.Error("failed to get list of devices", "err", err)
		return nil, &device.BackendError{Op: "list", Err: err}
	}
	out := make([]device.DeviceInfo, 0, len(devices))
	for _, d := range devices {
		out = append(out, device.DeviceInfo{Name: d.Serial})
	}
	return out, nil
}

// SetToken configures the destination token of state broadcasts.
func (r *Registry) SetToken(token string) {
	r.mu.Lock()
	r.token = token
	r.hasToken = true
	r.mu.Unlock()
}

// Snapshot computes the current aggregate state.
func (r *Registry) Snapshot() AggregateState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.computeLocked()
}

// Close detaches every listener and destroys every controller.
func (r *Registry) Close() {
	r.mu.Lock()
	r.closed = true
	r.cancelTimerLocked()
	controllers := make([]*device.Controller, 0, len(r.controllers))
	for _, c := range r.controllers {
		controllers = append(controllers, c)
	}
	clear(r.controllers)
	r.listeners.clear()
	r.mu.Unlock()

	for _, c := range controllers {
		c.Destroy()
	}
}

// HandleData fans a chunk out to every listener of the controller's device.
func (r *Registry) HandleData(c *device.Controller, chunk []byte) {
	id := c.Identifier()
	r.mu.Lock()
	if r.controllers[id] != c {
		r.mu.Unlock()
		return
	}
	listeners := r.listeners.listeners(id)
	r.mu.Unlock()

	for _, l := range listeners {
		if l.OnData != nil {
			l.OnData(chunk)
		}
	}

	r.mu.Lock()
	flush := r.mutatedLocked()
	r.mu.Unlock()
	r.send(flush)
}

func (r *Registry) HandleError(c *device.Controller, err error) {
	id := c.Identifier()
	r.logger.Warn("device reported error", "device", id, "err", err)
	for _, l := range r.listenersOf(c) {
		if l.OnError != nil {
			l.OnError(err)
		}
	}
	r.forceUnrefAll(id, c)
}

func (r *Registry) HandleDisconnect(c *device.Controller) {
	id := c.Identifier()
	r.logger.Info("device disconnected", "device", id)
	for _, l := range r.listenersOf(c) {
		if l.OnDisconnect != nil {
			l.OnDisconnect()
		}
	}
	r.forceUnrefAll(id, c)
}

func (r *Registry) listenersOf(c *device.Controller) []Listener {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.controllers[c.Identifier()] != c {
		return nil
	}
	return r.listeners.listeners(c.Identifier())
}

// updateSignatureLocked marks every device of session as shared when the
// session is attached to more than one device.
func (r *Registry) updateSignatureLocked(session string) {
	devices := r.listeners.devicesOf(session)
	for _, id := range devices {
		if c := r.controllers[id]; c != nil {
			c.SetSignature(len(devices) > 1)
		}
	}
}

func (r *Registry) computeLocked() AggregateState {
	state := make(AggregateState, len(r.controllers))
	for id, c := range r.controllers {
		state[id] = DeviceState{
			Connections: r.listeners.count(id),
			IOState:     c.IOState(),
		}
	}
	return state
}

// mutatedLocked recomputes the aggregate state and applies the throttle. It
// returns a notification when the state must be sent right away.
func (r *Registry) mutatedLocked() *StateNotification {
	r.cancelTimerLocked()
	r.latest = r.computeLocked()

	var action Action
	r.throttle, action = r.throttle.OnMutation(len(r.latest) == 0)
	switch action {
	case ActionSchedule:
		gen := r.timerGen
		r.timer = time.AfterFunc(r.throttle.Delay, func() { r.flushScheduled(gen) })
	case ActionFlushNow:
		return r.takeFlushLocked()
	}
	return nil
}

// cancelTimerLocked stops the pending flush. Bumping the generation also
// voids a timer that already fired and is waiting for the lock.
func (r *Registry) cancelTimerLocked() {
	r.timerGen++
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
}

func (r *Registry) flushScheduled(gen uint64) {
	r.mu.Lock()
	if gen != r.timerGen || r.closed {
		r.mu.Unlock()
		return
	}
	r.timer = nil
	flush := r.takeFlushLocked()
	r.mu.Unlock()
	r.send(flush)
}

func (r *Registry) takeFlushLocked() *StateNotification {
	sent := r.hasToken && r.sink != nil
	r.throttle = r.throttle.OnFlush(sent)
	if !sent {
		return nil
	}
	return &StateNotification{Token: r.token, State: r.latest}
}

func (r *Registry) send(n *StateNotification) {
	if n == nil {
		return
	}
	r.sink.BroadcastState(*n)
}
