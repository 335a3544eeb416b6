package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/devicemux/backend/internal/device"
)

var ErrNoSession = errors.New("session isn't created")

// Manager maps session identifiers to their controllers and dispatches
// inbound commands.
type Manager struct {
	refs   DeviceRefs
	out    Outbound
	logger *slog.Logger

	mu       sync.RWMutex
	sessions map[string]*Controller
}

func NewManager(refs DeviceRefs, out Outbound, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		refs:     refs,
		out:      out,
		logger:   logger,
		sessions: make(map[string]*Controller),
	}
}

// OpenSession creates the controller of a new session. Opening an existing
// session is a no-op.
func (m *Manager) OpenSession(id string) *Controller {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.sessions[id]; ok {
		m.logger.Warn("session is already created", "session", id)
		return c
	}
	c := NewController(id, m.refs, m.out, m.logger)
	m.sessions[id] = c
	m.logger.Info("session opened", "session", id)
	return c
}

// CloseSession releases every device of the session and forgets it.
func (m *Manager) CloseSession(id string) {
	m.mu.Lock()
	c, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()
	if !ok {
		return
	}
	c.Destroy()
	m.logger.Info("session closed", "session", id)
}

func (m *Manager) Get(id string) (*Controller, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.sessions[id]
	return c, ok
}

// IDs returns the open session identifiers, sorted.
func (m *Manager) IDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Close destroys every session.
func (m *Manager) Close() {
	m.mu.Lock()
	sessions := make([]*Controller, 0, len(m.sessions))
	for _, c := range m.sessions {
		sessions = append(sessions, c)
	}
	clear(m.sessions)
	m.mu.Unlock()

	var g errgroup.Group
	for _, c := range sessions {
		c := c
		g.Go(func() error {
			c.Destroy()
			return nil
		})
	}
	_ = g.Wait()
}

// Dispatch runs req and returns its response. ok is false for unknown
// commands, which get no response.
func (m *Manager) Dispatch(ctx context.Context, req Request) (resp Response, ok bool) {
	if req.Token != "" {
		m.refs.SetToken(req.Token)
	}

	var err error
	switch req.Command {
	case CmdOpen:
		err = m.onOpen(ctx, req)
		resp = Response{Status: StatusDone}
	case CmdClose:
		err = m.onClose(req)
		resp = Response{Status: StatusDone}
	case CmdList:
		var devices []device.DeviceInfo
		devices, err = m.onList(ctx, req)
		resp = Response{Status: StatusDone, Devices: devices}
	case CmdWrite:
		err = m.onWrite(req)
		resp = Response{Status: StatusSent}
	case CmdSpyStart:
		err = m.onSpyStart(ctx, req)
		resp = Response{Status: StatusDone}
	case CmdSpyStop:
		err = m.onSpyStop(req)
		resp = Response{Status: StatusDone}
	default:
		m.logger.Warn("unknown command", "command", req.Command, "session", req.Stream)
		return Response{}, false
	}

	if err != nil {
		m.logger.Error("command failed", "command", req.Command, "session", req.Stream, "err", err)
		return failure(req.Command, err), true
	}
	return resp, true
}

func (m *Manager) lookup(req Request) (*Controller, error) {
	if req.Stream == "" {
		return nil, fmt.Errorf("%w: no target stream ID provided", device.ErrValidation)
	}
	c, ok := m.Get(req.Stream)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNoSession, req.Stream)
	}
	return c, nil
}

func (m *Manager) onOpen(ctx context.Context, req Request) error {
	c, err := m.lookup(req)
	if err != nil {
		return err
	}
	return c.Open(ctx, OpenOptions{Device: req.Device})
}

func (m *Manager) onClose(req Request) error {
	c, err := m.lookup(req)
	if err != nil {
		return err
	}
	if err := device.ValidateIdentifier(req.Device); err != nil {
		return fmt.Errorf("cannot close device: %w", err)
	}
	return c.Close(req.Device)
}

func (m *Manager) onList(ctx context.Context, req Request) ([]device.DeviceInfo, error) {
	if _, err := m.lookup(req); err != nil {
		return nil, err
	}
	return m.refs.ListAvailableDevices(ctx)
}

func (m *Manager) onWrite(req Request) error {
	if req.Payload == "" {
		if req.Stream == "" {
			return fmt.Errorf("%w: no target stream ID provided", device.ErrValidation)
		}
		return m.out.Stream(req.Stream, []byte("\n"))
	}
	if _, err := m.lookup(req); err != nil {
		return err
	}
	if strings.TrimSpace(req.Device) == "" {
		return fmt.Errorf("%w: cannot send message, because path isn't provided", device.ErrValidation)
	}
	return m.refs.Write(req.Device, []byte(req.Payload))
}

func (m *Manager) onSpyStart(ctx context.Context, req Request) error {
	c, err := m.lookup(req)
	if err != nil {
		return err
	}
	return c.SpyStart(ctx, toOptions(req.Devices))
}

func (m *Manager) onSpyStop(req Request) error {
	c, err := m.lookup(req)
	if err != nil {
		return err
	}
	return c.SpyStop(toOptions(req.Devices))
}

func toOptions(devices []string) []OpenOptions {
	opts := make([]OpenOptions, 0, len(devices))
	for _, d := range devices {
		opts = append(opts, OpenOptions{Device: d})
	}
	return opts
}
