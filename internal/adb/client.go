package adb

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/devicemux/backend/internal/device"
)

const (
	DefaultHost = "localhost"
	DefaultPort = 5037

	// logcat in binary mode; exec: keeps the stream free of pty line
	// ending conversion.
	logcatService = "exec:logcat -B"
)

// Client is a device.Backend backed by an adb server.
type Client struct {
	addr   string
	dialer net.Dialer
	logger *slog.Logger
}

func NewClient(host string, port int, dialTimeout time.Duration, logger *slog.Logger) *Client {
	if host == "" {
		host = DefaultHost
	}
	if port == 0 {
		port = DefaultPort
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		addr:   net.JoinHostPort(host, strconv.Itoa(port)),
		dialer: net.Dialer{Timeout: dialTimeout},
		logger: logger.With("component", "adb"),
	}
}

func (c *Client) Addr() string { return c.addr }

// ListDevices runs host:devices.
func (c *Client) ListDevices(ctx context.Context) ([]device.BackendDevice, error) {
	var body string
	err := c.exchange(ctx, func(conn net.Conn, r *bufio.Reader) error {
		if err := c.request(conn, r, "host:devices"); err != nil {
			return err
		}
		var err error
		body, err = readHexString(r)
		return err
	})
	if err != nil {
		return nil, err
	}
	return parseDevices(body), nil
}

// Version runs host:version.
func (c *Client) Version(ctx context.Context) (int, error) {
	var v int
	err := c.exchange(ctx, func(conn net.Conn, r *bufio.Reader) error {
		if err := c.request(conn, r, "host:version"); err != nil {
			return err
		}
		raw, err := readHexString(r)
		if err != nil {
			return err
		}
		n, err := strconv.ParseInt(raw, 16, 32)
		if err != nil {
			return fmt.Errorf("bad adb version %q: %w", raw, err)
		}
		v = int(n)
		return nil
	})
	return v, err
}

// OpenLogStream switches a new connection to serial and starts logcat on it.
// ctx bounds the handshake only; the stream lives until closed.
func (c *Client) OpenLogStream(ctx context.Context, serial string) (device.LogStream, error) {
	conn, err := c.dialer.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		return nil, fmt.Errorf("dial adb server %s: %w", c.addr, err)
	}
	r := bufio.NewReader(conn)

	err = c.handshake(ctx, conn, func() error {
		if err := c.request(conn, r, "host:transport:"+serial); err != nil {
			return err
		}
		return c.request(conn, r, logcatService)
	})
	if err != nil {
		conn.Close()
		return nil, err
	}

	c.logger.Debug("logcat stream opened", "device", serial)
	return &logcatReader{r: r, c: conn}, nil
}

func (c *Client) request(conn net.Conn, r *bufio.Reader, req string) error {
	if err := writeRequest(conn, req); err != nil {
		return fmt.Errorf("send %s: %w", req, err)
	}
	return readStatus(r, req)
}

// exchange runs fn on a short-lived connection.
func (c *Client) exchange(ctx context.Context, fn func(net.Conn, *bufio.Reader) error) error {
	conn, err := c.dialer.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		return fmt.Errorf("dial adb server %s: %w", c.addr, err)
	}
	defer conn.Close()
	r := bufio.NewReader(conn)
	return c.handshake(ctx, conn, func() error { return fn(conn, r) })
}

// handshake runs fn while ctx cancellation interrupts pending I/O on conn.
func (c *Client) handshake(ctx context.Context, conn net.Conn, fn func() error) error {
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(time.Now())
	})
	err := fn()
	if !stop() {
		if err == nil {
			err = ctx.Err()
		} else {
			err = fmt.Errorf("%w: %w", ctx.Err(), err)
		}
		return err
	}
	_ = conn.SetDeadline(time.Time{})
	return err
}

// parseDevices parses the "serial\tstate" lines of host:devices.
func parseDevices(body string) []device.BackendDevice {
	var devices []device.BackendDevice
	for _, line := range strings.Split(body, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		serial, state, _ := strings.Cut(line, "\t")
		devices = append(devices, device.BackendDevice{
			Serial: strings.TrimSpace(serial),
			State:  strings.TrimSpace(state),
		})
	}
	return devices
}
