package usbip

// Client is the top-level facade (spec.md §6): dial the usbipd server,
// attach a set of CDC devices by VID/PID, and hand back one Connection
// per attached device. Grounded in teacher usbip/connection.go's
// Target/Connect pairing, generalized from a single kernel VHCI attach
// into the userspace multi-device attach state machine spec.md
// describes.

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/efficientgo/core/errors"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
)

// AttachedDevice is the result of a successful per-device attach
// (spec.md §3): the server's device record, the chosen CDC bulk
// endpoint pair, and the USB/IP device id used to address it in
// CMD_SUBMIT frames.
type AttachedDevice struct {
	RemoteDevice
	CdcEndpointPair
	DevID uint32
}

// DefaultReadTimeout bounds a Connection's ResponseData call when the
// caller's context carries no deadline of its own.
const DefaultReadTimeout = 5 * time.Second

// Client owns one TCP connection to a usbipd server, shared by every
// device attached through it (spec.md §5).
type Client struct {
	target Target
	dialer Dialer
	logger log.Logger

	engineMetrics *engineMetrics
	clientMetrics *clientMetrics

	mu          sync.Mutex
	conn        net.Conn
	transport   *transport
	engine      *urbEngine
	connections map[HardwareID][]*Connection
}

// NewClient constructs a Client for target. Dial the connection with
// ConnectServer before calling Attach.
func NewClient(target Target, logger log.Logger, reg prometheus.Registerer) *Client {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	if reg != nil {
		reg = prometheus.WrapRegistererWithPrefix("usbip_client_", reg)
	}
	return &Client{
		target:        target,
		dialer:        NetDialer{},
		logger:        logger,
		engineMetrics: newEngineMetrics(reg),
		clientMetrics: newClientMetrics(reg),
		connections:   make(map[HardwareID][]*Connection),
	}
}

// SetDialer overrides the Dialer used by ConnectServer; tests substitute
// an in-process listener here.
func (c *Client) SetDialer(d Dialer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dialer = d
}

// ConnectServer dials the target and starts the transport's reader loop.
// It returns ErrConnectionRefused (wrapped) if the dial fails.
func (c *Client) ConnectServer(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	conn, err := c.dialer.DialContext(ctx, "tcp", c.target.addr())
	if err != nil {
		return errors.Wrap(ErrConnectionRefused, err.Error())
	}
	c.conn = conn
	c.transport = newTransport(conn, c.logger)
	c.engine = newURBEngine(c.transport, c.engineMetrics, c.logger)
	go c.transport.run()
	_ = level.Info(c.logger).Log("msg", "connected to usbipd", "target", c.target.addr())
	return nil
}

// GetConnection returns every Connection currently attached for the
// given VID/PID selector, in attach order. A selector with multiple
// matching physical devices yields multiple Connections (spec.md §3).
func (c *Client) GetConnection(device HardwareID) []*Connection {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*Connection(nil), c.connections[device]...)
}

// Detach forgets every Connection attached under device, so GetConnection
// no longer returns them. The Connection values themselves are not closed,
// and neither is the underlying TCP connection, since other devices may
// still be using it.
func (c *Client) Detach(device HardwareID) error {
	c.mu.Lock()
	conns := c.connections[device]
	delete(c.connections, device)
	c.mu.Unlock()

	if c.clientMetrics != nil {
		c.clientMetrics.attachedDevices.Sub(float64(len(conns)))
	}
	_ = level.Info(c.logger).Log("msg", "detached device", "vendor", device.VendorID, "product", device.ProductID, "count", len(conns))
	return nil
}

// Shutdown closes the transport and faults every in-flight URB with
// ErrDisconnected. Later submissions fail with ErrSendFailed.
func (c *Client) Shutdown() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.transport == nil {
		return nil
	}
	return c.transport.close()
}

func (c *Client) registerConnection(device HardwareID, conn *Connection) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connections[device] = append(c.connections[device], conn)
}
