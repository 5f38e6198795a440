package adb

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"

	"Tether/pkg/logger"
)

// DefaultServerAddress is where the local adb server listens.
const DefaultServerAddress = "127.0.0.1:5037"

// Client speaks the adb host protocol. Every operation opens its own socket.
type Client struct {
	addr    string
	timeout time.Duration
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithTimeout sets the per read/write I/O timeout.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// NewClient creates a client for the adb server at addr.
func NewClient(addr string, opts ...ClientOption) *Client {
	if addr == "" {
		addr = DefaultServerAddress
	}
	c := &Client{addr: addr, timeout: DefaultTimeout}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) Address() string { return c.addr }

// dial opens a socket to the server. The socket is closed when ctx is done, which
// unblocks any pending read.
func (c *Client) dial(ctx context.Context) (*Conn, func(), error) {
	d := net.Dialer{Timeout: c.timeout}
	nc, err := d.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		return nil, nil, transportErr("dial", err)
	}
	conn := NewConn(nc, c.timeout)
	stop := context.AfterFunc(ctx, func() { nc.Close() })
	release := func() {
		stop()
		nc.Close()
	}
	return conn, release, nil
}

// hostRequest runs one host command and returns its response.
func (c *Client) hostRequest(ctx context.Context, payload string, diag bool) (Response, error) {
	conn, release, err := c.dial(ctx)
	if err != nil {
		return Response{}, err
	}
	defer release()
	return conn.request(payload, diag)
}

// ListDevices returns every device the server knows about ("host:devices-l").
func (c *Client) ListDevices(ctx context.Context) ([]*Device, error) {
	conn, release, err := c.dial(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	if _, err := conn.request("host:devices-l", false); err != nil {
		return nil, err
	}
	body, err := conn.ReadLengthPrefixed()
	if err != nil {
		return nil, err
	}
	return ParseDeviceList(body), nil
}

// Version returns the server's protocol version ("host:version").
func (c *Client) Version(ctx context.Context) (int, error) {
	conn, release, err := c.dial(ctx)
	if err != nil {
		return 0, err
	}
	defer release()

	if _, err := conn.request("host:version", false); err != nil {
		return 0, err
	}
	body, err := conn.ReadLengthPrefixed()
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseInt(strings.TrimSpace(body), 16, 32)
	if err != nil {
		return 0, &ProtocolError{Msg: "invalid version body", Data: body}
	}
	return int(v), nil
}

// KillServer asks the server to exit ("host:kill").
func (c *Client) KillServer(ctx context.Context) error {
	_, err := c.hostRequest(ctx, "host:kill", false)
	return err
}

// ExecuteShell runs command on serial and streams output chunks to sink.
// A chunk recognized as a remote failure is returned as *RemoteCommandError and not delivered.
func (c *Client) ExecuteShell(ctx context.Context, serial, command string, sink ShellReceiver) error {
	conn, release, err := c.dial(ctx)
	if err != nil {
		return err
	}
	defer release()

	if err := conn.SelectTransport(serial); err != nil {
		return err
	}
	if _, err := conn.request("shell:"+command, false); err != nil {
		return err
	}

	buf := make([]byte, 16*1024)
	for {
		if sink != nil && sink.IsCancelled() {
			break
		}
		n, err := conn.readChunk(buf)
		if err == io.EOF {
			break
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		chunk := buf[:n]
		if rce := classifyShellOutput(command, chunk); rce != nil {
			logger.Debug("adb").Str("serial", serial).Str("command", command).
				Str("kind", rce.Kind.String()).Msg("Shell command failed on device")
			return rce
		}
		if sink != nil {
			sink.AddOutput(chunk)
		}
	}
	if sink != nil {
		sink.Flush()
	}
	return nil
}

// SwitchDeviceTransportMode restarts the on-device daemon listening on TCP port.
func (c *Client) SwitchDeviceTransportMode(ctx context.Context, serial string, port int) error {
	timer := logger.StartOperation("adb", "tcpip").AddDetail("serial", serial).AddDetail("port", port)

	conn, release, err := c.dial(ctx)
	if err != nil {
		timer.EndWithError(err)
		return err
	}
	defer release()

	if err := conn.SelectTransport(serial); err != nil {
		timer.EndWithError(err)
		return err
	}
	if _, err := conn.request(fmt.Sprintf("tcpip:%d", port), false); err != nil {
		timer.EndWithError(err)
		return err
	}

	// "restarting in TCP mode port: N" usually follows; the device may drop the socket first.
	line := make([]byte, 256)
	if n, err := conn.readChunk(line); err == nil && n > 0 {
		timer.AddDetail("reply", strings.TrimSpace(string(line[:n])))
	}
	timer.End()
	return nil
}

// Connect asks the server to attach host:port. It reports true only when the
// server says it is connected.
func (c *Client) Connect(ctx context.Context, host string, port int) (bool, error) {
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	resp, err := c.hostRequest(ctx, "host:connect:"+addr, true)
	if err != nil {
		return false, err
	}
	msg := strings.ToLower(strings.TrimSpace(resp.Message))
	ok := strings.HasPrefix(msg, "already connected to") || strings.HasPrefix(msg, "connected to")
	logger.Debug("adb").Str("address", addr).Str("reply", resp.Message).Bool("connected", ok).Msg("Connect")
	return ok, nil
}

// Disconnect detaches host:port from the server.
func (c *Client) Disconnect(ctx context.Context, host string, port int) error {
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	resp, err := c.hostRequest(ctx, "host:disconnect:"+addr, true)
	if err != nil {
		return err
	}
	logger.Debug("adb").Str("address", addr).Str("reply", resp.Message).Msg("Disconnect")
	return nil
}

// ========================================
// Device list subscription
// ========================================

// Subscription is an open "host:track-devices" stream.
type Subscription interface {
	// Next blocks until the next snapshot body arrives.
	Next() (string, error)
	Close() error
}

type trackSubscription struct {
	conn    *Conn
	release func()
}

func (s *trackSubscription) Next() (string, error) {
	return s.conn.readLengthPrefixed(s.conn.readBlocking)
}

func (s *trackSubscription) Close() error {
	s.release()
	return nil
}

// TrackDevices opens a device list subscription. A FAIL reply is a *RemoteRejection.
func (c *Client) TrackDevices(ctx context.Context) (Subscription, error) {
	conn, release, err := c.dial(ctx)
	if err != nil {
		return nil, err
	}
	if _, err := conn.request("host:track-devices", false); err != nil {
		release()
		return nil, err
	}
	return &trackSubscription{conn: conn, release: release}, nil
}

// IsRemoteRejection reports whether err is a FAIL reply from the server.
func IsRemoteRejection(err error) bool {
	var rr *RemoteRejection
	return errors.As(err, &rr)
}
