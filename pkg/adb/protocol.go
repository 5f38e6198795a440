package adb

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"time"

	"Tether/pkg/logger"
)

// ========================================
// Host protocol framing
// ========================================
//
// request:  4 uppercase hex digits (payload length) + payload
// response: "OKAY" | "FAIL" [+ 4 hex digits + message]

const (
	// MaxPayload is the largest request payload the length prefix can describe.
	MaxPayload = 0xFFFF

	// DefaultTimeout bounds every protocol read and write unless a Client overrides it.
	DefaultTimeout = 5 * time.Second

	waitTime = 5 * time.Millisecond
)

const (
	statusOkay = "OKAY"
	statusFail = "FAIL"
)

// Response is the result of one protocol exchange.
type Response struct {
	IOSuccess bool
	Okay      bool
	Message   string
}

// FormRequest frames payload with its 4-digit uppercase hex length.
func FormRequest(payload string) ([]byte, error) {
	if len(payload) > MaxPayload {
		return nil, ErrPayloadTooLong
	}
	return []byte(fmt.Sprintf("%04X%s", len(payload), payload)), nil
}

// parseHexLength decodes a 4-byte length field. Anything but hex digits is a ProtocolError.
func parseHexLength(b []byte) (int, error) {
	if len(b) != 4 {
		return 0, &ProtocolError{Msg: "length field must be 4 bytes", Data: string(b)}
	}
	n := 0
	for _, ch := range b {
		var v byte
		switch {
		case ch >= '0' && ch <= '9':
			v = ch - '0'
		case ch >= 'a' && ch <= 'f':
			v = ch - 'a' + 10
		case ch >= 'A' && ch <= 'F':
			v = ch - 'A' + 10
		default:
			return 0, &ProtocolError{Msg: "invalid hex length", Data: string(b)}
		}
		n = n<<4 | int(v)
	}
	return n, nil
}

// Conn is one socket to the host daemon.
type Conn struct {
	nc      net.Conn
	timeout time.Duration
}

// NewConn wraps an established connection. A zero timeout means DefaultTimeout.
func NewConn(nc net.Conn, timeout time.Duration) *Conn {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Conn{nc: nc, timeout: timeout}
}

// Close closes the socket. A blocked read on another goroutine returns with an error.
func (c *Conn) Close() error {
	return c.nc.Close()
}

func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func transportErr(op string, err error) error {
	if isTimeout(err) {
		return &TransportError{Op: op, Err: ErrTimeout}
	}
	return &TransportError{Op: op, Err: err}
}

// write sends all of data. A write that makes no progress is retried every waitTime until the timeout.
func (c *Conn) write(data []byte) error {
	deadline := time.Now().Add(c.timeout)
	if err := c.nc.SetWriteDeadline(deadline); err != nil {
		return transportErr("write", err)
	}
	for len(data) > 0 {
		n, err := c.nc.Write(data)
		if err != nil {
			return transportErr("write", err)
		}
		if n == 0 {
			if time.Now().After(deadline) {
				return &TransportError{Op: "write", Err: ErrTimeout}
			}
			time.Sleep(waitTime)
			continue
		}
		data = data[n:]
	}
	return nil
}

// readFull fills buf, retrying zero-byte reads until the timeout.
func (c *Conn) readFull(buf []byte) error {
	return c.readFullUntil(buf, time.Now().Add(c.timeout))
}

func (c *Conn) readFullUntil(buf []byte, deadline time.Time) error {
	if err := c.nc.SetReadDeadline(deadline); err != nil {
		return transportErr("read", err)
	}
	for off := 0; off < len(buf); {
		n, err := c.nc.Read(buf[off:])
		off += n
		if off == len(buf) {
			return nil
		}
		if err != nil {
			if err == io.EOF {
				return &TransportError{Op: "read", Err: io.ErrUnexpectedEOF}
			}
			return transportErr("read", err)
		}
		if n == 0 {
			if !deadline.IsZero() && time.Now().After(deadline) {
				return &TransportError{Op: "read", Err: ErrTimeout}
			}
			time.Sleep(waitTime)
		}
	}
	return nil
}

// readBlocking fills buf with no deadline. Used by the subscription loop, which is
// unblocked by Close from another goroutine.
func (c *Conn) readBlocking(buf []byte) error {
	return c.readFullUntil(buf, time.Time{})
}

// readChunk reads whatever is available, up to len(buf). io.EOF is returned as-is
// so stream readers can tell a clean close from a fault.
func (c *Conn) readChunk(buf []byte) (int, error) {
	deadline := time.Now().Add(c.timeout)
	if err := c.nc.SetReadDeadline(deadline); err != nil {
		return 0, transportErr("read", err)
	}
	for {
		n, err := c.nc.Read(buf)
		if n > 0 {
			return n, nil
		}
		if err == io.EOF {
			return 0, io.EOF
		}
		if err != nil {
			return 0, transportErr("read", err)
		}
		if time.Now().After(deadline) {
			return 0, &TransportError{Op: "read", Err: ErrTimeout}
		}
		time.Sleep(waitTime)
	}
}

// Send frames and writes one request.
func (c *Conn) Send(payload string) error {
	req, err := FormRequest(payload)
	if err != nil {
		return err
	}
	return c.write(req)
}

// ReadResponse reads OKAY/FAIL. On FAIL, or when diag is set, the length-prefixed
// message that follows is read too.
func (c *Conn) ReadResponse(diag bool) (Response, error) {
	status := make([]byte, 4)
	if err := c.readFull(status); err != nil {
		return Response{}, err
	}

	resp := Response{IOSuccess: true}
	switch string(status) {
	case statusOkay:
		resp.Okay = true
	case statusFail:
		resp.Okay = false
	default:
		err := &ProtocolError{Msg: "unexpected response status", Data: string(status)}
		logger.Warn("adb").Err(err).Msg("Malformed response")
		return Response{}, err
	}

	if !resp.Okay || diag {
		msg, err := c.ReadLengthPrefixed()
		if err != nil {
			if !resp.Okay {
				return resp, err
			}
			// diagnosis is optional on OKAY; a closed socket just means no message
			var te *TransportError
			if errors.As(err, &te) && errors.Is(te.Err, io.ErrUnexpectedEOF) {
				return resp, nil
			}
			return resp, err
		}
		resp.Message = msg
	}
	return resp, nil
}

// ReadLengthPrefixed reads a 4-hex-digit length followed by that many bytes.
func (c *Conn) ReadLengthPrefixed() (string, error) {
	return c.readLengthPrefixed(c.readFull)
}

func (c *Conn) readLengthPrefixed(read func([]byte) error) (string, error) {
	lenBuf := make([]byte, 4)
	if err := read(lenBuf); err != nil {
		return "", err
	}
	n, err := parseHexLength(lenBuf)
	if err != nil {
		logger.Warn("adb").Err(err).Msg("Malformed length field, aborting read")
		return "", err
	}
	if n == 0 {
		return "", nil
	}
	body := make([]byte, n)
	if err := read(body); err != nil {
		return "", err
	}
	return string(body), nil
}

// SelectTransport routes subsequent requests on this socket to serial.
func (c *Conn) SelectTransport(serial string) error {
	req := "host:transport:" + serial
	if err := c.Send(req); err != nil {
		return err
	}
	resp, err := c.ReadResponse(false)
	if err != nil {
		return err
	}
	if !resp.Okay {
		if isDeviceNotFoundMessage(resp.Message) {
			return &DeviceNotFoundError{Serial: serial}
		}
		return &RemoteRejection{Request: req, Message: resp.Message}
	}
	return nil
}

// request sends payload and requires an OKAY.
func (c *Conn) request(payload string, diag bool) (Response, error) {
	if err := c.Send(payload); err != nil {
		return Response{}, err
	}
	resp, err := c.ReadResponse(diag)
	if err != nil {
		return resp, err
	}
	if !resp.Okay {
		return resp, &RemoteRejection{Request: payload, Message: resp.Message}
	}
	return resp, nil
}
