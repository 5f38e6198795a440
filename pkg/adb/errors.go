package adb

import (
	"errors"
	"fmt"
)

var (
	// ErrTimeout is returned when a read or write makes no progress before the I/O timeout.
	ErrTimeout = errors.New("adb: i/o timeout")

	// ErrPayloadTooLong is returned before sending a request whose payload exceeds MaxPayload.
	ErrPayloadTooLong = errors.New("adb: request payload exceeds 0xFFFF bytes")
)

// TransportError is a socket-level failure talking to the daemon.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("adb transport: %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ProtocolError is a malformed frame or length field. The connection is unusable afterwards.
type ProtocolError struct {
	Msg  string
	Data string
}

func (e *ProtocolError) Error() string {
	if e.Data == "" {
		return "adb protocol: " + e.Msg
	}
	return fmt.Sprintf("adb protocol: %s: %q", e.Msg, e.Data)
}

// RemoteRejection is a FAIL response from the daemon.
type RemoteRejection struct {
	Request string
	Message string
}

func (e *RemoteRejection) Error() string {
	return fmt.Sprintf("adb rejected %q: %s", e.Request, e.Message)
}

// DeviceNotFoundError is returned when transport selection names an unknown serial.
type DeviceNotFoundError struct {
	Serial string
}

func (e *DeviceNotFoundError) Error() string {
	return fmt.Sprintf("adb: device not found: %s", e.Serial)
}

// RemoteCommandKind classifies a failure reported in shell output.
type RemoteCommandKind int

const (
	NotFound RemoteCommandKind = iota + 1
	PermissionDenied
	UnknownOption
	Aborting
)

func (k RemoteCommandKind) String() string {
	switch k {
	case NotFound:
		return "not found"
	case PermissionDenied:
		return "permission denied"
	case UnknownOption:
		return "unknown option"
	case Aborting:
		return "aborting"
	default:
		return "unknown"
	}
}

// RemoteCommandError is a shell command failure recognized from its output text.
type RemoteCommandError struct {
	Kind    RemoteCommandKind
	Command string
	Output  string
}

func (e *RemoteCommandError) Error() string {
	return fmt.Sprintf("adb shell %q: %s: %s", e.Command, e.Kind, e.Output)
}

// IsDeviceNotFound reports whether err (or anything it wraps) is a DeviceNotFoundError.
func IsDeviceNotFound(err error) bool {
	var dnf *DeviceNotFoundError
	return errors.As(err, &dnf)
}

// IsTransport reports whether err is a transport failure, including timeouts.
func IsTransport(err error) bool {
	var te *TransportError
	return errors.As(err, &te) || errors.Is(err, ErrTimeout)
}
