package bridge

import (
	"fmt"
	"time"
)

// StatusKind classifies a StatusMessage.
type StatusKind int

const (
	Armed StatusKind = iota
	Disarmed
	Remembered
	NoRemembered
	NotOnNetwork
	Connected
	ConnectFailed
	Reconnected
	ReconnectFailed
	Forgotten
)

func (k StatusKind) String() string {
	switch k {
	case Armed:
		return "armed"
	case Disarmed:
		return "disarmed"
	case Remembered:
		return "remembered"
	case NoRemembered:
		return "no_remembered"
	case NotOnNetwork:
		return "not_on_network"
	case Connected:
		return "connected"
	case ConnectFailed:
		return "connect_failed"
	case Reconnected:
		return "reconnected"
	case ReconnectFailed:
		return "reconnect_failed"
	case Forgotten:
		return "forgotten"
	default:
		return "unknown"
	}
}

// IsFailure reports whether the kind describes something that went wrong.
func (k StatusKind) IsFailure() bool {
	return k == ConnectFailed || k == ReconnectFailed || k == NotOnNetwork
}

// recorded kinds are written to bridge history.
func (k StatusKind) recorded() bool {
	switch k {
	case Connected, ConnectFailed, Reconnected, ReconnectFailed, Forgotten:
		return true
	}
	return false
}

// StatusMessage is one human-readable notification.
type StatusMessage struct {
	Kind      StatusKind
	Text      string
	Serial    string
	USBSerial string
	Address   string
	Time      time.Time
}

// StatusSink receives status messages. Publish must not block for long.
type StatusSink interface {
	Publish(msg StatusMessage)
}

// StatusFunc adapts a function to StatusSink.
type StatusFunc func(StatusMessage)

func (f StatusFunc) Publish(msg StatusMessage) { f(msg) }

type discardSink struct{}

func (discardSink) Publish(StatusMessage) {}

func statusText(kind StatusKind, who, address string) string {
	switch kind {
	case Armed:
		return "Tether is monitoring connections"
	case Disarmed:
		return "Tether is not monitoring connections"
	case Remembered:
		return fmt.Sprintf("last connected to %s", who)
	case NoRemembered:
		return "no remembered connection"
	case NotOnNetwork:
		if address == "" {
			return fmt.Sprintf("Device %s has no IP address", who)
		}
		return fmt.Sprintf("Device %s at %s has Wi-Fi turned off", who, address)
	case Connected:
		return fmt.Sprintf("Connected to device %s at %s", who, address)
	case ConnectFailed:
		return fmt.Sprintf("Failed to connect to device %s at %s", who, address)
	case Reconnected:
		return fmt.Sprintf("Reconnected to device %s at %s", who, address)
	case ReconnectFailed:
		return fmt.Sprintf("Failed to reconnect to device %s at %s", who, address)
	case Forgotten:
		return fmt.Sprintf("Forgot connection to %s", who)
	}
	return kind.String()
}

// NewStatus builds a message with the stock text for kind.
func NewStatus(kind StatusKind, who, serial, address string) StatusMessage {
	return StatusMessage{
		Kind:    kind,
		Text:    statusText(kind, who, address),
		Serial:  serial,
		Address: address,
		Time:    time.Now(),
	}
}
