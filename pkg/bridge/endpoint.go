package bridge

import (
	"net"
	"strconv"
	"time"

	"Tether/pkg/adb"
	"Tether/pkg/types"
)

// RememberedEndpoint is the last TCP/IP connection that worked.
type RememberedEndpoint struct {
	IPAddress      string
	Port           int
	USBSerial      string
	UserIdentifier string
	SavedAt        time.Time
}

func endpointFor(d *adb.Device, port int) RememberedEndpoint {
	return RememberedEndpoint{
		IPAddress:      d.IPAddress(),
		Port:           port,
		USBSerial:      d.USBSerial(),
		UserIdentifier: d.UserIdentifier(),
		SavedAt:        time.Now(),
	}
}

// Address is host:port.
func (e RememberedEndpoint) Address() string {
	return net.JoinHostPort(e.IPAddress, strconv.Itoa(e.Port))
}

// DTO converts to the wire representation.
func (e RememberedEndpoint) DTO() *types.Endpoint {
	return &types.Endpoint{
		IPAddress:      e.IPAddress,
		Port:           e.Port,
		USBSerial:      e.USBSerial,
		UserIdentifier: e.UserIdentifier,
		SavedAt:        e.SavedAt.UnixMilli(),
	}
}

// EndpointStore persists the remembered endpoint across restarts.
// LoadEndpoint returns nil, nil when nothing is stored.
type EndpointStore interface {
	LoadEndpoint() (*RememberedEndpoint, error)
	SaveEndpoint(e RememberedEndpoint) error
	ClearEndpoint() error
}

// HistoryRecorder keeps a log of bridge outcomes.
type HistoryRecorder interface {
	Record(entry types.HistoryEntry) error
}
