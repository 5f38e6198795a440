package notify

import (
	"fmt"
	"sync"

	"github.com/godbus/dbus/v5"

	"Tether/pkg/bridge"
	"Tether/pkg/logger"
)

const (
	notifyBusName = "org.freedesktop.Notifications"
	notifyPath    = "/org/freedesktop/Notifications"
	notifyMethod  = "org.freedesktop.Notifications.Notify"

	appName = "Tether"

	// expire after the server's default timeout
	defaultExpire int32 = -1

	desktopQueue = 16
)

// caller is the part of dbus.BusObject the sink needs.
type caller interface {
	Call(method string, flags dbus.Flags, args ...interface{}) *dbus.Call
}

// DesktopSink shows messages as desktop notifications over the session bus.
// Publish never blocks; messages are dropped when the queue is full.
type DesktopSink struct {
	obj   caller
	conn  *dbus.Conn
	queue chan bridge.StatusMessage
	done  chan struct{}

	mu     sync.Mutex
	closed bool
	// replaces is the id of the last notification so a new one replaces it.
	replaces uint32
}

// NewDesktopSink connects to the session bus.
func NewDesktopSink() (*DesktopSink, error) {
	conn, err := dbus.ConnectSessionBus()
	if err != nil {
		return nil, fmt.Errorf("connect to session bus: %w", err)
	}
	s := newDesktopSink(conn.Object(notifyBusName, notifyPath))
	s.conn = conn
	return s, nil
}

func newDesktopSink(obj caller) *DesktopSink {
	s := &DesktopSink{
		obj:   obj,
		queue: make(chan bridge.StatusMessage, desktopQueue),
		done:  make(chan struct{}),
	}
	go s.loop()
	return s
}

func (s *DesktopSink) Publish(msg bridge.StatusMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.queue <- msg:
	default:
		logger.Warn("notify").Str("kind", msg.Kind.String()).Msg("Notification queue full, dropping")
	}
}

func (s *DesktopSink) loop() {
	defer close(s.done)
	for msg := range s.queue {
		if err := s.show(msg); err != nil {
			logger.Warn("notify").Err(err).Msg("Desktop notification failed")
		}
	}
}

func (s *DesktopSink) show(msg bridge.StatusMessage) error {
	icon := "phone"
	if msg.Kind.IsFailure() {
		icon = "dialog-warning"
	}
	var id uint32
	err := s.obj.Call(notifyMethod, 0,
		appName,
		s.replaces,
		icon,
		appName,
		msg.Text,
		[]string{},
		map[string]dbus.Variant{},
		defaultExpire,
	).Store(&id)
	if err != nil {
		return err
	}
	s.replaces = id
	return nil
}

// Close drains the queue and releases the bus connection.
func (s *DesktopSink) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.queue)
	s.mu.Unlock()

	<-s.done
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}
