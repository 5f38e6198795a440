package notify

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/godbus/dbus/v5"

	"Tether/pkg/bridge"
)

type collector struct {
	mu   sync.Mutex
	msgs []bridge.StatusMessage
}

func (c *collector) Publish(msg bridge.StatusMessage) {
	c.mu.Lock()
	c.msgs = append(c.msgs, msg)
	c.mu.Unlock()
}

func (c *collector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.msgs)
}

func TestFanout(t *testing.T) {
	a, b := &collector{}, &collector{}
	f := Fanout{a, nil, b, LogSink{}}
	f.Publish(bridge.NewStatus(bridge.Armed, "", "", ""))
	if a.count() != 1 || b.count() != 1 {
		t.Errorf("Fanout delivered %d and %d", a.count(), b.count())
	}
}

func TestThrottledDropsDuplicates(t *testing.T) {
	c := &collector{}
	th := NewThrottled(c, time.Hour)

	msg := bridge.NewStatus(bridge.NotOnNetwork, "Pixel", "ABC", "")
	th.Publish(msg)
	th.Publish(msg)
	th.Publish(bridge.NewStatus(bridge.NotOnNetwork, "Other", "DEF", ""))

	if c.count() != 2 {
		t.Errorf("Expected 2 forwarded messages, got %d", c.count())
	}
}

func TestThrottledAllowsAfterInterval(t *testing.T) {
	c := &collector{}
	th := NewThrottled(c, 20*time.Millisecond)

	msg := bridge.NewStatus(bridge.Armed, "", "", "")
	th.Publish(msg)
	time.Sleep(40 * time.Millisecond)
	th.Publish(msg)

	if c.count() != 2 {
		t.Errorf("Expected 2 forwarded messages, got %d", c.count())
	}
}

func TestThrottledDisabled(t *testing.T) {
	c := &collector{}
	th := NewThrottled(c, 0)
	msg := bridge.NewStatus(bridge.Armed, "", "", "")
	for i := 0; i < 3; i++ {
		th.Publish(msg)
	}
	if c.count() != 3 {
		t.Errorf("Expected 3 forwarded messages, got %d", c.count())
	}
}

type fakeBus struct {
	mu    sync.Mutex
	calls [][]interface{}
	fail  bool
}

func (f *fakeBus) Call(method string, flags dbus.Flags, args ...interface{}) *dbus.Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	if method != notifyMethod {
		return &dbus.Call{Err: errors.New("unexpected method " + method)}
	}
	f.calls = append(f.calls, args)
	if f.fail {
		return &dbus.Call{Err: errors.New("no notification daemon")}
	}
	return &dbus.Call{Body: []interface{}{uint32(len(f.calls))}}
}

func (f *fakeBus) snapshot() [][]interface{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]interface{}(nil), f.calls...)
}

func TestDesktopSinkNotifies(t *testing.T) {
	bus := &fakeBus{}
	s := newDesktopSink(bus)

	s.Publish(bridge.NewStatus(bridge.Connected, "Pixel", "ABC", "192.168.1.5:5555"))
	s.Publish(bridge.NewStatus(bridge.ConnectFailed, "Pixel", "ABC", "192.168.1.5:5555"))
	if err := s.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	calls := bus.snapshot()
	if len(calls) != 2 {
		t.Fatalf("Expected 2 notifications, got %d", len(calls))
	}
	if calls[0][4] != "Connected to device Pixel at 192.168.1.5:5555" {
		t.Errorf("Body = %v", calls[0][4])
	}
	// second notification replaces the first
	if calls[1][1] != uint32(1) {
		t.Errorf("replaces_id = %v, want 1", calls[1][1])
	}
	if calls[1][2] != "dialog-warning" {
		t.Errorf("Failure icon = %v", calls[1][2])
	}
}

func TestDesktopSinkFailureDoesNotStop(t *testing.T) {
	bus := &fakeBus{fail: true}
	s := newDesktopSink(bus)
	s.Publish(bridge.NewStatus(bridge.Armed, "", "", ""))
	s.Publish(bridge.NewStatus(bridge.Disarmed, "", "", ""))
	s.Close()

	if n := len(bus.snapshot()); n != 2 {
		t.Errorf("Expected both notifications attempted, got %d", n)
	}
}

func TestDesktopSinkPublishAfterClose(t *testing.T) {
	s := newDesktopSink(&fakeBus{})
	s.Close()
	s.Close()
	s.Publish(bridge.NewStatus(bridge.Armed, "", "", ""))
}
