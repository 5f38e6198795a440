package adb

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// scriptedSub replays frames pushed by the test.
type scriptedSub struct {
	frames chan string
	errs   chan error
	closed chan struct{}
	once   sync.Once
}

func newScriptedSub() *scriptedSub {
	return &scriptedSub{
		frames: make(chan string, 8),
		errs:   make(chan error, 1),
		closed: make(chan struct{}),
	}
}

func (s *scriptedSub) Next() (string, error) {
	select {
	case f := <-s.frames:
		return f, nil
	case err := <-s.errs:
		return "", err
	case <-s.closed:
		return "", errors.New("closed")
	}
}

func (s *scriptedSub) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

// scriptedSource hands out subscriptions in order; an empty queue fails the open.
type scriptedSource struct {
	fakeShell
	mu    sync.Mutex
	subs  []*scriptedSub
	opens atomic.Int32
}

func (s *scriptedSource) TrackDevices(ctx context.Context) (Subscription, error) {
	s.opens.Add(1)
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.subs) == 0 {
		return nil, &TransportError{Op: "dial", Err: errors.New("connection refused")}
	}
	sub := s.subs[0]
	s.subs = s.subs[1:]
	return sub, nil
}

type fakeRestarter struct{ calls atomic.Int32 }

func (r *fakeRestarter) Restart(ctx context.Context) error {
	r.calls.Add(1)
	return nil
}

func collectEvents(tr *Tracker) chan Event {
	ch := make(chan Event, 64)
	tr.AddListener(func(ev Event) { ch <- ev })
	return ch
}

func nextDeviceEvent(t *testing.T, ch chan Event) Event {
	t.Helper()
	for {
		select {
		case ev := <-ch:
			if ev.Kind == EventSubscribed {
				continue
			}
			return ev
		case <-time.After(2 * time.Second):
			t.Fatal("Timed out waiting for event")
			return Event{}
		}
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("Timed out waiting for %s", what)
}

func testTrackerConfig() TrackerConfig {
	return TrackerConfig{RetryDelay: 10 * time.Millisecond, RestartThreshold: 3, RestartInterval: time.Millisecond}
}

func TestTrackerDisconnectScenario(t *testing.T) {
	sub := newScriptedSub()
	src := &scriptedSource{subs: []*scriptedSub{sub}}
	tr := NewTracker(src, nil, nil, testTrackerConfig())
	events := collectEvents(tr)
	tr.Start(context.Background())
	defer tr.Stop()

	sub.frames <- "dev1\tdevice\n"
	if ev := nextDeviceEvent(t, events); ev.Kind != EventConnected || ev.Device.Serial() != "dev1" {
		t.Fatalf("Expected Connected(dev1), got %s", ev.Kind)
	}

	sub.frames <- ""
	ev := nextDeviceEvent(t, events)
	if ev.Kind != EventStateChanged || ev.NewState != Offline || ev.OldState != Online {
		t.Fatalf("Expected StateChanged(dev1, Offline), got %s %s", ev.Kind, ev.NewState)
	}
	ev = nextDeviceEvent(t, events)
	if ev.Kind != EventDisconnected || ev.Device.Serial() != "dev1" {
		t.Fatalf("Expected Disconnected(dev1), got %s", ev.Kind)
	}
	// removal follows delivery of Disconnected
	waitFor(t, "dev1 removal", func() bool { return tr.Device("dev1") == nil })
	if !tr.HasDeviceList() {
		t.Error("HasDeviceList should be true after a snapshot")
	}
}

func TestTrackerRemovedDeviceVisibleToListeners(t *testing.T) {
	sub := newScriptedSub()
	src := &scriptedSource{subs: []*scriptedSub{sub}}
	tr := NewTracker(src, nil, nil, testTrackerConfig())

	type seen struct {
		kind       EventKind
		registered bool
	}
	ch := make(chan seen, 16)
	tr.AddListener(func(ev Event) {
		if ev.Kind == EventSubscribed {
			return
		}
		ch <- seen{kind: ev.Kind, registered: tr.Device("dev1") != nil}
	})
	tr.Start(context.Background())
	defer tr.Stop()

	next := func() seen {
		t.Helper()
		select {
		case s := <-ch:
			return s
		case <-time.After(2 * time.Second):
			t.Fatal("Timed out waiting for event")
			return seen{}
		}
	}

	sub.frames <- "dev1\tdevice\n"
	if s := next(); s.kind != EventConnected {
		t.Fatalf("Expected Connected, got %s", s.kind)
	}

	sub.frames <- ""
	for _, want := range []EventKind{EventStateChanged, EventDisconnected} {
		s := next()
		if s.kind != want {
			t.Fatalf("Expected %s, got %s", want, s.kind)
		}
		if !s.registered {
			t.Errorf("dev1 should still be registered during %s", want)
		}
	}

	waitFor(t, "dev1 removal", func() bool { return tr.Device("dev1") == nil })
}

func TestTrackerConnectScenario(t *testing.T) {
	sub := newScriptedSub()
	src := &scriptedSource{subs: []*scriptedSub{sub}}
	src.outputs = map[string]string{GetPropCommand: "[dhcp.wlan0.ipaddress]: [10.0.0.5]\n"}
	tr := NewTracker(src, nil, nil, testTrackerConfig())
	events := collectEvents(tr)
	tr.Start(context.Background())
	defer tr.Stop()

	sub.frames <- ""
	sub.frames <- "dev1\tdevice\n"

	ev := nextDeviceEvent(t, events)
	if ev.Kind != EventConnected || ev.Device.Serial() != "dev1" {
		t.Fatalf("Expected Connected(dev1), got %s", ev.Kind)
	}
	if !ev.Added {
		t.Error("Connected for a new device should be marked Added")
	}
	if !src.called(GetPropCommand) {
		t.Error("Connected should trigger a property refresh")
	}
	if ev.Device.IPAddress() != "10.0.0.5" {
		t.Errorf("Refresh should complete before Connected is emitted, IP = %q", ev.Device.IPAddress())
	}
}

func TestTrackerStateChangeToOnline(t *testing.T) {
	sub := newScriptedSub()
	src := &scriptedSource{subs: []*scriptedSub{sub}}
	tr := NewTracker(src, nil, nil, testTrackerConfig())
	events := collectEvents(tr)
	tr.Start(context.Background())
	defer tr.Stop()

	sub.frames <- "DEV1\toffline\n"
	sub.frames <- "dev1\tdevice\n"

	ev := nextDeviceEvent(t, events)
	if ev.Kind != EventStateChanged || ev.OldState != Offline || ev.NewState != Online {
		t.Fatalf("Expected StateChanged offline->online, got %s", ev.Kind)
	}
	ev = nextDeviceEvent(t, events)
	if ev.Kind != EventConnected {
		t.Fatalf("Expected Connected, got %s", ev.Kind)
	}
	if ev.Added || ev.OldState != Offline {
		t.Errorf("Connected for a known device should carry its old state, got added=%v old=%s", ev.Added, ev.OldState)
	}
	if len(tr.Devices()) != 1 {
		t.Errorf("Serials differing only in case are one device, got %d", len(tr.Devices()))
	}

	// same state again is not an event
	sub.frames <- "dev1\tdevice\n"
	sub.frames <- "dev1\tdevice\ndev2\toffline\n"
	waitFor(t, "dev2", func() bool { return tr.Device("dev2") != nil })
	select {
	case ev := <-events:
		if ev.Kind != EventSubscribed {
			t.Errorf("Unexpected event %s", ev.Kind)
		}
	default:
	}
}

func TestTrackerRemovesNonOnlineSilently(t *testing.T) {
	sub := newScriptedSub()
	src := &scriptedSource{subs: []*scriptedSub{sub}}
	tr := NewTracker(src, nil, nil, testTrackerConfig())
	events := collectEvents(tr)
	tr.Start(context.Background())
	defer tr.Stop()

	sub.frames <- "dev1\toffline\n"
	waitFor(t, "dev1", func() bool { return tr.Device("dev1") != nil })
	sub.frames <- ""
	waitFor(t, "dev1 removal", func() bool { return tr.Device("dev1") == nil })

	for {
		select {
		case ev := <-events:
			if ev.Kind != EventSubscribed {
				t.Errorf("Unexpected event %s", ev.Kind)
			}
		default:
			return
		}
	}
}

func TestTrackerResubscribesAfterError(t *testing.T) {
	first, second := newScriptedSub(), newScriptedSub()
	src := &scriptedSource{subs: []*scriptedSub{first, second}}
	tr := NewTracker(src, nil, nil, testTrackerConfig())
	events := collectEvents(tr)
	tr.Start(context.Background())
	defer tr.Stop()

	ev := <-events
	if ev.Kind != EventSubscribed || ev.Resumed {
		t.Fatalf("Expected initial Subscribed, got %s resumed=%v", ev.Kind, ev.Resumed)
	}

	first.errs <- &ProtocolError{Msg: "invalid hex length", Data: "zz12"}

	select {
	case ev := <-events:
		if ev.Kind != EventSubscribed || !ev.Resumed {
			t.Fatalf("Expected resumed Subscribed, got %s resumed=%v", ev.Kind, ev.Resumed)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Tracker did not resubscribe")
	}
	if src.opens.Load() != 2 {
		t.Errorf("Expected 2 opens, got %d", src.opens.Load())
	}
}

func TestTrackerMalformedFrameFromDaemon(t *testing.T) {
	var subscribes atomic.Int32
	d, cleanup := startFakeDaemon(t, func(c *fakeConn, req string) bool {
		if req != "host:track-devices" {
			return false
		}
		if subscribes.Add(1) == 1 {
			c.okay()
			c.raw("zz12garbage")
			return false
		}
		c.okay()
		c.body("ABC123\toffline\n")
		return true
	})
	defer cleanup()

	client := NewClient(d.addr(), WithTimeout(time.Second))
	tr := NewTracker(client, nil, nil, testTrackerConfig())
	tr.Start(context.Background())

	waitFor(t, "second subscription", func() bool { return tr.Device("ABC123") != nil })
	tr.Stop()

	if subscribes.Load() < 2 {
		t.Errorf("Expected a resubscribe after the malformed frame, got %d", subscribes.Load())
	}
	if tr.State() != TrackerDisconnected {
		t.Errorf("State after Stop = %s", tr.State())
	}
}

func TestTrackerRestartsServerAfterRepeatedFailures(t *testing.T) {
	src := &scriptedSource{}
	restarter := &fakeRestarter{}
	tr := NewTracker(src, restarter, nil, testTrackerConfig())
	tr.Start(context.Background())
	defer tr.Stop()

	waitFor(t, "server restart", func() bool { return restarter.calls.Load() >= 1 })
	if src.opens.Load() <= int32(testTrackerConfig().RestartThreshold) {
		t.Errorf("Restart should follow more than %d failed opens, got %d", testTrackerConfig().RestartThreshold, src.opens.Load())
	}
}

func TestTrackerStopIsIdempotent(t *testing.T) {
	tr := NewTracker(&scriptedSource{}, nil, nil, testTrackerConfig())
	tr.Stop()
	tr.Start(context.Background())
	tr.Stop()
	tr.Stop()
}

func TestTrackerSharedLock(t *testing.T) {
	var mu sync.Mutex
	sub := newScriptedSub()
	tr := NewTracker(&scriptedSource{subs: []*scriptedSub{sub}}, nil, &mu, testTrackerConfig())
	tr.Start(context.Background())
	defer tr.Stop()

	mu.Lock()
	sub.frames <- "dev1\toffline\n"
	time.Sleep(50 * time.Millisecond)
	if len(tr.devices) != 0 {
		mu.Unlock()
		t.Fatal("Registry must not change while the shared lock is held")
	}
	mu.Unlock()

	waitFor(t, "dev1", func() bool { return tr.Device("dev1") != nil })
}
