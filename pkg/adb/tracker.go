package adb

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"Tether/pkg/logger"
)

// TrackerState is the subscription state.
type TrackerState int32

const (
	TrackerDisconnected TrackerState = iota
	TrackerConnecting
	TrackerSubscribed
)

func (s TrackerState) String() string {
	switch s {
	case TrackerConnecting:
		return "connecting"
	case TrackerSubscribed:
		return "subscribed"
	default:
		return "disconnected"
	}
}

// EventKind tags an Event.
type EventKind int

const (
	EventConnected EventKind = iota
	EventDisconnected
	EventStateChanged
	EventSubscribed
)

func (k EventKind) String() string {
	switch k {
	case EventConnected:
		return "connected"
	case EventDisconnected:
		return "disconnected"
	case EventStateChanged:
		return "state_changed"
	case EventSubscribed:
		return "subscribed"
	default:
		return "unknown"
	}
}

// Event is one tracker notification. Device is nil for EventSubscribed.
type Event struct {
	Kind     EventKind
	Device   *Device
	OldState DeviceState
	NewState DeviceState
	// Added marks a Connected event for a device the registry did not hold yet.
	// OldState carries no meaning then.
	Added bool
	// Resumed is set on EventSubscribed when an earlier subscription was lost.
	Resumed bool
	Time    time.Time
}

// Listener receives tracker events on the tracker goroutine. It must return promptly.
type Listener func(Event)

// DeviceSource is what the tracker needs from a Client.
type DeviceSource interface {
	Shell
	TrackDevices(ctx context.Context) (Subscription, error)
}

// ServerRestarter kills and starts the adb server.
type ServerRestarter interface {
	Restart(ctx context.Context) error
}

// TrackerConfig tunes retry behavior.
type TrackerConfig struct {
	RetryDelay       time.Duration
	RestartThreshold int
	RestartInterval  time.Duration
}

// DefaultTrackerConfig returns the stock retry settings.
func DefaultTrackerConfig() TrackerConfig {
	return TrackerConfig{
		RetryDelay:       time.Second,
		RestartThreshold: 10,
		RestartInterval:  30 * time.Second,
	}
}

// Tracker keeps a registry of the devices the server reports, fed by a
// track-devices subscription.
type Tracker struct {
	source    DeviceSource
	restarter ServerRestarter
	cfg       TrackerConfig
	limiter   *rate.Limiter
	sessionID string

	// lock guards devices and hasList. It is shared with the reconciler.
	lock    sync.Locker
	devices map[string]*Device
	hasList bool

	listenersMu sync.RWMutex
	listeners   []Listener

	state    atomic.Int32
	stopping atomic.Bool

	subMu sync.Mutex
	sub   Subscription

	lifecycleMu sync.Mutex
	cancel      context.CancelFunc
	done        chan struct{}
}

// NewTracker creates a tracker. lock may be nil, in which case a private mutex is used.
// restarter may be nil to disable server restarts.
func NewTracker(source DeviceSource, restarter ServerRestarter, lock sync.Locker, cfg TrackerConfig) *Tracker {
	def := DefaultTrackerConfig()
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = def.RetryDelay
	}
	if cfg.RestartThreshold <= 0 {
		cfg.RestartThreshold = def.RestartThreshold
	}
	if cfg.RestartInterval <= 0 {
		cfg.RestartInterval = def.RestartInterval
	}
	if lock == nil {
		lock = &sync.Mutex{}
	}
	return &Tracker{
		source:    source,
		restarter: restarter,
		cfg:       cfg,
		limiter:   rate.NewLimiter(rate.Every(cfg.RestartInterval), 1),
		sessionID: uuid.New().String(),
		lock:      lock,
		devices:   make(map[string]*Device),
	}
}

// AddListener registers l for all future events.
func (t *Tracker) AddListener(l Listener) {
	t.listenersMu.Lock()
	t.listeners = append(t.listeners, l)
	t.listenersMu.Unlock()
}

func (t *Tracker) emit(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	t.listenersMu.RLock()
	listeners := append([]Listener(nil), t.listeners...)
	t.listenersMu.RUnlock()
	for _, l := range listeners {
		l(ev)
	}
}

func (t *Tracker) State() TrackerState { return TrackerState(t.state.Load()) }

func (t *Tracker) setState(s TrackerState) {
	if TrackerState(t.state.Swap(int32(s))) != s {
		logger.Debug("tracker").Str("session", t.sessionID).Str("state", s.String()).Msg("Tracker state")
	}
}

// SessionID identifies this tracker instance in logs.
func (t *Tracker) SessionID() string { return t.sessionID }

// Devices returns the registry contents sorted by serial.
func (t *Tracker) Devices() []*Device {
	t.lock.Lock()
	out := make([]*Device, 0, len(t.devices))
	for _, d := range t.devices {
		out = append(out, d)
	}
	t.lock.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Serial() < out[j].Serial() })
	return out
}

// Device looks a serial up, case-insensitively.
func (t *Tracker) Device(serial string) *Device {
	t.lock.Lock()
	defer t.lock.Unlock()
	return t.devices[NormalizeSerial(serial)]
}

// HasDeviceList reports whether at least one snapshot has been applied.
func (t *Tracker) HasDeviceList() bool {
	t.lock.Lock()
	defer t.lock.Unlock()
	return t.hasList
}

// ========================================
// Lifecycle
// ========================================

// Start launches the subscription loop. Calling Start on a running tracker is a no-op.
func (t *Tracker) Start(ctx context.Context) {
	t.lifecycleMu.Lock()
	defer t.lifecycleMu.Unlock()
	if t.done != nil {
		return
	}
	t.stopping.Store(false)
	runCtx, cancel := context.WithCancel(ctx)
	t.cancel = cancel
	t.done = make(chan struct{})
	go t.run(runCtx, t.done)
}

// Stop ends the loop and waits for it. It closes the live socket to unblock a pending read.
// Safe to call more than once, and before Start.
func (t *Tracker) Stop() {
	t.lifecycleMu.Lock()
	defer t.lifecycleMu.Unlock()
	if t.done == nil {
		return
	}
	t.stopping.Store(true)
	t.cancel()
	t.closeSubscription()
	<-t.done
	t.done = nil
	t.cancel = nil
	t.setState(TrackerDisconnected)
}

func (t *Tracker) closeSubscription() {
	t.subMu.Lock()
	sub := t.sub
	t.sub = nil
	t.subMu.Unlock()
	if sub != nil {
		sub.Close()
	}
}

func (t *Tracker) sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func (t *Tracker) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	failedOpens := 0
	resumed := false
	for !t.stopping.Load() {
		t.setState(TrackerConnecting)
		sub, err := t.source.TrackDevices(ctx)
		if err != nil {
			t.setState(TrackerDisconnected)
			if t.stopping.Load() {
				return
			}
			failedOpens++
			logger.Warn("tracker").Err(err).Int("failedOpens", failedOpens).Msg("Failed to open device subscription")
			if failedOpens > t.cfg.RestartThreshold {
				t.restartServer(ctx)
				failedOpens = 0
			}
			if !t.sleep(ctx, t.cfg.RetryDelay) {
				return
			}
			continue
		}
		failedOpens = 0

		t.subMu.Lock()
		t.sub = sub
		t.subMu.Unlock()
		if t.stopping.Load() {
			t.closeSubscription()
			return
		}

		t.setState(TrackerSubscribed)
		logger.Info("tracker").Bool("resumed", resumed).Msg("Subscribed to device list")
		t.emit(Event{Kind: EventSubscribed, Resumed: resumed})
		resumed = true

		err = t.readLoop(ctx, sub)
		t.closeSubscription()
		t.setState(TrackerDisconnected)
		if t.stopping.Load() {
			return
		}
		logger.Warn("tracker").Err(err).Msg("Device subscription dropped, retrying")
		if !t.sleep(ctx, t.cfg.RetryDelay) {
			return
		}
	}
}

func (t *Tracker) readLoop(ctx context.Context, sub Subscription) error {
	for {
		body, err := sub.Next()
		if err != nil {
			return err
		}
		t.applySnapshot(ctx, ParseDeviceList(body))
	}
}

func (t *Tracker) restartServer(ctx context.Context) {
	if t.restarter == nil {
		return
	}
	if !t.limiter.Allow() {
		logger.Debug("tracker").Msg("Server restart suppressed by rate limit")
		return
	}
	logger.LogAction(logger.ActionRestart, "", map[string]interface{}{
		"reason": "subscription failures",
	})
	if err := t.restarter.Restart(ctx); err != nil {
		logger.Error("tracker").Err(err).Msg("Failed to restart adb server")
	}
}

// ========================================
// Snapshot diff
// ========================================

// pending is one step to run after the registry lock is released.
type pending struct {
	event   Event
	refresh bool
	// remove is the registry key to drop once the event has been emitted.
	remove string
}

// applySnapshot diffs snapshot against the registry. Registry mutation happens under
// the lock; refreshes and listener calls happen after it is released, in order.
func (t *Tracker) applySnapshot(ctx context.Context, snapshot []*Device) {
	next := make(map[string]*Device, len(snapshot))
	for _, d := range snapshot {
		next[NormalizeSerial(d.Serial())] = d
	}

	var steps []pending

	t.lock.Lock()
	for key, cur := range t.devices {
		fresh, ok := next[key]
		if !ok {
			continue
		}
		old, now := cur.State(), fresh.State()
		if old == now {
			continue
		}
		cur.setState(now)
		steps = append(steps, pending{event: Event{Kind: EventStateChanged, Device: cur, OldState: old, NewState: now}})
		if now == Online {
			steps = append(steps, pending{event: Event{Kind: EventConnected, Device: cur, OldState: old, NewState: now}, refresh: true})
		}
	}

	for key, cur := range t.devices {
		if _, ok := next[key]; ok {
			continue
		}
		if cur.State() != Online {
			delete(t.devices, key)
			continue
		}
		// stays registered until Disconnected has been delivered
		cur.setState(Offline)
		steps = append(steps,
			pending{event: Event{Kind: EventStateChanged, Device: cur, OldState: Online, NewState: Offline}},
			pending{event: Event{Kind: EventDisconnected, Device: cur, OldState: Online, NewState: Offline}, remove: key},
		)
	}

	for key, fresh := range next {
		if _, ok := t.devices[key]; ok {
			continue
		}
		t.devices[key] = fresh
		if fresh.State() == Online {
			steps = append(steps, pending{event: Event{Kind: EventConnected, Device: fresh, NewState: Online, Added: true}, refresh: true})
		}
	}
	t.hasList = true
	t.lock.Unlock()

	for _, step := range steps {
		if step.refresh {
			if err := step.event.Device.Refresh(ctx, t.source); err != nil {
				logger.Warn("tracker").Str("serial", step.event.Device.Serial()).Err(err).Msg("Device refresh incomplete")
			}
		}
		logger.Debug("tracker").Str("serial", step.event.Device.Serial()).
			Str("event", step.event.Kind.String()).Str("state", step.event.NewState.String()).Msg("Device event")
		t.emit(step.event)
		if step.remove != "" {
			t.lock.Lock()
			if t.devices[step.remove] == step.event.Device {
				delete(t.devices, step.remove)
			}
			t.lock.Unlock()
		}
	}
}
