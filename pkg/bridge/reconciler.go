package bridge

import (
	"context"
	"sort"
	"sync"
	"time"

	"Tether/pkg/adb"
	"Tether/pkg/logger"
	"Tether/pkg/types"
)

// Bridge is the subset of the adb client the reconciler drives.
type Bridge interface {
	adb.Shell
	ListDevices(ctx context.Context) ([]*adb.Device, error)
	SwitchDeviceTransportMode(ctx context.Context, serial string, port int) error
	Connect(ctx context.Context, host string, port int) (bool, error)
	Disconnect(ctx context.Context, host string, port int) error
}

// Config tunes the reconciler.
type Config struct {
	// Port is the TCP port devices are switched to.
	Port int
	// SettleDelay is how long to wait between the tcpip switch and connect.
	SettleDelay time.Duration
}

// DefaultConfig returns port 5555 with a one second settle delay.
func DefaultConfig() Config {
	return Config{Port: 5555, SettleDelay: time.Second}
}

// Reconciler makes every device the server knows about reachable over TCP/IP and
// restores the last good connection when the server comes back with no devices.
type Reconciler struct {
	bridge  Bridge
	sink    StatusSink
	store   EndpointStore
	history HistoryRecorder
	cfg     Config

	// runMu serializes Reconcile.
	runMu sync.Mutex

	// lock guards the fields below. It is shared with the tracker registry.
	lock       sync.Locker
	remembered *RememberedEndpoint
	toVerify   *RememberedEndpoint
	armed      bool
	last       types.BridgeStatus
}

// NewReconciler creates a reconciler and loads the remembered endpoint from store.
// sink, store and lock may be nil.
func NewReconciler(b Bridge, sink StatusSink, store EndpointStore, lock sync.Locker, cfg Config) *Reconciler {
	def := DefaultConfig()
	if cfg.Port <= 0 {
		cfg.Port = def.Port
	}
	if cfg.SettleDelay < 0 {
		cfg.SettleDelay = def.SettleDelay
	}
	if sink == nil {
		sink = discardSink{}
	}
	if lock == nil {
		lock = &sync.Mutex{}
	}
	r := &Reconciler{bridge: b, sink: sink, store: store, lock: lock, cfg: cfg}

	if store != nil {
		ep, err := store.LoadEndpoint()
		if err != nil {
			logger.Warn("bridge").Err(err).Msg("Failed to load remembered endpoint")
		} else if ep != nil {
			r.remembered = ep
			logger.Info("bridge").Str("address", ep.Address()).Str("device", ep.UserIdentifier).Msg("Loaded remembered endpoint")
		}
	}
	return r
}

// SetHistory attaches a recorder for connect/reconnect outcomes.
func (r *Reconciler) SetHistory(h HistoryRecorder) {
	r.lock.Lock()
	r.history = h
	r.lock.Unlock()
}

func (r *Reconciler) publish(msg StatusMessage) {
	logger.Info("bridge").Str("status", msg.Kind.String()).Str("serial", msg.Serial).Msg(msg.Text)
	r.sink.Publish(msg)

	r.lock.Lock()
	h := r.history
	r.lock.Unlock()
	if h == nil || !msg.Kind.recorded() {
		return
	}
	entry := types.HistoryEntry{
		Timestamp: msg.Time.UnixMilli(),
		Kind:      msg.Kind.String(),
		Serial:    msg.Serial,
		USBSerial: msg.USBSerial,
		Address:   msg.Address,
		Message:   msg.Text,
	}
	if err := h.Record(entry); err != nil {
		logger.Warn("bridge").Err(err).Msg("Failed to record history")
	}
}

// ========================================
// Reconcile
// ========================================

// Reconcile bridges every reachable device to TCP/IP. When the server reports no
// devices at all, it reconnects to the remembered endpoint. It reports whether the
// server knew about any devices. Failures are logged and reported on the status
// sink; nothing is returned to the caller.
func (r *Reconciler) Reconcile(ctx context.Context, reason string) bool {
	r.runMu.Lock()
	defer r.runMu.Unlock()

	timer := logger.StartOperation("bridge", "reconcile").AddDetail("reason", reason)
	report := types.BridgeStatus{LastReconcile: time.Now().UnixMilli(), LastReason: reason}

	devices, err := r.bridge.ListDevices(ctx)
	if err != nil {
		timer.EndWithError(err)
		report.LastError = err.Error()
		r.saveReport(report)
		return false
	}
	for _, d := range devices {
		if err := d.Refresh(ctx, r.bridge); err != nil {
			logger.Debug("bridge").Str("serial", d.Serial()).Err(err).Msg("Refresh incomplete")
		}
	}
	anyDevices := len(devices) > 0
	report.AnyDevices = anyDevices

	// group transport aliases of one physical device by IP
	byIP := make(map[string][]*adb.Device)
	bridgedIPs := make(map[string]bool)
	for _, d := range devices {
		ip := deviceIP(d)
		if ip == "" {
			continue
		}
		byIP[ip] = append(byIP[ip], d)
		if d.IsTCP() {
			bridgedIPs[ip] = true
		}
	}
	crossPollinate(byIP)

	var potential *adb.Device
	connectedAny := false
	for _, d := range devices {
		ip := deviceIP(d)
		switch {
		case ip == "" || !(d.IsTCP() || d.WifiIsOn()):
			report.Partition.Unreachable = append(report.Partition.Unreachable, d.Serial())
			r.publish(NewStatus(NotOnNetwork, d.UserIdentifier(), d.Serial(), ip))

		case bridgedIPs[ip]:
			report.Partition.Bridged = append(report.Partition.Bridged, d.Serial())
			if potential == nil {
				potential = d
			}
			if r.verifyReconnection(ctx, d, ip) && potential == d {
				potential = nil
			}

		default:
			report.Partition.Candidates = append(report.Partition.Candidates, d.Serial())
			if r.bridgeDevice(ctx, d, ip) {
				connectedAny = true
				bridgedIPs[ip] = true
			}
		}
	}

	if !connectedAny && potential != nil {
		r.remember(endpointFor(potential, r.cfg.Port), deviceIP(potential))
	}
	if !anyDevices {
		r.restore(ctx)
	}

	r.saveReport(report)
	timer.AddDetail("devices", len(devices)).AddDetail("bridged", connectedAny).End()
	return anyDevices
}

// deviceIP is the device's wlan0 address, or the host of a TCP/IP serial.
func deviceIP(d *adb.Device) string {
	if ip := d.IPAddress(); ip != "" {
		return ip
	}
	if host, _, ok := d.Endpoint(); ok {
		return host
	}
	return ""
}

// crossPollinate copies the first known USB serial in each IP group onto every member.
// Two distinct devices that reuse one address in sequence are treated as the same device.
func crossPollinate(byIP map[string][]*adb.Device) {
	for _, group := range byIP {
		usbSerial := ""
		for _, d := range group {
			if s := d.USBSerial(); s != "" {
				usbSerial = s
				break
			}
		}
		for _, d := range group {
			d.SetUSBSerial(usbSerial)
		}
	}
}

// bridgeDevice switches d to TCP/IP and connects to it.
func (r *Reconciler) bridgeDevice(ctx context.Context, d *adb.Device, ip string) bool {
	port := r.cfg.Port
	ep := endpointFor(d, port)
	ep.IPAddress = ip
	addr := ep.Address()

	if err := r.bridge.SwitchDeviceTransportMode(ctx, d.Serial(), port); err != nil {
		logger.Warn("bridge").Str("serial", d.Serial()).Err(err).Msg("tcpip switch failed")
		r.publish(NewStatus(ConnectFailed, d.UserIdentifier(), d.Serial(), addr))
		return false
	}

	if !sleepCtx(ctx, r.cfg.SettleDelay) {
		return false
	}

	ok, err := r.bridge.Connect(ctx, ip, port)
	if err != nil {
		logger.Warn("bridge").Str("address", addr).Err(err).Msg("Connect failed")
	}
	if !ok {
		r.publish(NewStatus(ConnectFailed, d.UserIdentifier(), d.Serial(), addr))
		return false
	}

	logger.LogAction(logger.ActionBridge, d.Serial(), map[string]interface{}{
		"address":   addr,
		"usbSerial": ep.USBSerial,
	})
	msg := NewStatus(Connected, d.UserIdentifier(), d.Serial(), addr)
	msg.USBSerial = ep.USBSerial
	r.publish(msg)
	r.remember(ep, ip)
	return true
}

// verifyReconnection checks a device on the address we last reconnected to. It
// returns true when the device turned out to be a different one and was dropped.
func (r *Reconciler) verifyReconnection(ctx context.Context, d *adb.Device, ip string) bool {
	r.lock.Lock()
	pending := r.toVerify
	if pending == nil || pending.IPAddress != ip {
		r.lock.Unlock()
		return false
	}
	r.toVerify = nil
	r.lock.Unlock()

	if pending.USBSerial == d.USBSerial() {
		logger.Debug("bridge").Str("address", pending.Address()).Str("usbSerial", d.USBSerial()).Msg("Reconnection verified")
		return false
	}

	logger.Warn("bridge").Str("address", pending.Address()).
		Str("expected", pending.USBSerial).Str("got", d.USBSerial()).Msg("Reconnected to a different device, disconnecting")
	if err := r.bridge.Disconnect(ctx, ip, pending.Port); err != nil {
		logger.Warn("bridge").Err(err).Msg("Disconnect failed")
	}
	msg := NewStatus(ReconnectFailed, d.UserIdentifier(), d.Serial(), pending.Address())
	msg.USBSerial = d.USBSerial()
	r.publish(msg)

	r.lock.Lock()
	stillRemembered := r.remembered != nil && r.remembered.IPAddress == pending.IPAddress
	r.lock.Unlock()
	if stillRemembered {
		r.Forget()
	}
	return true
}

// restore reconnects to the remembered endpoint.
func (r *Reconciler) restore(ctx context.Context) {
	ep := r.Remembered()
	if ep == nil {
		return
	}
	addr := ep.Address()
	logger.Info("bridge").Str("device", ep.UserIdentifier).Str("usbSerial", ep.USBSerial).Str("address", addr).Msg("Reconnecting to remembered endpoint")

	ok, err := r.bridge.Connect(ctx, ep.IPAddress, ep.Port)
	if err != nil {
		logger.Warn("bridge").Str("address", addr).Err(err).Msg("Reconnect failed")
	}
	if !ok {
		msg := NewStatus(ReconnectFailed, ep.UserIdentifier, "", addr)
		msg.USBSerial = ep.USBSerial
		r.publish(msg)
		return
	}

	r.lock.Lock()
	r.toVerify = ep
	r.lock.Unlock()
	logger.LogAction(logger.ActionReconnect, ep.USBSerial, map[string]interface{}{"address": addr})
	msg := NewStatus(Reconnected, ep.UserIdentifier, "", addr)
	msg.USBSerial = ep.USBSerial
	r.publish(msg)
}

// ========================================
// Remembered endpoint
// ========================================

func (r *Reconciler) remember(ep RememberedEndpoint, ip string) {
	ep.IPAddress = ip
	r.lock.Lock()
	prev := r.remembered
	changed := prev == nil || prev.Address() != ep.Address() || prev.USBSerial != ep.USBSerial ||
		prev.UserIdentifier != ep.UserIdentifier
	if changed {
		r.remembered = &ep
	}
	r.lock.Unlock()
	if !changed {
		return
	}

	if r.store != nil {
		if err := r.store.SaveEndpoint(ep); err != nil {
			logger.Warn("bridge").Err(err).Msg("Failed to persist remembered endpoint")
		}
	}
	msg := NewStatus(Remembered, ep.UserIdentifier, "", ep.Address())
	msg.USBSerial = ep.USBSerial
	r.publish(msg)
}

// Forget drops the remembered endpoint. It reports whether there was one.
func (r *Reconciler) Forget() bool {
	r.lock.Lock()
	prev := r.remembered
	r.remembered = nil
	r.lock.Unlock()
	if prev == nil {
		return false
	}

	if r.store != nil {
		if err := r.store.ClearEndpoint(); err != nil {
			logger.Warn("bridge").Err(err).Msg("Failed to clear remembered endpoint")
		}
	}
	logger.LogAction(logger.ActionForget, prev.USBSerial, map[string]interface{}{"address": prev.Address()})
	msg := NewStatus(Forgotten, prev.UserIdentifier, "", prev.Address())
	msg.USBSerial = prev.USBSerial
	r.publish(msg)
	r.publish(NewStatus(NoRemembered, "", "", ""))
	return true
}

// Remembered returns a copy of the remembered endpoint, or nil.
func (r *Reconciler) Remembered() *RememberedEndpoint {
	r.lock.Lock()
	defer r.lock.Unlock()
	if r.remembered == nil {
		return nil
	}
	ep := *r.remembered
	return &ep
}

// PublishRemembered sends the remembered/no-remembered status.
func (r *Reconciler) PublishRemembered() {
	if ep := r.Remembered(); ep != nil {
		msg := NewStatus(Remembered, ep.UserIdentifier, "", ep.Address())
		msg.USBSerial = ep.USBSerial
		r.publish(msg)
		return
	}
	r.publish(NewStatus(NoRemembered, "", "", ""))
}

// SetArmed publishes Armed or Disarmed. Arming also republishes the remembered endpoint.
func (r *Reconciler) SetArmed(armed bool) {
	r.lock.Lock()
	r.armed = armed
	r.lock.Unlock()
	if armed {
		r.publish(NewStatus(Armed, "", "", ""))
		r.PublishRemembered()
		return
	}
	r.publish(NewStatus(Disarmed, "", "", ""))
}

// ========================================
// Status
// ========================================

func (r *Reconciler) saveReport(report types.BridgeStatus) {
	sort.Strings(report.Partition.Bridged)
	sort.Strings(report.Partition.Candidates)
	sort.Strings(report.Partition.Unreachable)
	r.lock.Lock()
	r.last = report
	r.lock.Unlock()
}

// Status returns a snapshot of the reconciler state.
func (r *Reconciler) Status() types.BridgeStatus {
	r.lock.Lock()
	st := r.last
	st.Armed = r.armed
	remembered := r.remembered
	r.lock.Unlock()
	if remembered != nil {
		st.Remembered = remembered.DTO()
	}
	return st
}

// DescribeDevice converts a device to its JSON view.
func DescribeDevice(d *adb.Device) types.Device {
	return types.Device{
		Serial:         d.Serial(),
		State:          d.State().String(),
		Transport:      d.Transport().String(),
		Product:        d.Product(),
		Model:          d.Model(),
		DeviceName:     d.DeviceName(),
		IPAddress:      deviceIP(d),
		WifiOn:         d.WifiIsOn(),
		USBSerial:      d.USBSerial(),
		UserIdentifier: d.UserIdentifier(),
		AndroidVer:     d.BuildRelease(),
		SDK:            d.SDKVersion(),
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
