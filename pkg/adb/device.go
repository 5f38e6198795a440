package adb

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"Tether/pkg/logger"
)

// DeviceState is the daemon's view of one device.
type DeviceState int

const (
	Offline DeviceState = iota
	Online
	BootLoader
	Recovery
	Download
	Unknown
)

func (s DeviceState) String() string {
	switch s {
	case Offline:
		return "offline"
	case Online:
		return "online"
	case BootLoader:
		return "bootloader"
	case Recovery:
		return "recovery"
	case Download:
		return "download"
	default:
		return "unknown"
	}
}

// TransportKind is derived from the shape of a serial and nothing else.
type TransportKind int

const (
	TransportUSB TransportKind = iota
	TransportTCP
	TransportEmulator
)

func (k TransportKind) String() string {
	switch k {
	case TransportTCP:
		return "tcpip"
	case TransportEmulator:
		return "emulator"
	default:
		return "usb"
	}
}

var (
	emulatorSerialRe = regexp.MustCompile(`^emulator-(\d+)$`)
	tcpSerialRe      = regexp.MustCompile(`^(\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3}):(\d{1,5})$`)
)

// ClassifySerial reports the transport a serial string denotes.
func ClassifySerial(serial string) TransportKind {
	switch {
	case tcpSerialRe.MatchString(serial):
		return TransportTCP
	case emulatorSerialRe.MatchString(serial):
		return TransportEmulator
	default:
		return TransportUSB
	}
}

// Well-known property and environment names.
const (
	PropIPAddress      = "dhcp.wlan0.ipaddress"
	PropDHCPService    = "init.svc.dhcpcd_wlan0"
	PropBootSerial     = "ro.boot.serialno"
	PropDeviceName     = "persist.sys.device_name"
	PropBuildRelease   = "ro.build.version.release"
	PropBuildSDK       = "ro.build.version.sdk"
	EnvExternalStorage = "EXTERNAL_STORAGE"
	EnvAndroidData     = "ANDROID_DATA"
	EnvAndroidRoot     = "ANDROID_ROOT"
)

// Shell runs a command on a device and streams its output to sink.
type Shell interface {
	ExecuteShell(ctx context.Context, serial, command string, sink ShellReceiver) error
}

// Device is one device known to the daemon. The serial is fixed at construction;
// everything else is cached state refreshed on demand.
type Device struct {
	serial string

	mu          sync.RWMutex
	state       DeviceState
	product     string
	model       string
	deviceName  string
	properties  map[string]string
	environment map[string]string
	mountPoints map[string]MountPoint
	wlanAddress string
	usbSerial   string
}

// NewDevice creates a device with empty caches.
func NewDevice(serial string, state DeviceState) *Device {
	return &Device{
		serial:      serial,
		state:       state,
		properties:  make(map[string]string),
		environment: make(map[string]string),
		mountPoints: make(map[string]MountPoint),
	}
}

func (d *Device) Serial() string { return d.serial }

func (d *Device) State() DeviceState {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.state
}

func (d *Device) setState(s DeviceState) {
	d.mu.Lock()
	d.state = s
	d.mu.Unlock()
}

func (d *Device) IsOnline() bool  { return d.State() == Online }
func (d *Device) IsOffline() bool { return d.State() == Offline }

func (d *Device) Transport() TransportKind { return ClassifySerial(d.serial) }
func (d *Device) IsUSB() bool              { return d.Transport() == TransportUSB }
func (d *Device) IsTCP() bool              { return d.Transport() == TransportTCP }
func (d *Device) IsEmulator() bool         { return d.Transport() == TransportEmulator }

// EmulatorPort returns the console port of an emulator-<n> serial.
func (d *Device) EmulatorPort() (int, bool) {
	m := emulatorSerialRe.FindStringSubmatch(d.serial)
	if m == nil {
		return 0, false
	}
	port, err := strconv.Atoi(m[1])
	return port, err == nil
}

// Endpoint returns host and port of a TCP/IP serial.
func (d *Device) Endpoint() (string, int, bool) {
	m := tcpSerialRe.FindStringSubmatch(d.serial)
	if m == nil {
		return "", 0, false
	}
	port, err := strconv.Atoi(m[2])
	if err != nil {
		return "", 0, false
	}
	return m[1], port, true
}

func (d *Device) Product() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.product
}

func (d *Device) Model() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.model
}

func (d *Device) DeviceName() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.deviceName
}

// GetProperty returns the first of names that is set, or "".
func (d *Device) GetProperty(names ...string) string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, name := range names {
		if v, ok := d.properties[name]; ok {
			return v
		}
	}
	return ""
}

func (d *Device) Properties() map[string]string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return copyMap(d.properties)
}

func (d *Device) Environment() map[string]string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return copyMap(d.environment)
}

func (d *Device) EnvVar(name string) string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.environment[name]
}

func (d *Device) MountPoints() map[string]MountPoint {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make(map[string]MountPoint, len(d.mountPoints))
	for k, v := range d.mountPoints {
		out[k] = v
	}
	return out
}

func (d *Device) BuildRelease() string    { return d.GetProperty(PropBuildRelease) }
func (d *Device) SDKVersion() string      { return d.GetProperty(PropBuildSDK) }
func (d *Device) ExternalStorage() string { return d.EnvVar(EnvExternalStorage) }
func (d *Device) AndroidData() string     { return d.EnvVar(EnvAndroidData) }
func (d *Device) AndroidRoot() string     { return d.EnvVar(EnvAndroidRoot) }

// IPAddress is the wlan0 address: the DHCP property, else the interface address.
func (d *Device) IPAddress() string {
	if ip := d.GetProperty(PropIPAddress); ip != "" {
		return ip
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.wlanAddress
}

// WifiIsOn reports whether the DHCP client for wlan0 runs. Devices that no longer
// publish the service property count as on when wlan0 has an address.
func (d *Device) WifiIsOn() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if svc, ok := d.properties[PropDHCPService]; ok {
		return svc == "running"
	}
	return d.wlanAddress != ""
}

// USBSerial is the hardware serial: ro.boot.serialno, else the serial of a
// USB-attached device, else whatever SetUSBSerial recorded.
func (d *Device) USBSerial() string {
	if s := d.GetProperty(PropBootSerial); s != "" {
		return s
	}
	if d.IsUSB() {
		return d.serial
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.usbSerial
}

// SetUSBSerial records a hardware serial learned from another transport of the same device.
func (d *Device) SetUSBSerial(s string) {
	d.mu.Lock()
	d.usbSerial = s
	d.mu.Unlock()
}

// UserIdentifier is the name shown in status messages.
func (d *Device) UserIdentifier() string {
	if name := d.GetProperty(PropDeviceName); name != "" {
		return name
	}
	if s := d.USBSerial(); s != "" {
		return s
	}
	return d.serial
}

func (d *Device) String() string {
	return fmt.Sprintf("%s [%s, %s]", d.serial, d.State(), d.Transport())
}

// ========================================
// Refresh - 刷新设备信息
// ========================================

// Refresh reloads environment, mount points and properties. Offline devices are skipped.
// Each step is attempted; the first error is returned.
func (d *Device) Refresh(ctx context.Context, sh Shell) error {
	if d.IsOffline() {
		return nil
	}
	var first error
	for _, step := range []func(context.Context, Shell) error{
		d.RefreshEnvironment,
		d.RefreshMountPoints,
		d.RefreshProperties,
	} {
		if err := step(ctx, sh); err != nil {
			logger.Debug("device").Str("serial", d.serial).Err(err).Msg("Refresh step failed")
			if first == nil {
				first = err
			}
		}
	}
	return first
}

// RefreshProperties runs getprop. When the DHCP address property is missing the
// wlan0 interface address is looked up as well.
func (d *Device) RefreshProperties(ctx context.Context, sh Shell) error {
	props := make(map[string]string)
	recv := NewLineReceiver(func(lines []string) { parseGetProp(lines, props) })
	if err := sh.ExecuteShell(ctx, d.serial, GetPropCommand, recv); err != nil {
		return fmt.Errorf("getprop on %s: %w", d.serial, err)
	}

	d.mu.Lock()
	d.properties = props
	_, hasIP := props[PropIPAddress]
	d.mu.Unlock()

	if hasIP {
		return nil
	}

	var wlan string
	recv = NewLineReceiver(func(lines []string) {
		if ip := parseInetAddress(lines); ip != "" && wlan == "" {
			wlan = ip
		}
	})
	if err := sh.ExecuteShell(ctx, d.serial, WlanAddressCommand, recv); err != nil {
		return fmt.Errorf("wlan0 address on %s: %w", d.serial, err)
	}
	d.mu.Lock()
	d.wlanAddress = wlan
	d.mu.Unlock()
	return nil
}

// RefreshEnvironment runs printenv.
func (d *Device) RefreshEnvironment(ctx context.Context, sh Shell) error {
	env := make(map[string]string)
	recv := NewLineReceiver(func(lines []string) { parseEnv(lines, env) })
	if err := sh.ExecuteShell(ctx, d.serial, EnvCommand, recv); err != nil {
		return fmt.Errorf("printenv on %s: %w", d.serial, err)
	}
	d.mu.Lock()
	d.environment = env
	d.mu.Unlock()
	return nil
}

// RefreshMountPoints reads /proc/mounts.
func (d *Device) RefreshMountPoints(ctx context.Context, sh Shell) error {
	mounts := make(map[string]MountPoint)
	recv := NewLineReceiver(func(lines []string) { parseMounts(lines, mounts) })
	if err := sh.ExecuteShell(ctx, d.serial, MountCommand, recv); err != nil {
		return fmt.Errorf("mounts on %s: %w", d.serial, err)
	}
	d.mu.Lock()
	d.mountPoints = mounts
	d.mu.Unlock()
	return nil
}

func copyMap(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// NormalizeSerial is the registry key for a serial.
func NormalizeSerial(serial string) string {
	return strings.ToLower(serial)
}
