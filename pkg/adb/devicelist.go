package adb

import (
	"regexp"
	"strings"
)

// One record of "host:devices-l" or "host:track-devices":
//
//	<serial> <state> [product:<p> model:<m> device:<d>] [usb:<u>] [transport_id:<n>]
var (
	deviceRecordRe = regexp.MustCompile(`(?i)^([a-z0-9_-]+(?:\s?[\.a-z0-9_-]+)?(?::\d+)?)\s+(device|offline|unknown|bootloader|recovery|download)((?:\s+[a-z_]+:\S*)*)\s*$`)
	recordFieldRe  = regexp.MustCompile(`(?i)([a-z_]+):(\S*)`)
)

// ParseDeviceState maps a wire state token to a DeviceState. "device" means Online.
func ParseDeviceState(token string) DeviceState {
	switch strings.ToLower(strings.TrimSpace(token)) {
	case "device", "online":
		return Online
	case "offline":
		return Offline
	case "bootloader":
		return BootLoader
	case "recovery":
		return Recovery
	case "download":
		return Download
	default:
		return Unknown
	}
}

// ParseDeviceRecord parses one line. ok is false when the line does not match the grammar.
func ParseDeviceRecord(line string) (d *Device, ok bool) {
	m := deviceRecordRe.FindStringSubmatch(strings.TrimSpace(line))
	if m == nil {
		return nil, false
	}

	d = NewDevice(m[1], ParseDeviceState(m[2]))
	for _, f := range recordFieldRe.FindAllStringSubmatch(m[3], -1) {
		switch strings.ToLower(f[1]) {
		case "product":
			d.product = f[2]
		case "model":
			d.model = f[2]
		case "device":
			d.deviceName = f[2]
		}
	}
	return d, true
}

// ParseDeviceList splits a list body on line breaks and parses every record.
// Lines that do not match are skipped.
func ParseDeviceList(body string) []*Device {
	var devices []*Device
	for _, line := range splitLines(body) {
		if line == "" {
			continue
		}
		if d, ok := ParseDeviceRecord(line); ok {
			devices = append(devices, d)
		}
	}
	return devices
}

func splitLines(s string) []string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	return strings.Split(s, "\n")
}

func isDeviceNotFoundMessage(msg string) bool {
	msg = strings.ToLower(msg)
	return strings.Contains(msg, "device") && strings.Contains(msg, "not found")
}
