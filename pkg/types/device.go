package types

// Device is the JSON view of one device known to the adb server
type Device struct {
	Serial         string `json:"serial"`
	State          string `json:"state"`
	Transport      string `json:"transport"` // "usb", "tcpip", or "emulator"
	Product        string `json:"product,omitempty"`
	Model          string `json:"model,omitempty"`
	DeviceName     string `json:"deviceName,omitempty"`
	IPAddress      string `json:"ipAddress,omitempty"`
	WifiOn         bool   `json:"wifiOn"`
	USBSerial      string `json:"usbSerial,omitempty"`
	UserIdentifier string `json:"userIdentifier"`
	AndroidVer     string `json:"androidVer,omitempty"`
	SDK            string `json:"sdk,omitempty"`
}

// Endpoint is the remembered TCP/IP connection used to reconnect after a server restart
type Endpoint struct {
	IPAddress      string `json:"ipAddress"`
	Port           int    `json:"port"`
	USBSerial      string `json:"usbSerial,omitempty"`
	UserIdentifier string `json:"userIdentifier"`
	SavedAt        int64  `json:"savedAt"`
}

// HistoryEntry is one recorded bridge outcome
type HistoryEntry struct {
	ID        string `json:"id"`
	Timestamp int64  `json:"timestamp"`
	Kind      string `json:"kind"` // status kind, e.g. "connected", "reconnect_failed"
	Serial    string `json:"serial,omitempty"`
	USBSerial string `json:"usbSerial,omitempty"`
	Address   string `json:"address,omitempty"`
	Message   string `json:"message"`
}

// Partition is how the last reconcile classified the devices it saw, by serial
type Partition struct {
	Bridged     []string `json:"bridged"`
	Candidates  []string `json:"candidates"`
	Unreachable []string `json:"unreachable"`
}

// BridgeStatus is a snapshot of the reconciler
type BridgeStatus struct {
	Armed         bool      `json:"armed"`
	Remembered    *Endpoint `json:"remembered,omitempty"`
	LastReconcile int64     `json:"lastReconcile,omitempty"`
	LastReason    string    `json:"lastReason,omitempty"`
	LastError     string    `json:"lastError,omitempty"`
	AnyDevices    bool      `json:"anyDevices"`
	Partition     Partition `json:"partition"`
	TrackerState  string    `json:"trackerState,omitempty"`
}
