package mcp

import (
	"context"
	"sync"
)

// MockCall records a method call for verification
type MockCall struct {
	Method string
	Args   []interface{}
}

// MockTetherApp is a mock implementation of TetherApp for testing
type MockTetherApp struct {
	mu    sync.Mutex
	Calls []MockCall

	AppVersion string

	ListDevicesResult      []Device
	ListDevicesError       error
	GetBridgeStatusResult  *BridgeStatus
	GetBridgeStatusError   error
	ForgetEndpointResult   bool
	ForgetEndpointError    error
	GetBridgeHistoryResult []HistoryEntry
	GetBridgeHistoryError  error
}

// NewMockTetherApp creates a new mock with empty results
func NewMockTetherApp() *MockTetherApp {
	return &MockTetherApp{
		Calls:                  make([]MockCall, 0),
		AppVersion:             "1.0.0-test",
		ListDevicesResult:      []Device{},
		GetBridgeStatusResult:  &BridgeStatus{},
		GetBridgeHistoryResult: []HistoryEntry{},
	}
}

func (m *MockTetherApp) recordCall(method string, args ...interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls = append(m.Calls, MockCall{Method: method, Args: args})
}

// GetCalls returns a copy of recorded calls
func (m *MockTetherApp) GetCalls() []MockCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]MockCall(nil), m.Calls...)
}

// WasMethodCalled checks if a method was called
func (m *MockTetherApp) WasMethodCalled(method string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.Calls {
		if c.Method == method {
			return true
		}
	}
	return false
}

// GetLastCallByMethod returns the last call of a given method
func (m *MockTetherApp) GetLastCallByMethod(method string) *MockCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.Calls) - 1; i >= 0; i-- {
		if m.Calls[i].Method == method {
			c := m.Calls[i]
			return &c
		}
	}
	return nil
}

func (m *MockTetherApp) GetAppVersion() string {
	m.recordCall("GetAppVersion")
	return m.AppVersion
}

func (m *MockTetherApp) ListDevices(ctx context.Context) ([]Device, error) {
	m.recordCall("ListDevices")
	return m.ListDevicesResult, m.ListDevicesError
}

func (m *MockTetherApp) GetBridgeStatus(ctx context.Context) (*BridgeStatus, error) {
	m.recordCall("GetBridgeStatus")
	return m.GetBridgeStatusResult, m.GetBridgeStatusError
}

func (m *MockTetherApp) ForgetEndpoint(ctx context.Context) (bool, error) {
	m.recordCall("ForgetEndpoint")
	return m.ForgetEndpointResult, m.ForgetEndpointError
}

func (m *MockTetherApp) GetBridgeHistory(ctx context.Context, limit int) ([]HistoryEntry, error) {
	m.recordCall("GetBridgeHistory", limit)
	return m.GetBridgeHistoryResult, m.GetBridgeHistoryError
}

// SetupWithDevices sets the devices returned by ListDevices
func (m *MockTetherApp) SetupWithDevices(devices ...Device) *MockTetherApp {
	m.ListDevicesResult = devices
	return m
}

// SampleDevice creates a sample USB device for testing
func SampleDevice(serial string) Device {
	return Device{
		Serial:         serial,
		State:          "online",
		Transport:      "usb",
		Model:          "Pixel_7",
		IPAddress:      "192.168.1.5",
		WifiOn:         true,
		USBSerial:      serial,
		UserIdentifier: serial,
	}
}

// SampleStatus creates an armed status with a remembered endpoint
func SampleStatus() *BridgeStatus {
	return &BridgeStatus{
		Armed: true,
		Remembered: &Endpoint{
			IPAddress:      "192.168.1.5",
			Port:           5555,
			USBSerial:      "ABC123",
			UserIdentifier: "Pixel",
		},
		LastReconcile: 1700000000000,
		LastReason:    "usb arrival",
		AnyDevices:    true,
	}
}
