package mcp

import (
	"context"

	"Tether/pkg/ipc"
)

// DaemonApp implements TetherApp by talking to a running daemon over its command socket.
type DaemonApp struct {
	socket  string
	version string
}

// NewDaemonApp creates a client for the daemon listening on socket.
func NewDaemonApp(socket, version string) *DaemonApp {
	return &DaemonApp{socket: socket, version: version}
}

func (d *DaemonApp) GetAppVersion() string {
	return d.version
}

func (d *DaemonApp) ListDevices(ctx context.Context) ([]Device, error) {
	resp, err := ipc.Call(ctx, d.socket, ipc.Request{Command: ipc.CmdDevices})
	if err != nil {
		return nil, err
	}
	if resp.Devices == nil {
		return []Device{}, nil
	}
	return resp.Devices, nil
}

func (d *DaemonApp) GetBridgeStatus(ctx context.Context) (*BridgeStatus, error) {
	resp, err := ipc.Call(ctx, d.socket, ipc.Request{Command: ipc.CmdStatus})
	if err != nil {
		return nil, err
	}
	if resp.Status == nil {
		return &BridgeStatus{}, nil
	}
	return resp.Status, nil
}

func (d *DaemonApp) ForgetEndpoint(ctx context.Context) (bool, error) {
	resp, err := ipc.Call(ctx, d.socket, ipc.Request{Command: ipc.CmdForget})
	if err != nil {
		return false, err
	}
	return resp.Forgot, nil
}

func (d *DaemonApp) GetBridgeHistory(ctx context.Context, limit int) ([]HistoryEntry, error) {
	resp, err := ipc.Call(ctx, d.socket, ipc.Request{Command: ipc.CmdHistory, Limit: limit})
	if err != nil {
		return nil, err
	}
	return resp.History, nil
}
