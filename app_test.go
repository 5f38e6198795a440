package main

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"Tether/pkg/adb"
	"Tether/pkg/config"
	"Tether/pkg/types"
)

type fakeReconciler struct {
	mu      sync.Mutex
	reasons []string
	armed   []bool
	forgets int
}

func (f *fakeReconciler) Reconcile(ctx context.Context, reason string) bool {
	f.mu.Lock()
	f.reasons = append(f.reasons, reason)
	f.mu.Unlock()
	return true
}

func (f *fakeReconciler) Forget() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.forgets++
	return true
}

func (f *fakeReconciler) Status() types.BridgeStatus {
	return types.BridgeStatus{Armed: true, LastReason: "usb arrival"}
}

func (f *fakeReconciler) SetArmed(armed bool) {
	f.mu.Lock()
	f.armed = append(f.armed, armed)
	f.mu.Unlock()
}

func (f *fakeReconciler) snapshot() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.reasons...)
}

// setupApp returns an app wired to a fake reconciler without starting adb.
func setupApp(t *testing.T) (*App, *fakeReconciler) {
	t.Helper()
	r := &fakeReconciler{}
	a := NewApp("test", "")
	a.ctx, a.cancel = context.WithCancel(context.Background())
	a.started = true
	a.reconciler = r
	t.Cleanup(a.Stop)
	return a, r
}

func waitReasons(t *testing.T, a *App, r *fakeReconciler, want ...string) {
	t.Helper()
	a.wg.Wait()
	got := r.snapshot()
	if len(got) != len(want) {
		t.Fatalf("reasons = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("reasons = %v, want %v", got, want)
		}
	}
}

func TestServerEventTriggers(t *testing.T) {
	a, r := setupApp(t)

	a.handleServerEvent(adb.ServerEvent{Kind: adb.ServerKilled, Time: time.Now()})
	waitReasons(t, a, r)

	a.handleServerEvent(adb.ServerEvent{Kind: adb.ServerStarted, Time: time.Now()})
	waitReasons(t, a, r, ReasonServerStarted)
}

func TestTrackerEventTriggers(t *testing.T) {
	a, r := setupApp(t)
	d := adb.NewDevice("ABC123", adb.Online)

	a.handleTrackerEvent(adb.Event{Kind: adb.EventSubscribed})
	a.handleTrackerEvent(adb.Event{Kind: adb.EventStateChanged, Device: d, OldState: adb.Offline, NewState: adb.Online})
	a.handleTrackerEvent(adb.Event{Kind: adb.EventDisconnected, Device: d})
	waitReasons(t, a, r)

	a.handleTrackerEvent(adb.Event{Kind: adb.EventSubscribed, Resumed: true})
	waitReasons(t, a, r, ReasonTrackerResumed)

	a.handleTrackerEvent(adb.Event{Kind: adb.EventConnected, Device: d})
	waitReasons(t, a, r, ReasonTrackerResumed, ReasonDeviceConnected)
}

func TestStopIsIdempotentAndDisarmsOnce(t *testing.T) {
	a, r := setupApp(t)
	a.setArmed(true)
	a.setArmed(true)

	a.Stop()
	a.Stop()

	r.mu.Lock()
	armed := append([]bool(nil), r.armed...)
	r.mu.Unlock()
	if len(armed) != 2 || armed[0] != true || armed[1] != false {
		t.Errorf("SetArmed calls = %v, want [true false]", armed)
	}

	// triggers after Stop are ignored
	a.trigger(ReasonUSBArrival)
	waitReasons(t, a, r)
}

func TestCommandHandlers(t *testing.T) {
	a, r := setupApp(t)

	if !a.Forget() || r.forgets != 1 {
		t.Error("Forget should reach the reconciler")
	}
	if st := a.Status(); !st.Armed || st.LastReason != "usb arrival" {
		t.Errorf("Status = %+v", st)
	}
	if devices := a.Devices(); devices == nil || len(devices) != 0 {
		t.Errorf("Devices without tracker = %v", devices)
	}
	if _, err := a.History(10); err == nil {
		t.Error("History without store should fail")
	}
}

func TestStartFailsWithoutADB(t *testing.T) {
	dir := t.TempDir()
	cfg := config.Default()
	cfg.ADB.Path = filepath.Join(dir, "no-adb")
	cfg.Store.Dir = dir
	cfg.Log.File = false
	cfg.IPC.Socket = filepath.Join(dir, "tether.sock")
	cfgPath := filepath.Join(dir, "config.yaml")
	if err := config.Save(cfgPath, cfg); err != nil {
		t.Fatal(err)
	}

	a := NewApp("test", cfgPath)
	err := a.Start(context.Background())
	if !errors.Is(err, adb.ErrADBNotFound) {
		t.Fatalf("Start error = %v, want ErrADBNotFound", err)
	}
	// Start already ran Stop; a second Stop is harmless
	a.Stop()
	if _, err := os.Stat(cfg.IPC.Socket); !os.IsNotExist(err) {
		t.Error("No socket should be left behind")
	}
	if err := a.Start(context.Background()); err == nil {
		t.Error("Start after Start should fail")
	}
}

func TestStartFailsOnBadConfig(t *testing.T) {
	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	os.WriteFile(cfgPath, []byte("bridge:\n  daemonPort: -1\n"), 0644)

	a := NewApp("test", cfgPath)
	if err := a.Start(context.Background()); err == nil {
		t.Fatal("Expected config error")
	}
}
