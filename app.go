package main

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"Tether/pkg/adb"
	"Tether/pkg/bridge"
	"Tether/pkg/config"
	"Tether/pkg/hotplug"
	"Tether/pkg/ipc"
	"Tether/pkg/logger"
	"Tether/pkg/notify"
	"Tether/pkg/store"
	"Tether/pkg/types"
)

// Trigger reasons passed to Reconcile.
const (
	ReasonServiceStart    = "service start"
	ReasonUSBArrival      = "usb arrival"
	ReasonServerStarted   = "server started"
	ReasonTrackerResumed  = "tracker resumed"
	ReasonDeviceConnected = "device connected"
)

// reconciler is the part of bridge.Reconciler the app drives.
type reconciler interface {
	Reconcile(ctx context.Context, reason string) bool
	Forget() bool
	Status() types.BridgeStatus
	SetArmed(armed bool)
}

// App wires the adb client, tracker, reconciler and their collaborators together.
type App struct {
	version string
	cfgPath string

	// Generic mutex for lifecycle state
	mu      sync.Mutex
	started bool
	stopped bool
	armed   bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	cfg        *config.Config
	store      *store.Store
	client     *adb.Client
	server     *adb.Server
	tracker    *adb.Tracker
	reconciler reconciler
	hotplug    hotplug.Source
	ipc        *ipc.Server
	desktop    *notify.DesktopSink
}

// NewApp creates a new App instance. cfgPath may be empty for the default location.
func NewApp(version, cfgPath string) *App {
	return &App{version: version, cfgPath: cfgPath}
}

// GetAppVersion returns the application version
func (a *App) GetAppVersion() string {
	return a.version
}

// Start brings the service up. It fails only when the configuration cannot be
// loaded or adb cannot be found; everything else is logged and retried.
func (a *App) Start(ctx context.Context) (err error) {
	a.mu.Lock()
	if a.started {
		a.mu.Unlock()
		return errors.New("already started")
	}
	a.started = true
	a.ctx, a.cancel = context.WithCancel(ctx)
	a.mu.Unlock()

	defer func() {
		if err != nil {
			a.Stop()
		}
	}()

	cfg, err := config.Load(a.cfgPath)
	if err != nil {
		return err
	}
	a.cfg = cfg
	a.initLogger()

	a.openStore()

	adbPath, err := adb.LocateADB(cfg.ADB.Path)
	if err != nil {
		return err
	}
	logger.Info("app").Str("adb", adbPath).Str("version", a.version).Msg("Starting tether")

	a.client = adb.NewClient(cfg.ADB.ServerAddress, adb.WithTimeout(cfg.ADB.IOTimeout))
	a.server = adb.NewServer(adbPath, a.client)
	if v, err := a.server.CheckVersion(a.ctx); err != nil {
		logger.Warn("app").Err(err).Msg("adb version check failed")
	} else {
		logger.Info("app").Str("adbVersion", v.String()).Msg("adb version")
	}

	// one lock for the tracker registry and the remembered endpoint
	lock := &sync.Mutex{}
	a.tracker = adb.NewTracker(a.client, a.server, lock, adb.TrackerConfig{
		RetryDelay:       cfg.Tracker.RetryDelay,
		RestartThreshold: cfg.Tracker.RestartThreshold,
		RestartInterval:  cfg.Tracker.RestartInterval,
	})

	var endpoints bridge.EndpointStore
	if a.store != nil {
		endpoints = a.store
	}
	r := bridge.NewReconciler(a.client, a.statusSink(), endpoints, lock, bridge.Config{
		Port:        cfg.Bridge.DaemonPort,
		SettleDelay: cfg.Bridge.SettleDelay,
	})
	if a.store != nil {
		r.SetHistory(a.store)
	}
	a.reconciler = r

	a.server.OnEvent(a.handleServerEvent)
	a.tracker.AddListener(a.handleTrackerEvent)

	if err := a.server.EnsureStarted(a.ctx); err != nil {
		logger.Error("app").Err(err).Msg("Failed to start adb server, tracker will retry")
	}

	a.startHotplug()
	a.tracker.Start(a.ctx)

	a.ipc = ipc.NewServer(cfg.IPC.Socket, a)
	if err := a.ipc.Start(); err != nil {
		logger.Error("app").Err(err).Msg("Command channel unavailable")
		a.ipc = nil
	}

	a.setArmed(true)
	a.trigger(ReasonServiceStart)
	return nil
}

func (a *App) initLogger() {
	logCfg := logger.DefaultLogConfig()
	if a.cfg.Log.File {
		logCfg = logger.PersistentLogConfig(a.cfg.Store.Dir)
	}
	logCfg.Level = logger.ParseLevel(a.cfg.Log.Level)
	if err := logger.InitLogger(logCfg); err != nil {
		logger.Warn("app").Err(err).Msg("File logging unavailable")
	} else if path := logger.LogFilePath(); path != "" {
		logger.Info("app").Str("path", path).Msg("Logging to file")
	}
}

func (a *App) openStore() {
	s, err := store.Open(a.cfg.Store.Dir)
	if err != nil {
		logger.Error("app").Err(err).Msg("Store unavailable, remembered endpoint will not persist")
		return
	}
	a.store = s
	if a.cfg.Store.HistoryMaxAge > 0 {
		if n, err := s.Prune(a.cfg.Store.HistoryMaxAge); err != nil {
			logger.Warn("app").Err(err).Msg("Failed to prune history")
		} else if n > 0 {
			logger.Debug("app").Int("entries", n).Msg("Pruned bridge history")
		}
	}
}

func (a *App) statusSink() bridge.StatusSink {
	sinks := notify.Fanout{notify.LogSink{}}
	if a.cfg.Notify.Desktop {
		desktop, err := notify.NewDesktopSink()
		if err != nil {
			logger.Warn("app").Err(err).Msg("Desktop notifications unavailable")
		} else {
			a.desktop = desktop
			sinks = append(sinks, notify.NewThrottled(desktop, a.cfg.Notify.MinInterval))
		}
	}
	return sinks
}

func (a *App) startHotplug() {
	if !a.cfg.Hotplug.Enabled {
		return
	}
	w := hotplug.NewWatcher(a.cfg.Hotplug.Path, a.cfg.Hotplug.Debounce)
	w.OnArrival(func(id string) {
		logger.Debug("app").Str("device", id).Msg("USB arrival")
		a.trigger(ReasonUSBArrival)
	})
	w.OnRemoval(func(id string) {
		logger.Debug("app").Str("device", id).Msg("USB removal")
	})
	if err := w.Start(); err != nil {
		logger.Warn("app").Err(err).Msg("USB hotplug unavailable")
		return
	}
	a.hotplug = w
}

// ========================================
// Triggers
// ========================================

// trigger runs a reconcile in the background so callbacks return promptly.
func (a *App) trigger(reason string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.stopped || a.reconciler == nil {
		return
	}
	ctx, r := a.ctx, a.reconciler
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		r.Reconcile(ctx, reason)
	}()
}

func (a *App) handleServerEvent(ev adb.ServerEvent) {
	if ev.Kind == adb.ServerStarted {
		a.trigger(ReasonServerStarted)
	}
}

func (a *App) handleTrackerEvent(ev adb.Event) {
	switch ev.Kind {
	case adb.EventSubscribed:
		if ev.Resumed {
			a.trigger(ReasonTrackerResumed)
		}
	case adb.EventConnected:
		a.trigger(ReasonDeviceConnected)
	}
}

func (a *App) setArmed(armed bool) {
	a.mu.Lock()
	if a.armed == armed || a.reconciler == nil {
		a.mu.Unlock()
		return
	}
	a.armed = armed
	r := a.reconciler
	a.mu.Unlock()
	r.SetArmed(armed)
}

// ========================================
// Shutdown
// ========================================

// Stop shuts everything down. Safe to call more than once and after a failed Start.
func (a *App) Stop() {
	a.setArmed(false)

	a.mu.Lock()
	if a.stopped {
		a.mu.Unlock()
		return
	}
	a.stopped = true
	cancel := a.cancel
	a.mu.Unlock()

	if a.ipc != nil {
		a.ipc.Stop()
	}
	if a.hotplug != nil {
		a.hotplug.Stop()
	}
	if a.tracker != nil {
		a.tracker.Stop()
	}
	if cancel != nil {
		cancel()
	}
	a.wg.Wait()

	if a.desktop != nil {
		a.desktop.Close()
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			logger.Warn("app").Err(err).Msg("Failed to close store")
		}
	}
	logger.Info("app").Msg("Tether stopped")
	logger.CloseLogger()
}

// ========================================
// Command channel
// ========================================

// Forget drops the remembered endpoint.
func (a *App) Forget() bool {
	if a.reconciler == nil {
		return false
	}
	return a.reconciler.Forget()
}

// Status reports the reconciler and tracker state.
func (a *App) Status() types.BridgeStatus {
	var st types.BridgeStatus
	if a.reconciler != nil {
		st = a.reconciler.Status()
	}
	if a.tracker != nil {
		st.TrackerState = a.tracker.State().String()
	}
	return st
}

// Devices lists the tracker registry.
func (a *App) Devices() []types.Device {
	out := make([]types.Device, 0)
	if a.tracker == nil {
		return out
	}
	for _, d := range a.tracker.Devices() {
		out = append(out, bridge.DescribeDevice(d))
	}
	return out
}

// History returns recent bridge outcomes.
func (a *App) History(limit int) ([]types.HistoryEntry, error) {
	if a.store == nil {
		return nil, fmt.Errorf("history unavailable: store is not open")
	}
	return a.store.History(limit)
}
