// Package config loads and saves the tether YAML configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// AppName names the per-user config directory.
const AppName = "Tether"

// FileName is the config file inside the config directory.
const FileName = "config.yaml"

type ADB struct {
	// Path to the adb executable; empty means search PATH and the SDK.
	Path          string        `yaml:"path"`
	ServerAddress string        `yaml:"serverAddress"`
	IOTimeout     time.Duration `yaml:"ioTimeout"`
}

type Bridge struct {
	DaemonPort  int           `yaml:"daemonPort"`
	SettleDelay time.Duration `yaml:"settleDelay"`
}

type Tracker struct {
	RetryDelay       time.Duration `yaml:"retryDelay"`
	RestartThreshold int           `yaml:"restartThreshold"`
	RestartInterval  time.Duration `yaml:"restartInterval"`
}

type Hotplug struct {
	Enabled  bool          `yaml:"enabled"`
	Path     string        `yaml:"path"`
	Debounce time.Duration `yaml:"debounce"`
}

type Notify struct {
	Desktop     bool          `yaml:"desktop"`
	MinInterval time.Duration `yaml:"minInterval"`
}

type IPC struct {
	Socket string `yaml:"socket"`
}

type Store struct {
	Dir           string        `yaml:"dir"`
	HistoryMaxAge time.Duration `yaml:"historyMaxAge"`
}

type Log struct {
	Level string `yaml:"level"`
	File  bool   `yaml:"file"`
}

// Config is the whole configuration file.
type Config struct {
	ADB     ADB     `yaml:"adb"`
	Bridge  Bridge  `yaml:"bridge"`
	Tracker Tracker `yaml:"tracker"`
	Hotplug Hotplug `yaml:"hotplug"`
	Notify  Notify  `yaml:"notify"`
	IPC     IPC     `yaml:"ipc"`
	Store   Store   `yaml:"store"`
	Log     Log     `yaml:"log"`
}

// Dir is the per-user config directory, falling back to the temp dir.
func Dir() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		dir = os.TempDir()
	}
	return filepath.Join(dir, AppName)
}

// DefaultPath is Dir()/config.yaml.
func DefaultPath() string {
	return filepath.Join(Dir(), FileName)
}

// DefaultSocketPath is tether.sock in XDG_RUNTIME_DIR, or the temp dir.
func DefaultSocketPath() string {
	dir := os.Getenv("XDG_RUNTIME_DIR")
	if dir == "" {
		dir = os.TempDir()
	}
	return filepath.Join(dir, "tether.sock")
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		ADB: ADB{
			ServerAddress: "127.0.0.1:5037",
			IOTimeout:     5 * time.Second,
		},
		Bridge: Bridge{
			DaemonPort:  5555,
			SettleDelay: time.Second,
		},
		Tracker: Tracker{
			RetryDelay:       time.Second,
			RestartThreshold: 10,
			RestartInterval:  30 * time.Second,
		},
		Hotplug: Hotplug{
			Enabled:  true,
			Path:     "/dev/bus/usb",
			Debounce: 300 * time.Millisecond,
		},
		Notify: Notify{
			Desktop:     true,
			MinInterval: 2 * time.Second,
		},
		IPC:   IPC{Socket: DefaultSocketPath()},
		Store: Store{Dir: Dir(), HistoryMaxAge: 30 * 24 * time.Hour},
		Log:   Log{Level: "info", File: true},
	}
}

// Load reads path on top of the defaults. A missing file yields the defaults.
// Empty path means DefaultPath().
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultPath()
	}
	cfg := Default()

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate rejects values the daemon cannot run with.
func (c *Config) Validate() error {
	if c.Bridge.DaemonPort <= 0 || c.Bridge.DaemonPort > 0xFFFF {
		return fmt.Errorf("bridge.daemonPort %d out of range", c.Bridge.DaemonPort)
	}
	if c.ADB.ServerAddress == "" {
		return fmt.Errorf("adb.serverAddress is empty")
	}
	if c.ADB.IOTimeout <= 0 {
		return fmt.Errorf("adb.ioTimeout must be positive")
	}
	if c.Tracker.RestartThreshold <= 0 {
		return fmt.Errorf("tracker.restartThreshold must be positive")
	}
	if c.IPC.Socket == "" {
		return fmt.Errorf("ipc.socket is empty")
	}
	return nil
}

// Save writes cfg to path, creating the directory.
func Save(path string, cfg *Config) error {
	if path == "" {
		path = DefaultPath()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}
