package adb

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
)

func TestParseVersion(t *testing.T) {
	tests := []struct {
		output string
		want   Version
		ok     bool
	}{
		{"Android Debug Bridge version 1.0.41\nVersion 34.0.4-10411341\nInstalled as /usr/bin/adb\n", Version{1, 0, 41}, true},
		{"Android Debug Bridge version 1.0.32\r\n", Version{1, 0, 32}, true},
		{"adb: command not found", Version{}, false},
	}
	for _, tt := range tests {
		got, ok := ParseVersion(tt.output)
		if ok != tt.ok || got != tt.want {
			t.Errorf("ParseVersion(%q) = %v %v, want %v %v", tt.output, got, ok, tt.want, tt.ok)
		}
	}
}

func TestVersionLess(t *testing.T) {
	if !(Version{1, 0, 31}).Less(MinimumVersion) {
		t.Error("1.0.31 should be older than the minimum")
	}
	if (Version{1, 0, 41}).Less(MinimumVersion) {
		t.Error("1.0.41 should satisfy the minimum")
	}
	if !(Version{0, 9, 99}).Less(Version{1, 0, 0}) {
		t.Error("major version should dominate")
	}
}

func TestCleanEnv(t *testing.T) {
	env := cleanEnv([]string{"PATH=/bin", "HTTP_PROXY=http://x", "https_proxy=y", "HOME=/root", "NO_PROXY_EXTRA=1"})
	joined := strings.Join(env, ";")
	if strings.Contains(joined, "HTTP_PROXY=") || strings.Contains(joined, "https_proxy=") {
		t.Errorf("Proxy vars should be removed: %v", env)
	}
	if len(env) != 3 {
		t.Errorf("Expected 3 remaining vars, got %v", env)
	}
}

func TestLocateADBConfigured(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "adb_locate_*")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(tmpDir)

	path := filepath.Join(tmpDir, "adb")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"), 0755); err != nil {
		t.Fatalf("write: %v", err)
	}
	got, err := LocateADB(path)
	if err != nil || got != path {
		t.Errorf("LocateADB = %q, %v", got, err)
	}

	_, err = LocateADB(filepath.Join(tmpDir, "missing"))
	if !errors.Is(err, ErrADBNotFound) {
		t.Errorf("Expected ErrADBNotFound, got %v", err)
	}
}

func TestLocateADBFromSDK(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "adb_sdk_*")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(tmpDir)

	tools := filepath.Join(tmpDir, "platform-tools")
	os.MkdirAll(tools, 0755)
	os.WriteFile(filepath.Join(tools, "adb"), []byte("#!/bin/sh\n"), 0755)

	t.Setenv("PATH", "")
	t.Setenv("ANDROID_HOME", "")
	t.Setenv("ANDROID_SDK_ROOT", tmpDir)

	got, err := LocateADB("")
	if err != nil {
		t.Fatalf("LocateADB: %v", err)
	}
	if got != filepath.Join(tools, "adb") {
		t.Errorf("LocateADB = %q", got)
	}
}

type recordedRunner struct {
	mu      sync.Mutex
	calls   []string
	version string
}

func (r *recordedRunner) run(ctx context.Context, path string, args ...string) ([]byte, []byte, error) {
	r.mu.Lock()
	r.calls = append(r.calls, strings.Join(args, " "))
	r.mu.Unlock()
	if len(args) > 0 && args[0] == "version" {
		return []byte(r.version), nil, nil
	}
	return nil, nil, nil
}

type fixedVersioner int

func (v fixedVersioner) Version(ctx context.Context) (int, error) { return int(v), nil }

func TestServerEnsureStarted(t *testing.T) {
	tests := []struct {
		name    string
		running int
		want    []string
	}{
		{"matching version", 41, []string{"version", "start-server"}},
		{"mismatch restarts once", 39, []string{"version", "start-server", "kill-server", "start-server"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := &recordedRunner{version: "Android Debug Bridge version 1.0.41\n"}
			s := &Server{path: "adb", run: r.run, client: fixedVersioner(tt.running)}

			var events []ServerEventKind
			s.OnEvent(func(ev ServerEvent) { events = append(events, ev.Kind) })

			if err := s.EnsureStarted(context.Background()); err != nil {
				t.Fatalf("EnsureStarted: %v", err)
			}
			if strings.Join(r.calls, ",") != strings.Join(tt.want, ",") {
				t.Errorf("calls = %v, want %v", r.calls, tt.want)
			}
			if len(events) == 0 || events[len(events)-1] != ServerStarted {
				t.Errorf("Expected ServerStarted last, got %v", events)
			}
		})
	}
}

func TestServerRejectsOldADB(t *testing.T) {
	r := &recordedRunner{version: "Android Debug Bridge version 1.0.31\n"}
	s := &Server{path: "adb", run: r.run}
	if err := s.EnsureStarted(context.Background()); err == nil {
		t.Fatal("Expected an error for an old adb")
	}
	if len(r.calls) != 1 {
		t.Errorf("Server should not be started, calls = %v", r.calls)
	}
}

func TestServerEventsReachListeners(t *testing.T) {
	s := NewServer("/opt/adb", nil)
	s.run = func(ctx context.Context, path string, args ...string) ([]byte, []byte, error) {
		return nil, nil, nil
	}

	var mu sync.Mutex
	var got []ServerEventKind
	record := func(ev ServerEvent) {
		mu.Lock()
		got = append(got, ev.Kind)
		mu.Unlock()
	}
	s.OnEvent(record)
	s.OnEvent(func(ev ServerEvent) {
		// registering from inside a listener must not affect the current delivery
		s.OnEvent(func(ServerEvent) {})
	})

	if err := s.Kill(context.Background()); err != nil {
		t.Fatalf("Kill failed: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 || got[0] != ServerKilled {
		t.Errorf("events = %v, want [ServerKilled]", got)
	}
}
