package adb

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"runtime"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"Tether/pkg/logger"
)

// ErrADBNotFound is returned when no adb executable can be located.
var ErrADBNotFound = errors.New("adb executable not found")

// Version is an adb release number.
type Version struct {
	Major, Minor, Micro int
}

// MinimumVersion is the oldest adb release that supports the commands used here.
var MinimumVersion = Version{1, 0, 32}

func (v Version) String() string { return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Micro) }

// Less reports whether v is older than o.
func (v Version) Less(o Version) bool {
	if v.Major != o.Major {
		return v.Major < o.Major
	}
	if v.Minor != o.Minor {
		return v.Minor < o.Minor
	}
	return v.Micro < o.Micro
}

var adbVersionRe = regexp.MustCompile(`(?m)^.*?(\d+)\.(\d+)\.(\d+)\s*$`)

// ParseVersion finds the first "x.y.z" at the end of a line of `adb version` output.
func ParseVersion(output string) (Version, bool) {
	m := adbVersionRe.FindStringSubmatch(output)
	if m == nil {
		return Version{}, false
	}
	var v Version
	v.Major, _ = strconv.Atoi(m[1])
	v.Minor, _ = strconv.Atoi(m[2])
	v.Micro, _ = strconv.Atoi(m[3])
	return v, true
}

// LocateADB finds the adb executable: the configured path, then PATH, then the SDK
// platform-tools under ANDROID_HOME or ANDROID_SDK_ROOT.
func LocateADB(configured string) (string, error) {
	name := "adb"
	if runtime.GOOS == "windows" {
		name = "adb.exe"
	}

	if configured != "" {
		if info, err := os.Stat(configured); err == nil && !info.IsDir() {
			return configured, nil
		}
		return "", fmt.Errorf("%w: configured path %s", ErrADBNotFound, configured)
	}
	if path, err := exec.LookPath(name); err == nil {
		return path, nil
	}
	for _, env := range []string{"ANDROID_HOME", "ANDROID_SDK_ROOT"} {
		root := os.Getenv(env)
		if root == "" {
			continue
		}
		path := filepath.Join(root, "platform-tools", name)
		if info, err := os.Stat(path); err == nil && !info.IsDir() {
			return path, nil
		}
	}
	return "", ErrADBNotFound
}

// ServerEventKind tags a ServerEvent.
type ServerEventKind int

const (
	ServerStarted ServerEventKind = iota
	ServerKilled
)

func (k ServerEventKind) String() string {
	if k == ServerKilled {
		return "killed"
	}
	return "started"
}

// ServerEvent reports an adb server lifecycle change made by this process.
type ServerEvent struct {
	Kind ServerEventKind
	Time time.Time
}

// versioner is the part of Client the server controller needs.
type versioner interface {
	Version(ctx context.Context) (int, error)
}

type commandRunner func(ctx context.Context, path string, args ...string) (stdout, stderr []byte, err error)

// Server controls the adb server process through the adb executable.
type Server struct {
	path   string
	client versioner
	run    commandRunner

	mu        sync.Mutex
	listeners []func(ServerEvent)
}

// NewServer creates a controller for the adb at path. client is used to compare the
// running server's protocol version with the executable's.
func NewServer(path string, client *Client) *Server {
	s := &Server{path: path, run: runCommand}
	if client != nil {
		s.client = client
	}
	return s
}

func (s *Server) Path() string { return s.path }

// OnEvent registers fn for lifecycle events.
func (s *Server) OnEvent(fn func(ServerEvent)) {
	s.mu.Lock()
	s.listeners = append(s.listeners, fn)
	s.mu.Unlock()
}

func (s *Server) emit(kind ServerEventKind) {
	s.mu.Lock()
	listeners := slices.Clone(s.listeners)
	s.mu.Unlock()
	ev := ServerEvent{Kind: kind, Time: time.Now()}
	for _, fn := range listeners {
		fn(ev)
	}
}

// Version runs `adb version`. stdout is searched first, then stderr.
func (s *Server) Version(ctx context.Context) (Version, error) {
	stdout, stderr, err := s.run(ctx, s.path, "version")
	if err != nil {
		return Version{}, fmt.Errorf("adb version: %w", err)
	}
	if v, ok := ParseVersion(string(stdout)); ok {
		return v, nil
	}
	if v, ok := ParseVersion(string(stderr)); ok {
		return v, nil
	}
	return Version{}, fmt.Errorf("adb version: unrecognized output %q", strings.TrimSpace(string(stdout)))
}

// CheckVersion fails when the executable is older than MinimumVersion.
func (s *Server) CheckVersion(ctx context.Context) (Version, error) {
	v, err := s.Version(ctx)
	if err != nil {
		return v, err
	}
	if v.Less(MinimumVersion) {
		return v, fmt.Errorf("adb %s is older than required %s", v, MinimumVersion)
	}
	return v, nil
}

// EnsureStarted starts the server. When the running server speaks a different protocol
// version than the executable, it is restarted once.
func (s *Server) EnsureStarted(ctx context.Context) error {
	v, err := s.CheckVersion(ctx)
	if err != nil {
		return err
	}
	if err := s.start(ctx); err != nil {
		return err
	}
	if s.client == nil {
		return nil
	}

	running, err := s.client.Version(ctx)
	if err != nil {
		logger.Warn("adb").Err(err).Msg("Could not query server version")
		return nil
	}
	if running == v.Micro {
		return nil
	}
	logger.Info("adb").Int("running", running).Int("local", v.Micro).Msg("Server version mismatch, restarting")
	return s.Restart(ctx)
}

func (s *Server) start(ctx context.Context) error {
	timer := logger.StartOperation("adb", "start-server")
	if _, stderr, err := s.run(ctx, s.path, "start-server"); err != nil {
		err = fmt.Errorf("adb start-server: %w (%s)", err, strings.TrimSpace(string(stderr)))
		timer.EndWithError(err)
		return err
	}
	timer.End()
	s.emit(ServerStarted)
	return nil
}

// Kill runs `adb kill-server`.
func (s *Server) Kill(ctx context.Context) error {
	if _, stderr, err := s.run(ctx, s.path, "kill-server"); err != nil {
		return fmt.Errorf("adb kill-server: %w (%s)", err, strings.TrimSpace(string(stderr)))
	}
	logger.Info("adb").Msg("Server killed")
	s.emit(ServerKilled)
	return nil
}

// Restart kills and starts the server. A failed kill is logged and the start is attempted anyway.
func (s *Server) Restart(ctx context.Context) error {
	if err := s.Kill(ctx); err != nil {
		logger.Warn("adb").Err(err).Msg("Kill before restart failed")
	}
	return s.start(ctx)
}

var proxyVars = []string{"HTTP_PROXY", "HTTPS_PROXY", "ALL_PROXY", "NO_PROXY", "http_proxy", "https_proxy", "all_proxy", "no_proxy"}

// cleanEnv returns env without proxy variables, which adb would otherwise pass on to
// its server and break loopback connections.
func cleanEnv(env []string) []string {
	out := make([]string, 0, len(env))
	for _, e := range env {
		isProxy := false
		for _, v := range proxyVars {
			if strings.HasPrefix(e, v+"=") {
				isProxy = true
				break
			}
		}
		if !isProxy {
			out = append(out, e)
		}
	}
	return out
}

func runCommand(ctx context.Context, path string, args ...string) ([]byte, []byte, error) {
	cmd := exec.CommandContext(ctx, path, args...)
	cmd.Env = cleanEnv(os.Environ())
	// start-server leaves a daemon behind that may hold our pipes open
	cmd.WaitDelay = 2 * time.Second
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	return stdout.Bytes(), stderr.Bytes(), err
}
