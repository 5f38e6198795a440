package adb

import (
	"regexp"
	"strings"
	"sync"
)

// Remote commands used to populate a Device.
const (
	GetPropCommand     = "getprop"
	EnvCommand         = "printenv"
	MountCommand       = "cat /proc/mounts"
	WlanAddressCommand = "ip -f inet addr show wlan0"
)

// ShellReceiver consumes the output of a remote shell command.
type ShellReceiver interface {
	// AddOutput is called for every chunk read from the device.
	AddOutput(chunk []byte)
	// Flush is called once the stream is closed.
	Flush()
	// IsCancelled stops the read loop early when it returns true.
	IsCancelled() bool
}

// LineReceiver splits output into lines and hands complete lines to a callback.
// A trailing partial line is held until the next chunk or Flush.
type LineReceiver struct {
	mu        sync.Mutex
	partial   string
	cancelled bool
	process   func(lines []string)
}

// NewLineReceiver creates a receiver calling process with each batch of complete lines.
func NewLineReceiver(process func(lines []string)) *LineReceiver {
	return &LineReceiver{process: process}
}

func (r *LineReceiver) AddOutput(chunk []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()

	text := r.partial + strings.ReplaceAll(string(chunk), "\r\n", "\n")
	idx := strings.LastIndexByte(text, '\n')
	if idx < 0 {
		r.partial = text
		return
	}
	r.partial = text[idx+1:]
	lines := strings.Split(text[:idx], "\n")
	if r.process != nil {
		r.process(lines)
	}
}

func (r *LineReceiver) Flush() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.partial == "" {
		return
	}
	rest := r.partial
	r.partial = ""
	if r.process != nil {
		r.process([]string{rest})
	}
}

func (r *LineReceiver) Cancel() {
	r.mu.Lock()
	r.cancelled = true
	r.mu.Unlock()
}

func (r *LineReceiver) IsCancelled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cancelled
}

// CollectingReceiver keeps the full output as a string.
type CollectingReceiver struct {
	mu  sync.Mutex
	buf strings.Builder
}

func (r *CollectingReceiver) AddOutput(chunk []byte) {
	r.mu.Lock()
	r.buf.Write(chunk)
	r.mu.Unlock()
}

func (r *CollectingReceiver) Flush()            {}
func (r *CollectingReceiver) IsCancelled() bool { return false }

func (r *CollectingReceiver) Output() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.buf.String()
}

// ========================================
// Shell output error classification
// ========================================

var (
	abortingRe       = regexp.MustCompile(`Aborting\.$`)
	appletNotFoundRe = regexp.MustCompile(`applet not found$`)
	deniedRe         = regexp.MustCompile(`(?i)(permission|access) denied`)
)

// classifyShellOutput inspects the last line of a trimmed chunk for a known failure
// message. It returns nil when the chunk looks like ordinary output.
func classifyShellOutput(command string, chunk []byte) *RemoteCommandError {
	text := strings.TrimSpace(string(chunk))
	if text == "" {
		return nil
	}
	last := text
	if i := strings.LastIndexAny(text, "\r\n"); i >= 0 {
		last = strings.TrimSpace(text[i+1:])
	}

	kind := RemoteCommandKind(0)
	switch {
	case strings.HasSuffix(last, ": not found"), strings.HasSuffix(last, "No such file or directory"):
		kind = NotFound
	case strings.Contains(last, "Unknown option"):
		kind = UnknownOption
	case abortingRe.MatchString(last):
		kind = Aborting
	case appletNotFoundRe.MatchString(last) && len(strings.Fields(command)) > 1:
		kind = NotFound
	case deniedRe.MatchString(last):
		kind = PermissionDenied
	default:
		return nil
	}
	return &RemoteCommandError{Kind: kind, Command: command, Output: last}
}
