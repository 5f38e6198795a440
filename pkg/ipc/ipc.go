// Package ipc is the local command channel between tether clients and the daemon:
// one JSON request and one JSON response per unix socket connection.
package ipc

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/tidwall/gjson"

	"Tether/pkg/logger"
	"Tether/pkg/types"
)

// Commands understood by the daemon.
const (
	CmdForget  = "forget"
	CmdStatus  = "status"
	CmdDevices = "devices"
	CmdHistory = "history"
)

// maxRequestSize bounds a single request line.
const maxRequestSize = 64 * 1024

const connDeadline = 10 * time.Second

// Request is sent by clients.
type Request struct {
	Command string `json:"command"`
	Limit   int    `json:"limit,omitempty"`
}

// Response is returned for every request. Error is set on failure.
type Response struct {
	Error   string               `json:"error,omitempty"`
	Forgot  bool                 `json:"forgot,omitempty"`
	Status  *types.BridgeStatus  `json:"status,omitempty"`
	Devices []types.Device       `json:"devices,omitempty"`
	History []types.HistoryEntry `json:"history,omitempty"`
}

// Handler answers commands. It is implemented by the daemon.
type Handler interface {
	Forget() bool
	Status() types.BridgeStatus
	Devices() []types.Device
	History(limit int) ([]types.HistoryEntry, error)
}

// ========================================
// Server
// ========================================

// Server accepts command connections on a unix socket.
type Server struct {
	path    string
	handler Handler

	mu     sync.Mutex
	ln     net.Listener
	wg     sync.WaitGroup
	closed bool
}

// NewServer creates a server for the socket at path.
func NewServer(path string, h Handler) *Server {
	return &Server{path: path, handler: h}
}

// Path is the socket path.
func (s *Server) Path() string {
	return s.path
}

// Start removes a stale socket, listens and serves in the background.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln != nil {
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0700); err != nil {
		return err
	}
	// remove stale socket
	os.Remove(s.path)
	ln, err := net.Listen("unix", s.path)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.path, err)
	}
	if err := os.Chmod(s.path, 0700); err != nil {
		ln.Close()
		return err
	}
	s.ln = ln
	s.closed = false

	logger.Info("ipc").Str("socket", s.path).Msg("Command channel listening")
	s.wg.Add(1)
	go s.serve(ln)
	return nil
}

func (s *Server) serve(ln net.Listener) {
	defer s.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if !closed {
				logger.Error("ipc").Err(err).Msg("Accept failed")
			}
			return
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(conn)
		}()
	}
}

// Stop closes the listener, waits for in-flight requests and removes the socket.
func (s *Server) Stop() {
	s.mu.Lock()
	if s.ln == nil {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.ln.Close()
	s.ln = nil
	s.mu.Unlock()

	s.wg.Wait()
	os.Remove(s.path)
	logger.Info("ipc").Msg("Command channel stopped")
}

func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(connDeadline))

	line, err := bufio.NewReaderSize(io.LimitReader(conn, maxRequestSize), 4096).ReadBytes('\n')
	if err != nil && !(errors.Is(err, io.EOF) && len(line) > 0) {
		writeResponse(conn, Response{Error: "invalid request: " + err.Error()})
		return
	}

	resp := s.Dispatch(line)
	writeResponse(conn, resp)
}

// Dispatch decodes one raw request and runs it.
func (s *Server) Dispatch(raw []byte) Response {
	if !gjson.ValidBytes(raw) {
		return Response{Error: "invalid request: malformed json"}
	}
	command := gjson.GetBytes(raw, "command")
	if command.Type != gjson.String || command.String() == "" {
		return Response{Error: "invalid request: command is required"}
	}
	limit := int(gjson.GetBytes(raw, "limit").Int())

	logger.Debug("ipc").Str("command", command.String()).Msg("Command received")
	switch command.String() {
	case CmdForget:
		return Response{Forgot: s.handler.Forget()}
	case CmdStatus:
		st := s.handler.Status()
		return Response{Status: &st}
	case CmdDevices:
		return Response{Devices: s.handler.Devices()}
	case CmdHistory:
		entries, err := s.handler.History(limit)
		if err != nil {
			return Response{Error: err.Error()}
		}
		return Response{History: entries}
	default:
		return Response{Error: fmt.Sprintf("unknown command: %q", command.String())}
	}
}

func writeResponse(w io.Writer, resp Response) {
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		logger.Warn("ipc").Err(err).Msg("Failed to write response")
	}
}

// ========================================
// Client
// ========================================

// Call sends req to the daemon at socket and returns its response. A response
// carrying an error is returned as a Go error.
func Call(ctx context.Context, socket string, req Request) (*Response, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", socket)
	if err != nil {
		return nil, fmt.Errorf("connect to daemon: %w (is `tether daemon` running?)", err)
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	} else {
		conn.SetDeadline(time.Now().Add(connDeadline))
	}

	if err := json.NewEncoder(conn).Encode(req); err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}

	var resp Response
	if err := json.NewDecoder(conn).Decode(&resp); err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.Error != "" {
		return &resp, errors.New(resp.Error)
	}
	return &resp, nil
}
