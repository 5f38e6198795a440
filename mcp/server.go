// Package mcp provides the MCP (Model Context Protocol) server for Tether.
// It lets external AI clients inspect and control a running tether daemon.
package mcp

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"

	"Tether/pkg/logger"
	"Tether/pkg/types"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// Type aliases from shared types package
type (
	Device       = types.Device
	Endpoint     = types.Endpoint
	HistoryEntry = types.HistoryEntry
	BridgeStatus = types.BridgeStatus
)

// TetherApp is what the MCP tools need from the daemon.
type TetherApp interface {
	GetAppVersion() string
	ListDevices(ctx context.Context) ([]Device, error)
	GetBridgeStatus(ctx context.Context) (*BridgeStatus, error)
	ForgetEndpoint(ctx context.Context) (bool, error)
	GetBridgeHistory(ctx context.Context, limit int) ([]HistoryEntry, error)
}

// MCPServer wraps the MCP server and provides Tether-specific functionality
type MCPServer struct {
	app       TetherApp
	server    *server.MCPServer
	stdio     *server.StdioServer
	mu        sync.Mutex
	isRunning bool
}

// NewMCPServer creates a new MCP server for Tether
func NewMCPServer(app TetherApp) *MCPServer {
	mcpServer := server.NewMCPServer(
		"tether",
		app.GetAppVersion(),
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(true, true),
		server.WithElicitation(),
		server.WithLogging(),
	)

	s := &MCPServer{
		app:    app,
		server: mcpServer,
	}
	s.registerTools()
	s.registerResources()
	return s
}

// registerTools registers all MCP tools
func (s *MCPServer) registerTools() {
	s.registerDeviceTools()
	s.registerBridgeTools()
}

// registerResources registers all MCP resources
func (s *MCPServer) registerResources() {
	s.server.AddResource(
		mcp.NewResource(
			"tether://status",
			"Bridge status: armed, remembered endpoint, last reconcile",
			mcp.WithMIMEType("application/json"),
		),
		s.handleStatusResource,
	)

	s.server.AddResource(
		mcp.NewResource(
			"tether://devices",
			"Devices known to the adb server",
			mcp.WithMIMEType("application/json"),
		),
		s.handleDevicesResource,
	)
}

// Start starts the MCP server on stdio and blocks until it shuts down.
func (s *MCPServer) Start() error {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return fmt.Errorf("MCP server is already running")
	}
	s.isRunning = true
	s.mu.Unlock()

	return s.run(os.Stdin, os.Stdout)
}

// run runs the MCP server (blocking)
func (s *MCPServer) run(in io.Reader, out io.Writer) error {
	s.stdio = server.NewStdioServer(s.server)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt)
	defer signal.Stop(sigChan)

	go func() {
		select {
		case <-sigChan:
			cancel()
		case <-ctx.Done():
		}
	}()

	logger.Info("mcp").Msg("Tether MCP server started")
	err := s.stdio.Listen(ctx, in, out)
	if err != nil && ctx.Err() == nil {
		logger.Error("mcp").Err(err).Msg("MCP server error")
	}

	s.mu.Lock()
	s.isRunning = false
	s.mu.Unlock()

	return err
}

// Stop marks the server stopped. The stdio loop ends when stdin closes.
func (s *MCPServer) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.isRunning = false
}

// IsRunning returns whether the MCP server is running
func (s *MCPServer) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isRunning
}

// requestConfirmation asks the client to confirm a state-changing operation.
func (s *MCPServer) requestConfirmation(ctx context.Context, operation, details string) (bool, error) {
	elicitationRequest := mcp.ElicitationRequest{
		Params: mcp.ElicitationParams{
			Message: fmt.Sprintf("%s\n\nDetails: %s\n\nDo you want to proceed?", operation, details),
			RequestedSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"confirm": map[string]any{
						"type":        "boolean",
						"description": "Confirm to proceed with this operation",
					},
				},
				"required": []string{"confirm"},
			},
		},
	}

	result, err := s.server.RequestElicitation(ctx, elicitationRequest)
	if err != nil {
		return false, fmt.Errorf("failed to request confirmation: %w", err)
	}

	if result.Action != mcp.ElicitationResponseActionAccept {
		return false, nil
	}

	data, ok := result.Content.(map[string]any)
	if !ok {
		return false, fmt.Errorf("unexpected response format")
	}

	confirm, ok := data["confirm"].(bool)
	if !ok {
		return false, fmt.Errorf("invalid confirmation response")
	}
	return confirm, nil
}
