package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
)

const defaultHistoryLimit = 20

// registerBridgeTools registers the TCP/IP bridge tools
func (s *MCPServer) registerBridgeTools() {
	// bridge_status - Current bridge status
	s.server.AddTool(
		mcp.NewTool("bridge_status",
			mcp.WithDescription("Show whether tether is armed, the remembered TCP/IP endpoint and how the last reconcile classified devices"),
		),
		s.handleBridgeStatus,
	)

	// bridge_forget - Drop the remembered endpoint
	s.server.AddTool(
		mcp.NewTool("bridge_forget",
			mcp.WithDescription("Forget the remembered TCP/IP endpoint so tether stops reconnecting to it after an adb server restart"),
			mcp.WithBoolean("force",
				mcp.Description("Skip the confirmation prompt"),
			),
		),
		s.handleBridgeForget,
	)

	// bridge_history - Recent bridge outcomes
	s.server.AddTool(
		mcp.NewTool("bridge_history",
			mcp.WithDescription("List recent connect, reconnect and forget outcomes, newest first"),
			mcp.WithNumber("limit",
				mcp.Description("Maximum number of entries (default: 20)"),
			),
		),
		s.handleBridgeHistory,
	)
}

func (s *MCPServer) handleBridgeStatus(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	st, err := s.app.GetBridgeStatus(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get status: %w", err)
	}

	var b strings.Builder
	if st.Armed {
		b.WriteString("Tether is monitoring connections\n")
	} else {
		b.WriteString("Tether is not monitoring connections\n")
	}
	if st.Remembered != nil {
		fmt.Fprintf(&b, "Remembered: %s at %s:%d\n", st.Remembered.UserIdentifier, st.Remembered.IPAddress, st.Remembered.Port)
	} else {
		b.WriteString("Remembered: none\n")
	}
	if st.LastReconcile > 0 {
		fmt.Fprintf(&b, "Last reconcile: %s (%s)\n", time.UnixMilli(st.LastReconcile).Format(time.RFC3339), st.LastReason)
	}
	if st.LastError != "" {
		fmt.Fprintf(&b, "Last error: %s\n", st.LastError)
	}
	fmt.Fprintf(&b, "Bridged: %d, Candidates: %d, Unreachable: %d\n",
		len(st.Partition.Bridged), len(st.Partition.Candidates), len(st.Partition.Unreachable))

	jsonData, _ := json.MarshalIndent(st, "", "  ")
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.NewTextContent(b.String()),
			mcp.NewTextContent(fmt.Sprintf("\nJSON data:\n```json\n%s\n```", string(jsonData))),
		},
	}, nil
}

func (s *MCPServer) handleBridgeForget(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := request.GetArguments()
	force, _ := args["force"].(bool)

	if !force {
		confirmed, err := s.requestConfirmation(ctx, "Forget remembered connection",
			"Tether will no longer reconnect to this device after the adb server restarts")
		if err != nil {
			return nil, err
		}
		if !confirmed {
			return &mcp.CallToolResult{
				Content: []mcp.Content{
					mcp.NewTextContent("Forget cancelled by user"),
				},
			}, nil
		}
	}

	forgot, err := s.app.ForgetEndpoint(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to forget: %w", err)
	}
	text := "no remembered connection"
	if forgot {
		text = "Remembered connection forgotten"
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.NewTextContent(text),
		},
	}, nil
}

func (s *MCPServer) handleBridgeHistory(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := request.GetArguments()
	limit := defaultHistoryLimit
	if l, ok := args["limit"].(float64); ok && l > 0 {
		limit = int(l)
	}

	entries, err := s.app.GetBridgeHistory(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get history: %w", err)
	}
	if len(entries) == 0 {
		return &mcp.CallToolResult{
			Content: []mcp.Content{
				mcp.NewTextContent("No bridge history"),
			},
		}, nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%d entr(ies):\n\n", len(entries))
	for _, e := range entries {
		fmt.Fprintf(&b, "%s  %-16s %s\n", time.UnixMilli(e.Timestamp).Format("2006-01-02 15:04:05"), e.Kind, e.Message)
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.NewTextContent(b.String()),
		},
	}, nil
}
