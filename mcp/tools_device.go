package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
)

// registerDeviceTools registers device inspection tools
func (s *MCPServer) registerDeviceTools() {
	// device_list - List devices known to the adb server
	s.server.AddTool(
		mcp.NewTool("device_list",
			mcp.WithDescription("List the Android devices the adb server knows about, with transport and Wi-Fi state"),
		),
		s.handleDeviceList,
	)
}

// Tool handlers

func (s *MCPServer) handleDeviceList(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	devices, err := s.app.ListDevices(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get devices: %w", err)
	}

	if len(devices) == 0 {
		return &mcp.CallToolResult{
			Content: []mcp.Content{
				mcp.NewTextContent("No devices connected"),
			},
		}, nil
	}

	result := fmt.Sprintf("Found %d device(s):\n\n", len(devices))
	for i, d := range devices {
		wifi := "off"
		if d.WifiOn {
			wifi = "on"
		}
		ip := d.IPAddress
		if ip == "" {
			ip = "-"
		}
		result += fmt.Sprintf("%d. %s (%s) [%s]\n   State: %s, IP: %s, Wi-Fi: %s\n",
			i+1, d.UserIdentifier, d.Serial, d.Transport, d.State, ip, wifi)
	}

	// Also include JSON for structured access
	jsonData, _ := json.MarshalIndent(devices, "", "  ")

	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.NewTextContent(result),
			mcp.NewTextContent(fmt.Sprintf("\nJSON data:\n```json\n%s\n```", string(jsonData))),
		},
	}, nil
}
