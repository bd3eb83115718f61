// Package mcpapi exposes disksurvey's disk roster over the Model Context
// Protocol, as a secondary control surface alongside the HTTP/JSON one
// (spec.md's primary surface, §4.10). Each tool is a thin wrapper over the
// same manager.Manager methods the HTTP handlers call.
package mcpapi

import (
	"context"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/baruch/disksurvey/internal/manager"
)

// Server wraps the MCP server instance bound to a disksurvey Manager.
type Server struct {
	mcpServer *server.MCPServer
}

// NewServer creates an MCP server with the list_disks and trigger_rescan
// tools registered against mgr.
func NewServer(mgr *manager.Manager, version string) *Server {
	s := server.NewMCPServer("disksurvey", version, server.WithLogging())
	registerTools(s, mgr)
	return &Server{mcpServer: s}
}

// Start runs the server in stdio mode (blocking) until ctx is canceled.
func (s *Server) Start(ctx context.Context) error {
	stdioServer := server.NewStdioServer(s.mcpServer)
	return stdioServer.Listen(ctx, os.Stdin, os.Stdout)
}

func registerTools(s *server.MCPServer, mgr *manager.Manager) {
	listTool := mcp.NewTool("list_disks",
		mcp.WithDescription("List every currently alive disk with its identity, SMART health, and last latency summary."),
	)
	s.AddTool(listTool, handleListDisks(mgr))

	rescanTool := mcp.NewTool("trigger_rescan",
		mcp.WithDescription("Enumerate /dev/sg* devices and adopt any newly discovered disks into the roster."),
	)
	s.AddTool(rescanTool, handleTriggerRescan(mgr))
}
