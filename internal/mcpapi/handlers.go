package mcpapi

import (
	"context"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/baruch/disksurvey/internal/manager"
)

// mcpListBufferBytes is generous compared to the HTTP surface's 8192-byte
// cap (spec.md §8 Scenario F): the MCP transport has no equivalent
// fixed-buffer constraint, but list_disks still needs a bound so a runaway
// roster can't OOM the stdio pipe.
const mcpListBufferBytes = 1 << 20

func handleListDisks(mgr *manager.Manager) func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		data, err := mgr.ListDisksJSON(ctx, mcpListBufferBytes)
		if err != nil {
			return errResult(fmt.Sprintf("list_disks failed: %v", err)), nil
		}
		return newTextResult(string(data)), nil
	}
}

func handleTriggerRescan(mgr *manager.Manager) func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		if err := mgr.Rescan(ctx); err != nil {
			return errResult(fmt.Sprintf("trigger_rescan failed: %v", err)), nil
		}
		return newTextResult("rescanned\n"), nil
	}
}

// newTextResult creates a successful MCP tool result with text content.
func newTextResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{
				Type: "text",
				Text: text,
			},
		},
	}
}

// errResult creates an MCP tool-level error result (IsError=true), not a
// transport-level JSON-RPC error.
func errResult(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		IsError: true,
		Content: []mcp.Content{
			mcp.TextContent{
				Type: "text",
				Text: msg,
			},
		},
	}
}
