package router

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"

	"larkgate/internal/supervisor"
	"larkgate/pkg/logging"
)

// protocolVersion is the MCP protocol revision the gateway advertises when
// the default worker cannot be asked.
const protocolVersion = "2024-11-05"

// gatewayVersion is stamped into fallback capabilities; overridden at
// startup with the build version.
var gatewayVersion = "dev"

// SetVersion sets the version reported in fallback capabilities.
func SetVersion(v string) {
	gatewayVersion = v
}

// fallbackTools is the documented capability set returned when the default
// worker cannot be introspected, so clients can proceed against a degraded
// gateway.
func fallbackTools() []mcp.Tool {
	return []mcp.Tool{
		mcp.NewTool("im.v1.message.create", mcp.WithDescription("Send a message to a chat or user")),
		mcp.NewTool("im.v1.chat.list", mcp.WithDescription("List chats visible to the authenticated user")),
		mcp.NewTool("contact.v3.user.batch_get_id", mcp.WithDescription("Resolve user ids from emails or phone numbers")),
		mcp.NewTool("calendar.v4.event.list", mcp.WithDescription("List calendar events")),
		mcp.NewTool("docx.v1.document.raw_content", mcp.WithDescription("Read a document's raw content")),
	}
}

// fallbackCapabilities is the fixed capabilities object used when the
// default worker's initialize handshake is unavailable.
func fallbackCapabilities() map[string]interface{} {
	return map[string]interface{}{
		"protocolVersion": protocolVersion,
		"capabilities": map[string]interface{}{
			"tools": map[string]interface{}{"listChanged": false},
		},
		"serverInfo": mcp.Implementation{Name: "larkgate", Version: gatewayVersion},
	}
}

// BootstrapTools asks the default worker for its tool list. Any failure
// yields the hard-coded fallback list: bootstrap must succeed even while
// the default worker is unhealthy.
func (r *Router) BootstrapTools(ctx context.Context) json.RawMessage {
	raw, err := r.callDefault(ctx, "tools/list")
	if err == nil {
		var result struct {
			Tools json.RawMessage `json:"tools"`
		}
		if jsonErr := json.Unmarshal(raw, &result); jsonErr == nil && len(result.Tools) > 0 {
			return result.Tools
		}
	} else {
		logging.Warn("Router", "tools/list bootstrap failed, using fallback list: %v", err)
	}

	out, _ := json.Marshal(fallbackTools())
	return out
}

// BootstrapCapabilities asks the default worker for its initialize result,
// falling back to a fixed capabilities object.
func (r *Router) BootstrapCapabilities(ctx context.Context) json.RawMessage {
	raw, err := r.callDefault(ctx, "initialize")
	if err == nil && len(raw) > 0 {
		return raw
	}
	if err != nil {
		logging.Warn("Router", "initialize bootstrap failed, using fallback capabilities: %v", err)
	}

	out, _ := json.Marshal(fallbackCapabilities())
	return out
}

// callDefault issues one JSON-RPC method against the default worker and
// returns the result member.
func (r *Router) callDefault(ctx context.Context, method string) (json.RawMessage, error) {
	worker, err := r.workers.DefaultWorker()
	if err != nil {
		return nil, err
	}
	if worker.Status != supervisor.StatusRunning {
		return nil, fmt.Errorf("default worker is %s", worker.Status)
	}

	body, _ := json.Marshal(map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  method,
	})

	raw, err := r.forward(ctx, worker, body)
	if err != nil {
		r.workers.MarkError(worker.ID)
		return nil, err
	}

	var resp struct {
		Result json.RawMessage `json:"result"`
		Error  *rpcError       `json:"error"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, fmt.Errorf("worker returned error %d: %s", resp.Error.Code, resp.Error.Message)
	}
	return resp.Result, nil
}
