package router

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"larkgate/internal/idp"
	"larkgate/internal/supervisor"
	"larkgate/internal/tokenstore"
	"larkgate/pkg/logging"
)

// forwardTimeout bounds one proxied JSON-RPC round trip to a worker.
const forwardTimeout = 30 * time.Second

// WorkerProvider is the slice of the supervisor the router consumes.
type WorkerProvider interface {
	GetOrCreate(ctx context.Context, userID string) (supervisor.Snapshot, error)
	DefaultWorker() (supervisor.Snapshot, error)
	Touch(instanceID string)
	MarkError(instanceID string)
}

// SessionResolver resolves sessions to bound users.
type SessionResolver interface {
	Touch(sessionID string)
	UserOf(sessionID string) (string, bool)
}

// CredentialEnsurer keeps a user's credentials fresh before their worker is
// consulted. The worker reads tokens from its token directory, so refreshing
// here means the worker never starts against an expired token.
type CredentialEnsurer interface {
	EnsureValid(ctx context.Context, userID string) (*tokenstore.Credentials, error)
}

// Router resolves sessions to workers and proxies JSON-RPC requests.
type Router struct {
	workers  WorkerProvider
	sessions SessionResolver
	broker   CredentialEnsurer

	httpClient *http.Client
}

// New creates a Router.
func New(workers WorkerProvider, sessions SessionResolver, broker CredentialEnsurer) *Router {
	return &Router{
		workers:    workers,
		sessions:   sessions,
		broker:     broker,
		httpClient: &http.Client{Timeout: forwardTimeout},
	}
}

// rpcError is the error member of a JSON-RPC response.
type rpcError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// rpcEnvelope is the subset of a JSON-RPC message the router inspects.
type rpcEnvelope struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// errorResponse builds a JSON-RPC error response body.
func errorResponse(id json.RawMessage, code int, message string, data interface{}) []byte {
	if len(id) == 0 {
		id = json.RawMessage("null")
	}
	body, _ := json.Marshal(map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      id,
		"error":   rpcError{Code: code, Message: message, Data: data},
	})
	return body
}

// Route resolves the session to a worker and forwards the JSON-RPC request
// body, returning the response body to hand back to the client. Errors on
// the routing or transport path are normalized into JSON-RPC error
// responses; Route itself never fails.
func (r *Router) Route(ctx context.Context, sessionID string, body []byte) []byte {
	var req rpcEnvelope
	if err := json.Unmarshal(body, &req); err != nil {
		return errorResponse(nil, mcp.PARSE_ERROR, "Parse error", nil)
	}

	r.sessions.Touch(sessionID)
	logging.Debug("Router", "Routing %s for session %s (params %s)",
		req.Method, logging.TruncateSessionID(sessionID), fingerprint(req.Params))

	worker, err := r.resolveWorker(ctx, sessionID)
	if err != nil {
		return errorResponse(req.ID, mcp.INTERNAL_ERROR, "No available worker", nil)
	}
	if worker.Status != supervisor.StatusRunning {
		return errorResponse(req.ID, mcp.INTERNAL_ERROR, "Worker not available",
			map[string]string{"status": string(worker.Status)})
	}

	resp, err := r.forward(ctx, worker, body)
	if err != nil {
		logging.Warn("Router", "Transport failure to worker %s: %v", worker.ID, err)
		r.workers.MarkError(worker.ID)
		return errorResponse(req.ID, mcp.INTERNAL_ERROR, "Worker communication failed",
			map[string]string{"reason": err.Error()})
	}

	r.workers.Touch(worker.ID)
	return resp
}

// resolveWorker picks the worker for a session: the bound user's worker when
// one can be materialized, the default worker otherwise.
func (r *Router) resolveWorker(ctx context.Context, sessionID string) (supervisor.Snapshot, error) {
	userID, bound := r.sessions.UserOf(sessionID)
	if !bound {
		return r.workers.DefaultWorker()
	}

	if r.broker != nil {
		if _, err := r.broker.EnsureValid(ctx, userID); err != nil {
			if errors.Is(err, idp.ErrNoCredentials) {
				// The binding outlived the credentials; serve unauthenticated.
				logging.Info("Router", "No credentials for user %s, falling back to default worker",
					logging.TruncateSessionID(userID))
				return r.workers.DefaultWorker()
			}
			logging.Warn("Router", "Credential check for user %s failed: %v", logging.TruncateSessionID(userID), err)
		}
	}

	worker, err := r.workers.GetOrCreate(ctx, userID)
	if err != nil {
		// Instance caps and spawn failures degrade to the shared default
		// worker rather than failing the request.
		logging.Warn("Router", "Falling back to default worker for user %s: %v",
			logging.TruncateSessionID(userID), err)
		return r.workers.DefaultWorker()
	}
	return worker, nil
}

// forward POSTs the request body to the worker's /messages endpoint and
// validates the response frame.
func (r *Router) forward(ctx context.Context, worker supervisor.Snapshot, body []byte) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, forwardTimeout)
	defer cancel()

	url := fmt.Sprintf("http://127.0.0.1:%d/messages", worker.Port)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, err
	}

	var frame rpcEnvelope
	if err := json.Unmarshal(raw, &frame); err != nil || frame.JSONRPC == "" {
		// A worker that answers without a jsonrpc field violates the
		// protocol; surface it uniformly instead of passing garbage through.
		var reqFrame rpcEnvelope
		_ = json.Unmarshal(body, &reqFrame)
		return errorResponse(reqFrame.ID, mcp.INTERNAL_ERROR, "invalid response", nil), nil
	}

	return raw, nil
}

// fingerprint hashes request params for logging; parameter bodies are never
// logged verbatim.
func fingerprint(params json.RawMessage) string {
	if len(params) == 0 {
		return "-"
	}
	sum := sha256.Sum256(params)
	return hex.EncodeToString(sum[:8])
}
