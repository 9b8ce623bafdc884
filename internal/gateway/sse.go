package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"larkgate/internal/sessions"
	"larkgate/pkg/logging"
)

// bootstrapTimeout is the soft deadline for the tools and capabilities
// subcalls on event-stream open. Missing it degrades the stream's first
// events, it never fails the stream.
const bootstrapTimeout = 3 * time.Second

// keepaliveInterval is how often comment lines keep the stream open through
// idle proxies.
const keepaliveInterval = 30 * time.Second

// metadataEvent is the first event on every stream: everything a client
// needs to start talking to its session.
type metadataEvent struct {
	Endpoint      string          `json:"endpoint"`
	SessionID     string          `json:"session_id"`
	Authenticated bool            `json:"authenticated"`
	Tools         json.RawMessage `json:"tools"`
	OAuthURL      string          `json:"oauth_url,omitempty"`
}

// handleSSE opens the long-lived downstream event stream: an immediate
// comment to flush headers, one metadata event, one capabilities event,
// then keepalive comments until the client goes away.
func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	sessionID := r.URL.Query().Get("sessionId")
	if sessionID == "" {
		sessionID = sessions.NewSessionID()
	}
	s.sessions.Touch(sessionID)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	// Flush something immediately so proxies release the response to the
	// client before the bootstrap subcalls finish.
	fmt.Fprint(w, ": ok\n\n")
	flusher.Flush()

	ctx := r.Context()
	tools := s.gatherTools(ctx)
	select {
	case <-ctx.Done():
		return
	default:
	}

	_, authenticated := s.sessions.UserOf(sessionID)
	meta := metadataEvent{
		Endpoint:      fmt.Sprintf("%s/messages?sessionId=%s", s.cfg.BaseURL(), sessionID),
		SessionID:     sessionID,
		Authenticated: authenticated,
		Tools:         tools,
	}
	if !authenticated {
		oauthURL, err := s.broker.AuthorizeURL(sessionID)
		if err != nil {
			logging.Warn("Gateway", "Failed to build authorization URL: %v", err)
		} else {
			meta.OAuthURL = oauthURL
		}
	}
	if err := writeEvent(w, flusher, "metadata", meta); err != nil {
		return
	}

	caps := s.gatherCapabilities(ctx)
	if err := writeEvent(w, flusher, "capabilities", caps); err != nil {
		return
	}

	logging.Debug("Gateway", "Event stream open for session %s (authenticated=%v)",
		logging.TruncateSessionID(sessionID), authenticated)

	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case <-ctx.Done():
			logging.Debug("Gateway", "Event stream closed for session %s", logging.TruncateSessionID(sessionID))
			return
		}
	}
}

// gatherTools fetches the bootstrap tool list with a soft timeout, falling
// back to an empty list when the subcall cannot finish in time.
func (s *Server) gatherTools(ctx context.Context) json.RawMessage {
	subCtx, cancel := context.WithTimeout(ctx, bootstrapTimeout)
	defer cancel()

	result := make(chan json.RawMessage, 1)
	go func() {
		result <- s.router.BootstrapTools(subCtx)
	}()

	select {
	case tools := <-result:
		return tools
	case <-subCtx.Done():
		logging.Warn("Gateway", "Tools bootstrap timed out, sending empty list")
		return json.RawMessage("[]")
	}
}

// gatherCapabilities fetches the bootstrap capabilities with a soft timeout.
// The router's own fallback covers worker failure; this covers a hang.
func (s *Server) gatherCapabilities(ctx context.Context) json.RawMessage {
	subCtx, cancel := context.WithTimeout(ctx, bootstrapTimeout)
	defer cancel()

	result := make(chan json.RawMessage, 1)
	go func() {
		result <- s.router.BootstrapCapabilities(subCtx)
	}()

	select {
	case caps := <-result:
		return caps
	case <-subCtx.Done():
		logging.Warn("Gateway", "Capabilities bootstrap timed out, sending fallback")
		out, _ := json.Marshal(map[string]interface{}{})
		return out
	}
}

// writeEvent emits one typed SSE event with a JSON payload.
func writeEvent(w http.ResponseWriter, flusher http.Flusher, event string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}
