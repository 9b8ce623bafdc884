package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"runtime"
	"time"

	"larkgate/internal/idp"
	"larkgate/internal/supervisor"
	"larkgate/pkg/logging"
)

// maxRequestBody caps the size of inbound JSON-RPC bodies.
const maxRequestBody = 4 << 20

// handleMessages proxies one JSON-RPC request to the session's worker.
func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	sessionID := r.URL.Query().Get("sessionId")
	if sessionID == "" {
		http.Error(w, "sessionId query parameter is required", http.StatusBadRequest)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil {
		http.Error(w, "failed to read request body", http.StatusBadRequest)
		return
	}

	resp := s.router.Route(r.Context(), sessionID, body)
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(resp)
}

// handleTools returns the current tool list.
func (s *Server) handleTools(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), bootstrapTimeout)
	defer cancel()
	tools := s.router.BootstrapTools(ctx)

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]json.RawMessage{"tools": tools})
}

// handleOAuthStart bounces the browser to the IdP authorization URL.
func (s *Server) handleOAuthStart(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("sessionId")
	if sessionID == "" {
		http.Error(w, "sessionId query parameter is required", http.StatusBadRequest)
		return
	}
	s.sessions.Touch(sessionID)

	authURL, err := s.broker.AuthorizeURL(sessionID)
	if err != nil {
		logging.Error("Gateway", err, "Failed to build authorization URL")
		renderErrorPage(w, http.StatusInternalServerError, "Could not start the authorization flow. Please try again.")
		return
	}
	http.Redirect(w, r, authURL, http.StatusFound)
}

// handleOAuthCallback consumes the IdP redirect, binds the session to the
// authenticated user, and renders a human-readable confirmation.
func (s *Server) handleOAuthCallback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	if errCode := q.Get("error"); errCode != "" {
		logging.Warn("Gateway", "Authorization denied by IdP: %s", errCode)
		renderErrorPage(w, http.StatusBadRequest, "Authorization was denied or cancelled.")
		return
	}

	code, state := q.Get("code"), q.Get("state")
	if code == "" || state == "" {
		renderErrorPage(w, http.StatusBadRequest, "Missing code or state parameter.")
		return
	}

	sessionID, userID, err := s.broker.HandleCallback(r.Context(), code, state)
	if err != nil {
		status, message := callbackFailure(err)
		renderErrorPage(w, status, message)
		return
	}

	s.sessions.Bind(sessionID, userID)
	renderSuccessPage(w)
}

// callbackFailure maps broker error kinds to a status code and a message
// that describes the category without exposing internal state.
func callbackFailure(err error) (int, string) {
	var idpErr *idp.IdPError
	switch {
	case errors.Is(err, idp.ErrInvalidState):
		return http.StatusBadRequest, "Invalid or expired state. Please restart the sign-in flow."
	case errors.As(err, &idpErr):
		return http.StatusBadGateway, "The identity provider rejected the authorization."
	case errors.Is(err, idp.ErrIdPProtocol):
		return http.StatusBadGateway, "The identity provider could not be reached."
	default:
		return http.StatusInternalServerError, "Authorization failed. Please try again."
	}
}

// healthResponse is the JSON health snapshot.
type healthResponse struct {
	Status    string              `json:"status"`
	Timestamp string              `json:"timestamp"`
	Version   string              `json:"version"`
	Uptime    float64             `json:"uptime"`
	Memory    memorySnapshot      `json:"memory"`
	Instances supervisor.Counters `json:"instances"`
	Sessions  sessionCounters     `json:"sessions"`
}

type memorySnapshot struct {
	AllocMB      uint64 `json:"allocMB"`
	TotalAllocMB uint64 `json:"totalAllocMB"`
	SysMB        uint64 `json:"sysMB"`
	NumGC        uint32 `json:"numGC"`
}

type sessionCounters struct {
	TotalSessions         int `json:"totalSessions"`
	AuthenticatedSessions int `json:"authenticatedSessions"`
	RecentSessions        int `json:"recentSessions"`
}

// handleHealth reports the gateway's health snapshot. The gateway is
// unhealthy when the default worker is not running or the process exceeds
// its memory cap.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	instances := s.workers.Counters()
	stats := s.sessions.Stats()

	status := "healthy"
	if instances.DefaultInstanceStatus != supervisor.StatusRunning {
		status = "unhealthy"
	}
	if s.cfg.MemoryCapMB > 0 && mem.Alloc/(1<<20) > uint64(s.cfg.MemoryCapMB) {
		status = "unhealthy"
	}

	resp := healthResponse{
		Status:    status,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Version:   s.version,
		Uptime:    time.Since(s.startedAt).Seconds(),
		Memory: memorySnapshot{
			AllocMB:      mem.Alloc / (1 << 20),
			TotalAllocMB: mem.TotalAlloc / (1 << 20),
			SysMB:        mem.Sys / (1 << 20),
			NumGC:        mem.NumGC,
		},
		Instances: instances,
		Sessions: sessionCounters{
			TotalSessions:         stats.TotalSessions,
			AuthenticatedSessions: stats.AuthenticatedSessions,
			RecentSessions:        stats.RecentSessions,
		},
	}

	w.Header().Set("Content-Type", "application/json")
	if status != "healthy" {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(resp)
}
