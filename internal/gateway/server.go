package gateway

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coreos/go-systemd/v22/activation"

	"larkgate/internal/config"
	"larkgate/internal/sessions"
	"larkgate/internal/supervisor"
	"larkgate/pkg/logging"
)

// RouterAPI is the slice of the request router the HTTP surface consumes.
type RouterAPI interface {
	Route(ctx context.Context, sessionID string, body []byte) []byte
	BootstrapTools(ctx context.Context) json.RawMessage
	BootstrapCapabilities(ctx context.Context) json.RawMessage
}

// BrokerAPI is the slice of the OAuth broker the HTTP surface consumes.
type BrokerAPI interface {
	AuthorizeURL(sessionID string) (string, error)
	HandleCallback(ctx context.Context, code, state string) (string, string, error)
}

// InstanceCounterSource exposes worker instance counters for the health
// endpoint.
type InstanceCounterSource interface {
	Counters() supervisor.Counters
}

// Server is the thin HTTP dispatcher binding the gateway's endpoints to the
// components behind them.
type Server struct {
	cfg      *config.Config
	router   RouterAPI
	broker   BrokerAPI
	sessions *sessions.Registry
	workers  InstanceCounterSource

	sessionLimiter *rateLimiter
	ipLimiter      *rateLimiter

	version   string
	startedAt time.Time

	httpSrv *http.Server

	stopCh   chan struct{}
	stopOnce sync.Once
}

// New creates the HTTP surface.
func New(cfg *config.Config, rt RouterAPI, broker BrokerAPI, reg *sessions.Registry, workers InstanceCounterSource, version string) *Server {
	s := &Server{
		cfg:            cfg,
		router:         rt,
		broker:         broker,
		sessions:       reg,
		workers:        workers,
		sessionLimiter: newRateLimiter(cfg.RateLimit, cfg.RateWindow()),
		ipLimiter:      newRateLimiter(cfg.RateLimitPerIP, cfg.RateWindow()),
		version:        version,
		startedAt:      time.Now(),
		stopCh:         make(chan struct{}),
	}
	return s
}

// Handler builds the full middleware-wrapped endpoint mux.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/sse", s.handleSSE)
	mux.HandleFunc("/messages", s.handleMessages)
	mux.HandleFunc("/tools", s.handleTools)
	mux.HandleFunc("/oauth/start", s.handleOAuthStart)
	mux.HandleFunc("/oauth/callback", s.handleOAuthCallback)

	limited := s.rateLimitMiddleware(mux)

	// The health endpoint bypasses rate limiting so monitoring cannot be
	// starved by client traffic.
	outer := http.NewServeMux()
	outer.HandleFunc("/health", s.handleHealth)
	outer.Handle("/", limited)

	return corsMiddleware(outer)
}

// Start binds the listener and serves until Shutdown. Under systemd socket
// activation the provided listener is used instead of binding a new one.
func (s *Server) Start() error {
	listener, err := s.listener()
	if err != nil {
		return err
	}

	s.httpSrv = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Periodic limiter cleanup keyed to the configured window.
	go s.limiterCleanupLoop()

	logging.Info("Gateway", "Listening on %s", listener.Addr())
	if err := s.httpSrv.Serve(listener); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.stopOnce.Do(func() { close(s.stopCh) })
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

func (s *Server) listener() (net.Listener, error) {
	listeners, err := activation.Listeners()
	if err == nil && len(listeners) > 0 && listeners[0] != nil {
		logging.Info("Gateway", "Using systemd-activated listener")
		return listeners[0], nil
	}
	return net.Listen("tcp", s.cfg.ListenAddr())
}

func (s *Server) limiterCleanupLoop() {
	ticker := time.NewTicker(s.cfg.RateWindow())
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.sessionLimiter.Cleanup()
			s.ipLimiter.Cleanup()
		case <-s.stopCh:
			return
		}
	}
}

// corsMiddleware adds permissive CORS headers for browser-based clients.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
