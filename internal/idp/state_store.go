package idp

import (
	"crypto/rand"
	"encoding/base64"
	"sync"
	"time"

	"larkgate/pkg/logging"
)

// stateExpiry is how long a pending authorization stays valid.
const stateExpiry = 10 * time.Minute

// sweepInterval is how often expired pending authorizations are evicted.
const sweepInterval = 5 * time.Minute

// pendingAuth is one outstanding authorization: a random token bound to the
// session that initiated the flow.
type pendingAuth struct {
	SessionID string
	CreatedAt time.Time
}

// StateStore provides thread-safe storage for pending authorizations.
// State tokens link OAuth callbacks to the originating session and provide
// CSRF protection.
//
// IMPORTANT: StateStore starts a background goroutine for cleanup. Callers
// MUST call Stop() when done to prevent goroutine leaks.
type StateStore struct {
	mu     sync.Mutex
	states map[string]*pendingAuth

	stopCleanup chan struct{}
	stopOnce    sync.Once
}

// NewStateStore creates a state store and starts its background sweeper.
func NewStateStore() *StateStore {
	ss := &StateStore{
		states:      make(map[string]*pendingAuth),
		stopCleanup: make(chan struct{}),
	}
	go ss.cleanupLoop()
	return ss
}

// Generate creates a new state token bound to a session and stores it.
func (ss *StateStore) Generate(sessionID string) (string, error) {
	tokenBytes := make([]byte, 32)
	if _, err := rand.Read(tokenBytes); err != nil {
		return "", err
	}
	token := base64.RawURLEncoding.EncodeToString(tokenBytes)

	ss.mu.Lock()
	ss.states[token] = &pendingAuth{SessionID: sessionID, CreatedAt: time.Now()}
	ss.mu.Unlock()

	logging.Debug("OAuth", "Generated state for session %s", logging.TruncateSessionID(sessionID))
	return token, nil
}

// Consume validates a state token against the session id recovered from the
// state parameter and removes it. A given token is valid exactly once;
// expired, unknown and mismatched tokens all fail identically.
func (ss *StateStore) Consume(token, sessionID string) bool {
	ss.mu.Lock()
	defer ss.mu.Unlock()

	pending, ok := ss.states[token]
	if !ok {
		return false
	}
	// One-shot regardless of outcome: a mismatched or expired callback
	// burns the token.
	delete(ss.states, token)

	if time.Since(pending.CreatedAt) > stateExpiry {
		logging.Warn("OAuth", "Rejected expired state (age %v)", time.Since(pending.CreatedAt))
		return false
	}
	if pending.SessionID != sessionID {
		logging.Warn("OAuth", "Rejected state bound to a different session")
		return false
	}
	return true
}

// Len returns the number of pending authorizations.
func (ss *StateStore) Len() int {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	return len(ss.states)
}

// Stop stops the background sweeper.
func (ss *StateStore) Stop() {
	ss.stopOnce.Do(func() { close(ss.stopCleanup) })
}

func (ss *StateStore) cleanupLoop() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ss.cleanup()
		case <-ss.stopCleanup:
			return
		}
	}
}

func (ss *StateStore) cleanup() {
	ss.mu.Lock()
	defer ss.mu.Unlock()

	count := 0
	for token, pending := range ss.states {
		if time.Since(pending.CreatedAt) > stateExpiry {
			delete(ss.states, token)
			count++
		}
	}
	if count > 0 {
		logging.Debug("OAuth", "Cleaned up %d expired states", count)
	}
}
