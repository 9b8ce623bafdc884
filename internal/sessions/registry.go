package sessions

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"

	"larkgate/pkg/logging"
)

// recentWindow is the activity window used for the "recent sessions"
// health counter.
const recentWindow = 5 * time.Minute

// NewSessionID allocates a fresh opaque session identifier with 128 bits of
// entropy in printable form.
func NewSessionID() string {
	return uuid.NewString()
}

// meta is per-session bookkeeping kept alongside the user binding.
type meta struct {
	CreatedAt    time.Time
	LastActivity time.Time
}

// Registry owns session records and the session → user bindings.
//
// Both tables are bounded LRUs with a TTL: entries age out silently, and
// the capacity bound caps memory under session-churn abuse. A binding is
// inserted only after a successful OAuth callback; a session without a
// binding routes to the default worker.
//
// The TTL runs from when an entry was added: a binding expires ttl after
// its latest Bind, a session record ttl after it was first recorded.
// Lookups and Touch refresh LRU recency and last activity; they do not
// extend the expiry. The binding itself is never lost short of eviction.
type Registry struct {
	mu       sync.Mutex
	sessions *expirable.LRU[string, *meta]
	bindings *expirable.LRU[string, string]
}

// New creates a Registry bounded to maxSessions entries with the given
// entry TTL.
func New(maxSessions int, ttl time.Duration) *Registry {
	if maxSessions <= 0 {
		maxSessions = 1000
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}

	r := &Registry{}
	r.sessions = expirable.NewLRU[string, *meta](maxSessions, func(sessionID string, _ *meta) {
		logging.Debug("Sessions", "Session %s evicted", logging.TruncateSessionID(sessionID))
	}, ttl)
	r.bindings = expirable.NewLRU[string, string](maxSessions, nil, ttl)
	return r
}

// Touch records activity on a session, creating its record if absent.
// Called on event-stream open and on every routed request.
func (r *Registry) Touch(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	if m, ok := r.sessions.Get(sessionID); ok {
		m.LastActivity = now
		return
	}
	r.sessions.Add(sessionID, &meta{CreatedAt: now, LastActivity: now})
}

// Bind associates a session with a user id. Insertion happens only after a
// successful OAuth callback.
func (r *Registry) Bind(sessionID, userID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.bindings.Add(sessionID, userID)
	now := time.Now()
	if m, ok := r.sessions.Get(sessionID); ok {
		m.LastActivity = now
	} else {
		r.sessions.Add(sessionID, &meta{CreatedAt: now, LastActivity: now})
	}
	logging.Info("Sessions", "Session %s bound to user %s",
		logging.TruncateSessionID(sessionID), logging.TruncateSessionID(userID))
}

// UserOf resolves a session to its bound user id. The lookup refreshes LRU
// recency and updates the session's last activity.
func (r *Registry) UserOf(sessionID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	userID, ok := r.bindings.Get(sessionID)
	if ok {
		if m, found := r.sessions.Get(sessionID); found {
			m.LastActivity = time.Now()
		}
	}
	return userID, ok
}

// Remove drops a session and its binding. Eviction is silent.
func (r *Registry) Remove(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.sessions.Remove(sessionID)
	r.bindings.Remove(sessionID)
}

// Stats are the aggregate counters exposed on the health endpoint.
type Stats struct {
	TotalSessions         int `json:"totalSessions"`
	AuthenticatedSessions int `json:"authenticatedSessions"`
	RecentSessions        int `json:"recentSessions"`
}

// Stats returns aggregate session counters.
func (r *Registry) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()

	recent := 0
	cutoff := time.Now().Add(-recentWindow)
	for _, sessionID := range r.sessions.Keys() {
		if m, ok := r.sessions.Peek(sessionID); ok && m.LastActivity.After(cutoff) {
			recent++
		}
	}

	return Stats{
		TotalSessions:         r.sessions.Len(),
		AuthenticatedSessions: r.bindings.Len(),
		RecentSessions:        recent,
	}
}
