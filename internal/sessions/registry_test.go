package sessions

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNewSessionID(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := NewSessionID()
		if len(id) != 36 {
			t.Fatalf("unexpected session id format: %q", id)
		}
		if seen[id] {
			t.Fatalf("duplicate session id: %q", id)
		}
		seen[id] = true
	}
}

func TestBindAndUserOf(t *testing.T) {
	r := New(10, time.Hour)

	_, ok := r.UserOf("s1")
	assert.False(t, ok, "unbound session must resolve to absent")

	r.Bind("s1", "u1")
	user, ok := r.UserOf("s1")
	assert.True(t, ok)
	assert.Equal(t, "u1", user)
}

func TestRemove(t *testing.T) {
	r := New(10, time.Hour)

	r.Bind("s1", "u1")
	r.Remove("s1")

	_, ok := r.UserOf("s1")
	assert.False(t, ok)
}

func TestRebindReplacesUser(t *testing.T) {
	r := New(10, time.Hour)

	r.Bind("s1", "u1")
	r.Bind("s1", "u2")

	user, ok := r.UserOf("s1")
	assert.True(t, ok)
	assert.Equal(t, "u2", user)
}

func TestLRUBound(t *testing.T) {
	const capacity = 8
	r := New(capacity, time.Hour)

	for i := 0; i < capacity*3; i++ {
		sid := fmt.Sprintf("s%d", i)
		r.Bind(sid, fmt.Sprintf("u%d", i))
	}

	stats := r.Stats()
	assert.LessOrEqual(t, stats.TotalSessions, capacity,
		"registry must never exceed its capacity bound")
	assert.LessOrEqual(t, stats.AuthenticatedSessions, capacity)

	// The most recently bound sessions survive.
	_, ok := r.UserOf(fmt.Sprintf("s%d", capacity*3-1))
	assert.True(t, ok)
	_, ok = r.UserOf("s0")
	assert.False(t, ok, "oldest binding should have been evicted")
}

func TestLookupRefreshesRecency(t *testing.T) {
	const capacity = 4
	r := New(capacity, time.Hour)

	for i := 0; i < capacity; i++ {
		r.Bind(fmt.Sprintf("s%d", i), fmt.Sprintf("u%d", i))
	}

	// Touch s0 so it becomes the most recent, then overflow by one.
	_, ok := r.UserOf("s0")
	assert.True(t, ok)
	r.Bind("s-new", "u-new")

	_, ok = r.UserOf("s0")
	assert.True(t, ok, "recently looked-up binding must survive eviction")
	_, ok = r.UserOf("s1")
	assert.False(t, ok, "least recently used binding should be evicted")
}

func TestTTLExpiry(t *testing.T) {
	r := New(10, 50*time.Millisecond)

	r.Bind("s1", "u1")
	time.Sleep(120 * time.Millisecond)

	_, ok := r.UserOf("s1")
	assert.False(t, ok, "idle binding must expire")
}

func TestStats(t *testing.T) {
	r := New(10, time.Hour)

	r.Touch("anon-1")
	r.Touch("anon-2")
	r.Bind("auth-1", "u1")

	stats := r.Stats()
	assert.Equal(t, 3, stats.TotalSessions)
	assert.Equal(t, 1, stats.AuthenticatedSessions)
	assert.Equal(t, 3, stats.RecentSessions)
}
