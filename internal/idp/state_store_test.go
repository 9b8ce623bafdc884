package idp

import (
	"testing"
	"time"
)

func TestStateStoreGenerateAndConsume(t *testing.T) {
	ss := NewStateStore()
	defer ss.Stop()

	token, err := ss.Generate("session-123")
	if err != nil {
		t.Fatalf("Failed to generate state: %v", err)
	}
	if token == "" {
		t.Fatal("Expected non-empty state token")
	}

	if !ss.Consume(token, "session-123") {
		t.Error("Expected valid state to be consumed")
	}
}

func TestStateStoreConsumeIsOneShot(t *testing.T) {
	ss := NewStateStore()
	defer ss.Stop()

	token, err := ss.Generate("session-123")
	if err != nil {
		t.Fatalf("Failed to generate state: %v", err)
	}

	if !ss.Consume(token, "session-123") {
		t.Fatal("First consume should succeed")
	}
	if ss.Consume(token, "session-123") {
		t.Error("Second consume of the same token must fail")
	}
}

func TestStateStoreSessionMismatch(t *testing.T) {
	ss := NewStateStore()
	defer ss.Stop()

	token, err := ss.Generate("session-123")
	if err != nil {
		t.Fatalf("Failed to generate state: %v", err)
	}

	if ss.Consume(token, "session-456") {
		t.Error("State bound to a different session must be rejected")
	}
	// The mismatch burned the token.
	if ss.Consume(token, "session-123") {
		t.Error("A burned token must stay invalid")
	}
}

func TestStateStoreUnknownToken(t *testing.T) {
	ss := NewStateStore()
	defer ss.Stop()

	if ss.Consume("no-such-token", "session-123") {
		t.Error("Unknown token must be rejected")
	}
}

func TestStateStoreExpiry(t *testing.T) {
	ss := NewStateStore()
	defer ss.Stop()

	token, err := ss.Generate("session-123")
	if err != nil {
		t.Fatalf("Failed to generate state: %v", err)
	}

	// Backdate the entry past the expiry window.
	ss.mu.Lock()
	ss.states[token].CreatedAt = time.Now().Add(-stateExpiry - time.Minute)
	ss.mu.Unlock()

	if ss.Consume(token, "session-123") {
		t.Error("Expired state must be rejected")
	}
}

func TestStateStoreCleanup(t *testing.T) {
	ss := NewStateStore()
	defer ss.Stop()

	fresh, _ := ss.Generate("fresh")
	stale, _ := ss.Generate("stale")

	ss.mu.Lock()
	ss.states[stale].CreatedAt = time.Now().Add(-stateExpiry - time.Minute)
	ss.mu.Unlock()

	ss.cleanup()

	if ss.Len() != 1 {
		t.Errorf("Expected 1 remaining state after cleanup, got %d", ss.Len())
	}
	if !ss.Consume(fresh, "fresh") {
		t.Error("Fresh state should survive cleanup")
	}
}
