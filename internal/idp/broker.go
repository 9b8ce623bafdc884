package idp

import (
	"context"
	"fmt"
	"strings"
	"time"

	"larkgate/internal/tokenstore"
	"larkgate/pkg/logging"
)

// refreshMargin is how close to expiry an access token may get before
// EnsureValid refreshes it.
const refreshMargin = 5 * time.Minute

// Broker mediates the federated authorization flow: it builds authorization
// URLs, consumes callbacks, and keeps persisted credentials fresh.
//
// The state parameter transmitted to the IdP is the concatenation
// {state_token}_{session_id}. The token alone authorizes the callback; the
// trailing session id allows stateless session recovery if the in-memory
// pending map is lost between redirect and callback.
type Broker struct {
	client *Client
	states *StateStore
	store  *tokenstore.Store
}

// NewBroker creates a broker around an IdP client and the credential store.
func NewBroker(client *Client, store *tokenstore.Store) *Broker {
	return &Broker{
		client: client,
		states: NewStateStore(),
		store:  store,
	}
}

// Stop releases the broker's background resources.
func (b *Broker) Stop() {
	b.states.Stop()
}

// AuthorizeURL generates a pending authorization for the session and returns
// the IdP authorization URL to redirect the browser to.
func (b *Broker) AuthorizeURL(sessionID string) (string, error) {
	token, err := b.states.Generate(sessionID)
	if err != nil {
		return "", fmt.Errorf("failed to generate state: %w", err)
	}
	return b.client.AuthorizeURL(token + "_" + sessionID), nil
}

// HandleCallback consumes an authorization callback: it validates the state,
// exchanges the code, resolves the user identity and persists credentials.
// Returns the session id recovered from the state and the IdP-issued user id.
func (b *Broker) HandleCallback(ctx context.Context, code, state string) (string, string, error) {
	// Split at the LAST underscore: the state token is base64url and may
	// itself contain underscores, the session id never does.
	idx := strings.LastIndex(state, "_")
	if idx <= 0 || idx == len(state)-1 {
		return "", "", ErrInvalidState
	}
	token, sessionID := state[:idx], state[idx+1:]

	if !b.states.Consume(token, sessionID) {
		logging.Audit(logging.AuditEvent{
			Action:    "oauth_callback",
			Outcome:   "failure",
			SessionID: logging.TruncateSessionID(sessionID),
			Error:     "invalid or expired state",
		})
		return "", "", ErrInvalidState
	}

	tokens, err := b.client.ExchangeCode(ctx, code)
	if err != nil {
		logging.Audit(logging.AuditEvent{
			Action:    "token_exchange",
			Outcome:   "failure",
			SessionID: logging.TruncateSessionID(sessionID),
			Error:     err.Error(),
		})
		return "", "", err
	}

	info, err := b.client.FetchUserInfo(ctx, tokens.AccessToken)
	if err != nil {
		return "", "", err
	}

	creds := &tokenstore.Credentials{
		UserID:       info.UnionID,
		AccessToken:  tokens.AccessToken,
		RefreshToken: tokens.RefreshToken,
		ExpiresAt:    time.Now().Add(time.Duration(tokens.ExpiresIn) * time.Second).UTC(),
	}
	if err := b.store.Save(info.UnionID, creds); err != nil {
		return "", "", fmt.Errorf("failed to persist credentials: %w", err)
	}

	logging.Audit(logging.AuditEvent{
		Action:    "token_exchange",
		Outcome:   "success",
		SessionID: logging.TruncateSessionID(sessionID),
		UserID:    logging.TruncateSessionID(info.UnionID),
	})
	return sessionID, info.UnionID, nil
}

// EnsureValid returns credentials for a user with at least refreshMargin of
// validity left, refreshing if necessary. Returns ErrNoCredentials when the
// user has no stored credentials or the refresh fails.
func (b *Broker) EnsureValid(ctx context.Context, userID string) (*tokenstore.Credentials, error) {
	creds, err := b.store.Load(userID)
	if err != nil {
		return nil, err
	}
	if creds == nil {
		return nil, ErrNoCredentials
	}
	if creds.Valid(refreshMargin) {
		return creds, nil
	}

	refreshed, err := b.Refresh(ctx, userID)
	if err != nil {
		logging.Warn("OAuth", "Refresh failed for user %s: %v", logging.TruncateSessionID(userID), err)
		if clearErr := b.store.Clear(userID); clearErr != nil {
			logging.Warn("OAuth", "Failed to clear credentials for user %s: %v", logging.TruncateSessionID(userID), clearErr)
		}
		return nil, ErrNoCredentials
	}
	return refreshed, nil
}

// Refresh trades the stored refresh token for a new token pair and persists
// it. If the IdP omits a new refresh token, the prior one is kept.
func (b *Broker) Refresh(ctx context.Context, userID string) (*tokenstore.Credentials, error) {
	creds, err := b.store.Load(userID)
	if err != nil {
		return nil, err
	}
	if creds == nil {
		return nil, ErrNoCredentials
	}

	tokens, err := b.client.RefreshToken(ctx, creds.RefreshToken)
	if err != nil {
		return nil, err
	}

	refreshToken := tokens.RefreshToken
	if refreshToken == "" {
		refreshToken = creds.RefreshToken
	}

	updated := &tokenstore.Credentials{
		UserID:       userID,
		AccessToken:  tokens.AccessToken,
		RefreshToken: refreshToken,
		ExpiresAt:    time.Now().Add(time.Duration(tokens.ExpiresIn) * time.Second).UTC(),
	}
	if err := b.store.Save(userID, updated); err != nil {
		return nil, err
	}

	logging.Debug("OAuth", "Refreshed credentials for user %s", logging.TruncateSessionID(userID))
	return updated, nil
}
