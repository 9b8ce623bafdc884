package idp

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"larkgate/internal/tokenstore"
)

// stubIdP is a minimal identity provider implementing the three enveloped
// endpoints the broker talks to.
type stubIdP struct {
	srv *httptest.Server

	exchangeCalls atomic.Int64
	refreshCalls  atomic.Int64

	// failExchangeCode, when non-zero, makes access_token return that
	// IdP-level error code.
	failExchangeCode int
	// omitRefreshToken makes refresh responses omit the refresh_token field.
	omitRefreshToken bool
}

func newStubIdP(t *testing.T) *stubIdP {
	t.Helper()
	s := &stubIdP{}
	mux := http.NewServeMux()

	writeEnvelope := func(w http.ResponseWriter, code int, msg string, data interface{}) {
		w.Header().Set("Content-Type", "application/json")
		payload := map[string]interface{}{"code": code, "msg": msg}
		if data != nil {
			payload["data"] = data
		}
		_ = json.NewEncoder(w).Encode(payload)
	}

	mux.HandleFunc(accessTokenPath, func(w http.ResponseWriter, r *http.Request) {
		s.exchangeCalls.Add(1)
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Equal(t, "authorization_code", body["grant_type"])
		if s.failExchangeCode != 0 {
			writeEnvelope(w, s.failExchangeCode, "exchange denied", nil)
			return
		}
		writeEnvelope(w, 0, "ok", map[string]interface{}{
			"access_token":  "u-access-" + body["code"],
			"refresh_token": "ur-refresh-" + body["code"],
			"expires_in":    7200,
			"token_type":    "Bearer",
		})
	})

	mux.HandleFunc(refreshTokenPath, func(w http.ResponseWriter, r *http.Request) {
		s.refreshCalls.Add(1)
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Equal(t, "refresh_token", body["grant_type"])
		data := map[string]interface{}{
			"access_token": "u-access-refreshed",
			"expires_in":   7200,
		}
		if !s.omitRefreshToken {
			data["refresh_token"] = "ur-refresh-rotated"
		}
		writeEnvelope(w, 0, "ok", data)
	})

	mux.HandleFunc(userInfoPath, func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		if !strings.HasPrefix(auth, "Bearer ") {
			writeEnvelope(w, 99991668, "access token invalid", nil)
			return
		}
		writeEnvelope(w, 0, "ok", map[string]interface{}{
			"union_id": "on_union_42",
			"user_id":  "u_42",
			"name":     "Test User",
		})
	})

	s.srv = httptest.NewServer(mux)
	t.Cleanup(s.srv.Close)
	return s
}

func newTestBroker(t *testing.T, s *stubIdP) (*Broker, *tokenstore.Store) {
	t.Helper()
	store, err := tokenstore.New(t.TempDir(), tokenstore.Options{})
	require.NoError(t, err)
	t.Cleanup(store.Stop)

	client := NewClient(s.srv.URL, "cli_app", "app_secret", "http://localhost:3000/oauth/callback")
	b := NewBroker(client, store)
	t.Cleanup(b.Stop)
	return b, store
}

func TestAuthorizeURL(t *testing.T) {
	s := newStubIdP(t)
	b, _ := newTestBroker(t, s)

	raw, err := b.AuthorizeURL("sess-1")
	require.NoError(t, err)

	u, err := url.Parse(raw)
	require.NoError(t, err)
	q := u.Query()
	assert.Equal(t, "cli_app", q.Get("app_id"))
	assert.Equal(t, "code", q.Get("response_type"))
	assert.Equal(t, "http://localhost:3000/oauth/callback", q.Get("redirect_uri"))
	assert.True(t, strings.HasSuffix(q.Get("state"), "_sess-1"),
		"state must carry the session id after the last underscore, got %q", q.Get("state"))
}

func TestHandleCallbackHappyPath(t *testing.T) {
	s := newStubIdP(t)
	b, store := newTestBroker(t, s)

	raw, err := b.AuthorizeURL("sess-1")
	require.NoError(t, err)
	u, _ := url.Parse(raw)
	state := u.Query().Get("state")

	sessionID, userID, err := b.HandleCallback(context.Background(), "code-abc", state)
	require.NoError(t, err)
	assert.Equal(t, "sess-1", sessionID)
	assert.Equal(t, "on_union_42", userID)

	creds, err := store.Load("on_union_42")
	require.NoError(t, err)
	require.NotNil(t, creds)
	assert.Equal(t, "u-access-code-abc", creds.AccessToken)
	assert.Equal(t, "ur-refresh-code-abc", creds.RefreshToken)
	assert.WithinDuration(t, time.Now().Add(7200*time.Second), creds.ExpiresAt, 10*time.Second)
}

func TestHandleCallbackReplay(t *testing.T) {
	s := newStubIdP(t)
	b, _ := newTestBroker(t, s)

	raw, err := b.AuthorizeURL("sess-1")
	require.NoError(t, err)
	u, _ := url.Parse(raw)
	state := u.Query().Get("state")

	_, _, err = b.HandleCallback(context.Background(), "code-abc", state)
	require.NoError(t, err)

	_, _, err = b.HandleCallback(context.Background(), "code-abc", state)
	assert.ErrorIs(t, err, ErrInvalidState)
	assert.Equal(t, int64(1), s.exchangeCalls.Load(), "replayed state must not reach the IdP")
}

func TestHandleCallbackMalformedState(t *testing.T) {
	s := newStubIdP(t)
	b, _ := newTestBroker(t, s)

	for _, state := range []string{"", "nounderscore", "_", "token_"} {
		_, _, err := b.HandleCallback(context.Background(), "code", state)
		assert.ErrorIs(t, err, ErrInvalidState, "state %q", state)
	}
}

func TestHandleCallbackIdPError(t *testing.T) {
	s := newStubIdP(t)
	s.failExchangeCode = 20003
	b, _ := newTestBroker(t, s)

	raw, err := b.AuthorizeURL("sess-1")
	require.NoError(t, err)
	u, _ := url.Parse(raw)

	_, _, err = b.HandleCallback(context.Background(), "bad-code", u.Query().Get("state"))
	var idpErr *IdPError
	require.ErrorAs(t, err, &idpErr)
	assert.Equal(t, 20003, idpErr.Code)
}

func TestEnsureValidFreshCredentials(t *testing.T) {
	s := newStubIdP(t)
	b, store := newTestBroker(t, s)

	require.NoError(t, store.Save("u1", &tokenstore.Credentials{
		UserID:       "u1",
		AccessToken:  "fresh",
		RefreshToken: "r1",
		ExpiresAt:    time.Now().Add(time.Hour),
	}))

	creds, err := b.EnsureValid(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, "fresh", creds.AccessToken)
	assert.Equal(t, int64(0), s.refreshCalls.Load())
}

func TestEnsureValidRefreshesNearExpiry(t *testing.T) {
	s := newStubIdP(t)
	b, store := newTestBroker(t, s)

	require.NoError(t, store.Save("u1", &tokenstore.Credentials{
		UserID:       "u1",
		AccessToken:  "stale",
		RefreshToken: "r1",
		ExpiresAt:    time.Now().Add(time.Minute), // inside the 5 min margin
	}))

	creds, err := b.EnsureValid(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, "u-access-refreshed", creds.AccessToken)
	assert.True(t, creds.Valid(refreshMargin), "returned credentials must clear the margin")
	assert.Equal(t, int64(1), s.refreshCalls.Load())
}

func TestEnsureValidAbsentUser(t *testing.T) {
	s := newStubIdP(t)
	b, _ := newTestBroker(t, s)

	_, err := b.EnsureValid(context.Background(), "nobody")
	assert.ErrorIs(t, err, ErrNoCredentials)
}

func TestEnsureValidRefreshFailureClears(t *testing.T) {
	s := newStubIdP(t)
	b, store := newTestBroker(t, s)
	s.srv.Close() // refresh will hit a dead endpoint

	require.NoError(t, store.Save("u1", &tokenstore.Credentials{
		UserID:       "u1",
		AccessToken:  "stale",
		RefreshToken: "r1",
		ExpiresAt:    time.Now().Add(time.Minute),
	}))

	_, err := b.EnsureValid(context.Background(), "u1")
	assert.ErrorIs(t, err, ErrNoCredentials)

	// The broken credentials were cleared.
	creds, err := store.Load("u1")
	require.NoError(t, err)
	assert.Nil(t, creds)
}

func TestRefreshKeepsPriorRefreshTokenWhenOmitted(t *testing.T) {
	s := newStubIdP(t)
	s.omitRefreshToken = true
	b, store := newTestBroker(t, s)

	require.NoError(t, store.Save("u1", &tokenstore.Credentials{
		UserID:       "u1",
		AccessToken:  "old",
		RefreshToken: "keep-me",
		ExpiresAt:    time.Now().Add(time.Minute),
	}))

	creds, err := b.Refresh(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, "u-access-refreshed", creds.AccessToken)
	assert.Equal(t, "keep-me", creds.RefreshToken)
}

func TestIdPProtocolErrorOnNon2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "cli_app", "secret", "http://localhost/cb")
	_, err := client.ExchangeCode(context.Background(), "code")
	assert.True(t, errors.Is(err, ErrIdPProtocol), "expected ErrIdPProtocol, got %v", err)
}
