package idp

import (
	"errors"
	"fmt"
)

// Error kinds surfaced by the broker. Callers dispatch on these with
// errors.Is / errors.As; the HTTP layer maps them to user-visible pages.
var (
	// ErrInvalidState is returned when a callback carries a state parameter
	// that is unknown, expired, already consumed, or bound to a different
	// session.
	ErrInvalidState = errors.New("invalid or expired state")

	// ErrIdPProtocol is returned when the IdP answers with a non-2xx status
	// or a structurally invalid body.
	ErrIdPProtocol = errors.New("identity provider protocol error")

	// ErrNoCredentials is returned when no usable credentials exist for a
	// user and none could be obtained by refreshing.
	ErrNoCredentials = errors.New("no credentials")
)

// IdPError is an IdP-reported failure: the HTTP exchange succeeded but the
// response envelope carried a non-zero code.
type IdPError struct {
	Code int
	Msg  string
}

func (e *IdPError) Error() string {
	return fmt.Sprintf("identity provider error %d: %s", e.Code, e.Msg)
}

// envelope is the JSON wrapper every IdP endpoint uses: code 0 means
// success, anything else is an IdP-level error described by msg.
type envelope struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

// tokenData is the data payload of the access_token and
// refresh_access_token endpoints.
type tokenData struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int    `json:"expires_in"`
	TokenType    string `json:"token_type"`
	Scope        string `json:"scope"`
}

// UserInfo is the data payload of the user_info endpoint. UnionID is the
// stable identifier under which credentials are filed.
type UserInfo struct {
	UnionID string `json:"union_id"`
	UserID  string `json:"user_id"`
	Name    string `json:"name"`
	Email   string `json:"email,omitempty"`
	Avatar  string `json:"avatar_url,omitempty"`
}
