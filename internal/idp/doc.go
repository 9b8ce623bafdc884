// Package idp implements the OAuth 2.0 side channel against the external
// identity provider: building authorization URLs, holding pending
// authorization state, exchanging codes, refreshing tokens and resolving
// user identity.
//
// The IdP speaks an enveloped JSON dialect: every endpoint wraps its
// payload as {code, msg, data} with code 0 on success. The stable identity
// is the union id from the user_info endpoint; it is the user id under
// which credentials are filed and workers are keyed.
//
// Three error kinds leave this package: ErrInvalidState for bad callback
// state, ErrIdPProtocol for transport or structural failures, and IdPError
// for failures the IdP itself reports. ErrNoCredentials signals that a user
// has nothing usable on disk and could not be refreshed.
package idp
