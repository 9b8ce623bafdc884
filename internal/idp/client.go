package idp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"larkgate/pkg/logging"
)

// IdP endpoint paths, relative to the configured base URL.
const (
	authorizePath    = "/open-apis/authen/v1/authorize"
	accessTokenPath  = "/open-apis/authen/v1/access_token"
	refreshTokenPath = "/open-apis/authen/v1/refresh_access_token"
	userInfoPath     = "/open-apis/authen/v1/user_info"
)

// defaultScopes is the fixed scope set requested during authorization.
const defaultScopes = "contact:user.base:readonly im:message"

// Client talks to the external identity provider. It is safe for concurrent
// use; all methods perform a single bounded HTTP round trip.
type Client struct {
	baseURL     string
	appID       string
	appSecret   string
	redirectURI string
	httpClient  *http.Client
}

// NewClient creates an IdP client. baseURL is the endpoint root without a
// trailing slash.
func NewClient(baseURL, appID, appSecret, redirectURI string) *Client {
	return &Client{
		baseURL:     baseURL,
		appID:       appID,
		appSecret:   appSecret,
		redirectURI: redirectURI,
		httpClient:  &http.Client{Timeout: 10 * time.Second},
	}
}

// AuthorizeURL builds the browser redirect URL for the authorization
// endpoint with the given state parameter.
func (c *Client) AuthorizeURL(state string) string {
	q := url.Values{}
	q.Set("app_id", c.appID)
	q.Set("redirect_uri", c.redirectURI)
	q.Set("response_type", "code")
	q.Set("scope", defaultScopes)
	q.Set("state", state)
	return c.baseURL + authorizePath + "?" + q.Encode()
}

// ExchangeCode exchanges an authorization code for a token pair.
func (c *Client) ExchangeCode(ctx context.Context, code string) (*tokenData, error) {
	body := map[string]string{
		"grant_type":    "authorization_code",
		"client_id":     c.appID,
		"client_secret": c.appSecret,
		"code":          code,
		"redirect_uri":  c.redirectURI,
	}
	var data tokenData
	if err := c.postJSON(ctx, accessTokenPath, body, &data); err != nil {
		return nil, err
	}
	if data.AccessToken == "" {
		return nil, fmt.Errorf("%w: token response missing access_token", ErrIdPProtocol)
	}
	return &data, nil
}

// RefreshToken trades a refresh token for a fresh token pair.
func (c *Client) RefreshToken(ctx context.Context, refreshToken string) (*tokenData, error) {
	body := map[string]string{
		"grant_type":    "refresh_token",
		"refresh_token": refreshToken,
	}
	var data tokenData
	if err := c.postJSON(ctx, refreshTokenPath, body, &data); err != nil {
		return nil, err
	}
	if data.AccessToken == "" {
		return nil, fmt.Errorf("%w: refresh response missing access_token", ErrIdPProtocol)
	}
	return &data, nil
}

// FetchUserInfo resolves the identity behind an access token.
func (c *Client) FetchUserInfo(ctx context.Context, accessToken string) (*UserInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+userInfoPath, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIdPProtocol, err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	var info UserInfo
	if err := c.do(req, &info); err != nil {
		return nil, err
	}
	if info.UnionID == "" {
		return nil, fmt.Errorf("%w: user info missing union_id", ErrIdPProtocol)
	}
	return &info, nil
}

// postJSON posts a JSON body to an endpoint and decodes the enveloped data
// payload into out.
func (c *Client) postJSON(ctx context.Context, path string, body interface{}, out interface{}) error {
	encoded, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrIdPProtocol, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(encoded))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrIdPProtocol, err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

// do executes a request and unwraps the {code, msg, data} envelope.
func (c *Client) do(req *http.Request, out interface{}) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrIdPProtocol, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrIdPProtocol, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		logging.Warn("IdP", "Endpoint %s answered HTTP %d", req.URL.Path, resp.StatusCode)
		return fmt.Errorf("%w: unexpected status %d", ErrIdPProtocol, resp.StatusCode)
	}

	var env struct {
		envelope
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		return fmt.Errorf("%w: invalid response body: %v", ErrIdPProtocol, err)
	}
	if env.Code != 0 {
		return &IdPError{Code: env.Code, Msg: env.Msg}
	}

	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("%w: invalid data payload: %v", ErrIdPProtocol, err)
		}
	}
	return nil
}
