package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/oauth2"

	"github.com/qcgateway/qcgateway/internal/config"
)

// OAuth2Base carries the credentials every Auth0 token exchange needs,
// mirroring chemcloud_server.models.OAuth2Base.
type OAuth2Base struct {
	ClientID     string
	ClientSecret string
}

// OAuth2LoginBase adds the fields shared by the two login flows.
type OAuth2LoginBase struct {
	OAuth2Base
	Audience string
	Scope    string
}

// OAuth2PasswordFlow is the resource-owner password credentials flow.
type OAuth2PasswordFlow struct {
	OAuth2LoginBase
	Username string
	Password string
}

// OAuth2AuthorizationCodeFlow trades an authorization code for tokens.
type OAuth2AuthorizationCodeFlow struct {
	OAuth2LoginBase
	Code        string
	RedirectURI string
}

// OAuth2RefreshFlow exchanges a refresh token for a new access token.
type OAuth2RefreshFlow struct {
	OAuth2Base
	RefreshToken string
}

// Values renders the password flow as the form body Auth0 expects.
func (f OAuth2PasswordFlow) Values() url.Values {
	v := url.Values{}
	v.Set("grant_type", "password")
	v.Set("client_id", f.ClientID)
	v.Set("client_secret", f.ClientSecret)
	v.Set("username", f.Username)
	v.Set("password", f.Password)
	if f.Audience != "" {
		v.Set("audience", f.Audience)
	}
	if f.Scope != "" {
		v.Set("scope", f.Scope)
	}
	return v
}

// Values renders the authorization code flow as the form body Auth0
// expects.
func (f OAuth2AuthorizationCodeFlow) Values() url.Values {
	v := url.Values{}
	v.Set("grant_type", "authorization_code")
	v.Set("client_id", f.ClientID)
	v.Set("client_secret", f.ClientSecret)
	v.Set("code", f.Code)
	v.Set("redirect_uri", f.RedirectURI)
	if f.Audience != "" {
		v.Set("audience", f.Audience)
	}
	if f.Scope != "" {
		v.Set("scope", f.Scope)
	}
	return v
}

// Values renders the refresh flow as the form body Auth0 expects.
func (f OAuth2RefreshFlow) Values() url.Values {
	v := url.Values{}
	v.Set("grant_type", "refresh_token")
	v.Set("client_id", f.ClientID)
	v.Set("client_secret", f.ClientSecret)
	v.Set("refresh_token", f.RefreshToken)
	return v
}

// UpstreamError reports the verbatim status and body Auth0 returned for a
// rejected token exchange (bad credentials, rate limiting, an outage), so
// callers can forward the provider's own status and payload instead of
// collapsing every rejection into one generic auth failure.
type UpstreamError struct {
	Status int
	Body   string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("auth0 token endpoint returned %d", e.Status)
}

// TokenResponse is Auth0's token endpoint response shape.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	IDToken      string `json:"id_token,omitempty"`
	RefreshToken string `json:"refresh_token,omitempty"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
}

// Exchanger talks to Auth0's /oauth/token endpoint on behalf of the three
// grant types above, the Go equivalent of _auth0_token_request.
type Exchanger struct {
	settings *config.Settings
	client   *http.Client
}

// NewExchanger builds an Exchanger bound to settings' Auth0 domain and
// external-call timeout.
func NewExchanger(settings *config.Settings) *Exchanger {
	return &Exchanger{
		settings: settings,
		client:   &http.Client{Timeout: settings.ExternalHTTPTimeo},
	}
}

// endpoint describes Auth0's token endpoint in the shape
// golang.org/x/oauth2 expects, reused here purely for its Endpoint type so
// the rest of the module keeps a consistent way of naming OAuth2 endpoints.
// Auth0Domain is normally a bare host (Auth0 tenant domain); tests may set
// it to a full http(s) base URL to point at a local fixture server.
func (e *Exchanger) endpoint() oauth2.Endpoint {
	domain := e.settings.Auth0Domain
	if strings.HasPrefix(domain, "http://") || strings.HasPrefix(domain, "https://") {
		return oauth2.Endpoint{TokenURL: strings.TrimRight(domain, "/") + "/oauth/token"}
	}
	return oauth2.Endpoint{TokenURL: fmt.Sprintf("https://%s/oauth/token", domain)}
}

// Exchange posts form to the Auth0 token endpoint and decodes the response.
func (e *Exchanger) Exchange(ctx context.Context, form url.Values) (TokenResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint().TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return TokenResponse{}, errors.Wrap(err, "build auth0 token request")
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := e.client.Do(req)
	if err != nil {
		return TokenResponse{}, errors.Wrap(err, "auth0 token request")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return TokenResponse{}, errors.Wrap(err, "read auth0 token response")
	}

	if resp.StatusCode >= 400 {
		return TokenResponse{}, &UpstreamError{Status: resp.StatusCode, Body: string(body)}
	}

	var out TokenResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return TokenResponse{}, errors.Wrap(err, "decode auth0 token response")
	}
	return out, nil
}

// cookieMaxAge bounds how long the id/refresh token cookies persist in the
// browser when Auth0 doesn't report an explicit lifetime.
const cookieMaxAge = 30 * 24 * time.Hour

// SetSessionCookies writes the id and refresh token cookies the way the
// Auth0 callback route does, both httpOnly.
func SetSessionCookies(w http.ResponseWriter, settings *config.Settings, tokens TokenResponse) {
	http.SetCookie(w, &http.Cookie{
		Name:     settings.IDTokenCookieKey,
		Value:    tokens.IDToken,
		HttpOnly: true,
		Path:     "/",
		MaxAge:   int(cookieMaxAge.Seconds()),
	})
	if tokens.RefreshToken != "" {
		http.SetCookie(w, &http.Cookie{
			Name:     settings.RefreshCookieKey,
			Value:    tokens.RefreshToken,
			HttpOnly: true,
			Path:     "/",
			MaxAge:   int(cookieMaxAge.Seconds()),
		})
	}
}
