package handlers

import (
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/qcgateway/qcgateway/internal/apierr"
	"github.com/qcgateway/qcgateway/internal/config"
	"github.com/qcgateway/qcgateway/server/auth"
)

// OAuthHandler implements the OAuth2 passthrough routes: a token endpoint
// for the password and refresh grants, and the Auth0 authorization code
// callback, mirroring terachem_cloud's routes/oauth.py router.
type OAuthHandler struct {
	settings  *config.Settings
	guard     *auth.Guard
	exchanger *auth.Exchanger
	log       *slog.Logger
}

// NewOAuthHandler builds an OAuthHandler from its dependencies. log may be
// nil to use slog.Default().
func NewOAuthHandler(settings *config.Settings, guard *auth.Guard, exchanger *auth.Exchanger, log *slog.Logger) *OAuthHandler {
	if log == nil {
		log = slog.Default()
	}
	return &OAuthHandler{settings: settings, guard: guard, exchanger: exchanger, log: log}
}

// Token implements POST {API_OAUTH_PREFIX}/token, restricted to the password
// and refresh_token grants, the same pair OAuth2RequestForm accepts.
func (h *OAuthHandler) Token(c echo.Context) error {
	grantType := c.FormValue("grant_type")

	var form url.Values
	switch grantType {
	case "password":
		flow := auth.OAuth2PasswordFlow{
			OAuth2LoginBase: auth.OAuth2LoginBase{
				OAuth2Base: auth.OAuth2Base{
					ClientID:     firstNonEmpty(c.FormValue("client_id"), h.settings.Auth0ClientID),
					ClientSecret: firstNonEmpty(c.FormValue("client_secret"), h.settings.Auth0ClientSecret),
				},
				Audience: h.settings.Auth0APIAudience,
				Scope:    c.FormValue("scope"),
			},
			Username: c.FormValue("username"),
			Password: c.FormValue("password"),
		}
		form = flow.Values()

	case "refresh_token":
		flow := auth.OAuth2RefreshFlow{
			OAuth2Base: auth.OAuth2Base{
				ClientID:     firstNonEmpty(c.FormValue("client_id"), h.settings.Auth0ClientID),
				ClientSecret: firstNonEmpty(c.FormValue("client_secret"), h.settings.Auth0ClientSecret),
			},
			RefreshToken: c.FormValue("refresh_token"),
		}
		form = flow.Values()

	default:
		return apierr.New(apierr.KindUnknownOption, "grant_type must be password or refresh_token")
	}

	tokens, err := h.exchanger.Exchange(c.Request().Context(), form)
	if err != nil {
		return exchangeError(err)
	}
	return c.JSON(http.StatusOK, tokens)
}

// Callback implements GET {API_OAUTH_PREFIX}/auth0/callback: trades the
// authorization code for tokens, validates the returned id_token, sets the
// session cookies, and redirects to the dashboard.
func (h *OAuthHandler) Callback(c echo.Context) error {
	code := c.QueryParam("code")
	if code == "" {
		return apierr.New(apierr.KindUnknownOption, "missing code query parameter")
	}

	flow := auth.OAuth2AuthorizationCodeFlow{
		OAuth2LoginBase: auth.OAuth2LoginBase{
			OAuth2Base: auth.OAuth2Base{
				ClientID:     h.settings.Auth0ClientID,
				ClientSecret: h.settings.Auth0ClientSecret,
			},
			Audience: h.settings.Auth0APIAudience,
		},
		Code:        code,
		RedirectURI: h.settings.BaseURL,
	}

	tokens, err := h.exchanger.Exchange(c.Request().Context(), flow.Values())
	if err != nil {
		return exchangeError(err)
	}

	if _, err := h.guard.VerifyIDToken(tokens.IDToken); err != nil {
		return apierr.Wrap(apierr.KindAuthFailure, "id_token failed validation", err)
	}

	auth.SetSessionCookies(c.Response(), h.settings, tokens)
	return c.Redirect(http.StatusFound, "/users/dashboard")
}

// exchangeError dispatches an Exchange failure onto the right apierr.Kind:
// an actual rejection from Auth0 forwards its real status and body verbatim
// (KindUpstreamOAuthError) rather than becoming a blanket 401.
func exchangeError(err error) error {
	var upstream *auth.UpstreamError
	if errors.As(err, &upstream) {
		return apierr.WrapUpstream("auth0 rejected the token exchange", upstream.Status, upstream.Body, err)
	}
	return apierr.Wrap(apierr.KindAuthFailure, "auth0 token exchange failed", err)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
