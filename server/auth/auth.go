// Package auth verifies Auth0-issued bearer tokens against the gateway's
// cached JWKS and checks the scopes a route requires, mirroring the
// qccloud_server bearer_auth dependency.
package auth

import (
	"crypto/rsa"
	"encoding/base64"
	"fmt"
	"math/big"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"

	"github.com/qcgateway/qcgateway/internal/apierr"
	"github.com/qcgateway/qcgateway/internal/config"
)

// claimsContextKey is where Guard stashes the verified claims for handlers
// further down the chain.
const claimsContextKey = "qcgateway_claims"

// Guard builds an echo middleware that requires a valid bearer token
// carrying every scope in requiredScopes.
type Guard struct {
	settings *config.Settings
}

// NewGuard builds a Guard bound to settings' JWKS, issuer, audience, and
// accepted signing algorithms.
func NewGuard(settings *config.Settings) *Guard {
	return &Guard{settings: settings}
}

// Claims is the subset of the JWT payload handlers care about.
type Claims struct {
	jwt.RegisteredClaims
	Scope string `json:"scope"`
}

// Scopes splits the space-delimited scope claim, matching Auth0's format.
func (c Claims) Scopes() []string {
	if c.Scope == "" {
		return nil
	}
	return strings.Fields(c.Scope)
}

// HasScope reports whether scope is present among the token's granted
// scopes.
func (c Claims) HasScope(scope string) bool {
	for _, s := range c.Scopes() {
		if s == scope {
			return true
		}
	}
	return false
}

// Require returns echo middleware rejecting requests that lack a bearer
// token, fail RS256 verification against the cached JWKS, or lack any scope
// in requiredScopes.
func (g *Guard) Require(requiredScopes ...string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			token, err := bearerToken(c.Request())
			if err != nil {
				return apierr.Wrap(apierr.KindAuthFailure, "missing bearer token", err)
			}

			claims, err := g.verify(token)
			if err != nil {
				return apierr.Wrap(apierr.KindAuthFailure, "invalid token", err)
			}

			for _, scope := range requiredScopes {
				if !claims.HasScope(scope) {
					return apierr.New(apierr.KindInsufficientScope, fmt.Sprintf("missing required scope %q", scope))
				}
			}

			c.Set(claimsContextKey, claims)
			return next(c)
		}
	}
}

// ClaimsFromContext retrieves the claims Require stashed on c, if any.
func ClaimsFromContext(c echo.Context) (Claims, bool) {
	v := c.Get(claimsContextKey)
	claims, ok := v.(Claims)
	return claims, ok
}

func bearerToken(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return "", fmt.Errorf("authorization header missing %q prefix", prefix)
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, prefix))
	if token == "" {
		return "", fmt.Errorf("empty bearer token")
	}
	return token, nil
}

// verify parses and validates tokenString the same way the original
// bearer_auth dependency does: find the matching JWKS key by kid, check the
// signature, issuer, and audience.
func (g *Guard) verify(tokenString string) (Claims, error) {
	return g.verifyWithAudience(tokenString, g.settings.Auth0APIAudience)
}

// VerifyIDToken validates the id_token Auth0 hands back from the
// authorization code exchange, the Go equivalent of the callback route's
// _validate_jwt call. The id_token's audience is the Auth0 client id, not
// the API audience bearer tokens carry.
func (g *Guard) VerifyIDToken(tokenString string) (Claims, error) {
	return g.verifyWithAudience(tokenString, g.settings.Auth0ClientID)
}

func (g *Guard) verifyWithAudience(tokenString, audience string) (Claims, error) {
	var claims Claims
	parsed, err := jwt.ParseWithClaims(tokenString, &claims, func(t *jwt.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		key, err := g.matchingKey(kid)
		if err != nil {
			return nil, err
		}
		return key, nil
	},
		jwt.WithValidMethods(g.settings.Auth0Algorithms),
		jwt.WithIssuer(g.settings.JWTIssuer),
		jwt.WithAudience(audience),
	)
	if err != nil {
		return Claims{}, err
	}
	if !parsed.Valid {
		return Claims{}, fmt.Errorf("token failed validation")
	}
	return claims, nil
}

// matchingKey finds the JWKS entry whose kid matches and reconstructs the
// RSA public key from its modulus/exponent, the Go equivalent of
// _get_matching_rsa_key.
func (g *Guard) matchingKey(kid string) (*rsa.PublicKey, error) {
	for _, key := range g.settings.JWKS {
		if key.Kid != kid {
			continue
		}
		return rsaPublicKeyFromJWK(key)
	}
	return nil, fmt.Errorf("no matching jwks key found for kid %q", kid)
}

func rsaPublicKeyFromJWK(key config.JSONWebKey) (*rsa.PublicKey, error) {
	nBytes, err := base64.RawURLEncoding.DecodeString(key.N)
	if err != nil {
		return nil, fmt.Errorf("decode jwk modulus: %w", err)
	}
	eBytes, err := base64.RawURLEncoding.DecodeString(key.E)
	if err != nil {
		return nil, fmt.Errorf("decode jwk exponent: %w", err)
	}

	n := new(big.Int).SetBytes(nBytes)
	e := new(big.Int).SetBytes(eBytes)

	return &rsa.PublicKey{N: n, E: int(e.Int64())}, nil
}
