package auth

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qcgateway/qcgateway/internal/apierr"
	"github.com/qcgateway/qcgateway/internal/config"
)

func generateTestKey(t *testing.T) (*rsa.PrivateKey, config.JSONWebKey) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	jwk := config.JSONWebKey{
		Kty: "RSA",
		Kid: "test-kid",
		Use: "sig",
		N:   base64.RawURLEncoding.EncodeToString(key.PublicKey.N.Bytes()),
		E:   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(key.PublicKey.E)).Bytes()),
	}
	return key, jwk
}

func signToken(t *testing.T, key *rsa.PrivateKey, kid string, claims Claims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = kid
	signed, err := token.SignedString(key)
	require.NoError(t, err)
	return signed
}

func testSettings(jwk config.JSONWebKey) *config.Settings {
	return &config.Settings{
		Auth0Algorithms:  []string{"RS256"},
		Auth0APIAudience: "https://api.qcgateway.test",
		JWTIssuer:        "https://qcgateway.auth0.com/",
		JWKS:             []config.JSONWebKey{jwk},
	}
}

func TestGuardAcceptsValidTokenWithScope(t *testing.T) {
	key, jwk := generateTestKey(t)
	settings := testSettings(jwk)
	guard := NewGuard(settings)

	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    settings.JWTIssuer,
			Audience:  jwt.ClaimStrings{settings.Auth0APIAudience},
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		Scope: "compute:public",
	}
	tokenString := signToken(t, key, jwk.Kid, claims)

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+tokenString)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	called := false
	handler := guard.Require("compute:public")(func(c echo.Context) error {
		called = true
		claims, ok := ClaimsFromContext(c)
		assert.True(t, ok)
		assert.True(t, claims.HasScope("compute:public"))
		return nil
	})

	require.NoError(t, handler(c))
	assert.True(t, called)
}

func TestGuardRejectsMissingToken(t *testing.T) {
	_, jwk := generateTestKey(t)
	settings := testSettings(jwk)
	guard := NewGuard(settings)

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	handler := guard.Require()(func(c echo.Context) error { return nil })
	err := handler(c)
	require.Error(t, err)
	apiErr, ok := err.(*apierr.Error)
	require.True(t, ok)
	assert.Equal(t, apierr.KindAuthFailure, apiErr.Kind)
}

func TestGuardRejectsMissingScope(t *testing.T) {
	key, jwk := generateTestKey(t)
	settings := testSettings(jwk)
	guard := NewGuard(settings)

	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    settings.JWTIssuer,
			Audience:  jwt.ClaimStrings{settings.Auth0APIAudience},
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		Scope: "compute:public",
	}
	tokenString := signToken(t, key, jwk.Kid, claims)

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+tokenString)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	handler := guard.Require("compute:private")(func(c echo.Context) error { return nil })
	err := handler(c)
	require.Error(t, err)
	apiErr, ok := err.(*apierr.Error)
	require.True(t, ok)
	assert.Equal(t, apierr.KindInsufficientScope, apiErr.Kind)
}

func TestGuardRejectsWrongIssuer(t *testing.T) {
	key, jwk := generateTestKey(t)
	settings := testSettings(jwk)
	guard := NewGuard(settings)

	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "https://not-the-right-issuer.example/",
			Audience:  jwt.ClaimStrings{settings.Auth0APIAudience},
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	tokenString := signToken(t, key, jwk.Kid, claims)

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+tokenString)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	handler := guard.Require()(func(c echo.Context) error { return nil })
	err := handler(c)
	require.Error(t, err)
}
