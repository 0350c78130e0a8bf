// Package config resolves the gateway's process-wide settings once at
// startup and hands back an immutable value shared by every request.
package config

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// Settings is the fully resolved, immutable configuration for one process.
// Never mutate a *Settings after Load returns it.
type Settings struct {
	APIV2Str          string
	APIComputePrefix  string
	APIOAuthPrefix    string
	Addr              string
	Port              int
	BaseURL           string
	IDTokenCookieKey  string
	RefreshCookieKey  string
	MaxBatchInputs    int
	SubmitTimeout     time.Duration
	ExternalHTTPTimeo time.Duration

	Auth0Domain       string
	Auth0ClientID     string
	Auth0ClientSecret string
	Auth0APIAudience  string
	Auth0Algorithms   []string
	JWTIssuer         string
	JWKS              []JSONWebKey

	BrokerRedisURL        string
	ResultBackendMongoURI string
	ResultBackendMongoDB  string

	Mode string
}

func (s *Settings) IsDev() bool {
	return s.Mode != "prod"
}

// secretsDir is consulted before the environment, matching the teacher's
// "mounted secrets directory wins" convention.
const secretsDir = "/var/secrets"

func readSecretOrEnv(name string) string {
	path := filepath.Join(secretsDir, name)
	if data, err := os.ReadFile(path); err == nil {
		return strings.TrimSpace(string(data))
	}
	return os.Getenv(name)
}

func getEnvOrDefault(key, def string) string {
	if v := readSecretOrEnv(key); v != "" {
		return v
	}
	return def
}

func getEnvOrDefaultInt(key string, def int) int {
	if v := readSecretOrEnv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

// Load resolves Settings from the environment (or mounted secrets dir) and,
// if an Auth0 domain is configured, fetches the issuer's JWKS once. The
// returned value is meant to be held for the lifetime of the process; a
// rotated signing key requires a restart (explicit non-goal).
func Load(ctx context.Context) (*Settings, error) {
	s := &Settings{
		APIV2Str:          getEnvOrDefault("API_V2_STR", "/api/v2"),
		APIComputePrefix:  getEnvOrDefault("API_COMPUTE_PREFIX", "/compute"),
		APIOAuthPrefix:    getEnvOrDefault("API_OAUTH_PREFIX", "/oauth"),
		Addr:              getEnvOrDefault("ADDR", ""),
		Port:              getEnvOrDefaultInt("PORT", 8080),
		BaseURL:           getEnvOrDefault("BASE_URL", "http://localhost:8080"),
		IDTokenCookieKey:  "id_token",
		RefreshCookieKey:  "refresh_token",
		MaxBatchInputs:    getEnvOrDefaultInt("MAX_BATCH_INPUTS", 100),
		SubmitTimeout:     5 * time.Second,
		ExternalHTTPTimeo: 5 * time.Second,

		Auth0Domain:       getEnvOrDefault("AUTH0_DOMAIN", ""),
		Auth0ClientID:     getEnvOrDefault("AUTH0_CLIENT_ID", ""),
		Auth0ClientSecret: getEnvOrDefault("AUTH0_CLIENT_SECRET", ""),
		Auth0APIAudience:  getEnvOrDefault("AUTH0_API_AUDIENCE", ""),
		Auth0Algorithms:   []string{"RS256"},

		BrokerRedisURL:        getEnvOrDefault("BROKER_REDIS_URL", "redis://localhost:6379/0"),
		ResultBackendMongoURI: getEnvOrDefault("RESULT_BACKEND_MONGO_URI", "mongodb://localhost:27017"),
		ResultBackendMongoDB:  getEnvOrDefault("RESULT_BACKEND_MONGO_DB", "qcgateway"),

		Mode: getEnvOrDefault("MODE", "dev"),
	}

	if algos := getEnvOrDefault("AUTH0_ALGORITHMS", ""); algos != "" {
		s.Auth0Algorithms = strings.Split(algos, ",")
	}

	if s.Auth0Domain != "" {
		keys, err := fetchJWKS(ctx, s.Auth0Domain, s.ExternalHTTPTimeo)
		if err != nil {
			return nil, errors.Wrap(err, "fetch jwks")
		}
		s.JWKS = keys
		s.JWTIssuer = "https://" + s.Auth0Domain + "/"
	}

	return s, nil
}

// JSONWebKey mirrors the subset of RFC 7517 fields the RS256 verifier needs.
type JSONWebKey struct {
	Kty string `json:"kty"`
	Kid string `json:"kid"`
	Use string `json:"use"`
	N   string `json:"n"`
	E   string `json:"e"`
}

type jwksResponse struct {
	Keys []JSONWebKey `json:"keys"`
}

func fetchJWKS(ctx context.Context, domain string, timeout time.Duration) ([]JSONWebKey, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	url := "https://" + domain + "/.well-known/jwks.json"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "jwks request")
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, errors.Errorf("jwks endpoint returned %d", resp.StatusCode)
	}

	var out jwksResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, errors.Wrap(err, "decode jwks")
	}
	return out.Keys, nil
}
