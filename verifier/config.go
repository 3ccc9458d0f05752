package verifier

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// DefaultHTTPTimeout bounds discovery and JWKS requests when no HTTP client is supplied.
const DefaultHTTPTimeout = 10 * time.Second

// Config holds the verifier configuration.
type Config struct {
	// WellKnownURL is the issuer's OpenID configuration document.
	// Example: "https://tokenx.example.com/.well-known/openid-configuration"
	WellKnownURL string

	// DefaultAudience is the expected aud claim when a caller does not supply
	// one. Leave empty to require callers to always pass an audience.
	DefaultAudience string

	// SupportedSigningAlgs restricts the accepted JWS algorithms.
	// Default: RS256, RS384, RS512, PS256, ES256, ES384.
	SupportedSigningAlgs []string

	// HTTPClient is used for discovery and JWKS requests. The caller's
	// context is attached to every request.
	HTTPClient *http.Client

	// HTTPTimeout applies to the default HTTP client.
	// Default: 10 seconds
	HTTPTimeout time.Duration

	// KeyResolverFunc builds the key resolver for a discovered jwks_uri.
	// Default: NewRemoteKeys.
	KeyResolverFunc func(jwksURI string, client *http.Client) KeyResolver

	// Registerer receives the verification metrics. Metrics are recorded but
	// not exported when nil.
	Registerer prometheus.Registerer

	// Logger for verification diagnostics. Default: slog.Default().
	Logger *slog.Logger

	// Now overrides the clock used for exp and nbf checks.
	Now func() time.Time
}

var defaultSigningAlgs = []string{
	"RS256", "RS384", "RS512",
	"PS256", "PS384", "PS512",
	"ES256", "ES384", "ES512",
	"EdDSA",
}

func (c *Config) applyDefaults() {
	if len(c.SupportedSigningAlgs) == 0 {
		c.SupportedSigningAlgs = defaultSigningAlgs
	}
	if c.HTTPTimeout <= 0 {
		c.HTTPTimeout = DefaultHTTPTimeout
	}
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.HTTPTimeout}
	}
	if c.KeyResolverFunc == nil {
		c.KeyResolverFunc = func(jwksURI string, client *http.Client) KeyResolver {
			return NewRemoteKeys(jwksURI, client)
		}
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

func (c *Config) validate() error {
	if c.WellKnownURL == "" {
		return errors.New("well-known URL is required")
	}
	return nil
}

// Identity names the workload a token is issued for on the deployment
// platform. Its Audience is the conventional default aud claim.
type Identity struct {
	Cluster   string
	Namespace string
	App       string
}

// Audience returns "<cluster>:<namespace>:<app>", or an empty string unless
// all three parts are set.
func (i Identity) Audience() string {
	if i.Cluster == "" || i.Namespace == "" || i.App == "" {
		return ""
	}
	return strings.Join([]string{i.Cluster, i.Namespace, i.App}, ":")
}
