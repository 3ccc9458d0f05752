// Package verifier validates JSON Web Tokens against the signing keys an
// OpenID Connect issuer publishes through discovery.
package verifier

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
	"github.com/segmentio/ksuid"
)

// FailureMessage is the only error reported to callers.
const FailureMessage = "token verification failed"

// Options carries the per-call expectations.
type Options struct {
	// ExpectedAudience must appear in the aud claim.
	// Default: Config.DefaultAudience
	ExpectedAudience string

	// ExpectedIssuer must equal the iss claim.
	// Default: the issuer declared by the discovery document.
	ExpectedIssuer string
}

// Result is the outcome of a verification.
type Result struct {
	Valid bool   `json:"valid"`
	Error string `json:"error,omitempty"`
}

// Valid returns the successful Result.
func Valid() Result { return Result{Valid: true} }

// Invalid returns the failed Result.
func Invalid() Result { return Result{Valid: false, Error: FailureMessage} }

// Verifier validates tokens issued by the issuer behind Config.WellKnownURL.
// A Verifier is safe for concurrent use. Discovery and key resolution run
// fresh on every call.
type Verifier struct {
	cfg     Config
	algs    []jose.SignatureAlgorithm
	metrics *metrics
}

// New returns a Verifier for cfg.
func New(cfg Config) (*Verifier, error) {
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("verifier: %w", err)
	}
	cfg.applyDefaults()

	m, err := newMetrics(cfg.Registerer)
	if err != nil {
		return nil, fmt.Errorf("verifier: %w", err)
	}

	return &Verifier{
		cfg:     cfg,
		algs:    signatureAlgorithms(cfg.SupportedSigningAlgs),
		metrics: m,
	}, nil
}

// Verify checks the token's signature against the issuer's published keys and
// its iss, aud, exp and nbf claims. Every failure yields Invalid(); the cause
// is logged at debug level.
func (v *Verifier) Verify(ctx context.Context, token string, opts Options) (result Result) {
	start := time.Now()
	logger := v.cfg.Logger.With(slog.String("verification_id", ksuid.New().String()))

	defer func() {
		if r := recover(); r != nil {
			logger.ErrorContext(ctx, "token verification panicked", slog.Any("panic", r))
			v.metrics.observe("panic", time.Since(start))
			result = Invalid()
		}
	}()

	err := v.verify(ctx, token, opts)
	if err != nil {
		kind := KindOf(err)
		v.metrics.observe(kind.String(), time.Since(start))
		logger.DebugContext(ctx, "token verification failed",
			slog.String("kind", kind.String()),
			slog.Any("err", err),
		)
		return Invalid()
	}

	v.metrics.observe("", time.Since(start))
	logger.DebugContext(ctx, "token verified")
	return Valid()
}

func (v *Verifier) verify(ctx context.Context, token string, opts Options) error {
	if _, err := jose.ParseSignedCompact(token, v.algs); err != nil {
		return &Error{Kind: KindMalformed, Err: err}
	}

	md, err := Discover(ctx, v.cfg.HTTPClient, v.cfg.WellKnownURL)
	if err != nil {
		return &Error{Kind: KindDiscovery, Err: err}
	}

	audience := opts.ExpectedAudience
	if audience == "" {
		audience = v.cfg.DefaultAudience
	}
	if audience == "" {
		return &Error{Kind: KindClaims, Err: errors.New("no expected audience")}
	}

	issuer := opts.ExpectedIssuer
	if issuer == "" {
		issuer = md.Issuer
	}

	keySet := &resolverKeySet{
		resolver: v.cfg.KeyResolverFunc(md.JWKSURI, v.cfg.HTTPClient),
		algs:     v.algs,
	}
	// exp and nbf are optional and checked by checkTimes without clock skew.
	idTokenVerifier := oidc.NewVerifier(issuer, keySet, &oidc.Config{
		ClientID:             audience,
		SupportedSigningAlgs: v.cfg.SupportedSigningAlgs,
		SkipExpiryCheck:      true,
	})

	idToken, err := idTokenVerifier.Verify(ctx, token)
	if err != nil {
		if keySet.err != nil {
			return keySet.err
		}
		return &Error{Kind: KindClaims, Err: err}
	}
	return v.checkTimes(idToken)
}

// checkTimes rejects a token whose exp has passed or whose nbf is still in
// the future. Either claim may be absent.
func (v *Verifier) checkTimes(idToken *oidc.IDToken) error {
	var claims struct {
		Expiry    *jwt.NumericDate `json:"exp,omitempty"`
		NotBefore *jwt.NumericDate `json:"nbf,omitempty"`
	}
	if err := idToken.Claims(&claims); err != nil {
		return &Error{Kind: KindClaims, Err: fmt.Errorf("decode time claims: %w", err)}
	}

	now := v.now()
	if claims.Expiry != nil {
		if exp := claims.Expiry.Time(); !now.Before(exp) {
			return &Error{Kind: KindClaims, Err: fmt.Errorf("token expired at %s", exp.UTC().Format(time.RFC3339))}
		}
	}
	if claims.NotBefore != nil {
		if nbf := claims.NotBefore.Time(); nbf.After(now) {
			return &Error{Kind: KindClaims, Err: fmt.Errorf("token not valid before %s", nbf.UTC().Format(time.RFC3339))}
		}
	}
	return nil
}

func (v *Verifier) now() time.Time {
	if v.cfg.Now != nil {
		return v.cfg.Now()
	}
	return time.Now()
}
