package verifier

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/go-jose/go-jose/v4"
	"golang.org/x/sync/singleflight"
)

// KeyResolver returns the public signing key for a key ID.
type KeyResolver interface {
	ResolveKey(ctx context.Context, keyID string) (*jose.JSONWebKey, error)
}

// ErrKeyNotFound is returned when no signing key matches the requested key ID.
var ErrKeyNotFound = errors.New("signing key not found")

// StaticKeys resolves keys from a fixed, in-memory key set.
type StaticKeys struct {
	Keys []jose.JSONWebKey
}

// NewStaticKeys returns a StaticKeys holding the signing keys of set.
func NewStaticKeys(set jose.JSONWebKeySet) *StaticKeys {
	return &StaticKeys{Keys: signingKeys(set.Keys)}
}

// ResolveKey implements KeyResolver.
func (s *StaticKeys) ResolveKey(_ context.Context, keyID string) (*jose.JSONWebKey, error) {
	return selectKey(s.Keys, keyID)
}

// RemoteKeys resolves keys from a JWKS endpoint. Keys are fetched on first use
// and cached for the lifetime of the RemoteKeys. A key ID missing from the
// cache triggers one refetch.
type RemoteKeys struct {
	jwksURI string
	client  *http.Client
	group   singleflight.Group

	mu      sync.RWMutex
	keys    []jose.JSONWebKey
	fetched bool
}

// NewRemoteKeys returns a RemoteKeys for jwksURI using client for requests.
func NewRemoteKeys(jwksURI string, client *http.Client) *RemoteKeys {
	if client == nil {
		client = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &RemoteKeys{jwksURI: jwksURI, client: client}
}

// ResolveKey implements KeyResolver.
func (r *RemoteKeys) ResolveKey(ctx context.Context, keyID string) (*jose.JSONWebKey, error) {
	r.mu.RLock()
	keys, fetched := r.keys, r.fetched
	r.mu.RUnlock()

	if fetched {
		if k, err := selectKey(keys, keyID); err == nil {
			return k, nil
		}
	}

	keys, err := r.refresh(ctx)
	if err != nil {
		return nil, err
	}
	return selectKey(keys, keyID)
}

// refresh fetches the key set once for all concurrent callers. The shared
// fetch outlives any single caller's cancellation and is bounded by the
// client timeout instead; each caller still stops waiting when its own ctx
// is done.
func (r *RemoteKeys) refresh(ctx context.Context) ([]jose.JSONWebKey, error) {
	ch := r.group.DoChan(r.jwksURI, func() (any, error) {
		timeout := r.client.Timeout
		if timeout <= 0 {
			timeout = DefaultHTTPTimeout
		}
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
		defer cancel()

		keys, err := r.fetch(fetchCtx)
		if err != nil {
			return nil, err
		}
		r.mu.Lock()
		r.keys = keys
		r.fetched = true
		r.mu.Unlock()
		return keys, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.([]jose.JSONWebKey), nil
	}
}

func (r *RemoteKeys) fetch(ctx context.Context) ([]jose.JSONWebKey, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.jwksURI, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("create JWKS request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch JWKS: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck // read-only response

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("JWKS returned %d: %s", resp.StatusCode, string(body))
	}

	var set jose.JSONWebKeySet
	if err := json.NewDecoder(resp.Body).Decode(&set); err != nil {
		return nil, fmt.Errorf("decode JWKS: %w", err)
	}
	return signingKeys(set.Keys), nil
}

func signingKeys(keys []jose.JSONWebKey) []jose.JSONWebKey {
	out := make([]jose.JSONWebKey, 0, len(keys))
	for _, k := range keys {
		if k.Use == "sig" || k.Use == "" {
			out = append(out, k)
		}
	}
	return out
}

// selectKey picks the key matching keyID. A token without a key ID only
// resolves against a set holding exactly one key.
func selectKey(keys []jose.JSONWebKey, keyID string) (*jose.JSONWebKey, error) {
	if keyID == "" {
		if len(keys) == 1 {
			return &keys[0], nil
		}
		return nil, fmt.Errorf("%w: token has no key ID and the set holds %d keys", ErrKeyNotFound, len(keys))
	}
	for i := range keys {
		if keys[i].KeyID == keyID {
			return &keys[i], nil
		}
	}
	return nil, fmt.Errorf("%w: %q", ErrKeyNotFound, keyID)
}

// resolverKeySet adapts a KeyResolver to oidc.KeySet. It is built per
// verification and records the tagged cause of a signature failure, which
// go-oidc flattens into a plain error string.
type resolverKeySet struct {
	resolver KeyResolver
	algs     []jose.SignatureAlgorithm
	err      *Error
}

func (s *resolverKeySet) VerifySignature(ctx context.Context, raw string) ([]byte, error) {
	jws, err := jose.ParseSignedCompact(raw, s.algs)
	if err != nil {
		return nil, s.fail(KindMalformed, fmt.Errorf("parse jws: %w", err))
	}
	if len(jws.Signatures) != 1 {
		return nil, s.fail(KindMalformed, fmt.Errorf("expected one signature, got %d", len(jws.Signatures)))
	}

	key, err := s.resolver.ResolveKey(ctx, jws.Signatures[0].Header.KeyID)
	if err != nil {
		return nil, s.fail(KindKey, err)
	}

	payload, err := jws.Verify(key.Key)
	if err != nil {
		return nil, s.fail(KindSignature, err)
	}
	return payload, nil
}

func (s *resolverKeySet) fail(kind Kind, err error) error {
	s.err = &Error{Kind: kind, Err: err}
	return s.err
}

func signatureAlgorithms(names []string) []jose.SignatureAlgorithm {
	algs := make([]jose.SignatureAlgorithm, 0, len(names))
	for _, name := range names {
		algs = append(algs, jose.SignatureAlgorithm(name))
	}
	return algs
}
