package verifier

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
)

// Metadata is the subset of an OpenID Provider configuration document the
// verifier reads. Only Issuer and JWKSURI take part in verification.
type Metadata struct {
	Issuer                string   `json:"issuer"`
	JWKSURI               string   `json:"jwks_uri"`
	AuthorizationEndpoint string   `json:"authorization_endpoint"`
	TokenEndpoint         string   `json:"token_endpoint"`
	UserInfoEndpoint      string   `json:"userinfo_endpoint"`
	SigningAlgs           []string `json:"id_token_signing_alg_values_supported"`
}

// Discover fetches and decodes the configuration document at wellKnownURL.
func Discover(ctx context.Context, client *http.Client, wellKnownURL string) (*Metadata, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, wellKnownURL, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("create discovery request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch discovery document: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck // read-only response

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("discovery returned %d: %s", resp.StatusCode, string(body))
	}

	var md Metadata
	if err := json.NewDecoder(resp.Body).Decode(&md); err != nil {
		return nil, fmt.Errorf("decode discovery document: %w", err)
	}
	if md.Issuer == "" {
		return nil, errors.New("discovery document missing issuer")
	}
	if md.JWKSURI == "" {
		return nil, errors.New("discovery document missing jwks_uri")
	}
	return &md, nil
}
