// Package idp provides an embedded OIDC identity provider using Dex. It issues
// real signed ID tokens for local development and integration tests.
package idp

import "os"

const (
	// DefaultPassword is the password for the embedded identity provider.
	// Override via TOKEN_VERIFIER_IDP_PASSWORD environment variable.
	DefaultPassword = "verysecret"

	// DefaultUsername is the username for the embedded identity provider.
	// Override via TOKEN_VERIFIER_IDP_USERNAME environment variable.
	DefaultUsername = "admin@example.com"

	// DefaultClientID is the static client registered with the provider. It is
	// the aud claim of every issued ID token.
	DefaultClientID = "token-verifier"

	// DefaultClientSecret authenticates DefaultClientID at the token endpoint.
	DefaultClientSecret = "token-verifier-secret"
)

// GetPassword returns TOKEN_VERIFIER_IDP_PASSWORD, falling back to
// DefaultPassword if not set.
func GetPassword() string {
	if p := os.Getenv("TOKEN_VERIFIER_IDP_PASSWORD"); p != "" {
		return p
	}
	return DefaultPassword
}

// GetUsername returns TOKEN_VERIFIER_IDP_USERNAME, falling back to
// DefaultUsername if not set.
func GetUsername() string {
	if u := os.Getenv("TOKEN_VERIFIER_IDP_USERNAME"); u != "" {
		return u
	}
	return DefaultUsername
}
