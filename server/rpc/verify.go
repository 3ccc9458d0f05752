package rpc

import (
	"context"
	"net/http"
	"strings"

	"connectrpc.com/connect"

	"github.com/holos-run/token-verifier/verifier"
)

// TokenVerifier verifies a single token. *verifier.Verifier satisfies it.
type TokenVerifier interface {
	Verify(ctx context.Context, token string, opts verifier.Options) verifier.Result
}

// VerifyRequest is the body of a Verify call. When Token is empty the bearer
// token from the Authorization header is verified instead.
type VerifyRequest struct {
	Token            string `json:"token,omitempty"`
	ExpectedAudience string `json:"expected_audience,omitempty"`
	ExpectedIssuer   string `json:"expected_issuer,omitempty"`
}

// VerifyHandler implements the Verify procedure.
type VerifyHandler struct {
	verifier TokenVerifier
}

// NewVerifyHandler creates a new VerifyHandler backed by v.
func NewVerifyHandler(v TokenVerifier) *VerifyHandler {
	return &VerifyHandler{verifier: v}
}

// Verify checks the token and returns the verification result. An invalid
// token is a successful call with Valid set to false, never an RPC error.
func (h *VerifyHandler) Verify(
	ctx context.Context,
	req *connect.Request[VerifyRequest],
) (*connect.Response[verifier.Result], error) {
	token := req.Msg.Token
	if token == "" {
		token = bearerToken(req.Header())
	}

	result := h.verifier.Verify(ctx, token, verifier.Options{
		ExpectedAudience: req.Msg.ExpectedAudience,
		ExpectedIssuer:   req.Msg.ExpectedIssuer,
	})
	return connect.NewResponse(&result), nil
}

// bearerToken extracts the token from an Authorization header, or returns the
// empty string when the header is absent or not a bearer credential.
func bearerToken(h http.Header) string {
	auth := h.Get("Authorization")
	if auth == "" {
		return ""
	}

	const bearerPrefix = "Bearer "
	if len(auth) < len(bearerPrefix) || !strings.EqualFold(auth[:len(bearerPrefix)], bearerPrefix) {
		return ""
	}
	return strings.TrimSpace(auth[len(bearerPrefix):])
}
