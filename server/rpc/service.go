// Package rpc exposes token verification as a ConnectRPC service.
//
// Messages are plain JSON so the service can be called with curl:
//
//	curl -H 'Content-Type: application/json' \
//	  -d '{"token":"eyJ...","expected_audience":"cluster:ns:app"}' \
//	  http://localhost:8080/tokenverifier.v1.VerifierService/Verify
package rpc

import (
	"context"
	"net/http"
	"strings"

	"connectrpc.com/connect"

	"github.com/holos-run/token-verifier/verifier"
)

const (
	// ServiceName is the fully-qualified name of the verification service.
	ServiceName = "tokenverifier.v1.VerifierService"

	// VerifyProcedure is the path of the Verify procedure.
	VerifyProcedure = "/" + ServiceName + "/Verify"
	// GetVersionProcedure is the path of the GetVersion procedure.
	GetVersionProcedure = "/" + ServiceName + "/GetVersion"
)

// NewHandler builds an HTTP handler serving the verification service and
// returns the path to mount it on.
func NewHandler(v TokenVerifier, info VersionInfo, opts ...connect.HandlerOption) (string, http.Handler) {
	opts = append([]connect.HandlerOption{connect.WithCodec(jsonCodec{})}, opts...)

	verifyHandler := NewVerifyHandler(v)
	versionHandler := NewVersionHandler(info)

	mux := http.NewServeMux()
	mux.Handle(VerifyProcedure, connect.NewUnaryHandler(
		VerifyProcedure,
		verifyHandler.Verify,
		opts...,
	))
	mux.Handle(GetVersionProcedure, connect.NewUnaryHandler(
		GetVersionProcedure,
		versionHandler.GetVersion,
		opts...,
	))
	return "/" + ServiceName + "/", mux
}

// Client calls a remote verification service.
type Client struct {
	verify  *connect.Client[VerifyRequest, verifier.Result]
	version *connect.Client[GetVersionRequest, VersionInfo]
}

// NewClient returns a client for the service at baseURL, e.g.
// "http://localhost:8080".
func NewClient(httpClient connect.HTTPClient, baseURL string, opts ...connect.ClientOption) *Client {
	baseURL = strings.TrimRight(baseURL, "/")
	opts = append([]connect.ClientOption{connect.WithCodec(jsonCodec{})}, opts...)
	return &Client{
		verify: connect.NewClient[VerifyRequest, verifier.Result](
			httpClient, baseURL+VerifyProcedure, opts...,
		),
		version: connect.NewClient[GetVersionRequest, VersionInfo](
			httpClient, baseURL+GetVersionProcedure, opts...,
		),
	}
}

// Verify asks the service to verify req.Token.
func (c *Client) Verify(ctx context.Context, req VerifyRequest) (verifier.Result, error) {
	resp, err := c.verify.CallUnary(ctx, connect.NewRequest(&req))
	if err != nil {
		return verifier.Result{}, err
	}
	return *resp.Msg, nil
}

// VerifyBearer sends token in the Authorization header instead of the body.
func (c *Client) VerifyBearer(ctx context.Context, token string, opts verifier.Options) (verifier.Result, error) {
	req := connect.NewRequest(&VerifyRequest{
		ExpectedAudience: opts.ExpectedAudience,
		ExpectedIssuer:   opts.ExpectedIssuer,
	})
	req.Header().Set("Authorization", "Bearer "+token)
	resp, err := c.verify.CallUnary(ctx, req)
	if err != nil {
		return verifier.Result{}, err
	}
	return *resp.Msg, nil
}

// GetVersion returns the version reported by the service.
func (c *Client) GetVersion(ctx context.Context) (VersionInfo, error) {
	resp, err := c.version.CallUnary(ctx, connect.NewRequest(&GetVersionRequest{}))
	if err != nil {
		return VersionInfo{}, err
	}
	return *resp.Msg, nil
}
