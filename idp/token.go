package idp

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"golang.org/x/oauth2"
)

// PasswordGrant describes a resource owner password credentials request.
type PasswordGrant struct {
	Issuer       string
	ClientID     string
	ClientSecret string
	Username     string
	Password     string

	// HTTPClient is used for the token request when set.
	HTTPClient *http.Client
}

// PasswordToken exchanges username and password for an ID token at the
// issuer's token endpoint.
func PasswordToken(ctx context.Context, g PasswordGrant) (string, error) {
	if g.HTTPClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, g.HTTPClient)
	}

	cfg := oauth2.Config{
		ClientID:     g.ClientID,
		ClientSecret: g.ClientSecret,
		Endpoint: oauth2.Endpoint{
			TokenURL:  strings.TrimSuffix(g.Issuer, "/") + "/token",
			AuthStyle: oauth2.AuthStyleInHeader,
		},
		Scopes: []string{"openid", "email", "profile"},
	}

	tok, err := cfg.PasswordCredentialsToken(ctx, g.Username, g.Password)
	if err != nil {
		return "", fmt.Errorf("password grant: %w", err)
	}
	idToken, ok := tok.Extra("id_token").(string)
	if !ok || idToken == "" {
		return "", errors.New("password grant: response has no id_token")
	}
	return idToken, nil
}
