package cli

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/holos-run/token-verifier/idp"
	"github.com/holos-run/token-verifier/server"
)

var (
	idpListen       string
	idpIssuer       string
	idpClientID     string
	idpClientSecret string
	idpTokenTTL     time.Duration
	idpUsername     string
	idpPassword     string
)

func idpCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "idp",
		Short: "Run an embedded OpenID Connect provider for local development",
		Long: `Run an embedded OpenID Connect provider for local development.

The provider accepts a single user (env TOKEN_VERIFIER_IDP_USERNAME and
TOKEN_VERIFIER_IDP_PASSWORD) through the password grant. Point verify or
serve at <issuer>/.well-known/openid-configuration and use the client ID as
the audience.`,
		Args: cobra.NoArgs,
		RunE: runIDP,
	}

	cmd.PersistentFlags().StringVar(&idpIssuer, "issuer", "", "Issuer URL (defaults to http://localhost:<port>/dex based on --listen)")
	cmd.PersistentFlags().StringVar(&idpClientID, "client-id", idp.DefaultClientID, "Client ID, the aud claim of issued tokens")
	cmd.PersistentFlags().StringVar(&idpClientSecret, "client-secret", idp.DefaultClientSecret, "Client secret")

	cmd.Flags().StringVar(&idpListen, "listen", ":5556", "Address to listen on")
	cmd.Flags().DurationVar(&idpTokenTTL, "id-token-ttl", 15*time.Minute, "ID token lifetime (e.g., 15m, 1h, 30s for testing)")

	cmd.AddCommand(idpTokenCommand())

	return cmd
}

func runIDP(cmd *cobra.Command, args []string) error {
	issuer := deriveIssuer(idpListen, idpIssuer)
	return idp.Serve(cmd.Context(), idpListen, idp.Config{
		Issuer:       issuer,
		ClientID:     idpClientID,
		ClientSecret: idpClientSecret,
		IDTokenTTL:   idpTokenTTL,
		Logger:       slog.Default(),
	})
}

func idpTokenCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Print an ID token from a running provider",
		Args:  cobra.NoArgs,
		RunE:  runIDPToken,
	}

	cmd.Flags().StringVar(&idpUsername, "username", idp.GetUsername(), "Username (env TOKEN_VERIFIER_IDP_USERNAME)")
	cmd.Flags().StringVar(&idpPassword, "password", "", "Password (defaults to env TOKEN_VERIFIER_IDP_PASSWORD)")

	return cmd
}

func runIDPToken(cmd *cobra.Command, args []string) error {
	pool, err := server.LoadCACertPool(caCertFile)
	if err != nil {
		return err
	}

	password := idpPassword
	if password == "" {
		password = idp.GetPassword()
	}

	token, err := idp.PasswordToken(cmd.Context(), idp.PasswordGrant{
		Issuer:       deriveIssuer(":5556", idpIssuer),
		ClientID:     idpClientID,
		ClientSecret: idpClientSecret,
		Username:     idpUsername,
		Password:     password,
		HTTPClient:   server.HTTPClientWithCA(pool, httpTimeout),
	})
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(cmd.OutOrStdout(), token)
	return err
}
