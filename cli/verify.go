package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/holos-run/token-verifier/server"
	"github.com/holos-run/token-verifier/server/rpc"
	"github.com/holos-run/token-verifier/verifier"
)

// ErrInvalidToken is returned by the verify command after it has printed an
// invalid result.
var ErrInvalidToken = errors.New("token is not valid")

var (
	audience       string
	expectedIssuer string
	serverURL      string
)

func verifyCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "verify [flags] TOKEN",
		Short: "Verify a token and print the result as JSON",
		Long: `Verify a token and print the result as JSON.

Use - as TOKEN to read the token from stdin. The exit status is 0 when the
token is valid and 1 otherwise.`,
		Args: cobra.ExactArgs(1),
		RunE: runVerify,
	}

	cmd.Flags().StringVar(&audience, "audience", "", "Expected aud claim (defaults to <cluster>:<namespace>:<app>)")
	cmd.Flags().StringVar(&expectedIssuer, "issuer", "", "Expected iss claim (defaults to the issuer in the discovery document)")
	cmd.Flags().StringVar(&serverURL, "server", "", "Base URL of a running verification service to call instead of verifying locally")

	return cmd
}

func runVerify(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	token, err := readToken(cmd.InOrStdin(), args[0])
	if err != nil {
		return err
	}

	var result verifier.Result
	if serverURL != "" {
		result, err = verifyRemote(cmd, token)
		if err != nil {
			return err
		}
	} else {
		v, err := newVerifier(nil)
		if err != nil {
			return err
		}
		result = v.Verify(ctx, token, verifier.Options{
			ExpectedAudience: audience,
			ExpectedIssuer:   expectedIssuer,
		})
	}

	if err := json.NewEncoder(cmd.OutOrStdout()).Encode(result); err != nil {
		return fmt.Errorf("failed to write result: %w", err)
	}
	if !result.Valid {
		return ErrInvalidToken
	}
	return nil
}

func verifyRemote(cmd *cobra.Command, token string) (verifier.Result, error) {
	pool, err := server.LoadCACertPool(caCertFile)
	if err != nil {
		return verifier.Result{}, err
	}
	client := rpc.NewClient(server.HTTPClientWithCA(pool, httpTimeout), serverURL)
	result, err := client.Verify(cmd.Context(), rpc.VerifyRequest{
		Token:            token,
		ExpectedAudience: audience,
		ExpectedIssuer:   expectedIssuer,
	})
	if err != nil {
		return verifier.Result{}, fmt.Errorf("verification service: %w", err)
	}
	return result, nil
}

// readToken returns arg, or the first line of r when arg is "-".
func readToken(r io.Reader, arg string) (string, error) {
	if arg != "-" {
		return arg, nil
	}
	data, err := io.ReadAll(io.LimitReader(r, 64<<10))
	if err != nil {
		return "", fmt.Errorf("failed to read token from stdin: %w", err)
	}
	token, _, _ := strings.Cut(string(data), "\n")
	return strings.TrimSpace(token), nil
}
