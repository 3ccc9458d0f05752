package cli

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/holos-run/token-verifier/server"
)

var (
	listenAddr      string
	certFile        string
	keyFile         string
	plainHTTP       bool
	logHealthChecks bool
)

func serveCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the token verification API",
		Args:  cobra.NoArgs,
		RunE:  runServe,
	}

	// Server flags
	cmd.Flags().StringVar(&listenAddr, "listen", ":8443", "Address to listen on")
	cmd.Flags().StringVar(&certFile, "cert", "", "TLS certificate file (auto-generated if empty)")
	cmd.Flags().StringVar(&keyFile, "key", "", "TLS key file (auto-generated if empty)")
	cmd.Flags().BoolVar(&plainHTTP, "plain-http", false, "Listen on plain HTTP instead of HTTPS")

	// Logging flags
	cmd.Flags().BoolVar(&logHealthChecks, "log-health-checks", false, "Log /healthz and /readyz requests (suppressed by default)")

	return cmd
}

func runServe(cmd *cobra.Command, args []string) error {
	v, err := newVerifier(prometheus.DefaultRegisterer)
	if err != nil {
		return err
	}

	srv := server.New(server.Config{
		ListenAddr:      listenAddr,
		CertFile:        certFile,
		KeyFile:         keyFile,
		PlainHTTP:       plainHTTP,
		LogHealthChecks: logHealthChecks,
		Verifier:        v,
		Version:         versionInfo(),
	})
	return srv.Serve(cmd.Context())
}
