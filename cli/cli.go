package cli

import (
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/holos-run/token-verifier/server"
	"github.com/holos-run/token-verifier/server/rpc"
	"github.com/holos-run/token-verifier/verifier"
	"github.com/holos-run/token-verifier/version"
)

var (
	wellKnownURL string
	cluster      string
	namespace    string
	app          string
	httpTimeout  time.Duration
	caCertFile   string
	logLevel     string
)

// Environment holds the settings the deployment platform injects into the
// workload. They become the defaults of the matching flags.
type Environment struct {
	WellKnownURL string `env:"TOKEN_X_WELL_KNOWN_URL"`
	Cluster      string `env:"NAIS_CLUSTER_NAME"`
	Namespace    string `env:"NAIS_NAMESPACE"`
	App          string `env:"NAIS_APP_NAME"`
}

// LoadEnvironment reads Environment from the process environment.
func LoadEnvironment() (Environment, error) {
	var e Environment
	if err := env.Parse(&e); err != nil {
		return e, fmt.Errorf("failed to parse environment: %w", err)
	}
	return e, nil
}

// Command returns the root cobra command for the CLI.
func Command() *cobra.Command {
	environ, envErr := LoadEnvironment()

	cmd := &cobra.Command{
		Use:     "token-verifier",
		Short:   "token-verifier checks JWTs against an OpenID Connect issuer",
		Version: version.GetVersion(),
		Args:    cobra.NoArgs,
		CompletionOptions: cobra.CompletionOptions{
			HiddenDefaultCmd: true,
		},
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if envErr != nil {
				return envErr
			}
			if httpTimeout <= 0 {
				return fmt.Errorf("invalid --http-timeout %s: must be positive", httpTimeout)
			}
			level, err := parseLogLevel(logLevel)
			if err != nil {
				return err
			}
			logger := slog.New(slog.NewJSONHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{
				Level: level,
			}))
			slog.SetDefault(logger)
			return nil
		},
	}

	cmd.SetVersionTemplate("{{.Version}}\n")

	// Hide the help command
	cmd.SetHelpCommand(&cobra.Command{Hidden: true})
	cmd.PersistentFlags().BoolP("help", "h", false, "Print usage")
	cmd.PersistentFlags().Lookup("help").Hidden = true

	// Issuer flags
	cmd.PersistentFlags().StringVar(&wellKnownURL, "well-known-url", environ.WellKnownURL, "OpenID configuration URL of the token issuer (env TOKEN_X_WELL_KNOWN_URL)")
	cmd.PersistentFlags().DurationVar(&httpTimeout, "http-timeout", verifier.DefaultHTTPTimeout, "Timeout for discovery and JWKS requests")
	cmd.PersistentFlags().StringVar(&caCertFile, "ca-cert", "", "PEM-encoded CA certificate file to trust for issuer requests (e.g., mkcert CA root)")

	// Default audience flags
	cmd.PersistentFlags().StringVar(&cluster, "cluster", environ.Cluster, "Cluster part of the default audience (env NAIS_CLUSTER_NAME)")
	cmd.PersistentFlags().StringVar(&namespace, "namespace", environ.Namespace, "Namespace part of the default audience (env NAIS_NAMESPACE)")
	cmd.PersistentFlags().StringVar(&app, "app", environ.App, "Application part of the default audience (env NAIS_APP_NAME)")

	// Logging flags
	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")

	cmd.AddCommand(
		verifyCommand(),
		serveCommand(),
		idpCommand(),
		versionCommand(),
	)

	return cmd
}

func versionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := fmt.Fprintln(cmd.OutOrStdout(), version.GetVersion())
			return err
		},
	}
}

// newVerifier builds a verifier from the persistent flags. Metrics are
// registered on reg when it is not nil.
func newVerifier(reg prometheus.Registerer) (*verifier.Verifier, error) {
	pool, err := server.LoadCACertPool(caCertFile)
	if err != nil {
		return nil, err
	}

	identity := verifier.Identity{Cluster: cluster, Namespace: namespace, App: app}
	return verifier.New(verifier.Config{
		WellKnownURL:    wellKnownURL,
		DefaultAudience: identity.Audience(),
		HTTPClient:      server.HTTPClientWithCA(pool, httpTimeout),
		HTTPTimeout:     httpTimeout,
		Registerer:      reg,
		Logger:          slog.Default(),
	})
}

func versionInfo() rpc.VersionInfo {
	return rpc.VersionInfo{
		Version:      version.GetVersion(),
		GitCommit:    version.GitCommit,
		GitTreeState: version.GitTreeState,
		BuildDate:    version.BuildDate,
	}
}

// deriveIssuer returns the issuer URL based on the listen address.
// If issuer is already set, returns it unchanged.
// Otherwise, derives from listen address using the /dex path.
func deriveIssuer(listenAddr, issuer string) string {
	if issuer != "" {
		return issuer
	}

	host, port, err := net.SplitHostPort(listenAddr)
	if err != nil {
		return "http://localhost:5556/dex"
	}

	// Use localhost if host is empty or 0.0.0.0
	if host == "" || host == "0.0.0.0" {
		host = "localhost"
	}

	return fmt.Sprintf("http://%s/dex", net.JoinHostPort(host, port))
}

// parseLogLevel converts a string log level to slog.Level.
func parseLogLevel(level string) (slog.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level %q: must be debug, info, warn, or error", level)
	}
}
