package idp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/dexidp/dex/server"
	"github.com/dexidp/dex/storage"
	"github.com/dexidp/dex/storage/memory"
	"golang.org/x/crypto/bcrypt"
)

// Config holds configuration for the embedded identity provider.
type Config struct {
	// Issuer is the full OIDC issuer URL including mount path.
	// Example: "http://localhost:5556/dex"
	Issuer string

	// ClientID is the static client ID, the aud claim of issued ID tokens.
	// Default: DefaultClientID
	ClientID string

	// ClientSecret authenticates the client at the token endpoint.
	// Default: DefaultClientSecret
	ClientSecret string

	// RedirectURIs are the allowed OAuth2 redirect URIs for browser flows.
	RedirectURIs []string

	// Username and Password are the single login accepted by the provider.
	// Default: GetUsername() and GetPassword()
	Username string
	Password string

	// Groups are included in the user's identity.
	Groups []string

	// IDTokenTTL is the lifetime of issued ID tokens.
	// Default: 15 minutes
	IDTokenTTL time.Duration

	// Logger for operations.
	Logger *slog.Logger
}

func (c *Config) applyDefaults() {
	if c.ClientID == "" {
		c.ClientID = DefaultClientID
	}
	if c.ClientSecret == "" {
		c.ClientSecret = DefaultClientSecret
	}
	if c.Username == "" {
		c.Username = GetUsername()
	}
	if c.Password == "" {
		c.Password = GetPassword()
	}
	if c.IDTokenTTL == 0 {
		c.IDTokenTTL = 15 * time.Minute
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// NewHandler creates an http.Handler for the embedded identity provider.
// The handler must be mounted at the path of the issuer URL (see MountPath).
// Background goroutines stop when ctx is cancelled.
func NewHandler(ctx context.Context, cfg Config) (http.Handler, error) {
	if cfg.Issuer == "" {
		return nil, fmt.Errorf("issuer is required")
	}
	if _, err := MountPath(cfg.Issuer); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	logger := cfg.Logger

	hash, err := bcrypt.GenerateFromPassword([]byte(cfg.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	store := memory.New(logger)

	store = storage.WithStaticClients(store, []storage.Client{
		{
			ID:           cfg.ClientID,
			Secret:       cfg.ClientSecret,
			RedirectURIs: cfg.RedirectURIs,
			Name:         "Token Verifier",
		},
	})

	connectorConfig, err := json.Marshal(PasswordConnectorConfig{
		Username:     cfg.Username,
		PasswordHash: string(hash),
		Groups:       cfg.Groups,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal connector config: %w", err)
	}

	const connectorID = "password"
	store = storage.WithStaticConnectors(store, []storage.Connector{
		{
			ID:     connectorID,
			Type:   ConnectorType,
			Name:   "Development Login",
			Config: connectorConfig,
		},
	})

	dexServer, err := server.NewServer(ctx, server.Config{
		Issuer:                 cfg.Issuer,
		Storage:                store,
		SkipApprovalScreen:     true,
		Logger:                 logger,
		SupportedResponseTypes: []string{"code"},
		PasswordConnector:      connectorID,
		IDTokensValidFor:       cfg.IDTokenTTL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create dex server: %w", err)
	}

	logger.Info("embedded identity provider initialized",
		"issuer", cfg.Issuer,
		"clientID", cfg.ClientID,
		"username", cfg.Username,
	)

	return dexServer, nil
}

// MountPath returns the mux pattern the handler for issuer is served under,
// e.g. "/dex/" for "http://localhost:5556/dex".
func MountPath(issuer string) (string, error) {
	u, err := url.Parse(issuer)
	if err != nil {
		return "", fmt.Errorf("invalid issuer: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("invalid issuer %q: scheme must be http or https", issuer)
	}
	return strings.TrimSuffix(u.Path, "/") + "/", nil
}

// WellKnownURL returns the discovery document URL for issuer.
func WellKnownURL(issuer string) string {
	return strings.TrimSuffix(issuer, "/") + "/.well-known/openid-configuration"
}

// Serve runs the identity provider on listenAddr over plain HTTP and blocks
// until ctx is cancelled.
func Serve(ctx context.Context, listenAddr string, cfg Config) error {
	handler, err := NewHandler(ctx, cfg)
	if err != nil {
		return err
	}
	mountPath, err := MountPath(cfg.Issuer)
	if err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.Handle(mountPath, handler)

	srv := &http.Server{
		Addr:              listenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext: func(l net.Listener) context.Context {
			return ctx
		},
	}

	slog.Info("starting identity provider",
		"addr", listenAddr,
		"issuer", cfg.Issuer,
		"wellKnownURL", WellKnownURL(cfg.Issuer),
	)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		slog.Info("shutting down identity provider")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
