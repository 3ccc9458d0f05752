package idp

import (
	"context"
	"errors"
	"log/slog"

	"github.com/dexidp/dex/connector"
	"github.com/dexidp/dex/server"
	"golang.org/x/crypto/bcrypt"
)

// ConnectorType is the Dex connector type registered for PasswordConnectorConfig.
const ConnectorType = "tokenVerifierPassword"

func init() {
	server.ConnectorsConfig[ConnectorType] = func() server.ConnectorConfig {
		return new(PasswordConnectorConfig)
	}
}

// PasswordConnectorConfig configures a single-user password connector. The
// password is stored as a bcrypt hash so the plain text never reaches Dex
// storage.
type PasswordConnectorConfig struct {
	Username     string   `json:"username"`
	PasswordHash string   `json:"passwordHash"`
	Groups       []string `json:"groups"`
}

// Open returns a password connector for the configured user.
func (c *PasswordConnectorConfig) Open(id string, logger *slog.Logger) (connector.Connector, error) {
	if c.Username == "" {
		return nil, errors.New("no username supplied")
	}
	if c.PasswordHash == "" {
		return nil, errors.New("no password hash supplied")
	}
	return &passwordConnector{
		username: c.Username,
		hash:     []byte(c.PasswordHash),
		groups:   c.Groups,
		logger:   logger,
	}, nil
}

// passwordConnector implements connector.PasswordConnector, which Dex needs
// for the resource owner password credentials grant.
type passwordConnector struct {
	username string
	hash     []byte
	groups   []string
	logger   *slog.Logger
}

var _ connector.PasswordConnector = (*passwordConnector)(nil)
var _ connector.RefreshConnector = (*passwordConnector)(nil)

func (p *passwordConnector) Close() error { return nil }

func (p *passwordConnector) Login(ctx context.Context, s connector.Scopes, username, password string) (identity connector.Identity, validPassword bool, err error) {
	if username != p.username {
		return identity, false, nil
	}
	if err := bcrypt.CompareHashAndPassword(p.hash, []byte(password)); err != nil {
		p.logger.Debug("password login rejected", "username", username)
		return identity, false, nil
	}
	return connector.Identity{
		UserID:        "dev-user-001",
		Username:      p.username,
		Email:         p.username,
		EmailVerified: true,
		Groups:        p.groups,
	}, true, nil
}

func (p *passwordConnector) Prompt() string { return "Email" }

func (p *passwordConnector) Refresh(_ context.Context, _ connector.Scopes, identity connector.Identity) (connector.Identity, error) {
	return identity, nil
}
