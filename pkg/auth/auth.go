// Package auth exchanges client credentials for access tokens, keyed by
// the auth handler a turn runs under.
package auth

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/turnpikelabs/turnpike/pkg/config"
	"github.com/turnpikelabs/turnpike/pkg/logger"
)

// TokenExchanger resolves a bearer token for a named auth handler.
// Implementations return an empty token without error when the handler
// has no credentials configured.
type TokenExchanger interface {
	Token(ctx context.Context, handler string) (string, error)
}

// Exchanger implements TokenExchanger over OAuth2 client credentials.
// Token sources are cached per handler so refreshes reuse the underlying
// oauth2 cache instead of hitting the token endpoint every turn.
type Exchanger struct {
	cfg config.AuthConfig

	mu      sync.Mutex
	sources map[string]oauth2.TokenSource
}

func NewExchanger(cfg config.AuthConfig) *Exchanger {
	return &Exchanger{
		cfg:     cfg,
		sources: make(map[string]oauth2.TokenSource),
	}
}

func (e *Exchanger) handlerConfig(handler string) (config.AuthHandlerConfig, bool) {
	switch handler {
	case "agentic":
		return e.cfg.Agentic, e.cfg.Agentic.TokenURL != ""
	case "me":
		return e.cfg.Delegated, e.cfg.Delegated.TokenURL != ""
	default:
		return config.AuthHandlerConfig{}, false
	}
}

// Token returns an access token for the handler, or "" when the handler
// is unknown or unconfigured. Credentialless deployments run every turn
// with an empty token.
func (e *Exchanger) Token(ctx context.Context, handler string) (string, error) {
	hc, ok := e.handlerConfig(handler)
	if !ok {
		return "", nil
	}

	e.mu.Lock()
	src, cached := e.sources[handler]
	if !cached {
		cc := &clientcredentials.Config{
			TokenURL:     hc.TokenURL,
			ClientID:     hc.ClientID,
			ClientSecret: hc.ClientSecret,
			Scopes:       hc.Scopes,
		}
		src = cc.TokenSource(context.Background())
		e.sources[handler] = src
	}
	e.mu.Unlock()

	tok, err := src.Token()
	if err != nil {
		logger.WarnCF("auth", "Token exchange failed",
			map[string]any{"handler": handler, "error": err.Error()})
		return "", fmt.Errorf("token exchange for %s: %w", handler, err)
	}
	return tok.AccessToken, nil
}

// StaticExchanger returns fixed tokens per handler. Used by the console
// channel and by tests.
type StaticExchanger map[string]string

func (s StaticExchanger) Token(_ context.Context, handler string) (string, error) {
	return s[handler], nil
}
