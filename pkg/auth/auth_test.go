package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/turnpikelabs/turnpike/pkg/config"
)

func TestTokenUnconfiguredHandler(t *testing.T) {
	ex := NewExchanger(config.AuthConfig{})

	tok, err := ex.Token(context.Background(), "agentic")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tok != "" {
		t.Errorf("expected empty token, got %q", tok)
	}
}

func TestTokenExchangeAndCache(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token":"tok-123","token_type":"Bearer","expires_in":3600}`))
	}))
	defer srv.Close()

	ex := NewExchanger(config.AuthConfig{
		Agentic: config.AuthHandlerConfig{
			TokenURL:     srv.URL + "/token",
			ClientID:     "client",
			ClientSecret: "secret",
			Scopes:       []string{"mail.read"},
		},
	})

	for i := 0; i < 3; i++ {
		tok, err := ex.Token(context.Background(), "agentic")
		if err != nil {
			t.Fatalf("exchange %d failed: %v", i, err)
		}
		if tok != "tok-123" {
			t.Fatalf("unexpected token: %q", tok)
		}
	}
	if n := hits.Load(); n != 1 {
		t.Errorf("expected one endpoint hit with caching, got %d", n)
	}
}

func TestStaticExchanger(t *testing.T) {
	ex := StaticExchanger{"me": "delegated-token"}

	tok, _ := ex.Token(context.Background(), "me")
	if tok != "delegated-token" {
		t.Errorf("unexpected token: %q", tok)
	}
	tok, _ = ex.Token(context.Background(), "agentic")
	if tok != "" {
		t.Errorf("expected empty token for unset handler, got %q", tok)
	}
}
