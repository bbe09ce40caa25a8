package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/turnpikelabs/turnpike/pkg/auth"
	"github.com/turnpikelabs/turnpike/pkg/config"
	"github.com/turnpikelabs/turnpike/pkg/dispatch"
	"github.com/turnpikelabs/turnpike/pkg/failover"
	"github.com/turnpikelabs/turnpike/pkg/gate"
	"github.com/turnpikelabs/turnpike/pkg/logger"
	"github.com/turnpikelabs/turnpike/pkg/providers"
	"github.com/turnpikelabs/turnpike/pkg/server"
	"github.com/turnpikelabs/turnpike/pkg/session"
	"github.com/turnpikelabs/turnpike/pkg/thread"
	"github.com/turnpikelabs/turnpike/pkg/tools"
	"github.com/turnpikelabs/turnpike/pkg/trace"
	"github.com/turnpikelabs/turnpike/pkg/usage"
)

func main() {
	configPath := flag.String("config", "", "path to config file (default: ~/.turnpike/config.json)")
	console := flag.Bool("console", false, "run an interactive console instead of the HTTP server")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	if cfg.Logging.FileEnabled {
		if err := logger.EnableFileLogging(cfg.Logging.FilePath, cfg.Logging.MaxSizeMB); err != nil {
			logger.WarnCF("main", "File logging unavailable", map[string]any{"error": err.Error()})
		}
	}

	workspace := cfg.WorkspacePath()
	if err := os.MkdirAll(workspace, 0755); err != nil {
		fmt.Fprintf(os.Stderr, "workspace: %v\n", err)
		os.Exit(1)
	}

	primary, err := providerForModel(cfg, cfg.Agent.Model)
	if err != nil {
		fmt.Fprintf(os.Stderr, "provider: %v\n", err)
		os.Exit(1)
	}

	var fallback providers.LLMProvider
	if cfg.Agent.FallbackModel != "" {
		fallback, err = providerForModel(cfg, cfg.Agent.FallbackModel)
		if err != nil {
			logger.WarnCF("main", "Fallback provider unavailable",
				map[string]any{"model": cfg.Agent.FallbackModel, "error": err.Error()})
			fallback = nil
		}
	}

	router := failover.NewManager(primary, cfg.Agent.Model, fallback, cfg.Agent.FallbackModel, 5*time.Minute)
	threads := thread.NewManager(filepath.Join(workspace, "threads"))
	sessions := session.NewStore(filepath.Join(workspace, "sessions"))
	usageStore := usage.NewStore(workspace)

	responder := dispatch.NewResponder(cfg, router, threads, usageStore)
	dispatcher := dispatch.NewDispatcher(cfg, sessions, gate.NewTracker(), trace.NewTracer(nil),
		auth.NewExchanger(cfg.Auth), tools.NewCache(cfg.Tools.CacheScope), responder)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *console {
		if err := runConsole(ctx, dispatcher); err != nil {
			fmt.Fprintf(os.Stderr, "console: %v\n", err)
			os.Exit(1)
		}
		return
	}

	srv := server.NewServer(cfg, dispatcher, usageStore)
	if err := srv.Start(ctx); err != nil {
		logger.ErrorCF("main", "Server stopped", map[string]any{"error": err.Error()})
		os.Exit(1)
	}
}

func providerForModel(cfg *config.Config, model string) (providers.LLMProvider, error) {
	switch providers.InferProviderFromModel(model) {
	case "anthropic":
		if cfg.Providers.Anthropic.APIKey == "" {
			return nil, fmt.Errorf("model %s needs an Anthropic API key", model)
		}
		return providers.NewAnthropicProvider(cfg.Providers.Anthropic.APIKey, cfg.Providers.Anthropic.APIBase), nil
	case "openai":
		if cfg.Providers.OpenAI.APIKey == "" {
			return nil, fmt.Errorf("model %s needs an OpenAI API key", model)
		}
		return providers.NewOpenAIProvider(cfg.Providers.OpenAI.APIKey, cfg.Providers.OpenAI.APIBase), nil
	default:
		return nil, fmt.Errorf("cannot infer provider for model %s", model)
	}
}
