package dispatch

import (
	"context"
	"errors"
	"fmt"

	"github.com/turnpikelabs/turnpike/pkg/config"
	"github.com/turnpikelabs/turnpike/pkg/failover"
	"github.com/turnpikelabs/turnpike/pkg/logger"
	"github.com/turnpikelabs/turnpike/pkg/providers"
	"github.com/turnpikelabs/turnpike/pkg/stream"
	"github.com/turnpikelabs/turnpike/pkg/thread"
	"github.com/turnpikelabs/turnpike/pkg/tools"
	"github.com/turnpikelabs/turnpike/pkg/usage"
)

// Ask is one logical model invocation within a turn. Sink may be nil for
// intermediate hops whose output stays internal.
type Ask struct {
	ThreadID       string
	ConversationID string
	Operation      string
	Prompt         string
	Registry       *tools.Registry
	Sink           stream.Sink
}

// Responder turns one prompt into one final text, running the tool
// iteration loop against the active provider route.
type Responder struct {
	cfg     *config.Config
	router  *failover.Manager
	threads *thread.Manager
	usage   *usage.Store
}

func NewResponder(cfg *config.Config, router *failover.Manager, threads *thread.Manager, usageStore *usage.Store) *Responder {
	return &Responder{cfg: cfg, router: router, threads: threads, usage: usageStore}
}

// Generate runs the ask to completion. On success the prompt and reply are
// appended to the thread history and persisted; on failure the history is
// left untouched and the error is returned for the boundary to convert.
// Streamed chunks reach the sink only after the model settles on a final
// answer; intermediate tool-call text stays internal.
func (r *Responder) Generate(ctx context.Context, ask Ask) (string, error) {
	messages := r.buildMessages(ask)

	var defs []providers.ToolDefinition
	if ask.Registry != nil {
		defs = ask.Registry.Definitions()
	}

	maxIterations := r.cfg.Agent.MaxToolIterations
	if maxIterations <= 0 {
		maxIterations = 1
	}

	var final string
	flushed := false
	for iteration := 0; iteration < maxIterations; iteration++ {
		var chunks []string
		resp, err := r.chatOnce(ctx, messages, defs, ask, func(text string) {
			chunks = append(chunks, text)
		})
		if err != nil {
			return "", err
		}

		if len(resp.ToolCalls) == 0 {
			final = resp.Content
			if ask.Sink != nil {
				if len(chunks) > 0 {
					for _, c := range chunks {
						ask.Sink.QueueTextChunk(c)
					}
				} else if final != "" {
					ask.Sink.QueueTextChunk(final)
				}
				flushed = true
			}
			break
		}

		messages = append(messages, providers.Message{
			Role:      "assistant",
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})
		for _, call := range resp.ToolCalls {
			logger.InfoCF("dispatch", "Executing tool",
				map[string]any{"tool": call.Name, "conversation_id": ask.ConversationID})
			result := ask.Registry.Execute(ctx, call.Name, call.Arguments)
			messages = append(messages, providers.Message{
				Role:       "tool",
				Content:    result.ForLLM,
				ToolCallID: call.ID,
			})
		}
		final = resp.Content
	}

	if ask.Sink != nil && !flushed && final != "" {
		ask.Sink.QueueTextChunk(final)
	}

	if ask.ThreadID != "" {
		r.threads.Append(ask.ThreadID,
			providers.Message{Role: "user", Content: ask.Prompt},
			providers.Message{Role: "assistant", Content: final},
		)
		if err := r.threads.Save(ask.ThreadID); err != nil {
			logger.WarnCF("dispatch", "Thread save failed",
				map[string]any{"thread_id": ask.ThreadID, "error": err.Error()})
		}
	}
	return final, nil
}

func (r *Responder) buildMessages(ask Ask) []providers.Message {
	var messages []providers.Message
	if r.cfg.Agent.Instructions != "" {
		messages = append(messages, providers.Message{Role: "system", Content: r.cfg.Agent.Instructions})
	}
	if ask.ThreadID != "" {
		messages = append(messages, r.threads.History(ask.ThreadID)...)
	}
	return append(messages, providers.Message{Role: "user", Content: ask.Prompt})
}

// chatOnce calls the active route, recording usage and switching routes on
// rate limits. A switch retries once on the fallback before giving up.
func (r *Responder) chatOnce(ctx context.Context, messages []providers.Message, defs []providers.ToolDefinition, ask Ask, onChunk func(string)) (*providers.Response, error) {
	route := r.router.ResolveRoute()
	resp, err := r.callRoute(ctx, route, messages, defs, ask, onChunk)
	if err == nil {
		return resp, nil
	}

	ev := r.router.OnChatError(route, err)
	if !ev.Switched {
		return nil, fmt.Errorf("chat with %s: %w", route.Model, err)
	}

	retryRoute := r.router.ResolveRoute()
	resp, err = r.callRoute(ctx, retryRoute, messages, defs, ask, onChunk)
	if err != nil {
		return nil, fmt.Errorf("chat with fallback %s: %w", retryRoute.Model, err)
	}
	return resp, nil
}

// callRoute buffers streamed text and replays it to onChunk only on
// success, so a call that fails mid-stream leaves nothing behind for the
// retry to duplicate.
func (r *Responder) callRoute(ctx context.Context, route failover.Route, messages []providers.Message, defs []providers.ToolDefinition, ask Ask, onChunk func(string)) (*providers.Response, error) {
	var streamed []string
	resp, err := route.Provider.Chat(ctx, messages, defs, providers.ChatOptions{
		Model:       route.Model,
		MaxTokens:   r.cfg.Agent.MaxTokens,
		Temperature: r.cfg.Agent.Temperature,
		OnChunk: func(text string) {
			streamed = append(streamed, text)
		},
	})

	rec := usage.Record{
		ConversationID: ask.ConversationID,
		Operation:      ask.Operation,
		Provider:       route.Provider.Name(),
		Model:          route.Model,
	}
	if err == nil && resp.Usage != nil {
		rec.PromptTokens = resp.Usage.PromptTokens
		rec.CompletionTokens = resp.Usage.CompletionTokens
		rec.TotalTokens = resp.Usage.TotalTokens
		rec.UsageKnown = true
	}
	r.usage.Add(rec)

	if err != nil {
		var rl *providers.RateLimitError
		if errors.As(err, &rl) {
			logger.WarnCF("dispatch", "Provider rate limited",
				map[string]any{"provider": route.Provider.Name(), "model": route.Model})
		}
		return nil, err
	}

	if onChunk != nil {
		for _, text := range streamed {
			onChunk(text)
		}
	}
	return resp, nil
}
