package tools

import (
	"context"
	"sort"
	"sync"

	"github.com/turnpikelabs/turnpike/pkg/providers"
)

// Tool is one callable capability exposed to the model.
type Tool interface {
	Name() string
	Description() string
	Parameters() map[string]any
	Execute(ctx context.Context, args map[string]any) *ToolResult
}

// ToolResult carries the text fed back to the model. IsError marks a
// failed call; the text still goes to the model so it can recover.
type ToolResult struct {
	ForLLM  string
	IsError bool
}

// Registry holds the tools available to one turn. Safe for concurrent
// use.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

func (r *Registry) Register(t Tool) {
	r.mu.Lock()
	r.tools[t.Name()] = t
	r.mu.Unlock()
}

func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	t, ok := r.tools[name]
	r.mu.RUnlock()
	return t, ok
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

// Definitions lists the registered tools in name order, in the shape the
// provider layer sends to the model.
func (r *Registry) Definitions() []providers.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	defs := make([]providers.ToolDefinition, 0, len(r.tools))
	for _, t := range r.tools {
		defs = append(defs, providers.ToolDefinition{
			Name:        t.Name(),
			Description: t.Description(),
			Parameters:  t.Parameters(),
		})
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

// Execute runs a named tool. Unknown names come back as error results so
// the model sees what went wrong instead of the turn aborting.
func (r *Registry) Execute(ctx context.Context, name string, args map[string]any) *ToolResult {
	t, ok := r.Get(name)
	if !ok {
		return &ToolResult{ForLLM: "unknown tool: " + name, IsError: true}
	}
	return t.Execute(ctx, args)
}
