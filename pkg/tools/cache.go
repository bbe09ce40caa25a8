package tools

import (
	"sync"

	"github.com/turnpikelabs/turnpike/pkg/config"
)

// Cache memoizes tool discovery per scope key. Conversation scope keys on
// the conversation id; user scope keys on the sender id, so every
// conversation with the same user shares one discovery pass.
type Cache struct {
	scope string

	mu      sync.Mutex
	entries map[string]*cacheEntry
}

type cacheEntry struct {
	once     sync.Once
	registry *Registry
}

func NewCache(scope string) *Cache {
	if scope == "" {
		scope = config.ToolCacheScopeConversation
	}
	return &Cache{scope: scope, entries: make(map[string]*cacheEntry)}
}

// Key derives the cache key for a turn from the configured scope.
func (c *Cache) Key(conversationID, senderID string) string {
	if c.scope == config.ToolCacheScopeUser && senderID != "" {
		return "user:" + senderID
	}
	return "conv:" + conversationID
}

// GetOrLoad returns the registry for the key, running load exactly once
// per key even under concurrent turns.
func (c *Cache) GetOrLoad(key string, load func() *Registry) *Registry {
	c.mu.Lock()
	e, ok := c.entries[key]
	if !ok {
		e = &cacheEntry{}
		c.entries[key] = e
	}
	c.mu.Unlock()

	e.once.Do(func() {
		e.registry = load()
	})
	return e.registry
}

// Invalidate drops one key so the next turn rediscovers.
func (c *Cache) Invalidate(key string) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}
