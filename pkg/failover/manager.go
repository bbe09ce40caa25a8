// Package failover routes chat calls between a primary and a fallback
// provider. A rate-limited primary is parked for a hold window; once the
// window passes the next turn routes back to primary.
package failover

import (
	"errors"
	"sync"
	"time"

	"github.com/turnpikelabs/turnpike/pkg/logger"
	"github.com/turnpikelabs/turnpike/pkg/providers"
)

const defaultHold = 5 * time.Minute

type Route struct {
	Model     string
	Provider  providers.LLMProvider
	IsPrimary bool
}

type SwitchEvent struct {
	FromModel string
	ToModel   string
	Reason    string
	Switched  bool
}

type Manager struct {
	mu sync.Mutex

	primary       providers.LLMProvider
	primaryModel  string
	fallback      providers.LLMProvider
	fallbackModel string

	hold      time.Duration
	holdUntil time.Time

	now func() time.Time
}

func NewManager(primary providers.LLMProvider, primaryModel string, fallback providers.LLMProvider, fallbackModel string, hold time.Duration) *Manager {
	if hold <= 0 {
		hold = defaultHold
	}
	return &Manager{
		primary:       primary,
		primaryModel:  primaryModel,
		fallback:      fallback,
		fallbackModel: fallbackModel,
		hold:          hold,
		now:           time.Now,
	}
}

// ResolveRoute picks the provider for the next chat call. Primary is used
// unless it is inside a rate-limit hold window and a fallback exists.
func (m *Manager) ResolveRoute() Route {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.fallback != nil && m.now().Before(m.holdUntil) {
		return Route{Model: m.fallbackModel, Provider: m.fallback}
	}
	return Route{Model: m.primaryModel, Provider: m.primary, IsPrimary: true}
}

// OnChatError inspects a chat failure and parks the primary when it was
// rate limited. Returns the switch event for logging; Switched is false
// when no fallback is configured or the active route was already the
// fallback.
func (m *Manager) OnChatError(route Route, err error) SwitchEvent {
	var rl *providers.RateLimitError
	if !errors.As(err, &rl) {
		return SwitchEvent{}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if !route.IsPrimary {
		return SwitchEvent{FromModel: route.Model, ToModel: route.Model, Reason: "fallback_rate_limited"}
	}
	if m.fallback == nil {
		return SwitchEvent{FromModel: route.Model, ToModel: route.Model, Reason: "no_fallback_configured"}
	}

	m.holdUntil = m.now().Add(m.hold)
	ev := SwitchEvent{
		FromModel: m.primaryModel,
		ToModel:   m.fallbackModel,
		Reason:    "rate_limited",
		Switched:  true,
	}
	logger.WarnCF("failover", "Primary rate limited, switching to fallback",
		map[string]any{
			"from":       ev.FromModel,
			"to":         ev.ToModel,
			"hold_until": m.holdUntil.Format(time.RFC3339),
		})
	return ev
}

func (m *Manager) IsUsingPrimary() bool {
	return m.ResolveRoute().IsPrimary
}
