package thread

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/turnpikelabs/turnpike/pkg/providers"
)

// Manager persists per-thread conversation history as JSON files under dir.
// A thread id is the opaque handle stored on the conversation session; the
// history behind it lives here.
type Manager struct {
	dir string

	mu        sync.RWMutex
	histories map[string][]providers.Message
}

func NewManager(dir string) *Manager {
	if dir != "" {
		_ = os.MkdirAll(dir, 0755)
	}
	return &Manager{
		dir:       dir,
		histories: make(map[string][]providers.Message),
	}
}

// NewThreadID mints a fresh opaque thread handle.
func NewThreadID() string {
	return uuid.NewString()
}

// History returns a copy of the messages recorded for a thread, loading
// from disk on first touch. Unknown ids yield an empty history.
func (m *Manager) History(threadID string) []providers.Message {
	m.mu.RLock()
	history, ok := m.histories[threadID]
	m.mu.RUnlock()
	if !ok {
		history = m.load(threadID)
		m.mu.Lock()
		m.histories[threadID] = history
		m.mu.Unlock()
	}

	out := make([]providers.Message, len(history))
	copy(out, history)
	return out
}

// Append records messages on a thread in memory. Call Save to persist.
func (m *Manager) Append(threadID string, msgs ...providers.Message) {
	if threadID == "" || len(msgs) == 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.histories[threadID]; !ok {
		m.histories[threadID] = m.load(threadID)
	}
	m.histories[threadID] = append(m.histories[threadID], msgs...)
}

func (m *Manager) Save(threadID string) error {
	if m.dir == "" || threadID == "" {
		return nil
	}
	m.mu.RLock()
	history := m.histories[threadID]
	snapshot := make([]providers.Message, len(history))
	copy(snapshot, history)
	m.mu.RUnlock()

	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(m.path(threadID), data, 0644)
}

func (m *Manager) load(threadID string) []providers.Message {
	if m.dir == "" || threadID == "" {
		return nil
	}
	data, err := os.ReadFile(m.path(threadID))
	if err != nil {
		return nil
	}
	var history []providers.Message
	if err := json.Unmarshal(data, &history); err != nil {
		return nil
	}
	return history
}

func (m *Manager) path(threadID string) string {
	safe := strings.NewReplacer("/", "_", "\\", "_", ":", "_").Replace(threadID)
	return filepath.Join(m.dir, safe+".json")
}
