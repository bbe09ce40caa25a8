package session

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// State is the per-conversation record the dispatch pipeline reads and
// mutates. It is never process-global; every conversation has its own.
type State struct {
	Installed     bool      `json:"installed"`
	TermsAccepted bool      `json:"terms_accepted"`
	ThreadID      string    `json:"thread_id,omitempty"`
	ToolCacheKey  string    `json:"tool_cache_key,omitempty"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Store keeps one State per conversation id, backed by JSON files under
// dir. Acquire serializes turns of the same conversation: two activities
// delivered concurrently for one conversation must not race on the
// installed/terms flags.
type Store struct {
	dir string

	mu    sync.Mutex
	locks map[string]*sync.Mutex
	cache map[string]*State
}

func NewStore(dir string) *Store {
	if dir != "" {
		_ = os.MkdirAll(dir, 0755)
	}
	return &Store{
		dir:   dir,
		locks: make(map[string]*sync.Mutex),
		cache: make(map[string]*State),
	}
}

// Handle is an acquired, locked session. Callers must Release it when the
// turn completes.
type Handle struct {
	store          *Store
	conversationID string
	state          *State
	lock           *sync.Mutex
	released       bool
}

// Acquire locks the conversation and returns its state, loading it from
// disk or creating a fresh one on first contact.
func (s *Store) Acquire(conversationID string) *Handle {
	s.mu.Lock()
	lock, ok := s.locks[conversationID]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[conversationID] = lock
	}
	s.mu.Unlock()

	lock.Lock()

	s.mu.Lock()
	st, ok := s.cache[conversationID]
	s.mu.Unlock()
	if !ok {
		st = s.load(conversationID)
		s.mu.Lock()
		s.cache[conversationID] = st
		s.mu.Unlock()
	}

	return &Handle{store: s, conversationID: conversationID, state: st, lock: lock}
}

func (h *Handle) State() *State {
	return h.state
}

func (h *Handle) ConversationID() string {
	return h.conversationID
}

// Save persists the state to disk. Harmless with an empty store dir.
func (h *Handle) Save() error {
	h.state.UpdatedAt = time.Now().UTC()
	return h.store.save(h.conversationID, h.state)
}

func (h *Handle) Release() {
	if h.released {
		return
	}
	h.released = true
	h.lock.Unlock()
}

func (s *Store) load(conversationID string) *State {
	st := &State{}
	if s.dir == "" {
		return st
	}
	data, err := os.ReadFile(s.path(conversationID))
	if err != nil {
		return st
	}
	if err := json.Unmarshal(data, st); err != nil {
		return &State{}
	}
	return st
}

func (s *Store) save(conversationID string, st *State) error {
	if s.dir == "" {
		return nil
	}
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(s.path(conversationID), data, 0644)
}

func (s *Store) path(conversationID string) string {
	return filepath.Join(s.dir, sanitizeKey(conversationID)+".json")
}

// sanitizeKey maps a conversation id to a safe filename.
func sanitizeKey(key string) string {
	if key == "" {
		return "_default"
	}
	replacer := strings.NewReplacer("/", "_", "\\", "_", ":", "_", "..", "_")
	return replacer.Replace(key)
}
