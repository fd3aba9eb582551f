package sessions

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/serialagent/internal/providers"
)

// Counters tracks token usage for a session (spec §3 Session record).
type Counters struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
	Total        int64 `json:"total"`
	Context      int   `json:"context"` // cached context-window size in tokens
}

// Session is the spec §3 Session record, plus the message window the Turn
// Engine needs to assemble context — kept in-process and persisted the way
// the teacher's Manager persists its own Session struct.
type Session struct {
	Key         string              `json:"key"`
	ID          string              `json:"id"` // UUID, reminted on reset
	CreatedAt   time.Time           `json:"created_at"`
	UpdatedAt   time.Time           `json:"updated_at"`
	AgentID     string              `json:"agent_id"`
	Origin      string              `json:"origin"` // channel name or "cron"/"api"
	Counters    Counters            `json:"counters"`
	Running     bool                `json:"running"`
	SMSessionID string              `json:"sm_session_id,omitempty"`

	Messages []providers.Message `json:"messages"`
	Summary  string              `json:"summary,omitempty"`

	mu sync.Mutex
}

// Manager owns Session records: creation, persistence, and lookup. Turn
// serialization itself lives in Registry, which wraps a Manager.
type Manager struct {
	sessions map[string]*Session
	mu       sync.RWMutex
	storage  string
}

func NewManager(storage string) *Manager {
	m := &Manager{
		sessions: make(map[string]*Session),
		storage:  storage,
	}
	if storage != "" {
		os.MkdirAll(storage, 0755)
		m.loadAll()
	}
	return m
}

// GetOrCreate returns the session for key, creating it (with a new UUID)
// if absent. Per spec §3: "created lazily on first turn for a key."
func (m *Manager) GetOrCreate(key, agentID, origin string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s, ok := m.sessions[key]; ok {
		return s
	}
	now := time.Now()
	s := &Session{
		Key:       key,
		ID:        uuid.NewString(),
		AgentID:   agentID,
		Origin:    origin,
		CreatedAt: now,
		UpdatedAt: now,
		Messages:  []providers.Message{},
	}
	m.sessions[key] = s
	return s
}

// Get returns the session for key if it exists.
func (m *Manager) Get(key string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[key]
	return s, ok
}

// AppendMessages appends turn messages under the session's own mutex.
func (s *Session) AppendMessages(msgs ...providers.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Messages = append(s.Messages, msgs...)
	s.UpdatedAt = time.Now()
}

// History returns a copy of the message window.
func (s *Session) History() []providers.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]providers.Message, len(s.Messages))
	copy(out, s.Messages)
	return out
}

// ReplaceWindow swaps the message window for a compacted one (spec §4.3
// step 5: "replace the window with {system_summary, recent_k_entries}").
func (s *Session) ReplaceWindow(summary string, recent []providers.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Summary = summary
	s.Messages = recent
	s.UpdatedAt = time.Now()
}

// AccumulateTokens adds usage counters from a completed LLM call.
func (s *Session) AccumulateTokens(input, output int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Counters.InputTokens += input
	s.Counters.OutputTokens += output
	s.Counters.Total += input + output
}

// SetContextWindow caches the agent's context-window token budget.
func (s *Session) SetContextWindow(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Counters.Context = n
}

// Reset mints a new session ID, retaining the key, and clears the message
// history and summary. It does not close the transcript file: transcripts
// are keyed by session key, so later turns keep appending to the same file.
func (m *Manager) Reset(key string) (newID string, ok bool) {
	m.mu.RLock()
	s, exists := m.sessions[key]
	m.mu.RUnlock()
	if !exists {
		return "", false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ID = uuid.NewString()
	s.Messages = []providers.Message{}
	s.Summary = ""
	s.UpdatedAt = time.Now()
	return s.ID, true
}

// Delete removes a session entirely (admin-only per spec §3).
func (m *Manager) Delete(key string) error {
	m.mu.Lock()
	delete(m.sessions, key)
	m.mu.Unlock()

	if m.storage != "" {
		path := filepath.Join(m.storage, sanitizeFilename(key)+".json")
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return nil
}

// SessionInfo is a lightweight descriptor for GET /v1/sessions.
type SessionInfo struct {
	Key          string    `json:"key"`
	ID           string    `json:"id"`
	AgentID      string    `json:"agent_id"`
	MessageCount int       `json:"message_count"`
	Running      bool      `json:"running"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// List returns metadata for all sessions, optionally filtered by agent.
func (m *Manager) List(agentID string) []SessionInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []SessionInfo
	for key, s := range m.sessions {
		if agentID != "" && s.AgentID != agentID {
			continue
		}
		s.mu.Lock()
		result = append(result, SessionInfo{
			Key:          key,
			ID:           s.ID,
			AgentID:      s.AgentID,
			MessageCount: len(s.Messages),
			Running:      s.Running,
			CreatedAt:    s.CreatedAt,
			UpdatedAt:    s.UpdatedAt,
		})
		s.mu.Unlock()
	}
	return result
}

// Save persists a session to disk atomically (temp file + rename), the
// same idiom as the teacher's Manager.Save.
func (m *Manager) Save(key string) error {
	if m.storage == "" {
		return nil
	}
	m.mu.RLock()
	s, ok := m.sessions[key]
	m.mu.RUnlock()
	if !ok {
		return nil
	}

	s.mu.Lock()
	snapshot := *s
	snapshot.Messages = append([]providers.Message(nil), s.Messages...)
	s.mu.Unlock()

	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return err
	}

	filename := sanitizeFilename(key)
	if filename == "." || !filepath.IsLocal(filename) || strings.ContainsAny(filename, `/\`) {
		return os.ErrInvalid
	}
	sessionPath := filepath.Join(m.storage, filename+".json")

	tmpFile, err := os.CreateTemp(m.storage, "session-*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmpFile.Name()
	cleanup := true
	defer func() {
		if cleanup {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmpFile.Write(data); err != nil {
		tmpFile.Close()
		return err
	}
	if err := tmpFile.Sync(); err != nil {
		tmpFile.Close()
		return err
	}
	tmpFile.Close()

	if err := os.Rename(tmpPath, sessionPath); err != nil {
		return err
	}
	cleanup = false
	return nil
}

func (m *Manager) loadAll() {
	files, err := os.ReadDir(m.storage)
	if err != nil {
		return
	}
	for _, f := range files {
		if f.IsDir() || filepath.Ext(f.Name()) != ".json" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(m.storage, f.Name()))
		if err != nil {
			continue
		}
		var s Session
		if err := json.Unmarshal(data, &s); err != nil {
			continue
		}
		s.Running = false // a restart drops any in-flight lease
		m.sessions[s.Key] = &s
	}
}

func sanitizeFilename(key string) string {
	return strings.ReplaceAll(key, ":", "_")
}
