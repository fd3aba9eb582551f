// Package transcript implements the append-only per-session Transcript
// Log (spec §3): one JSONL file per session, never rewritten.
package transcript

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Role enumerates transcript entry roles (spec §3).
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleToolCall  Role = "tool_call"
	RoleToolResult Role = "tool_result"
	RoleSystem    Role = "system"
	RoleUsage     Role = "usage"
	RoleWarning   Role = "warning"
)

// Entry is one append-only transcript record (spec §3).
type Entry struct {
	TS       time.Time       `json:"ts"`
	Role     Role            `json:"role"`
	Content  string          `json:"content,omitempty"`
	Metadata json.RawMessage `json:"metadata,omitempty"`
}

// Log owns the append-only file for exactly one session. Exclusive lock
// held during appends (spec §5: "one writer per session").
type Log struct {
	mu   sync.Mutex
	file *os.File
	path string
}

// Store opens (and lazily creates) per-session transcript logs under dir.
type Store struct {
	dir string

	mu   sync.Mutex
	open map[string]*Log
}

// NewStore returns a Store rooted at dir, creating it if necessary.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create transcript dir: %w", err)
	}
	return &Store{dir: dir, open: make(map[string]*Log)}, nil
}

func (s *Store) pathFor(sessionKey string) string {
	safe := strings.ReplaceAll(sessionKey, ":", "_")
	return filepath.Join(s.dir, safe+".jsonl")
}

// For returns (opening if necessary) the Log for sessionKey.
func (s *Store) For(sessionKey string) (*Log, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if l, ok := s.open[sessionKey]; ok {
		return l, nil
	}

	path := s.pathFor(sessionKey)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("open transcript: %w", err)
	}
	l := &Log{file: f, path: path}
	s.open[sessionKey] = l
	return l, nil
}

// Close closes the transcript file for sessionKey and forgets it, so the
// next For call reopens a fresh handle on the same path. Session reset
// does not call it.
func (s *Store) Close(sessionKey string) error {
	s.mu.Lock()
	l, ok := s.open[sessionKey]
	delete(s.open, sessionKey)
	s.mu.Unlock()
	if !ok {
		return nil
	}
	return l.close()
}

// Append writes one entry as a JSON line, under the log's exclusive lock.
func (l *Log) Append(role Role, content string, metadata any) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	var raw json.RawMessage
	if metadata != nil {
		b, err := json.Marshal(metadata)
		if err != nil {
			return fmt.Errorf("marshal transcript metadata: %w", err)
		}
		raw = b
	}
	entry := Entry{TS: time.Now().UTC(), Role: role, Content: content, Metadata: raw}
	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal transcript entry: %w", err)
	}
	line = append(line, '\n')
	_, err = l.file.Write(line)
	return err
}

func (l *Log) close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.file.Close()
}

// Read returns entries in [offset, offset+limit) for GET .../transcript.
func Read(path string, offset, limit int) ([]Entry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	var entries []Entry
	for i, line := range lines {
		if line == "" {
			continue
		}
		if i < offset {
			continue
		}
		if limit > 0 && len(entries) >= limit {
			break
		}
		var e Entry
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			continue
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// PathFor exposes the on-disk path for a session's transcript (used by
// the HTTP adapter's .../transcript read endpoint).
func (s *Store) PathFor(sessionKey string) string {
	return s.pathFor(sessionKey)
}
