package registry

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// PersistedSession is the durable snapshot of one thread's assistant
// session, per spec.md §3.
type PersistedSession struct {
	ClaudeSessionID string    `json:"claude_session_id"`
	ThreadID        string    `json:"thread_id"`
	ChannelID       string    `json:"channel_id"`
	WorkingDir      string    `json:"working_dir"`
	StartedAt       time.Time `json:"started_at"`
	LastActivityAt  time.Time `json:"last_activity_at"`
	IsPaused        bool      `json:"is_paused"`
	MessageCount    int       `json:"message_count"`

	TotalCost         float64 `json:"total_cost"`
	TotalInputTokens  int     `json:"total_input_tokens"`
	TotalOutputTokens int     `json:"total_output_tokens"`
}

// Store is a durable JSON-file mapping of thread_id → PersistedSession,
// written atomically (tmp file + rename, mode 0600), per spec.md §4.3.
//
// Grounded on _examples/wingedpig-trellis/internal/terminal/store.go's
// WindowStore.Save, generalized from map[string][]string to
// map[string]PersistedSession and from 0644 to the 0600 mode spec.md
// mandates for session state.
type Store struct {
	filePath string
}

// NewStore creates a Store backed by filePath. The parent directory is
// created on first Save.
func NewStore(filePath string) *Store {
	return &Store{filePath: filePath}
}

// Load reads the persisted sessions from disk. A missing file yields an
// empty map; malformed JSON is reported as an error rather than silently
// discarded, so callers can decide whether to start fresh or abort.
func (s *Store) Load() (map[string]PersistedSession, error) {
	data, err := os.ReadFile(s.filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return make(map[string]PersistedSession), nil
		}
		return nil, fmt.Errorf("registry: read %s: %w", s.filePath, err)
	}
	if len(data) == 0 {
		return make(map[string]PersistedSession), nil
	}
	var sessions map[string]PersistedSession
	if err := json.Unmarshal(data, &sessions); err != nil {
		return nil, fmt.Errorf("registry: parse %s: %w", s.filePath, err)
	}
	if sessions == nil {
		sessions = make(map[string]PersistedSession)
	}
	return sessions, nil
}

// Save atomically writes sessions to disk: marshal, write to a sibling
// ".tmp" file (mode 0600), then rename over the target.
func (s *Store) Save(sessions map[string]PersistedSession) error {
	data, err := json.MarshalIndent(sessions, "", "  ")
	if err != nil {
		return fmt.Errorf("registry: marshal sessions: %w", err)
	}

	dir := filepath.Dir(s.filePath)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("registry: create dir %s: %w", dir, err)
	}

	tmpPath := s.filePath + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return fmt.Errorf("registry: write temp file: %w", err)
	}
	if err := os.Rename(tmpPath, s.filePath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("registry: rename into place: %w", err)
	}
	return nil
}
