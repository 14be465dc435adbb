// Package registry owns the thread_id → Session map and its durable
// snapshot, per spec.md §4.2/§4.3.
//
// Grounded on the teacher's internal/telegraph/lock.go (expire-then-claim critical-section
// shape, here generalized from a GORM transaction to an in-process mutex
// since the spec mandates JSON-file persistence rather than a SQL engine).
package registry

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/earlbridge/earl/internal/assistant"
)

// SpawnFunc constructs a new, unstarted Session. Overridable in tests.
type SpawnFunc func(opts assistant.Opts) (*assistant.Session, error)

// Registry is the sole creator of Sessions; callers never construct one
// directly (spec.md §4.2).
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*assistant.Session
	store    *Store
	spawn    SpawnFunc
	logger   *log.Logger
}

// New creates a Registry backed by store. spawn may be nil to use
// assistant.New directly.
func New(store *Store, spawn SpawnFunc) *Registry {
	if spawn == nil {
		spawn = assistant.New
	}
	return &Registry{
		sessions: make(map[string]*assistant.Session),
		store:    store,
		spawn:    spawn,
		logger:   log.Default(),
	}
}

// Get returns the currently registered live Session for threadID, or nil.
func (r *Registry) Get(threadID string) *assistant.Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[threadID]; ok && s.Alive() {
		return s
	}
	return nil
}

// GetOrCreate returns the existing live session for threadID, or creates
// one: resuming from the store's persisted claude_session_id if present,
// falling back to a fresh session if resume fails or no record exists.
func (r *Registry) GetOrCreate(ctx context.Context, threadID string, cfg SessionConfig) (*assistant.Session, error) {
	r.mu.Lock()
	if s, ok := r.sessions[threadID]; ok && s.Alive() {
		r.mu.Unlock()
		return s, nil
	}
	r.mu.Unlock()

	persisted, err := r.store.Load()
	if err != nil {
		return nil, err
	}

	if ps, ok := persisted[threadID]; ok && !ps.IsPaused && ps.ClaudeSessionID != "" {
		sess, err := r.start(ctx, threadID, cfg, assistant.ModeResume, ps.ClaudeSessionID)
		if err == nil {
			r.register(threadID, sess)
			return sess, nil
		}
		r.logger.Printf("registry: resume failed for thread %s, spawning fresh: %v", threadID, err)
	}

	sess, err := r.start(ctx, threadID, cfg, assistant.ModeFresh, "")
	if err != nil {
		return nil, err
	}
	r.register(threadID, sess)
	return sess, nil
}

// SessionConfig carries the per-thread parameters GetOrCreate needs to
// spawn a Session, independent of resume/fresh mode.
type SessionConfig struct {
	ChannelID      string
	Username       string
	WorkingDir     string
	Model          string
	SkipPermission bool
	PermissionTool string
	MCPConfigPath  string
	SystemPrompt   string
}

func (r *Registry) start(ctx context.Context, threadID string, cfg SessionConfig, mode assistant.Mode, claudeSessionID string) (*assistant.Session, error) {
	sess, err := r.spawn(assistant.Opts{
		ThreadID:        threadID,
		ChannelID:       cfg.ChannelID,
		Username:        cfg.Username,
		WorkingDir:      cfg.WorkingDir,
		Mode:            mode,
		ClaudeSessionID: claudeSessionID,
		Model:           cfg.Model,
		SkipPermission:  cfg.SkipPermission,
		PermissionTool:  cfg.PermissionTool,
		MCPConfigPath:   cfg.MCPConfigPath,
		SystemPrompt:    cfg.SystemPrompt,
	})
	if err != nil {
		return nil, fmt.Errorf("registry: construct session: %w", err)
	}
	if err := sess.Start(ctx); err != nil {
		return nil, fmt.Errorf("registry: start session: %w", err)
	}
	return sess, nil
}

func (r *Registry) register(threadID string, sess *assistant.Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[threadID] = sess
}

// ResumeAll iterates the store on process start and spawns resumable
// sessions for every non-paused entry. Per-entry errors are logged and
// skipped; other entries proceed.
func (r *Registry) ResumeAll(ctx context.Context, cfgFor func(threadID string, ps PersistedSession) SessionConfig) {
	persisted, err := r.store.Load()
	if err != nil {
		r.logger.Printf("registry: resume_all: load store: %v", err)
		return
	}
	for threadID, ps := range persisted {
		if ps.IsPaused {
			continue
		}
		cfg := cfgFor(threadID, ps)
		sess, err := r.start(ctx, threadID, cfg, assistant.ModeResume, ps.ClaudeSessionID)
		if err != nil {
			r.logger.Printf("registry: resume_all: thread %s: %v", threadID, err)
			continue
		}
		r.register(threadID, sess)
	}
}

// StopSession kills and removes the session, and removes its record from
// the store.
func (r *Registry) StopSession(threadID string) error {
	r.mu.Lock()
	sess, ok := r.sessions[threadID]
	delete(r.sessions, threadID)
	r.mu.Unlock()

	if ok {
		sess.Kill()
	}

	persisted, err := r.store.Load()
	if err != nil {
		return err
	}
	if _, exists := persisted[threadID]; exists {
		delete(persisted, threadID)
		return r.store.Save(persisted)
	}
	return nil
}

// PauseAll kills every live session and persists each as is_paused=true.
// Used during graceful shutdown (spec.md §4.2/§4.11).
func (r *Registry) PauseAll() error {
	r.mu.Lock()
	threads := make(map[string]*assistant.Session, len(r.sessions))
	for id, s := range r.sessions {
		threads[id] = s
	}
	r.mu.Unlock()

	persisted, err := r.store.Load()
	if err != nil {
		return err
	}

	for threadID, sess := range threads {
		sess.Kill()
		ps := persisted[threadID]
		ps.ThreadID = threadID
		ps.ClaudeSessionID = sess.ID
		ps.IsPaused = true
		ps.LastActivityAt = time.Now()
		snap := sess.Snapshot()
		ps.TotalCost = snap.LifetimeCost
		ps.TotalInputTokens = snap.LifetimeInputTokens
		ps.TotalOutputTokens = snap.LifetimeOutputTokens
		persisted[threadID] = ps
	}

	r.mu.Lock()
	r.sessions = make(map[string]*assistant.Session)
	r.mu.Unlock()

	return r.store.Save(persisted)
}

// Touch updates last_activity_at in the store for threadID.
func (r *Registry) Touch(threadID string) error {
	persisted, err := r.store.Load()
	if err != nil {
		return err
	}
	ps, ok := persisted[threadID]
	if !ok {
		ps = PersistedSession{ThreadID: threadID, StartedAt: time.Now()}
	}
	ps.LastActivityAt = time.Now()
	ps.MessageCount++
	persisted[threadID] = ps
	return r.store.Save(persisted)
}

// SaveStats snapshots the in-memory session's rollup stats into the store.
func (r *Registry) SaveStats(threadID string) error {
	sess := r.Get(threadID)
	if sess == nil {
		return nil
	}
	persisted, err := r.store.Load()
	if err != nil {
		return err
	}
	ps := persisted[threadID]
	ps.ThreadID = threadID
	ps.ChannelID = sess.ChannelID
	ps.ClaudeSessionID = sess.ID
	ps.WorkingDir = sess.WorkingDir
	snap := sess.Snapshot()
	ps.TotalCost = snap.LifetimeCost
	ps.TotalInputTokens = snap.LifetimeInputTokens
	ps.TotalOutputTokens = snap.LifetimeOutputTokens
	persisted[threadID] = ps
	return r.store.Save(persisted)
}

// ThreadSummary is a read-only rollup of one thread's session, combining
// live in-memory state (if any) with its persisted record, for the
// Command Executor's status tabulation (spec.md §4.7).
type ThreadSummary struct {
	ThreadID       string
	ChannelID      string
	Alive          bool
	IsPaused       bool
	TotalCost      float64
	TotalTurns     int
	LastActivityAt time.Time
}

// Snapshot lists every thread known to the registry, live or persisted,
// for !status/!sessions.
func (r *Registry) Snapshot() ([]ThreadSummary, error) {
	persisted, err := r.store.Load()
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	live := make(map[string]*assistant.Session, len(r.sessions))
	for id, s := range r.sessions {
		live[id] = s
	}
	r.mu.Unlock()

	seen := make(map[string]struct{})
	var out []ThreadSummary
	for threadID, sess := range live {
		seen[threadID] = struct{}{}
		snap := sess.Snapshot()
		ps := persisted[threadID]
		out = append(out, ThreadSummary{
			ThreadID:       threadID,
			ChannelID:      sess.ChannelID,
			Alive:          sess.Alive(),
			IsPaused:       false,
			TotalCost:      snap.LifetimeCost,
			TotalTurns:     ps.MessageCount,
			LastActivityAt: ps.LastActivityAt,
		})
	}
	for threadID, ps := range persisted {
		if _, ok := seen[threadID]; ok {
			continue
		}
		out = append(out, ThreadSummary{
			ThreadID:       threadID,
			ChannelID:      ps.ChannelID,
			LastActivityAt: ps.LastActivityAt,
			Alive:          false,
			IsPaused:       ps.IsPaused,
			TotalCost:      ps.TotalCost,
			TotalTurns:     ps.MessageCount,
		})
	}
	return out, nil
}

// ClaudeSessionIDFor returns the in-memory session's id, falling back to
// the persisted record.
func (r *Registry) ClaudeSessionIDFor(threadID string) (string, bool) {
	if sess := r.Get(threadID); sess != nil {
		return sess.ID, true
	}
	persisted, err := r.store.Load()
	if err != nil {
		return "", false
	}
	ps, ok := persisted[threadID]
	if !ok {
		return "", false
	}
	return ps.ClaudeSessionID, true
}
