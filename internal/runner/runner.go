// Package runner implements the Runner/Orchestrator from spec.md §4.10:
// it owns the chat adapter and wires the Session Registry, Message Queue,
// Streaming Response, Question Mediator, Command Executor, Heartbeat
// Scheduler, and Terminal Monitor into one message-handling pipeline.
//
// Grounded on the teacher's internal/telegraph/router.go dispatch shape,
// reduced here to self-filter → allow-list → `!` command → queued assistant
// turn, adapted from a car-notification router to a single-assistant
// conversational one.
package runner

import (
	"context"
	"fmt"
	"log"
	"os"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/earlbridge/earl/internal/assistant"
	"github.com/earlbridge/earl/internal/chat"
	"github.com/earlbridge/earl/internal/command"
	"github.com/earlbridge/earl/internal/config"
	"github.com/earlbridge/earl/internal/heartbeat"
	"github.com/earlbridge/earl/internal/mcpconfig"
	"github.com/earlbridge/earl/internal/question"
	"github.com/earlbridge/earl/internal/queue"
	"github.com/earlbridge/earl/internal/registry"
	"github.com/earlbridge/earl/internal/stream"
	"github.com/earlbridge/earl/internal/terminal"
)

// minFollowUpLen and the heading/fix-marker patterns implement the
// Analysis follow-up behavior in spec.md §4.10.
const minFollowUpLen = 300

var analysisHeadingRe = regexp.MustCompile(`(?im)^##\s*.*(root cause|what went wrong)`)
var suggestedFixRe = regexp.MustCompile(`(?im)^##\s*(suggested fixes|recommended fix)`)

// permissionToolName is the mcpServers key of the runtime's own built-in
// permission-prompt server, per spec.md §6.1. permissionToolSubcommand is
// the cmd/earl subcommand that server invocation runs.
const permissionToolName = "earl_permission_prompt"
const permissionToolSubcommand = "mcp-permission-prompt"

// Runner owns the wiring and policy described in spec.md §4.10.
type Runner struct {
	adapter    chat.Adapter
	reg        *registry.Registry
	queue      *queue.Queue
	mediator   *question.Mediator
	executor   *command.Executor
	cfg        *config.Config
	heartbeats *heartbeat.Scheduler
	terminal   *terminal.Monitor
	logger     *log.Logger

	mu             sync.Mutex
	toolUseThread  map[string]string          // tool_use_id -> thread id, for reaction routing
	activeResponse map[string]*stream.Response // thread id -> in-flight response
	analysisSent   map[string]bool            // thread id -> follow-up already sent

	restartChannelID string // channel/thread/command name behind the most
	restartThreadID  string // recent !restart or !update, for cmd/earl's
	restartCommand   string // restart-context file (spec.md §4.11)

	shuttingDown   atomic.Bool
	pendingRestart atomic.Bool
	pendingUpdate  atomic.Bool

	idleStop chan struct{}
	idleDone chan struct{}
}

// New constructs a Runner. heartbeats and terminalMon may be nil if those
// subsystems are not configured.
func New(adapter chat.Adapter, reg *registry.Registry, q *queue.Queue, mediator *question.Mediator, executor *command.Executor, cfg *config.Config, heartbeats *heartbeat.Scheduler, terminalMon *terminal.Monitor) *Runner {
	return &Runner{
		adapter:        adapter,
		reg:            reg,
		queue:          q,
		mediator:       mediator,
		executor:       executor,
		cfg:            cfg,
		heartbeats:     heartbeats,
		terminal:       terminalMon,
		logger:         log.Default(),
		toolUseThread:  make(map[string]string),
		activeResponse: make(map[string]*stream.Response),
		analysisSent:   make(map[string]bool),
	}
}

// isAllowed implements spec.md §4.10's allow-list check: empty list means
// everyone is allowed. Called with InboundMessage.UserName for messages and
// ReactionEvent.UserID for reactions — EARL_ALLOWED_USERS entries must
// match whichever identifier the configured chat adapter surfaces
// consistently for a given user across both fields.
func (r *Runner) isAllowed(username string) bool {
	if len(r.cfg.AllowedUsers) == 0 {
		return true
	}
	for _, u := range r.cfg.AllowedUsers {
		if u == username {
			return true
		}
	}
	return false
}

// HandleInboundMessage is the chat adapter's callback for new messages.
func (r *Runner) HandleInboundMessage(ctx context.Context, msg chat.InboundMessage) {
	if botID, ok := r.adapter.(chat.BotUserIDer); ok && botID.BotUserID() != "" && msg.UserID == botID.BotUserID() {
		return
	}
	if !r.isAllowed(msg.UserName) {
		return
	}

	threadID := msg.ThreadID
	if threadID == "" {
		threadID = msg.PostID
	}

	if cmd, ok := command.Parse(msg.Text); ok {
		if cmd.Name == "restart" || cmd.Name == "update" {
			r.mu.Lock()
			r.restartChannelID = msg.ChannelID
			r.restartThreadID = threadID
			r.restartCommand = cmd.Name
			r.mu.Unlock()
		}
		res, err := r.executor.Execute(cmd, threadID, msg.ChannelID)
		if err != nil {
			r.logger.Printf("runner: command execute: %v", err)
			return
		}
		if res == nil {
			return
		}
		if cmd.Name == "stop" || cmd.Name == "kill" {
			r.abortActiveResponse(threadID)
		}
		if res.Reply != "" {
			if _, err := r.adapter.CreatePost(ctx, msg.ChannelID, threadID, res.Reply); err != nil {
				r.logger.Printf("runner: post command reply: %v", err)
			}
		}
		if res.Passthrough != "" {
			r.submitTurn(ctx, threadID, msg.ChannelID, msg.UserName, res.Passthrough)
		}
		return
	}

	r.submitTurn(ctx, threadID, msg.ChannelID, msg.UserName, msg.Text)
}

func (r *Runner) abortActiveResponse(threadID string) {
	r.mu.Lock()
	resp := r.activeResponse[threadID]
	delete(r.activeResponse, threadID)
	r.mu.Unlock()
	if resp != nil {
		resp.Abort()
	}
}

func (r *Runner) submitTurn(ctx context.Context, threadID, channelID, username, text string) {
	r.queue.Submit(queue.Message{ThreadID: threadID, Text: text}, func(m queue.Message) {
		r.runTurn(ctx, threadID, channelID, username, m.Text)
	})
}

// runTurn is the per-turn orchestration in spec.md §4.10.
func (r *Runner) runTurn(ctx context.Context, threadID, channelID, username, text string) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Printf("runner: turn panic: %v", rec)
		}
	}()

	resp := stream.New(r.adapter, channelID, threadID)
	resp.StartTyping(ctx)

	r.mu.Lock()
	r.activeResponse[threadID] = resp
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		delete(r.activeResponse, threadID)
		r.mu.Unlock()
	}()

	wasNew := r.reg.Get(threadID) == nil

	workingDir := r.resolveWorkingDir(threadID, channelID)
	mcpPath, permissionTool := r.prepareMCPConfig(threadID, channelID)
	sess, err := r.reg.GetOrCreate(ctx, threadID, registry.SessionConfig{
		ChannelID:      channelID,
		Username:       username,
		WorkingDir:     workingDir,
		Model:          r.cfg.Model,
		SkipPermission: r.cfg.SkipPermission,
		PermissionTool: permissionTool,
		MCPConfigPath:  mcpPath,
	})
	if err != nil {
		r.logger.Printf("runner: get_or_create session for thread %s: %v", threadID, err)
		resp.Abort()
		return
	}

	turnText := text
	if wasNew {
		if preamble := r.transcriptPreamble(ctx, channelID, threadID, text); preamble != "" {
			turnText = preamble
		}
	}

	var completeText strings.Builder
	var completeMu sync.Mutex

	sess.OnText(func(chunk string) {
		completeMu.Lock()
		completeText.WriteString(chunk)
		completeMu.Unlock()
		resp.OnText(ctx, chunk)
	})
	sess.OnToolUse(func(tu assistant.ToolUse) {
		resp.OnToolUse(ctx, tu)
		if result := r.mediator.HandleToolUse(ctx, threadID, channelID, tu.ID, tu.Name, tu.Input); result != nil {
			r.mu.Lock()
			r.toolUseThread[result.ToolUseID] = threadID
			r.mu.Unlock()
		}
	})
	sess.OnToolResult(func(tr assistant.ToolResult) {
		resp.OnToolResult(tr)
	})
	sess.OnComplete(func(s *assistant.Session) {
		resp.OnComplete(ctx)
		if err := r.reg.SaveStats(threadID); err != nil {
			r.logger.Printf("runner: save stats for thread %s: %v", threadID, err)
		}
		completeMu.Lock()
		full := completeText.String()
		completeMu.Unlock()
		r.maybeAnalysisFollowUp(ctx, threadID, channelID, sess, full)
		r.drainOrRelease(ctx, threadID, channelID)
	})
	sess.OnSystem(func(se assistant.SystemEvent) {
		r.logger.Printf("runner: system event thread=%s subtype=%s message=%s", threadID, se.Subtype, se.Message)
	})

	if err := r.reg.Touch(threadID); err != nil {
		r.logger.Printf("runner: touch thread %s: %v", threadID, err)
	}

	if !sess.SendTurn(turnText) {
		resp.Abort()
		r.drainOrRelease(ctx, threadID, channelID)
	}
}

// defaultHeartbeatTimeout bounds a heartbeat run when its definition sets
// no timeout_sec, per spec.md §4.8.
const defaultHeartbeatTimeout = 10 * time.Minute

// RunHeartbeat is the heartbeat.RunFunc the Scheduler dispatches for a due
// definition: posts a header identifying it as a heartbeat, then runs the
// same spawn/resume-and-stream turn runTurn uses for chat-driven messages,
// bounded by the definition's timeout. Returns once the turn completes,
// errors, or times out; per-run outcome is always logged by runTurn's own
// completion/error paths, so this only surfaces context-deadline errors
// the Scheduler records against the definition's LastError.
func (r *Runner) RunHeartbeat(ctx context.Context, def config.HeartbeatDef) error {
	timeout := defaultHeartbeatTimeout
	if def.TimeoutSec > 0 {
		timeout = time.Duration(def.TimeoutSec) * time.Second
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	threadID := def.ThreadID
	if threadID == "" {
		threadID = "heartbeat-" + def.Name
	}

	if _, err := r.adapter.CreatePost(runCtx, def.ChannelID, threadID, fmt.Sprintf("⏰ heartbeat: %s", def.Name)); err != nil {
		r.logger.Printf("runner: heartbeat %q: post header: %v", def.Name, err)
	}

	done := make(chan struct{})
	go func() {
		r.runTurn(runCtx, threadID, def.ChannelID, "heartbeat", def.Prompt)
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-runCtx.Done():
		return fmt.Errorf("runner: heartbeat %q: %w", def.Name, runCtx.Err())
	}
}

// drainOrRelease pops the next queued message for threadID and recurses,
// or releases the claim if the queue is empty, per the Message Queue
// protocol in spec.md §4.4. Uses the atomic Queue.PopOrRelease rather than
// composing PopNext and Release as separate calls — doing the check and
// the release in one critical section is what prevents a message enqueued
// concurrently with this call from being stranded with no worker.
func (r *Runner) drainOrRelease(ctx context.Context, threadID, channelID string) {
	if next, ok := r.queue.PopOrRelease(threadID); ok {
		go r.runTurn(ctx, threadID, channelID, "", next.Text)
	}
}

// resolveWorkingDir implements spec.md §4.11's resolution order: per-thread
// command-executor override, then channel-map config, else "".
func (r *Runner) resolveWorkingDir(threadID, channelID string) string {
	if override := r.executor.WorkingDirFor(threadID); override != "" {
		return override
	}
	for _, ch := range r.cfg.Channels {
		if ch.ID == channelID {
			return ch.WorkingDir
		}
	}
	return ""
}

// prepareMCPConfig writes this thread's MCP config file and returns its
// path plus the --permission-prompt-tool value to pass, per spec.md §6.1.
// The file is keyed by thread id rather than the not-yet-known assistant
// claude_session_id, since the config must exist before the session (and
// its id) is constructed; !stop/!kill remove it by thread id through
// KillThread, while the idle reaper stops the session and leaves the file
// in place. Write failures are logged and degrade to launching without an
// MCP config rather than aborting the turn.
func (r *Runner) prepareMCPConfig(threadID, channelID string) (mcpPath, permissionTool string) {
	binary := r.cfg.PermissionToolBinary
	if binary == "" {
		if exe, err := os.Executable(); err == nil {
			binary = exe
		}
	}
	if binary == "" {
		return "", ""
	}

	builtin := mcpconfig.Server{
		Command: binary,
		Args:    []string{permissionToolSubcommand},
		Env: map[string]string{
			"EARL_THREAD_ID":  threadID,
			"EARL_CHANNEL_ID": channelID,
		},
	}
	path, err := mcpconfig.Write(r.cfg.MCPDir(), threadID, permissionToolName, builtin, r.cfg.MCPServersPath())
	if err != nil {
		r.logger.Printf("runner: write mcp config for thread %s: %v", threadID, err)
		return "", ""
	}
	if r.cfg.SkipPermission {
		return path, ""
	}
	return path, permissionToolName
}

// transcriptPreamble implements spec.md §4.10 step 3's history-prefixing
// rule for newly created sessions.
func (r *Runner) transcriptPreamble(ctx context.Context, channelID, threadID, currentText string) string {
	history, err := r.adapter.ThreadHistory(ctx, channelID, threadID, 50)
	if err != nil || len(history) == 0 {
		return ""
	}

	botID := ""
	if b, ok := r.adapter.(chat.BotUserIDer); ok {
		botID = b.BotUserID()
	}

	var b strings.Builder
	for _, m := range history {
		if m.Text == currentText {
			continue
		}
		speaker := "User"
		if botID != "" && m.UserID == botID {
			speaker = "EARL"
		}
		fmt.Fprintf(&b, "%s: %s\n", speaker, m.Text)
	}
	if b.Len() == 0 {
		return ""
	}
	fmt.Fprintf(&b, "User's latest message: %s", currentText)
	return b.String()
}

func (r *Runner) maybeAnalysisFollowUp(ctx context.Context, threadID, channelID string, sess *assistant.Session, text string) {
	if len(text) < minFollowUpLen {
		return
	}
	if !analysisHeadingRe.MatchString(text) || suggestedFixRe.MatchString(text) {
		return
	}

	r.mu.Lock()
	if r.analysisSent[threadID] {
		r.mu.Unlock()
		return
	}
	r.analysisSent[threadID] = true
	r.mu.Unlock()

	sess.SendTurn("Please add a \"## Suggested Fixes\" section covering concrete remediation steps for the root cause above.")
}

// HandleReaction is the chat adapter's callback for reaction-add events.
func (r *Runner) HandleReaction(ctx context.Context, ev chat.ReactionEvent) {
	if len(r.cfg.AllowedUsers) > 0 && !r.isAllowed(ev.UserID) {
		return
	}

	if r.terminal != nil && r.terminal.HandleReaction(ev.PostID, ev.EmojiName) {
		return
	}

	result := r.mediator.HandleReaction(ctx, ev.PostID, ev.EmojiName)
	if result == nil {
		return
	}

	r.mu.Lock()
	threadID, ok := r.toolUseThread[result.ToolUseID]
	delete(r.toolUseThread, result.ToolUseID)
	r.mu.Unlock()
	if !ok {
		return
	}

	sess := r.reg.Get(threadID)
	if sess == nil {
		return
	}
	sess.SendTurn(result.AnswerText)
}

// KillThread implements command.Killer.
func (r *Runner) KillThread(threadID string) error {
	r.abortActiveResponse(threadID)
	if err := mcpconfig.RemoveForSession(r.cfg.MCPDir(), threadID); err != nil {
		r.logger.Printf("runner: remove mcp config for thread %s: %v", threadID, err)
	}
	return nil
}

// CleanupStaleMCPConfigs removes MCP config files for threads no longer
// known to the registry, meant to run once at startup after
// registry.ResumeAll (spec.md §4's cleanup_mcp_configs idempotency note).
func (r *Runner) CleanupStaleMCPConfigs() error {
	summaries, err := r.reg.Snapshot()
	if err != nil {
		return fmt.Errorf("runner: cleanup mcp configs: snapshot: %w", err)
	}
	active := make([]string, 0, len(summaries))
	for _, s := range summaries {
		active = append(active, s.ThreadID)
	}
	return mcpconfig.CleanupStale(r.cfg.MCPDir(), active)
}

// StartIdleReaper launches the idle reaper background task from spec.md
// §4.10: periodically stops sessions whose last_activity_at exceeds
// threshold and which are not already paused.
func (r *Runner) StartIdleReaper(ctx context.Context, pollInterval, threshold time.Duration) {
	r.idleStop = make(chan struct{})
	r.idleDone = make(chan struct{})

	go func() {
		defer close(r.idleDone)
		ticker := time.NewTicker(pollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-r.idleStop:
				return
			case <-ticker.C:
				r.reapIdle(threshold)
			}
		}
	}()
}

// reapIdle implements spec.md §4.10's idle reaper: stops any non-paused
// session whose last_activity_at exceeds threshold. Sessions with a zero
// last_activity_at (never touched) are left alone.
func (r *Runner) reapIdle(threshold time.Duration) {
	summaries, err := r.reg.Snapshot()
	if err != nil {
		r.logger.Printf("runner: idle reaper: snapshot: %v", err)
		return
	}
	now := time.Now()
	for _, s := range summaries {
		if s.IsPaused || s.LastActivityAt.IsZero() {
			continue
		}
		if now.Sub(s.LastActivityAt) <= threshold {
			continue
		}
		if err := r.reg.StopSession(s.ThreadID); err != nil {
			r.logger.Printf("runner: idle reaper: stop thread %s: %v", s.ThreadID, err)
		}
	}
}

// StopIdleReaper signals the idle reaper to shut down and blocks until it
// does.
func (r *Runner) StopIdleReaper() {
	if r.idleStop == nil {
		return
	}
	close(r.idleStop)
	<-r.idleDone
}

// ShuttingDown reports whether Shutdown has been invoked.
func (r *Runner) ShuttingDown() bool {
	return r.shuttingDown.Load()
}

// Shutdown implements spec.md §4.11: first invocation wins; later calls
// are no-ops. Pauses all sessions, stops the heartbeat scheduler and
// terminal monitor, and stops the idle reaper.
func (r *Runner) Shutdown(ctx context.Context) {
	if !r.shuttingDown.CompareAndSwap(false, true) {
		return
	}
	go func() {
		if err := r.reg.PauseAll(); err != nil {
			r.logger.Printf("runner: shutdown: pause_all: %v", err)
		}
		if r.heartbeats != nil {
			r.heartbeats.Stop()
		}
		if r.terminal != nil {
			r.terminal.Stop()
		}
		r.StopIdleReaper()
	}()
}

// Restart implements command.Restarter: same as Shutdown plus
// pending_restart=true (spec.md §4.11). The actual re-exec happens in
// cmd/earl once the main loop observes ShuttingDown() and exits.
func (r *Runner) Restart() error {
	r.pendingRestart.Store(true)
	r.Shutdown(context.Background())
	return nil
}

// Update implements command.Updater: same as Restart plus
// pending_update=true.
func (r *Runner) Update() error {
	r.pendingUpdate.Store(true)
	r.pendingRestart.Store(true)
	r.Shutdown(context.Background())
	return nil
}

// PendingRestart and PendingUpdate report post-shutdown intent for
// cmd/earl's main loop to act on after Shutdown's background task
// completes.
func (r *Runner) PendingRestart() bool { return r.pendingRestart.Load() }
func (r *Runner) PendingUpdate() bool  { return r.pendingUpdate.Load() }

// RestartOrigin returns the channel/thread/command name behind the most
// recent !restart or !update invocation, for cmd/earl's restart-context
// file (spec.md §4.11). Empty if restart/update was never invoked this
// process (e.g. a crash-triggered restart with no originating command).
func (r *Runner) RestartOrigin() (channelID, threadID, commandName string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.restartChannelID, r.restartThreadID, r.restartCommand
}
