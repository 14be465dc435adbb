package runner

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/earlbridge/earl/internal/assistant"
	"github.com/earlbridge/earl/internal/chat"
	"github.com/earlbridge/earl/internal/command"
	"github.com/earlbridge/earl/internal/config"
	"github.com/earlbridge/earl/internal/question"
	"github.com/earlbridge/earl/internal/queue"
	"github.com/earlbridge/earl/internal/registry"
)

// fakeBinary writes a tiny "exec cat" shell script, enough to let assistant
// sessions start and stay alive without a real Claude Code binary. It never
// emits valid event JSON, so OnComplete callbacks never fire from it — fine
// for tests that only exercise dispatch, allow-list, and shutdown plumbing.
func fakeBinary(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fake-claude.sh")
	if err := os.WriteFile(path, []byte("#!/bin/sh\nexec cat\n"), 0755); err != nil {
		t.Fatalf("write fake binary: %v", err)
	}
	return path
}

type testRunner struct {
	*Runner
	store *registry.Store
}

func newTestRunner(t *testing.T) (*testRunner, *registry.Registry, *chat.MockAdapter) {
	t.Helper()
	binary := fakeBinary(t)
	store := registry.NewStore(filepath.Join(t.TempDir(), "sessions.json"))
	spawn := func(opts assistant.Opts) (*assistant.Session, error) {
		opts.Binary = binary
		return assistant.New(opts)
	}
	reg := registry.New(store, spawn)
	mock := chat.NewMockAdapter()
	mediator := question.New(mock)
	cfg := &config.Config{ConfigRoot: t.TempDir(), PermissionToolBinary: "/usr/local/bin/earl"}
	executor := command.New(reg, nil, nil, nil)
	r := New(mock, reg, queue.New(), mediator, executor, cfg, nil, nil)
	return &testRunner{Runner: r, store: store}, reg, mock
}

func TestIsAllowed_EmptyListAllowsEveryone(t *testing.T) {
	r, _, _ := newTestRunner(t)
	if !r.isAllowed("anyone") {
		t.Error("expected empty allow-list to allow everyone")
	}
}

func TestIsAllowed_NonEmptyListRejectsUnknown(t *testing.T) {
	r, _, _ := newTestRunner(t)
	r.cfg.AllowedUsers = []string{"alice"}
	if r.isAllowed("mallory") {
		t.Error("expected mallory to be rejected")
	}
	if !r.isAllowed("alice") {
		t.Error("expected alice to be allowed")
	}
}

func TestHandleInboundMessage_SelfMessageIsFiltered(t *testing.T) {
	r, _, mock := newTestRunner(t)
	mock.SetBotUserID("bot-1")
	mock.SimulateInbound(chat.InboundMessage{UserID: "bot-1", UserName: "earl", ChannelID: "c1", ThreadID: "t1", Text: "hello"})

	ch, _ := mock.Listen(context.Background())
	select {
	case msg := <-ch:
		r.HandleInboundMessage(context.Background(), msg)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for simulated inbound message")
	}

	if n := mock.SentCount(""); n != 0 {
		t.Errorf("sent count = %d, want 0 for self-authored message", n)
	}
}

func TestHandleInboundMessage_DisallowedUserIsIgnored(t *testing.T) {
	r, _, mock := newTestRunner(t)
	r.cfg.AllowedUsers = []string{"alice"}

	r.HandleInboundMessage(context.Background(), chat.InboundMessage{
		UserID: "u2", UserName: "mallory", ChannelID: "c1", ThreadID: "t1", Text: "hi",
	})

	if n := mock.SentCount(""); n != 0 {
		t.Errorf("sent count = %d, want 0 for disallowed user", n)
	}
}

func TestHandleInboundMessage_HelpCommandRepliesWithoutSpawningSession(t *testing.T) {
	r, reg, mock := newTestRunner(t)

	r.HandleInboundMessage(context.Background(), chat.InboundMessage{
		UserID: "u1", UserName: "alice", ChannelID: "c1", ThreadID: "t1", Text: "!help",
	})

	if n := mock.SentCount("create"); n != 1 {
		t.Fatalf("create count = %d, want 1 (help reply)", n)
	}
	if reg.Get("t1") != nil {
		t.Error("expected !help to never spawn a session")
	}
}

func TestHandleInboundMessage_EscapePassesThroughAsTurn(t *testing.T) {
	r, reg, _ := newTestRunner(t)

	r.HandleInboundMessage(context.Background(), chat.InboundMessage{
		UserID: "u1", UserName: "alice", ChannelID: "c1", ThreadID: "t1", Text: "!escape !not-a-command",
	})

	deadline := time.Now().Add(2 * time.Second)
	for reg.Get("t1") == nil && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if reg.Get("t1") == nil {
		t.Fatal("expected !escape to submit a turn and spawn a session")
	}
}

func TestHandleInboundMessage_StopAbortsActiveResponseAndKillsSession(t *testing.T) {
	r, reg, _ := newTestRunner(t)
	sess, err := reg.GetOrCreate(context.Background(), "t1", registry.SessionConfig{})
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	_ = sess

	r.mu.Lock()
	r.activeResponse["t1"] = nil // stands in for an in-flight response; !stop must drop the entry
	r.mu.Unlock()

	r.HandleInboundMessage(context.Background(), chat.InboundMessage{
		UserID: "u1", UserName: "alice", ChannelID: "c1", ThreadID: "t1", Text: "!stop",
	})

	r.mu.Lock()
	_, stillActive := r.activeResponse["t1"]
	r.mu.Unlock()
	if stillActive {
		t.Error("expected !stop to abort the thread's active response")
	}
	if reg.Get("t1") != nil {
		t.Error("expected !stop to kill the thread's session")
	}
}

func TestAbortActiveResponse_NoOpWhenNoneActive(t *testing.T) {
	r, _, _ := newTestRunner(t)
	r.abortActiveResponse("no-such-thread") // must not panic
}

func TestResolveWorkingDir_PrefersExecutorOverrideThenChannelConfig(t *testing.T) {
	r, _, _ := newTestRunner(t)
	r.cfg.Channels = []config.Channel{{ID: "c1", WorkingDir: "/from/channel"}}

	if got := r.resolveWorkingDir("t1", "c1"); got != "/from/channel" {
		t.Errorf("resolveWorkingDir = %q, want /from/channel", got)
	}

	if res, err := r.executor.Execute(command.Command{Name: "cwd", Args: []string{"/from/override"}}, "t1", "c1"); err != nil || res == nil {
		t.Fatalf("Execute(cwd): res=%+v err=%v", res, err)
	}
	if got := r.resolveWorkingDir("t1", "c1"); got != "/from/override" {
		t.Errorf("resolveWorkingDir = %q, want /from/override", got)
	}
}

func TestTranscriptPreamble_FormatsHistoryExcludingCurrentMessage(t *testing.T) {
	r, _, mock := newTestRunner(t)
	mock.SetBotUserID("bot-1")
	mock.SetThreadHistory("c1", "t1", []chat.ThreadMessage{
		{UserID: "u1", UserName: "alice", Text: "first question"},
		{UserID: "bot-1", UserName: "earl", Text: "first answer"},
		{UserID: "u1", UserName: "alice", Text: "current message"},
	})

	got := r.transcriptPreamble(context.Background(), "c1", "t1", "current message")
	if got == "" {
		t.Fatal("expected a non-empty preamble")
	}
	if !contains(got, "User: first question") || !contains(got, "EARL: first answer") {
		t.Errorf("preamble missing expected lines: %q", got)
	}
	if contains(got, "User: current message") {
		t.Errorf("preamble should exclude the current message from history lines: %q", got)
	}
	if !contains(got, "User's latest message: current message") {
		t.Errorf("preamble missing trailing current-message marker: %q", got)
	}
}

func TestTranscriptPreamble_EmptyHistoryReturnsEmptyString(t *testing.T) {
	r, _, _ := newTestRunner(t)
	if got := r.transcriptPreamble(context.Background(), "c1", "t1", "hi"); got != "" {
		t.Errorf("transcriptPreamble = %q, want empty for no history", got)
	}
}

func TestMaybeAnalysisFollowUp_SkipsShortText(t *testing.T) {
	r, reg, _ := newTestRunner(t)
	sess, err := reg.GetOrCreate(context.Background(), "t1", registry.SessionConfig{})
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	defer sess.Kill()

	r.maybeAnalysisFollowUp(context.Background(), "t1", "c1", sess, "## Root Cause\nshort")

	r.mu.Lock()
	sent := r.analysisSent["t1"]
	r.mu.Unlock()
	if sent {
		t.Error("expected no follow-up for text under minFollowUpLen")
	}
}

func TestMaybeAnalysisFollowUp_SkipsWhenSuggestedFixAlreadyPresent(t *testing.T) {
	r, reg, _ := newTestRunner(t)
	sess, err := reg.GetOrCreate(context.Background(), "t1", registry.SessionConfig{})
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	defer sess.Kill()

	text := "## Root Cause\n" + pad(400) + "\n## Suggested Fixes\nalready here"
	r.maybeAnalysisFollowUp(context.Background(), "t1", "c1", sess, text)

	r.mu.Lock()
	sent := r.analysisSent["t1"]
	r.mu.Unlock()
	if sent {
		t.Error("expected no follow-up when a suggested-fixes section is already present")
	}
}

func TestMaybeAnalysisFollowUp_FiresOnceForMatchingText(t *testing.T) {
	r, reg, _ := newTestRunner(t)
	sess, err := reg.GetOrCreate(context.Background(), "t1", registry.SessionConfig{})
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	defer sess.Kill()

	text := "## Root Cause\n" + pad(400)
	r.maybeAnalysisFollowUp(context.Background(), "t1", "c1", sess, text)

	r.mu.Lock()
	sent := r.analysisSent["t1"]
	r.mu.Unlock()
	if !sent {
		t.Fatal("expected follow-up to fire for a long root-cause analysis")
	}

	// second call for the same thread must not re-trigger (one-shot).
	r.maybeAnalysisFollowUp(context.Background(), "t1", "c1", sess, text)
	r.mu.Lock()
	count := len(r.analysisSent)
	r.mu.Unlock()
	if count != 1 {
		t.Errorf("analysisSent has %d entries, want 1", count)
	}
}

func TestPrepareMCPConfig_WritesFileAndReturnsPermissionToolWhenNotSkipping(t *testing.T) {
	r, _, _ := newTestRunner(t)
	path, tool := r.prepareMCPConfig("t1", "c1")
	if path == "" {
		t.Fatal("expected a non-empty mcp config path")
	}
	if tool != permissionToolName {
		t.Errorf("permissionTool = %q, want %q", tool, permissionToolName)
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("expected mcp config file to exist: %v", err)
	}
}

func TestPrepareMCPConfig_OmitsPermissionToolWhenSkipping(t *testing.T) {
	r, _, _ := newTestRunner(t)
	r.cfg.SkipPermission = true
	path, tool := r.prepareMCPConfig("t1", "c1")
	if path == "" {
		t.Fatal("expected mcp config to still be written when skipping permissions")
	}
	if tool != "" {
		t.Errorf("permissionTool = %q, want empty when SkipPermission is true", tool)
	}
}

func TestCleanupStaleMCPConfigs_RemovesConfigsForUnknownThreads(t *testing.T) {
	r, reg, _ := newTestRunner(t)
	if _, err := reg.GetOrCreate(context.Background(), "kept", registry.SessionConfig{}); err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	keptPath, _ := r.prepareMCPConfig("kept", "c1")
	stalePath, _ := r.prepareMCPConfig("stale", "c1")

	if err := r.CleanupStaleMCPConfigs(); err != nil {
		t.Fatalf("CleanupStaleMCPConfigs: %v", err)
	}

	if _, err := os.Stat(keptPath); err != nil {
		t.Errorf("expected kept thread's mcp config to survive cleanup: %v", err)
	}
	if _, err := os.Stat(stalePath); err == nil {
		t.Error("expected stale thread's mcp config to be removed")
	}
}

func TestKillThread_ImplementsCommandKiller(t *testing.T) {
	r, _, _ := newTestRunner(t)
	var _ command.Killer = r
	if err := r.KillThread("t1"); err != nil {
		t.Errorf("KillThread: %v", err)
	}
}

func TestShutdown_FirstInvocationWinsAndPausesSessions(t *testing.T) {
	r, reg, _ := newTestRunner(t)
	if _, err := reg.GetOrCreate(context.Background(), "t1", registry.SessionConfig{}); err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}

	r.Shutdown(context.Background())
	r.Shutdown(context.Background()) // second call must be a no-op, not double-pause

	if !r.ShuttingDown() {
		t.Fatal("expected ShuttingDown() to report true after Shutdown")
	}

	deadline := time.Now().Add(2 * time.Second)
	for reg.Get("t1") != nil && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if reg.Get("t1") != nil {
		t.Error("expected Shutdown to pause (kill) the live session")
	}
}

func TestRestart_SetsPendingRestartAndShutsDown(t *testing.T) {
	r, _, _ := newTestRunner(t)
	if err := r.Restart(); err != nil {
		t.Fatalf("Restart: %v", err)
	}
	if !r.PendingRestart() {
		t.Error("expected PendingRestart() to be true")
	}
	if r.PendingUpdate() {
		t.Error("expected PendingUpdate() to remain false after Restart")
	}
	if !r.ShuttingDown() {
		t.Error("expected Restart to trigger Shutdown")
	}
}

func TestUpdate_SetsBothPendingFlags(t *testing.T) {
	r, _, _ := newTestRunner(t)
	if err := r.Update(); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if !r.PendingRestart() || !r.PendingUpdate() {
		t.Error("expected Update to set both pending_restart and pending_update")
	}
}

func TestReapIdle_StopsOnlyStaleNonPausedThreads(t *testing.T) {
	r, reg, _ := newTestRunner(t)

	if err := reg.Touch("stale"); err != nil {
		t.Fatalf("Touch(stale): %v", err)
	}
	if err := reg.Touch("fresh"); err != nil {
		t.Fatalf("Touch(fresh): %v", err)
	}

	// Back-date "stale"'s last_activity_at directly through the shared
	// store file, since Touch always stamps time.Now().
	persisted, err := r.store.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	stalePS := persisted["stale"]
	stalePS.LastActivityAt = time.Now().Add(-time.Hour)
	persisted["stale"] = stalePS
	if err := r.store.Save(persisted); err != nil {
		t.Fatalf("Save: %v", err)
	}

	r.reapIdle(10 * time.Minute)

	after, err := r.store.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if _, ok := after["stale"]; ok {
		t.Error("expected the stale thread's persisted record to be removed")
	}
	if _, ok := after["fresh"]; !ok {
		t.Error("expected the recently-touched thread to survive reaping")
	}
}

func TestReapIdle_LeavesZeroLastActivityAlone(t *testing.T) {
	r, _, _ := newTestRunner(t)
	persisted, err := r.store.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	persisted["never-touched"] = registry.PersistedSession{ThreadID: "never-touched"}
	if err := r.store.Save(persisted); err != nil {
		t.Fatalf("Save: %v", err)
	}

	r.reapIdle(time.Millisecond)

	after, err := r.store.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if _, ok := after["never-touched"]; !ok {
		t.Error("expected a zero-last-activity thread to be left alone")
	}
}

func pad(n int) string {
	b := make([]byte, n)
	for i := range b {
		b[i] = 'x'
	}
	return string(b)
}

func contains(haystack, needle string) bool {
	return len(haystack) >= len(needle) && (func() bool {
		for i := 0; i+len(needle) <= len(haystack); i++ {
			if haystack[i:i+len(needle)] == needle {
				return true
			}
		}
		return false
	})()
}
