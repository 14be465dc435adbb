package terminal

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/earlbridge/earl/internal/chat"
)

// SessionInfo is one registered pane, per spec.md §3.
type SessionInfo struct {
	Name       string // multiplexer key (pane id)
	ChannelID  string
	ThreadID   string
	WorkingDir string
	Prompt     string
	CreatedAt  time.Time
}

type paneTracking struct {
	info          SessionInfo
	lastState     State
	haveState     bool
	lastHash      string
	stallCount    int
	pendingPostID string // non-empty while a question/permission prompt awaits a reaction
	pendingKind   string // "question" or "permission"
}

// DefaultPollInterval matches spec.md §4.9's ~45s default; tests lower it.
const DefaultPollInterval = 45 * time.Second

// Monitor polls registered panes and mediates their question/permission
// prompts, grounded on the teacher's internal/telegraph/watcher.go
// poll/classify/alert-on-transition loop.
type Monitor struct {
	tmux     Tmux
	adapter  chat.Adapter
	interval time.Duration
	logger   *log.Logger

	mu    sync.Mutex
	panes map[string]*paneTracking // keyed by pane name

	stop chan struct{}
	done chan struct{}
}

// New constructs a Monitor. interval <= 0 uses DefaultPollInterval.
func New(tmux Tmux, adapter chat.Adapter, interval time.Duration) *Monitor {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &Monitor{
		tmux:     tmux,
		adapter:  adapter,
		interval: interval,
		logger:   log.Default(),
		panes:    make(map[string]*paneTracking),
	}
}

// Register adds a pane to be monitored.
func (m *Monitor) Register(info SessionInfo) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.panes[info.Name] = &paneTracking{info: info}
}

// Unregister removes a pane immediately.
func (m *Monitor) Unregister(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.panes, name)
}

// PaneSnapshot is one registered pane's read-only state, for the admin
// dashboard (internal/dashboard).
type PaneSnapshot struct {
	SessionInfo
	State      State
	HaveState  bool
	PendingKind string
}

// Snapshot lists every currently registered pane, mirroring
// registry.Registry.Snapshot's read-only rollup shape.
func (m *Monitor) Snapshot() []PaneSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]PaneSnapshot, 0, len(m.panes))
	for _, pt := range m.panes {
		out = append(out, PaneSnapshot{
			SessionInfo: pt.info,
			State:       pt.lastState,
			HaveState:   pt.haveState,
			PendingKind: pt.pendingKind,
		})
	}
	return out
}

// Start launches the poll loop in a background goroutine, catching and
// logging any per-poll panic and continuing, per spec.md §4.9's lifecycle
// note. Call Stop to shut it down.
func (m *Monitor) Start(ctx context.Context) {
	m.stop = make(chan struct{})
	m.done = make(chan struct{})

	go func() {
		defer close(m.done)
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-m.stop:
				return
			case <-ticker.C:
				m.pollSafe(ctx)
			}
		}
	}()
}

// Stop signals the poll loop to shut down and waits up to 5 seconds for it
// to exit. A loop still running after that is logged and left running; it
// is not forcibly terminated.
func (m *Monitor) Stop() {
	if m.stop == nil {
		return
	}
	close(m.stop)
	select {
	case <-m.done:
	case <-time.After(5 * time.Second):
		m.logger.Printf("terminal: poll loop did not stop in time")
	}
}

func (m *Monitor) pollSafe(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Printf("terminal: poll panic: %v", r)
		}
	}()
	m.poll(ctx)
}

func (m *Monitor) poll(ctx context.Context) {
	m.mu.Lock()
	names := make([]string, 0, len(m.panes))
	for name := range m.panes {
		names = append(names, name)
	}
	m.mu.Unlock()

	for _, name := range names {
		m.pollOne(ctx, name)
	}
}

func (m *Monitor) pollOne(ctx context.Context, name string) {
	m.mu.Lock()
	pt, ok := m.panes[name]
	m.mu.Unlock()
	if !ok {
		return
	}

	if !m.tmux.PaneExists(name) {
		m.tombstone(ctx, pt)
		m.mu.Lock()
		delete(m.panes, name)
		m.mu.Unlock()
		return
	}

	text, err := m.tmux.CapturePane(name)
	if err != nil {
		m.logger.Printf("terminal: capture pane %s: %v", name, err)
		return
	}

	hash := hashCapture(text)

	m.mu.Lock()
	if hash == pt.lastHash {
		pt.stallCount++
	} else {
		pt.stallCount = 0
		pt.lastHash = hash
	}
	stallCount := pt.stallCount
	m.mu.Unlock()

	state := classify(text, stallCount)

	m.mu.Lock()
	changed := !pt.haveState || state != pt.lastState
	pt.lastState = state
	pt.haveState = true
	m.mu.Unlock()

	if changed {
		m.onTransition(ctx, pt, state, text)
	}
}

func (m *Monitor) tombstone(ctx context.Context, pt *paneTracking) {
	msg := fmt.Sprintf("⚰️ terminal session %s is gone.", pt.info.Name)
	if _, err := m.adapter.CreatePost(ctx, pt.info.ChannelID, pt.info.ThreadID, msg); err != nil {
		m.logger.Printf("terminal: tombstone post failed: %v", err)
	}
}

func (m *Monitor) onTransition(ctx context.Context, pt *paneTracking, state State, text string) {
	switch state {
	case StateCompleted:
		m.post(ctx, pt, "✅ terminal session completed.")
	case StateErrored:
		m.post(ctx, pt, "❌ terminal session errored.\n```\n"+lastNLines(text, 10)+"\n```")
	case StateStalled:
		m.post(ctx, pt, "⏳ terminal session appears stalled.")
	case StateAskingQuestion:
		m.handleAskingQuestion(ctx, pt, text)
	case StateRequestingPermission:
		m.handleRequestingPermission(ctx, pt)
	case StateRunning:
		// no alert
	}
}

func (m *Monitor) post(ctx context.Context, pt *paneTracking, text string) {
	if _, err := m.adapter.CreatePost(ctx, pt.info.ChannelID, pt.info.ThreadID, text); err != nil {
		m.logger.Printf("terminal: post failed: %v", err)
	}
}

func (m *Monitor) handleAskingQuestion(ctx context.Context, pt *paneTracking, text string) {
	m.mu.Lock()
	already := pt.pendingPostID != ""
	m.mu.Unlock()
	if already {
		return
	}

	q := questionFromPane(text)
	if q == nil {
		return
	}

	var b strings.Builder
	b.WriteString(q.Text)
	for i, opt := range q.Options {
		fmt.Fprintf(&b, "\n%d. %s", i+1, opt)
	}
	postID, err := m.adapter.CreatePost(ctx, pt.info.ChannelID, pt.info.ThreadID, b.String())
	if err != nil {
		m.logger.Printf("terminal: post question failed: %v", err)
		return
	}

	m.mu.Lock()
	pt.pendingPostID = postID
	pt.pendingKind = "question"
	m.mu.Unlock()

	m.addReactions(ctx, postID, len(q.Options))
}

func (m *Monitor) handleRequestingPermission(ctx context.Context, pt *paneTracking) {
	m.mu.Lock()
	already := pt.pendingPostID != ""
	m.mu.Unlock()
	if already {
		return
	}

	postID, err := m.adapter.CreatePost(ctx, pt.info.ChannelID, pt.info.ThreadID, "🔒 the process is requesting permission. React to allow or deny.")
	if err != nil {
		m.logger.Printf("terminal: post permission prompt failed: %v", err)
		return
	}

	m.mu.Lock()
	pt.pendingPostID = postID
	pt.pendingKind = "permission"
	m.mu.Unlock()

	for _, emoji := range []string{"white_check_mark", "x"} {
		if err := m.adapter.AddReaction(ctx, postID, emoji); err != nil {
			m.logger.Printf("terminal: add reaction %s failed: %v", emoji, err)
		}
	}
}

func (m *Monitor) addReactions(ctx context.Context, postID string, n int) {
	names := []string{"one", "two", "three", "four"}
	if n > len(names) {
		n = len(names)
	}
	for i := 0; i < n; i++ {
		if err := m.adapter.AddReaction(ctx, postID, names[i]); err != nil {
			m.logger.Printf("terminal: add reaction %s failed: %v", names[i], err)
		}
	}
}

// HandleReaction routes an emoji reaction to the pane awaiting it: for a
// question, sends the 1-based digit + Enter; for a permission prompt,
// sends "y" or "n". Removes the pending interaction on success; on
// send failure leaves it in place for retry. Returns false if postID
// matches no pane's pending interaction.
func (m *Monitor) HandleReaction(postID, emojiName string) bool {
	m.mu.Lock()
	var target *paneTracking
	var paneName string
	for name, pt := range m.panes {
		if pt.pendingPostID == postID {
			target = pt
			paneName = name
			break
		}
	}
	m.mu.Unlock()
	if target == nil {
		return false
	}

	var keys string
	switch target.pendingKind {
	case "question":
		idx, ok := map[string]int{"one": 1, "two": 2, "three": 3, "four": 4}[emojiName]
		if !ok {
			return false
		}
		keys = fmt.Sprintf("%d", idx)
	case "permission":
		switch emojiName {
		case "white_check_mark":
			keys = "y"
		case "x":
			keys = "n"
		default:
			return false
		}
	default:
		return false
	}

	if err := m.tmux.SendKeys(paneName, keys); err != nil {
		m.logger.Printf("terminal: send keys to %s failed: %v", paneName, err)
		return false
	}

	m.mu.Lock()
	target.pendingPostID = ""
	target.pendingKind = ""
	m.mu.Unlock()
	return true
}

func lastNLines(text string, n int) string {
	lines := strings.Split(strings.TrimRight(text, "\n"), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}
