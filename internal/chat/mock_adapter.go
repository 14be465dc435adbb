package chat

import (
	"context"
	"fmt"
	"sync"
)

// SentPost records one CreatePost/UpdatePost/DeletePost/AddReaction call
// for test assertions.
type SentPost struct {
	Action    string // "create", "update", "delete", "reaction"
	PostID    string
	ChannelID string
	ThreadID  string
	Text      string
	EmojiName string
}

// MockAdapter is an in-memory Adapter for tests, grounded on the teacher's
// internal/telegraph/mock_adapter.go.
type MockAdapter struct {
	mu        sync.Mutex
	connected bool
	closed    bool

	inbound   chan InboundMessage
	reactions chan ReactionEvent

	sent      []SentPost
	history   map[string][]ThreadMessage // key: channelID+"/"+threadID
	botUserID string
	nextPost  int
}

// NewMockAdapter returns a ready-to-use MockAdapter.
func NewMockAdapter() *MockAdapter {
	return &MockAdapter{
		inbound:   make(chan InboundMessage, 64),
		reactions: make(chan ReactionEvent, 64),
		history:   make(map[string][]ThreadMessage),
	}
}

func (m *MockAdapter) Connect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = true
	return nil
}

func (m *MockAdapter) Listen(ctx context.Context) (<-chan InboundMessage, error) {
	return m.inbound, nil
}

func (m *MockAdapter) Reactions(ctx context.Context) (<-chan ReactionEvent, error) {
	return m.reactions, nil
}

func (m *MockAdapter) CreatePost(ctx context.Context, channelID, threadID, text string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextPost++
	id := fmt.Sprintf("post-%d", m.nextPost)
	m.sent = append(m.sent, SentPost{Action: "create", PostID: id, ChannelID: channelID, ThreadID: threadID, Text: text})
	return id, nil
}

func (m *MockAdapter) UpdatePost(ctx context.Context, postID, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, SentPost{Action: "update", PostID: postID, Text: text})
	return nil
}

func (m *MockAdapter) DeletePost(ctx context.Context, postID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, SentPost{Action: "delete", PostID: postID})
	return nil
}

func (m *MockAdapter) AddReaction(ctx context.Context, postID, emojiName string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, SentPost{Action: "reaction", PostID: postID, EmojiName: emojiName})
	return nil
}

func (m *MockAdapter) ThreadHistory(ctx context.Context, channelID, threadID string, limit int) ([]ThreadMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msgs := m.history[channelID+"/"+threadID]
	if len(msgs) > limit && limit > 0 {
		msgs = msgs[len(msgs)-limit:]
	}
	out := make([]ThreadMessage, len(msgs))
	copy(out, msgs)
	return out, nil
}

func (m *MockAdapter) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *MockAdapter) BotUserID() string { return m.botUserID }

func (m *MockAdapter) StartTyping(ctx context.Context, channelID, threadID string) error {
	return nil
}

// --- test helpers ---

func (m *MockAdapter) SetBotUserID(id string) { m.botUserID = id }

// SimulateInbound delivers an InboundMessage as if received from the platform.
func (m *MockAdapter) SimulateInbound(msg InboundMessage) {
	m.mu.Lock()
	key := msg.ChannelID + "/" + msg.ThreadID
	m.history[key] = append(m.history[key], ThreadMessage{UserID: msg.UserID, UserName: msg.UserName, Text: msg.Text, Timestamp: msg.Timestamp})
	m.mu.Unlock()
	m.inbound <- msg
}

// SimulateReaction delivers a ReactionEvent as if received from the platform.
func (m *MockAdapter) SimulateReaction(ev ReactionEvent) {
	m.reactions <- ev
}

// SetThreadHistory seeds ThreadHistory's return value for a channel/thread.
func (m *MockAdapter) SetThreadHistory(channelID, threadID string, msgs []ThreadMessage) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.history[channelID+"/"+threadID] = msgs
}

// AllSent returns every recorded post action, in call order.
func (m *MockAdapter) AllSent() []SentPost {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]SentPost, len(m.sent))
	copy(out, m.sent)
	return out
}

// LastSent returns the most recent recorded post action, or the zero value
// if none occurred.
func (m *MockAdapter) LastSent() SentPost {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.sent) == 0 {
		return SentPost{}
	}
	return m.sent[len(m.sent)-1]
}

// SentCount returns the number of recorded actions matching action (or all,
// if action is "").
func (m *MockAdapter) SentCount(action string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if action == "" {
		return len(m.sent)
	}
	n := 0
	for _, s := range m.sent {
		if s.Action == action {
			n++
		}
	}
	return n
}
