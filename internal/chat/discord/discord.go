// Package discord implements chat.Adapter for Discord using the Gateway
// WebSocket.
//
// Adapted from the teacher's internal/telegraph/discord package: same
// injectable session interface and realSession wrapper, same Ready/
// Disconnect/Resumed handler registration and rate-limit retry helper.
// Retargeted from the teacher's single Send(OutboundMessage) onto
// chat.Adapter's explicit CreatePost/UpdatePost/DeletePost/AddReaction
// primitives (a channelID|messageID composite postID, mirroring
// internal/chat/slack's channel|timestamp encoding) and added a
// MessageReactionAdd handler for Reactions() support.
package discord

import (
	"context"
	"fmt"
	"log"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/earlbridge/earl/internal/chat"
)

const (
	maxRetries           = 3
	baseBackoff          = 2 * time.Second
	maxBackoff           = 2 * time.Minute
	maxReconnectAttempts = 10
	defaultPageSize      = 100
)

// session abstracts the discordgo.Session methods used, enabling test mocks.
type session interface {
	Open() error
	Close() error
	Channel(channelID string) (*discordgo.Channel, error)
	ChannelMessageSend(channelID, content string, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelMessageEdit(channelID, messageID, content string, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelMessageDelete(channelID, messageID string, options ...discordgo.RequestOption) error
	MessageReactionAdd(channelID, messageID, emojiID string, options ...discordgo.RequestOption) error
	ChannelMessages(channelID string, limit int, beforeID, afterID, aroundID string, options ...discordgo.RequestOption) ([]*discordgo.Message, error)
	AddHandler(handler interface{}) func()
}

type realSession struct{ s *discordgo.Session }

func (r *realSession) Open() error  { return r.s.Open() }
func (r *realSession) Close() error { return r.s.Close() }
func (r *realSession) Channel(channelID string) (*discordgo.Channel, error) {
	return r.s.State.Channel(channelID)
}
func (r *realSession) ChannelMessageSend(channelID, content string, options ...discordgo.RequestOption) (*discordgo.Message, error) {
	return r.s.ChannelMessageSend(channelID, content, options...)
}
func (r *realSession) ChannelMessageEdit(channelID, messageID, content string, options ...discordgo.RequestOption) (*discordgo.Message, error) {
	return r.s.ChannelMessageEdit(channelID, messageID, content, options...)
}
func (r *realSession) ChannelMessageDelete(channelID, messageID string, options ...discordgo.RequestOption) error {
	return r.s.ChannelMessageDelete(channelID, messageID, options...)
}
func (r *realSession) MessageReactionAdd(channelID, messageID, emojiID string, options ...discordgo.RequestOption) error {
	return r.s.MessageReactionAdd(channelID, messageID, emojiID, options...)
}
func (r *realSession) ChannelMessages(channelID string, limit int, beforeID, afterID, aroundID string, options ...discordgo.RequestOption) ([]*discordgo.Message, error) {
	return r.s.ChannelMessages(channelID, limit, beforeID, afterID, aroundID, options...)
}
func (r *realSession) AddHandler(handler interface{}) func() { return r.s.AddHandler(handler) }

// Adapter implements chat.Adapter for Discord via the Gateway WebSocket.
type Adapter struct {
	sess          session
	botToken      string
	channelID     string
	botUserID     string
	mu            sync.Mutex
	connected     bool
	closed        bool
	inbound       chan chat.InboundMessage
	reactions     chan chat.ReactionEvent
	cancelFunc    context.CancelFunc
	removeHandler func()
	removeReact   func()
}

// AdapterOpts holds parameters for creating a Discord Adapter.
type AdapterOpts struct {
	BotToken  string
	ChannelID string

	// For testing: inject a fake session instead of the real Discord API.
	Session session
}

// New creates a Discord Adapter.
func New(opts AdapterOpts) (*Adapter, error) {
	if opts.Session == nil && opts.BotToken == "" {
		return nil, fmt.Errorf("discord: bot token is required")
	}
	a := &Adapter{
		botToken:  opts.BotToken,
		channelID: opts.ChannelID,
		inbound:   make(chan chat.InboundMessage, 100),
		reactions: make(chan chat.ReactionEvent, 100),
	}
	if opts.Session != nil {
		a.sess = opts.Session
	}
	return a, nil
}

// postID encodes a Discord channel+message id pair into chat.Adapter's
// single opaque postID string.
func postID(channelID, messageID string) string { return channelID + "|" + messageID }

func splitPostID(id string) (channelID, messageID string, ok bool) {
	parts := strings.SplitN(id, "|", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}

// Connect establishes the Discord Gateway WebSocket connection.
func (a *Adapter) Connect(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return fmt.Errorf("discord: adapter already closed")
	}
	if a.connected {
		return nil
	}
	if a.sess == nil {
		dg, err := discordgo.New("Bot " + a.botToken)
		if err != nil {
			return fmt.Errorf("discord: create session: %w", err)
		}
		dg.Identify.Intents = discordgo.IntentsGuildMessages | discordgo.IntentsMessageContent | discordgo.IntentsGuildMessageReactions
		a.sess = &realSession{s: dg}
	}

	a.sess.AddHandler(func(_ *discordgo.Session, r *discordgo.Ready) {
		a.mu.Lock()
		a.botUserID = r.User.ID
		a.mu.Unlock()
		log.Printf("discord: connected as %s (ID: %s)", r.User.Username, r.User.ID)
	})
	a.sess.AddHandler(func(_ *discordgo.Session, d *discordgo.Disconnect) {
		log.Printf("discord: gateway disconnected, discordgo will auto-reconnect")
	})
	a.sess.AddHandler(func(_ *discordgo.Session, r *discordgo.Resumed) {
		log.Printf("discord: gateway session resumed")
	})

	if err := a.sess.Open(); err != nil {
		return fmt.Errorf("discord: open gateway: %w", err)
	}
	a.connected = true
	return nil
}

// Listen registers a message handler and returns the inbound channel.
func (a *Adapter) Listen(ctx context.Context) (<-chan chat.InboundMessage, error) {
	a.mu.Lock()
	if !a.connected {
		a.mu.Unlock()
		return nil, fmt.Errorf("discord: not connected")
	}
	listenCtx, cancel := context.WithCancel(ctx)
	a.cancelFunc = cancel
	a.mu.Unlock()

	remove := a.sess.AddHandler(func(_ *discordgo.Session, m *discordgo.MessageCreate) {
		a.handleMessage(m)
	})
	a.mu.Lock()
	a.removeHandler = remove
	a.mu.Unlock()

	go func() { <-listenCtx.Done() }()
	return a.inbound, nil
}

// Reactions registers a reaction-add handler and returns the reactions
// channel.
func (a *Adapter) Reactions(ctx context.Context) (<-chan chat.ReactionEvent, error) {
	a.mu.Lock()
	if !a.connected {
		a.mu.Unlock()
		return nil, fmt.Errorf("discord: not connected")
	}
	a.mu.Unlock()

	remove := a.sess.AddHandler(func(_ *discordgo.Session, r *discordgo.MessageReactionAdd) {
		a.handleReactionAdd(r)
	})
	a.mu.Lock()
	a.removeReact = remove
	a.mu.Unlock()

	return a.reactions, nil
}

// CreatePost sends a new message. In Discord, threads are channels — if
// threadID is set, the message is sent directly into it.
func (a *Adapter) CreatePost(ctx context.Context, channelID, threadID, text string) (string, error) {
	a.mu.Lock()
	if !a.connected {
		a.mu.Unlock()
		return "", fmt.Errorf("discord: not connected")
	}
	a.mu.Unlock()

	target := threadID
	if target == "" {
		target = channelID
	}
	if target == "" {
		target = a.channelID
	}
	if target == "" {
		return "", fmt.Errorf("discord: no channel specified")
	}

	var msg *discordgo.Message
	err := a.retryOnRateLimit(ctx, func() error {
		var sendErr error
		msg, sendErr = a.sess.ChannelMessageSend(target, text)
		return sendErr
	})
	if err != nil {
		return "", fmt.Errorf("discord: send message: %w", err)
	}
	return postID(target, msg.ID), nil
}

// UpdatePost edits a message's content in place.
func (a *Adapter) UpdatePost(ctx context.Context, id, text string) error {
	channelID, messageID, ok := splitPostID(id)
	if !ok {
		return fmt.Errorf("discord: malformed post id %q", id)
	}
	err := a.retryOnRateLimit(ctx, func() error {
		_, editErr := a.sess.ChannelMessageEdit(channelID, messageID, text)
		return editErr
	})
	if err != nil {
		return fmt.Errorf("discord: edit message %s: %w", id, err)
	}
	return nil
}

// DeletePost removes a message.
func (a *Adapter) DeletePost(ctx context.Context, id string) error {
	channelID, messageID, ok := splitPostID(id)
	if !ok {
		return fmt.Errorf("discord: malformed post id %q", id)
	}
	err := a.retryOnRateLimit(ctx, func() error {
		return a.sess.ChannelMessageDelete(channelID, messageID)
	})
	if err != nil {
		return fmt.Errorf("discord: delete message %s: %w", id, err)
	}
	return nil
}

// AddReaction attaches an emoji reaction to a message.
func (a *Adapter) AddReaction(ctx context.Context, id, emojiName string) error {
	channelID, messageID, ok := splitPostID(id)
	if !ok {
		return fmt.Errorf("discord: malformed post id %q", id)
	}
	err := a.retryOnRateLimit(ctx, func() error {
		return a.sess.MessageReactionAdd(channelID, messageID, emojiName)
	})
	if err != nil {
		return fmt.Errorf("discord: add reaction %s to %s: %w", emojiName, id, err)
	}
	return nil
}

// ThreadHistory retrieves messages from a Discord thread channel. In
// Discord, threadID is the channel id of the thread itself.
func (a *Adapter) ThreadHistory(ctx context.Context, channelID, threadID string, limit int) ([]chat.ThreadMessage, error) {
	a.mu.Lock()
	if !a.connected {
		a.mu.Unlock()
		return nil, fmt.Errorf("discord: not connected")
	}
	a.mu.Unlock()

	target := threadID
	if target == "" {
		target = channelID
	}

	var all []chat.ThreadMessage
	beforeID := ""
	pageSize := defaultPageSize
	if limit > 0 && limit < pageSize {
		pageSize = limit
	}

	for {
		var msgs []*discordgo.Message
		err := a.retryOnRateLimit(ctx, func() error {
			var apiErr error
			msgs, apiErr = a.sess.ChannelMessages(target, pageSize, beforeID, "", "")
			return apiErr
		})
		if err != nil {
			return nil, fmt.Errorf("discord: channel messages: %w", err)
		}
		if len(msgs) == 0 {
			break
		}
		for _, m := range msgs {
			all = append(all, chat.ThreadMessage{
				UserID:    m.Author.ID,
				UserName:  m.Author.Username,
				Text:      m.Content,
				Timestamp: m.Timestamp,
			})
		}
		if limit > 0 && len(all) >= limit {
			all = all[:limit]
			break
		}
		beforeID = msgs[len(msgs)-1].ID
		if len(msgs) < pageSize {
			break
		}
	}
	return all, nil
}

// Close gracefully shuts down the adapter connection.
func (a *Adapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil
	}
	a.closed = true
	a.connected = false
	if a.cancelFunc != nil {
		a.cancelFunc()
	}
	if a.removeHandler != nil {
		a.removeHandler()
	}
	if a.removeReact != nil {
		a.removeReact()
	}
	close(a.inbound)
	close(a.reactions)
	if a.sess != nil {
		return a.sess.Close()
	}
	return nil
}

// BotUserID implements chat.BotUserIDer.
func (a *Adapter) BotUserID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.botUserID
}

func (a *Adapter) handleMessage(m *discordgo.MessageCreate) {
	if m.Author == nil {
		return
	}
	a.mu.Lock()
	botID := a.botUserID
	a.mu.Unlock()
	if m.Author.ID == botID || m.Author.Bot {
		return
	}

	channelID := m.ChannelID
	threadID := ""
	if ch, err := a.sess.Channel(m.ChannelID); err == nil && ch.IsThread() {
		channelID = ch.ParentID
		threadID = m.ChannelID
	}

	ts, _ := discordgo.SnowflakeTimestamp(m.ID)
	a.inbound <- chat.InboundMessage{
		ChannelID: channelID,
		ThreadID:  threadID,
		PostID:    postID(m.ChannelID, m.ID),
		UserID:    m.Author.ID,
		UserName:  m.Author.Username,
		Text:      m.Content,
		Timestamp: ts,
	}
}

func (a *Adapter) handleReactionAdd(r *discordgo.MessageReactionAdd) {
	a.mu.Lock()
	botID := a.botUserID
	a.mu.Unlock()
	if r.UserID == botID {
		return
	}
	a.reactions <- chat.ReactionEvent{
		PostID:    postID(r.ChannelID, r.MessageID),
		UserID:    r.UserID,
		EmojiName: r.Emoji.Name,
	}
}

func (a *Adapter) retryOnRateLimit(ctx context.Context, fn func() error) error {
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		restErr, ok := err.(*discordgo.RESTError)
		if !ok || restErr.Response == nil || restErr.Response.StatusCode != 429 {
			return err
		}
		if attempt == maxRetries {
			return err
		}
		wait := time.Duration(math.Pow(2, float64(attempt))) * baseBackoff
		if wait > maxBackoff {
			wait = maxBackoff
		}
		log.Printf("discord: rate limited (attempt %d/%d), retrying in %v", attempt+1, maxRetries, wait)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
	return nil
}
