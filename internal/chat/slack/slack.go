// Package slack implements chat.Adapter for Slack using Socket Mode.
//
// Adapted from the teacher's internal/telegraph/slack package: same
// slackClient/socketClient injectable-interface split, same
// exponential-backoff reconnect loop and rate-limit retry helper, same
// Events API → InboundMessage translation. Retargeted from the teacher's
// single Send(OutboundMessage)/Platform-tagged InboundMessage shape onto
// chat.Adapter's explicit CreatePost/UpdatePost/DeletePost/AddReaction
// primitives and added Reactions() support the teacher's adapter never
// needed (its dashboard never acted on inbound reactions).
package slack

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	slackapi "github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"

	"github.com/earlbridge/earl/internal/chat"
)

const (
	maxRetries           = 3
	baseBackoff          = 2 * time.Second
	maxBackoff           = 2 * time.Minute
	maxReconnectAttempts = 10
)

// slackClient abstracts the Slack API methods used, enabling test mocks.
type slackClient interface {
	AuthTest() (*slackapi.AuthTestResponse, error)
	PostMessage(channelID string, options ...slackapi.MsgOption) (string, string, error)
	UpdateMessage(channelID, timestamp string, options ...slackapi.MsgOption) (string, string, string, error)
	DeleteMessage(channelID, timestamp string) (string, string, error)
	AddReaction(name string, item slackapi.ItemRef) error
	GetConversationReplies(params *slackapi.GetConversationRepliesParameters) ([]slackapi.Message, bool, string, error)
	GetUserInfo(userID string) (*slackapi.User, error)
}

// socketClient abstracts the Socket Mode client methods used.
type socketClient interface {
	Run() error
	EventsChan() chan socketmode.Event
	Ack(req socketmode.Request, payload ...interface{})
}

type realSocketClient struct{ client *socketmode.Client }

func (r *realSocketClient) Run() error                        { return r.client.Run() }
func (r *realSocketClient) EventsChan() chan socketmode.Event { return r.client.Events }
func (r *realSocketClient) Ack(req socketmode.Request, payload ...interface{}) {
	r.client.Ack(req, payload...)
}

// Adapter implements chat.Adapter for Slack Socket Mode.
type Adapter struct {
	client     slackClient
	socket     socketClient
	botUserID  string
	appToken   string
	botToken   string
	channelID  string
	mu         sync.Mutex
	connected  bool
	closed     bool
	inbound    chan chat.InboundMessage
	reactions  chan chat.ReactionEvent
	cancelFunc context.CancelFunc
}

// AdapterOpts holds parameters for creating a Slack Adapter.
type AdapterOpts struct {
	AppToken  string // xapp-... Slack app-level token for Socket Mode
	BotToken  string // xoxb-... Slack bot token
	ChannelID string // default channel to post to

	// For testing: inject fake clients instead of the real Slack API.
	Client slackClient
	Socket socketClient
}

// New creates a Slack Adapter.
func New(opts AdapterOpts) (*Adapter, error) {
	if opts.Client == nil && opts.BotToken == "" {
		return nil, fmt.Errorf("slack: bot token is required")
	}
	if opts.Socket == nil && opts.AppToken == "" {
		return nil, fmt.Errorf("slack: app token is required for socket mode")
	}
	a := &Adapter{
		appToken:  opts.AppToken,
		botToken:  opts.BotToken,
		channelID: opts.ChannelID,
		inbound:   make(chan chat.InboundMessage, 100),
		reactions: make(chan chat.ReactionEvent, 100),
	}
	if opts.Client != nil {
		a.client = opts.Client
	}
	if opts.Socket != nil {
		a.socket = opts.Socket
	}
	return a, nil
}

// postID encodes a Slack channel+timestamp pair into chat.Adapter's single
// opaque postID string, since Slack addresses a message by (channel, ts)
// but UpdatePost/DeletePost/AddReaction only carry a postID.
func postID(channelID, ts string) string { return channelID + "|" + ts }

func splitPostID(id string) (channelID, ts string, ok bool) {
	parts := strings.SplitN(id, "|", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}

// Connect establishes the Socket Mode WebSocket connection.
func (a *Adapter) Connect(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return fmt.Errorf("slack: adapter already closed")
	}
	if a.connected {
		return nil
	}
	if a.client == nil {
		api := slackapi.New(a.botToken, slackapi.OptionAppLevelToken(a.appToken))
		a.client = api
		a.socket = &realSocketClient{client: socketmode.New(api)}
	}
	auth, err := a.client.AuthTest()
	if err != nil {
		return fmt.Errorf("slack: auth test: %w", err)
	}
	a.botUserID = auth.UserID
	a.connected = true
	return nil
}

// Listen starts the Socket Mode event pump and returns the inbound channel.
func (a *Adapter) Listen(ctx context.Context) (<-chan chat.InboundMessage, error) {
	a.mu.Lock()
	if !a.connected {
		a.mu.Unlock()
		return nil, fmt.Errorf("slack: not connected")
	}
	listenCtx, cancel := context.WithCancel(ctx)
	a.cancelFunc = cancel
	a.mu.Unlock()

	go a.runWithReconnect(listenCtx)
	go a.pumpEvents(listenCtx)
	return a.inbound, nil
}

// Reactions returns the reaction-add event channel.
func (a *Adapter) Reactions(ctx context.Context) (<-chan chat.ReactionEvent, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.connected {
		return nil, fmt.Errorf("slack: not connected")
	}
	return a.reactions, nil
}

// CreatePost posts a new message, replying in-thread when threadID is set.
func (a *Adapter) CreatePost(ctx context.Context, channelID, threadID, text string) (string, error) {
	a.mu.Lock()
	if !a.connected {
		a.mu.Unlock()
		return "", fmt.Errorf("slack: not connected")
	}
	a.mu.Unlock()

	if channelID == "" {
		channelID = a.channelID
	}
	if channelID == "" {
		return "", fmt.Errorf("slack: no channel specified")
	}

	options := []slackapi.MsgOption{slackapi.MsgOptionText(text, false)}
	if threadID != "" {
		options = append(options, slackapi.MsgOptionTS(threadID))
	}

	var ts string
	err := retryOnRateLimit(ctx, func() error {
		_, respTS, postErr := a.client.PostMessage(channelID, options...)
		ts = respTS
		return postErr
	})
	if err != nil {
		return "", fmt.Errorf("slack: post message: %w", err)
	}
	return postID(channelID, ts), nil
}

// UpdatePost edits a message's text in place.
func (a *Adapter) UpdatePost(ctx context.Context, id, text string) error {
	channelID, ts, ok := splitPostID(id)
	if !ok {
		return fmt.Errorf("slack: malformed post id %q", id)
	}
	err := retryOnRateLimit(ctx, func() error {
		_, _, _, updateErr := a.client.UpdateMessage(channelID, ts, slackapi.MsgOptionText(text, false))
		return updateErr
	})
	if err != nil {
		return fmt.Errorf("slack: update message %s: %w", id, err)
	}
	return nil
}

// DeletePost removes a message.
func (a *Adapter) DeletePost(ctx context.Context, id string) error {
	channelID, ts, ok := splitPostID(id)
	if !ok {
		return fmt.Errorf("slack: malformed post id %q", id)
	}
	err := retryOnRateLimit(ctx, func() error {
		_, _, delErr := a.client.DeleteMessage(channelID, ts)
		return delErr
	})
	if err != nil {
		return fmt.Errorf("slack: delete message %s: %w", id, err)
	}
	return nil
}

// AddReaction attaches an emoji reaction to a message.
func (a *Adapter) AddReaction(ctx context.Context, id, emojiName string) error {
	channelID, ts, ok := splitPostID(id)
	if !ok {
		return fmt.Errorf("slack: malformed post id %q", id)
	}
	item := slackapi.NewRefToMessage(channelID, ts)
	if err := a.client.AddReaction(emojiName, item); err != nil {
		return fmt.Errorf("slack: add reaction %s to %s: %w", emojiName, id, err)
	}
	return nil
}

// ThreadHistory retrieves messages from a Slack thread via
// conversations.replies, paginating with cursor-based pagination.
func (a *Adapter) ThreadHistory(ctx context.Context, channelID, threadID string, limit int) ([]chat.ThreadMessage, error) {
	a.mu.Lock()
	if !a.connected {
		a.mu.Unlock()
		return nil, fmt.Errorf("slack: not connected")
	}
	a.mu.Unlock()

	var all []chat.ThreadMessage
	cursor := ""
	pageSize := 200
	if limit > 0 && limit < pageSize {
		pageSize = limit
	}

	for {
		params := &slackapi.GetConversationRepliesParameters{
			ChannelID: channelID,
			Timestamp: threadID,
			Limit:     pageSize,
			Cursor:    cursor,
		}
		var msgs []slackapi.Message
		var hasMore bool
		var nextCursor string
		err := retryOnRateLimit(ctx, func() error {
			var apiErr error
			msgs, hasMore, nextCursor, apiErr = a.client.GetConversationReplies(params)
			return apiErr
		})
		if err != nil {
			return nil, fmt.Errorf("slack: conversation replies: %w", err)
		}
		for _, m := range msgs {
			all = append(all, chat.ThreadMessage{
				UserID:    m.User,
				UserName:  a.resolveUserName(m.User),
				Text:      m.Text,
				Timestamp: parseSlackTimestamp(m.Timestamp),
			})
		}
		if !hasMore || nextCursor == "" {
			break
		}
		cursor = nextCursor
		if limit > 0 && len(all) >= limit {
			all = all[:limit]
			break
		}
	}
	return all, nil
}

// Close shuts down the adapter and closes its channels.
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
	close(a.inbound)
	close(a.reactions)
	return nil
}

// BotUserID implements chat.BotUserIDer.
func (a *Adapter) BotUserID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.botUserID
}

func (a *Adapter) runWithReconnect(ctx context.Context) {
	for attempt := 0; attempt < maxReconnectAttempts; attempt++ {
		err := a.socket.Run()
		if err == nil {
			return
		}
		select {
		case <-ctx.Done():
			return
		default:
		}
		wait := time.Duration(math.Pow(2, float64(attempt))) * baseBackoff
		if wait > maxBackoff {
			wait = maxBackoff
		}
		log.Printf("slack: socket mode disconnected (attempt %d/%d): %v, reconnecting in %v",
			attempt+1, maxReconnectAttempts, err, wait)
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
	log.Printf("slack: socket mode exhausted %d reconnection attempts, giving up", maxReconnectAttempts)
}

func (a *Adapter) pumpEvents(ctx context.Context) {
	events := a.socket.EventsChan()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			a.handleSocketEvent(evt)
		}
	}
}

func (a *Adapter) handleSocketEvent(evt socketmode.Event) {
	switch evt.Type {
	case socketmode.EventTypeEventsAPI:
		eventsAPIEvent, ok := evt.Data.(slackevents.EventsAPIEvent)
		if !ok {
			return
		}
		if evt.Request != nil {
			a.socket.Ack(*evt.Request)
		}
		a.handleEventsAPI(eventsAPIEvent)
	case socketmode.EventTypeConnecting:
		log.Printf("slack: connecting to Socket Mode...")
	case socketmode.EventTypeConnected:
		log.Printf("slack: connected to Socket Mode")
	case socketmode.EventTypeConnectionError:
		log.Printf("slack: connection error: %v", evt.Data)
	case socketmode.EventTypeDisconnect:
		log.Printf("slack: server requested disconnect, will reconnect")
	}
}

func (a *Adapter) handleEventsAPI(event slackevents.EventsAPIEvent) {
	if event.Type != slackevents.CallbackEvent {
		return
	}
	switch ev := event.InnerEvent.Data.(type) {
	case *slackevents.MessageEvent:
		a.handleMessage(ev)
	case *slackevents.AppMentionEvent:
		a.handleAppMention(ev)
	case *slackevents.ReactionAddedEvent:
		a.handleReactionAdded(ev)
	}
}

func (a *Adapter) handleMessage(ev *slackevents.MessageEvent) {
	if ev.User == a.botUserID || ev.BotID != "" || ev.SubType != "" {
		return
	}
	a.inbound <- chat.InboundMessage{
		ChannelID: ev.Channel,
		ThreadID:  ev.ThreadTimeStamp,
		PostID:    postID(ev.Channel, ev.TimeStamp),
		UserID:    ev.User,
		UserName:  a.resolveUserName(ev.User),
		Text:      ev.Text,
		Timestamp: parseSlackTimestamp(ev.TimeStamp),
	}
}

func (a *Adapter) handleAppMention(ev *slackevents.AppMentionEvent) {
	if ev.User == a.botUserID {
		return
	}
	a.inbound <- chat.InboundMessage{
		ChannelID: ev.Channel,
		ThreadID:  ev.ThreadTimeStamp,
		PostID:    postID(ev.Channel, ev.TimeStamp),
		UserID:    ev.User,
		UserName:  a.resolveUserName(ev.User),
		Text:      ev.Text,
		Timestamp: parseSlackTimestamp(ev.TimeStamp),
	}
}

func (a *Adapter) handleReactionAdded(ev *slackevents.ReactionAddedEvent) {
	if ev.User == a.botUserID {
		return
	}
	a.reactions <- chat.ReactionEvent{
		PostID:    postID(ev.Item.Channel, ev.Item.Timestamp),
		UserID:    ev.User,
		EmojiName: ev.Reaction,
	}
}

func (a *Adapter) resolveUserName(userID string) string {
	if userID == "" {
		return ""
	}
	user, err := a.client.GetUserInfo(userID)
	if err != nil {
		return userID
	}
	if user.Profile.DisplayName != "" {
		return user.Profile.DisplayName
	}
	return user.RealName
}

func retryOnRateLimit(ctx context.Context, fn func() error) error {
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		var rle *slackapi.RateLimitedError
		if !errors.As(err, &rle) {
			return err
		}
		if attempt == maxRetries {
			return err
		}
		wait := rle.RetryAfter
		if wait <= 0 {
			wait = time.Duration(math.Pow(2, float64(attempt))) * time.Second
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
	return nil
}

func parseSlackTimestamp(ts string) time.Time {
	parts := strings.SplitN(ts, ".", 2)
	if len(parts) == 0 {
		return time.Time{}
	}
	sec, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.Unix(sec, 0)
}
