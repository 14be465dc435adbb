// Package mattermost implements chat.Adapter for Mattermost, EARL's primary
// chat platform (spec.md §6.3's MATTERMOST_URL/MATTERMOST_BOT_TOKEN).
//
// Grounded on the teacher's internal/telegraph/slack package: same
// narrow-client-interface-plus-real-wrapper split (here mmClient/wsClient
// and realClient/realWSClient) so the adapter is unit-testable without a
// live server, the same mutex-guarded connected/closed bookkeeping, and the
// same exponential-backoff reconnect loop constants, adapted from Slack's
// Socket Mode event channel to Mattermost's own websocket client.
package mattermost

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"math"
	"sync"
	"time"

	"github.com/mattermost/mattermost/server/public/model"

	"github.com/earlbridge/earl/internal/chat"
)

const (
	baseBackoff          = 2 * time.Second
	maxBackoff           = 2 * time.Minute
	maxReconnectAttempts = 10
)

// mmClient abstracts the Client4 REST methods the adapter uses, so tests
// can inject a fake instead of talking to a live server.
type mmClient struct {
	CreatePostFn    func(ctx context.Context, post *model.Post) (*model.Post, *model.Response, error)
	UpdatePostFn    func(ctx context.Context, postID string, post *model.Post) (*model.Post, *model.Response, error)
	DeletePostFn    func(ctx context.Context, postID string) (*model.Response, error)
	SaveReactionFn  func(ctx context.Context, reaction *model.Reaction) (*model.Reaction, *model.Response, error)
	GetPostThreadFn func(ctx context.Context, postID string) (*model.PostList, *model.Response, error)
	GetMeFn         func(ctx context.Context) (*model.User, *model.Response, error)
	GetUserFn       func(ctx context.Context, userID string) (*model.User, *model.Response, error)
	UploadFileFn    func(ctx context.Context, channelID, fileName string, data []byte) (*model.FileUploadResponse, *model.Response, error)
}

// wsClient abstracts the websocket event source.
type wsClient interface {
	Listen()
	Close()
	EventChannel() chan *model.WebSocketEvent
}

type realWSClient struct{ c *model.WebSocketClient }

func (r *realWSClient) Listen()                                { r.c.Listen() }
func (r *realWSClient) Close()                                  { r.c.Close() }
func (r *realWSClient) EventChannel() chan *model.WebSocketEvent { return r.c.EventChannel }

// Adapter implements chat.Adapter for Mattermost.
type Adapter struct {
	serverURL string
	token     string
	client    mmClient
	dial      func() (wsClient, error)

	mu        sync.Mutex
	connected bool
	closed    bool
	ws        wsClient
	botUserID string
	userCache map[string]string // user id -> username

	inbound   chan chat.InboundMessage
	reactions chan chat.ReactionEvent
	logger    *log.Logger
}

// Opts configures a new Adapter.
type Opts struct {
	ServerURL string // e.g. "https://chat.example.com"
	BotToken  string

	// Client/Dial are injection points for tests; both default to real
	// Mattermost API/websocket clients when nil.
	Client *mmClient
	Dial   func() (wsClient, error)
}

// New creates a Mattermost Adapter. Connect must be called before Listen or
// Reactions.
func New(opts Opts) (*Adapter, error) {
	if opts.Client == nil && opts.BotToken == "" {
		return nil, fmt.Errorf("mattermost: bot token is required")
	}
	a := &Adapter{
		serverURL: opts.ServerURL,
		token:     opts.BotToken,
		userCache: make(map[string]string),
		inbound:   make(chan chat.InboundMessage, 64),
		reactions: make(chan chat.ReactionEvent, 64),
		logger:    log.Default(),
	}
	if opts.Client != nil {
		a.client = *opts.Client
	} else {
		a.client = realClient(opts.ServerURL, opts.BotToken)
	}
	if opts.Dial != nil {
		a.dial = opts.Dial
	} else {
		a.dial = func() (wsClient, error) {
			c, err := model.NewWebSocketClient4(wsURLFor(opts.ServerURL), opts.BotToken)
			if err != nil {
				return nil, err
			}
			return &realWSClient{c: c}, nil
		}
	}
	return a, nil
}

// realClient builds an mmClient backed by a live Client4 REST client.
func realClient(serverURL, botToken string) mmClient {
	c4 := model.NewAPIv4Client(serverURL)
	c4.SetToken(botToken)
	return mmClient{
		CreatePostFn:    c4.CreatePost,
		UpdatePostFn:    c4.UpdatePost,
		DeletePostFn:    c4.DeletePost,
		SaveReactionFn:  c4.SaveReaction,
		GetMeFn:         func(ctx context.Context) (*model.User, *model.Response, error) { return c4.GetMe(ctx, "") },
		GetUserFn:       func(ctx context.Context, userID string) (*model.User, *model.Response, error) { return c4.GetUser(ctx, userID, "") },
		GetPostThreadFn: func(ctx context.Context, postID string) (*model.PostList, *model.Response, error) { return c4.GetPostThread(ctx, postID, "", false) },
		UploadFileFn: func(ctx context.Context, channelID, fileName string, data []byte) (*model.FileUploadResponse, *model.Response, error) {
			return c4.UploadFile(ctx, data, channelID, fileName)
		},
	}
}

// wsURLFor derives a ws(s):// URL from an http(s) server URL.
func wsURLFor(serverURL string) string {
	switch {
	case len(serverURL) >= 5 && serverURL[:5] == "https":
		return "wss" + serverURL[5:]
	case len(serverURL) >= 4 && serverURL[:4] == "http":
		return "ws" + serverURL[4:]
	default:
		return serverURL
	}
}

// Connect resolves the bot's own user id and opens the websocket event
// stream, per spec.md §2's real-time connection requirement.
func (a *Adapter) Connect(ctx context.Context) error {
	me, _, err := a.client.GetMeFn(ctx)
	if err != nil {
		return fmt.Errorf("mattermost: get me: %w", err)
	}

	ws, err := a.dial()
	if err != nil {
		return fmt.Errorf("mattermost: websocket dial: %w", err)
	}
	ws.Listen()

	a.mu.Lock()
	a.botUserID = me.Id
	a.ws = ws
	a.connected = true
	a.mu.Unlock()

	go a.pump(ctx)
	return nil
}

// pump reads websocket events and, on disconnect, reconnects with
// exponential backoff, grounded on the teacher's slack.Adapter reconnect
// loop.
func (a *Adapter) pump(ctx context.Context) {
	backoff := baseBackoff
	attempts := 0
	for {
		a.mu.Lock()
		ws := a.ws
		closed := a.closed
		a.mu.Unlock()
		if closed {
			return
		}

		events := ws.EventChannel()
		drained := a.drain(ctx, events)
		if drained {
			return // ctx cancelled or adapter closed
		}

		attempts++
		if attempts > maxReconnectAttempts {
			a.logger.Printf("mattermost: giving up after %d reconnect attempts", attempts)
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff = time.Duration(math.Min(float64(backoff*2), float64(maxBackoff)))

		newWS, err := a.dial()
		if err != nil {
			a.logger.Printf("mattermost: reconnect dial failed: %v", err)
			continue
		}
		newWS.Listen()
		a.mu.Lock()
		a.ws = newWS
		a.mu.Unlock()
		backoff = baseBackoff
	}
}

// drain forwards events until the channel closes (disconnect) or ctx/close
// fires. Returns true if the caller should stop entirely (ctx done or
// adapter closed), false if it should reconnect.
func (a *Adapter) drain(ctx context.Context, events chan *model.WebSocketEvent) bool {
	for {
		select {
		case <-ctx.Done():
			return true
		case ev, ok := <-events:
			if !ok {
				return false
			}
			a.handleEvent(ctx, ev)
		}
	}
}

func (a *Adapter) handleEvent(ctx context.Context, ev *model.WebSocketEvent) {
	switch ev.EventType() {
	case model.WebsocketEventPosted:
		a.handlePosted(ctx, ev)
	case model.WebsocketEventReactionAdded:
		a.handleReactionAdded(ev)
	}
}

func (a *Adapter) handlePosted(ctx context.Context, ev *model.WebSocketEvent) {
	raw, ok := ev.GetData()["post"].(string)
	if !ok || raw == "" {
		return
	}
	var post model.Post
	if err := json.Unmarshal([]byte(raw), &post); err != nil {
		a.logger.Printf("mattermost: decode posted event: %v", err)
		return
	}

	a.mu.Lock()
	self := post.UserId == a.botUserID
	a.mu.Unlock()
	if self {
		return
	}

	msg := chat.InboundMessage{
		ChannelID: post.ChannelId,
		ThreadID:  post.RootId,
		PostID:    post.Id,
		UserID:    post.UserId,
		UserName:  a.usernameFor(ctx, post.UserId),
		Text:      post.Message,
		Timestamp: time.UnixMilli(post.CreateAt),
	}
	select {
	case a.inbound <- msg:
	default:
		a.logger.Printf("mattermost: inbound channel full, dropping message from post %s", post.Id)
	}
}

func (a *Adapter) handleReactionAdded(ev *model.WebSocketEvent) {
	raw, ok := ev.GetData()["reaction"].(string)
	if !ok || raw == "" {
		return
	}
	var reaction model.Reaction
	if err := json.Unmarshal([]byte(raw), &reaction); err != nil {
		a.logger.Printf("mattermost: decode reaction event: %v", err)
		return
	}

	a.mu.Lock()
	self := reaction.UserId == a.botUserID
	a.mu.Unlock()
	if self {
		return
	}

	ev2 := chat.ReactionEvent{PostID: reaction.PostId, UserID: reaction.UserId, EmojiName: reaction.EmojiName}
	select {
	case a.reactions <- ev2:
	default:
		a.logger.Printf("mattermost: reactions channel full, dropping reaction on post %s", reaction.PostId)
	}
}

func (a *Adapter) usernameFor(ctx context.Context, userID string) string {
	a.mu.Lock()
	if name, ok := a.userCache[userID]; ok {
		a.mu.Unlock()
		return name
	}
	a.mu.Unlock()

	user, _, err := a.client.GetUserFn(ctx, userID)
	if err != nil || user == nil {
		return userID
	}
	a.mu.Lock()
	a.userCache[userID] = user.Username
	a.mu.Unlock()
	return user.Username
}

// Listen returns the inbound message channel. Call only after Connect.
func (a *Adapter) Listen(ctx context.Context) (<-chan chat.InboundMessage, error) {
	return a.inbound, nil
}

// Reactions returns the reaction-add event channel. Call only after Connect.
func (a *Adapter) Reactions(ctx context.Context) (<-chan chat.ReactionEvent, error) {
	return a.reactions, nil
}

// CreatePost implements chat.Adapter.
func (a *Adapter) CreatePost(ctx context.Context, channelID, threadID, text string) (string, error) {
	post := &model.Post{ChannelId: channelID, Message: text, RootId: threadID}
	created, _, err := a.client.CreatePostFn(ctx, post)
	if err != nil {
		return "", fmt.Errorf("mattermost: create post: %w", err)
	}
	return created.Id, nil
}

// UpdatePost implements chat.Adapter.
func (a *Adapter) UpdatePost(ctx context.Context, postID, text string) error {
	_, _, err := a.client.UpdatePostFn(ctx, postID, &model.Post{Id: postID, Message: text})
	if err != nil {
		return fmt.Errorf("mattermost: update post %s: %w", postID, err)
	}
	return nil
}

// DeletePost implements chat.Adapter.
func (a *Adapter) DeletePost(ctx context.Context, postID string) error {
	if _, err := a.client.DeletePostFn(ctx, postID); err != nil {
		return fmt.Errorf("mattermost: delete post %s: %w", postID, err)
	}
	return nil
}

// AddReaction implements chat.Adapter.
func (a *Adapter) AddReaction(ctx context.Context, postID, emojiName string) error {
	a.mu.Lock()
	botUserID := a.botUserID
	a.mu.Unlock()
	reaction := &model.Reaction{UserId: botUserID, PostId: postID, EmojiName: emojiName}
	if _, _, err := a.client.SaveReactionFn(ctx, reaction); err != nil {
		return fmt.Errorf("mattermost: add reaction %s to post %s: %w", emojiName, postID, err)
	}
	return nil
}

// ThreadHistory implements chat.Adapter.
func (a *Adapter) ThreadHistory(ctx context.Context, channelID, threadID string, limit int) ([]chat.ThreadMessage, error) {
	if threadID == "" {
		return nil, nil
	}
	list, _, err := a.client.GetPostThreadFn(ctx, threadID)
	if err != nil {
		return nil, fmt.Errorf("mattermost: get thread %s: %w", threadID, err)
	}
	out := make([]chat.ThreadMessage, 0, len(list.Order))
	for i := len(list.Order) - 1; i >= 0; i-- {
		post := list.Posts[list.Order[i]]
		if post == nil {
			continue
		}
		out = append(out, chat.ThreadMessage{
			UserID:    post.UserId,
			UserName:  a.usernameFor(ctx, post.UserId),
			Text:      post.Message,
			Timestamp: time.UnixMilli(post.CreateAt),
		})
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

// UploadFile implements chat.FileUploader.
func (a *Adapter) UploadFile(ctx context.Context, channelID, threadID, fileName string, data []byte) (string, error) {
	resp, _, err := a.client.UploadFileFn(ctx, channelID, fileName, data)
	if err != nil {
		return "", fmt.Errorf("mattermost: upload file %s: %w", fileName, err)
	}
	if resp == nil || len(resp.FileInfos) == 0 {
		return "", fmt.Errorf("mattermost: upload file %s: no file info returned", fileName)
	}
	post := &model.Post{ChannelId: channelID, RootId: threadID, FileIds: []string{resp.FileInfos[0].Id}}
	created, _, err := a.client.CreatePostFn(ctx, post)
	if err != nil {
		return "", fmt.Errorf("mattermost: post uploaded file %s: %w", fileName, err)
	}
	return created.Id, nil
}

// BotUserID implements chat.BotUserIDer.
func (a *Adapter) BotUserID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.botUserID
}

// Close implements chat.Adapter.
func (a *Adapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil
	}
	a.closed = true
	if a.ws != nil {
		a.ws.Close()
	}
	return nil
}
