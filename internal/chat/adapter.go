// Package chat defines the narrow contract EARL needs from a chat
// platform, plus an in-memory fake for tests. Platform-specific
// implementations live in subpackages (mattermost, slack, discord).
//
// Grounded on the teacher's internal/telegraph/adapter.go Adapter
// interface, generalized from a single Send(OutboundMessage) method into
// the explicit create_post/update_post/add_reaction/delete_post primitives
// spec.md's data-flow diagram (§2) and Streaming Response / Question
// Mediator designs (§4.5/§4.6) require.
package chat

import (
	"context"
	"time"
)

// InboundMessage is a message received from the chat platform.
type InboundMessage struct {
	ChannelID string
	ThreadID  string // empty if this is a new top-level message
	PostID    string
	UserID    string
	UserName  string
	Text      string
	Timestamp time.Time
}

// ThreadMessage is one message within a thread's history.
type ThreadMessage struct {
	UserID    string
	UserName  string
	Text      string
	Timestamp time.Time
}

// ReactionEvent is an emoji reaction added to a post.
type ReactionEvent struct {
	PostID    string
	UserID    string
	EmojiName string
}

// Adapter is the interface platform-specific implementations satisfy.
type Adapter interface {
	Connect(ctx context.Context) error

	// Listen returns a channel of inbound messages. Call only after Connect.
	// The Slack and Discord adapters close it in Close; the Mattermost
	// adapter and MockAdapter never close it, and cancelling ctx closes it
	// in none of them.
	Listen(ctx context.Context) (<-chan InboundMessage, error)

	// Reactions returns a channel of reaction-add events, analogous to
	// Listen but for the Question Mediator / Terminal Monitor reaction
	// protocols (spec.md §4.6/§4.9).
	Reactions(ctx context.Context) (<-chan ReactionEvent, error)

	// CreatePost creates a new post. If threadID is non-empty the post
	// replies within that thread; otherwise it starts a new thread. Returns
	// the new post's id.
	CreatePost(ctx context.Context, channelID, threadID, text string) (postID string, err error)

	// UpdatePost edits an existing post's body in place.
	UpdatePost(ctx context.Context, postID, text string) error

	// DeletePost removes a post.
	DeletePost(ctx context.Context, postID string) error

	// AddReaction attaches an emoji reaction to a post.
	AddReaction(ctx context.Context, postID, emojiName string) error

	// ThreadHistory retrieves recent messages from a thread.
	ThreadHistory(ctx context.Context, channelID, threadID string, limit int) ([]ThreadMessage, error)

	Close() error
}

// BotUserIDer is an optional capability exposing the bot's own user id, for
// self-message filtering (spec.md §4.10).
type BotUserIDer interface {
	BotUserID() string
}

// Typer is an optional capability for issuing a typing indicator.
type Typer interface {
	StartTyping(ctx context.Context, channelID, threadID string) error
}

// FileUploader is an optional capability for attaching images collected
// from tool_result events at end-of-turn (spec.md §4.5 step 6).
type FileUploader interface {
	UploadFile(ctx context.Context, channelID, threadID, fileName string, data []byte) (postID string, err error)
}
