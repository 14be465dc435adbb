package slack

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	slackapi "github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"
)

type updatedMessage struct {
	channelID, timestamp string
	options              []slackapi.MsgOption
}

type deletedMessage struct{ channelID, timestamp string }

type addedReaction struct {
	name string
	item slackapi.ItemRef
}

type mockSlackClient struct {
	mu        sync.Mutex
	authResp  *slackapi.AuthTestResponse
	posted    int
	updated   []updatedMessage
	deleted   []deletedMessage
	reactions []addedReaction
	replies   []slackapi.Message
	users     map[string]*slackapi.User
}

func newMockSlackClient() *mockSlackClient {
	return &mockSlackClient{
		authResp: &slackapi.AuthTestResponse{UserID: "U_BOT_123"},
		users:    make(map[string]*slackapi.User),
	}
}

func (m *mockSlackClient) AuthTest() (*slackapi.AuthTestResponse, error) { return m.authResp, nil }

func (m *mockSlackClient) PostMessage(channelID string, options ...slackapi.MsgOption) (string, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.posted++
	return channelID, "1234567890.123456", nil
}

func (m *mockSlackClient) UpdateMessage(channelID, timestamp string, options ...slackapi.MsgOption) (string, string, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.updated = append(m.updated, updatedMessage{channelID, timestamp, options})
	return channelID, timestamp, "", nil
}

func (m *mockSlackClient) DeleteMessage(channelID, timestamp string) (string, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleted = append(m.deleted, deletedMessage{channelID, timestamp})
	return channelID, timestamp, nil
}

func (m *mockSlackClient) AddReaction(name string, item slackapi.ItemRef) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reactions = append(m.reactions, addedReaction{name, item})
	return nil
}

func (m *mockSlackClient) GetConversationReplies(params *slackapi.GetConversationRepliesParameters) ([]slackapi.Message, bool, string, error) {
	return m.replies, false, "", nil
}

func (m *mockSlackClient) GetUserInfo(userID string) (*slackapi.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u, ok := m.users[userID]; ok {
		return u, nil
	}
	return nil, fmt.Errorf("user not found: %s", userID)
}

type mockSocketClient struct {
	events chan socketmode.Event
	done   chan struct{}
}

func newMockSocketClient() *mockSocketClient {
	return &mockSocketClient{events: make(chan socketmode.Event, 100), done: make(chan struct{})}
}

func (m *mockSocketClient) Run() error {
	<-m.done
	return nil
}
func (m *mockSocketClient) EventsChan() chan socketmode.Event { return m.events }
func (m *mockSocketClient) Ack(req socketmode.Request, payload ...interface{}) {}

func newTestAdapter(t *testing.T) (*Adapter, *mockSlackClient, *mockSocketClient) {
	t.Helper()
	client := newMockSlackClient()
	socket := newMockSocketClient()
	a, err := New(AdapterOpts{Client: client, Socket: socket, ChannelID: "C_DEFAULT"})
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	if err := a.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error: %v", err)
	}
	return a, client, socket
}

func TestNew_RequiresBotToken(t *testing.T) {
	if _, err := New(AdapterOpts{AppToken: "xapp-test"}); err == nil {
		t.Fatal("expected error for missing bot token")
	}
}

func TestNew_RequiresAppToken(t *testing.T) {
	if _, err := New(AdapterOpts{BotToken: "xoxb-test"}); err == nil {
		t.Fatal("expected error for missing app token")
	}
}

func TestConnect_SetsBotUserID(t *testing.T) {
	a, _, _ := newTestAdapter(t)
	if got, want := a.BotUserID(), "U_BOT_123"; got != want {
		t.Errorf("BotUserID() = %q, want %q", got, want)
	}
}

func TestCreatePost_EncodesChannelAndTimestamp(t *testing.T) {
	a, client, _ := newTestAdapter(t)
	id, err := a.CreatePost(context.Background(), "C1", "", "hello")
	if err != nil {
		t.Fatalf("CreatePost() error: %v", err)
	}
	if id != "C1|1234567890.123456" {
		t.Errorf("CreatePost() id = %q", id)
	}
	if client.posted != 1 {
		t.Errorf("expected 1 posted message, got %d", client.posted)
	}
}

func TestUpdatePost_SplitsPostID(t *testing.T) {
	a, client, _ := newTestAdapter(t)
	if err := a.UpdatePost(context.Background(), "C1|111.222", "edited"); err != nil {
		t.Fatalf("UpdatePost() error: %v", err)
	}
	if len(client.updated) != 1 || client.updated[0].channelID != "C1" || client.updated[0].timestamp != "111.222" {
		t.Errorf("unexpected update call: %+v", client.updated)
	}
}

func TestUpdatePost_MalformedIDErrors(t *testing.T) {
	a, _, _ := newTestAdapter(t)
	if err := a.UpdatePost(context.Background(), "no-pipe", "edited"); err == nil {
		t.Fatal("expected error for malformed post id")
	}
}

func TestDeletePost_SplitsPostID(t *testing.T) {
	a, client, _ := newTestAdapter(t)
	if err := a.DeletePost(context.Background(), "C1|111.222"); err != nil {
		t.Fatalf("DeletePost() error: %v", err)
	}
	if len(client.deleted) != 1 || client.deleted[0].channelID != "C1" {
		t.Errorf("unexpected delete call: %+v", client.deleted)
	}
}

func TestAddReaction_SplitsPostID(t *testing.T) {
	a, client, _ := newTestAdapter(t)
	if err := a.AddReaction(context.Background(), "C1|111.222", "thumbsup"); err != nil {
		t.Fatalf("AddReaction() error: %v", err)
	}
	if len(client.reactions) != 1 || client.reactions[0].name != "thumbsup" {
		t.Errorf("unexpected reaction call: %+v", client.reactions)
	}
}

func TestHandleMessage_FiltersSelfAndBotMessages(t *testing.T) {
	a, _, socket := newTestAdapter(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	inbound, err := a.Listen(ctx)
	if err != nil {
		t.Fatalf("Listen() error: %v", err)
	}

	socket.events <- socketmode.Event{
		Type: socketmode.EventTypeEventsAPI,
		Data: slackevents.EventsAPIEvent{
			Type: slackevents.CallbackEvent,
			InnerEvent: slackevents.EventsAPIInnerEvent{
				Data: &slackevents.MessageEvent{Channel: "C1", User: "U_BOT_123", Text: "self", TimeStamp: "1.1"},
			},
		},
	}
	socket.events <- socketmode.Event{
		Type: socketmode.EventTypeEventsAPI,
		Data: slackevents.EventsAPIEvent{
			Type: slackevents.CallbackEvent,
			InnerEvent: slackevents.EventsAPIInnerEvent{
				Data: &slackevents.MessageEvent{Channel: "C1", User: "U2", Text: "hi", TimeStamp: "2.2"},
			},
		},
	}

	select {
	case msg := <-inbound:
		if msg.Text != "hi" || msg.UserID != "U2" || msg.PostID != "C1|2.2" {
			t.Errorf("unexpected inbound message: %+v", msg)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for inbound message")
	}

	select {
	case msg := <-inbound:
		t.Fatalf("expected only one forwarded message, got extra: %+v", msg)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestHandleReactionAdded_FiltersSelfAndForwardsOthers(t *testing.T) {
	a, _, socket := newTestAdapter(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	reactions, err := a.Reactions(ctx)
	if err != nil {
		t.Fatalf("Reactions() error: %v", err)
	}
	if _, err := a.Listen(ctx); err != nil {
		t.Fatalf("Listen() error: %v", err)
	}

	socket.events <- socketmode.Event{
		Type: socketmode.EventTypeEventsAPI,
		Data: slackevents.EventsAPIEvent{
			Type: slackevents.CallbackEvent,
			InnerEvent: slackevents.EventsAPIInnerEvent{
				Data: &slackevents.ReactionAddedEvent{User: "U_BOT_123", Reaction: "one", Item: slackevents.Item{Channel: "C1", Timestamp: "1.1"}},
			},
		},
	}
	socket.events <- socketmode.Event{
		Type: socketmode.EventTypeEventsAPI,
		Data: slackevents.EventsAPIEvent{
			Type: slackevents.CallbackEvent,
			InnerEvent: slackevents.EventsAPIInnerEvent{
				Data: &slackevents.ReactionAddedEvent{User: "U3", Reaction: "two", Item: slackevents.Item{Channel: "C1", Timestamp: "2.2"}},
			},
		},
	}

	select {
	case ev := <-reactions:
		if ev.UserID != "U3" || ev.EmojiName != "two" || ev.PostID != "C1|2.2" {
			t.Errorf("unexpected reaction event: %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for reaction event")
	}
}

func TestClose_ClosesChannelsAndIsIdempotent(t *testing.T) {
	a, _, _ := newTestAdapter(t)
	if err := a.Close(); err != nil {
		t.Fatalf("Close() error: %v", err)
	}
	select {
	case _, ok := <-a.inbound:
		if ok {
			t.Error("inbound channel delivered a value after Close()")
		}
	default:
		t.Error("inbound channel still open after Close()")
	}
	select {
	case _, ok := <-a.reactions:
		if ok {
			t.Error("reactions channel delivered a value after Close()")
		}
	default:
		t.Error("reactions channel still open after Close()")
	}
	if err := a.Close(); err != nil {
		t.Fatalf("second Close() should be a no-op, got error: %v", err)
	}
}

func TestParseSlackTimestamp_ParsesSeconds(t *testing.T) {
	ts := parseSlackTimestamp("1234567890.123456")
	if ts.Unix() != 1234567890 {
		t.Errorf("parseSlackTimestamp() = %v, want unix 1234567890", ts)
	}
}
