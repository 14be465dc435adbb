package mattermost

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/mattermost/mattermost/server/public/model"
)

type fakeWS struct {
	events chan *model.WebSocketEvent
	closed bool
}

func newFakeWS() *fakeWS { return &fakeWS{events: make(chan *model.WebSocketEvent, 16)} }

func (f *fakeWS) Listen()                                 {}
func (f *fakeWS) Close()                                  { f.closed = true }
func (f *fakeWS) EventChannel() chan *model.WebSocketEvent { return f.events }

func postedEvent(t *testing.T, post *model.Post) *model.WebSocketEvent {
	t.Helper()
	raw, err := json.Marshal(post)
	if err != nil {
		t.Fatalf("marshal post: %v", err)
	}
	ev := model.NewWebSocketEvent(model.WebsocketEventPosted, "", post.ChannelId, "", nil, "")
	ev.Add("post", string(raw))
	return ev
}

func reactionEvent(t *testing.T, r *model.Reaction) *model.WebSocketEvent {
	t.Helper()
	raw, err := json.Marshal(r)
	if err != nil {
		t.Fatalf("marshal reaction: %v", err)
	}
	ev := model.NewWebSocketEvent(model.WebsocketEventReactionAdded, "", "", "", nil, "")
	ev.Add("reaction", string(raw))
	return ev
}

func newTestAdapter(t *testing.T, client mmClient, ws *fakeWS) *Adapter {
	t.Helper()
	a, err := New(Opts{
		ServerURL: "https://chat.example.com",
		BotToken:  "tok",
		Client:    &client,
		Dial:      func() (wsClient, error) { return ws, nil },
	})
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	return a
}

func baseClient() mmClient {
	return mmClient{
		GetMeFn: func(ctx context.Context) (*model.User, *model.Response, error) {
			return &model.User{Id: "bot1", Username: "earlbot"}, nil, nil
		},
		GetUserFn: func(ctx context.Context, userID string) (*model.User, *model.Response, error) {
			return &model.User{Id: userID, Username: "user-" + userID}, nil, nil
		},
	}
}

func TestConnect_SetsBotUserID(t *testing.T) {
	ws := newFakeWS()
	a := newTestAdapter(t, baseClient(), ws)

	if err := a.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error: %v", err)
	}
	if got, want := a.BotUserID(), "bot1"; got != want {
		t.Errorf("BotUserID() = %q, want %q", got, want)
	}
}

func TestHandlePosted_ForwardsOtherUsersMessages(t *testing.T) {
	ws := newFakeWS()
	a := newTestAdapter(t, baseClient(), ws)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := a.Connect(ctx); err != nil {
		t.Fatalf("Connect() error: %v", err)
	}
	inbound, err := a.Listen(ctx)
	if err != nil {
		t.Fatalf("Listen() error: %v", err)
	}

	post := &model.Post{Id: "p1", ChannelId: "c1", RootId: "", UserId: "u2", Message: "hello", CreateAt: 1000}
	ws.events <- postedEvent(t, post)

	select {
	case msg := <-inbound:
		if msg.PostID != "p1" || msg.UserName != "user-u2" || msg.Text != "hello" {
			t.Errorf("unexpected inbound message: %+v", msg)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for inbound message")
	}
}

func TestHandlePosted_FiltersSelfMessages(t *testing.T) {
	ws := newFakeWS()
	a := newTestAdapter(t, baseClient(), ws)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := a.Connect(ctx); err != nil {
		t.Fatalf("Connect() error: %v", err)
	}
	inbound, _ := a.Listen(ctx)

	post := &model.Post{Id: "p2", ChannelId: "c1", UserId: "bot1", Message: "self"}
	ws.events <- postedEvent(t, post)

	select {
	case msg := <-inbound:
		t.Fatalf("expected self-message to be filtered, got %+v", msg)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestHandleReactionAdded_FiltersSelfAndForwardsOthers(t *testing.T) {
	ws := newFakeWS()
	a := newTestAdapter(t, baseClient(), ws)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := a.Connect(ctx); err != nil {
		t.Fatalf("Connect() error: %v", err)
	}
	reactions, _ := a.Reactions(ctx)

	ws.events <- reactionEvent(t, &model.Reaction{UserId: "bot1", PostId: "p1", EmojiName: "thumbsup"})
	ws.events <- reactionEvent(t, &model.Reaction{UserId: "u3", PostId: "p1", EmojiName: "one"})

	select {
	case ev := <-reactions:
		if ev.UserID != "u3" || ev.EmojiName != "one" {
			t.Errorf("unexpected reaction event: %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for reaction event")
	}
}

func TestCreatePost_ReturnsNewPostID(t *testing.T) {
	client := baseClient()
	var captured *model.Post
	client.CreatePostFn = func(ctx context.Context, post *model.Post) (*model.Post, *model.Response, error) {
		captured = post
		return &model.Post{Id: "new-post"}, nil, nil
	}
	a := newTestAdapter(t, client, newFakeWS())

	id, err := a.CreatePost(context.Background(), "c1", "t1", "hi")
	if err != nil {
		t.Fatalf("CreatePost() error: %v", err)
	}
	if id != "new-post" {
		t.Errorf("CreatePost() id = %q, want %q", id, "new-post")
	}
	if captured.ChannelId != "c1" || captured.RootId != "t1" || captured.Message != "hi" {
		t.Errorf("unexpected post sent: %+v", captured)
	}
}

func TestUpdatePost_PropagatesError(t *testing.T) {
	client := baseClient()
	client.UpdatePostFn = func(ctx context.Context, postID string, post *model.Post) (*model.Post, *model.Response, error) {
		return nil, nil, errBoom
	}
	a := newTestAdapter(t, client, newFakeWS())

	if err := a.UpdatePost(context.Background(), "p1", "edited"); err == nil {
		t.Fatal("expected error to propagate")
	}
}

func TestAddReaction_UsesBotUserID(t *testing.T) {
	client := baseClient()
	var captured *model.Reaction
	client.SaveReactionFn = func(ctx context.Context, r *model.Reaction) (*model.Reaction, *model.Response, error) {
		captured = r
		return r, nil, nil
	}
	a := newTestAdapter(t, client, newFakeWS())
	if err := a.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error: %v", err)
	}

	if err := a.AddReaction(context.Background(), "p1", "white_check_mark"); err != nil {
		t.Fatalf("AddReaction() error: %v", err)
	}
	if captured.UserId != "bot1" || captured.PostId != "p1" || captured.EmojiName != "white_check_mark" {
		t.Errorf("unexpected reaction sent: %+v", captured)
	}
}

func TestThreadHistory_OrdersOldestFirstAndRespectsLimit(t *testing.T) {
	client := baseClient()
	client.GetPostThreadFn = func(ctx context.Context, postID string) (*model.PostList, *model.Response, error) {
		return &model.PostList{
			Order: []string{"p3", "p2", "p1"}, // newest first, as Mattermost returns it
			Posts: map[string]*model.Post{
				"p1": {Id: "p1", UserId: "u1", Message: "first", CreateAt: 1},
				"p2": {Id: "p2", UserId: "u1", Message: "second", CreateAt: 2},
				"p3": {Id: "p3", UserId: "u1", Message: "third", CreateAt: 3},
			},
		}, nil, nil
	}
	a := newTestAdapter(t, client, newFakeWS())

	history, err := a.ThreadHistory(context.Background(), "c1", "root", 2)
	if err != nil {
		t.Fatalf("ThreadHistory() error: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("expected 2 messages (limit applied), got %d: %+v", len(history), history)
	}
	if history[0].Text != "second" || history[1].Text != "third" {
		t.Errorf("expected oldest-first order within limit, got %+v", history)
	}
}

func TestThreadHistory_EmptyThreadIDReturnsNil(t *testing.T) {
	a := newTestAdapter(t, baseClient(), newFakeWS())
	history, err := a.ThreadHistory(context.Background(), "c1", "", 10)
	if err != nil || history != nil {
		t.Fatalf("expected (nil, nil) for empty thread id, got (%+v, %v)", history, err)
	}
}

func TestClose_IsIdempotentAndClosesWebSocket(t *testing.T) {
	ws := newFakeWS()
	a := newTestAdapter(t, baseClient(), ws)
	if err := a.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error: %v", err)
	}

	if err := a.Close(); err != nil {
		t.Fatalf("Close() error: %v", err)
	}
	if !ws.closed {
		t.Error("expected underlying websocket to be closed")
	}
	if err := a.Close(); err != nil {
		t.Fatalf("second Close() should be a no-op, got error: %v", err)
	}
}

func TestWsURLFor_DerivesFromHTTPScheme(t *testing.T) {
	cases := map[string]string{
		"https://chat.example.com": "wss://chat.example.com",
		"http://localhost:8065":    "ws://localhost:8065",
	}
	for in, want := range cases {
		if got := wsURLFor(in); got != want {
			t.Errorf("wsURLFor(%q) = %q, want %q", in, got, want)
		}
	}
}

type boomError struct{}

func (boomError) Error() string { return "boom" }

var errBoom = boomError{}
