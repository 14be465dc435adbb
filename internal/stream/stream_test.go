package stream

import (
	"context"
	"testing"
	"time"

	"github.com/earlbridge/earl/internal/assistant"
	"github.com/earlbridge/earl/internal/chat"
)

func newTestResponse(mock *chat.MockAdapter) *Response {
	r := New(mock, "chan1", "thread1")
	r.debounce = 20 * time.Millisecond
	return r
}

func TestOnText_SingleChunkCreatesOnePost(t *testing.T) {
	mock := chat.NewMockAdapter()
	r := newTestResponse(mock)
	ctx := context.Background()

	r.OnText(ctx, "hello world")
	r.OnComplete(ctx)

	if got := mock.SentCount("create"); got != 1 {
		t.Fatalf("create count = %d, want 1", got)
	}
	if got := mock.SentCount("update"); got != 1 {
		t.Fatalf("update count = %d, want 1 (finalize)", got)
	}
	last := mock.LastSent()
	if last.Text != "hello world" {
		t.Errorf("final text = %q", last.Text)
	}
}

func TestOnText_RapidChunksDebounceIntoOneUpdate(t *testing.T) {
	mock := chat.NewMockAdapter()
	r := newTestResponse(mock)
	ctx := context.Background()

	r.OnText(ctx, "a") // creates post
	r.OnText(ctx, "b") // schedules debounce
	r.OnText(ctx, "c") // debounce already pending, no-op

	if got := mock.SentCount("create"); got != 1 {
		t.Fatalf("create count = %d, want 1", got)
	}
	if got := mock.SentCount("update"); got != 0 {
		t.Fatalf("update count = %d, want 0 before debounce fires", got)
	}

	time.Sleep(50 * time.Millisecond)

	if got := mock.SentCount("update"); got != 1 {
		t.Fatalf("update count after debounce = %d, want 1", got)
	}
	last := mock.LastSent()
	if last.Text != "a\n\nb\n\nc" {
		t.Errorf("debounced text = %q", last.Text)
	}
}

func TestOnComplete_MixedTextAndToolFinalizesWithNewPost(t *testing.T) {
	mock := chat.NewMockAdapter()
	r := newTestResponse(mock)
	ctx := context.Background()

	r.OnText(ctx, "working on it")
	r.OnToolUse(ctx, assistant.ToolUse{Name: "Bash", Input: map[string]any{"command": "ls"}})
	r.OnText(ctx, "done, here is the summary")
	r.OnComplete(ctx)

	sent := mock.AllSent()
	if len(sent) == 0 {
		t.Fatal("expected at least one sent post")
	}

	creates := 0
	for _, s := range sent {
		if s.Action == "create" {
			creates++
		}
	}
	if creates != 2 {
		t.Fatalf("create count = %d, want 2 (streamed post + final text post)", creates)
	}

	last := mock.LastSent()
	if last.Action != "create" || last.Text != "done, here is the summary" {
		t.Errorf("final post = %+v, want create of the trailing text segment", last)
	}
}

func TestOnToolUse_SkipsAskUserQuestion(t *testing.T) {
	mock := chat.NewMockAdapter()
	r := newTestResponse(mock)
	ctx := context.Background()

	r.OnToolUse(ctx, assistant.ToolUse{Name: "AskUserQuestion", Input: map[string]any{"question": "continue?"}})

	if got := mock.SentCount(""); got != 0 {
		t.Fatalf("sent count = %d, want 0 for AskUserQuestion", got)
	}
}

func TestOnComplete_NoSegmentsIsNoop(t *testing.T) {
	mock := chat.NewMockAdapter()
	r := newTestResponse(mock)
	ctx := context.Background()

	r.OnComplete(ctx)

	if got := mock.SentCount(""); got != 0 {
		t.Fatalf("sent count = %d, want 0 when no text/tool occurred", got)
	}
}

func TestChunk_SplitsLongTextAtNewline(t *testing.T) {
	line := "0123456789\n"
	var text string
	for i := 0; i < 500; i++ {
		text += line
	}

	chunks := Chunk(text)
	if len(chunks) < 2 {
		t.Fatalf("expected multiple chunks for long text, got %d", len(chunks))
	}
	for _, c := range chunks {
		if len(c) > maxPostChars {
			t.Errorf("chunk length %d exceeds max %d", len(c), maxPostChars)
		}
	}

	var reassembled string
	for _, c := range chunks {
		reassembled += c + "\n"
	}
	if len(reassembled) < len(text) {
		t.Error("reassembled text is shorter than original")
	}
}

func TestChunk_ShortTextReturnsSingleChunk(t *testing.T) {
	chunks := Chunk("short text")
	if len(chunks) != 1 || chunks[0] != "short text" {
		t.Fatalf("chunks = %+v", chunks)
	}
}
