// Package stream implements the Streaming Response component from
// spec.md §4.5: accumulates one turn's text/tool segments into a
// debounced, edited chat post, with the mixed text+tool finalization
// split described there.
//
// Grounded on the teacher's internal/telegraph/session.go relayOutput/
// chunkMessage (chunking, incremental post updates) generalized from
// whole-turn buffering to per-chunk debounced edits, and
// internal/telegraph/format.go's icon+body convention (see format.go).
package stream

import (
	"context"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/earlbridge/earl/internal/assistant"
	"github.com/earlbridge/earl/internal/chat"
)

// DebounceDefault is DEBOUNCE_MS from spec.md §4.5.
const DebounceDefault = 300 * time.Millisecond

// maxPostChars bounds a single chat post body; longer text is chunked into
// additional posts via Chunk, grounded on the teacher's chunkMessage.
const maxPostChars = 4000

type segmentKind int

const (
	segText segmentKind = iota
	segTool
)

type segment struct {
	kind segmentKind
	text string
}

// Response owns the composition of one turn's reply.
type Response struct {
	adapter   chat.Adapter
	channelID string
	threadID  string
	debounce  time.Duration
	logger    *log.Logger

	mu sync.Mutex
	// postIDs holds one entry per chunk of the accumulated reply (per
	// Chunk/maxPostChars): all but the last are finalized once created,
	// since Chunk's boundaries before the growing tail are stable; the
	// last is re-synced on every call until the turn completes.
	postIDs      []string
	segments     []segment
	createFailed bool
	imageRefs    []string
	lastEditAt   time.Time
	debounceFn   *time.Timer

	typingCancel context.CancelFunc
	typingDone   chan struct{}
}

// New constructs a Response for one turn within threadID.
func New(adapter chat.Adapter, channelID, threadID string) *Response {
	return &Response{
		adapter:   adapter,
		channelID: channelID,
		threadID:  threadID,
		debounce:  DebounceDefault,
		logger:    log.Default(),
	}
}

// StartTyping launches a cooperative goroutine that periodically issues a
// typing indicator until StopTyping is called or the adapter errors.
// Errors terminate the task silently, per spec.md §4.5.
func (r *Response) StartTyping(ctx context.Context) {
	typer, ok := r.adapter.(chat.Typer)
	if !ok {
		return
	}
	r.mu.Lock()
	if r.typingCancel != nil {
		r.mu.Unlock()
		return // idempotent
	}
	typingCtx, cancel := context.WithCancel(ctx)
	r.typingCancel = cancel
	r.typingDone = make(chan struct{})
	r.mu.Unlock()

	go func() {
		defer close(r.typingDone)
		ticker := time.NewTicker(4 * time.Second)
		defer ticker.Stop()
		for {
			if err := typer.StartTyping(typingCtx, r.channelID, r.threadID); err != nil {
				return
			}
			select {
			case <-typingCtx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
}

// StopTyping stops the typing task if running. Idempotent.
func (r *Response) StopTyping() {
	r.mu.Lock()
	cancel := r.typingCancel
	done := r.typingDone
	r.typingCancel = nil
	r.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (r *Response) fullTextLocked() string {
	parts := make([]string, len(r.segments))
	for i, s := range r.segments {
		parts[i] = s.text
	}
	return strings.Join(parts, "\n\n")
}

// OnText appends a text chunk and creates/edits/schedules the reply post(s),
// per spec.md §4.5's on_text algorithm.
func (r *Response) OnText(ctx context.Context, chunk string) {
	defer r.recoverLog("on_text")
	r.StopTyping()

	r.mu.Lock()
	r.segments = append(r.segments, segment{kind: segText, text: chunk})
	hasPost := len(r.postIDs) > 0
	createFailed := r.createFailed
	sinceEdit := time.Since(r.lastEditAt)
	pending := r.debounceFn != nil
	r.mu.Unlock()

	switch {
	case (!hasPost && !createFailed) || (hasPost && sinceEdit >= r.debounce):
		r.syncPosts(ctx)

	case hasPost && !pending:
		r.scheduleDebounce(ctx)
	}
}

// syncPosts chunks the accumulated text (per Chunk/maxPostChars) and
// brings the chat posts in line with it: every chunk beyond what has
// already been posted gets a new post, and the last existing chunk post is
// re-edited with its (possibly still-growing) content. Grounded on the
// teacher's chunkMessage, adapted from "send every chunk as a fresh
// message" to "edit in place, only ever appending a new post for a chunk
// that didn't exist before" to fit this package's live-streaming model.
func (r *Response) syncPosts(ctx context.Context) {
	r.mu.Lock()
	full := r.fullTextLocked()
	createFailed := r.createFailed
	existing := append([]string(nil), r.postIDs...)
	r.mu.Unlock()
	if createFailed {
		return
	}

	chunks := Chunk(full)
	for i, text := range chunks {
		switch {
		case i < len(existing)-1:
			continue // earlier chunks are stable once superseded by a later one
		case i == len(existing)-1:
			if err := r.adapter.UpdatePost(ctx, existing[i], text); err != nil {
				r.logger.Printf("stream: update post failed: %v", err)
			}
		default:
			id, err := r.adapter.CreatePost(ctx, r.channelID, r.threadID, text)
			if err != nil || id == "" {
				r.logger.Printf("stream: create post failed: %v", err)
				r.mu.Lock()
				r.createFailed = true
				r.mu.Unlock()
				return
			}
			r.mu.Lock()
			r.postIDs = append(r.postIDs, id)
			r.mu.Unlock()
		}
	}

	r.mu.Lock()
	r.lastEditAt = time.Now()
	r.mu.Unlock()
}

func (r *Response) scheduleDebounce(ctx context.Context) {
	r.mu.Lock()
	if r.debounceFn != nil {
		r.mu.Unlock()
		return
	}
	r.debounceFn = time.AfterFunc(r.debounce, func() {
		r.mu.Lock()
		r.debounceFn = nil
		r.mu.Unlock()
		r.syncPosts(ctx)
	})
	r.mu.Unlock()
}

// OnToolUse appends a formatted tool segment and immediately syncs the
// post(s) (no debounce), per spec.md §4.5. Tool name "AskUserQuestion" is
// skipped entirely — it is handled by the Question Mediator.
func (r *Response) OnToolUse(ctx context.Context, tu assistant.ToolUse) {
	defer r.recoverLog("on_tool_use")
	if tu.Name == "AskUserQuestion" {
		return
	}

	r.mu.Lock()
	r.segments = append(r.segments, segment{kind: segTool, text: FormatToolSegment(tu.Name, tu.Input)})
	r.mu.Unlock()

	r.syncPosts(ctx)
}

// OnToolResult stashes any image references for upload at end-of-turn.
func (r *Response) OnToolResult(tr assistant.ToolResult) {
	defer r.recoverLog("on_tool_result")
	if len(tr.Images) == 0 {
		return
	}
	r.mu.Lock()
	r.imageRefs = append(r.imageRefs, tr.Images...)
	r.mu.Unlock()
}

// OnComplete finalizes the turn per spec.md §4.5's six-step algorithm.
func (r *Response) OnComplete(ctx context.Context) {
	defer r.recoverLog("on_complete")

	r.mu.Lock()
	if r.debounceFn != nil {
		r.debounceFn.Stop()
		r.debounceFn = nil
	}
	r.mu.Unlock()
	r.StopTyping()

	r.mu.Lock()
	full := r.fullTextLocked()
	hasPost := len(r.postIDs) > 0
	textSegCount, toolSegCount := 0, 0
	for _, s := range r.segments {
		if s.kind == segText {
			textSegCount++
		} else {
			toolSegCount++
		}
	}
	imageRefs := append([]string(nil), r.imageRefs...)
	r.mu.Unlock()

	if full == "" && !hasPost {
		return
	}

	if textSegCount == 1 && toolSegCount == 0 {
		r.syncPosts(ctx)
		r.uploadImages(ctx, imageRefs)
		return
	}

	// Mixed text+tool: peel the last text segment off, sync the streamed
	// post(s) with whatever tool content remains, then post the final
	// prose as fresh, chunked post(s).
	r.mu.Lock()
	var finalText string
	for i := len(r.segments) - 1; i >= 0; i-- {
		if r.segments[i].kind == segText {
			finalText = r.segments[i].text
			r.segments = append(r.segments[:i], r.segments[i+1:]...)
			break
		}
	}
	remaining := r.fullTextLocked()
	r.mu.Unlock()

	if remaining != "" {
		r.syncPosts(ctx)
	}

	if finalText != "" {
		for _, chunk := range Chunk(finalText) {
			if _, err := r.adapter.CreatePost(ctx, r.channelID, r.threadID, chunk); err != nil {
				r.logger.Printf("stream: final text post failed: %v", err)
			}
		}
	}

	r.uploadImages(ctx, imageRefs)
}

// Abort stops the typing indicator and any pending debounce timer without
// finalizing the post, used when a thread's session is killed mid-turn
// (spec.md §4.10's "!stop/!kill additionally abort the currently active
// StreamingResponse").
func (r *Response) Abort() {
	r.mu.Lock()
	if r.debounceFn != nil {
		r.debounceFn.Stop()
		r.debounceFn = nil
	}
	r.mu.Unlock()
	r.StopTyping()
}

func (r *Response) uploadImages(ctx context.Context, refs []string) {
	if len(refs) == 0 {
		return
	}
	uploader, ok := r.adapter.(chat.FileUploader)
	if !ok {
		return
	}
	anyOK := false
	for _, ref := range refs {
		if _, err := uploader.UploadFile(ctx, r.channelID, r.threadID, ref, nil); err != nil {
			r.logger.Printf("stream: upload %s failed: %v", ref, err)
			continue
		}
		anyOK = true
	}
	_ = anyOK // uploads are best-effort; nothing further to report
}

func (r *Response) recoverLog(where string) {
	if rec := recover(); rec != nil {
		r.logger.Printf("stream: %s panic: %v", where, rec)
	}
}

// Chunk splits text into pieces no longer than maxPostChars, preferring to
// break at a newline in the back half of the window, else hard-splitting.
// Grounded on the teacher's internal/telegraph/session.go chunkMessage.
func Chunk(text string) []string {
	if len(text) <= maxPostChars {
		return []string{text}
	}
	var chunks []string
	for len(text) > maxPostChars {
		window := text[:maxPostChars]
		splitAt := strings.LastIndex(window[maxPostChars/2:], "\n")
		if splitAt >= 0 {
			splitAt += maxPostChars / 2
		} else {
			splitAt = maxPostChars
		}
		chunks = append(chunks, text[:splitAt])
		text = text[splitAt:]
		text = strings.TrimPrefix(text, "\n")
	}
	if len(text) > 0 {
		chunks = append(chunks, text)
	}
	return chunks
}
