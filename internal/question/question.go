// Package question implements the Question Mediator from spec.md §4.6:
// it turns an assistant AskUserQuestion tool-use into a chat post with
// numbered emoji reactions, and turns a user's reaction back into an
// answer string fed back to the session.
//
// Grounded on the teacher's internal/yardmaster/escalate.go post-and-await
// human decision loop, generalized from a single yes/no escalation to the
// spec's ordered multi-option, multi-question protocol, with emoji
// handling adapted from internal/telegraph/slack/slack.go and
// internal/telegraph/discord/discord.go's reaction-to-choice mapping.
package question

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"

	"github.com/earlbridge/earl/internal/chat"
)

// emojiIndex maps the fixed reaction vocabulary to a zero-based option
// index, per spec.md §4.6.
var emojiIndex = map[string]int{
	"one":   0,
	"two":   1,
	"three": 2,
	"four":  3,
}

// maxOptions bounds the number of options a single question may present,
// matching the four-emoji vocabulary above.
const maxOptions = 4

// Option is one answer choice for a question.
type Option struct {
	Label       string
	Description string
}

// Question is one question in a (possibly multi-question) AskUserQuestion
// tool-use.
type Question struct {
	Text    string
	Options []Option
}

// Result is returned from HandleToolUse/HandleReaction to correlate the
// assistant's tool call with whatever answer text should be sent back.
type Result struct {
	ToolUseID  string
	AnswerText string
}

type answer struct {
	questionText string
	chosenLabel  string
}

type pendingInteraction struct {
	toolUseID  string
	threadID   string
	channelID  string
	remaining  []Question
	current    Question
	collected  []answer
}

// Mediator owns the pending-interaction state for one runtime.
type Mediator struct {
	adapter chat.Adapter
	logger  *log.Logger

	mu      sync.Mutex
	pending map[string]*pendingInteraction // keyed by post id
}

// New constructs a Mediator backed by adapter for posting/reacting.
func New(adapter chat.Adapter) *Mediator {
	return &Mediator{
		adapter: adapter,
		logger:  log.Default(),
		pending: make(map[string]*pendingInteraction),
	}
}

// parseToolUseInput decodes the AskUserQuestion tool-use input shape: a
// list of questions each with a list of options, delivered as untyped
// JSON (map[string]any) from the event parser.
func parseToolUseInput(raw map[string]any) []Question {
	rawQuestions, ok := raw["questions"].([]any)
	if !ok {
		return nil
	}
	var out []Question
	for _, rq := range rawQuestions {
		qm, ok := rq.(map[string]any)
		if !ok {
			continue
		}
		text, _ := qm["question"].(string)
		if text == "" {
			continue
		}
		var opts []Option
		if rawOpts, ok := qm["options"].([]any); ok {
			for _, ro := range rawOpts {
				om, ok := ro.(map[string]any)
				if !ok {
					continue
				}
				label, _ := om["label"].(string)
				if label == "" {
					continue
				}
				desc, _ := om["description"].(string)
				opts = append(opts, Option{Label: label, Description: desc})
				if len(opts) == maxOptions {
					break
				}
			}
		}
		out = append(out, Question{Text: text, Options: opts})
	}
	return out
}

// HandleToolUse handles an AskUserQuestion tool-use, posting the first
// question and registering the rest as pending. Returns nil if name is not
// AskUserQuestion or it carries no questions.
func (m *Mediator) HandleToolUse(ctx context.Context, threadID, channelID, toolUseID, name string, input map[string]any) *Result {
	if name != "AskUserQuestion" {
		return nil
	}
	questions := parseToolUseInput(input)
	if len(questions) == 0 {
		return nil
	}

	current := questions[0]
	remaining := questions[1:]

	postID, err := m.postQuestion(ctx, channelID, threadID, current)
	if err != nil {
		return &Result{ToolUseID: toolUseID, AnswerText: "Failed to post question"}
	}

	m.mu.Lock()
	m.pending[postID] = &pendingInteraction{
		toolUseID: toolUseID,
		threadID:  threadID,
		channelID: channelID,
		remaining: remaining,
		current:   current,
	}
	m.mu.Unlock()

	m.addReactions(ctx, postID, len(current.Options))

	return &Result{ToolUseID: toolUseID}
}

func (m *Mediator) postQuestion(ctx context.Context, channelID, threadID string, q Question) (string, error) {
	var b strings.Builder
	b.WriteString(q.Text)
	b.WriteString("\n")
	for i, opt := range q.Options {
		b.WriteString(fmt.Sprintf("\n%d. %s", i+1, opt.Label))
		if opt.Description != "" {
			b.WriteString(" — ")
			b.WriteString(opt.Description)
		}
	}
	return m.adapter.CreatePost(ctx, channelID, threadID, b.String())
}

func (m *Mediator) addReactions(ctx context.Context, postID string, n int) {
	if n > maxOptions {
		n = maxOptions
	}
	names := []string{"one", "two", "three", "four"}
	for i := 0; i < n; i++ {
		if err := m.adapter.AddReaction(ctx, postID, names[i]); err != nil {
			m.logger.Printf("question: add reaction %s failed: %v", names[i], err)
		}
	}
}

// HandleReaction processes an emoji reaction against a pending question
// post. Returns nil if the post is unknown, the emoji isn't recognized, or
// the index is out of range for the current question's option count. When
// the final question in the sequence is answered, returns the composed
// answer text; otherwise posts the next question and returns nil.
func (m *Mediator) HandleReaction(ctx context.Context, postID, emojiName string) *Result {
	idx, ok := emojiIndex[emojiName]
	if !ok {
		return nil
	}

	m.mu.Lock()
	pi, exists := m.pending[postID]
	if !exists {
		m.mu.Unlock()
		return nil
	}
	if idx < 0 || idx >= len(pi.current.Options) {
		m.mu.Unlock()
		return nil
	}
	chosen := pi.current.Options[idx]
	pi.collected = append(pi.collected, answer{questionText: pi.current.Text, chosenLabel: chosen.Label})
	delete(m.pending, postID)
	remaining := pi.remaining
	collected := pi.collected
	threadID, channelID, toolUseID := pi.threadID, pi.channelID, pi.toolUseID
	m.mu.Unlock()

	if err := m.adapter.DeletePost(ctx, postID); err != nil {
		m.logger.Printf("question: delete post %s failed: %v", postID, err)
	}

	if len(remaining) > 0 {
		next := remaining[0]
		nextRemaining := remaining[1:]
		nextPostID, err := m.postQuestion(ctx, channelID, threadID, next)
		if err != nil {
			return &Result{ToolUseID: toolUseID, AnswerText: "Failed to post question"}
		}
		m.mu.Lock()
		m.pending[nextPostID] = &pendingInteraction{
			toolUseID: toolUseID,
			threadID:  threadID,
			channelID: channelID,
			remaining: nextRemaining,
			current:   next,
			collected: collected,
		}
		m.mu.Unlock()
		m.addReactions(ctx, nextPostID, len(next.Options))
		return nil
	}

	return &Result{ToolUseID: toolUseID, AnswerText: composeAnswer(collected)}
}

func composeAnswer(answers []answer) string {
	var b strings.Builder
	for i, a := range answers {
		if i > 0 {
			b.WriteString("\n")
		}
		b.WriteString(fmt.Sprintf("%s: %s", a.questionText, a.chosenLabel))
	}
	return b.String()
}

// PendingCount reports the number of in-flight question posts, for tests
// and diagnostics.
func (m *Mediator) PendingCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

// DropPendingForThread removes any pending interactions bound to threadID,
// used when the Terminal Monitor tombstones a session (spec.md §4.9 step 1).
func (m *Mediator) DropPendingForThread(threadID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for postID, pi := range m.pending {
		if pi.threadID == threadID {
			delete(m.pending, postID)
		}
	}
}
