package terminal

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"
)

// State is a pane's classified activity, per spec.md §4.9 step 2.
type State int

const (
	StateRunning State = iota
	StateCompleted
	StateAskingQuestion
	StateRequestingPermission
	StateErrored
	StateStalled
)

func (s State) String() string {
	switch s {
	case StateCompleted:
		return "completed"
	case StateAskingQuestion:
		return "asking_question"
	case StateRequestingPermission:
		return "requesting_permission"
	case StateErrored:
		return "errored"
	case StateStalled:
		return "stalled"
	default:
		return "running"
	}
}

// DefaultStallThreshold is the number of consecutive unchanged polls
// before a pane is classified stalled, per spec.md §4.9.2.e.
const DefaultStallThreshold = 4

const tailWindow = 15

var numberedOptionRe = regexp.MustCompile(`^\s*\d+[.)]`)

// promptSentinelRe matches a trailing shell-prompt sentinel: "# ", "% ", or
// "❯ " anywhere as a suffix, or "$ " specifically when not preceded by a
// digit (to avoid matching dollar amounts like "$0.05").
var promptSentinelRe = regexp.MustCompile(`(^|[^0-9])\$ $|# $|% $|❯ $`)

// classify runs the pipeline in spec.md §4.9 step 2 against the most
// recent pane capture. stallCount is the number of consecutive prior polls
// whose hash matched this capture's hash (the caller tracks this per
// pane); classify itself is a pure function of the text plus that count.
func classify(text string, stallCount int) State {
	lines := nonEmptyLines(text)
	if len(lines) == 0 {
		return StateRunning
	}

	if isPromptSentinel(lines[len(lines)-1]) {
		return StateCompleted
	}

	tail := tailLines(lines, tailWindow)
	tailJoined := strings.Join(tail, "\n")

	if isAskingQuestion(tail) {
		return StateAskingQuestion
	}
	if isRequestingPermission(tailJoined) {
		return StateRequestingPermission
	}
	if isErrored(tailJoined) {
		return StateErrored
	}
	if stallCount >= DefaultStallThreshold {
		return StateStalled
	}
	return StateRunning
}

func nonEmptyLines(text string) []string {
	var out []string
	for _, l := range strings.Split(text, "\n") {
		if strings.TrimRight(l, " \t") != "" {
			out = append(out, l)
		}
	}
	return out
}

func tailLines(lines []string, n int) []string {
	if len(lines) <= n {
		return lines
	}
	return lines[len(lines)-n:]
}

func isPromptSentinel(line string) bool {
	return promptSentinelRe.MatchString(line)
}

func isAskingQuestion(tail []string) bool {
	hasQuestion := false
	numberedCount := 0
	for _, l := range tail {
		if strings.Contains(l, "?") {
			hasQuestion = true
		}
		if numberedOptionRe.MatchString(l) {
			numberedCount++
		}
	}
	return hasQuestion && numberedCount >= 2
}

func isRequestingPermission(tail string) bool {
	hasAllowDeny := strings.Contains(tail, "Allow") || strings.Contains(tail, "Deny")
	hasPrompt := strings.Contains(tail, "Do you want to")
	return hasAllowDeny && hasPrompt
}

func isErrored(tail string) bool {
	return strings.Contains(tail, "Error:") || strings.Contains(tail, "FAILED") || strings.Contains(tail, "Traceback")
}

// hashCapture returns a stable digest of pane text for stall detection,
// generalizing the teacher's repeated-line counting in
// internal/engine/stall.go from "identical line repeats" to "identical
// whole-pane capture repeats."
func hashCapture(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// ParsedQuestion is a question extracted from pane text by questionFromPane.
type ParsedQuestion struct {
	Text    string
	Options []string
}

var optionLineRe = regexp.MustCompile(`^\s*(\d+)[.)]\s+(.+)$`)

// questionFromPane implements the question parser in spec.md §4.9: the
// first line containing "?" is the question text; subsequent numbered
// lines (capped at 4) are its options. Returns nil if either is missing.
func questionFromPane(text string) *ParsedQuestion {
	lines := strings.Split(text, "\n")
	qIdx := -1
	for i, l := range lines {
		if strings.Contains(l, "?") {
			qIdx = i
			break
		}
	}
	if qIdx == -1 {
		return nil
	}

	var opts []string
	for _, l := range lines[qIdx+1:] {
		m := optionLineRe.FindStringSubmatch(l)
		if m == nil {
			continue
		}
		opts = append(opts, strings.TrimSpace(m[2]))
		if len(opts) == 4 {
			break
		}
	}
	if len(opts) == 0 {
		return nil
	}
	return &ParsedQuestion{Text: strings.TrimSpace(lines[qIdx]), Options: opts}
}
