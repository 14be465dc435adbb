package assistant

import "encoding/json"

// ToolUse is an assistant-initiated tool invocation.
type ToolUse struct {
	ID    string
	Name  string
	Input map[string]any
}

// ToolResult carries image and text file-path references returned from a
// tool_result content block.
type ToolResult struct {
	Images []string
	Texts  []string
}

// SystemEvent is a raw system-channel notice from the assistant.
type SystemEvent struct {
	Subtype string
	Message string
}

// Callbacks holds at most one handler per event kind. Registering a new
// handler for a kind replaces the previous one (last-writer-wins), per
// spec.md §4.1.
type Callbacks struct {
	OnText       func(chunk string)
	OnToolUse    func(ToolUse)
	OnToolResult func(ToolResult)
	OnComplete   func(s *Session)
	OnSystem     func(SystemEvent)
}

// rawEvent is used for the initial type-only dispatch, mirroring the
// teacher's streamEvent/ParseUsageFromContent shape in
// internal/engine/streamparse.go, generalized from token accounting to
// the full event protocol in spec.md §4.1.
type rawEvent struct {
	Type string `json:"type"`
}

type systemLine struct {
	Subtype string `json:"subtype"`
	Message string `json:"message"`
}

type contentBlock struct {
	Type    string         `json:"type"`
	Text    string         `json:"text"`
	ID      string         `json:"id"`
	Name    string         `json:"name"`
	Input   map[string]any `json:"input"`
	Content any            `json:"content"`
}

type assistantLine struct {
	Message struct {
		Model   string         `json:"model"`
		Content []contentBlock `json:"content"`
	} `json:"message"`
}

type userLine struct {
	Message struct {
		Content []contentBlock `json:"content"`
	} `json:"message"`
}

type modelUsage struct {
	InputTokens    int `json:"inputTokens"`
	OutputTokens   int `json:"outputTokens"`
	ContextWindow  int `json:"contextWindow"`
}

type resultLine struct {
	TotalCostUSD *float64 `json:"total_cost_usd"`
	Usage        struct {
		InputTokens              int `json:"input_tokens"`
		OutputTokens             int `json:"output_tokens"`
		CacheReadInputTokens     int `json:"cache_read_input_tokens"`
		CacheCreationInputTokens int `json:"cache_creation_input_tokens"`
	} `json:"usage"`
	ModelUsage map[string]modelUsage `json:"modelUsage"`
}

// dispatchLine parses one NDJSON line from the assistant and invokes the
// matching callback(s). Malformed JSON and unknown types are tolerated,
// matching spec.md §4.1's "unknown types are ignored, malformed lines are
// skipped with a debug log" rule.
func (s *Session) dispatchLine(line []byte) {
	var raw rawEvent
	if err := json.Unmarshal(line, &raw); err != nil {
		s.logf("assistant: skip malformed event line: %v", err)
		return
	}

	switch raw.Type {
	case "system":
		var sl systemLine
		if err := json.Unmarshal(line, &sl); err != nil {
			return
		}
		if sl.Message == "" {
			return
		}
		if cb := s.callbacks.OnSystem; cb != nil {
			cb(SystemEvent{Subtype: sl.Subtype, Message: sl.Message})
		}

	case "assistant":
		var al assistantLine
		if err := json.Unmarshal(line, &al); err != nil {
			return
		}
		var text string
		for _, block := range al.Message.Content {
			switch block.Type {
			case "text":
				text += block.Text
			case "tool_use":
				if cb := s.callbacks.OnToolUse; cb != nil {
					cb(ToolUse{ID: block.ID, Name: block.Name, Input: block.Input})
				}
			}
		}
		if text != "" {
			s.statsMu.Lock()
			if s.stats.FirstTokenAt.IsZero() {
				s.stats.FirstTokenAt = s.now()
			}
			s.statsMu.Unlock()
			if cb := s.callbacks.OnText; cb != nil {
				cb(text)
			}
		}

	case "user":
		var ul userLine
		if err := json.Unmarshal(line, &ul); err != nil {
			return
		}
		var images, texts []string
		for _, block := range ul.Message.Content {
			if block.Type != "tool_result" {
				continue
			}
			items, ok := block.Content.([]any)
			if !ok {
				continue
			}
			for _, item := range items {
				m, ok := item.(map[string]any)
				if !ok {
					continue
				}
				switch m["type"] {
				case "image":
					if src, ok := m["source"].(string); ok {
						images = append(images, src)
					}
				case "text":
					if t, ok := m["text"].(string); ok {
						texts = append(texts, t)
					}
				}
			}
		}
		if len(images) > 0 || len(texts) > 0 {
			if cb := s.callbacks.OnToolResult; cb != nil {
				cb(ToolResult{Images: images, Texts: texts})
			}
		}

	case "result":
		var rl resultLine
		if err := json.Unmarshal(line, &rl); err != nil {
			return
		}
		s.applyResult(rl)
		if cb := s.callbacks.OnComplete; cb != nil {
			cb(s)
		}
	}
}

func (s *Session) applyResult(rl resultLine) {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()

	if rl.TotalCostUSD != nil {
		s.stats.LifetimeCost += *rl.TotalCostUSD
	}
	s.stats.TurnInputTokens = rl.Usage.InputTokens
	s.stats.TurnOutputTokens = rl.Usage.OutputTokens
	s.stats.TurnCacheRead = rl.Usage.CacheReadInputTokens
	s.stats.TurnCacheCreation = rl.Usage.CacheCreationInputTokens

	// Only one model key is used: the lexicographically first, so the choice
	// does not depend on Go's random map iteration order.
	first, found := "", false
	for model := range rl.ModelUsage {
		if !found || model < first {
			first, found = model, true
		}
	}
	if found {
		mu := rl.ModelUsage[first]
		s.stats.LifetimeInputTokens += mu.InputTokens
		s.stats.LifetimeOutputTokens += mu.OutputTokens
		if mu.ContextWindow > 0 {
			s.stats.ContextWindow = mu.ContextWindow
		}
		s.stats.ModelID = first
	}
	s.stats.CompleteAt = s.now()
}
