package assistant

import "time"

// Stats tracks lifetime and per-turn token/cost bookkeeping for a Session,
// per spec.md §3.
type Stats struct {
	LifetimeInputTokens  int
	LifetimeOutputTokens int
	LifetimeCost         float64
	ModelID              string

	TurnInputTokens   int
	TurnOutputTokens  int
	TurnCacheRead     int
	TurnCacheCreation int
	MessageSentAt     time.Time
	FirstTokenAt      time.Time
	CompleteAt        time.Time

	ContextWindow int
}

// ResetTurn clears per-turn fields only, leaving lifetime totals intact.
func (st *Stats) ResetTurn() {
	st.TurnInputTokens = 0
	st.TurnOutputTokens = 0
	st.TurnCacheRead = 0
	st.TurnCacheCreation = 0
	st.MessageSentAt = time.Time{}
	st.FirstTokenAt = time.Time{}
	st.CompleteAt = time.Time{}
}

// ContextPercent returns the percentage (0-100) of the context window consumed by the
// current turn, or nil when the window is unknown or the numerator is zero.
func (st *Stats) ContextPercent() *float64 {
	numerator := st.TurnInputTokens + st.TurnCacheRead + st.TurnCacheCreation
	if st.ContextWindow <= 0 || numerator == 0 {
		return nil
	}
	pct := float64(numerator) / float64(st.ContextWindow) * 100
	return &pct
}

// TokensPerSecond returns turn output tokens divided by the time from first
// token to completion, or nil when that duration is non-positive or there
// was no output.
func (st *Stats) TokensPerSecond() *float64 {
	if st.FirstTokenAt.IsZero() || st.CompleteAt.IsZero() || st.TurnOutputTokens <= 0 {
		return nil
	}
	d := st.CompleteAt.Sub(st.FirstTokenAt).Seconds()
	if d <= 0 {
		return nil
	}
	v := float64(st.TurnOutputTokens) / d
	return &v
}

// Snapshot returns a copy of the current stats, safe to read without
// holding the Session's internal lock.
func (s *Session) Snapshot() Stats {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	return s.stats
}
