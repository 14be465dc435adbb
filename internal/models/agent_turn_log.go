// Package models holds the GORM-backed supplementary telemetry tables
// (SPEC_FULL.md §3): pure read-models that enrich the dashboard and
// !status beyond spec.md's in-memory/JSON state, grounded on the teacher's
// internal/models package shape (one small struct per table, gorm tags for
// indices/sizes, no behavior beyond field definitions).
package models

import "time"

// AgentTurnLog records one completed assistant turn for cost reporting and
// the dashboard's thread-activity view. Additive: nothing in spec.md's
// invariants reads from this table, so a missing or stale row never
// affects a running session.
type AgentTurnLog struct {
	ID              uint   `gorm:"primaryKey;autoIncrement"`
	ThreadID        string `gorm:"size:128;index"`
	ClaudeSessionID string `gorm:"size:64;index"`
	Model           string `gorm:"size:64"`
	InputTokens     int
	OutputTokens    int
	CostUSD         float64
	DurationMs      int
	Transcript      string `gorm:"type:mediumtext"`
	CreatedAt       time.Time
}
