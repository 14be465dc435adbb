package models

import "time"

// HeartbeatRunLog records one heartbeat execution for the dashboard's
// history view and for !status reporting beyond what PersistedSession
// alone provides.
type HeartbeatRunLog struct {
	ID          uint   `gorm:"primaryKey;autoIncrement"`
	Name        string `gorm:"size:128;index"`
	ChannelID   string `gorm:"size:128"`
	StartedAt   time.Time
	CompletedAt *time.Time
	Outcome     string `gorm:"size:16"` // "ok", "error", "timeout"
	Error       string `gorm:"type:text"`
}
