package models

import "time"

// ExchangeLog records one processed inbound message and the response the
// engine produced for it.
type ExchangeLog struct {
	ID           uint   `gorm:"primaryKey;autoIncrement"`
	UserID       string `gorm:"size:191;index:idx_user_created"`
	MessageID    int64
	MessageName  string `gorm:"size:64"`
	Event        string `gorm:"size:128"`
	ResponseName string `gorm:"size:64;index"`
	CallbackID   string `gorm:"size:64"`
	Error        string `gorm:"type:text"`
	LatencyMs    int
	CreatedAt    time.Time `gorm:"index:idx_user_created"`
}
