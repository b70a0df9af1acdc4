package models

import "time"

// UserState is the persisted dialog state of one assistant user.
type UserState struct {
	UserID     string     `gorm:"primaryKey;size:191"`
	State      string     `gorm:"type:mediumtext;not null"`
	Version    int64      `gorm:"not null;default:0"`
	NextExpiry *time.Time `gorm:"index"`
	CreatedAt  time.Time
	UpdatedAt  time.Time
}
