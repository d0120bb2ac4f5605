package models

import "time"

// RateLimitWindow is one fixed window for one key. WindowStart is the unix
// second floored to the window size, so every instance computes the same row
// key for the same instant.
type RateLimitWindow struct {
	Key         string    `gorm:"primaryKey;type:varchar(128)" json:"key"`
	WindowStart int64     `gorm:"primaryKey" json:"window_start"`
	Count       int64     `gorm:"default:0" json:"count"`
	ExpiresAt   time.Time `gorm:"index" json:"expires_at"`
}
