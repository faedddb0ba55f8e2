package models

import (
	"time"

	"gorm.io/gorm"
)

// PlayerProfile holds per-user duel statistics (denormalized for performance).
// Stats rows are only mutated through the arbitrator's single transactional
// update — direct field-level writes bypassing that path are disallowed.
type PlayerProfile struct {
	ID             string `gorm:"primaryKey;type:uuid;default:gen_random_uuid()" json:"id"`
	ExternalUserID string `gorm:"uniqueIndex;not null" json:"external_user_id"` // links to profile service

	Wins       int64   `json:"wins" gorm:"default:0"`
	Losses     int64   `json:"losses" gorm:"default:0"`
	WinRate    float64 `json:"win_rate" gorm:"default:0"` // percentage, 0 if no games
	Experience int64   `json:"experience" gorm:"default:0"`
	Level      int     `json:"level" gorm:"default:0"`

	LastLevelUpAt *time.Time `json:"last_level_up_at,omitempty"`

	Timestamps
}

func (PlayerProfile) TableName() string { return "profiles" }

// Timestamps adds GORM auto-times
type Timestamps struct {
	CreatedAt time.Time      `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt time.Time      `json:"updated_at" gorm:"autoUpdateTime"`
	DeletedAt gorm.DeletedAt `json:"deleted_at,omitempty" gorm:"index"`
}
