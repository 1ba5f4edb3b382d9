package models

import (
	"time"

	"gorm.io/datatypes"
)

// Notification types pushed by the mission backend.
const (
	TypeMissionStarted      = "MISSION_STARTED"
	TypeMissionCompleted    = "MISSION_COMPLETED"
	TypeLevelUp             = "LEVEL_UP"
	TypeAchievementUnlocked = "ACHIEVEMENT_UNLOCKED"
	TypeFriendActivity      = "FRIEND_ACTIVITY"
	TypeDailyReminder       = "DAILY_REMINDER"
	TypeSystemAnnouncement  = "SYSTEM_ANNOUNCEMENT"
)

// Notification represents an in-app notification for a user.
type Notification struct {
	BaseModel

	UserID    string         `gorm:"type:uuid;index" json:"user_id"`
	Type      string         `gorm:"type:varchar(64);not null" json:"type"`
	Priority  string         `gorm:"type:varchar(32);default:'normal'" json:"priority"`
	Title     string         `gorm:"type:varchar(255);not null" json:"title"`
	Message   string         `gorm:"type:text" json:"message"`
	ActionURL string         `gorm:"type:text" json:"action_url"`
	ImageURL  string         `gorm:"type:text" json:"image_url"`
	Metadata  datatypes.JSON `json:"metadata"`

	IsRead bool       `gorm:"default:false;index" json:"is_read"`
	ReadAt *time.Time `json:"read_at"`
}

// KnownType reports whether the provided type string is part of the fixed enumeration.
func KnownType(t string) bool {
	switch t {
	case TypeMissionStarted, TypeMissionCompleted, TypeLevelUp,
		TypeAchievementUnlocked, TypeFriendActivity, TypeDailyReminder,
		TypeSystemAnnouncement:
		return true
	}
	return false
}
