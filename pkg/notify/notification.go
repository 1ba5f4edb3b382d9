// Package notify implements the client side of the Spark notification
// channel: a reconnecting WebSocket transport, a REST client for the
// notification API, and an in-memory store that reconciles optimistic
// local edits with server-confirmed state.
package notify

import (
	"encoding/json"
	"time"
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

// Notification is the wire representation of a single in-app notification.
type Notification struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	Priority  string    `json:"priority,omitempty"`
	Title     string    `json:"title"`
	Message   string    `json:"message"`
	ActionURL string    `json:"actionUrl,omitempty"`
	ImageURL  string    `json:"imageUrl,omitempty"`
	IsRead    bool      `json:"isRead"`
	CreatedAt time.Time `json:"createdAt"`
}

// IsMissionType reports whether the type belongs to the mission lifecycle.
// Mission notifications update the bell badge silently instead of raising
// an interruptive popup.
func IsMissionType(t string) bool {
	return t == TypeMissionStarted || t == TypeMissionCompleted
}

// frame is the message envelope exchanged over the WebSocket connection.
type frame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

const (
	frameNotification = "notification"
	framePing         = "ping"
	framePong         = "pong"
)
