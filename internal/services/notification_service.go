package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/sparkhq/spark-notify/internal/hub"
	"github.com/sparkhq/spark-notify/internal/models"
	apperrors "github.com/sparkhq/spark-notify/pkg/errors"
	"github.com/sparkhq/spark-notify/pkg/metrics"
)

// NotificationDTO is the wire representation consumed by the Spark client.
// Field names are camelCase to match the frames the web app already parses.
type NotificationDTO struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	Priority  string    `json:"priority"`
	Title     string    `json:"title"`
	Message   string    `json:"message"`
	ActionURL string    `json:"actionUrl,omitempty"`
	ImageURL  string    `json:"imageUrl,omitempty"`
	IsRead    bool      `json:"isRead"`
	CreatedAt time.Time `json:"createdAt"`
}

// CreateNotificationInput defines attributes required to persist a notification.
type CreateNotificationInput struct {
	UserID    string
	Type      string
	Priority  string
	Title     string
	Message   string
	ActionURL string
	ImageURL  string
	Metadata  map[string]any
}

// ListNotificationsInput defines filters for querying user notifications.
type ListNotificationsInput struct {
	UserID string
	Limit  int
	Offset int
}

// NotificationService manages user in-app notifications and push delivery.
type NotificationService struct {
	db  *gorm.DB
	hub *hub.Hub
}

// NewNotificationService constructs a NotificationService.
func NewNotificationService(db *gorm.DB, h *hub.Hub) (*NotificationService, error) {
	if db == nil {
		return nil, errors.New("notification service: db is required")
	}
	return &NotificationService{db: db, hub: h}, nil
}

// ListForUser returns notifications for the supplied user ordered by recency.
func (s *NotificationService) ListForUser(ctx context.Context, input ListNotificationsInput) ([]NotificationDTO, error) {
	userID := strings.TrimSpace(input.UserID)
	if userID == "" {
		return nil, errors.New("notification service: user id is required")
	}

	limit := input.Limit
	if limit <= 0 || limit > 100 {
		limit = 50
	}

	offset := input.Offset
	if offset < 0 {
		offset = 0
	}

	var rows []models.Notification
	if err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Limit(limit).
		Offset(offset).
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("notification service: list notifications: %w", err)
	}

	return mapNotificationRows(rows), nil
}

// Create registers a new notification and pushes it to the owner's live connections.
func (s *NotificationService) Create(ctx context.Context, input CreateNotificationInput) (*NotificationDTO, error) {
	userID := strings.TrimSpace(input.UserID)
	if userID == "" {
		return nil, errors.New("notification service: user id is required")
	}
	notificationType := strings.TrimSpace(input.Type)
	if !models.KnownType(notificationType) {
		return nil, fmt.Errorf("notification service: unknown type %q", input.Type)
	}

	notification := models.Notification{
		UserID:    userID,
		Type:      notificationType,
		Priority:  defaultIfEmpty(strings.TrimSpace(input.Priority), "normal"),
		Title:     strings.TrimSpace(input.Title),
		Message:   strings.TrimSpace(input.Message),
		ActionURL: strings.TrimSpace(input.ActionURL),
		ImageURL:  strings.TrimSpace(input.ImageURL),
	}

	if input.Metadata != nil {
		data, err := json.Marshal(input.Metadata)
		if err != nil {
			return nil, fmt.Errorf("notification service: marshal metadata: %w", err)
		}
		notification.Metadata = datatypes.JSON(data)
	}

	if err := s.db.WithContext(ctx).Create(&notification).Error; err != nil {
		return nil, fmt.Errorf("notification service: create notification: %w", err)
	}

	dto := mapNotification(notification)
	s.push(userID, dto)
	return &dto, nil
}

// MarkRead sets the notification read flag for a user.
func (s *NotificationService) MarkRead(ctx context.Context, userID, notificationID string) (*NotificationDTO, error) {
	var notification models.Notification
	if err := s.db.WithContext(ctx).
		Where("id = ? AND user_id = ?", notificationID, userID).
		First(&notification).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperrors.ErrNotFound
		}
		return nil, fmt.Errorf("notification service: load notification: %w", err)
	}

	now := time.Now().UTC()
	if err := s.db.WithContext(ctx).Model(&notification).
		Updates(map[string]any{
			"is_read": true,
			"read_at": now,
		}).Error; err != nil {
		return nil, fmt.Errorf("notification service: mark read: %w", err)
	}

	notification.IsRead = true
	notification.ReadAt = &now
	dto := mapNotification(notification)
	return &dto, nil
}

// MarkAllRead marks every unread notification for the user as read.
func (s *NotificationService) MarkAllRead(ctx context.Context, userID string) error {
	if strings.TrimSpace(userID) == "" {
		return errors.New("notification service: user id is required")
	}

	if err := s.db.WithContext(ctx).
		Model(&models.Notification{}).
		Where("user_id = ? AND is_read = ?", userID, false).
		Updates(map[string]any{
			"is_read": true,
			"read_at": time.Now().UTC(),
		}).Error; err != nil {
		return fmt.Errorf("notification service: mark all read: %w", err)
	}

	return nil
}

// Delete removes a notification owned by the supplied user.
func (s *NotificationService) Delete(ctx context.Context, userID, notificationID string) error {
	result := s.db.WithContext(ctx).
		Where("id = ? AND user_id = ?", notificationID, userID).
		Delete(&models.Notification{})
	if result.Error != nil {
		return fmt.Errorf("notification service: delete notification: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return apperrors.ErrNotFound
	}

	return nil
}

// DeleteAll removes every notification owned by the supplied user.
func (s *NotificationService) DeleteAll(ctx context.Context, userID string) error {
	if strings.TrimSpace(userID) == "" {
		return errors.New("notification service: user id is required")
	}

	if err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Delete(&models.Notification{}).Error; err != nil {
		return fmt.Errorf("notification service: delete all: %w", err)
	}

	return nil
}

func (s *NotificationService) push(userID string, dto NotificationDTO) {
	if s.hub == nil {
		return
	}

	frame, err := hub.NotificationFrame(dto)
	if err != nil {
		return
	}

	s.hub.Broadcast(userID, frame)
	metrics.NotificationsDelivered.WithLabelValues(dto.Type).Inc()
}

func mapNotificationRows(rows []models.Notification) []NotificationDTO {
	items := make([]NotificationDTO, 0, len(rows))
	for _, row := range rows {
		items = append(items, mapNotification(row))
	}
	return items
}

func mapNotification(row models.Notification) NotificationDTO {
	return NotificationDTO{
		ID:        row.ID,
		Type:      row.Type,
		Priority:  defaultIfEmpty(row.Priority, "normal"),
		Title:     row.Title,
		Message:   row.Message,
		ActionURL: row.ActionURL,
		ImageURL:  row.ImageURL,
		IsRead:    row.IsRead,
		CreatedAt: row.CreatedAt,
	}
}

func defaultIfEmpty(value, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return value
}
