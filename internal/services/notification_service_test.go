package services

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sparkhq/spark-notify/internal/database/testutil"
	"github.com/sparkhq/spark-notify/internal/hub"
	"github.com/sparkhq/spark-notify/internal/models"
)

func newTestService(t *testing.T, userID string) *NotificationService {
	t.Helper()

	db := testutil.MustOpenTestDB(t, testutil.WithAutoMigrate())

	user := models.User{
		BaseModel: models.BaseModel{ID: userID},
		Username:  "user-" + userID,
		Email:     userID + "@example.com",
		Password:  "secret",
	}
	require.NoError(t, db.Create(&user).Error)

	svc, err := NewNotificationService(db, hub.NewHub())
	require.NoError(t, err)
	return svc
}

func TestNotificationServiceCreateAndList(t *testing.T) {
	svc := newTestService(t, "svc-create-1")

	ctx := context.Background()
	dto, err := svc.Create(ctx, CreateNotificationInput{
		UserID:   "svc-create-1",
		Type:     models.TypeMissionCompleted,
		Title:    "Mission complete",
		Message:  "You finished the morning run mission",
		Metadata: map[string]any{"mission_id": "m-1"},
	})
	require.NoError(t, err)
	require.Equal(t, models.TypeMissionCompleted, dto.Type)
	require.Equal(t, "normal", dto.Priority)
	require.False(t, dto.IsRead)

	items, err := svc.ListForUser(ctx, ListNotificationsInput{UserID: "svc-create-1", Limit: 10})
	require.NoError(t, err)
	require.Len(t, items, 1)
	require.Equal(t, dto.ID, items[0].ID)
}

func TestNotificationServiceRejectsUnknownType(t *testing.T) {
	svc := newTestService(t, "svc-type-1")

	_, err := svc.Create(context.Background(), CreateNotificationInput{
		UserID: "svc-type-1",
		Type:   "SOMETHING_ELSE",
		Title:  "?",
	})
	require.Error(t, err)
}

func TestNotificationServiceMarkRead(t *testing.T) {
	svc := newTestService(t, "svc-read-1")

	ctx := context.Background()
	dto, err := svc.Create(ctx, CreateNotificationInput{
		UserID:  "svc-read-1",
		Type:    models.TypeLevelUp,
		Title:   "Level 5",
		Message: "You reached level 5",
	})
	require.NoError(t, err)

	read, err := svc.MarkRead(ctx, "svc-read-1", dto.ID)
	require.NoError(t, err)
	require.True(t, read.IsRead)

	// Foreign user must not be able to flip the flag.
	_, err = svc.MarkRead(ctx, "someone-else", dto.ID)
	require.Error(t, err)
}

func TestNotificationServiceMarkAllRead(t *testing.T) {
	svc := newTestService(t, "svc-readall-1")

	ctx := context.Background()
	for _, title := range []string{"one", "two", "three"} {
		_, err := svc.Create(ctx, CreateNotificationInput{
			UserID:  "svc-readall-1",
			Type:    models.TypeFriendActivity,
			Title:   title,
			Message: title,
		})
		require.NoError(t, err)
	}

	require.NoError(t, svc.MarkAllRead(ctx, "svc-readall-1"))

	items, err := svc.ListForUser(ctx, ListNotificationsInput{UserID: "svc-readall-1"})
	require.NoError(t, err)
	require.Len(t, items, 3)
	for _, item := range items {
		require.True(t, item.IsRead)
	}
}

func TestNotificationServiceDeleteAndDeleteAll(t *testing.T) {
	svc := newTestService(t, "svc-del-1")

	ctx := context.Background()
	first, err := svc.Create(ctx, CreateNotificationInput{
		UserID:  "svc-del-1",
		Type:    models.TypeSystemAnnouncement,
		Title:   "Maintenance",
		Message: "Scheduled maintenance tonight",
	})
	require.NoError(t, err)
	_, err = svc.Create(ctx, CreateNotificationInput{
		UserID:  "svc-del-1",
		Type:    models.TypeDailyReminder,
		Title:   "Daily quest",
		Message: "Your daily quest is waiting",
	})
	require.NoError(t, err)

	require.NoError(t, svc.Delete(ctx, "svc-del-1", first.ID))
	require.Error(t, svc.Delete(ctx, "svc-del-1", first.ID)) // already gone

	require.NoError(t, svc.DeleteAll(ctx, "svc-del-1"))

	items, err := svc.ListForUser(ctx, ListNotificationsInput{UserID: "svc-del-1"})
	require.NoError(t, err)
	require.Empty(t, items)
}
