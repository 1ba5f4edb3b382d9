package reminder

import (
	"context"
	"errors"
	"fmt"

	"github.com/robfig/cron/v3"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/sparkhq/spark-notify/internal/models"
	"github.com/sparkhq/spark-notify/internal/services"
	"github.com/sparkhq/spark-notify/pkg/logger"
	"github.com/sparkhq/spark-notify/pkg/metrics"
)

const (
	defaultSchedule = "0 9 * * *"
	defaultTitle    = "Daily quest"
	defaultMessage  = "Your daily quest is waiting for you!"
)

// Scheduler periodically fans a DAILY_REMINDER notification out to every user.
type Scheduler struct {
	db       *gorm.DB
	service  *services.NotificationService
	cron     *cron.Cron
	log      *zap.Logger
	schedule string
	title    string
	message  string
}

// Option customises the Scheduler.
type Option func(*Scheduler)

// WithCron injects a preconfigured cron instance, primarily for testing.
func WithCron(c *cron.Cron) Option {
	return func(s *Scheduler) {
		if c != nil {
			s.cron = c
		}
	}
}

// WithSchedule overrides the cron specification for the reminder sweep.
func WithSchedule(spec string) Option {
	return func(s *Scheduler) {
		if spec != "" {
			s.schedule = spec
		}
	}
}

// WithContent overrides the reminder title and message.
func WithContent(title, message string) Option {
	return func(s *Scheduler) {
		if title != "" {
			s.title = title
		}
		if message != "" {
			s.message = message
		}
	}
}

// NewScheduler constructs a Scheduler with sensible defaults.
func NewScheduler(db *gorm.DB, service *services.NotificationService, opts ...Option) (*Scheduler, error) {
	if db == nil {
		return nil, errors.New("reminder: db is required")
	}
	if service == nil {
		return nil, errors.New("reminder: notification service is required")
	}

	s := &Scheduler{
		db:       db,
		service:  service,
		schedule: defaultSchedule,
		title:    defaultTitle,
		message:  defaultMessage,
		log:      logger.WithModule("reminder"),
	}

	for _, opt := range opts {
		opt(s)
	}

	if s.cron == nil {
		s.cron = cron.New(cron.WithLogger(cron.DiscardLogger))
	}

	return s, nil
}

// Start registers the sweep with the cron scheduler and launches it.
func (s *Scheduler) Start() error {
	if _, err := s.cron.AddFunc(s.schedule, func() {
		if err := s.RunOnce(context.Background()); err != nil {
			metrics.ReminderRuns.WithLabelValues("failure").Inc()
			s.log.Warn("reminder sweep failed", zap.Error(err))
			return
		}
		metrics.ReminderRuns.WithLabelValues("success").Inc()
	}); err != nil {
		return fmt.Errorf("reminder: register job: %w", err)
	}

	s.cron.Start()
	return nil
}

// Stop halts the underlying scheduler, waiting for any running sweep to complete.
func (s *Scheduler) Stop() context.Context {
	if s.cron == nil {
		return context.Background()
	}
	return s.cron.Stop()
}

// RunOnce creates one reminder per user. A failure for one user does not stop
// the sweep for the rest.
func (s *Scheduler) RunOnce(ctx context.Context) error {
	var users []models.User
	if err := s.db.WithContext(ctx).Find(&users).Error; err != nil {
		return fmt.Errorf("reminder: list users: %w", err)
	}

	var errs error
	for _, user := range users {
		_, err := s.service.Create(ctx, services.CreateNotificationInput{
			UserID:  user.ID,
			Type:    models.TypeDailyReminder,
			Title:   s.title,
			Message: s.message,
		})
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("user %s: %w", user.ID, err))
		}
	}

	return errs
}
