package database

import (
	"fmt"

	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"

	"github.com/sparkhq/spark-notify/internal/models"
)

// AutoMigrate creates or updates the database schema for all models.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&models.User{},
		&models.Notification{},
	)
}

// SeedData inserts the demo account used by local development environments.
// Existing rows are left untouched so repeated start-ups are safe.
func SeedData(db *gorm.DB) error {
	var count int64
	if err := db.Model(&models.User{}).Where("username = ?", "spark").Count(&count).Error; err != nil {
		return fmt.Errorf("seed: count users: %w", err)
	}
	if count > 0 {
		return nil
	}

	hash, err := bcrypt.GenerateFromPassword([]byte("spark-dev"), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("seed: hash password: %w", err)
	}

	demo := models.User{
		Username: "spark",
		Email:    "spark@example.com",
		Password: string(hash),
	}
	if err := db.Create(&demo).Error; err != nil {
		return fmt.Errorf("seed: create demo user: %w", err)
	}

	return nil
}
