package models

// User represents an account that can receive notifications.
type User struct {
	BaseModel

	Username string `gorm:"type:varchar(64);uniqueIndex;not null" json:"username"`
	Email    string `gorm:"type:varchar(255);uniqueIndex" json:"email"`
	Password string `gorm:"type:varchar(255);not null" json:"-"`

	Notifications []Notification `gorm:"foreignKey:UserID" json:"-"`
}
