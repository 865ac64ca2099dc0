package models

import "time"

type User struct {
	ID           uint64 `gorm:"primaryKey;autoIncrement" json:"id"`
	Email        string `gorm:"type:varchar(255);uniqueIndex;not null" json:"email"`
	PasswordHash string `gorm:"type:varchar(100);not null" json:"-"`

	// per-user generation preferences mirrored into new sessions
	MaxResponseLength int    `gorm:"not null;default:0" json:"max_response_length"`
	ResponseStyle     string `gorm:"type:varchar(32);not null;default:''" json:"response_style"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (User) TableName() string { return "users" }
