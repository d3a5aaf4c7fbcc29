package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Account owns API keys and provider profiles.
type Account struct {
	ID        string    `json:"id" gorm:"primaryKey"`
	Name      string    `json:"name" gorm:"not null"`
	Email     string    `json:"email" gorm:"unique;not null"`
	CreatedAt time.Time `json:"created_at"`
}

func (account *Account) BeforeCreate(tx *gorm.DB) (err error) {
	if account.ID == "" {
		account.ID = uuid.NewString()
	}
	return
}
