package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Notification channels a provider can be reached on.
const (
	ChannelWeb      = "web"
	ChannelSlack    = "slack"
	ChannelTelegram = "telegram"
	ChannelEmail    = "email"
)

// Profile is the provider (the human expert) behind provider-scoped keys.
type Profile struct {
	ID          string    `json:"id" gorm:"primaryKey"`
	AccountID   string    `json:"account_id" gorm:"index;not null"`
	Account     Account   `json:"-" gorm:"foreignKey:AccountID;references:ID"`
	Handle      string    `json:"handle" gorm:"unique;not null"`
	DisplayName string    `json:"display_name"`
	Channel     string    `json:"channel" gorm:"size:16;default:web"`
	CreatedAt   time.Time `json:"created_at"`
}

func (profile *Profile) BeforeCreate(tx *gorm.DB) (err error) {
	if profile.ID == "" {
		profile.ID = uuid.NewString()
	}
	return
}
