package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type SenderRole string

const (
	RoleConsumer SenderRole = "consumer"
	RoleProvider SenderRole = "provider"
)

func (r SenderRole) Valid() bool {
	return r == RoleConsumer || r == RoleProvider
}

// Placeholder values marking an unencrypted message. Ciphertext then holds
// base64 of the raw UTF-8 text.
const (
	PlaintextIV        = "plaintext"
	PlaintextAuthTag   = "plaintext"
	PlaintextSignature = "unsigned"
)

// Message is one leg of the conversation. Its payload is opaque to the relay.
type Message struct {
	ID             string     `json:"id" gorm:"primaryKey"`
	RequestID      string     `json:"request_id" gorm:"index;not null"`
	SenderRole     SenderRole `json:"sender_role" gorm:"size:16;not null"`
	Ciphertext     string     `json:"ciphertext" gorm:"type:text;not null"`
	IV             string     `json:"iv" gorm:"size:255;not null"`
	AuthTag        string     `json:"auth_tag" gorm:"size:255;not null"`
	Signature      string     `json:"signature" gorm:"type:text;not null"`
	IdempotencyKey string     `json:"idempotency_key" gorm:"size:128;uniqueIndex;not null"`
	SafetyReceipt  string     `json:"-" gorm:"type:text"`
	CreatedAt      time.Time  `json:"created_at" gorm:"index"`
}

func (message *Message) BeforeCreate(tx *gorm.DB) (err error) {
	if message.ID == "" {
		message.ID = uuid.NewString()
	}
	return
}

func (message *Message) IsPlaintext() bool {
	return message.IV == PlaintextIV
}
