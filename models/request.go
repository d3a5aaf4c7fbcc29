package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type RequestStatus string

const (
	StatusPending   RequestStatus = "pending"
	StatusReviewing RequestStatus = "reviewing"
	StatusActive    RequestStatus = "active"
	StatusResponded RequestStatus = "responded"
	StatusClosed    RequestStatus = "closed"
	StatusExpired   RequestStatus = "expired"
)

// Rank orders statuses along the lifecycle. A transition is only valid
// when it does not lower the rank. Terminal states share the top rank.
func (s RequestStatus) Rank() int {
	switch s {
	case StatusPending:
		return 0
	case StatusReviewing:
		return 1
	case StatusActive:
		return 2
	case StatusResponded:
		return 3
	case StatusClosed, StatusExpired:
		return 4
	}
	return -1
}

func (s RequestStatus) Terminal() bool {
	return s == StatusClosed || s == StatusExpired
}

// Answer channels. The legacy variant stores a plaintext answer on the
// request and seals it at read time; the message variant carries the
// answer as provider messages.
const (
	AnswerViaResponseField = "response_field"
	AnswerViaMessages      = "messages"
)

// Request is one escalated question and its conversation state.
type Request struct {
	ID            string        `json:"id" gorm:"primaryKey"`
	ReferenceCode string        `json:"reference_code" gorm:"size:32;uniqueIndex;not null"`
	Status        RequestStatus `json:"status" gorm:"size:16;index;not null"`

	ApiKeyID  string  `json:"-" gorm:"index;not null"`
	AccountID string  `json:"-" gorm:"index;not null"`
	ProfileID *string `json:"profile_id,omitempty" gorm:"index"`

	// Sealed with the at-rest keypair below.
	EncryptedQuestion string `json:"-" gorm:"type:text"`
	EncryptedHistory  string `json:"-" gorm:"type:text"`
	AtRestPublicKey   string `json:"-" gorm:"type:text;not null"`
	AtRestPrivateKey  string `json:"-" gorm:"type:text;not null"`

	ConsumerSigningKey    string `json:"-" gorm:"type:text"`
	ConsumerEncryptionKey string `json:"-" gorm:"type:text;not null"`
	ProviderSigningKey    string `json:"-" gorm:"type:text"`
	ProviderEncryptionKey string `json:"-" gorm:"type:text"`

	Response      *string `json:"-" gorm:"type:text"`
	AnswerChannel string  `json:"answer_channel,omitempty" gorm:"size:16"`

	WebhookURL    string `json:"-" gorm:"type:text;not null"`
	WebhookSecret string `json:"-" gorm:"size:128;not null"`

	Metadata datatypes.JSONMap `json:"metadata,omitempty" gorm:"type:jsonb"`

	CreatedAt   time.Time  `json:"created_at"`
	ExpiresAt   time.Time  `json:"expires_at" gorm:"index;not null"`
	RespondedAt *time.Time `json:"responded_at,omitempty"`
	ClosedAt    *time.Time `json:"closed_at,omitempty"`

	WebhookDelivered bool   `json:"-" gorm:"default:false"`
	WebhookAttempts  int    `json:"-" gorm:"default:0"`
	WebhookLastError string `json:"-" gorm:"type:text"`
}

func (request *Request) BeforeCreate(tx *gorm.DB) (err error) {
	if request.ID == "" {
		request.ID = uuid.NewString()
	}
	return
}

// KeysExchanged reports whether the provider has published its keys.
func (request *Request) KeysExchanged() bool {
	return request.ProviderEncryptionKey != ""
}
