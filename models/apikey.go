package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type Scope string

const (
	ScopeRead  Scope = "read"
	ScopeWrite Scope = "write"
	ScopeFull  Scope = "full"
	ScopeAdmin Scope = "admin"
)

func (s Scope) Valid() bool {
	switch s {
	case ScopeRead, ScopeWrite, ScopeFull, ScopeAdmin:
		return true
	}
	return false
}

// ApiKey is a caller credential. Key is matched exactly; after a rotation
// the old secret survives only as an HMAC in PreviousKeyHash until
// PreviousKeyExpiresAt.
type ApiKey struct {
	ID        string   `json:"id" gorm:"primaryKey"`
	Key       string   `json:"-" gorm:"uniqueIndex;size:255;not null"`
	Name      string   `json:"name" gorm:"size:128"`
	AccountID string   `json:"account_id" gorm:"index;not null"`
	Account   Account  `json:"-" gorm:"foreignKey:AccountID;references:ID"`
	ProfileID *string  `json:"profile_id,omitempty" gorm:"index"`
	Profile   *Profile `json:"-" gorm:"foreignKey:ProfileID;references:ID"`

	Scope     Scope `json:"scope" gorm:"size:16;not null;default:read"`
	RateLimit int   `json:"rate_limit" gorm:"not null;default:60"`
	Active    bool  `json:"active" gorm:"default:true"`

	PreviousKeyHash      string     `json:"-" gorm:"size:64;index"`
	PreviousKeyExpiresAt *time.Time `json:"previous_key_expires_at,omitempty"`
	RotatedAt            *time.Time `json:"rotated_at,omitempty"`

	DeviceSecretHash string `json:"-" gorm:"size:64"`
	MachineID        string `json:"machine_id,omitempty" gorm:"size:255"`

	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

func (apiKey *ApiKey) BeforeCreate(tx *gorm.DB) (err error) {
	if apiKey.ID == "" {
		apiKey.ID = uuid.NewString()
	}
	return
}

// IsProviderKey reports whether the key acts for a provider profile.
func (apiKey *ApiKey) IsProviderKey() bool {
	return apiKey.ProfileID != nil && *apiKey.ProfileID != ""
}
