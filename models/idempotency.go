package models

import "time"

// IdempotencyKey stores the first completed response for a key-gated
// mutating call carrying an Idempotency-Key header.
type IdempotencyKey struct {
	ID             uint       `json:"id" gorm:"primaryKey"`
	Key            string     `json:"key" gorm:"size:128;uniqueIndex:idx_idempotency_keys_owner_key,priority:2"` // header value
	ApiKeyID       string     `json:"api_key_id" gorm:"size:64;uniqueIndex:idx_idempotency_keys_owner_key,priority:1"`
	RequestHash    string     `json:"request_hash" gorm:"size:64"` // sha256 of method|path|body|api key
	Method         string     `json:"method" gorm:"size:10"`
	Path           string     `json:"path" gorm:"size:255"`
	ResponseStatus int        `json:"response_status"`     // 0 => not completed yet
	ResponseBody   []byte     `json:"-" gorm:"type:bytea"` // raw response body (JSON)
	CreatedAt      time.Time  `json:"created_at"`
	CompletedAt    *time.Time `json:"completed_at"`
}
