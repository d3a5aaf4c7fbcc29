package models

import "time"

type IpStatus string

const (
	IpAllowed     IpStatus = "allowed"
	IpPending     IpStatus = "pending"
	IpBlacklisted IpStatus = "blacklisted"
)

// IpEvent is the reputation of one source address for one credential owner
// (an API key id, or a profile id for provider keys).
type IpEvent struct {
	ID          uint      `json:"id" gorm:"primaryKey"`
	OwnerID     string    `json:"owner_id" gorm:"size:64;not null;uniqueIndex:idx_ip_events_owner_ip,priority:1"`
	IP          string    `json:"ip" gorm:"size:64;not null;uniqueIndex:idx_ip_events_owner_ip,priority:2"`
	Status      IpStatus  `json:"status" gorm:"size:16;not null"`
	Attempts    int       `json:"attempts" gorm:"not null;default:0"`
	FirstSeenAt time.Time `json:"first_seen_at"`
	LastSeenAt  time.Time `json:"last_seen_at"`
}
