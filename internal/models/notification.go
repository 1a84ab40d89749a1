package models

import "time"

// Notification types.
const (
	NotificationResultsReady = "results_ready"
	NotificationPeerTested   = "peer_tested"
)

// Notification is a message targeted at a single user.
type Notification struct {
	ID          uint      `gorm:"primaryKey" json:"id"`
	UserID      uint      `gorm:"not null;index" json:"user_id"`
	Type        string    `gorm:"size:64" json:"type"`
	Message     string    `gorm:"type:text" json:"message"`
	TestMatchID *string   `gorm:"size:16;index" json:"test_match_id,omitempty"`
	Read        bool      `gorm:"not null;default:false" json:"read"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}
