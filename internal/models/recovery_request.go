package models

import (
	"time"

	"gorm.io/datatypes"
)

// RecoveryRequest is the single-use artifact allowing an identity to
// bypass a lost second factor after re-proving primary credentials.
// AppliedAt transitions nil -> timestamp exactly once; once set the
// request is permanently inert.
type RecoveryRequest struct {
	BaseModel

	IdentityID string    `gorm:"type:uuid;not null;index" json:"identity_id"`
	Identity   *Identity `gorm:"foreignKey:IdentityID" json:"-"`

	Token string `gorm:"uniqueIndex;not null" json:"-"`
	Code  string `gorm:"not null" json:"-"`

	ExpiresAt time.Time  `gorm:"index;not null" json:"expires_at"`
	AppliedAt *time.Time `json:"applied_at"`

	// Addresses the recovery notification was fanned out to.
	NotifiedTo datatypes.JSON `json:"-"`
}

// ExpiredAt reports whether the request lapsed at the given instant.
func (r *RecoveryRequest) ExpiredAt(now time.Time) bool {
	return now.After(r.ExpiresAt)
}
