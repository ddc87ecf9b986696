package models

import (
	"time"
)

// AccessToken is an opaque bearer token row. Multiple live tokens may
// coexist per identity; revocation is by token value.
type AccessToken struct {
	BaseModel

	IdentityID string    `gorm:"type:uuid;not null;index" json:"identity_id"`
	Identity   *Identity `gorm:"foreignKey:IdentityID" json:"-"`

	Token        string  `gorm:"uniqueIndex;not null" json:"-"`
	RefreshToken *string `gorm:"uniqueIndex" json:"-"`

	Scope     string `gorm:"not null" json:"scope"`
	ExpiresIn int    `gorm:"not null" json:"expires_in"`

	RevokedAt *time.Time `json:"revoked_at"`
}

// ExpiresAt derives the absolute expiry from creation time and TTL.
func (t *AccessToken) ExpiresAt() time.Time {
	return t.CreatedAt.Add(time.Duration(t.ExpiresIn) * time.Second)
}

// ExpiredAt reports whether the token lifetime has lapsed at the given instant.
func (t *AccessToken) ExpiredAt(now time.Time) bool {
	return now.After(t.ExpiresAt())
}

// Constrained reports whether the token only grants access to the
// MFA-step and recovery endpoints.
func (t *AccessToken) Constrained() bool {
	return len(t.Scope) > len("mfa_login_") && t.Scope[:len("mfa_login_")] == "mfa_login_"
}
