package models

import (
	"time"
)

// IdentityKind distinguishes the two account-holder populations.
type IdentityKind string

const (
	KindManager IdentityKind = "manager"
	KindAdmin   IdentityKind = "admin"
)

// Role tags within a kind. Managers belong to an account whose owner
// receives recovery notifications; admins answer to the root admin.
const (
	RoleOwner   = "owner"
	RoleManager = "manager"
	RoleRoot    = "root"
	RoleAdmin   = "admin"
)

// MFA methods an identity may be enrolled in.
const (
	MFAMethodNone = ""
	MFAMethodTOTP = "totp_app"
	MFAMethodSMS  = "sms"
)

// Identity is an authenticatable account holder (manager or admin).
// Password state is mutated only by the credential verifier; MFA fields
// only by the challenge engine and the recovery flow.
type Identity struct {
	BaseModel

	Kind  IdentityKind `gorm:"not null;index:idx_identities_kind_email,unique" json:"kind"`
	Email string       `gorm:"not null;index:idx_identities_kind_email,unique" json:"email"`
	Role  string       `gorm:"not null" json:"role"`

	// AccountID groups manager identities; the owner-role manager of the
	// same account is the recovery fan-out parent. Empty for admins.
	AccountID string `gorm:"index" json:"account_id,omitempty"`

	PasswordHash string `gorm:"not null" json:"-"`

	MFAMethod string `json:"mfa_method"`
	// TOTPSecret is AES-GCM encrypted; present iff MFAMethod == totp_app.
	TOTPSecret string `json:"-"`
	// Phone is present iff MFAMethod == sms.
	Phone string `json:"phone,omitempty"`

	// The single live SMS challenge (latest code wins).
	SMSSecret          string     `json:"-"`
	SMSSecretCreatedAt *time.Time `json:"-"`

	InMFARecovery          bool       `gorm:"default:false" json:"in_mfa_recovery"`
	MFARecoveryRequestedAt *time.Time `json:"-"`

	LastLoginAt *time.Time `json:"last_login_at"`
	LastLoginIP string     `json:"-"`
}

// IsRoot reports whether the identity holds the top-level admin role.
func (i *Identity) IsRoot() bool {
	return i.Kind == KindAdmin && i.Role == RoleRoot
}

// Scope returns the fully-authenticated token scope for this identity.
func (i *Identity) Scope() string {
	return string(i.Kind)
}

// ConstrainedScope returns the MFA-pending token scope for this identity.
func (i *Identity) ConstrainedScope() string {
	return "mfa_login_" + string(i.Kind)
}
