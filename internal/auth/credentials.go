package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/metroengine/authgate/internal/models"
	"github.com/metroengine/authgate/pkg/crypto"
)

// ErrInvalidPasswordOrEmail is returned when the supplied identity/password
// pair is invalid. A missing identity and a hash mismatch produce the same
// error so the response does not reveal which one failed.
var ErrInvalidPasswordOrEmail = errors.New("credentials: invalid password or email")

// CredentialConfig defines tunable behaviour for the verifier.
type CredentialConfig struct {
	Clock func() time.Time
}

// CredentialVerifier validates primary email/password credentials against
// the identity store.
type CredentialVerifier struct {
	db    *gorm.DB
	clock func() time.Time
}

// NewCredentialVerifier builds a verifier backed by the provided database.
func NewCredentialVerifier(db *gorm.DB, cfg CredentialConfig) (*CredentialVerifier, error) {
	if db == nil {
		return nil, errors.New("credential verifier: db is required")
	}

	clock := time.Now
	if cfg.Clock != nil {
		clock = cfg.Clock
	}

	return &CredentialVerifier{db: db, clock: clock}, nil
}

// Verify looks up the identity by kind and email and compares the bcrypt
// hash. Throttling is the caller's responsibility and must run first.
func (v *CredentialVerifier) Verify(kind models.IdentityKind, email, password string) (*models.Identity, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" || password == "" {
		return nil, ErrInvalidPasswordOrEmail
	}

	var identity models.Identity
	err := v.db.Where("kind = ? AND LOWER(email) = ?", kind, email).Take(&identity).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrInvalidPasswordOrEmail
	}
	if err != nil {
		return nil, fmt.Errorf("credential verifier: query identity: %w", err)
	}

	if !crypto.VerifyPassword(identity.PasswordHash, password) {
		return nil, ErrInvalidPasswordOrEmail
	}

	return &identity, nil
}

// RecordLogin stamps last-login metadata after a successful primary check.
func (v *CredentialVerifier) RecordLogin(identity *models.Identity, ip string) error {
	if identity == nil {
		return errors.New("credential verifier: identity is required")
	}

	now := v.clock()
	identity.LastLoginAt = &now
	identity.LastLoginIP = strings.TrimSpace(ip)

	if err := v.db.Model(identity).Updates(map[string]any{
		"last_login_at": now,
		"last_login_ip": identity.LastLoginIP,
	}).Error; err != nil {
		return fmt.Errorf("credential verifier: record login: %w", err)
	}

	return nil
}

// ThrottleKey derives the attempt-throttle key for a primary login
// attempt, keyed by the attempted identity rather than the resolved one
// so unknown emails are throttled too.
func ThrottleKey(kind models.IdentityKind, email string) string {
	return string(kind) + ":" + strings.ToLower(strings.TrimSpace(email))
}
