package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/metroengine/authgate/internal/models"
	"github.com/metroengine/authgate/pkg/crypto"
	"github.com/metroengine/authgate/pkg/metrics"
)

const (
	// DefaultAccessTokenTTL is the fallback lifetime for fully-scoped tokens.
	DefaultAccessTokenTTL = 2 * time.Hour
	// DefaultConstrainedTokenTTL is the short lifetime for MFA-pending tokens.
	DefaultConstrainedTokenTTL = 10 * time.Minute
)

var (
	// ErrTokenNotFound indicates the supplied token value matches no row.
	ErrTokenNotFound = errors.New("token: not found")
	// ErrTokenRevoked marks a token that has been explicitly invalidated.
	ErrTokenRevoked = errors.New("token: revoked")
	// ErrTokenExpired signals the token lifetime has lapsed.
	ErrTokenExpired = errors.New("token: expired")
)

// TokenConfig describes tunable behaviour for the TokenService.
type TokenConfig struct {
	AccessTokenTTL      time.Duration
	ConstrainedTokenTTL time.Duration
	TokenLength         int
	Clock               func() time.Time
}

// IssueInput holds the parameters for minting a new token.
type IssueInput struct {
	Identity *models.Identity
	Scope    string
	// TTL overrides the scope-derived default when positive.
	TTL time.Duration
	// WithRefresh controls whether a refresh token accompanies the access token.
	WithRefresh bool
}

// TokenService mints, resolves, rotates, and revokes opaque bearer tokens.
type TokenService struct {
	db             *gorm.DB
	accessTTL      time.Duration
	constrainedTTL time.Duration
	tokenLen       int
	now            func() time.Time
}

// NewTokenService constructs a token service backed by the provided database.
func NewTokenService(db *gorm.DB, cfg TokenConfig) (*TokenService, error) {
	if db == nil {
		return nil, errors.New("token service: db is required")
	}

	accessTTL := cfg.AccessTokenTTL
	if accessTTL <= 0 {
		accessTTL = DefaultAccessTokenTTL
	}

	constrainedTTL := cfg.ConstrainedTokenTTL
	if constrainedTTL <= 0 {
		constrainedTTL = DefaultConstrainedTokenTTL
	}

	length := cfg.TokenLength
	if length <= 0 {
		length = 48
	}

	clock := time.Now
	if cfg.Clock != nil {
		clock = cfg.Clock
	}

	return &TokenService{
		db:             db,
		accessTTL:      accessTTL,
		constrainedTTL: constrainedTTL,
		tokenLen:       length,
		now:            clock,
	}, nil
}

// Issue generates an unguessable access token (and refresh token unless
// suppressed) bound to the identity and scope.
func (s *TokenService) Issue(input IssueInput) (*models.AccessToken, error) {
	if input.Identity == nil || strings.TrimSpace(input.Identity.ID) == "" {
		return nil, errors.New("token service: identity is required")
	}
	if strings.TrimSpace(input.Scope) == "" {
		return nil, errors.New("token service: scope is required")
	}

	value, err := crypto.GenerateToken(s.tokenLen)
	if err != nil {
		return nil, fmt.Errorf("token service: generate access token: %w", err)
	}

	ttl := input.TTL
	if ttl <= 0 {
		ttl = s.accessTTL
		if strings.HasPrefix(input.Scope, "mfa_login_") {
			ttl = s.constrainedTTL
		}
	}

	token := &models.AccessToken{
		IdentityID: input.Identity.ID,
		Token:      value,
		Scope:      input.Scope,
		ExpiresIn:  int(ttl / time.Second),
	}
	token.CreatedAt = s.now()

	if input.WithRefresh {
		refresh, err := crypto.GenerateToken(s.tokenLen)
		if err != nil {
			return nil, fmt.Errorf("token service: generate refresh token: %w", err)
		}
		token.RefreshToken = &refresh
	}

	if err := s.db.Create(token).Error; err != nil {
		return nil, fmt.Errorf("token service: create token: %w", err)
	}

	metrics.ActiveTokens.Inc()

	return token, nil
}

// Resolve looks up a live token by its access-token value and returns it
// together with the owning identity.
func (s *TokenService) Resolve(value string) (*models.AccessToken, *models.Identity, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, nil, ErrTokenNotFound
	}

	var token models.AccessToken
	err := s.db.Preload("Identity").Where("token = ?", value).Take(&token).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil, ErrTokenNotFound
	}
	if err != nil {
		return nil, nil, fmt.Errorf("token service: find token: %w", err)
	}

	if token.RevokedAt != nil {
		return nil, nil, ErrTokenRevoked
	}
	if token.ExpiredAt(s.now()) {
		return nil, nil, ErrTokenExpired
	}
	if token.Identity == nil {
		return nil, nil, ErrTokenNotFound
	}

	return &token, token.Identity, nil
}

// Revoke invalidates the token matching the supplied access or refresh
// token value. Revoking an unknown or already-revoked token is a no-op.
func (s *TokenService) Revoke(value string) error {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil
	}

	now := s.now()

	result := s.db.Model(&models.AccessToken{}).
		Where("(token = ? OR refresh_token = ?) AND revoked_at IS NULL", value, value).
		Update("revoked_at", now)
	if result.Error != nil {
		return fmt.Errorf("token service: revoke token: %w", result.Error)
	}

	if result.RowsAffected > 0 {
		metrics.ActiveTokens.Sub(float64(result.RowsAffected))
	}

	return nil
}

// Refresh rotates the token bound to the supplied refresh token: the old
// row is revoked and a fresh access/refresh pair is issued for the same
// identity and scope.
func (s *TokenService) Refresh(refreshToken string) (*models.AccessToken, error) {
	refreshToken = strings.TrimSpace(refreshToken)
	if refreshToken == "" {
		return nil, ErrTokenNotFound
	}

	var token models.AccessToken
	err := s.db.Preload("Identity").Where("refresh_token = ?", refreshToken).Take(&token).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrTokenNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("token service: find refresh token: %w", err)
	}

	if token.RevokedAt != nil {
		return nil, ErrTokenRevoked
	}
	if token.ExpiredAt(s.now()) {
		return nil, ErrTokenExpired
	}
	if token.Identity == nil {
		return nil, ErrTokenNotFound
	}

	if err := s.Revoke(refreshToken); err != nil {
		return nil, err
	}

	return s.Issue(IssueInput{
		Identity:    token.Identity,
		Scope:       token.Scope,
		WithRefresh: true,
	})
}

// CleanupExpired removes rows that were revoked or whose lifetime has
// lapsed. Used by the maintenance cleaner. Expiry is evaluated in Go
// because it is derived from created_at plus a per-row TTL.
func (s *TokenService) CleanupExpired() (int64, error) {
	now := s.now()

	var tokens []models.AccessToken
	if err := s.db.Find(&tokens).Error; err != nil {
		return 0, fmt.Errorf("token service: list tokens: %w", err)
	}

	var removed, liveExpired int64
	for _, token := range tokens {
		if token.RevokedAt == nil && !token.ExpiredAt(now) {
			continue
		}
		if token.RevokedAt == nil {
			liveExpired++
		}
		if err := s.db.Delete(&models.AccessToken{}, "id = ?", token.ID).Error; err != nil {
			return removed, fmt.Errorf("token service: delete token: %w", err)
		}
		removed++
	}

	if liveExpired > 0 {
		metrics.ActiveTokens.Sub(float64(liveExpired))
	}

	return removed, nil
}
