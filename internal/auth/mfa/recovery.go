package mfa

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/metroengine/authgate/internal/auth"
	"github.com/metroengine/authgate/internal/models"
	"github.com/metroengine/authgate/pkg/crypto"
	"github.com/metroengine/authgate/pkg/metrics"
)

const (
	// DefaultRecoveryTTL is how long a recovery request stays redeemable.
	DefaultRecoveryTTL = time.Hour

	recoveryTokenLength = 32
	recoveryCodeDigits  = 6
)

var (
	// ErrUnknownToken is returned when no recovery request matches the
	// supplied token. Unlike the other failure causes it is surfaced
	// distinctly.
	ErrUnknownToken = errors.New("mfa: unknown recovery token")

	// ErrRecoveryExpired and ErrRecoveryUsed are surfaced by Check.
	// Reset folds them into ErrInvalidRecoveryParams.
	ErrRecoveryExpired = errors.New("mfa: recovery request expired")
	ErrRecoveryUsed    = errors.New("mfa: recovery request already used")

	// ErrInvalidRecoveryParams is the single error Reset returns for
	// every cause past the token lookup: expiry, prior use, a wrong
	// code, or a failed credential re-check. The specific cause is
	// logged, never returned.
	ErrInvalidRecoveryParams = errors.New("mfa: invalid recovery params")
)

// RecoveryNotifier fans a freshly minted recovery request out to the
// supervising recipients and reports the addresses actually notified.
type RecoveryNotifier interface {
	NotifyRecoveryRequested(ctx context.Context, identity *models.Identity, token, code string) ([]string, error)
}

// RecoveryConfig describes tunable behaviour for the recovery service.
type RecoveryConfig struct {
	TTL   time.Duration
	Clock func() time.Time
}

// RecoveryService issues and consumes single-use recovery requests that
// let an identity who lost their second factor re-prove their primary
// credential and drop back to an unenrolled state.
type RecoveryService struct {
	db       *gorm.DB
	throttle *auth.Throttle
	verifier *auth.CredentialVerifier
	tokens   *auth.TokenService
	notifier RecoveryNotifier
	logger   *zap.Logger

	ttl time.Duration
	now func() time.Time
}

// NewRecoveryService constructs a recovery service backed by the
// provided database.
func NewRecoveryService(db *gorm.DB, throttle *auth.Throttle, verifier *auth.CredentialVerifier, tokens *auth.TokenService, notifier RecoveryNotifier, logger *zap.Logger, cfg RecoveryConfig) (*RecoveryService, error) {
	if db == nil {
		return nil, errors.New("recovery: db is required")
	}
	if throttle == nil {
		return nil, errors.New("recovery: throttle is required")
	}
	if verifier == nil {
		return nil, errors.New("recovery: credential verifier is required")
	}
	if tokens == nil {
		return nil, errors.New("recovery: token service is required")
	}
	if notifier == nil {
		return nil, errors.New("recovery: notifier is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = DefaultRecoveryTTL
	}

	clock := time.Now
	if cfg.Clock != nil {
		clock = cfg.Clock
	}

	return &RecoveryService{
		db:       db,
		throttle: throttle,
		verifier: verifier,
		tokens:   tokens,
		notifier: notifier,
		logger:   logger,
		ttl:      ttl,
		now:      clock,
	}, nil
}

// Request mints a recovery request for the identity, marks it as being
// in recovery, and fans notifications out to its supervisors. Root
// admins have nobody above them: the call is a no-op that still reports
// success.
func (s *RecoveryService) Request(ctx context.Context, identity *models.Identity) (*models.RecoveryRequest, error) {
	if identity == nil {
		return nil, errors.New("recovery: identity is required")
	}

	if identity.IsRoot() {
		metrics.RecoveryRequests.WithLabelValues("request", "skipped").Inc()
		return nil, nil
	}

	token, err := crypto.GenerateToken(recoveryTokenLength)
	if err != nil {
		return nil, fmt.Errorf("recovery: generate token: %w", err)
	}

	code, err := crypto.GenerateNumericCode(recoveryCodeDigits)
	if err != nil {
		return nil, fmt.Errorf("recovery: generate code: %w", err)
	}

	now := s.now()
	request := &models.RecoveryRequest{
		IdentityID: identity.ID,
		Token:      token,
		Code:       code,
		ExpiresAt:  now.Add(s.ttl),
	}

	// Dispatch is fire-and-forget: a delivery failure is logged and the
	// request still stands so the holder can retry from a notification
	// that did land.
	recipients, err := s.notifier.NotifyRecoveryRequested(ctx, identity, token, code)
	if err != nil {
		s.logger.Warn("recovery notification dispatch failed",
			zap.String("identity_id", identity.ID),
			zap.Error(err))
	}
	if len(recipients) > 0 {
		encoded, err := json.Marshal(recipients)
		if err != nil {
			return nil, fmt.Errorf("recovery: marshal recipients: %w", err)
		}
		request.NotifiedTo = datatypes.JSON(encoded)
	}

	if err := s.db.Create(request).Error; err != nil {
		return nil, fmt.Errorf("recovery: create request: %w", err)
	}

	identity.InMFARecovery = true
	identity.MFARecoveryRequestedAt = &now
	if err := s.db.Model(identity).Updates(map[string]any{
		"in_mfa_recovery":           true,
		"mfa_recovery_requested_at": now,
	}).Error; err != nil {
		return nil, fmt.Errorf("recovery: flag identity: %w", err)
	}

	metrics.RecoveryRequests.WithLabelValues("request", "success").Inc()
	return request, nil
}

// Check pre-validates a recovery token without consuming it and without
// touching the throttle. Causes are surfaced distinctly here; only
// Reset collapses them.
func (s *RecoveryService) Check(token string) (*models.RecoveryRequest, error) {
	request, err := s.findByToken(token)
	if err != nil {
		return nil, err
	}

	if request.ExpiredAt(s.now()) {
		return nil, ErrRecoveryExpired
	}
	if request.AppliedAt != nil {
		return nil, ErrRecoveryUsed
	}

	return request, nil
}

// ResetInput carries everything a holder must present to redeem a
// recovery request.
type ResetInput struct {
	Token    string
	Email    string
	Password string
	Code     string
}

// Reset redeems a recovery request: it re-verifies the primary
// credential against the request's owning identity, consumes the
// request exactly once, clears the identity's second-factor enrollment,
// and issues a constrained token so the holder must complete a normal
// login afterwards.
//
// Every failure past the token lookup is logged with its cause,
// recorded as a throttle failure, and returned uniformly as
// ErrInvalidRecoveryParams so the response does not reveal which step
// failed. The throttle check runs before anything else.
func (s *RecoveryService) Reset(input ResetInput) (*models.AccessToken, error) {
	throttleKey := "reset:" + strings.ToLower(strings.TrimSpace(input.Email))

	if err := s.throttle.Check(throttleKey); err != nil {
		return nil, err
	}

	request, err := s.findByToken(input.Token)
	if err != nil {
		return nil, err
	}

	var identity models.Identity
	err = s.db.Take(&identity, "id = ?", request.IdentityID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, s.fail(throttleKey, request, "identity missing")
	}
	if err != nil {
		return nil, fmt.Errorf("recovery: load identity: %w", err)
	}

	now := s.now()
	if request.ExpiredAt(now) {
		return nil, s.fail(throttleKey, request, "request expired")
	}
	if request.AppliedAt != nil {
		return nil, s.fail(throttleKey, request, "request already used")
	}

	if subtle.ConstantTimeCompare([]byte(request.Code), []byte(strings.TrimSpace(input.Code))) != 1 {
		return nil, s.fail(throttleKey, request, "code mismatch")
	}

	verified, err := s.verifier.Verify(identity.Kind, input.Email, input.Password)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidPasswordOrEmail) {
			return nil, s.fail(throttleKey, request, "credential check failed")
		}
		return nil, err
	}
	if verified.ID != identity.ID {
		return nil, s.fail(throttleKey, request, "credential resolves to another identity")
	}

	// Single consumption: only one concurrent reset can win this update.
	result := s.db.Model(&models.RecoveryRequest{}).
		Where("id = ? AND applied_at IS NULL", request.ID).
		Update("applied_at", now)
	if result.Error != nil {
		return nil, fmt.Errorf("recovery: consume request: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return nil, s.fail(throttleKey, request, "request already used")
	}

	if err := s.clearEnrollment(&identity); err != nil {
		return nil, err
	}

	s.throttle.RecordSuccess(throttleKey)
	metrics.RecoveryRequests.WithLabelValues("reset", "success").Inc()

	return s.tokens.Issue(auth.IssueInput{
		Identity: &identity,
		Scope:    identity.ConstrainedScope(),
	})
}

func (s *RecoveryService) findByToken(token string) (*models.RecoveryRequest, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrUnknownToken
	}

	var request models.RecoveryRequest
	err := s.db.Where("token = ?", token).Take(&request).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrUnknownToken
	}
	if err != nil {
		return nil, fmt.Errorf("recovery: find request: %w", err)
	}

	return &request, nil
}

func (s *RecoveryService) fail(throttleKey string, request *models.RecoveryRequest, cause string) error {
	s.logger.Warn("mfa recovery reset rejected",
		zap.String("request_id", request.ID),
		zap.String("identity_id", request.IdentityID),
		zap.String("cause", cause))

	s.throttle.RecordFailure(throttleKey)
	metrics.RecoveryRequests.WithLabelValues("reset", "failure").Inc()
	return ErrInvalidRecoveryParams
}

// clearEnrollment drops the identity back to an unenrolled state,
// removing only the secret matching its method plus the method itself.
func (s *RecoveryService) clearEnrollment(identity *models.Identity) error {
	method := identity.MFAMethod

	updates := map[string]any{
		"mfa_method":                models.MFAMethodNone,
		"in_mfa_recovery":           false,
		"mfa_recovery_requested_at": nil,
	}

	switch method {
	case models.MFAMethodTOTP:
		updates["totp_secret"] = ""
	case models.MFAMethodSMS:
		updates["phone"] = ""
		updates["sms_secret"] = ""
		updates["sms_secret_created_at"] = nil
	}

	if err := s.db.Model(identity).Updates(updates).Error; err != nil {
		return fmt.Errorf("recovery: clear enrollment: %w", err)
	}

	identity.MFAMethod = models.MFAMethodNone
	identity.InMFARecovery = false
	identity.MFARecoveryRequestedAt = nil
	switch method {
	case models.MFAMethodTOTP:
		identity.TOTPSecret = ""
	case models.MFAMethodSMS:
		identity.Phone = ""
		identity.SMSSecret = ""
		identity.SMSSecretCreatedAt = nil
	}

	return nil
}
