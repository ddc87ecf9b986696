package mfa

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/pquerna/otp/totp"
	"github.com/skip2/go-qrcode"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/metroengine/authgate/internal/auth"
	"github.com/metroengine/authgate/internal/models"
	"github.com/metroengine/authgate/internal/sms"
	"github.com/metroengine/authgate/pkg/crypto"
	"github.com/metroengine/authgate/pkg/metrics"
)

const (
	defaultIssuer     = "AuthGate"
	defaultQRCodeSize = 256

	// DefaultSMSCodeTTL bounds how long a dispatched SMS code stays
	// valid. Regeneration is last-write-wins on top of this.
	DefaultSMSCodeTTL = 10 * time.Minute

	smsCodeDigits = 6
)

var (
	// ErrInvalidCode is returned for any failed second-factor
	// verification: wrong TOTP code, wrong SMS code, or an SMS code
	// past its lifetime. One error for all of them.
	ErrInvalidCode = errors.New("mfa: invalid verification code")

	// ErrNotEnrolled is returned when a challenge is attempted against
	// an identity with no second factor configured.
	ErrNotEnrolled = errors.New("mfa: identity has no second factor enrolled")

	// ErrNoChallenge is returned when an SMS verification runs before
	// any code was dispatched.
	ErrNoChallenge = errors.New("mfa: no active sms challenge")
)

// Option allows customising the challenge engine.
type Option func(*Engine)

// WithIssuer overrides the issuer string encoded in provisioning URIs.
func WithIssuer(issuer string) Option {
	return func(e *Engine) {
		if strings.TrimSpace(issuer) != "" {
			e.issuer = issuer
		}
	}
}

// WithQRCodeSize controls the pixel size of generated QR codes.
func WithQRCodeSize(size int) Option {
	return func(e *Engine) {
		if size > 0 {
			e.qrCodeSize = size
		}
	}
}

// WithSMSCodeTTL overrides the SMS code lifetime.
func WithSMSCodeTTL(ttl time.Duration) Option {
	return func(e *Engine) {
		if ttl > 0 {
			e.smsCodeTTL = ttl
		}
	}
}

// WithClock injects a custom clock, primarily for testing.
func WithClock(clock func() time.Time) Option {
	return func(e *Engine) {
		if clock != nil {
			e.now = clock
		}
	}
}

// Engine runs second-factor challenges and enrollment for both
// supported methods. TOTP secrets and dispatched SMS codes are stored
// AES-GCM encrypted on the identity row.
type Engine struct {
	db            *gorm.DB
	encryptionKey []byte
	throttle      *auth.Throttle
	tokens        *auth.TokenService
	sender        sms.Sender
	logger        *zap.Logger

	issuer     string
	qrCodeSize int
	smsCodeTTL time.Duration
	now        func() time.Time
}

// NewEngine constructs a challenge engine backed by the provided database.
func NewEngine(db *gorm.DB, encryptionKey []byte, throttle *auth.Throttle, tokens *auth.TokenService, sender sms.Sender, logger *zap.Logger, opts ...Option) (*Engine, error) {
	if db == nil {
		return nil, errors.New("mfa: db is required")
	}
	if len(encryptionKey) == 0 {
		return nil, errors.New("mfa: encryption key is required")
	}
	if throttle == nil {
		return nil, errors.New("mfa: throttle is required")
	}
	if tokens == nil {
		return nil, errors.New("mfa: token service is required")
	}
	if sender == nil {
		sender = sms.NopSender{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	engine := &Engine{
		db:            db,
		encryptionKey: encryptionKey,
		throttle:      throttle,
		tokens:        tokens,
		sender:        sender,
		logger:        logger,
		issuer:        defaultIssuer,
		qrCodeSize:    defaultQRCodeSize,
		smsCodeTTL:    DefaultSMSCodeTTL,
		now:           time.Now,
	}

	for _, opt := range opts {
		opt(engine)
	}

	return engine, nil
}

// ProvisionedSecret is a freshly generated authenticator-app secret.
// Nothing is persisted until the holder proves possession via EnrollTOTP.
type ProvisionedSecret struct {
	Secret     string
	OtpauthURL string
	QRCodePNG  []byte
}

// GenerateAppSecret provisions a new TOTP secret for the identity and
// renders its QR code. The secret is returned to the caller only; it is
// stored when enrollment is confirmed with a valid code.
func (e *Engine) GenerateAppSecret(identity *models.Identity) (*ProvisionedSecret, error) {
	if identity == nil {
		return nil, errors.New("mfa: identity is required")
	}

	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      e.issuer,
		AccountName: identity.Email,
	})
	if err != nil {
		return nil, fmt.Errorf("mfa: generate totp key: %w", err)
	}

	png, err := qrcode.Encode(key.String(), qrcode.Medium, e.qrCodeSize)
	if err != nil {
		return nil, fmt.Errorf("mfa: encode qr code: %w", err)
	}

	return &ProvisionedSecret{
		Secret:     key.Secret(),
		OtpauthURL: key.String(),
		QRCodePNG:  png,
	}, nil
}

// EnrollTOTP confirms possession of a provisioned secret and persists
// it as the identity's second factor. Any SMS enrollment is cleared:
// an identity has at most one method at a time.
func (e *Engine) EnrollTOTP(identity *models.Identity, secret, code string) error {
	if identity == nil {
		return errors.New("mfa: identity is required")
	}

	secret = strings.TrimSpace(secret)
	code = strings.TrimSpace(code)
	if secret == "" || code == "" {
		return ErrInvalidCode
	}

	if err := e.throttle.Check(identity.ID); err != nil {
		return err
	}

	if !totp.Validate(code, secret) {
		e.throttle.RecordFailure(identity.ID)
		metrics.MFAChallenges.WithLabelValues(models.MFAMethodTOTP, "failure").Inc()
		return ErrInvalidCode
	}

	encrypted, err := crypto.Encrypt([]byte(secret), e.encryptionKey)
	if err != nil {
		return fmt.Errorf("mfa: encrypt totp secret: %w", err)
	}

	identity.MFAMethod = models.MFAMethodTOTP
	identity.TOTPSecret = encrypted
	identity.Phone = ""
	identity.SMSSecret = ""
	identity.SMSSecretCreatedAt = nil
	identity.InMFARecovery = false
	identity.MFARecoveryRequestedAt = nil

	if err := e.persistEnrollment(identity); err != nil {
		return err
	}

	e.throttle.RecordSuccess(identity.ID)
	metrics.MFAChallenges.WithLabelValues(models.MFAMethodTOTP, "success").Inc()
	return nil
}

// SendSMSCode generates a fresh 6-digit code, stores it encrypted on
// the identity (replacing any previous one), and dispatches it to the
// given phone number. When phone is empty the identity's enrolled
// number is used. Dispatch is fire-and-forget: a delivery failure is
// logged but the stored challenge stands.
func (e *Engine) SendSMSCode(ctx context.Context, identity *models.Identity, phone string) error {
	if identity == nil {
		return errors.New("mfa: identity is required")
	}

	phone = strings.TrimSpace(phone)
	if phone == "" {
		phone = identity.Phone
	}
	if phone == "" {
		return errors.New("mfa: no phone number for sms challenge")
	}

	code, err := crypto.GenerateNumericCode(smsCodeDigits)
	if err != nil {
		return fmt.Errorf("mfa: generate sms code: %w", err)
	}

	encrypted, err := crypto.Encrypt([]byte(code), e.encryptionKey)
	if err != nil {
		return fmt.Errorf("mfa: encrypt sms code: %w", err)
	}

	now := e.now()
	identity.SMSSecret = encrypted
	identity.SMSSecretCreatedAt = &now

	if err := e.db.Model(identity).Updates(map[string]any{
		"sms_secret":            encrypted,
		"sms_secret_created_at": now,
	}).Error; err != nil {
		return fmt.Errorf("mfa: store sms challenge: %w", err)
	}

	if err := e.sender.Send(ctx, phone, fmt.Sprintf("Your verification code is %s", code)); err != nil {
		e.logger.Warn("sms code dispatch failed",
			zap.String("identity_id", identity.ID),
			zap.Error(err))
	}

	return nil
}

// EnrollSMS confirms a dispatched SMS code and persists the phone
// number as the identity's second factor. Any TOTP enrollment is
// cleared.
func (e *Engine) EnrollSMS(identity *models.Identity, phone, code string) error {
	if identity == nil {
		return errors.New("mfa: identity is required")
	}

	phone = strings.TrimSpace(phone)
	if phone == "" {
		return errors.New("mfa: phone number is required")
	}

	if err := e.throttle.Check(identity.ID); err != nil {
		return err
	}

	if err := e.verifySMSCode(identity, code); err != nil {
		if errors.Is(err, ErrInvalidCode) || errors.Is(err, ErrNoChallenge) {
			e.throttle.RecordFailure(identity.ID)
			metrics.MFAChallenges.WithLabelValues(models.MFAMethodSMS, "failure").Inc()
			return ErrInvalidCode
		}
		return err
	}

	identity.MFAMethod = models.MFAMethodSMS
	identity.Phone = phone
	identity.TOTPSecret = ""
	identity.SMSSecret = ""
	identity.SMSSecretCreatedAt = nil
	identity.InMFARecovery = false
	identity.MFARecoveryRequestedAt = nil

	if err := e.persistEnrollment(identity); err != nil {
		return err
	}

	e.throttle.RecordSuccess(identity.ID)
	metrics.MFAChallenges.WithLabelValues(models.MFAMethodSMS, "success").Inc()
	return nil
}

// Authenticate runs the second-factor challenge for an enrolled
// identity and, on success, issues a full token with a refresh token.
// The throttle check runs before any secret comparison.
func (e *Engine) Authenticate(identity *models.Identity, code string) (*models.AccessToken, error) {
	if identity == nil {
		return nil, errors.New("mfa: identity is required")
	}

	if err := e.throttle.Check(identity.ID); err != nil {
		return nil, err
	}

	method := identity.MFAMethod
	if method == models.MFAMethodNone {
		return nil, ErrNotEnrolled
	}

	if err := e.verifyChallenge(identity, code); err != nil {
		if errors.Is(err, ErrInvalidCode) || errors.Is(err, ErrNoChallenge) {
			e.throttle.RecordFailure(identity.ID)
			metrics.MFAChallenges.WithLabelValues(method, "failure").Inc()
			return nil, ErrInvalidCode
		}
		return nil, err
	}

	if method == models.MFAMethodSMS {
		if err := e.clearSMSChallenge(identity); err != nil {
			return nil, err
		}
	}

	e.throttle.RecordSuccess(identity.ID)
	metrics.MFAChallenges.WithLabelValues(method, "success").Inc()

	return e.tokens.Issue(auth.IssueInput{
		Identity:    identity,
		Scope:       identity.Scope(),
		WithRefresh: true,
	})
}

func (e *Engine) verifyChallenge(identity *models.Identity, code string) error {
	switch identity.MFAMethod {
	case models.MFAMethodTOTP:
		return e.verifyTOTPCode(identity, code)
	case models.MFAMethodSMS:
		return e.verifySMSCode(identity, code)
	default:
		return ErrNotEnrolled
	}
}

func (e *Engine) verifyTOTPCode(identity *models.Identity, code string) error {
	code = strings.TrimSpace(code)
	if code == "" {
		return ErrInvalidCode
	}
	if identity.TOTPSecret == "" {
		return ErrNotEnrolled
	}

	secret, err := crypto.Decrypt(identity.TOTPSecret, e.encryptionKey)
	if err != nil {
		return fmt.Errorf("mfa: decrypt totp secret: %w", err)
	}

	if !totp.Validate(code, string(secret)) {
		return ErrInvalidCode
	}
	return nil
}

func (e *Engine) verifySMSCode(identity *models.Identity, code string) error {
	code = strings.TrimSpace(code)
	if code == "" {
		return ErrInvalidCode
	}
	if identity.SMSSecret == "" || identity.SMSSecretCreatedAt == nil {
		return ErrNoChallenge
	}

	if e.now().Sub(*identity.SMSSecretCreatedAt) > e.smsCodeTTL {
		return ErrInvalidCode
	}

	stored, err := crypto.Decrypt(identity.SMSSecret, e.encryptionKey)
	if err != nil {
		return fmt.Errorf("mfa: decrypt sms code: %w", err)
	}

	if subtle.ConstantTimeCompare(stored, []byte(code)) != 1 {
		return ErrInvalidCode
	}
	return nil
}

func (e *Engine) clearSMSChallenge(identity *models.Identity) error {
	identity.SMSSecret = ""
	identity.SMSSecretCreatedAt = nil

	if err := e.db.Model(identity).Updates(map[string]any{
		"sms_secret":            "",
		"sms_secret_created_at": nil,
	}).Error; err != nil {
		return fmt.Errorf("mfa: clear sms challenge: %w", err)
	}
	return nil
}

func (e *Engine) persistEnrollment(identity *models.Identity) error {
	if err := e.db.Model(identity).Updates(map[string]any{
		"mfa_method":                identity.MFAMethod,
		"totp_secret":               identity.TOTPSecret,
		"phone":                     identity.Phone,
		"sms_secret":                "",
		"sms_secret_created_at":     nil,
		"in_mfa_recovery":           false,
		"mfa_recovery_requested_at": nil,
	}).Error; err != nil {
		return fmt.Errorf("mfa: persist enrollment: %w", err)
	}
	return nil
}
