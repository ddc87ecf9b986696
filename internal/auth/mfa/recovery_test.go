package mfa

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/metroengine/authgate/internal/auth"
	"github.com/metroengine/authgate/internal/database/testutil"
	"github.com/metroengine/authgate/internal/models"
)

type fakeNotifier struct {
	calls      int
	recipients []string
	err        error
}

func (f *fakeNotifier) NotifyRecoveryRequested(_ context.Context, identity *models.Identity, _, _ string) ([]string, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	if f.recipients != nil {
		return f.recipients, nil
	}
	return []string{identity.Email}, nil
}

type recoveryEnv struct {
	db       *gorm.DB
	svc      *RecoveryService
	notifier *fakeNotifier
	throttle *auth.Throttle
	clock    *time.Time
}

func newRecoveryEnv(t *testing.T, throttleCfg auth.ThrottleConfig) *recoveryEnv {
	t.Helper()

	db := testutil.MustOpenTestDB(t)

	now := time.Date(2025, 7, 1, 10, 0, 0, 0, time.UTC)
	clock := &now
	tick := func() time.Time { return *clock }

	throttleCfg.Clock = tick
	throttle := auth.NewThrottle(throttleCfg)

	verifier, err := auth.NewCredentialVerifier(db, auth.CredentialConfig{Clock: tick})
	require.NoError(t, err)

	tokens, err := auth.NewTokenService(db, auth.TokenConfig{Clock: tick})
	require.NoError(t, err)

	notifier := &fakeNotifier{}
	svc, err := NewRecoveryService(db, throttle, verifier, tokens, notifier, nil, RecoveryConfig{Clock: tick})
	require.NoError(t, err)

	return &recoveryEnv{db: db, svc: svc, notifier: notifier, throttle: throttle, clock: clock}
}

func (env *recoveryEnv) advance(d time.Duration) {
	*env.clock = env.clock.Add(d)
}

func seedTOTPIdentity(t *testing.T, db *gorm.DB, email string) *models.Identity {
	t.Helper()

	identity := seedIdentity(t, db, models.KindManager, models.RoleManager, email)
	require.NoError(t, db.Model(identity).Updates(map[string]any{
		"mfa_method":  models.MFAMethodTOTP,
		"totp_secret": "encrypted-secret",
	}).Error)
	identity.MFAMethod = models.MFAMethodTOTP
	identity.TOTPSecret = "encrypted-secret"
	return identity
}

func TestRequestIsNoOpForRoot(t *testing.T) {
	env := newRecoveryEnv(t, auth.ThrottleConfig{})
	root := seedIdentity(t, env.db, models.KindAdmin, models.RoleRoot, "root@example.com")

	request, err := env.svc.Request(context.Background(), root)
	require.NoError(t, err)
	require.Nil(t, request)
	require.Zero(t, env.notifier.calls)

	var count int64
	require.NoError(t, env.db.Model(&models.RecoveryRequest{}).Count(&count).Error)
	require.Zero(t, count)

	var reloaded models.Identity
	require.NoError(t, env.db.Take(&reloaded, "id = ?", root.ID).Error)
	require.False(t, reloaded.InMFARecovery)
}

func TestRequestCreatesSingleUseArtifact(t *testing.T) {
	env := newRecoveryEnv(t, auth.ThrottleConfig{})
	env.notifier.recipients = []string{"alice@example.com", "owner@example.com"}
	identity := seedTOTPIdentity(t, env.db, "alice@example.com")

	request, err := env.svc.Request(context.Background(), identity)
	require.NoError(t, err)
	require.NotEmpty(t, request.Token)
	require.Len(t, request.Code, recoveryCodeDigits)
	require.True(t, request.ExpiresAt.Equal(env.clock.Add(DefaultRecoveryTTL)))
	require.Nil(t, request.AppliedAt)
	require.Equal(t, 1, env.notifier.calls)

	var notified []string
	require.NoError(t, json.Unmarshal(request.NotifiedTo, &notified))
	require.Equal(t, []string{"alice@example.com", "owner@example.com"}, notified)

	var reloaded models.Identity
	require.NoError(t, env.db.Take(&reloaded, "id = ?", identity.ID).Error)
	require.True(t, reloaded.InMFARecovery)
	require.NotNil(t, reloaded.MFARecoveryRequestedAt)
}

func TestRequestSurvivesDispatchFailure(t *testing.T) {
	env := newRecoveryEnv(t, auth.ThrottleConfig{})
	env.notifier.err = context.DeadlineExceeded
	identity := seedTOTPIdentity(t, env.db, "bob@example.com")

	request, err := env.svc.Request(context.Background(), identity)
	require.NoError(t, err)
	require.NotNil(t, request)
	require.Empty(t, request.NotifiedTo)
}

func TestCheckSurfacesCauses(t *testing.T) {
	env := newRecoveryEnv(t, auth.ThrottleConfig{})
	identity := seedTOTPIdentity(t, env.db, "carol@example.com")

	_, err := env.svc.Check("no-such-token")
	require.ErrorIs(t, err, ErrUnknownToken)

	request, err := env.svc.Request(context.Background(), identity)
	require.NoError(t, err)

	checked, err := env.svc.Check(request.Token)
	require.NoError(t, err)
	require.Equal(t, request.ID, checked.ID)

	env.advance(DefaultRecoveryTTL + time.Minute)
	_, err = env.svc.Check(request.Token)
	require.ErrorIs(t, err, ErrRecoveryExpired)
	env.advance(-(DefaultRecoveryTTL + time.Minute))

	applied := *env.clock
	require.NoError(t, env.db.Model(&models.RecoveryRequest{}).
		Where("id = ?", request.ID).Update("applied_at", applied).Error)
	_, err = env.svc.Check(request.Token)
	require.ErrorIs(t, err, ErrRecoveryUsed)
}

func TestResetClearsEnrollmentAndIssuesConstrainedToken(t *testing.T) {
	env := newRecoveryEnv(t, auth.ThrottleConfig{})
	identity := seedTOTPIdentity(t, env.db, "dave@example.com")

	request, err := env.svc.Request(context.Background(), identity)
	require.NoError(t, err)

	token, err := env.svc.Reset(ResetInput{
		Token:    request.Token,
		Email:    "dave@example.com",
		Password: "password123",
		Code:     request.Code,
	})
	require.NoError(t, err)
	require.Equal(t, "mfa_login_manager", token.Scope)
	require.Nil(t, token.RefreshToken)

	var reloaded models.Identity
	require.NoError(t, env.db.Take(&reloaded, "id = ?", identity.ID).Error)
	require.Equal(t, models.MFAMethodNone, reloaded.MFAMethod)
	require.Empty(t, reloaded.TOTPSecret)
	require.False(t, reloaded.InMFARecovery)

	var consumed models.RecoveryRequest
	require.NoError(t, env.db.Take(&consumed, "id = ?", request.ID).Error)
	require.NotNil(t, consumed.AppliedAt)
}

func TestResetClearsSMSEnrollment(t *testing.T) {
	env := newRecoveryEnv(t, auth.ThrottleConfig{})
	identity := seedIdentity(t, env.db, models.KindManager, models.RoleOwner, "erin@example.com")
	now := *env.clock
	require.NoError(t, env.db.Model(identity).Updates(map[string]any{
		"mfa_method":            models.MFAMethodSMS,
		"phone":                 "+15550007777",
		"sms_secret":            "encrypted-code",
		"sms_secret_created_at": now,
	}).Error)
	identity.MFAMethod = models.MFAMethodSMS

	request, err := env.svc.Request(context.Background(), identity)
	require.NoError(t, err)

	_, err = env.svc.Reset(ResetInput{
		Token:    request.Token,
		Email:    "erin@example.com",
		Password: "password123",
		Code:     request.Code,
	})
	require.NoError(t, err)

	var reloaded models.Identity
	require.NoError(t, env.db.Take(&reloaded, "id = ?", identity.ID).Error)
	require.Equal(t, models.MFAMethodNone, reloaded.MFAMethod)
	require.Empty(t, reloaded.Phone)
	require.Empty(t, reloaded.SMSSecret)
	require.Nil(t, reloaded.SMSSecretCreatedAt)
}

func TestResetIsSingleUse(t *testing.T) {
	env := newRecoveryEnv(t, auth.ThrottleConfig{})
	identity := seedTOTPIdentity(t, env.db, "frank@example.com")

	request, err := env.svc.Request(context.Background(), identity)
	require.NoError(t, err)

	input := ResetInput{
		Token:    request.Token,
		Email:    "frank@example.com",
		Password: "password123",
		Code:     request.Code,
	}

	_, err = env.svc.Reset(input)
	require.NoError(t, err)

	// Same token again, fully correct parameters: permanently inert.
	_, err = env.svc.Reset(input)
	require.ErrorIs(t, err, ErrInvalidRecoveryParams)
}

func TestResetUnknownTokenIsDistinct(t *testing.T) {
	env := newRecoveryEnv(t, auth.ThrottleConfig{})
	seedTOTPIdentity(t, env.db, "grace@example.com")

	_, err := env.svc.Reset(ResetInput{
		Token:    "no-such-token",
		Email:    "grace@example.com",
		Password: "password123",
		Code:     "123456",
	})
	require.ErrorIs(t, err, ErrUnknownToken)
}

func TestResetCollapsesFailureCauses(t *testing.T) {
	env := newRecoveryEnv(t, auth.ThrottleConfig{})
	identity := seedTOTPIdentity(t, env.db, "heidi@example.com")
	seedTOTPIdentity(t, env.db, "impostor@example.com")

	request, err := env.svc.Request(context.Background(), identity)
	require.NoError(t, err)

	base := ResetInput{
		Token:    request.Token,
		Email:    "heidi@example.com",
		Password: "password123",
		Code:     request.Code,
	}

	wrongCode := base
	wrongCode.Code = "000000"
	_, err = env.svc.Reset(wrongCode)
	require.ErrorIs(t, err, ErrInvalidRecoveryParams)

	wrongPassword := base
	wrongPassword.Password = "not-the-password"
	_, err = env.svc.Reset(wrongPassword)
	require.ErrorIs(t, err, ErrInvalidRecoveryParams)

	// Valid credentials for a different identity than the token's owner.
	otherIdentity := base
	otherIdentity.Email = "impostor@example.com"
	_, err = env.svc.Reset(otherIdentity)
	require.ErrorIs(t, err, ErrInvalidRecoveryParams)

	// Expiry wins over otherwise perfect parameters.
	env.advance(DefaultRecoveryTTL + time.Minute)
	_, err = env.svc.Reset(base)
	require.ErrorIs(t, err, ErrInvalidRecoveryParams)
}

func TestResetThrottleChecksFirst(t *testing.T) {
	env := newRecoveryEnv(t, auth.ThrottleConfig{Threshold: 2})
	identity := seedTOTPIdentity(t, env.db, "ivan@example.com")

	request, err := env.svc.Request(context.Background(), identity)
	require.NoError(t, err)

	bad := ResetInput{
		Token:    request.Token,
		Email:    "ivan@example.com",
		Password: "password123",
		Code:     "000000",
	}
	for i := 0; i < 2; i++ {
		_, err = env.svc.Reset(bad)
		require.ErrorIs(t, err, ErrInvalidRecoveryParams)
	}

	// Blocked before the token or code is even looked at.
	good := bad
	good.Code = request.Code
	_, err = env.svc.Reset(good)
	require.ErrorIs(t, err, auth.ErrTemporarilyBlocked)
}
