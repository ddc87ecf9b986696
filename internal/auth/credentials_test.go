package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/metroengine/authgate/internal/database/testutil"
	"github.com/metroengine/authgate/internal/models"
)

func TestVerifySuccess(t *testing.T) {
	db := testutil.MustOpenTestDB(t)
	created := createIdentity(t, db, models.KindManager, models.RoleOwner, "owner@example.com")

	verifier, err := NewCredentialVerifier(db, CredentialConfig{})
	require.NoError(t, err)

	identity, err := verifier.Verify(models.KindManager, "owner@example.com", "password123")
	require.NoError(t, err)
	require.Equal(t, created.ID, identity.ID)
}

func TestVerifyNormalizesEmail(t *testing.T) {
	db := testutil.MustOpenTestDB(t)
	createIdentity(t, db, models.KindManager, models.RoleOwner, "owner@example.com")

	verifier, err := NewCredentialVerifier(db, CredentialConfig{})
	require.NoError(t, err)

	identity, err := verifier.Verify(models.KindManager, "  Owner@Example.COM ", "password123")
	require.NoError(t, err)
	require.Equal(t, "owner@example.com", identity.Email)
}

func TestVerifyFailuresAreIndistinguishable(t *testing.T) {
	db := testutil.MustOpenTestDB(t)
	createIdentity(t, db, models.KindManager, models.RoleOwner, "owner@example.com")

	verifier, err := NewCredentialVerifier(db, CredentialConfig{})
	require.NoError(t, err)

	// Unknown email and wrong password must yield the same error.
	_, err = verifier.Verify(models.KindManager, "ghost@example.com", "password123")
	require.ErrorIs(t, err, ErrInvalidPasswordOrEmail)

	_, err = verifier.Verify(models.KindManager, "owner@example.com", "wrong-password")
	require.ErrorIs(t, err, ErrInvalidPasswordOrEmail)

	_, err = verifier.Verify(models.KindManager, "", "password123")
	require.ErrorIs(t, err, ErrInvalidPasswordOrEmail)
}

func TestVerifyScopedByKind(t *testing.T) {
	db := testutil.MustOpenTestDB(t)
	createIdentity(t, db, models.KindManager, models.RoleOwner, "shared@example.com")

	verifier, err := NewCredentialVerifier(db, CredentialConfig{})
	require.NoError(t, err)

	// Same email under a different kind is a different identity space.
	_, err = verifier.Verify(models.KindAdmin, "shared@example.com", "password123")
	require.ErrorIs(t, err, ErrInvalidPasswordOrEmail)
}

func TestRecordLogin(t *testing.T) {
	db := testutil.MustOpenTestDB(t)
	identity := createIdentity(t, db, models.KindAdmin, models.RoleRoot, "root@example.com")

	now := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)
	verifier, err := NewCredentialVerifier(db, CredentialConfig{Clock: func() time.Time { return now }})
	require.NoError(t, err)

	require.NoError(t, verifier.RecordLogin(identity, "203.0.113.7"))

	var reloaded models.Identity
	require.NoError(t, db.Take(&reloaded, "id = ?", identity.ID).Error)
	require.NotNil(t, reloaded.LastLoginAt)
	require.True(t, reloaded.LastLoginAt.Equal(now))
	require.Equal(t, "203.0.113.7", reloaded.LastLoginIP)
}

func TestThrottleKey(t *testing.T) {
	require.Equal(t, "manager:owner@example.com", ThrottleKey(models.KindManager, " Owner@Example.com "))
	require.Equal(t, "admin:root@example.com", ThrottleKey(models.KindAdmin, "root@example.com"))
}
