package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestIdentityScopes(t *testing.T) {
	manager := Identity{Kind: KindManager, Role: RoleManager}
	require.Equal(t, "manager", manager.Scope())
	require.Equal(t, "mfa_login_manager", manager.ConstrainedScope())
	require.False(t, manager.IsRoot())

	admin := Identity{Kind: KindAdmin, Role: RoleRoot}
	require.Equal(t, "admin", admin.Scope())
	require.Equal(t, "mfa_login_admin", admin.ConstrainedScope())
	require.True(t, admin.IsRoot())

	// The owner role is a manager-side tag, not a root equivalent.
	owner := Identity{Kind: KindManager, Role: RoleOwner}
	require.False(t, owner.IsRoot())
}

func TestAccessTokenExpiry(t *testing.T) {
	created := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	token := AccessToken{ExpiresIn: 3600}
	token.CreatedAt = created

	require.Equal(t, created.Add(time.Hour), token.ExpiresAt())
	require.False(t, token.ExpiredAt(created.Add(30*time.Minute)))
	require.True(t, token.ExpiredAt(created.Add(2*time.Hour)))
}

func TestAccessTokenConstrained(t *testing.T) {
	require.True(t, (&AccessToken{Scope: "mfa_login_manager"}).Constrained())
	require.True(t, (&AccessToken{Scope: "mfa_login_admin"}).Constrained())
	require.False(t, (&AccessToken{Scope: "manager"}).Constrained())
	require.False(t, (&AccessToken{Scope: "admin"}).Constrained())
}

func TestRecoveryRequestExpiry(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	request := RecoveryRequest{ExpiresAt: now.Add(time.Hour)}

	require.False(t, request.ExpiredAt(now))
	require.True(t, request.ExpiredAt(now.Add(61*time.Minute)))
}
