package notifications

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/metroengine/authgate/internal/database/testutil"
	"github.com/metroengine/authgate/internal/models"
	"github.com/metroengine/authgate/pkg/mail"
)

type fakeMailer struct {
	messages []mail.Message
	failFor  string
}

func (f *fakeMailer) Send(_ context.Context, msg mail.Message) error {
	if f.failFor != "" && len(msg.To) == 1 && msg.To[0] == f.failFor {
		return errors.New("delivery refused")
	}
	f.messages = append(f.messages, msg)
	return nil
}

func newNotifierEnv(t *testing.T) (*gorm.DB, *fakeMailer, *EmailNotifier) {
	t.Helper()

	db := testutil.MustOpenTestDB(t)
	mailer := &fakeMailer{}
	notifier, err := NewEmailNotifier(db, mailer, nil, Config{
		From:            "noreply@example.com",
		OperationsEmail: "ops@example.com",
		ResetBaseURL:    "https://app.example.com",
	})
	require.NoError(t, err)
	return db, mailer, notifier
}

func seed(t *testing.T, db *gorm.DB, kind models.IdentityKind, role, email, accountID string) *models.Identity {
	t.Helper()

	identity := &models.Identity{
		Kind:         kind,
		Role:         role,
		Email:        email,
		AccountID:    accountID,
		PasswordHash: "x",
	}
	require.NoError(t, db.Create(identity).Error)
	return identity
}

func recipientsOf(messages []mail.Message) []string {
	var out []string
	for _, msg := range messages {
		out = append(out, msg.To...)
	}
	return out
}

func TestFanOutAdminToRootAdmin(t *testing.T) {
	db, mailer, notifier := newNotifierEnv(t)
	seed(t, db, models.KindAdmin, models.RoleRoot, "root@example.com", "")
	admin := seed(t, db, models.KindAdmin, models.RoleAdmin, "admin@example.com", "")

	notified, err := notifier.NotifyRecoveryRequested(context.Background(), admin, "tok", "123456")
	require.NoError(t, err)
	require.Equal(t, []string{"admin@example.com", "root@example.com"}, notified)
	require.Equal(t, notified, recipientsOf(mailer.messages))
}

func TestFanOutOwnerToOperations(t *testing.T) {
	db, mailer, notifier := newNotifierEnv(t)
	owner := seed(t, db, models.KindManager, models.RoleOwner, "owner@example.com", "acct-1")

	notified, err := notifier.NotifyRecoveryRequested(context.Background(), owner, "tok", "123456")
	require.NoError(t, err)
	require.Equal(t, []string{"owner@example.com", "ops@example.com"}, notified)
	require.Equal(t, notified, recipientsOf(mailer.messages))
}

func TestFanOutManagerToAccountOwner(t *testing.T) {
	db, mailer, notifier := newNotifierEnv(t)
	seed(t, db, models.KindManager, models.RoleOwner, "owner@example.com", "acct-1")
	seed(t, db, models.KindManager, models.RoleOwner, "other@example.com", "acct-2")
	manager := seed(t, db, models.KindManager, models.RoleManager, "staff@example.com", "acct-1")

	notified, err := notifier.NotifyRecoveryRequested(context.Background(), manager, "tok", "123456")
	require.NoError(t, err)
	require.Equal(t, []string{"staff@example.com", "owner@example.com"}, notified)
	require.Equal(t, notified, recipientsOf(mailer.messages))
}

func TestFanOutRootHasNoRecipients(t *testing.T) {
	db, mailer, notifier := newNotifierEnv(t)
	root := seed(t, db, models.KindAdmin, models.RoleRoot, "root@example.com", "")

	notified, err := notifier.NotifyRecoveryRequested(context.Background(), root, "tok", "123456")
	require.NoError(t, err)
	require.Empty(t, notified)
	require.Empty(t, mailer.messages)
}

func TestFanOutManagerWithoutOwnerStillNotifiesSelf(t *testing.T) {
	db, mailer, notifier := newNotifierEnv(t)
	manager := seed(t, db, models.KindManager, models.RoleManager, "staff@example.com", "acct-9")

	notified, err := notifier.NotifyRecoveryRequested(context.Background(), manager, "tok", "123456")
	require.NoError(t, err)
	require.Equal(t, []string{"staff@example.com"}, notified)
	require.Len(t, mailer.messages, 1)
}

func TestPartialDeliveryFailure(t *testing.T) {
	db, mailer, notifier := newNotifierEnv(t)
	mailer.failFor = "ops@example.com"
	owner := seed(t, db, models.KindManager, models.RoleOwner, "owner@example.com", "acct-1")

	notified, err := notifier.NotifyRecoveryRequested(context.Background(), owner, "tok", "123456")
	require.Error(t, err)
	require.Equal(t, []string{"owner@example.com"}, notified)
}

func TestMessageCarriesLinkAndCode(t *testing.T) {
	db, mailer, notifier := newNotifierEnv(t)
	owner := seed(t, db, models.KindManager, models.RoleOwner, "owner@example.com", "acct-1")

	_, err := notifier.NotifyRecoveryRequested(context.Background(), owner, "tok-abc", "654321")
	require.NoError(t, err)
	require.NotEmpty(t, mailer.messages)

	body := mailer.messages[0].Body
	require.Contains(t, body, "https://app.example.com/mfa_reset?token=tok-abc")
	require.Contains(t, body, "654321")
	require.Equal(t, "noreply@example.com", mailer.messages[0].From)
}
