package notifications

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/metroengine/authgate/internal/models"
	"github.com/metroengine/authgate/pkg/mail"
)

// Config holds the static knobs for recovery notifications.
type Config struct {
	// From is the envelope sender for recovery mail.
	From string
	// OperationsEmail receives a copy when an account owner enters
	// recovery, since owners have no manager above them.
	OperationsEmail string
	// ResetBaseURL is the front-end base used to build the reset link.
	ResetBaseURL string
}

// EmailNotifier fans recovery notifications out over SMTP. Recipient
// selection depends on the requesting identity's kind and role:
//
//	admin/root      nobody (the caller never reaches us for roots)
//	admin/admin     self and the root admin
//	manager/owner   self and the central operations address
//	manager/manager self and the owning account's owner manager
type EmailNotifier struct {
	db     *gorm.DB
	mailer mail.Mailer
	logger *zap.Logger
	cfg    Config
}

// NewEmailNotifier constructs a notifier over the given mailer.
func NewEmailNotifier(db *gorm.DB, mailer mail.Mailer, logger *zap.Logger, cfg Config) (*EmailNotifier, error) {
	if db == nil {
		return nil, errors.New("notifications: db is required")
	}
	if mailer == nil {
		return nil, errors.New("notifications: mailer is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &EmailNotifier{db: db, mailer: mailer, logger: logger, cfg: cfg}, nil
}

// NotifyRecoveryRequested resolves the fan-out recipients for the
// identity and sends each a recovery mail carrying the token link and
// code. It returns the addresses a send was attempted for; a partial
// delivery failure is reported alongside the successful recipients.
func (n *EmailNotifier) NotifyRecoveryRequested(ctx context.Context, identity *models.Identity, token, code string) ([]string, error) {
	if identity == nil {
		return nil, errors.New("notifications: identity is required")
	}

	recipients, err := n.recipients(identity)
	if err != nil {
		return nil, err
	}
	if len(recipients) == 0 {
		return nil, nil
	}

	subject := "MFA recovery requested"
	body := n.body(identity, token, code)

	var notified []string
	var sendErr error
	for _, to := range recipients {
		msg := mail.Message{
			From:    n.cfg.From,
			To:      []string{to},
			Subject: subject,
			Body:    body,
		}
		if err := n.mailer.Send(ctx, msg); err != nil {
			n.logger.Warn("recovery mail delivery failed",
				zap.String("identity_id", identity.ID),
				zap.String("to", to),
				zap.Error(err))
			sendErr = errors.Join(sendErr, fmt.Errorf("notifications: send to %s: %w", to, err))
			continue
		}
		notified = append(notified, to)
	}

	return notified, sendErr
}

func (n *EmailNotifier) recipients(identity *models.Identity) ([]string, error) {
	switch identity.Kind {
	case models.KindAdmin:
		if identity.IsRoot() {
			return nil, nil
		}
		root, err := n.rootAdmin()
		if err != nil {
			return nil, err
		}
		return dedupe(identity.Email, root), nil

	case models.KindManager:
		if identity.Role == models.RoleOwner {
			return dedupe(identity.Email, n.cfg.OperationsEmail), nil
		}
		owner, err := n.accountOwner(identity.AccountID)
		if err != nil {
			return nil, err
		}
		return dedupe(identity.Email, owner), nil

	default:
		return nil, fmt.Errorf("notifications: unknown identity kind %q", identity.Kind)
	}
}

func (n *EmailNotifier) rootAdmin() (string, error) {
	var root models.Identity
	err := n.db.Where("kind = ? AND role = ?", models.KindAdmin, models.RoleRoot).Take(&root).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("notifications: find root admin: %w", err)
	}
	return root.Email, nil
}

func (n *EmailNotifier) accountOwner(accountID string) (string, error) {
	if strings.TrimSpace(accountID) == "" {
		return "", nil
	}

	var owner models.Identity
	err := n.db.Where("kind = ? AND role = ? AND account_id = ?", models.KindManager, models.RoleOwner, accountID).Take(&owner).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("notifications: find account owner: %w", err)
	}
	return owner.Email, nil
}

func (n *EmailNotifier) body(identity *models.Identity, token, code string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "An MFA recovery was requested for %s.\n\n", identity.Email)
	if base := strings.TrimRight(n.cfg.ResetBaseURL, "/"); base != "" {
		fmt.Fprintf(&b, "Reset link: %s/mfa_reset?token=%s\n", base, token)
	} else {
		fmt.Fprintf(&b, "Reset token: %s\n", token)
	}
	fmt.Fprintf(&b, "Recovery code: %s\n\n", code)
	b.WriteString("If you did not request this, contact your administrator.\n")
	return b.String()
}

func dedupe(addresses ...string) []string {
	seen := make(map[string]struct{}, len(addresses))
	var out []string
	for _, addr := range addresses {
		addr = strings.TrimSpace(addr)
		if addr == "" {
			continue
		}
		key := strings.ToLower(addr)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, addr)
	}
	return out
}
