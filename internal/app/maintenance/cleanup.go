package maintenance

import (
	"context"
	"errors"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"gorm.io/gorm"

	iauth "github.com/metroengine/authgate/internal/auth"
	"github.com/metroengine/authgate/internal/models"
	"github.com/metroengine/authgate/pkg/logger"
)

const (
	defaultTokenSpec    = "@hourly"
	defaultRecoverySpec = "@daily"
)

// Cleaner coordinates background maintenance: purging dead bearer
// tokens and pruning spent or expired recovery requests.
type Cleaner struct {
	db     *gorm.DB
	tokens *iauth.TokenService
	cron   *cron.Cron
	now    func() time.Time
	log    *zap.Logger

	tokenSchedule    string
	recoverySchedule string
}

// Option customises the Cleaner.
type Option func(*Cleaner)

// WithCron injects a preconfigured cron instance, primarily for testing.
func WithCron(c *cron.Cron) Option {
	return func(cleaner *Cleaner) {
		if c != nil {
			cleaner.cron = c
		}
	}
}

// WithNow overrides the clock used for cleanup comparisons.
func WithNow(now func() time.Time) Option {
	return func(cleaner *Cleaner) {
		if now != nil {
			cleaner.now = now
		}
	}
}

// WithTokenSchedule overrides the cron specification for token cleanup.
func WithTokenSchedule(spec string) Option {
	return func(cleaner *Cleaner) {
		if spec != "" {
			cleaner.tokenSchedule = spec
		}
	}
}

// WithRecoverySchedule overrides the cron specification for recovery-request cleanup.
func WithRecoverySchedule(spec string) Option {
	return func(cleaner *Cleaner) {
		if spec != "" {
			cleaner.recoverySchedule = spec
		}
	}
}

// NewCleaner constructs a Cleaner with sensible defaults. A nil token
// service results in the token job being skipped.
func NewCleaner(db *gorm.DB, tokens *iauth.TokenService, opts ...Option) *Cleaner {
	cleaner := &Cleaner{
		db:               db,
		tokens:           tokens,
		now:              time.Now,
		tokenSchedule:    defaultTokenSpec,
		recoverySchedule: defaultRecoverySpec,
		log:              logger.WithModule("maintenance"),
	}

	for _, opt := range opts {
		opt(cleaner)
	}

	if cleaner.cron == nil {
		cleaner.cron = cron.New(cron.WithLogger(cron.DiscardLogger))
	}

	return cleaner
}

// Start registers cleanup jobs with the cron scheduler and launches it.
func (c *Cleaner) Start() error {
	if c.tokens != nil {
		if _, err := c.cron.AddFunc(c.tokenSchedule, func() {
			if _, err := c.tokens.CleanupExpired(); err != nil {
				c.log.Warn("token cleanup failed", zap.Error(err))
			}
		}); err != nil {
			return err
		}
	}

	if c.db != nil {
		if _, err := c.cron.AddFunc(c.recoverySchedule, func() {
			if _, err := CleanupRecoveryRequests(context.Background(), c.db, c.now()); err != nil {
				c.log.Warn("recovery request cleanup failed", zap.Error(err))
			}
		}); err != nil {
			return err
		}
	}

	c.cron.Start()
	return nil
}

// Stop halts the underlying scheduler, waiting for any running jobs to complete.
func (c *Cleaner) Stop() context.Context {
	if c.cron == nil {
		return context.Background()
	}
	return c.cron.Stop()
}

// RunOnce executes all configured cleanup routines sequentially. Primarily used in tests
// and during graceful shutdown.
func (c *Cleaner) RunOnce(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	var errs error

	if c.tokens != nil {
		if _, err := c.tokens.CleanupExpired(); err != nil {
			errs = multierr.Append(errs, err)
		}
	}

	if c.db != nil {
		if _, err := CleanupRecoveryRequests(ctx, c.db, c.now()); err != nil {
			errs = multierr.Append(errs, err)
		}
	}

	return errs
}

// CleanupRecoveryRequests removes recovery requests that can no longer
// be redeemed: spent ones and ones past their expiry. Identities keep
// their in-recovery flag; that is cleared only by a successful reset or
// re-enrollment.
func CleanupRecoveryRequests(ctx context.Context, db *gorm.DB, now time.Time) (int64, error) {
	if db == nil {
		return 0, errors.New("cleanup recovery requests: db is required")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	result := db.WithContext(ctx).
		Where("applied_at IS NOT NULL OR expires_at < ?", now).
		Delete(&models.RecoveryRequest{})
	if result.Error != nil {
		return 0, result.Error
	}

	return result.RowsAffected, nil
}
