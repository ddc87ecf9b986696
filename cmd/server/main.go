package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/metroengine/authgate/internal/api"
	"github.com/metroengine/authgate/internal/app"
	"github.com/metroengine/authgate/internal/app/maintenance"
	iauth "github.com/metroengine/authgate/internal/auth"
	"github.com/metroengine/authgate/internal/auth/mfa"
	"github.com/metroengine/authgate/internal/database"
	"github.com/metroengine/authgate/internal/notifications"
	"github.com/metroengine/authgate/pkg/logger"
	"github.com/metroengine/authgate/pkg/mail"
)

const shutdownTimeout = 15 * time.Second

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	defer stop()

	if err := run(ctx, os.Args[1:]); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("authgate-server", flag.ContinueOnError)
	fs.SetOutput(os.Stdout)

	var configPath string
	fs.StringVar(&configPath, "config", "", "Path to configuration directory or file")

	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := loadApplicationConfig(configPath)
	if err != nil {
		return err
	}

	generated, err := app.ApplyRuntimeDefaults(cfg)
	if err != nil {
		return err
	}

	if err := app.ConfigureLogging(cfg.Server.LogLevel); err != nil {
		return fmt.Errorf("configure logging: %w", err)
	}
	defer logger.Sync() // best effort

	log := logger.WithModule("bootstrap")
	for key := range generated {
		log.Info("generated runtime secret", zap.String("key", key))
	}

	encryptionKey, err := app.DecodeKey(cfg.Auth.EncryptionKey)
	if err != nil {
		return fmt.Errorf("decode encryption key: %w", err)
	}
	if len(encryptionKey) != 16 && len(encryptionKey) != 24 && len(encryptionKey) != 32 {
		return fmt.Errorf("auth.encryption_key must decode to 16, 24, or 32 bytes (current: %d)", len(encryptionKey))
	}

	db, err := initialiseDatabase(cfg)
	if err != nil {
		return err
	}
	defer closeDatabase(db, log)

	throttle := iauth.NewThrottle(cfg.Auth.ThrottleServiceConfig())

	verifier, err := iauth.NewCredentialVerifier(db, iauth.CredentialConfig{})
	if err != nil {
		return fmt.Errorf("initialise credential verifier: %w", err)
	}

	tokens, err := iauth.NewTokenService(db, cfg.Auth.TokenServiceConfig())
	if err != nil {
		return fmt.Errorf("initialise token service: %w", err)
	}

	sender, err := cfg.SMS.SMSSender(logger.WithModule("sms"))
	if err != nil {
		return fmt.Errorf("initialise sms sender: %w", err)
	}

	engine, err := mfa.NewEngine(db, encryptionKey, throttle, tokens, sender,
		logger.WithModule("mfa"), cfg.Auth.EngineOptions()...)
	if err != nil {
		return fmt.Errorf("initialise challenge engine: %w", err)
	}

	mailer, err := mail.NewSMTPMailer(cfg.Email.SMTPSettings())
	if err != nil {
		return fmt.Errorf("initialise mailer: %w", err)
	}

	notifier, err := notifications.NewEmailNotifier(db, mailer, logger.WithModule("notifications"), notifications.Config{
		From:            cfg.Email.SMTP.From,
		OperationsEmail: cfg.Notifications.OperationsEmail,
		ResetBaseURL:    cfg.Auth.Recovery.ResetBaseURL,
	})
	if err != nil {
		return fmt.Errorf("initialise recovery notifier: %w", err)
	}

	recovery, err := mfa.NewRecoveryService(db, throttle, verifier, tokens, notifier,
		logger.WithModule("recovery"), cfg.Auth.RecoveryServiceConfig())
	if err != nil {
		return fmt.Errorf("initialise recovery service: %w", err)
	}

	if cfg.Maintenance.Enabled {
		cleaner := maintenance.NewCleaner(db, tokens,
			maintenance.WithTokenSchedule(cfg.Maintenance.TokenSchedule),
			maintenance.WithRecoverySchedule(cfg.Maintenance.RecoverySchedule))
		if err := cleaner.Start(); err != nil {
			return fmt.Errorf("start maintenance jobs: %w", err)
		}
		defer func() {
			stopCtx := cleaner.Stop()
			if err := cleaner.RunOnce(stopCtx); err != nil {
				log.Warn("maintenance shutdown cleanup failed", zap.Error(err))
			}
		}()
	}

	router, err := api.NewRouter(cfg, api.Deps{
		DB:       db,
		Throttle: throttle,
		Verifier: verifier,
		Tokens:   tokens,
		Engine:   engine,
		Recovery: recovery,
	})
	if err != nil {
		return fmt.Errorf("build api router: %w", err)
	}

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: router,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Info("server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("graceful shutdown: %w", err)
	}

	if err, ok := <-serverErr; ok && err != nil {
		return fmt.Errorf("server error: %w", err)
	}

	log.Info("server stopped gracefully")
	return nil
}

func loadApplicationConfig(path string) (*app.Config, error) {
	switch {
	case strings.TrimSpace(path) == "":
		return app.LoadConfig()
	default:
		info, err := os.Stat(path)
		if err == nil {
			if info.IsDir() {
				return app.LoadConfig(path)
			}
			return app.LoadConfig(filepath.Dir(path))
		}
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("config path %q does not exist", path)
		}
		return nil, fmt.Errorf("stat config path: %w", err)
	}
}

func initialiseDatabase(cfg *app.Config) (*gorm.DB, error) {
	dbCfg := cfg.Database.DatabaseServiceConfig()

	db, err := database.Open(dbCfg)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := database.AutoMigrateAndSeed(db); err != nil {
		return nil, fmt.Errorf("auto-migrate database: %w", err)
	}

	logger.WithModule("database").Info("database connected",
		zap.String("driver", strings.ToLower(strings.TrimSpace(dbCfg.Driver))))

	return db, nil
}

func closeDatabase(db *gorm.DB, log *zap.Logger) {
	if db == nil {
		return
	}

	sqlDB, err := db.DB()
	if err != nil {
		log.Warn("failed to obtain underlying sql DB for closing", zap.Error(err))
		return
	}

	if err := sqlDB.Close(); err != nil {
		log.Warn("failed to close database", zap.Error(err))
	}
}
