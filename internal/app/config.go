package app

import (
	"errors"
	"fmt"
	"strings"
	"time"

	mapstructure "github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// Config represents the runtime configuration for the AuthGate service.
type Config struct {
	Server        ServerConfig       `mapstructure:"server"`
	Database      DatabaseConfig     `mapstructure:"database"`
	Auth          AuthConfig         `mapstructure:"auth"`
	Email         EmailConfig        `mapstructure:"email"`
	SMS           SMSConfig          `mapstructure:"sms"`
	Notifications NotificationConfig `mapstructure:"notifications"`
	Monitoring    MonitoringConfig   `mapstructure:"monitoring"`
	Maintenance   MaintenanceConfig  `mapstructure:"maintenance"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Port      int             `mapstructure:"port"`
	LogLevel  string          `mapstructure:"log_level"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
}

// RateLimitConfig controls the per-IP request limiter.
type RateLimitConfig struct {
	MaxRequests int           `mapstructure:"max_requests"`
	Window      time.Duration `mapstructure:"window"`
}

// DatabaseConfig describes connection options for the supported databases.
type DatabaseConfig struct {
	Driver   string       `mapstructure:"driver"`
	Path     string       `mapstructure:"path"`
	DSN      string       `mapstructure:"dsn"`
	Postgres DBAuthConfig `mapstructure:"postgres"`
	MySQL    DBAuthConfig `mapstructure:"mysql"`
}

// DBAuthConfig represents host based database parameters.
type DBAuthConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Database string `mapstructure:"database"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
}

// AuthConfig captures the authentication core settings.
type AuthConfig struct {
	// EncryptionKey protects TOTP secrets and SMS codes at rest
	// (hex, base64, or raw; must decode to 32 bytes).
	EncryptionKey string           `mapstructure:"encryption_key"`
	MFA           MFASettings      `mapstructure:"mfa"`
	Token         TokenSettings    `mapstructure:"token"`
	Throttle      ThrottleSettings `mapstructure:"throttle"`
	Recovery      RecoverySettings `mapstructure:"recovery"`
}

// MFASettings gates and tunes the second factor.
type MFASettings struct {
	Enabled    bool          `mapstructure:"enabled"`
	Issuer     string        `mapstructure:"issuer"`
	SMSCodeTTL time.Duration `mapstructure:"sms_code_ttl"`
}

// TokenSettings tunes bearer token issuance.
type TokenSettings struct {
	AccessTokenTTL      time.Duration `mapstructure:"access_token_ttl"`
	ConstrainedTokenTTL time.Duration `mapstructure:"constrained_token_ttl"`
	Length              int           `mapstructure:"length"`
}

// ThrottleSettings controls the per-identity attempt lockout.
type ThrottleSettings struct {
	Threshold int           `mapstructure:"threshold"`
	Window    time.Duration `mapstructure:"window"`
}

// RecoverySettings controls the MFA recovery flow.
type RecoverySettings struct {
	TTL          time.Duration `mapstructure:"ttl"`
	ResetBaseURL string        `mapstructure:"reset_base_url"`
}

// EmailConfig captures outbound email settings.
type EmailConfig struct {
	SMTP SMTPConfig `mapstructure:"smtp"`
}

// SMTPConfig defines SMTP dialer settings for sending email.
type SMTPConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Host     string        `mapstructure:"host"`
	Port     int           `mapstructure:"port"`
	Username string        `mapstructure:"username"`
	Password string        `mapstructure:"password"`
	From     string        `mapstructure:"from"`
	UseTLS   bool          `mapstructure:"use_tls"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// SMSConfig selects and configures the SMS delivery provider.
type SMSConfig struct {
	// Provider is one of "none", "log", or "twilio".
	Provider string       `mapstructure:"provider"`
	Twilio   TwilioConfig `mapstructure:"twilio"`
}

// TwilioConfig holds Twilio API credentials.
type TwilioConfig struct {
	AccountSID string        `mapstructure:"account_sid"`
	AuthToken  string        `mapstructure:"auth_token"`
	From       string        `mapstructure:"from"`
	Timeout    time.Duration `mapstructure:"timeout"`
}

// NotificationConfig tunes recovery fan-out.
type NotificationConfig struct {
	// OperationsEmail receives recovery notices for account owners.
	OperationsEmail string `mapstructure:"operations_email"`
}

// MonitoringConfig enables metrics endpoints.
type MonitoringConfig struct {
	Prometheus PrometheusConfig `mapstructure:"prometheus"`
}

// PrometheusConfig toggles metrics endpoints.
type PrometheusConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Endpoint string `mapstructure:"endpoint"`
}

// MaintenanceConfig tunes the background cleaner.
type MaintenanceConfig struct {
	Enabled          bool   `mapstructure:"enabled"`
	TokenSchedule    string `mapstructure:"token_schedule"`
	RecoverySchedule string `mapstructure:"recovery_schedule"`
}

// LoadConfig initialises application configuration using Viper with sensible defaults.
func LoadConfig(paths ...string) (*Config, error) {
	v := viper.NewWithOptions(viper.ExperimentalBindStruct())
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	v.AddConfigPath("./config")
	for _, path := range paths {
		v.AddConfigPath(path)
	}

	setDefaults(v)

	v.SetEnvPrefix("AUTHGATE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var cfgErr viper.ConfigFileNotFoundError
		if !errors.As(err, &cfgErr) {
			return nil, fmt.Errorf("config: read file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config, decodeHook()); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}

	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8000)
	v.SetDefault("server.log_level", "info")
	v.SetDefault("server.rate_limit.max_requests", 100)
	v.SetDefault("server.rate_limit.window", "1m")

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "./data/authgate.sqlite")

	v.SetDefault("auth.mfa.enabled", true)
	v.SetDefault("auth.mfa.issuer", "AuthGate")
	v.SetDefault("auth.mfa.sms_code_ttl", "10m")
	v.SetDefault("auth.token.access_token_ttl", "2h")
	v.SetDefault("auth.token.constrained_token_ttl", "10m")
	v.SetDefault("auth.token.length", 48)
	v.SetDefault("auth.throttle.threshold", 5)
	v.SetDefault("auth.throttle.window", "15m")
	v.SetDefault("auth.recovery.ttl", "1h")

	v.SetDefault("email.smtp.enabled", false)
	v.SetDefault("email.smtp.host", "")
	v.SetDefault("email.smtp.port", 587)
	v.SetDefault("email.smtp.use_tls", true)
	v.SetDefault("email.smtp.timeout", "10s")

	v.SetDefault("sms.provider", "log")
	v.SetDefault("sms.twilio.timeout", "10s")

	v.SetDefault("monitoring.prometheus.enabled", true)
	v.SetDefault("monitoring.prometheus.endpoint", "/metrics")

	v.SetDefault("maintenance.enabled", true)
	v.SetDefault("maintenance.token_schedule", "@hourly")
	v.SetDefault("maintenance.recovery_schedule", "@daily")
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}
