package app

import (
	"github.com/metroengine/authgate/internal/auth"
	"github.com/metroengine/authgate/internal/auth/mfa"
)

// ThrottleServiceConfig converts AuthConfig into attempt-throttle parameters.
func (c AuthConfig) ThrottleServiceConfig() auth.ThrottleConfig {
	return auth.ThrottleConfig{
		Threshold: c.Throttle.Threshold,
		Window:    c.Throttle.Window,
	}
}

// TokenServiceConfig converts AuthConfig into TokenService parameters.
func (c AuthConfig) TokenServiceConfig() auth.TokenConfig {
	return auth.TokenConfig{
		AccessTokenTTL:      c.Token.AccessTokenTTL,
		ConstrainedTokenTTL: c.Token.ConstrainedTokenTTL,
		TokenLength:         c.Token.Length,
	}
}

// RecoveryServiceConfig converts AuthConfig into RecoveryService parameters.
func (c AuthConfig) RecoveryServiceConfig() mfa.RecoveryConfig {
	return mfa.RecoveryConfig{
		TTL: c.Recovery.TTL,
	}
}

// EngineOptions converts AuthConfig into challenge-engine options.
func (c AuthConfig) EngineOptions() []mfa.Option {
	var opts []mfa.Option
	if c.MFA.Issuer != "" {
		opts = append(opts, mfa.WithIssuer(c.MFA.Issuer))
	}
	if c.MFA.SMSCodeTTL > 0 {
		opts = append(opts, mfa.WithSMSCodeTTL(c.MFA.SMSCodeTTL))
	}
	return opts
}
