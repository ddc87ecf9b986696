package app

import (
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/metroengine/authgate/internal/sms"
)

// SMSSender builds the configured SMS delivery backend.
func (c SMSConfig) SMSSender(logger *zap.Logger) (sms.Sender, error) {
	switch strings.ToLower(strings.TrimSpace(c.Provider)) {
	case "", "none":
		return sms.NopSender{}, nil
	case "log":
		return sms.LogSender{Logger: logger}, nil
	case "twilio":
		return sms.NewTwilioSender(sms.TwilioConfig{
			AccountSID: c.Twilio.AccountSID,
			AuthToken:  c.Twilio.AuthToken,
			From:       c.Twilio.From,
			Timeout:    c.Twilio.Timeout,
		})
	default:
		return nil, fmt.Errorf("config: unknown sms provider %q", c.Provider)
	}
}
