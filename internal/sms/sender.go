package sms

import (
	"context"

	"go.uber.org/zap"
)

// Sender delivers a short text message to a phone number.
type Sender interface {
	Send(ctx context.Context, to, body string) error
}

// NopSender drops every message. Used when SMS delivery is disabled.
type NopSender struct{}

func (NopSender) Send(context.Context, string, string) error { return nil }

// LogSender writes messages to the log instead of delivering them.
// Intended for development environments.
type LogSender struct {
	Logger *zap.Logger
}

func (s LogSender) Send(_ context.Context, to, body string) error {
	logger := s.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger.Info("sms message (log sender)",
		zap.String("to", to),
		zap.String("body", body))
	return nil
}
