package sms

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

const defaultTwilioBaseURL = "https://api.twilio.com"

// TwilioConfig carries the credentials and sender number for the
// Twilio messaging API.
type TwilioConfig struct {
	AccountSID string
	AuthToken  string
	From       string
	// BaseURL overrides the API host, primarily for tests.
	BaseURL string
	Timeout time.Duration
}

// TwilioSender delivers messages through the Twilio REST API.
type TwilioSender struct {
	client     *resty.Client
	accountSID string
	from       string
}

// NewTwilioSender validates the configuration and builds a sender.
func NewTwilioSender(cfg TwilioConfig) (*TwilioSender, error) {
	cfg.AccountSID = strings.TrimSpace(cfg.AccountSID)
	cfg.AuthToken = strings.TrimSpace(cfg.AuthToken)
	cfg.From = strings.TrimSpace(cfg.From)

	if cfg.AccountSID == "" || cfg.AuthToken == "" {
		return nil, errors.New("sms: twilio account sid and auth token are required")
	}
	if cfg.From == "" {
		return nil, errors.New("sms: twilio sender number is required")
	}

	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL == "" {
		baseURL = defaultTwilioBaseURL
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	client := resty.New().
		SetBaseURL(baseURL).
		SetBasicAuth(cfg.AccountSID, cfg.AuthToken).
		SetTimeout(timeout)

	return &TwilioSender{
		client:     client,
		accountSID: cfg.AccountSID,
		from:       cfg.From,
	}, nil
}

// Send posts a message to the Twilio Messages endpoint.
func (s *TwilioSender) Send(ctx context.Context, to, body string) error {
	to = strings.TrimSpace(to)
	if to == "" {
		return errors.New("sms: recipient number is required")
	}

	resp, err := s.client.R().
		SetContext(ctx).
		SetFormData(map[string]string{
			"To":   to,
			"From": s.from,
			"Body": body,
		}).
		Post(fmt.Sprintf("/2010-04-01/Accounts/%s/Messages.json", s.accountSID))
	if err != nil {
		return fmt.Errorf("sms: twilio request: %w", err)
	}

	if resp.IsError() {
		return fmt.Errorf("sms: twilio responded %d: %s", resp.StatusCode(), resp.String())
	}

	return nil
}
