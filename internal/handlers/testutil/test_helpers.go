package testutil

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/metroengine/authgate/internal/api"
	"github.com/metroengine/authgate/internal/app"
	iauth "github.com/metroengine/authgate/internal/auth"
	"github.com/metroengine/authgate/internal/auth/mfa"
	sharedtestutil "github.com/metroengine/authgate/internal/database/testutil"
	"github.com/metroengine/authgate/internal/models"
	"github.com/metroengine/authgate/internal/notifications"
	"github.com/metroengine/authgate/pkg/crypto"
	"github.com/metroengine/authgate/pkg/mail"
	"github.com/metroengine/authgate/pkg/response"
)

// EncryptionKey is the AES key the test environment encrypts MFA
// secrets with.
var EncryptionKey = []byte("0123456789abcdef0123456789abcdef")

// Env encapsulates a fully-wired API instance backed by an in-memory
// database for handler tests.
type Env struct {
	T      *testing.T
	DB     *gorm.DB
	Router *gin.Engine
	Tokens *iauth.TokenService
	SMS    *CaptureSender
	Mail   *CaptureMailer
}

// EnvOption tweaks the environment configuration before wiring.
type EnvOption func(*app.Config)

// WithMFADisabled makes primary login issue full tokens immediately.
func WithMFADisabled() EnvOption {
	return func(cfg *app.Config) {
		cfg.Auth.MFA.Enabled = false
	}
}

// WithThrottle overrides the attempt-throttle parameters.
func WithThrottle(threshold int, window time.Duration) EnvOption {
	return func(cfg *app.Config) {
		cfg.Auth.Throttle.Threshold = threshold
		cfg.Auth.Throttle.Window = window
	}
}

// NewEnv provisions a fresh handler test environment with migrations applied.
func NewEnv(t *testing.T, opts ...EnvOption) *Env {
	t.Helper()

	gin.SetMode(gin.TestMode)

	db := sharedtestutil.MustOpenTestDB(t)

	cfg := &app.Config{
		Auth: app.AuthConfig{
			MFA: app.MFASettings{
				Enabled: true,
				Issuer:  "test-suite",
			},
			Token: app.TokenSettings{
				AccessTokenTTL:      2 * time.Hour,
				ConstrainedTokenTTL: 10 * time.Minute,
				Length:              48,
			},
			Throttle: app.ThrottleSettings{
				Threshold: 5,
				Window:    15 * time.Minute,
			},
			Recovery: app.RecoverySettings{
				TTL:          time.Hour,
				ResetBaseURL: "https://portal.test",
			},
		},
	}
	for _, opt := range opts {
		opt(cfg)
	}

	throttle := iauth.NewThrottle(cfg.Auth.ThrottleServiceConfig())

	verifier, err := iauth.NewCredentialVerifier(db, iauth.CredentialConfig{})
	require.NoError(t, err)

	tokens, err := iauth.NewTokenService(db, cfg.Auth.TokenServiceConfig())
	require.NoError(t, err)

	smsSender := &CaptureSender{}
	mailer := &CaptureMailer{}

	engine, err := mfa.NewEngine(db, EncryptionKey, throttle, tokens, smsSender,
		zap.NewNop(), cfg.Auth.EngineOptions()...)
	require.NoError(t, err)

	notifier, err := notifications.NewEmailNotifier(db, mailer, zap.NewNop(), notifications.Config{
		From:            "noreply@authgate.test",
		OperationsEmail: "operations@authgate.test",
		ResetBaseURL:    cfg.Auth.Recovery.ResetBaseURL,
	})
	require.NoError(t, err)

	recovery, err := mfa.NewRecoveryService(db, throttle, verifier, tokens, notifier,
		zap.NewNop(), cfg.Auth.RecoveryServiceConfig())
	require.NoError(t, err)

	router, err := api.NewRouter(cfg, api.Deps{
		DB:       db,
		Throttle: throttle,
		Verifier: verifier,
		Tokens:   tokens,
		Engine:   engine,
		Recovery: recovery,
	})
	require.NoError(t, err)

	return &Env{
		T:      t,
		DB:     db,
		Router: router,
		Tokens: tokens,
		SMS:    smsSender,
		Mail:   mailer,
	}
}

// CreateIdentity inserts an identity with the given kind, role, and
// email, hashed against the provided password.
func (e *Env) CreateIdentity(kind models.IdentityKind, role, email, password string) *models.Identity {
	e.T.Helper()

	hashed, err := crypto.HashPassword(password)
	require.NoError(e.T, err)

	identity := &models.Identity{
		Kind:         kind,
		Email:        email,
		Role:         role,
		PasswordHash: hashed,
	}
	if kind == models.KindManager {
		identity.AccountID = uuid.NewString()
	}

	require.NoError(e.T, e.DB.Create(identity).Error)
	return identity
}

// TokenResult mirrors the token payload auth endpoints return.
type TokenResult struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
	RefreshToken string `json:"refresh_token"`
	CreatedAt    int64  `json:"created_at"`
	Scope        string `json:"scope"`

	// Present only on the constrained login response.
	MFAMethod             string `json:"mfa_method"`
	IsRoot                bool   `json:"is_a_root"`
	PhoneNumber           string `json:"phone_number"`
	InRecovery            bool   `json:"is_in_mfa_recovery_process"`
	RecoveryParamsExpired bool   `json:"is_mfa_recovery_params_expired"`
}

// Login performs a primary-credential login and returns the issued token.
func (e *Env) Login(kind models.IdentityKind, email, password string) TokenResult {
	e.T.Helper()

	w := e.Request(http.MethodPost, "/auth/token", map[string]string{
		"kind":     string(kind),
		"email":    email,
		"password": password,
	}, "")
	require.Equal(e.T, http.StatusOK, w.Code, w.Body.String())

	resp := DecodeResponse(e.T, w)
	require.True(e.T, resp.Success, w.Body.String())

	var result TokenResult
	DecodeInto(e.T, resp.Data, &result)
	require.NotEmpty(e.T, result.AccessToken)
	require.Equal(e.T, "bearer", result.TokenType)

	return result
}

// APIResponse represents the canonical API envelope returned by handlers.
type APIResponse struct {
	Success bool                `json:"success"`
	Data    json.RawMessage     `json:"data"`
	Error   *response.ErrorInfo `json:"error"`
}

// DecodeResponse parses the standard API response object from a recorder.
func DecodeResponse(t *testing.T, w *httptest.ResponseRecorder) APIResponse {
	t.Helper()
	var resp APIResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp), w.Body.String())
	return resp
}

// DecodeInto unmarshals the data payload into the provided destination.
func DecodeInto[T any](t *testing.T, raw json.RawMessage, dest *T) {
	t.Helper()
	if dest == nil {
		t.Fatal("destination must not be nil")
	}
	require.NoError(t, json.Unmarshal(raw, dest))
}

// Request executes an HTTP request against the test router, applying
// JSON encoding and the bearer header automatically.
func (e *Env) Request(method, path string, body any, token string) *httptest.ResponseRecorder {
	e.T.Helper()

	var buf *bytes.Buffer
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(e.T, err)
		buf = bytes.NewBuffer(data)
	} else {
		buf = bytes.NewBuffer(nil)
	}

	req, err := http.NewRequest(method, path, buf)
	require.NoError(e.T, err)

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	w := httptest.NewRecorder()
	e.Router.ServeHTTP(w, req)
	return w
}

// CaptureSender records outbound SMS messages instead of delivering them.
type CaptureSender struct {
	mu       sync.Mutex
	messages []CapturedSMS
}

// CapturedSMS is a single recorded SMS dispatch.
type CapturedSMS struct {
	To   string
	Body string
}

// Send implements sms.Sender.
func (s *CaptureSender) Send(_ context.Context, to, body string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, CapturedSMS{To: to, Body: body})
	return nil
}

// Messages returns a copy of the recorded dispatches.
func (s *CaptureSender) Messages() []CapturedSMS {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]CapturedSMS, len(s.messages))
	copy(out, s.messages)
	return out
}

// LastCode extracts the numeric code from the most recent SMS.
func (s *CaptureSender) LastCode(t *testing.T) string {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	require.NotEmpty(t, s.messages, "no sms captured")
	body := s.messages[len(s.messages)-1].Body
	const prefix = "Your verification code is "
	require.Greater(t, len(body), len(prefix))
	return body[len(prefix):]
}

// CaptureMailer records outbound email instead of delivering it.
type CaptureMailer struct {
	mu       sync.Mutex
	messages []mail.Message
}

// Send implements mail.Mailer.
func (m *CaptureMailer) Send(_ context.Context, msg mail.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages = append(m.messages, msg)
	return nil
}

// Messages returns a copy of the recorded messages.
func (m *CaptureMailer) Messages() []mail.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]mail.Message, len(m.messages))
	copy(out, m.messages)
	return out
}
