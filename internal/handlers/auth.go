package handlers

import (
	"encoding/base64"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"gorm.io/gorm"

	iauth "github.com/metroengine/authgate/internal/auth"
	"github.com/metroengine/authgate/internal/auth/mfa"
	"github.com/metroengine/authgate/internal/middleware"
	"github.com/metroengine/authgate/internal/models"
	appErrors "github.com/metroengine/authgate/pkg/errors"
	"github.com/metroengine/authgate/pkg/logger"
	"github.com/metroengine/authgate/pkg/metrics"
	"github.com/metroengine/authgate/pkg/response"
)

// AuthHandler orchestrates the login, MFA challenge, enrollment,
// recovery, and token lifecycle endpoints.
type AuthHandler struct {
	db       *gorm.DB
	throttle *iauth.Throttle
	verifier *iauth.CredentialVerifier
	tokens   *iauth.TokenService
	engine   *mfa.Engine
	recovery *mfa.RecoveryService

	// mfaEnabled gates the second factor globally: when false, a
	// successful primary login issues a full token immediately.
	mfaEnabled bool
	now        func() time.Time
}

// AuthHandlerConfig bundles the collaborators the handler needs.
type AuthHandlerConfig struct {
	DB         *gorm.DB
	Throttle   *iauth.Throttle
	Verifier   *iauth.CredentialVerifier
	Tokens     *iauth.TokenService
	Engine     *mfa.Engine
	Recovery   *mfa.RecoveryService
	MFAEnabled bool
	Clock      func() time.Time
}

// NewAuthHandler wires the authentication endpoints.
func NewAuthHandler(cfg AuthHandlerConfig) (*AuthHandler, error) {
	if cfg.DB == nil || cfg.Throttle == nil || cfg.Verifier == nil || cfg.Tokens == nil || cfg.Engine == nil || cfg.Recovery == nil {
		return nil, errors.New("auth handler: all collaborators are required")
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	return &AuthHandler{
		db:         cfg.DB,
		throttle:   cfg.Throttle,
		verifier:   cfg.Verifier,
		tokens:     cfg.Tokens,
		engine:     cfg.Engine,
		recovery:   cfg.Recovery,
		mfaEnabled: cfg.MFAEnabled,
		now:        clock,
	}, nil
}

func tokenJSON(token *models.AccessToken) gin.H {
	payload := gin.H{
		"access_token": token.Token,
		"token_type":   "bearer",
		"expires_in":   token.ExpiresIn,
		"created_at":   token.CreatedAt.Unix(),
		"scope":        token.Scope,
	}
	if token.RefreshToken != nil {
		payload["refresh_token"] = *token.RefreshToken
	}
	return payload
}

type loginRequest struct {
	Kind     string `json:"kind" validate:"required,oneof=manager admin"`
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

// POST /auth/token
func (h *AuthHandler) Login(c *gin.Context) {
	var req loginRequest
	if !bindAndValidate(c, &req) {
		return
	}

	kind := models.IdentityKind(req.Kind)
	key := iauth.ThrottleKey(kind, req.Email)

	if err := h.throttle.Check(key); err != nil {
		metrics.AuthAttempts.WithLabelValues("blocked").Inc()
		response.Error(c, appErrors.ErrTemporarilyBlocked)
		return
	}

	identity, err := h.verifier.Verify(kind, req.Email, req.Password)
	if err != nil {
		if errors.Is(err, iauth.ErrInvalidPasswordOrEmail) {
			h.throttle.RecordFailure(key)
			metrics.AuthAttempts.WithLabelValues("failure").Inc()
			response.Error(c, appErrors.ErrInvalidPasswordOrEmail)
			return
		}
		response.Error(c, err)
		return
	}

	h.throttle.RecordSuccess(key)
	metrics.AuthAttempts.WithLabelValues("success").Inc()

	if err := h.verifier.RecordLogin(identity, c.ClientIP()); err != nil {
		logger.WithModule("auth").Warn("record login failed",
			zap.String("identity_id", identity.ID),
			zap.Error(err))
	}

	if !h.mfaEnabled {
		full, err := h.tokens.Issue(iauth.IssueInput{
			Identity:    identity,
			Scope:       identity.Scope(),
			WithRefresh: true,
		})
		if err != nil {
			response.Error(c, err)
			return
		}
		response.Success(c, http.StatusOK, tokenJSON(full))
		return
	}

	constrained, err := h.tokens.Issue(iauth.IssueInput{
		Identity: identity,
		Scope:    identity.ConstrainedScope(),
	})
	if err != nil {
		response.Error(c, err)
		return
	}

	payload := tokenJSON(constrained)
	payload["mfa_method"] = identity.MFAMethod
	payload["is_a_root"] = identity.IsRoot()
	payload["is_in_mfa_recovery_process"] = identity.InMFARecovery
	payload["is_mfa_recovery_params_expired"] = h.recoveryParamsExpired(identity)
	if identity.MFAMethod == models.MFAMethodSMS {
		payload["phone_number"] = identity.Phone
	}

	response.Success(c, http.StatusOK, payload)
}

// recoveryParamsExpired reports whether an identity flagged as being in
// recovery no longer holds a redeemable recovery request.
func (h *AuthHandler) recoveryParamsExpired(identity *models.Identity) bool {
	if !identity.InMFARecovery {
		return false
	}

	var request models.RecoveryRequest
	err := h.db.Where("identity_id = ?", identity.ID).
		Order("created_at DESC").
		Take(&request).Error
	if err != nil {
		return true
	}

	return request.AppliedAt != nil || request.ExpiredAt(h.now())
}

// GET /auth/app_secret
func (h *AuthHandler) AppSecret(c *gin.Context) {
	identity, ok := middleware.IdentityFromContext(c)
	if !ok {
		response.Error(c, appErrors.ErrInvalidOrExpiredToken)
		return
	}

	provisioned, err := h.engine.GenerateAppSecret(identity)
	if err != nil {
		response.Error(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{
		"secret_code": provisioned.Secret,
		"otpauth_url": provisioned.OtpauthURL,
		"qr_code":     base64.StdEncoding.EncodeToString(provisioned.QRCodePNG),
	})
}

type appVerifyRequest struct {
	SecretCode       string `json:"secret_code" validate:"required"`
	VerificationCode string `json:"verification_code" validate:"required"`
}

// POST /auth/app_verify_and_save
func (h *AuthHandler) AppVerifyAndSave(c *gin.Context) {
	identity, ok := middleware.IdentityFromContext(c)
	if !ok {
		response.Error(c, appErrors.ErrInvalidOrExpiredToken)
		return
	}

	var req appVerifyRequest
	if !bindAndValidate(c, &req) {
		return
	}

	if err := h.engine.EnrollTOTP(identity, req.SecretCode, req.VerificationCode); err != nil {
		h.challengeError(c, err)
		return
	}

	h.issueFullToken(c, identity)
}

type appAuthRequest struct {
	VerificationCode string `json:"verification_code" validate:"required"`
}

// POST /auth/mfa_app_authentication
func (h *AuthHandler) MFAAppAuthentication(c *gin.Context) {
	identity, ok := middleware.IdentityFromContext(c)
	if !ok {
		response.Error(c, appErrors.ErrInvalidOrExpiredToken)
		return
	}

	var req appAuthRequest
	if !bindAndValidate(c, &req) {
		return
	}

	h.authenticateChallenge(c, identity, req.VerificationCode)
}

// GET /auth/sms_send
func (h *AuthHandler) SMSSend(c *gin.Context) {
	identity, ok := middleware.IdentityFromContext(c)
	if !ok {
		response.Error(c, appErrors.ErrInvalidOrExpiredToken)
		return
	}

	phone := strings.TrimSpace(c.Query("phone_number"))
	if err := h.engine.SendSMSCode(c.Request.Context(), identity, phone); err != nil {
		response.Error(c, appErrors.NewBadRequest("could not dispatch sms code"))
		return
	}

	response.Success(c, http.StatusOK, gin.H{"status": "sent"})
}

type smsVerifyRequest struct {
	PhoneNumber string `json:"phone_number" validate:"required"`
	SMSCode     string `json:"sms_code" validate:"required"`
}

// POST /auth/sms_verify_and_save
func (h *AuthHandler) SMSVerifyAndSave(c *gin.Context) {
	identity, ok := middleware.IdentityFromContext(c)
	if !ok {
		response.Error(c, appErrors.ErrInvalidOrExpiredToken)
		return
	}

	var req smsVerifyRequest
	if !bindAndValidate(c, &req) {
		return
	}

	if err := h.engine.EnrollSMS(identity, req.PhoneNumber, req.SMSCode); err != nil {
		h.challengeError(c, err)
		return
	}

	h.issueFullToken(c, identity)
}

type smsAuthRequest struct {
	SMSCode string `json:"sms_code" validate:"required"`
}

// POST /auth/mfa_sms_authentication
func (h *AuthHandler) MFASMSAuthentication(c *gin.Context) {
	identity, ok := middleware.IdentityFromContext(c)
	if !ok {
		response.Error(c, appErrors.ErrInvalidOrExpiredToken)
		return
	}

	var req smsAuthRequest
	if !bindAndValidate(c, &req) {
		return
	}

	h.authenticateChallenge(c, identity, req.SMSCode)
}

// GET /auth/mfa_reset_email
func (h *AuthHandler) MFAResetEmail(c *gin.Context) {
	identity, ok := middleware.IdentityFromContext(c)
	if !ok {
		response.Error(c, appErrors.ErrInvalidOrExpiredToken)
		return
	}

	if _, err := h.recovery.Request(c.Request.Context(), identity); err != nil {
		response.Error(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{"status": "sent"})
}

type resetCheckRequest struct {
	Token string `json:"token" validate:"required"`
}

// POST /auth/mfa_reset_check
func (h *AuthHandler) MFAResetCheck(c *gin.Context) {
	var req resetCheckRequest
	if !bindAndValidate(c, &req) {
		return
	}

	if _, err := h.recovery.Check(req.Token); err != nil {
		switch {
		case errors.Is(err, mfa.ErrUnknownToken):
			response.Error(c, appErrors.ErrUnknownResetToken)
		case errors.Is(err, mfa.ErrRecoveryExpired):
			response.Error(c, appErrors.ErrExpiredResetToken)
		case errors.Is(err, mfa.ErrRecoveryUsed):
			response.Error(c, appErrors.ErrUsedResetToken)
		default:
			response.Error(c, err)
		}
		return
	}

	response.Success(c, http.StatusOK, gin.H{"valid": true})
}

type resetRequest struct {
	Token    string `json:"token" validate:"required"`
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
	Code     string `json:"code" validate:"required"`
}

// POST /auth/mfa_reset
func (h *AuthHandler) MFAReset(c *gin.Context) {
	var req resetRequest
	if !bindAndValidate(c, &req) {
		return
	}

	token, err := h.recovery.Reset(mfa.ResetInput{
		Token:    req.Token,
		Email:    req.Email,
		Password: req.Password,
		Code:     req.Code,
	})
	if err != nil {
		switch {
		case errors.Is(err, iauth.ErrTemporarilyBlocked):
			response.Error(c, appErrors.ErrTemporarilyBlocked)
		case errors.Is(err, mfa.ErrUnknownToken):
			response.Error(c, appErrors.ErrUnknownResetToken)
		case errors.Is(err, mfa.ErrInvalidRecoveryParams):
			response.Error(c, appErrors.ErrInvalidRecoveryParams)
		default:
			response.Error(c, err)
		}
		return
	}

	response.Success(c, http.StatusOK, tokenJSON(token))
}

type revokeRequest struct {
	Token string `json:"token" validate:"required"`
}

// POST /auth/revoke
//
// Always answers 200, even for unknown tokens, so the endpoint cannot
// be used to probe which token values exist.
func (h *AuthHandler) Revoke(c *gin.Context) {
	var req revokeRequest
	if !bindAndValidate(c, &req) {
		return
	}

	if err := h.tokens.Revoke(req.Token); err != nil {
		logger.WithModule("auth").Warn("token revoke failed", zap.Error(err))
	}

	response.Success(c, http.StatusOK, gin.H{})
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token" validate:"required"`
}

// POST /auth/refresh_access_token and /auth/refresh_impersonate_token
func (h *AuthHandler) Refresh(c *gin.Context) {
	var req refreshRequest
	if !bindAndValidate(c, &req) {
		return
	}

	token, err := h.tokens.Refresh(req.RefreshToken)
	if err != nil {
		// Unknown, revoked, and expired all collapse to 401.
		response.Error(c, appErrors.ErrInvalidOrExpiredToken)
		return
	}

	response.Success(c, http.StatusOK, tokenJSON(token))
}

// authenticateChallenge runs the second-factor verification and swaps
// the caller's constrained token for a full one.
func (h *AuthHandler) authenticateChallenge(c *gin.Context, identity *models.Identity, code string) {
	full, err := h.engine.Authenticate(identity, code)
	if err != nil {
		h.challengeError(c, err)
		return
	}

	h.revokeCurrentToken(c)
	response.Success(c, http.StatusOK, tokenJSON(full))
}

// issueFullToken mints a full token after a successful enrollment and
// swaps out the caller's constrained token.
func (h *AuthHandler) issueFullToken(c *gin.Context, identity *models.Identity) {
	full, err := h.tokens.Issue(iauth.IssueInput{
		Identity:    identity,
		Scope:       identity.Scope(),
		WithRefresh: true,
	})
	if err != nil {
		response.Error(c, err)
		return
	}

	h.revokeCurrentToken(c)
	response.Success(c, http.StatusOK, tokenJSON(full))
}

// revokeCurrentToken invalidates the constrained token the request
// arrived with once a full token replaces it.
func (h *AuthHandler) revokeCurrentToken(c *gin.Context) {
	current, ok := middleware.TokenFromContext(c)
	if !ok || !current.Constrained() {
		return
	}
	if err := h.tokens.Revoke(current.Token); err != nil {
		logger.WithModule("auth").Warn("constrained token revoke failed",
			zap.String("identity_id", current.IdentityID),
			zap.Error(err))
	}
}

func (h *AuthHandler) challengeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, iauth.ErrTemporarilyBlocked):
		response.Error(c, appErrors.ErrTemporarilyBlocked)
	case errors.Is(err, mfa.ErrInvalidCode):
		response.Error(c, appErrors.ErrInvalidVerificationCode)
	case errors.Is(err, mfa.ErrNotEnrolled):
		response.Error(c, appErrors.NewBadRequest("no second factor enrolled"))
	default:
		response.Error(c, err)
	}
}
