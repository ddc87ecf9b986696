package api

import (
	"github.com/gin-gonic/gin"

	iauth "github.com/metroengine/authgate/internal/auth"
	"github.com/metroengine/authgate/internal/handlers"
	"github.com/metroengine/authgate/internal/middleware"
)

type authRouteDeps struct {
	AuthHandler *handlers.AuthHandler
	Tokens      *iauth.TokenService
}

func registerAuthRoutes(engine *gin.Engine, deps authRouteDeps) {
	auth := engine.Group("/auth")

	// Public: primary login, recovery redemption, and token lifecycle.
	auth.POST("/token", deps.AuthHandler.Login)
	auth.POST("/mfa_reset", deps.AuthHandler.MFAReset)
	auth.POST("/mfa_reset_check", deps.AuthHandler.MFAResetCheck)
	auth.POST("/revoke", deps.AuthHandler.Revoke)
	auth.POST("/refresh_access_token", deps.AuthHandler.Refresh)
	auth.POST("/refresh_impersonate_token", deps.AuthHandler.Refresh)

	// MFA-step endpoints: require a constrained token for either kind.
	constrained := auth.Group("")
	constrained.Use(middleware.RequireScope(deps.Tokens, "mfa_login_manager", "mfa_login_admin"))
	{
		constrained.GET("/app_secret", deps.AuthHandler.AppSecret)
		constrained.POST("/app_verify_and_save", deps.AuthHandler.AppVerifyAndSave)
		constrained.POST("/mfa_app_authentication", deps.AuthHandler.MFAAppAuthentication)
		constrained.GET("/sms_send", deps.AuthHandler.SMSSend)
		constrained.POST("/sms_verify_and_save", deps.AuthHandler.SMSVerifyAndSave)
		constrained.POST("/mfa_sms_authentication", deps.AuthHandler.MFASMSAuthentication)
		constrained.GET("/mfa_reset_email", deps.AuthHandler.MFAResetEmail)
	}
}
