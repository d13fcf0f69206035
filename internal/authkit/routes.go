package authkit

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/tyemirov/vkcalls/internal/vk"
	"go.uber.org/zap"
)

const (
	// DefaultBotLink is where the Telegram variant sends the browser after verification.
	DefaultBotLink = "https://vkcallsBot.t.me/"

	messageEmptyUserState = "empty user_state"
	messageInvalidState   = "invalid user_state"
	messageRetryAuthorize = "invalid or expired session, please retry"
	messageInternalError  = "Internal Server Error"
	raycastStartAuthPath  = "/raycast/start-auth"
	logoutPath            = "/auth/logout"
	providerErrorPrefix   = "Error: "
)

// AuthorizationNotifier tells a Telegram user that authorization succeeded.
type AuthorizationNotifier interface {
	NotifyAuthorized(ctx context.Context, userIdentity string, profile *vk.Profile) error
}

// MountAuthRoutes registers the redirect and verify endpoints of every
// variant plus /raycast/start-auth and /auth/logout.
func MountAuthRoutes(router gin.IRouter, configuration ServerConfig, controller *Controller, notifier AuthorizationNotifier, logger *zap.Logger) {
	if logger == nil {
		logger = zap.NewNop()
	}
	variants := configuration.Variants
	if variants == nil {
		variants = DefaultVariants()
	}
	botLink := configuration.BotLink
	if botLink == "" {
		botLink = DefaultBotLink
	}

	for variant, routes := range variants {
		router.GET(routes.AuthPath, handleProviderRedirect(controller, variant, logger))
		switch variant {
		case VariantRaycast:
			router.GET(routes.VerifyPath, handleRaycastVerify(controller, logger))
		default:
			router.GET(routes.VerifyPath, handleTelegramVerify(controller, notifier, variant, botLink, logger))
		}
	}

	router.GET(raycastStartAuthPath, func(contextGin *gin.Context) {
		userIdentity := strings.TrimSpace(contextGin.Query("id"))
		link, err := controller.IssueAuthorizationURL(contextGin.Request.Context(), userIdentity, VariantRaycast)
		if err != nil {
			logger.Error("raycast start-auth failed", zap.String("code", "authkit.start_auth.failure"), zap.Error(err))
			contextGin.JSON(http.StatusOK, gin.H{"error": err.Error()})
			return
		}
		contextGin.JSON(http.StatusOK, gin.H{"url": link})
	})

	router.POST(logoutPath, func(contextGin *gin.Context) {
		var inbound struct {
			UserIdentity string `json:"user_identity"`
			RefreshToken string `json:"refresh_token"`
		}
		if err := contextGin.BindJSON(&inbound); err != nil || strings.TrimSpace(inbound.UserIdentity) == "" {
			contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid_json"})
			return
		}
		err := controller.LogoutWithRefreshToken(contextGin.Request.Context(), inbound.UserIdentity, inbound.RefreshToken)
		if errors.Is(err, ErrLogoutForbidden) {
			contextGin.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
			return
		}
		if err != nil {
			logger.Error("logout failed", zap.String("code", "authkit.logout.failure"), zap.Error(err))
			contextGin.AbortWithStatus(http.StatusInternalServerError)
			return
		}
		contextGin.Status(http.StatusNoContent)
	})
}

func handleProviderRedirect(controller *Controller, variant FlowVariant, logger *zap.Logger) gin.HandlerFunc {
	return func(contextGin *gin.Context) {
		authID := strings.TrimSpace(contextGin.Query("user_state"))
		if authID == "" {
			contextGin.String(http.StatusBadRequest, messageEmptyUserState)
			return
		}
		providerURL, err := controller.InitiateRedirect(contextGin.Request.Context(), authID, variant)
		if errors.Is(err, ErrUnknownState) {
			contextGin.String(http.StatusBadRequest, messageInvalidState)
			return
		}
		if err != nil {
			logger.Error("provider redirect failed",
				zap.String("code", "authkit.redirect.failure"),
				zap.String("variant", string(variant)),
				zap.Error(err),
			)
			contextGin.String(http.StatusInternalServerError, messageInternalError)
			return
		}
		contextGin.Redirect(http.StatusFound, providerURL)
	}
}

func handleTelegramVerify(controller *Controller, notifier AuthorizationNotifier, variant FlowVariant, botLink string, logger *zap.Logger) gin.HandlerFunc {
	return func(contextGin *gin.Context) {
		requestContext := contextGin.Request.Context()
		authorization, err := controller.CompleteAuthorization(requestContext,
			contextGin.Query("state"), contextGin.Query("code"), contextGin.Query("device_id"), variant)
		if IsRestartRequired(err) {
			contextGin.Redirect(http.StatusFound, botLink)
			return
		}
		if err != nil {
			logVerifyFailure(logger, variant, err)
			contextGin.String(http.StatusInternalServerError, messageInternalError)
			return
		}
		profile, err := controller.FetchProfile(requestContext, authorization.UserIdentity)
		if err != nil {
			logVerifyFailure(logger, variant, err)
			contextGin.String(http.StatusInternalServerError, messageInternalError)
			return
		}
		if notifier != nil {
			if notifyErr := notifier.NotifyAuthorized(requestContext, authorization.UserIdentity, profile); notifyErr != nil {
				logVerifyFailure(logger, variant, notifyErr)
				contextGin.String(http.StatusInternalServerError, messageInternalError)
				return
			}
		}
		contextGin.Redirect(http.StatusFound, botLink)
	}
}

func handleRaycastVerify(controller *Controller, logger *zap.Logger) gin.HandlerFunc {
	return func(contextGin *gin.Context) {
		requestContext := contextGin.Request.Context()
		authorization, err := controller.CompleteAuthorization(requestContext,
			contextGin.Query("state"), contextGin.Query("code"), contextGin.Query("device_id"), VariantRaycast)
		if IsRestartRequired(err) {
			contextGin.String(http.StatusBadRequest, messageRetryAuthorize)
			return
		}
		if err != nil {
			writeVerifyError(contextGin, logger, err)
			return
		}
		profile, err := controller.FetchProfile(requestContext, authorization.UserIdentity)
		if err != nil {
			writeVerifyError(contextGin, logger, err)
			return
		}
		contextGin.JSON(http.StatusOK, gin.H{
			"user": profile,
			"credentials": gin.H{
				"access_token":  authorization.Record.AccessToken,
				"refresh_token": authorization.Record.RefreshToken,
				"expires_in":    expiresInSeconds(authorization.Record.ExpiresIn),
			},
		})
	}
}

func writeVerifyError(contextGin *gin.Context, logger *zap.Logger, err error) {
	logVerifyFailure(logger, VariantRaycast, err)
	var providerErr *vk.Error
	if errors.As(err, &providerErr) {
		contextGin.String(http.StatusInternalServerError, providerErrorPrefix+providerErr.Message)
		return
	}
	contextGin.String(http.StatusInternalServerError, messageInternalError)
}

func logVerifyFailure(logger *zap.Logger, variant FlowVariant, err error) {
	logger.Error("authorization verify failed",
		zap.String("code", "authkit.verify.failure"),
		zap.String("variant", string(variant)),
		zap.Error(err),
	)
}

func expiresInSeconds(raw string) int64 {
	seconds, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		return 0
	}
	return seconds
}
