package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"storystack-server/shared/authutils"
)

// ContextKeyUserID — ключ, под которым ID пользователя сохраняется в контексте Gin.
const ContextKeyUserID = "user_id"

// GinAuthMiddleware создает middleware для проверки JWT access токена.
// Проверяет подпись и срок действия, извлекает user_id в контекст.
// Не проверяет отзыв токена (это остается ответственностью auth-сервиса).
func GinAuthMiddleware(verifier *authutils.JWTVerifier, logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"message": "Authorization header missing"})
			return
		}

		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"message": "Invalid Authorization header format"})
			return
		}

		claims, err := verifier.VerifyToken(c.Request.Context(), parts[1])
		if err != nil {
			logger.Warn("Token verification failed", zap.Error(err))
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"message": "Token is invalid or expired"})
			return
		}

		c.Set(ContextKeyUserID, claims.UserID)
		c.Next()
	}
}

// UserIDFromContext извлекает ID пользователя, сохраненный GinAuthMiddleware.
func UserIDFromContext(c *gin.Context) (uint64, bool) {
	v, ok := c.Get(ContextKeyUserID)
	if !ok {
		return 0, false
	}
	userID, ok := v.(uint64)
	return userID, ok
}
