package middleware

import (
	"net/http"
	"strings"

	"sideline-chat/internal/services"
	"sideline-chat/internal/transport/httpdto"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// TokenVerifier resolves a bearer token to the caller's user id.
type TokenVerifier interface {
	Verify(token string) (uuid.UUID, error)
}

// AuthMiddleware accepts the token from the Authorization header or, for
// websocket upgrades where browsers cannot set headers, the access_token
// query parameter.
func AuthMiddleware(verifier TokenVerifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := extractBearer(c)
		if token == "" {
			token = c.Query("access_token")
		}
		userID, err := verifier.Verify(token)
		if err != nil {
			c.JSON(http.StatusUnauthorized, httpdto.NewErrorResponse("unauthorized", "UNAUTHORIZED"))
			c.Abort()
			return
		}

		ctx := services.WithUserContext(c.Request.Context(), userID)
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

func extractBearer(c *gin.Context) string {
	value := c.GetHeader("Authorization")
	parts := strings.SplitN(value, " ", 2)
	if len(parts) != 2 {
		return ""
	}
	if !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
