package middleware

import (
	"net/http"

	"sideline-chat/internal/transport/httpdto"
	sideline_errors "sideline-chat/pkg/errors"
	"sideline-chat/pkg/logger"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// ErrorHandler renders the last error a handler attached with c.Error.
func ErrorHandler(l *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 || c.Writer.Written() {
			return
		}

		err := c.Errors.Last().Err
		status := sideline_errors.HTTPStatus(err)
		message := err.Error()
		if status >= http.StatusInternalServerError {
			if l != nil {
				l.WithContext(c.Request.Context()).Error("request failed", zap.Error(err))
			}
			if status == http.StatusInternalServerError {
				message = "internal error"
			}
		}
		c.JSON(status, httpdto.NewErrorResponse(message, sideline_errors.Code(err)))
	}
}
