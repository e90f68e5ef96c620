package handler

import (
	"strconv"

	"sideline-chat/internal/services"
	sideline_errors "sideline-chat/pkg/errors"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// fail hands err to middleware.ErrorHandler, which maps it to a status and code.
func fail(c *gin.Context, err error) {
	_ = c.Error(err)
	c.Abort()
}

func invalid(c *gin.Context, format string, args ...any) {
	fail(c, sideline_errors.Validation(format, args...))
}

func callerID(c *gin.Context) (uuid.UUID, bool) {
	userID, ok := services.UserIDFromContext(c.Request.Context())
	if !ok {
		fail(c, sideline_errors.ErrUnauthorized)
	}
	return userID, ok
}

// paramUUID parses a path parameter, failing the request when it is malformed.
func paramUUID(c *gin.Context, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		invalid(c, "invalid %s", name)
		return uuid.Nil, false
	}
	return id, true
}

func parseUUIDs(values []string) ([]uuid.UUID, error) {
	out := make([]uuid.UUID, 0, len(values))
	for _, v := range values {
		id, err := uuid.Parse(v)
		if err != nil {
			return nil, sideline_errors.Validation("invalid user id %q", v)
		}
		out = append(out, id)
	}
	return out, nil
}

func parseInt(value string) (int, error) {
	if value == "" {
		return 0, nil
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return 0, err
	}
	return parsed, nil
}
