package services

import (
	"context"

	"github.com/google/uuid"

	"sideline-chat/pkg/logger"
)

type contextKey string

const userIDKey contextKey = "user_id"

// WithUserContext stores the verified caller id. The id is also exposed to
// the logger under its own key.
func WithUserContext(ctx context.Context, userID uuid.UUID) context.Context {
	ctx = context.WithValue(ctx, userIDKey, userID)
	return context.WithValue(ctx, logger.UserIdKey, userID.String())
}

func UserIDFromContext(ctx context.Context) (uuid.UUID, bool) {
	value := ctx.Value(userIDKey)
	if value == nil {
		return uuid.Nil, false
	}
	userID, ok := value.(uuid.UUID)
	return userID, ok
}
