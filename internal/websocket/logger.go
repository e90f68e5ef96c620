package websocket

import (
	"github.com/google/uuid"
	"go.uber.org/zap"

	"sideline-chat/pkg/logger"
)

// Logger provides structured logging for subscription streams.
type Logger struct {
	logger *zap.Logger
}

func NewLogger(l *logger.Logger) *Logger {
	if l == nil {
		l = logger.Nop()
	}
	return &Logger{logger: l.Logger.WithOptions(zap.AddCallerSkip(1)).With(zap.String("component", "websocket"))}
}

func (l *Logger) Info(event string, userID, subscriptionID uuid.UUID, fields ...zap.Field) {
	allFields := append([]zap.Field{
		zap.String("event", event),
		zap.String("user_id", userID.String()),
		zap.String("subscription_id", subscriptionID.String()),
	}, fields...)
	l.logger.Info("websocket_event", allFields...)
}

func (l *Logger) Warn(event string, userID, subscriptionID uuid.UUID, fields ...zap.Field) {
	allFields := append([]zap.Field{
		zap.String("event", event),
		zap.String("user_id", userID.String()),
		zap.String("subscription_id", subscriptionID.String()),
	}, fields...)
	l.logger.Warn("websocket_warning", allFields...)
}

func (l *Logger) Error(event string, userID, subscriptionID uuid.UUID, err error, fields ...zap.Field) {
	allFields := append([]zap.Field{
		zap.String("event", event),
		zap.String("user_id", userID.String()),
		zap.String("subscription_id", subscriptionID.String()),
		zap.Error(err),
	}, fields...)
	l.logger.Error("websocket_error", allFields...)
}
