package logging

import (
	"go.uber.org/zap"
)

// NewLogger builds a production ready structured logger.
func NewLogger() (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.EncoderConfig.TimeKey = "timestamp"
	return cfg.Build()
}

// WithOperation enriches the logger with operation and request identifiers.
func WithOperation(logger *zap.Logger, operation, requestID string) *zap.Logger {
	fields := []zap.Field{zap.String("operation", operation)}
	if requestID != "" {
		fields = append(fields, zap.String("request_id", requestID))
	}
	return logger.With(fields...)
}

// WithConnection scopes a logger to one streaming connection.
func WithConnection(logger *zap.Logger, connectionID string) *zap.Logger {
	return logger.With(zap.String("connection_id", connectionID))
}

// WithOwner scopes a logger to the owner of a photo collection.
func WithOwner(logger *zap.Logger, operation, ownerID string) *zap.Logger {
	return logger.With(zap.String("operation", operation), zap.String("owner_id", ownerID))
}
