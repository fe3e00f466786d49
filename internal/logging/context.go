package logging

import (
	"context"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// GenerateTraceID generates a new trace ID
func GenerateTraceID() string {
	return uuid.New().String()
}

// NewContext creates a new context carrying the logger
func NewContext(ctx context.Context, l zerolog.Logger) context.Context {
	return l.WithContext(ctx)
}

// FromContext retrieves the logger from context, or a disabled logger
func FromContext(ctx context.Context) *zerolog.Logger {
	return zerolog.Ctx(ctx)
}

// WithTraceContext attaches a fresh trace ID to the logger and stores it in ctx
func WithTraceContext(ctx context.Context, l zerolog.Logger) (context.Context, zerolog.Logger) {
	traced := l.With().Str("trace_id", GenerateTraceID()).Logger()
	return traced.WithContext(ctx), traced
}

// BotContext creates a logger context for one bot
func BotContext(l zerolog.Logger, userID, botID string) zerolog.Logger {
	return l.With().
		Str("user_id", userID).
		Str("bot_id", botID).
		Logger()
}

// LockContext creates a logger context for lock operations
func LockContext(l zerolog.Logger, key string) zerolog.Logger {
	return l.With().Str("lock_key", key).Logger()
}

// TradeContext creates a logger context for trade operations
func TradeContext(l zerolog.Logger, symbol, direction string, stake float64) zerolog.Logger {
	return l.With().
		Str("symbol", symbol).
		Str("direction", direction).
		Float64("stake", stake).
		Logger()
}
