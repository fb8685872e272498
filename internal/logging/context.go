package logging

import (
	"context"

	"github.com/google/uuid"
)

type contextKey string

const (
	loggerKey  contextKey = "logger"
	traceIDKey contextKey = "trace_id"
)

// GenerateTraceID generates a new trace ID
func GenerateTraceID() string {
	return uuid.NewString()
}

// FromContext retrieves the logger from context
func FromContext(ctx context.Context) *Logger {
	if l, ok := ctx.Value(loggerKey).(*Logger); ok {
		return l
	}
	return Default()
}

// NewContext creates a new context carrying the logger
func NewContext(ctx context.Context, l *Logger) context.Context {
	return context.WithValue(ctx, loggerKey, l)
}

// WithTraceContext tags ctx with a fresh trace ID and returns a logger that
// carries it. Each orchestrator tick and banking check runs under one.
func WithTraceContext(ctx context.Context, base *Logger) (context.Context, *Logger) {
	if base == nil {
		base = Default()
	}
	traceID := GenerateTraceID()
	l := base.WithTraceID(traceID)
	ctx = context.WithValue(ctx, traceIDKey, traceID)
	return NewContext(ctx, l), l
}

// TraceID returns the trace ID stored in ctx, if any.
func TraceID(ctx context.Context) string {
	id, _ := ctx.Value(traceIDKey).(string)
	return id
}

// SessionContext scopes a logger to one trading session
func SessionContext(base *Logger, sessionID, userID, symbol string) *Logger {
	return base.WithFields(map[string]interface{}{
		"session_id": sessionID,
		"user_id":    userID,
		"symbol":     symbol,
	})
}

// StrategyContext scopes a logger to one strategy record
func StrategyContext(base *Logger, strategyID, status string) *Logger {
	return base.WithFields(map[string]interface{}{
		"strategy_id": strategyID,
		"status":      status,
	})
}

// BankingContext scopes a logger to one banking attempt
func BankingContext(base *Logger, trigger string, amount float64) *Logger {
	return base.WithFields(map[string]interface{}{
		"trigger": trigger,
		"amount":  amount,
	})
}

// ExchangeContext creates a logger context for exchange calls. Credentials
// never go into log fields.
func ExchangeContext(base *Logger, op, symbol string) *Logger {
	return base.WithFields(map[string]interface{}{
		"op":     op,
		"symbol": symbol,
	}).WithComponent("exchange")
}
