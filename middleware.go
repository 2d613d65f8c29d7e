package stoat

import (
	"context"
	"runtime/debug"
	"time"
)

// ValidationMiddleware rejects messages whose Validate method fails.
func ValidationMiddleware() Middleware {
	return func(next ReceiveFunc) ReceiveFunc {
		return func(ctx context.Context, env *Envelope) error {
			if v, ok := env.Message.(Validator); ok {
				if err := v.Validate(); err != nil {
					return err
				}
			}
			return next(ctx, env)
		}
	}
}

// RecoveryMiddleware converts a panic during processing into a *PanicError.
func RecoveryMiddleware() Middleware {
	return func(next ReceiveFunc) ReceiveFunc {
		return func(ctx context.Context, env *Envelope) (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = &PanicError{
						MessageType: env.MessageType,
						Value:       r,
						Stack:       string(debug.Stack()),
					}
				}
			}()
			return next(ctx, env)
		}
	}
}

// LoggingMiddleware logs message processing.
type LoggingMiddleware struct {
	logger Logger
}

// NewLoggingMiddleware creates a new LoggingMiddleware.
func NewLoggingMiddleware(logger Logger) *LoggingMiddleware {
	if logger == nil {
		logger = &noopLogger{}
	}
	return &LoggingMiddleware{logger: logger}
}

// Middleware returns the middleware function.
func (m *LoggingMiddleware) Middleware() Middleware {
	return func(next ReceiveFunc) ReceiveFunc {
		return func(ctx context.Context, env *Envelope) error {
			start := time.Now()
			m.logger.Debug("Processing message",
				"messageType", env.MessageType,
				"messageID", env.ID)

			err := next(ctx, env)
			duration := time.Since(start)

			if err != nil {
				m.logger.Error("Message failed",
					"messageType", env.MessageType,
					"messageID", env.ID,
					"duration", duration,
					"error", err)
				return err
			}
			m.logger.Info("Message processed",
				"messageType", env.MessageType,
				"messageID", env.ID,
				"duration", duration)
			return nil
		}
	}
}

// TimeoutMiddleware bounds the processing time of each message.
func TimeoutMiddleware(timeout time.Duration) Middleware {
	return func(next ReceiveFunc) ReceiveFunc {
		return func(ctx context.Context, env *Envelope) error {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			return next(ctx, env)
		}
	}
}

// MetricsCollector records message processing.
type MetricsCollector interface {
	RecordMessage(messageType string, duration time.Duration, success bool, err error)
}

// MetricsMiddleware creates middleware that records metrics.
func MetricsMiddleware(collector MetricsCollector) Middleware {
	return func(next ReceiveFunc) ReceiveFunc {
		return func(ctx context.Context, env *Envelope) error {
			start := time.Now()
			err := next(ctx, env)
			collector.RecordMessage(env.MessageType, time.Since(start), err == nil, err)
			return err
		}
	}
}

// ConditionalMiddleware applies middleware only when condition holds.
func ConditionalMiddleware(condition func(*Envelope) bool, middleware Middleware) Middleware {
	return func(next ReceiveFunc) ReceiveFunc {
		wrapped := middleware(next)
		return func(ctx context.Context, env *Envelope) error {
			if condition(env) {
				return wrapped(ctx, env)
			}
			return next(ctx, env)
		}
	}
}

// MessageTypeMiddleware applies middleware only to the given message types.
func MessageTypeMiddleware(types []string, middleware Middleware) Middleware {
	typeSet := make(map[string]bool, len(types))
	for _, t := range types {
		typeSet[t] = true
	}
	return ConditionalMiddleware(func(env *Envelope) bool {
		return typeSet[env.MessageType]
	}, middleware)
}

type correlationIDKey struct{}

// CorrelationIDFromContext returns the correlation id of the message being processed.
func CorrelationIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(correlationIDKey{}).(string); ok {
		return id
	}
	return ""
}

// CorrelationIDMiddleware puts the message's correlation id, or its message
// id when it has none, on the context.
func CorrelationIDMiddleware() Middleware {
	return func(next ReceiveFunc) ReceiveFunc {
		return func(ctx context.Context, env *Envelope) error {
			id := env.Headers.Get(HeaderCorrelationID)
			if id == "" {
				id = env.ID
			}
			if id != "" {
				ctx = context.WithValue(ctx, correlationIDKey{}, id)
			}
			return next(ctx, env)
		}
	}
}
