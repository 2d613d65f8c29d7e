package stoat

import (
	"context"
	"time"

	"github.com/AshkanYarmoradi/go-stoat/adapters"
)

// Re-export types from adapters package for convenience
type (
	// IdempotencyStore tracks processed messages to prevent duplicate processing.
	IdempotencyStore = adapters.IdempotencyStore

	// IdempotencyRecord stores information about a processed message.
	IdempotencyRecord = adapters.IdempotencyRecord
)

// IdempotencyConfig configures the idempotency middleware.
type IdempotencyConfig struct {
	// Store is the idempotency store to use.
	Store IdempotencyStore

	// TTL is how long to keep idempotency records.
	// Default is 24 hours.
	TTL time.Duration

	// KeyFunc returns the key of an envelope. Envelopes with an empty key
	// are always processed. Defaults to the message id.
	KeyFunc func(*Envelope) string

	// Logger receives store failures.
	Logger Logger
}

// DefaultIdempotencyConfig returns a default idempotency configuration.
func DefaultIdempotencyConfig(store IdempotencyStore) IdempotencyConfig {
	return IdempotencyConfig{
		Store:   store,
		TTL:     24 * time.Hour,
		KeyFunc: MessageIDKey,
	}
}

// MessageIDKey keys envelopes by message id.
func MessageIDKey(env *Envelope) string {
	return env.ID
}

// IdempotencyMiddleware skips envelopes whose key was already processed
// successfully. Failed messages are not recorded and can be redelivered.
func IdempotencyMiddleware(config IdempotencyConfig) Middleware {
	if config.TTL <= 0 {
		config.TTL = 24 * time.Hour
	}
	if config.KeyFunc == nil {
		config.KeyFunc = MessageIDKey
	}
	if config.Logger == nil {
		config.Logger = &noopLogger{}
	}

	return func(next ReceiveFunc) ReceiveFunc {
		return func(ctx context.Context, env *Envelope) error {
			key := config.KeyFunc(env)
			if key == "" {
				return next(ctx, env)
			}

			record, err := config.Store.Get(ctx, key)
			if err != nil {
				config.Logger.Warn("Idempotency lookup failed", "key", key, "error", err)
				return next(ctx, env)
			}
			if record != nil && record.Success && !record.IsExpired() {
				config.Logger.Debug("Skipping duplicate message",
					"key", key,
					"messageType", env.MessageType)
				return nil
			}

			if err := next(ctx, env); err != nil {
				return err
			}

			now := time.Now()
			if err := config.Store.Store(ctx, &IdempotencyRecord{
				Key:         key,
				MessageType: env.MessageType,
				Success:     true,
				ProcessedAt: now,
				ExpiresAt:   now.Add(config.TTL),
			}); err != nil {
				config.Logger.Warn("Failed to store idempotency record", "key", key, "error", err)
			}
			return nil
		}
	}
}
