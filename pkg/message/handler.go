package message

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// Handler processes a delivery received from a broker. The caller settles
// the delivery from the returned error: nil acks, a cancellation naks and
// anything else terminates it.
type Handler func(ctx context.Context, d *Delivery) error

// Middleware is a function that wraps a handler to add additional functionality
type Middleware func(Handler) Handler

// Chain chains multiple middlewares together
func Chain(middlewares ...Middleware) Middleware {
	return func(h Handler) Handler {
		for i := len(middlewares) - 1; i >= 0; i-- {
			h = middlewares[i](h)
		}
		return h
	}
}

// RecoveryMiddleware recovers from panics in message handlers
func RecoveryMiddleware() Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, d *Delivery) (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("panic recovered: %v", r)
				}
			}()
			return next(ctx, d)
		}
	}
}

// LoggingMiddleware logs delivery processing using structured logging
func LoggingMiddleware(logger *zap.Logger) Middleware {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(next Handler) Handler {
		return func(ctx context.Context, d *Delivery) error {
			fields := []zap.Field{
				zap.String("subject", d.Subject),
				zap.String("message_id", d.MessageID),
				zap.String("correlation_id", d.CorrelationID),
			}
			logger.Debug("Processing message", fields...)
			err := next(ctx, d)
			if err != nil {
				logger.Error("Error processing message", append(fields, zap.Error(err))...)
			} else {
				logger.Debug("Successfully processed message", fields...)
			}
			return err
		}
	}
}

// ValidationMiddleware rejects deliveries without an envelope or message id
func ValidationMiddleware() Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, d *Delivery) error {
			if d.Envelope == nil {
				return fmt.Errorf("message is nil")
			}
			if d.MessageID == "" {
				return fmt.Errorf("message id is empty")
			}
			if d.CreatedAt == "" {
				return fmt.Errorf("message CreatedAt is empty")
			}
			return next(ctx, d)
		}
	}
}
