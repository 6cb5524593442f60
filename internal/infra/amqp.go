// README: RabbitMQ connection with a bounded dial retry.
package infra

import (
	"context"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// DialAMQP connects to the broker, retrying with doubling backoff until ctx is done
// or attempts are used up.
func DialAMQP(ctx context.Context, url string, attempts int, log *zap.Logger) (*amqp.Connection, error) {
	backoff := time.Second
	var lastErr error
	for i := 1; i <= attempts; i++ {
		conn, err := amqp.Dial(url)
		if err == nil {
			return conn, nil
		}
		lastErr = err
		log.Warn("amqp dial failed", zap.Int("attempt", i), zap.Duration("retry_in", backoff), zap.Error(err))
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
		if backoff < 30*time.Second {
			backoff *= 2
		}
	}
	return nil, fmt.Errorf("amqp dial after %d attempts: %w", attempts, lastErr)
}
