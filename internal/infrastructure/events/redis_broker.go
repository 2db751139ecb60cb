package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/matterdock/matterdock-backend/internal/infrastructure/config"
	"github.com/matterdock/matterdock-backend/internal/infrastructure/telemetry"
	"github.com/matterdock/matterdock-backend/internal/ports"
)

// subscribeBuffer bounds the per-subscription delivery channel; a slow
// consumer drops events rather than stalling the pump.
const subscribeBuffer = 64

// RedisBroker implements ports.Broker on Redis: matter channels ride
// pub/sub, background queues ride lists with blocking pops.
type RedisBroker struct {
	client *redis.Client
	logger *zap.Logger
	tracer trace.Tracer
}

// NewRedisBroker connects to Redis and verifies the connection.
func NewRedisBroker(cfg *config.RedisConfig, logger *zap.Logger) (*RedisBroker, error) {
	if cfg == nil {
		return nil, fmt.Errorf("redis config is required")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.URL,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		MaxRetries:   cfg.MaxRetries,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), cfg.DialTimeout)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	return NewRedisBrokerFromClient(client, logger), nil
}

// NewRedisBrokerFromClient wraps an existing client, sharing its pool.
func NewRedisBrokerFromClient(client *redis.Client, logger *zap.Logger) *RedisBroker {
	return &RedisBroker{
		client: client,
		logger: logger,
		tracer: telemetry.Tracer("matterdock.broker"),
	}
}

// Publish sends one event on a matter channel
func (b *RedisBroker) Publish(ctx context.Context, channel string, event ports.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	if err := b.client.Publish(ctx, channel, data).Err(); err != nil {
		b.logger.Error("publish failed", zap.String("channel", channel), zap.Error(err))
		return fmt.Errorf("redis publish failed: %w", err)
	}
	return nil
}

// Subscribe opens a subscription on channel. The returned cancel func
// releases the subscription; the event channel closes after cancel or
// context expiry.
func (b *RedisBroker) Subscribe(ctx context.Context, channel string) (<-chan ports.Event, func(), error) {
	sub := b.client.Subscribe(ctx, channel)

	// Receive forces the SUBSCRIBE handshake so a failed connection
	// surfaces here, not on the first missed event.
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, nil, fmt.Errorf("redis subscribe failed: %w", err)
	}

	events := make(chan ports.Event, subscribeBuffer)
	done := make(chan struct{})

	go func() {
		defer close(events)
		src := sub.Channel()
		for {
			select {
			case msg, ok := <-src:
				if !ok {
					return
				}
				var event ports.Event
				if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
					b.logger.Warn("dropping undecodable event",
						zap.String("channel", channel),
						zap.Error(err))
					continue
				}
				select {
				case events <- event:
				default:
					b.logger.Warn("dropping event for slow subscriber",
						zap.String("channel", channel),
						zap.String("type", event.Type))
				}
			case <-ctx.Done():
				return
			case <-done:
				return
			}
		}
	}()

	cancel := func() {
		close(done)
		_ = sub.Close()
	}
	return events, cancel, nil
}

// Enqueue pushes a payload onto a background queue
func (b *RedisBroker) Enqueue(ctx context.Context, queue string, payload []byte) error {
	ctx, span := telemetry.StartQueueSpan(ctx, b.tracer, "publish", queue)
	defer span.End()

	if err := b.client.LPush(ctx, queue, payload).Err(); err != nil {
		telemetry.WithSpanError(span, err)
		b.logger.Error("enqueue failed", zap.String("queue", queue), zap.Error(err))
		return fmt.Errorf("redis enqueue failed: %w", err)
	}
	return nil
}

// Dequeue blocks up to timeout for the next payload. A drained queue
// returns (nil, nil) so workers can poll without error handling churn.
func (b *RedisBroker) Dequeue(ctx context.Context, queue string, timeout time.Duration) ([]byte, error) {
	ctx, span := telemetry.StartQueueSpan(ctx, b.tracer, "receive", queue)
	defer span.End()

	result, err := b.client.BRPop(ctx, timeout, queue).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		telemetry.WithSpanError(span, err)
		return nil, fmt.Errorf("redis dequeue failed: %w", err)
	}
	// BRPop returns [key, value].
	if len(result) != 2 {
		return nil, fmt.Errorf("redis dequeue returned %d elements", len(result))
	}
	return []byte(result[1]), nil
}

// Close releases the underlying connection
func (b *RedisBroker) Close() error {
	return b.client.Close()
}
