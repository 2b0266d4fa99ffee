// Package bus wraps the Redis pub/sub fabric that connects hub processes.
// Every connected user owns one channel; the existence of at least one
// subscriber on that channel is the cluster-wide presence signal.
package bus

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"

	"github.com/iparaskev/hopp/internal/v1/logging"
	"github.com/iparaskev/hopp/internal/v1/metrics"
	"go.uber.org/zap"
)

// UserChannel derives the presence channel name for a user. No other channel
// format is valid anywhere in the system.
func UserChannel(userID string) string {
	return "channel-user-" + userID
}

// Service handles all interaction with the Redis cluster.
type Service struct {
	client *redis.Client
	cb     *gobreaker.CircuitBreaker
}

// Client returns the underlying Redis client.
func (s *Service) Client() *redis.Client {
	if s == nil {
		return nil
	}
	return s.client
}

// NewService creates a Redis connection and verifies it with an immediate ping.
func NewService(addr, password string) (*Service, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           0,
		DialTimeout:  10 * time.Second,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		PoolSize:     10,
		MinIdleConns: 2,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	st := gobreaker.Settings{
		Name:        "redis",
		MaxRequests: 5,
		Interval:    1 * time.Minute,
		Timeout:     15 * time.Second,
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			var stateVal float64
			switch to {
			case gobreaker.StateClosed:
				stateVal = 0
			case gobreaker.StateOpen:
				stateVal = 1
			case gobreaker.StateHalfOpen:
				stateVal = 2
			}
			metrics.CircuitBreakerState.WithLabelValues("redis").Set(stateVal)
		},
	}

	logging.Info(context.Background(), "Connected to Redis pub/sub", zap.String("addr", addr))
	return &Service{
		client: rdb,
		cb:     gobreaker.NewCircuitBreaker(st),
	}, nil
}

// Publish sends an already-encoded signaling frame to a user's channel.
// Delivery is at-most-once; when the circuit breaker is open the frame is
// dropped and the client recovers through its own UX timeouts.
func (s *Service) Publish(ctx context.Context, userID string, frame []byte) error {
	_, err := s.cb.Execute(func() (interface{}, error) {
		return nil, s.client.Publish(ctx, UserChannel(userID), frame).Err()
	})

	if err != nil {
		if err == gobreaker.ErrOpenState {
			metrics.CircuitBreakerFailures.WithLabelValues("redis").Inc()
			logging.Warn(ctx, "Redis circuit breaker open: dropping publish", zap.String("user_id", userID))
			return nil
		}
		metrics.BusPublishes.WithLabelValues("error").Inc()
		logging.Error(ctx, "Redis publish failed", zap.String("user_id", userID), zap.Error(err))
		return err
	}

	metrics.BusPublishes.WithLabelValues("ok").Inc()
	return nil
}

// Subscription is a live pub/sub subscription on one user channel. The
// owning session must call Close on every exit path; presence for the user
// ends when the last subscription anywhere in the cluster is released.
type Subscription struct {
	pubsub  *redis.PubSub
	ch      <-chan *redis.Message
	channel string
}

// Frames returns the stream of raw frames published to the channel. The
// channel is closed when the subscription dies or Close is called.
func (sub *Subscription) Frames() <-chan *redis.Message {
	return sub.ch
}

// Close releases the subscription.
func (sub *Subscription) Close() error {
	return sub.pubsub.Close()
}

// Subscribe opens a subscription on a user's channel and confirms it with the
// server before returning, so that IsPresent observes the user immediately.
func (s *Service) Subscribe(ctx context.Context, userID string) (*Subscription, error) {
	channel := UserChannel(userID)
	pubsub := s.client.Subscribe(ctx, channel)

	// Receive forces the SUBSCRIBE round-trip; without it the presence
	// signal lags the session greeting.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", channel, err)
	}

	logging.Debug(ctx, "Subscribed to user channel", zap.String("channel", channel))
	return &Subscription{
		pubsub:  pubsub,
		ch:      pubsub.Channel(),
		channel: channel,
	}, nil
}

// IsPresent reports whether at least one subscriber exists on the user's
// channel anywhere in the cluster. A transient Redis error surfaces as
// (false, err); the caller decides the fallback.
func (s *Service) IsPresent(ctx context.Context, userID string) (bool, error) {
	channel := UserChannel(userID)

	res, err := s.cb.Execute(func() (interface{}, error) {
		return s.client.PubSubNumSub(ctx, channel).Result()
	})
	if err != nil {
		if err == gobreaker.ErrOpenState {
			metrics.CircuitBreakerFailures.WithLabelValues("redis").Inc()
		}
		return false, fmt.Errorf("presence lookup failed for %s: %w", channel, err)
	}

	counts := res.(map[string]int64)
	return counts[channel] > 0, nil
}

// Ping checks Redis connectivity. Used by readiness probes.
func (s *Service) Ping(ctx context.Context) error {
	_, err := s.cb.Execute(func() (interface{}, error) {
		return nil, s.client.Ping(ctx).Err()
	})

	if err != nil {
		if err == gobreaker.ErrOpenState {
			metrics.CircuitBreakerFailures.WithLabelValues("redis").Inc()
		}
		return err
	}
	return nil
}

// Close gracefully shuts down the Redis connection.
func (s *Service) Close() error {
	return s.client.Close()
}
