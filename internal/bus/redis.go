// Package bus provides an optional cross-process broadcast extension: a
// Room can additionally publish its events and relay frames to Redis so
// that more than one server process can share an invite-code namespace.
// A nil *Service behaves as a no-op, which is the default single-process
// mode this server runs in unless REDIS_ENABLED is set to "true".
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"

	"github.com/tilekeep/matchd/internal/logging"
	"github.com/tilekeep/matchd/internal/metrics"
)

// Frame is the envelope published to a room's Redis channel. Payload is
// opaque to the bus itself: it is either a marshaled structured event or
// a raw relay frame, distinguished by Kind.
type Frame struct {
	InviteCode string `json:"inviteCode"`
	Kind       string `json:"kind"` // "event" or "relay"
	Payload    []byte `json:"payload"`
	SenderID   string `json:"senderId"`
}

// Service wraps a Redis client with a circuit breaker so a dead Redis
// degrades publishing to a no-op instead of blocking callers.
type Service struct {
	client *redis.Client
	cb     *gobreaker.CircuitBreaker
}

// NewService dials Redis, verifies connectivity, and wraps subsequent
// calls in a circuit breaker.
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
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	st := gobreaker.Settings{
		Name:        "redis",
		MaxRequests: 5,
		Interval:    time.Minute,
		Timeout:     15 * time.Second,
		OnStateChange: func(name string, from, to gobreaker.State) {
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

	return &Service{client: rdb, cb: gobreaker.NewCircuitBreaker(st)}, nil
}

func channelFor(inviteCode string) string {
	return fmt.Sprintf("matchd:room:%s", inviteCode)
}

// Publish fans a frame out to other server processes. A nil Service or a
// tripped circuit breaker silently drops the publish rather than failing
// the caller: the local broadcast still reaches every locally-connected
// member.
func (s *Service) Publish(ctx context.Context, frame Frame) error {
	if s == nil || s.client == nil {
		return nil
	}

	_, err := s.cb.Execute(func() (any, error) {
		data, err := json.Marshal(frame)
		if err != nil {
			return nil, err
		}
		return nil, s.client.Publish(ctx, channelFor(frame.InviteCode), data).Err()
	})

	if err == gobreaker.ErrOpenState {
		metrics.CircuitBreakerFailures.WithLabelValues("redis").Inc()
		logging.Warn(ctx, "redis circuit breaker open, dropping publish")
		return nil
	}
	return err
}

// Subscribe starts a background goroutine forwarding frames published by
// other processes for inviteCode to handler, until ctx is cancelled. No-op
// on a nil Service.
func (s *Service) Subscribe(ctx context.Context, inviteCode string, wg *sync.WaitGroup, handler func(Frame)) {
	if s == nil || s.client == nil {
		return
	}

	pubsub := s.client.Subscribe(ctx, channelFor(inviteCode))
	if wg != nil {
		wg.Add(1)
	}

	go func() {
		defer pubsub.Close()
		if wg != nil {
			defer wg.Done()
		}

		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var frame Frame
				if err := json.Unmarshal([]byte(msg.Payload), &frame); err != nil {
					logging.Warn(ctx, "failed to unmarshal bus frame")
					continue
				}
				handler(frame)
			}
		}
	}()
}

// Ping checks Redis connectivity; used by the readiness probe.
func (s *Service) Ping(ctx context.Context) error {
	if s == nil || s.client == nil {
		return nil
	}
	_, err := s.cb.Execute(func() (any, error) {
		return nil, s.client.Ping(ctx).Err()
	})
	if err == gobreaker.ErrOpenState {
		metrics.CircuitBreakerFailures.WithLabelValues("redis").Inc()
		return err
	}
	return err
}

// Close releases the underlying Redis client.
func (s *Service) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}
