package cache

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker/v2"

	"staff-portal/internal/observability"
)

const (
	backendRedis = "redis"

	defaultOpTimeout       = 150 * time.Millisecond
	defaultBreakerFailures = 5
	defaultBreakerCooldown = 10 * time.Second
	flushTimeout           = 5 * time.Second
	flushScanCount         = 500
)

// RedisOptions tunes the Redis store. Zero values get conservative defaults.
type RedisOptions struct {
	// OpTimeout bounds every Get/Set/Delete/Ping. Keep it sub-second: a slow
	// cache must only cost tens of milliseconds before it is treated as a miss.
	OpTimeout time.Duration

	// BreakerFailures is the number of consecutive faults that opens the breaker.
	BreakerFailures uint32
	// BreakerCooldown is how long the breaker stays open before probing again.
	BreakerCooldown time.Duration

	Logger  *slog.Logger
	Metrics *observability.Metrics
}

// Redis is a Store backed by a shared Redis. Calls that fail, time out or hit
// an open breaker degrade to a miss (reads) or a no-op (writes).
type Redis struct {
	client    *redis.Client
	breaker   *gobreaker.CircuitBreaker[[]byte]
	opTimeout time.Duration
	logger    *slog.Logger
	metrics   *observability.Metrics
}

// NewRedis wraps client. It does not contact the server.
func NewRedis(client *redis.Client, opts RedisOptions) *Redis {
	if opts.OpTimeout <= 0 {
		opts.OpTimeout = defaultOpTimeout
	}
	if opts.BreakerFailures == 0 {
		opts.BreakerFailures = defaultBreakerFailures
	}
	if opts.BreakerCooldown <= 0 {
		opts.BreakerCooldown = defaultBreakerCooldown
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Redis{
		client:    client,
		opTimeout: opts.OpTimeout,
		logger:    logger,
		metrics:   opts.Metrics,
	}
	failures := opts.BreakerFailures
	s.breaker = gobreaker.NewCircuitBreaker[[]byte](gobreaker.Settings{
		Name:        "cache:" + backendRedis,
		MaxRequests: 1,
		Timeout:     opts.BreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("cache breaker state change", "breaker", name, "from", from.String(), "to", to.String())
			opts.Metrics.SetBreakerState(backendRedis, float64(to))
		},
		IsSuccessful: func(err error) bool {
			// The caller giving up is not a backend fault.
			return err == nil || errors.Is(err, context.Canceled)
		},
	})
	return s
}

func (s *Redis) Get(ctx context.Context, key string) ([]byte, bool) {
	v, err := s.breaker.Execute(func() ([]byte, error) {
		opCtx, cancel := context.WithTimeout(ctx, s.opTimeout)
		defer cancel()
		b, err := s.client.Get(opCtx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return b, err
	})
	if err != nil {
		s.fault("get", key, err)
		return nil, false
	}
	if v == nil {
		return nil, false
	}
	return v, true
}

func (s *Redis) SetWithTTL(ctx context.Context, key string, value []byte, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	_, err := s.breaker.Execute(func() ([]byte, error) {
		opCtx, cancel := context.WithTimeout(ctx, s.opTimeout)
		defer cancel()
		return nil, s.client.Set(opCtx, key, value, ttl).Err()
	})
	if err != nil {
		s.fault("set", key, err)
	}
}

func (s *Redis) Delete(ctx context.Context, key string) bool {
	_, err := s.breaker.Execute(func() ([]byte, error) {
		opCtx, cancel := context.WithTimeout(ctx, s.opTimeout)
		defer cancel()
		return nil, s.client.Del(opCtx, key).Err()
	})
	if err != nil {
		s.fault("delete", key, err)
		return false
	}
	return true
}

// IsHealthy pings the server directly, bypassing the breaker.
func (s *Redis) IsHealthy(ctx context.Context) bool {
	pingCtx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()
	if err := s.client.Ping(pingCtx).Err(); err != nil {
		s.logger.Debug("cache ping failed", "cause", err)
		return false
	}
	return true
}

func (s *Redis) Mode() Mode { return ModeConfigured }

// BreakerState exposes the breaker for health reporting.
func (s *Redis) BreakerState() gobreaker.State { return s.breaker.State() }

// Flush deletes every key under prefix using SCAN so the server is never blocked.
func (s *Redis) Flush(ctx context.Context, prefix string) int {
	ctx, cancel := context.WithTimeout(ctx, flushTimeout)
	defer cancel()

	removed := 0
	var cursor uint64
	for {
		keys, next, err := s.client.Scan(ctx, cursor, prefix+"*", flushScanCount).Result()
		if err != nil {
			s.fault("flush", prefix, err)
			return removed
		}
		if len(keys) > 0 {
			n, err := s.client.Del(ctx, keys...).Result()
			if err != nil {
				s.fault("flush", prefix, err)
				return removed
			}
			removed += int(n)
		}
		cursor = next
		if cursor == 0 {
			return removed
		}
	}
}

func (s *Redis) fault(op, key string, err error) {
	s.metrics.RecordCacheFault(backendRedis, op)
	if errors.Is(err, context.Canceled) {
		return
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		s.logger.Debug("cache breaker rejected call", "op", op, "key", key)
		return
	}
	s.logger.Warn("cache degraded", "op", op, "key", key, "cause", err)
}

var (
	_ Store   = (*Redis)(nil)
	_ Flusher = (*Redis)(nil)
)
