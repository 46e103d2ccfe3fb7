package kvps

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// RedisStore implements Store on a Redis-compatible server.
//
// Two clients are held: pub carries all key operations and publishes,
// sub carries only pub/sub subscriptions. Redis forbids issuing regular
// commands on a connection in subscribe mode, which is exactly the
// split the Store contract requires.
type RedisStore struct {
	pub *redis.Client
	sub *redis.Client

	// opTimeout bounds every operation so a slow store never hangs an
	// ingress goroutine.
	opTimeout time.Duration

	subs      map[string]*subscription
	subsMutex sync.Mutex

	logger zerolog.Logger
}

type subscription struct {
	pubsub *redis.PubSub
}

// RedisConfig configures the store connection.
type RedisConfig struct {
	Addr      string
	OpTimeout time.Duration
}

// NewRedisStore builds both logical connections. An unreachable server
// is not fatal: the store is returned anyway and the node manager's
// registration ping decides whether to fall back to standalone mode.
func NewRedisStore(cfg RedisConfig, logger zerolog.Logger) *RedisStore {
	if cfg.OpTimeout <= 0 {
		cfg.OpTimeout = 5 * time.Second
	}

	s := &RedisStore{
		pub:       redis.NewClient(&redis.Options{Addr: cfg.Addr}),
		sub:       redis.NewClient(&redis.Options{Addr: cfg.Addr}),
		opTimeout: cfg.OpTimeout,
		subs:      make(map[string]*subscription),
		logger:    logger.With().Str("component", "kvps").Logger(),
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.OpTimeout)
	defer cancel()
	if err := s.pub.Ping(ctx).Err(); err != nil {
		s.logger.Warn().Err(err).Str("addr", cfg.Addr).Msg("KVPS not reachable yet")
	} else {
		s.logger.Info().Str("addr", cfg.Addr).Msg("Connected to KVPS")
	}
	return s
}

func (s *RedisStore) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.opTimeout)
}

func (s *RedisStore) Get(ctx context.Context, key string) (string, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	val, err := s.pub.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	return val, err
}

func (s *RedisStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	return s.pub.Set(ctx, key, value, ttl).Err()
}

func (s *RedisStore) Del(ctx context.Context, keys ...string) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	return s.pub.Del(ctx, keys...).Err()
}

func (s *RedisStore) HSet(ctx context.Context, key string, fields map[string]string) error {
	if len(fields) == 0 {
		return nil
	}
	ctx, cancel := s.bound(ctx)
	defer cancel()
	args := make([]interface{}, 0, len(fields)*2)
	for k, v := range fields {
		args = append(args, k, v)
	}
	return s.pub.HSet(ctx, key, args...).Err()
}

func (s *RedisStore) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	return s.pub.HGetAll(ctx, key).Result()
}

func (s *RedisStore) HDel(ctx context.Context, key string, fields ...string) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	return s.pub.HDel(ctx, key, fields...).Err()
}

func (s *RedisStore) SAdd(ctx context.Context, key string, members ...string) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	return s.pub.SAdd(ctx, key, toAny(members)...).Err()
}

func (s *RedisStore) SRem(ctx context.Context, key string, members ...string) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	return s.pub.SRem(ctx, key, toAny(members)...).Err()
}

func (s *RedisStore) SMembers(ctx context.Context, key string) ([]string, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	return s.pub.SMembers(ctx, key).Result()
}

func (s *RedisStore) SCard(ctx context.Context, key string) (int64, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	return s.pub.SCard(ctx, key).Result()
}

func (s *RedisStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	return s.pub.Expire(ctx, key, ttl).Err()
}

func (s *RedisStore) Publish(ctx context.Context, channel string, payload []byte) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	return s.pub.Publish(ctx, channel, payload).Err()
}

// Subscribe opens a subscription on the subscriber connection and
// dispatches messages to handler from a dedicated goroutine.
func (s *RedisStore) Subscribe(channel string, handler Handler) error {
	s.subsMutex.Lock()
	defer s.subsMutex.Unlock()

	if _, exists := s.subs[channel]; exists {
		return fmt.Errorf("already subscribed to %s", channel)
	}

	pubsub := s.sub.Subscribe(context.Background(), channel)

	// Confirm the subscription before returning so a publish issued
	// right after Subscribe cannot race past an unregistered consumer.
	ctx, cancel := context.WithTimeout(context.Background(), s.opTimeout)
	defer cancel()
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return fmt.Errorf("failed to subscribe to %s: %w", channel, err)
	}

	s.subs[channel] = &subscription{pubsub: pubsub}

	go func() {
		for msg := range pubsub.Channel() {
			handler(msg.Channel, []byte(msg.Payload))
		}
	}()

	s.logger.Debug().Str("channel", channel).Msg("Subscribed to KVPS channel")
	return nil
}

// Unsubscribe stops dispatch for the channel. Safe to call for channels
// that were never subscribed, and from inside the channel's own handler:
// closing the pubsub stops delivery, and the dispatch goroutine exits on
// its own once the closed channel drains. Waiting for it here would
// deadlock a handler that unsubscribes the channel it runs on.
func (s *RedisStore) Unsubscribe(channel string) error {
	s.subsMutex.Lock()
	sub, exists := s.subs[channel]
	if exists {
		delete(s.subs, channel)
	}
	s.subsMutex.Unlock()

	if !exists {
		return nil
	}

	if err := sub.pubsub.Close(); err != nil {
		return fmt.Errorf("failed to unsubscribe from %s: %w", channel, err)
	}

	s.logger.Debug().Str("channel", channel).Msg("Unsubscribed from KVPS channel")
	return nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	return s.pub.Ping(ctx).Err()
}

// Close tears down all subscriptions and both connections.
func (s *RedisStore) Close() error {
	s.subsMutex.Lock()
	subs := s.subs
	s.subs = make(map[string]*subscription)
	s.subsMutex.Unlock()

	for channel, sub := range subs {
		if err := sub.pubsub.Close(); err != nil {
			s.logger.Warn().Err(err).Str("channel", channel).Msg("Error closing subscription")
		}
	}

	pubErr := s.pub.Close()
	subErr := s.sub.Close()
	if pubErr != nil {
		return pubErr
	}
	return subErr
}

func toAny(members []string) []interface{} {
	out := make([]interface{}, len(members))
	for i, m := range members {
		out[i] = m
	}
	return out
}
