package presence

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisConfig holds the connection settings for RedisSink.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

// RedisSink keeps one key per online user (value: time the user came
// online) plus a set of online usernames.
type RedisSink struct {
	rdb    redis.Cmdable
	closer func() error
	prefix string
}

// NewRedisSink connects to Redis and clears presence left behind by a
// previous relay process, since a fresh relay has nobody online.
func NewRedisSink(ctx context.Context, cfg RedisConfig) (*RedisSink, error) {
	rdb := redis.NewClient(&redis.Options{Addr: cfg.Addr, Password: cfg.Password, DB: cfg.DB})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping %s: %w", cfg.Addr, err)
	}

	s := newRedisSink(rdb, cfg.Prefix)
	s.closer = rdb.Close
	if err := s.Reset(ctx); err != nil {
		_ = rdb.Close()
		return nil, err
	}
	return s, nil
}

func newRedisSink(rdb redis.Cmdable, prefix string) *RedisSink {
	if prefix == "" {
		prefix = "relay:presence"
	}
	return &RedisSink{rdb: rdb, prefix: prefix, closer: func() error { return nil }}
}

func (s *RedisSink) userKey(user string) string { return s.prefix + ":" + user }
func (s *RedisSink) setKey() string             { return s.prefix + ":online" }

// Name implements Sink.
func (s *RedisSink) Name() string { return "redis" }

// Publish implements Sink.
func (s *RedisSink) Publish(ctx context.Context, change Change) error {
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		switch change.Status {
		case Online:
			pipe.Set(ctx, s.userKey(change.User), change.At.UTC().Format(time.RFC3339), 0)
			pipe.SAdd(ctx, s.setKey(), change.User)
		case Offline:
			pipe.Del(ctx, s.userKey(change.User))
			pipe.SRem(ctx, s.setKey(), change.User)
		default:
			return fmt.Errorf("unknown presence status %q", change.Status)
		}
		return nil
	})
	return err
}

// Reset removes every presence entry this sink manages.
func (s *RedisSink) Reset(ctx context.Context) error {
	users, err := s.rdb.SMembers(ctx, s.setKey()).Result()
	if err != nil {
		return fmt.Errorf("redis reset presence: %w", err)
	}
	keys := make([]string, 0, len(users)+1)
	for _, u := range users {
		keys = append(keys, s.userKey(u))
	}
	keys = append(keys, s.setKey())
	return s.rdb.Del(ctx, keys...).Err()
}

// Online returns the mirrored set of online users.
func (s *RedisSink) Online(ctx context.Context) ([]string, error) {
	return s.rdb.SMembers(ctx, s.setKey()).Result()
}

// Close implements Sink.
func (s *RedisSink) Close() error {
	return s.closer()
}
