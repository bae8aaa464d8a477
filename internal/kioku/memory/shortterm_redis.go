package memory

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisShortTerm keeps each instance's short-term buffer in a Redis list so
// buffers survive a process restart and can be inspected externally.
type RedisShortTerm struct {
	client redis.Cmdable
	prefix string
	ttl    time.Duration
	cap    int64
}

// RedisShortTermConfig configures a RedisShortTerm.
type RedisShortTermConfig struct {
	// Prefix is prepended to every key. Default: "kioku:stm:".
	Prefix string
	// TTL expires an idle buffer. It is refreshed on every append.
	// Zero disables expiry.
	TTL time.Duration
	// Cap bounds the list length; older entries are trimmed.
	// Default: DefaultShortTermCap.
	Cap int
}

// NewRedisShortTerm wraps an existing Redis client.
func NewRedisShortTerm(client redis.Cmdable, cfg RedisShortTermConfig) *RedisShortTerm {
	if cfg.Prefix == "" {
		cfg.Prefix = "kioku:stm:"
	}
	if cfg.Cap <= 0 {
		cfg.Cap = DefaultShortTermCap
	}
	return &RedisShortTerm{
		client: client,
		prefix: cfg.Prefix,
		ttl:    cfg.TTL,
		cap:    int64(cfg.Cap),
	}
}

func (r *RedisShortTerm) key(instanceID string) string {
	return r.prefix + instanceID
}

// Append pushes text to the tail of the list, trims it to the cap and
// refreshes the TTL in one MULTI/EXEC.
func (r *RedisShortTerm) Append(ctx context.Context, instanceID, text string) error {
	key := r.key(instanceID)
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.RPush(ctx, key, text)
		pipe.LTrim(ctx, key, -r.cap, -1)
		if r.ttl > 0 {
			pipe.Expire(ctx, key, r.ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("stm redis: append: %w", err)
	}
	return nil
}

func (r *RedisShortTerm) Load(ctx context.Context, instanceID string) ([]string, error) {
	vals, err := r.client.LRange(ctx, r.key(instanceID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("stm redis: load: %w", err)
	}
	if len(vals) == 0 {
		return nil, nil
	}
	return vals, nil
}

func (r *RedisShortTerm) Clear(ctx context.Context, instanceID string) error {
	if err := r.client.Del(ctx, r.key(instanceID)).Err(); err != nil {
		return fmt.Errorf("stm redis: clear: %w", err)
	}
	return nil
}

var _ ShortTermStore = (*RedisShortTerm)(nil)
