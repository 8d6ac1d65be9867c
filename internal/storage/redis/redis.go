package redis

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

type RedisRepo struct {
	client *redis.Client
}

func New(ctx context.Context, addr, pass string, db int) (*RedisRepo, error) {
	const op = "storage.redis.New"

	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     pass,
		DB:           db,
		MaxRetries:   3,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
		MinIdleConns: 2,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return &RedisRepo{
		client: client,
	}, nil
}

// * IncrWithExpire atomically increments key and starts its expiry on first increment.
func (r *RedisRepo) IncrWithExpire(ctx context.Context, key string, window time.Duration) (int64, error) {
	const op = "storage.redis.IncrWithExpire"

	var incr *redis.IntCmd

	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, key)
		pipe.ExpireNX(ctx, key, window)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}

	return incr.Val(), nil
}

// * Close closes the connection pool.
func (r *RedisRepo) Close() {
	r.client.Close()
}

// Limiter caps magic link requests per email within a fixed window.
type Limiter struct {
	repo   *RedisRepo
	limit  int
	window time.Duration
}

func NewLimiter(repo *RedisRepo, limit int, window time.Duration) *Limiter {
	return &Limiter{repo: repo, limit: limit, window: window}
}

func (l *Limiter) Allow(ctx context.Context, email string) (bool, error) {
	const op = "storage.redis.Limiter.Allow"

	cnt, err := l.repo.IncrWithExpire(ctx, limiterKey(email), l.window)
	if err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}

	return cnt <= int64(l.limit), nil
}

func limiterKey(email string) string {
	return fmt.Sprintf("magiclink:rate:%s", strings.ToLower(strings.TrimSpace(email)))
}
