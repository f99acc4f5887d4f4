package middleware

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisRateLimiter はRedisの固定ウィンドウカウンタによるLimiter実装。
// 複数インスタンスで制限を共有する場合に使う。
// ウィンドウごとのキーをINCRし、limitを超えたら拒否する。
// キーはウィンドウ長+1秒で失効する。
type RedisRateLimiter struct {
	client *redis.Client
	limit  int
	window time.Duration
	prefix string
	now    func() time.Time
}

// NewRedisRateLimiter はRedisRateLimiterを生成する。
// windowが1秒未満の場合は1秒として扱う。
func NewRedisRateLimiter(client *redis.Client, limit int, window time.Duration) *RedisRateLimiter {
	if window < time.Second {
		window = time.Second
	}
	if limit < 1 {
		limit = 1
	}
	return &RedisRateLimiter{
		client: client,
		limit:  limit,
		window: window,
		prefix: "courseref:rl",
		now:    time.Now,
	}
}

// Allow はkeyの現在ウィンドウのカウンタを進め、limit以内ならtrueを返す。
func (l *RedisRateLimiter) Allow(ctx context.Context, key string) (bool, error) {
	windowSeconds := int64(l.window / time.Second)
	bucket := l.now().Unix() / windowSeconds
	redisKey := fmt.Sprintf("%s:%s:%d", l.prefix, key, bucket)

	// INCRとEXPIREを1つのトランザクションで送り、期限なしのキーを残さない
	var incr *redis.IntCmd
	_, err := l.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, redisKey)
		pipe.Expire(ctx, redisKey, l.window+time.Second)
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("failed to update rate limit counter: %w", err)
	}
	cnt := incr.Val()

	return cnt <= int64(l.limit), nil
}

// RetryAfterSeconds はウィンドウ長を秒で返す。
func (l *RedisRateLimiter) RetryAfterSeconds() int {
	return int(l.window / time.Second)
}

// Backend はメトリクス用のバックエンド名を返す。
func (l *RedisRateLimiter) Backend() string {
	return "redis"
}

var _ Limiter = (*RedisRateLimiter)(nil)
