package server

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
)

// Limiter 是固定窗口限流器
// 窗口 [k*Window, (k+1)*Window) 内最多放行 Limit 个请求。
type Limiter interface {
	Allow(ctx context.Context) bool
	// RetryAfter 返回距离当前窗口结束的时间，用于 Retry-After 响应头
	RetryAfter() time.Duration
}

// RateConfig 对应 server.rate_limit / server.rate_window
type RateConfig struct {
	Limit  int
	Window time.Duration
}

// untilNextWindow 当前固定窗口剩余的时间
func untilNextWindow(now time.Time, window time.Duration) time.Duration {
	if window <= 0 {
		return 0
	}
	return window - time.Duration(now.UnixNano()%int64(window))
}

// =============================================================================
// 进程内实现
// =============================================================================

type MemoryLimiter struct {
	cfg   RateConfig
	clock clockwork.Clock

	mu     sync.Mutex
	window int64
	count  int
}

func NewMemoryLimiter(cfg RateConfig, clock clockwork.Clock) *MemoryLimiter {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &MemoryLimiter{cfg: cfg, clock: clock, window: -1}
}

func (l *MemoryLimiter) Allow(_ context.Context) bool {
	if l.cfg.Limit <= 0 || l.cfg.Window <= 0 {
		return true
	}
	w := l.clock.Now().UnixNano() / int64(l.cfg.Window)

	l.mu.Lock()
	defer l.mu.Unlock()
	if w != l.window {
		l.window = w
		l.count = 0
	}
	if l.count >= l.cfg.Limit {
		return false
	}
	l.count++
	return true
}

func (l *MemoryLimiter) RetryAfter() time.Duration {
	return untilNextWindow(l.clock.Now(), l.cfg.Window)
}

// =============================================================================
// Redis 实现 (多实例共享配额)
// =============================================================================

// RedisLimiter 用 INCR + EXPIRE 在 Redis 里计数
// Redis 不可用时降级为进程内计数 (Fail-Open 到本地配额，而不是全部放行)。
type RedisLimiter struct {
	client   *redis.Client
	prefix   string
	cfg      RateConfig
	clock    clockwork.Clock
	fallback *MemoryLimiter
	logger   *slog.Logger

	// degraded 为 true 时正在使用本地配额，只在状态切换时打日志
	degraded atomic.Bool
}

func NewRedisLimiter(client *redis.Client, prefix string, cfg RateConfig, clock clockwork.Clock, logger *slog.Logger) *RedisLimiter {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = slog.Default()
	}
	if prefix == "" {
		prefix = "pm:rl:"
	}
	return &RedisLimiter{
		client:   client,
		prefix:   prefix,
		cfg:      cfg,
		clock:    clock,
		fallback: NewMemoryLimiter(cfg, clock),
		logger:   logger,
	}
}

func (l *RedisLimiter) Allow(ctx context.Context) bool {
	if l.cfg.Limit <= 0 || l.cfg.Window <= 0 {
		return true
	}
	w := l.clock.Now().UnixNano() / int64(l.cfg.Window)
	key := fmt.Sprintf("%s%d", l.prefix, w)

	pipe := l.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	// 多留一个窗口的过期时间，保证计数在窗口结束前不会被清掉
	pipe.Expire(ctx, key, 2*l.cfg.Window)
	if _, err := pipe.Exec(ctx); err != nil {
		if l.degraded.CompareAndSwap(false, true) {
			l.logger.Warn("redis rate limiter unavailable, using local quota",
				slog.String("key", key),
				slog.Any("error", err),
			)
		}
		return l.fallback.Allow(ctx)
	}
	if l.degraded.CompareAndSwap(true, false) {
		l.logger.Info("redis rate limiter recovered")
	}
	return incr.Val() <= int64(l.cfg.Limit)
}

func (l *RedisLimiter) RetryAfter() time.Duration {
	return untilNextWindow(l.clock.Now(), l.cfg.Window)
}
