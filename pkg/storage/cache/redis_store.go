package cache

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"patchmirror/pkg/storage"

	"github.com/redis/go-redis/v9"
)

// DefaultKeyPrefix 与限流器的 "pm:rl:" 共用同一个 Redis 时互不冲突
const DefaultKeyPrefix = "pm:obj:"

// CachedStore 是一个装饰器，它为底层的 storage.Store 添加 Redis 存在性缓存
// 副本中的 key 形如 "<origin>/<path>"，写入后内容不再变化，所以只缓存 "存在"，从不缓存 "不存在"。
type CachedStore struct {
	backend storage.Store // 被装饰的底层存储 (如 S3)
	client  *redis.Client
	ttl     time.Duration
	prefix  string
	logger  *slog.Logger
}

type Config struct {
	RedisURL string        // 标准连接字符串: redis://<user>:<password>@<host>:<port>/<db>
	TTL      time.Duration // 过期时间
}

// NewCachedStore 解析 URL 并做一次 Fail-fast 连接检查
func NewCachedStore(backend storage.Store, cfg Config, logger *slog.Logger) (*CachedStore, error) {
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return NewWithClient(backend, client, cfg.TTL, logger), nil
}

// NewWithClient 复用已有的 Redis 客户端 (例如与限流器共享连接池)
func NewWithClient(backend storage.Store, client *redis.Client, ttl time.Duration, logger *slog.Logger) *CachedStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &CachedStore{
		backend: backend,
		client:  client,
		ttl:     ttl,
		prefix:  DefaultKeyPrefix,
		logger:  logger,
	}
}

// Client 返回底层 Redis 客户端
func (s *CachedStore) Client() *redis.Client { return s.client }

func (s *CachedStore) cacheKey(key string) string {
	return s.prefix + key
}

// Has 优先查 Redis
// Redis 故障时降级为直接查底层存储，不影响同步流程。
func (s *CachedStore) Has(ctx context.Context, key string) (bool, error) {
	ck := s.cacheKey(key)

	// 1. 查 Redis
	n, err := s.client.Exists(ctx, ck).Result()
	if err != nil {
		s.logger.Warn("redis exists failed, falling back to backend",
			slog.String("key", key),
			slog.Any("error", err),
		)
	} else if n > 0 {
		return true, nil
	}

	// 2. 缓存未命中，查底层存储
	found, err := s.backend.Has(ctx, key)
	if err != nil {
		return false, err
	}

	// 3. 回填。使用独立的 ctx，上层取消不影响回填
	if found {
		go s.fill(ck)
	}
	return found, nil
}

func (s *CachedStore) fill(ck string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.client.Set(ctx, ck, "1", s.ttl).Err(); err != nil {
		s.logger.Debug("redis fill failed", slog.String("key", ck), slog.Any("error", err))
	}
}

// Put 写入底层存储，成功后再写缓存
func (s *CachedStore) Put(ctx context.Context, key string, r io.Reader, size int64) error {
	// 1. 预检：已存在则跳过上传 (幂等)
	exists, err := s.Has(ctx, key)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}

	// 2. 穿透到底层存储
	if err := s.backend.Put(ctx, key, r, size); err != nil {
		return err
	}

	// 3. 写入缓存，失败可以忽略
	if err := s.client.Set(ctx, s.cacheKey(key), "1", s.ttl).Err(); err != nil {
		s.logger.Debug("redis set failed", slog.String("key", key), slog.Any("error", err))
	}
	return nil
}

// Get 透传，不缓存文件内容
func (s *CachedStore) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	return s.backend.Get(ctx, key)
}
