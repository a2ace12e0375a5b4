package config

import (
	"fmt"
	"log/slog"
	"net"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"patchmirror/pkg/core"

	"github.com/spf13/viper"
)

// Config 是校验过的、不可变的运行配置
// 只通过 FromViper 构造，组件之间按值传递。
type Config struct {
	Server   ServerConfig
	Admin    AdminConfig
	Storage  StorageConfig
	Upstream UpstreamConfig
	Sync     SyncConfig
	History  HistoryConfig
	Redis    RedisConfig
	Replica  ReplicaConfig
	Log      LogConfig
}

type ServerConfig struct {
	Listen      string
	QueueDepth  int
	MaxRequests int
	Window      time.Duration
	Timeout     time.Duration
}

type AdminConfig struct {
	Listen string // 空表示关闭
}

type StorageConfig struct {
	Root string
}

type UpstreamConfig struct {
	Host        string
	Port        int
	DialTimeout time.Duration
}

type SyncConfig struct {
	Concurrency   int
	Interval      time.Duration
	RetryAttempts int
	RetryBackoff  time.Duration
	Exclude       []string
	VerifySize    bool
}

type HistoryConfig struct {
	Driver string
	DSN    string
	Debug  bool
}

type RedisConfig struct {
	URL      string
	CacheTTL time.Duration
}

type ReplicaConfig struct {
	Bucket          string
	Prefix          string
	Endpoint        string
	Region          string
	AccessKeyID     string
	SecretAccessKey string
}

type LogConfig struct {
	Level  slog.Level
	Format string // text | json
}

// Enabled 副本是否开启
func (r ReplicaConfig) Enabled() bool { return r.Bucket != "" }

// FromViper 读取并校验配置
// 任何违规都返回包装了 core.ErrConfig 的错误，调用方应在启动任何任务之前失败。
func FromViper(v *viper.Viper) (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Listen:      v.GetString("server.listen"),
			QueueDepth:  v.GetInt("server.queue_depth"),
			MaxRequests: v.GetInt("server.max_requests"),
			Window:      seconds(v, "server.window"),
			Timeout:     seconds(v, "server.timeout"),
		},
		Admin: AdminConfig{
			Listen: v.GetString("admin.listen"),
		},
		Storage: StorageConfig{
			Root: v.GetString("storage.root"),
		},
		Upstream: UpstreamConfig{
			Host:        v.GetString("upstream.host"),
			Port:        v.GetInt("upstream.port"),
			DialTimeout: v.GetDuration("upstream.dial_timeout"),
		},
		Sync: SyncConfig{
			Concurrency:   v.GetInt("sync.concurrency"),
			Interval:      seconds(v, "sync.interval"),
			RetryAttempts: v.GetInt("sync.retry_attempts"),
			RetryBackoff:  v.GetDuration("sync.retry_backoff"),
			Exclude:       append([]string(nil), v.GetStringSlice("sync.exclude")...),
			VerifySize:    v.GetBool("sync.verify_size"),
		},
		History: HistoryConfig{
			Driver: strings.ToLower(v.GetString("history.driver")),
			DSN:    v.GetString("history.dsn"),
			Debug:  v.GetBool("history.debug"),
		},
		Redis: RedisConfig{
			URL:      v.GetString("redis.url"),
			CacheTTL: v.GetDuration("redis.cache_ttl"),
		},
		Replica: ReplicaConfig{
			Bucket:          v.GetString("replica.bucket"),
			Prefix:          v.GetString("replica.prefix"),
			Endpoint:        v.GetString("replica.endpoint"),
			Region:          v.GetString("replica.region"),
			AccessKeyID:     v.GetString("replica.access_key_id"),
			SecretAccessKey: v.GetString("replica.secret_access_key"),
		},
		Log: LogConfig{
			Format: strings.ToLower(v.GetString("log.format")),
		},
	}

	// 整数秒的写法优先
	for key, dst := range map[string]*time.Duration{
		"server.window_seconds":  &cfg.Server.Window,
		"server.timeout_seconds": &cfg.Server.Timeout,
		"sync.interval_seconds":  &cfg.Sync.Interval,
	} {
		if secs := v.GetInt(key); secs != 0 {
			*dst = time.Duration(secs) * time.Second
		}
	}

	if err := cfg.Log.Level.UnmarshalText([]byte(v.GetString("log.level"))); err != nil {
		return nil, fmt.Errorf("%w: log.level: %v", core.ErrConfig, err)
	}
	if cfg.History.DSN == "" && cfg.History.Driver == "sqlite" {
		cfg.History.DSN = filepath.Join(cfg.Storage.Root, "history.db")
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// 时长类配置的下限，低于它们基本可以确定是单位写错了
const (
	minWindow   = time.Second
	minTimeout  = 100 * time.Millisecond
	minInterval = time.Second
)

// seconds 读取时长配置
// 不带单位的数字按秒解释 (例如 interval: 3600 或 PM_SYNC_INTERVAL=3600)，
// 带单位的字符串 ("90s", "8h") 按 time.ParseDuration 解释。
func seconds(v *viper.Viper, key string) time.Duration {
	switch raw := v.Get(key).(type) {
	case int:
		return time.Duration(raw) * time.Second
	case int32:
		return time.Duration(raw) * time.Second
	case int64:
		return time.Duration(raw) * time.Second
	case uint:
		return time.Duration(raw) * time.Second
	case uint64:
		return time.Duration(raw) * time.Second
	case float64:
		return time.Duration(raw * float64(time.Second))
	case string:
		if f, err := strconv.ParseFloat(strings.TrimSpace(raw), 64); err == nil {
			return time.Duration(f * float64(time.Second))
		}
	}
	return v.GetDuration(key)
}

func (c *Config) validate() error {
	fail := func(format string, args ...any) error {
		return fmt.Errorf("%w: %s", core.ErrConfig, fmt.Sprintf(format, args...))
	}

	// 1. 文件服务
	if err := validAddr(c.Server.Listen); err != nil {
		return fail("server.listen: %v", err)
	}
	if c.Server.QueueDepth < 1 {
		return fail("server.queue_depth must be positive, got %d", c.Server.QueueDepth)
	}
	if c.Server.MaxRequests < 1 {
		return fail("server.max_requests must be positive, got %d", c.Server.MaxRequests)
	}
	if c.Server.Window < minWindow {
		return fail("server.window must be at least %s, got %s", minWindow, c.Server.Window)
	}
	if c.Server.Timeout < minTimeout {
		return fail("server.timeout must be at least %s, got %s", minTimeout, c.Server.Timeout)
	}
	if c.Admin.Listen != "" {
		if err := validAddr(c.Admin.Listen); err != nil {
			return fail("admin.listen: %v", err)
		}
	}

	// 2. 存储与上游
	if strings.TrimSpace(c.Storage.Root) == "" {
		return fail("storage.root must not be empty")
	}
	if c.Upstream.Host == "" {
		return fail("upstream.host must not be empty")
	}
	if c.Upstream.Port < 1 || c.Upstream.Port > 65535 {
		return fail("upstream.port out of range: %d", c.Upstream.Port)
	}
	if c.Upstream.DialTimeout <= 0 {
		return fail("upstream.dial_timeout must be positive, got %s", c.Upstream.DialTimeout)
	}

	// 3. 同步
	if c.Sync.Concurrency < 1 {
		return fail("sync.concurrency must be at least 1, got %d", c.Sync.Concurrency)
	}
	if c.Sync.Interval < minInterval {
		return fail("sync.interval must be at least %s, got %s", minInterval, c.Sync.Interval)
	}
	if c.Sync.RetryAttempts < 1 {
		return fail("sync.retry_attempts must be at least 1, got %d", c.Sync.RetryAttempts)
	}
	if c.Sync.RetryBackoff < 0 {
		return fail("sync.retry_backoff must not be negative, got %s", c.Sync.RetryBackoff)
	}

	// 4. 可选组件
	switch c.History.Driver {
	case "sqlite", "none":
	case "postgres":
		if c.History.DSN == "" {
			return fail("history.dsn is required for postgres")
		}
	default:
		return fail("unsupported history.driver %q", c.History.Driver)
	}
	if c.Redis.URL != "" && c.Redis.CacheTTL <= 0 {
		return fail("redis.cache_ttl must be positive, got %s", c.Redis.CacheTTL)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fail("unsupported log.format %q", c.Log.Format)
	}
	return nil
}

func validAddr(addr string) error {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return err
	}
	n, err := strconv.Atoi(port)
	if err != nil || n < 0 || n > 65535 {
		return fmt.Errorf("invalid port %q", port)
	}
	return nil
}
