package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix 环境变量前缀，例如 PM_SYNC_CONCURRENCY
const EnvPrefix = "PM"

// Load 初始化 Viper 配置
// cfgFile: 可选，用户显式指定的配置文件路径
// 返回实际使用的配置文件路径，没有找到配置文件时为空。
func Load(v *viper.Viper, cfgFile string) (string, error) {
	// 1. 设置默认值 (Defaults)
	SetDefaults(v)

	// 2. 配置搜索路径
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		// 搜索顺序：当前目录 -> 当前目录下的 .patchmirror -> 用户主目录下的 .patchmirror
		v.AddConfigPath(".")
		v.AddConfigPath(".patchmirror")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".patchmirror"))
		}
		v.SetConfigType("yaml")
		v.SetConfigName("config")
	}

	// 3. 读取环境变量 (PM_SERVER_LISTEN 等)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// 4. 读取配置文件
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			// 没有配置文件不算错，默认值和环境变量依然生效
			return "", nil
		}
		return "", fmt.Errorf("fatal error config file: %w", err)
	}
	return v.ConfigFileUsed(), nil
}

// SetDefaults 注册全部配置项的默认值
// AutomaticEnv 只对 "已知" 的 key 生效，所以每个 key 都必须在这里出现。
func SetDefaults(v *viper.Viper) {
	// 文件服务
	v.SetDefault("server.listen", "127.0.0.1:12369")
	v.SetDefault("server.queue_depth", 1024)
	v.SetDefault("server.max_requests", 256)
	v.SetDefault("server.window", 60*time.Second)
	v.SetDefault("server.window_seconds", 0)
	v.SetDefault("server.timeout", 10*time.Second)
	v.SetDefault("server.timeout_seconds", 0)

	// gRPC 管理端口，空表示关闭
	v.SetDefault("admin.listen", "")

	// 本地存储
	v.SetDefault("storage.root", "data")

	// 上游
	v.SetDefault("upstream.host", "patch.us.wizard101.com")
	v.SetDefault("upstream.port", 12500)
	v.SetDefault("upstream.dial_timeout", 15*time.Second)

	// 同步
	v.SetDefault("sync.concurrency", 2)
	v.SetDefault("sync.interval", 28800*time.Second)
	v.SetDefault("sync.interval_seconds", 0)
	v.SetDefault("sync.retry_attempts", 3)
	v.SetDefault("sync.retry_backoff", 500*time.Millisecond)
	v.SetDefault("sync.exclude", []string{})
	v.SetDefault("sync.verify_size", true)

	// 同步历史，dsn 为空时落在 <storage.root>/history.db
	v.SetDefault("history.driver", "sqlite")
	v.SetDefault("history.dsn", "")
	v.SetDefault("history.debug", false)

	// Redis：限流计数与副本的存在性缓存共用，空表示不使用
	v.SetDefault("redis.url", "")
	v.SetDefault("redis.cache_ttl", 24*time.Hour)

	// S3 副本，bucket 为空表示关闭
	v.SetDefault("replica.bucket", "")
	v.SetDefault("replica.prefix", "")
	v.SetDefault("replica.endpoint", "")
	v.SetDefault("replica.region", "us-east-1")
	v.SetDefault("replica.access_key_id", "")
	v.SetDefault("replica.secret_access_key", "")

	// 日志
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
}
