package commands

import (
	"context"
	"fmt"
	"log/slog"

	"patchmirror/pkg/app"
	"patchmirror/pkg/config"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// cli 是一次命令执行的上下文：配置在 PersistentPreRunE 里加载一次
type cli struct {
	v       *viper.Viper
	cfgFile string
	cfg     *config.Config
	logger  *slog.Logger
}

// NewRootCmd 构建完整的命令树
// 每次调用都使用独立的 viper 实例，测试之间互不影响。
func NewRootCmd() *cobra.Command {
	c := &cli{v: viper.New()}

	root := &cobra.Command{
		Use:          "patchmirror",
		Short:        "Mirror and serve versioned patch revisions",
		SilenceUsage: true,
		// PersistentPreRunE 会在所有子命令执行前运行
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return c.load(cmd)
		},
	}

	// 1. 全局参数 --config
	root.PersistentFlags().StringVar(&c.cfgFile, "config", "", "config file (default is ./config.yaml or $HOME/.patchmirror/config.yaml)")

	// 2. 常用配置项作为参数，并绑定到 Viper
	// 优先级：参数 > 环境变量 > 配置文件 > 默认值
	root.PersistentFlags().String("storage-root", "", "directory holding mirrored revisions")
	root.PersistentFlags().String("log-level", "", "log level (debug, info, warn, error)")
	root.PersistentFlags().String("log-format", "", "log format (text, json)")
	bindFlags(root, map[string]string{
		"storage.root": "storage-root",
		"log.level":    "log-level",
		"log.format":   "log-format",
	})

	root.AddCommand(
		newServeCmd(c),
		newSyncCmd(c),
		newRevisionsCmd(c),
		newDiffCmd(c),
		newExportCmd(c),
		newHistoryCmd(c),
		newHealthCmd(c),
	)
	return root
}

// Execute 是入口
func Execute() error {
	return NewRootCmd().Execute()
}

// viperKeyAnnotation 记录 flag 对应的 viper key
// 同一个 key 可以被多个子命令的 flag 使用，执行时只绑定当前命令的。
const viperKeyAnnotation = "viper-key"

// bindFlags 标记 flag 与 viper key 的对应关系，真正的绑定在 load 中完成
func bindFlags(cmd *cobra.Command, keys map[string]string) {
	for key, name := range keys {
		fs := cmd.Flags()
		if fs.Lookup(name) == nil {
			fs = cmd.PersistentFlags()
		}
		if err := fs.SetAnnotation(name, viperKeyAnnotation, []string{key}); err != nil {
			panic(fmt.Sprintf("flag %q is not defined on %s", name, cmd.Name()))
		}
	}
}

// bindCommandFlags 把当前命令 (含继承的) 带标记的 flag 绑定到 viper
func (c *cli) bindCommandFlags(cmd *cobra.Command) error {
	var err error
	cmd.Flags().VisitAll(func(f *pflag.Flag) {
		keys := f.Annotations[viperKeyAnnotation]
		if len(keys) == 0 || err != nil {
			return
		}
		err = c.v.BindPFlag(keys[0], f)
	})
	return err
}

func (c *cli) load(cmd *cobra.Command) error {
	if err := c.bindCommandFlags(cmd); err != nil {
		return err
	}
	used, err := config.Load(c.v, c.cfgFile)
	if err != nil {
		return err
	}
	cfg, err := config.FromViper(c.v)
	if err != nil {
		return err
	}
	c.cfg = cfg
	c.logger = app.NewLogger(cfg.Log, cmd.ErrOrStderr())
	if used != "" {
		c.logger.Debug("using config file", slog.String("path", used))
	}
	return nil
}

// newApp 按已加载的配置组装 App，调用方负责 Close
func (c *cli) newApp(ctx context.Context) (*app.App, error) {
	a, err := app.New(ctx, c.cfg, c.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize patchmirror: %w", err)
	}
	return a, nil
}
