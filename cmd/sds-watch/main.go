package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"

	"github.com/hashicorp/go-hclog"
	"github.com/spf13/cobra"

	"siderwatch/internal/cache"
	"siderwatch/internal/client"
	"siderwatch/internal/config"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

// rootCommand 保存所有子命令共享的参数。
type rootCommand struct {
	configPath string
	servers    []string
	namespace  string
	logLevel   string

	logger hclog.Logger
	cfg    *config.Config
	client *client.Client
}

func newRootCommand() *cobra.Command {
	root := &rootCommand{}
	cmd := &cobra.Command{
		Use:           "sds-watch",
		Short:         "以阻塞查询持续同步服务、检查或键值，并打印每次变更",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return root.setup()
		},
	}
	f := cmd.PersistentFlags()
	f.StringVar(&root.configPath, "config", "", "YAML 配置文件（client 与 cache 段）")
	f.StringSliceVar(&root.servers, "server", []string{"127.0.0.1:8500"}, "服务端地址（未指定 --config 时使用）")
	f.StringVar(&root.namespace, "ns", "default", "命名空间")
	f.StringVar(&root.logLevel, "log-level", "info", "日志级别（trace/debug/info/warn/error）")

	cmd.AddCommand(
		serviceCommand(root),
		kvCommand(root),
		checksCommand(root),
		servicesCommand(root),
	)
	return cmd
}

func (r *rootCommand) setup() error {
	r.logger = hclog.New(&hclog.LoggerOptions{
		Name:  "sds-watch",
		Level: hclog.LevelFromString(r.logLevel),
	})
	if r.configPath != "" {
		cfg, err := config.Load(r.configPath)
		if err != nil {
			r.logger.Error("加载配置失败", "error", err)
			return err
		}
		r.cfg = cfg
	} else {
		r.cfg = &config.Config{Client: config.ClientSection{Hosts: r.servers}}
	}
	cc := r.cfg.ClientConfig()
	cc.Logger = r.logger.Named("client")
	c, err := client.New(cc)
	if err != nil {
		return err
	}
	r.client = c
	return nil
}

func (r *rootCommand) cacheOptions() []cache.Option {
	return []cache.Option{cache.WithLogger(r.logger.Named("cache"))}
}

func serviceCommand(root *rootCommand) *cobra.Command {
	var passing bool
	cmd := &cobra.Command{
		Use:   "service NAME",
		Short: "同步某服务的健康实例列表",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			d := cache.ServiceHealthDescriptor(root.namespace, args[0])
			c, err := cache.NewServiceHealthCache(root.client, root.namespace, args[0], passing, root.cfg.CacheConfig(d), root.cacheOptions()...)
			if err != nil {
				return err
			}
			return watch(cmd.Context(), root.logger, c, func(k cache.ServiceHealthKey, v client.ServiceEntry) string {
				return fmt.Sprintf("%s %s:%d %s", k.ID, k.Address, k.Port, v.Status)
			})
		},
	}
	cmd.Flags().BoolVar(&passing, "passing", false, "只同步健康检查全部通过的实例")
	return cmd
}

func kvCommand(root *rootCommand) *cobra.Command {
	return &cobra.Command{
		Use:   "kv PREFIX",
		Short: "同步前缀下的所有键值",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			d := cache.Descriptor{Kind: cache.KindKV, Qualifier: args[0]}
			c, err := cache.NewKVCache(root.client, args[0], root.cfg.CacheConfig(d), root.cacheOptions()...)
			if err != nil {
				return err
			}
			return watch(cmd.Context(), root.logger, c, func(k string, v client.KVPair) string {
				return fmt.Sprintf("%s=%q", k, v.Value)
			})
		},
	}
}

func checksCommand(root *rootCommand) *cobra.Command {
	return &cobra.Command{
		Use:   "checks STATE",
		Short: "同步处于某状态（any/passing/warning/critical）的检查",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			d := cache.Descriptor{Kind: cache.KindHealthState, Qualifier: args[0]}
			c, err := cache.NewHealthStateCache(root.client, args[0], root.cfg.CacheConfig(d), root.cacheOptions()...)
			if err != nil {
				return err
			}
			return watch(cmd.Context(), root.logger, c, func(k string, v client.HealthCheck) string {
				return fmt.Sprintf("%s %s/%s %s", k, v.ServiceName, v.ServiceID, v.Status)
			})
		},
	}
}

func servicesCommand(root *rootCommand) *cobra.Command {
	return &cobra.Command{
		Use:   "services",
		Short: "同步命名空间内的服务名列表",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			d := cache.Descriptor{Kind: cache.KindCatalogServices, Qualifier: root.namespace}
			c, err := cache.NewCatalogServicesCache(root.client, root.namespace, root.cfg.CacheConfig(d), root.cacheOptions()...)
			if err != nil {
				return err
			}
			return watch(cmd.Context(), root.logger, c, func(k, _ string) string { return k })
		},
	}
}

// watch 启动缓存并打印每个新快照，直到收到 SIGINT/SIGTERM。
func watch[K comparable, V any](ctx context.Context, logger hclog.Logger, c *cache.Cache[K, V], line func(K, V) string) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	c.AddListener(cache.NewListener(func(s *cache.Snapshot[K, V]) {
		lines := make([]string, 0, s.Len())
		s.Range(func(k K, v V) bool {
			lines = append(lines, line(k, v))
			return true
		})
		sort.Strings(lines)
		logger.Info("快照更新", "cache", c.Descriptor().String(), "index", s.Index().String(), "entries", s.Len())
		for _, l := range lines {
			fmt.Println(l)
		}
	}))
	if err := c.Start(); err != nil {
		return err
	}
	defer c.Stop()

	<-ctx.Done()
	logger.Info("收到退出信号", "cache", c.Descriptor().String())
	return nil
}
