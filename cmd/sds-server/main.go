package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/hashicorp/go-hclog"
	"github.com/spf13/cobra"

	"siderwatch/internal/server"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var cfg server.Config
	var logLevel string

	cmd := &cobra.Command{
		Use:           "sds-server",
		Short:         "服务注册与健康检查服务端",
		Long:          "运行注册表与 HTTP API。未指定 --raft-dir 时以单节点内存模式运行。",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := hclog.New(&hclog.LoggerOptions{
				Name:  "sds-server",
				Level: hclog.LevelFromString(logLevel),
			})
			cfg.Logger = logger

			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			srv, err := server.New(cfg)
			if err != nil {
				logger.Error("初始化失败", "error", err)
				return err
			}
			if err := srv.Run(ctx); err != nil {
				logger.Error("服务端异常退出", "error", err)
				return err
			}
			logger.Info("服务端已退出")
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&cfg.HTTPAddr, "http", ":8500", "HTTP 监听地址，如 :8500 或 127.0.0.1:8500")
	f.StringVar(&cfg.RaftID, "raft-id", "", "Raft 节点 ID（集群模式必填）")
	f.StringVar(&cfg.RaftBind, "raft-bind", "127.0.0.1:7000", "Raft 监听地址")
	f.StringVar(&cfg.RaftDir, "raft-dir", "", "Raft 数据目录，留空则为内存模式")
	f.BoolVar(&cfg.Bootstrap, "bootstrap", false, "首次启动时引导单节点集群")
	f.DurationVar(&cfg.ExpireInterval, "expire-interval", 0, "TTL 过期扫描间隔")
	f.StringVar(&logLevel, "log-level", "info", "日志级别（trace/debug/info/warn/error）")
	return cmd
}
