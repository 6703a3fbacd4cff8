package main

import (
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"siderwatch/internal/agent"
	"siderwatch/internal/client"
	"siderwatch/internal/config"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

type agentFlags struct {
	configPath string
	servers    []string
	single     agent.Config
	dereg      bool
	logLevel   string
}

func newRootCommand() *cobra.Command {
	var fl agentFlags

	cmd := &cobra.Command{
		Use:   "sds-agent",
		Short: "注册本机服务实例并执行健康检查",
		Long: `注册本机服务实例并执行健康检查。

单服务模式只使用命令行参数（仅 TTL 检查）；
--config 指向 YAML/JSON 文件或目录时，可同时注册多个服务并声明 ttl/http/tcp/cmd 检查。`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := hclog.New(&hclog.LoggerOptions{
				Name:  "sds-agent",
				Level: hclog.LevelFromString(fl.logLevel),
			})
			if err := run(cmd, fl, logger); err != nil {
				logger.Error("agent 退出", "error", err)
				return err
			}
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&fl.configPath, "config", "", "配置文件路径，或包含多个配置文件的目录")
	f.StringSliceVar(&fl.servers, "server", []string{"127.0.0.1:8500"}, "服务端地址，可重复指定以启用故障转移（配置文件可覆盖）")
	f.StringVar(&fl.single.Namespace, "ns", "default", "命名空间（单服务模式）")
	f.StringVar(&fl.single.Service, "service", "demo", "服务名（单服务模式）")
	f.StringVar(&fl.single.ID, "id", "", "实例 ID（可选，单服务模式）")
	f.StringVar(&fl.single.Address, "addr", "127.0.0.1", "对外发布的地址（单服务模式）")
	f.IntVar(&fl.single.Port, "port", 800, "服务端口（单服务模式）")
	f.DurationVar(&fl.single.TTL, "ttl", 15*time.Second, "TTL（单服务模式）")
	f.BoolVar(&fl.dereg, "deregister", true, "进程退出时自动从服务端注销")
	f.StringVar(&fl.logLevel, "log-level", "info", "日志级别（trace/debug/info/warn/error）")
	return cmd
}

func run(cmd *cobra.Command, fl agentFlags, logger hclog.Logger) error {
	servers := fl.servers
	var services []agent.Config
	if fl.configPath != "" {
		fileServers, loaded, err := config.LoadAgents(fl.configPath)
		if err != nil {
			return err
		}
		if len(loaded) == 0 {
			return errors.Errorf("未在 %s 中发现任何服务配置", fl.configPath)
		}
		if len(fileServers) > 0 {
			servers = fileServers
		}
		for _, s := range loaded {
			// 命令行的 --deregister 与文件中的设置取或
			s.DeregisterOnExit = s.DeregisterOnExit || fl.dereg
			services = append(services, s)
		}
	} else {
		s := fl.single
		s.DeregisterOnExit = fl.dereg
		services = []agent.Config{s}
	}

	c, err := client.New(client.Config{Hosts: servers, Logger: logger.Named("client")})
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// 任一 Agent 出错即全部退出
	g, gctx := errgroup.WithContext(ctx)
	for _, s := range services {
		a := agent.New(s, c, agent.WithLogger(logger.Named("agent")))
		g.Go(func() error { return a.Run(gctx) })
	}
	return g.Wait()
}
