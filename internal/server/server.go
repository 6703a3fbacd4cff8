// Package server 组装注册表、复制层与 HTTP API。
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-metrics"
	"github.com/jonboulle/clockwork"
	"github.com/pkg/errors"

	"siderwatch/internal/api"
	"siderwatch/internal/raft"
	"siderwatch/internal/registry"
)

// Config 为服务端配置。RaftDir 为空时以单节点内存模式运行。
type Config struct {
	HTTPAddr       string
	RaftID         string // 节点 ID
	RaftBind       string // 监听地址（host:port）
	RaftDir        string // 数据目录
	Bootstrap      bool   // 是否引导
	ExpireInterval time.Duration
	MetricsName    string // 指标前缀，默认 siderwatch
	Logger         hclog.Logger
	Clock          clockwork.Clock
}

// Server 负责组装 Registry 与 HTTP API 并运行。
type Server struct {
	cfg     Config
	logger  hclog.Logger
	mem     *registry.MemoryRegistry
	reg     *registry.RaftRegistry
	node    raft.Node
	expirer *registry.Expirer
	metrics *metrics.Metrics
	http    *api.HTTPServer
}

// New 创建服务端；集群模式下会启动 Raft。
func New(cfg Config) (*Server, error) {
	if cfg.Logger == nil {
		cfg.Logger = hclog.NewNullLogger()
	}
	if cfg.MetricsName == "" {
		cfg.MetricsName = "siderwatch"
	}
	s := &Server{cfg: cfg, logger: cfg.Logger}

	// 1) 底层内存注册表与 FSM
	s.mem = registry.NewMemoryRegistryWithOptions(registry.Options{Clock: cfg.Clock, Logger: cfg.Logger.Named("registry")})
	fsm := registry.NewFSM(s.mem)

	// 2) 复制层：无数据目录时直接在本地应用
	if cfg.RaftDir == "" {
		s.node = raft.NewLocalNode(fsm, cfg.HTTPAddr)
		s.logger.Info("以单节点内存模式运行")
	} else {
		if cfg.RaftID == "" || cfg.RaftBind == "" {
			return nil, errors.New("server: raft id and bind are required in cluster mode")
		}
		r, err := setupRaft(raftConfig{
			ID: cfg.RaftID, Bind: cfg.RaftBind, DataDir: cfg.RaftDir, Bootstrap: cfg.Bootstrap,
			Logger: cfg.Logger.Named("raft"),
		}, fsm)
		if err != nil {
			s.logger.Error("Raft 启动失败", "error", err)
			return nil, err
		}
		s.node = raft.Wrap(r)
	}

	// 3) 写路径绑定到复制层，读直读内存
	s.reg = registry.NewRaftRegistry(s.node, s.mem)
	s.expirer = registry.NewExpirer(s.mem, s.reg, cfg.ExpireInterval, cfg.Logger.Named("expirer"))

	m, metricsHandler, err := setupMetrics(cfg.MetricsName)
	if err != nil {
		_ = s.node.Shutdown()
		return nil, err
	}
	s.metrics = m

	s.http = &api.HTTPServer{
		Reg:            s.reg,
		Addr:           cfg.HTTPAddr,
		Node:           s.node,
		Logger:         cfg.Logger.Named("http"),
		MetricsHandler: metricsHandler,
	}
	return s, nil
}

// Handler 返回 HTTP 路由，便于测试或嵌入。
func (s *Server) Handler() http.Handler {
	return s.http.Router()
}

// Registry 返回写路径经复制层的注册表。
func (s *Server) Registry() registry.Registry {
	return s.reg
}

// Node 返回复制层节点。
func (s *Server) Node() raft.Node {
	return s.node
}

// Run 启动领导权监听与 HTTP 服务，阻塞到 ctx 取消。
func (s *Server) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := s.WatchLeadership(ctx)
	defer func() {
		cancel()
		<-done
		s.expirer.Stop()
		if err := s.node.Shutdown(); err != nil {
			s.logger.Warn("关闭 Raft 失败", "error", err)
		}
	}()

	if err := s.http.Start(ctx); err != nil {
		s.logger.Error("HTTP 服务退出", "error", err)
		return err
	}
	return nil
}

// WatchLeadership 让 TTL 过期器只在 Leader 上运行；ctx 结束后关闭返回的通道。
func (s *Server) WatchLeadership(ctx context.Context) <-chan struct{} {
	done := make(chan struct{})
	go func(ch <-chan bool) {
		defer close(done)
		for {
			select {
			case isLeader := <-ch:
				s.logger.Info("领导权变化", "leader", isLeader)
				if isLeader {
					s.metrics.SetGauge([]string{"raft", "leader"}, 1)
					s.expirer.Start()
				} else {
					s.metrics.SetGauge([]string{"raft", "leader"}, 0)
					s.expirer.Stop()
				}
			case <-ctx.Done():
				return
			}
		}
	}(s.node.LeaderCh())
	return done
}

// Close 停止过期器并关闭复制层，用于未调用 Run 的场景。
func (s *Server) Close() error {
	s.expirer.Stop()
	return s.node.Shutdown()
}
