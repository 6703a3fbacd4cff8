// Package agent 把本机服务实例注册到服务端，并按配置执行健康检查。
package agent

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/hashicorp/go-hclog"
	"github.com/jonboulle/clockwork"
	"github.com/pkg/errors"

	"siderwatch/internal/client"
)

// 默认值。
const (
	DefaultTTL          = 15 * time.Second
	DefaultInterval     = 10 * time.Second
	DefaultProbeTimeout = 3 * time.Second
	DefaultCmdTimeout   = 5 * time.Second
)

// Config 为单个服务实例的 Agent 配置。
// 支持 ttl/http/tcp/cmd 四种检查，以及退出时自动注销。
type Config struct {
	Namespace        string                   `yaml:"ns"`
	Service          string                   `yaml:"service" validate:"required"`
	ID               string                   `yaml:"id"` // 留空将自动生成
	Address          string                   `yaml:"address"`
	Port             int                      `yaml:"port" validate:"gte=0,lte=65535"`
	Tags             []string                 `yaml:"tags"`
	Meta             map[string]string        `yaml:"meta"`
	TTL              time.Duration            `yaml:"ttl"` // 若 >0 且 Checks 中没有 ttl 检查，则自动添加
	Checks           []client.CheckDefinition `yaml:"checks" validate:"dive"`
	DeregisterOnExit bool                     `yaml:"deregister_on_exit"`
}

// Agent 管理一个实例的注册与检查循环。
type Agent struct {
	cfg    Config
	client *client.Client
	probe  *resty.Client
	logger hclog.Logger
	clock  clockwork.Clock

	checkIDs []string
	wg       sync.WaitGroup
}

// Option 配置 Agent。
type Option func(*Agent)

// WithLogger 设置日志。
func WithLogger(l hclog.Logger) Option {
	return func(a *Agent) { a.logger = l }
}

// WithClock 设置检查循环使用的时钟。
func WithClock(c clockwork.Clock) Option {
	return func(a *Agent) { a.clock = c }
}

// New 创建 Agent；c 负责与服务端通信。
func New(cfg Config, c *client.Client, opts ...Option) *Agent {
	a := &Agent{
		cfg:    cfg,
		client: c,
		probe:  resty.New(),
		logger: hclog.NewNullLogger(),
		clock:  clockwork.NewRealClock(),
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// ID 返回实例 ID（Run 之前可能为空）。
func (a *Agent) ID() string {
	return a.cfg.ID
}

// Run 注册实例并执行检查循环，直到 ctx 取消。
func (a *Agent) Run(ctx context.Context) error {
	if a.cfg.Namespace == "" {
		a.cfg.Namespace = "default"
	}
	if a.cfg.Service == "" {
		return errors.New("agent: missing service")
	}
	if a.cfg.ID == "" {
		host, _ := os.Hostname()
		a.cfg.ID = fmt.Sprintf("%s-%s-%d", a.cfg.Service, host, a.cfg.Port)
	}
	a.logger = a.logger.With("service", a.cfg.Service, "id", a.cfg.ID)

	// 未显式声明 TTL 检查但给了 TTL，则补上一条
	hasTTL := false
	for _, c := range a.cfg.Checks {
		if strings.EqualFold(c.Type, "ttl") {
			hasTTL = true
			break
		}
	}
	if !hasTTL && a.cfg.TTL > 0 {
		a.cfg.Checks = append(a.cfg.Checks, client.CheckDefinition{Type: "ttl", TTL: a.cfg.TTL.String()})
	}

	if err := a.register(ctx); err != nil {
		return err
	}

	loopCtx, cancel := context.WithCancel(ctx)
	a.startCheckLoops(loopCtx)
	<-ctx.Done()
	cancel()
	a.wg.Wait()

	if a.cfg.DeregisterOnExit {
		dctx, dcancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer dcancel()
		if _, err := a.client.Deregister(dctx, a.cfg.Namespace, a.cfg.Service, a.cfg.ID); err != nil {
			a.logger.Warn("注销失败", "error", err)
			return err
		}
		a.logger.Info("已注销实例")
	}
	return nil
}

func (a *Agent) register(ctx context.Context) error {
	res, err := a.client.Register(ctx, &client.Registration{
		Name:      a.cfg.Service,
		Namespace: a.cfg.Namespace,
		ID:        a.cfg.ID,
		Address:   a.cfg.Address,
		Port:      a.cfg.Port,
		Tags:      a.cfg.Tags,
		Meta:      mergeStringMap(map[string]string{"agent": "siderwatch"}, a.cfg.Meta),
		Checks:    a.cfg.Checks,
	})
	if err != nil {
		return errors.Wrap(err, "register")
	}
	a.checkIDs = res.CheckIDs
	a.logger.Info("已注册实例", "checks", res.CheckIDs, "index", res.Index)
	return nil
}

// startCheckLoops 按注册返回的 checkIDs（与 Checks 顺序一致）启动各检查循环。
func (a *Agent) startCheckLoops(ctx context.Context) {
	for i, def := range a.cfg.Checks {
		if i >= len(a.checkIDs) {
			break
		}
		cid := a.checkIDs[i]
		switch strings.ToLower(def.Type) {
		case "ttl":
			// 以 TTL 的 2/3 为续约间隔
			ttl := parseDurationDefault(def.TTL, a.cfg.TTL)
			if ttl <= 0 {
				ttl = DefaultTTL
			}
			interval := ttl * 2 / 3
			if interval < time.Second {
				interval = time.Second
			}
			a.every(ctx, interval, func(ctx context.Context) {
				a.report(ctx, cid, client.CheckPass, "")
			})
		case "http":
			target := def.Path
			if target == "" {
				target = fmt.Sprintf("http://%s/health", net.JoinHostPort(defaultString(a.cfg.Address, "127.0.0.1"), strconv.Itoa(a.cfg.Port)))
			}
			timeout := parseDurationDefault(def.Timeout, DefaultProbeTimeout)
			a.every(ctx, parseDurationDefault(def.Interval, DefaultInterval), func(ctx context.Context) {
				action, out := a.probeHTTP(ctx, target, timeout)
				a.report(ctx, cid, action, out)
			})
		case "tcp":
			target := def.Path
			if target == "" {
				target = net.JoinHostPort(defaultString(a.cfg.Address, "127.0.0.1"), strconv.Itoa(a.cfg.Port))
			}
			timeout := parseDurationDefault(def.Timeout, DefaultProbeTimeout)
			a.every(ctx, parseDurationDefault(def.Interval, DefaultInterval), func(ctx context.Context) {
				action, out := probeTCP(ctx, target, timeout)
				a.report(ctx, cid, action, out)
			})
		case "cmd":
			cmdline := strings.TrimSpace(def.Path)
			if cmdline == "" {
				a.logger.Warn("cmd 检查缺少 Path，忽略", "check", cid)
				continue
			}
			timeout := parseDurationDefault(def.Timeout, DefaultCmdTimeout)
			a.every(ctx, parseDurationDefault(def.Interval, DefaultInterval), func(ctx context.Context) {
				action, out := probeCmd(ctx, cmdline, timeout)
				a.report(ctx, cid, action, out)
			})
		default:
			a.logger.Warn("未知检查类型，忽略", "type", def.Type)
		}
	}
}

// every 立即执行一次 fn，之后按 interval 周期执行，直到 ctx 取消。
func (a *Agent) every(ctx context.Context, interval time.Duration, fn func(ctx context.Context)) {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		ticker := a.clock.NewTicker(interval)
		defer ticker.Stop()
		fn(ctx)
		for {
			select {
			case <-ticker.Chan():
				fn(ctx)
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (a *Agent) report(ctx context.Context, checkID string, action client.CheckAction, output string) {
	if _, err := a.client.UpdateCheck(ctx, checkID, action, output); err != nil && ctx.Err() == nil {
		a.logger.Warn("上报检查失败", "check", checkID, "action", action, "error", err)
	}
}

// probeHTTP 请求 URL：2xx/3xx 通过，4xx 警告，其余失败。
func (a *Agent) probeHTTP(ctx context.Context, url string, timeout time.Duration) (client.CheckAction, string) {
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	resp, err := a.probe.R().SetContext(cctx).SetDoNotParseResponse(true).Get(url)
	if err != nil {
		return client.CheckFail, err.Error()
	}
	_ = resp.RawBody().Close()
	code := resp.StatusCode()
	switch {
	case code >= 200 && code < 400:
		return client.CheckPass, ""
	case code >= 400 && code < 500:
		return client.CheckWarn, fmt.Sprintf("status=%d", code)
	default:
		return client.CheckFail, fmt.Sprintf("status=%d", code)
	}
}

// probeTCP 尝试建立 TCP 连接。
func probeTCP(ctx context.Context, target string, timeout time.Duration) (client.CheckAction, string) {
	dialer := &net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", target)
	if err != nil {
		return client.CheckFail, err.Error()
	}
	_ = conn.Close()
	return client.CheckPass, ""
}

// probeCmd 通过 shell 执行命令，0 退出码为通过。
func probeCmd(ctx context.Context, cmdline string, timeout time.Duration) (client.CheckAction, string) {
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	out, err := exec.CommandContext(cctx, "sh", "-c", cmdline).CombinedOutput()
	if err != nil {
		if len(out) == 0 {
			return client.CheckFail, err.Error()
		}
		return client.CheckFail, string(out)
	}
	return client.CheckPass, string(out)
}

func parseDurationDefault(s string, d time.Duration) time.Duration {
	if s == "" {
		return d
	}
	if v, err := time.ParseDuration(s); err == nil && v > 0 {
		return v
	}
	return d
}

func defaultString(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

func mergeStringMap(a, b map[string]string) map[string]string {
	out := make(map[string]string, len(a)+len(b))
	for k, v := range a {
		out[k] = v
	}
	for k, v := range b {
		out[k] = v
	}
	return out
}
