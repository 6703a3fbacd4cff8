package registry

import (
	"context"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/jonboulle/clockwork"
)

// DefaultExpireInterval 是 TTL 过期扫描的默认间隔。
const DefaultExpireInterval = time.Second

// Expirer 周期性地把超过 TTL 的检查标记为 critical。
// 扫描读本地内存，写入走 Registry 的写路径；集群模式下只应在 Leader 上运行。
type Expirer struct {
	source   *MemoryRegistry
	reg      Registry
	clock    clockwork.Clock
	interval time.Duration
	logger   hclog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewExpirer 创建过期器；reg 为 nil 时直接写 source。
func NewExpirer(source *MemoryRegistry, reg Registry, interval time.Duration, logger hclog.Logger) *Expirer {
	if reg == nil {
		reg = source
	}
	if interval <= 0 {
		interval = DefaultExpireInterval
	}
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Expirer{source: source, reg: reg, clock: source.clock, interval: interval, logger: logger}
}

// Start 启动过期器（若尚未启动）。
func (e *Expirer) Start() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	e.done = make(chan struct{})
	go e.loop(ctx, e.done)
	e.logger.Info("TTL 过期器已启动")
}

// Stop 停止过期器（若正在运行）并等待循环退出。
func (e *Expirer) Stop() {
	e.mu.Lock()
	cancel, done := e.cancel, e.done
	e.cancel, e.done = nil, nil
	e.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	e.logger.Info("TTL 过期器已停止")
}

func (e *Expirer) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := e.clock.NewTicker(e.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.Chan():
			e.ExpireOnce(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// ExpireOnce 执行一次扫描，返回被标记为 critical 的检查数。
func (e *Expirer) ExpireOnce(ctx context.Context) int {
	n := 0
	for _, id := range e.source.ExpiredChecks(e.clock.Now()) {
		if _, err := e.reg.ReportCheck(ctx, id, StatusCritical, "TTL expired"); err != nil {
			e.logger.Warn("标记 TTL 过期失败", "check", id, "error", err)
			continue
		}
		n++
	}
	if n > 0 {
		e.logger.Debug("TTL 检查已过期", "count", n)
	}
	return n
}
