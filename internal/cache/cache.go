// Package cache 通过阻塞查询（长轮询）把远端集合同步为本地内存快照。
//
// 每个 Cache 只有一个顺序执行的同步循环：同一时刻最多一个请求在途。
// 循环是快照、索引与初始化状态的唯一写者；其他 goroutine 只通过原子加载读取。
package cache

import (
	"context"
	"reflect"
	"sync"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-metrics"
	"github.com/jonboulle/clockwork"
	"github.com/pkg/errors"
	"go.uber.org/atomic"

	"siderwatch/internal/client"
	"siderwatch/internal/notify"
	"siderwatch/internal/retry"
)

var (
	// ErrAlreadyStarted Start 只能调用一次（Stop 之后也不能重启）。
	ErrAlreadyStarted = errors.New("cache already started")
	// ErrStopped 缓存在初始化完成前被停止。
	ErrStopped = errors.New("cache stopped")
)

// FetchFunc 执行一次拉取，通常是对 client.Client 某个读接口的闭包。
type FetchFunc[V any] func(ctx context.Context, opts *client.QueryOptions) ([]V, *client.QueryMeta, error)

// KeyFunc 从元素中提取键。
type KeyFunc[K comparable, V any] func(V) K

// Listener 接收新发布的快照；回调在同步循环上同步执行。
type Listener[K comparable, V any] interface {
	OnChange(snapshot *Snapshot[K, V])
}

// NewListener 把函数包装为 Listener，返回值可用于 RemoveListener。
func NewListener[K comparable, V any](fn func(*Snapshot[K, V])) Listener[K, V] {
	return notify.NewListener(fn)
}

const (
	stateNew int32 = iota
	stateRunning
	stateStopped
)

// Cache 是基于长轮询的同步缓存。
type Cache[K comparable, V any] struct {
	fetch  FetchFunc[V]
	key    KeyFunc[K, V]
	cfg    Config
	desc   string
	equal  func(a, b map[K]V) bool
	logger hclog.Logger
	clock  clockwork.Clock
	sink   *metrics.Metrics

	backoff   *retry.Uniform
	scheduler *retry.Scheduler
	notifier  *notify.Notifier[*Snapshot[K, V]]

	state       *atomic.Int32
	snapshot    *atomic.Pointer[Snapshot[K, V]]
	index       *atomic.Pointer[client.Index]
	initialized chan struct{}
	initOnce    sync.Once
	stopped     chan struct{}
	stopOnce    sync.Once
	ctx         context.Context
	cancel      context.CancelFunc

	pendingMu sync.Mutex
	pending   *retry.Pending

	// 以下字段只由同步循环访问
	seq      uint64
	blocking bool
}

// Option 定制 Cache。
type Option func(*options)

type options struct {
	logger  hclog.Logger
	clock   clockwork.Clock
	metrics *metrics.Metrics
	equal   any
}

// WithLogger 设置日志。
func WithLogger(l hclog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithClock 注入时钟，用于退避、限速与等待初始化。
func WithClock(c clockwork.Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithMetrics 设置指标输出。
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithEqual 替换快照内容比较函数，fn 的类型必须是 func(a, b map[K]V) bool。
func WithEqual[K comparable, V any](fn func(a, b map[K]V) bool) Option {
	return func(o *options) { o.equal = fn }
}

// New 校验配置并创建缓存；非法配置在此返回 *ConfigurationError。
func New[K comparable, V any](fetch FetchFunc[V], key KeyFunc[K, V], cfg Config, opts ...Option) (*Cache[K, V], error) {
	cfg, err := cfg.withDefaults()
	if err != nil {
		return nil, err
	}
	desc := cfg.Descriptor.String()
	if fetch == nil || key == nil {
		return nil, &ConfigurationError{Descriptor: desc, Field: "fetch/key", Reason: "must not be nil"}
	}
	bo, err := retry.NewUniform(cfg.BackoffMin, cfg.BackoffMax)
	if err != nil {
		return nil, &ConfigurationError{Descriptor: desc, Field: "backOffDelay", Reason: err.Error()}
	}

	o := options{logger: hclog.NewNullLogger(), clock: clockwork.NewRealClock()}
	for _, opt := range opts {
		opt(&o)
	}
	equal := defaultEqual[K, V]
	if o.equal != nil {
		fn, ok := o.equal.(func(a, b map[K]V) bool)
		if !ok {
			return nil, &ConfigurationError{Descriptor: desc, Field: "equal", Reason: "comparator type does not match the cache"}
		}
		equal = fn
	}

	ctx, cancel := context.WithCancel(context.Background())
	logger := o.logger.With("cache", desc)
	return &Cache[K, V]{
		fetch:       fetch,
		key:         key,
		cfg:         cfg,
		desc:        desc,
		equal:       equal,
		logger:      logger,
		clock:       o.clock,
		sink:        o.metrics,
		backoff:     bo,
		scheduler:   retry.NewScheduler(o.clock),
		notifier:    notify.New[*Snapshot[K, V]](desc, logger),
		state:       atomic.NewInt32(stateNew),
		snapshot:    atomic.NewPointer(newSnapshot[K, V](nil, client.Index{}, 0)),
		index:       atomic.NewPointer(&client.Index{}),
		initialized: make(chan struct{}),
		stopped:     make(chan struct{}),
		ctx:         ctx,
		cancel:      cancel,
	}, nil
}

// Descriptor 返回缓存标识。
func (c *Cache[K, V]) Descriptor() Descriptor {
	return c.cfg.Descriptor
}

// Start 启动同步循环。第二次调用（包括 Stop 之后）返回 ErrAlreadyStarted。
func (c *Cache[K, V]) Start() error {
	if !c.state.CompareAndSwap(stateNew, stateRunning) {
		return ErrAlreadyStarted
	}
	c.logger.Debug("启动同步循环", "watch", c.cfg.WatchDuration)
	c.schedule(0)
	return nil
}

// Stop 请求终止：取消待执行的重试与在途请求的 context；在途结果会被丢弃。可重复调用。
func (c *Cache[K, V]) Stop() {
	c.stopOnce.Do(func() {
		c.state.Store(stateStopped)
		c.pendingMu.Lock()
		c.pending.Cancel()
		c.pending = nil
		c.pendingMu.Unlock()
		c.cancel()
		close(c.stopped)
		c.logger.Debug("同步循环已停止")
	})
}

// AwaitInitialized 阻塞直到首次拉取成功；超时或缓存被停止时返回 false。
func (c *Cache[K, V]) AwaitInitialized(timeout time.Duration) bool {
	select {
	case <-c.initialized:
		return true
	default:
	}
	timer := c.clock.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-c.initialized:
		return true
	case <-c.stopped:
		return c.isInitialized()
	case <-timer.Chan():
		return c.isInitialized()
	}
}

// WaitInitialized 与 AwaitInitialized 相同，但由 ctx 控制等待。
func (c *Cache[K, V]) WaitInitialized(ctx context.Context) error {
	select {
	case <-c.initialized:
		return nil
	default:
	}
	select {
	case <-c.initialized:
		return nil
	case <-c.stopped:
		if c.isInitialized() {
			return nil
		}
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Snapshot 返回最近发布的快照；初始化前为空快照。
func (c *Cache[K, V]) Snapshot() *Snapshot[K, V] {
	return c.snapshot.Load()
}

// Index 返回最近采纳的索引。
func (c *Cache[K, V]) Index() client.Index {
	return *c.index.Load()
}

// AddListener 注册监听者。若已有发布的快照，返回前会先把当前快照投递给它。
// 同一监听者重复注册返回 false。
func (c *Cache[K, V]) AddListener(l Listener[K, V]) bool {
	if l == nil {
		return false
	}
	if !c.notifier.Add(l) {
		return false
	}
	// 先注册再读快照：与循环的“先发布再投递”配合，不会漏掉任何快照
	if snap := c.snapshot.Load(); snap.Initialized() {
		c.notifier.Deliver(l, snap.seq, snap)
	}
	return true
}

// RemoveListener 注销监听者，返回其此前是否已注册。
func (c *Cache[K, V]) RemoveListener(l Listener[K, V]) bool {
	if l == nil {
		return false
	}
	return c.notifier.Remove(l)
}

// ListenerCount 返回监听者数量。
func (c *Cache[K, V]) ListenerCount() int {
	return c.notifier.Len()
}

func (c *Cache[K, V]) isInitialized() bool {
	select {
	case <-c.initialized:
		return true
	default:
		return false
	}
}

func (c *Cache[K, V]) running() bool {
	return c.state.Load() == stateRunning
}

func (c *Cache[K, V]) schedule(delay time.Duration) {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	if !c.running() {
		return
	}
	c.pending = c.scheduler.Schedule(delay, c.runOnce)
}

// runOnce 执行一轮同步并安排下一轮。
func (c *Cache[K, V]) runOnce() {
	if !c.running() {
		return
	}
	start := c.clock.Now()
	opts := c.cfg.Query.Clone()
	lastIndex := c.Index()
	if c.blocking && !lastIndex.IsZero() {
		opts.WaitIndex = lastIndex
		opts.WaitTime = c.cfg.WatchDuration
	} else {
		opts.WaitIndex = client.Index{}
		opts.WaitTime = 0
	}

	items, meta, err := c.fetch(c.ctx, opts)
	if !c.running() {
		// 已停止：丢弃在途结果
		return
	}

	var delay time.Duration
	if err != nil {
		delay = c.backoff.NextBackOff()
		c.logger.Log(c.cfg.ErrorLogLevel, "同步失败，退避后重试", "error", err, "delay", delay)
		c.incr("failure")
	} else {
		c.incr("success")
		c.apply(items, meta)
		if !c.blocking {
			// 服务端不支持阻塞：按 wait 时长轮询，避免空转
			delay = c.cfg.WatchDuration
		}
	}

	// 无论成败都保证两次请求起点之间的最小间隔
	if floor := c.cfg.MinTimeBetweenRequests - c.clock.Since(start); floor > delay {
		delay = floor
	}
	c.schedule(delay)
}

// apply 处理一次成功的拉取结果。
func (c *Cache[K, V]) apply(items []V, meta *client.QueryMeta) {
	var idx client.Index
	if meta != nil {
		idx = meta.LastIndex
	}

	// 索引：缺失则下一次不阻塞，快照沿用原索引；回退说明响应来自落后的节点，整体丢弃
	last := c.Index()
	switch {
	case idx.IsZero():
		c.blocking = false
		idx = last
	case idx.Cmp(last) < 0:
		c.logger.Warn("服务端索引回退，丢弃响应", "index", idx, "last", last)
		c.blocking = true
		return
	default:
		c.index.Store(&idx)
		c.blocking = true
	}

	entries := make(map[K]V, len(items))
	for _, item := range items {
		k := c.key(item)
		if _, dup := entries[k]; dup {
			c.logger.Warn("重复的键，保留首个元素", "key", k)
			continue
		}
		entries[k] = item
	}

	prev := c.snapshot.Load()
	if !prev.Initialized() || !c.equal(prev.entries, entries) {
		c.seq++
		snap := newSnapshot(entries, idx, c.seq)
		c.snapshot.Store(snap)
		c.gauge(float32(len(entries)))
		c.incr("published")
		c.logger.Debug("发布新快照", "index", idx, "entries", len(entries))
		c.notifier.Publish(snap.seq, snap)
	}

	c.initOnce.Do(func() {
		close(c.initialized)
		c.logger.Info("缓存初始化完成", "index", idx, "entries", len(entries))
	})
}

func (c *Cache[K, V]) incr(name string) {
	if c.sink == nil {
		return
	}
	key := []string{"cache", "fetch", name}
	if name == "published" {
		key = []string{"cache", "snapshot", "published"}
	}
	c.sink.IncrCounterWithLabels(key, 1, []metrics.Label{{Name: "cache", Value: c.desc}})
}

func (c *Cache[K, V]) gauge(v float32) {
	if c.sink == nil {
		return
	}
	c.sink.SetGaugeWithLabels([]string{"cache", "snapshot", "entries"}, v, []metrics.Label{{Name: "cache", Value: c.desc}})
}

var exportAll = cmp.Exporter(func(reflect.Type) bool { return true })

func defaultEqual[K comparable, V any](a, b map[K]V) bool {
	return cmp.Equal(a, b, exportAll, cmpopts.EquateEmpty())
}
