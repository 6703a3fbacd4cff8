// Package notify 维护监听者集合，并按顺序、相互隔离地投递快照。
package notify

import (
	"fmt"
	"reflect"
	"runtime/debug"
	"sync"

	"github.com/hashicorp/go-hclog"
	"go.uber.org/atomic"
)

// Listener 接收变更通知。实现必须可比较（通常是指针），以便去重与移除。
type Listener[T any] interface {
	OnChange(value T)
}

type funcListener[T any] struct {
	fn func(T)
}

func (f *funcListener[T]) OnChange(value T) { f.fn(value) }

// NewListener 把函数包装为 Listener；每次调用返回不同的监听者。
func NewListener[T any](fn func(T)) Listener[T] {
	return &funcListener[T]{fn: fn}
}

// registration 记录单个监听者的投递进度。
// mu 保证同一监听者的回调串行，last 保证不会收到更旧或重复的序号。
type registration[T any] struct {
	listener Listener[T]
	mu       sync.Mutex
	last     uint64
	removed  *atomic.Bool
}

// Notifier 是写时复制的监听者集合。
// 读路径（Publish）只原子加载当前切片，不持有写锁。
type Notifier[T any] struct {
	name   string
	logger hclog.Logger

	writeMu sync.Mutex // 仅串行化 Add/Remove
	regs    *atomic.Pointer[[]*registration[T]]
}

// New 创建 Notifier；name 用于日志诊断。
func New[T any](name string, logger hclog.Logger) *Notifier[T] {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	empty := make([]*registration[T], 0)
	return &Notifier[T]{
		name:   name,
		logger: logger,
		regs:   atomic.NewPointer(&empty),
	}
}

// Add 注册监听者；已注册或不可比较时返回 false。
func (n *Notifier[T]) Add(l Listener[T]) bool {
	if !isComparable(l) {
		return false
	}
	n.writeMu.Lock()
	defer n.writeMu.Unlock()
	cur := *n.regs.Load()
	for _, r := range cur {
		if r.listener == l {
			return false
		}
	}
	next := make([]*registration[T], len(cur), len(cur)+1)
	copy(next, cur)
	next = append(next, &registration[T]{listener: l, removed: atomic.NewBool(false)})
	n.regs.Store(&next)
	return true
}

// Remove 注销监听者，返回其此前是否已注册。
func (n *Notifier[T]) Remove(l Listener[T]) bool {
	if !isComparable(l) {
		return false
	}
	n.writeMu.Lock()
	defer n.writeMu.Unlock()
	cur := *n.regs.Load()
	for i, r := range cur {
		if r.listener != l {
			continue
		}
		next := make([]*registration[T], 0, len(cur)-1)
		next = append(next, cur[:i]...)
		next = append(next, cur[i+1:]...)
		r.removed.Store(true)
		n.regs.Store(&next)
		return true
	}
	return false
}

// Len 返回当前监听者数量。
func (n *Notifier[T]) Len() int {
	return len(*n.regs.Load())
}

// Publish 按注册顺序把序号为 seq 的值投递给所有监听者。
// 单个监听者 panic 会被记录，不影响其他监听者。
func (n *Notifier[T]) Publish(seq uint64, value T) {
	for _, r := range *n.regs.Load() {
		n.deliver(r, seq, value)
	}
}

// Deliver 只向 l 投递（用于新监听者追赶当前状态）。
// l 未注册时返回 false。
func (n *Notifier[T]) Deliver(l Listener[T], seq uint64, value T) bool {
	if !isComparable(l) {
		return false
	}
	for _, r := range *n.regs.Load() {
		if r.listener == l {
			n.deliver(r, seq, value)
			return true
		}
	}
	return false
}

func (n *Notifier[T]) deliver(r *registration[T], seq uint64, value T) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.removed.Load() || seq <= r.last {
		return
	}
	r.last = seq
	defer func() {
		if rec := recover(); rec != nil {
			n.logger.Error("监听者处理快照失败", "cache", n.name, "seq", seq,
				"error", fmt.Sprint(rec), "stack", string(debug.Stack()))
		}
	}()
	r.listener.OnChange(value)
}

func isComparable(l any) bool {
	if l == nil {
		return false
	}
	return reflect.TypeOf(l).Comparable()
}
