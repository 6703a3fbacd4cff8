// Package retry 计算失败后的随机退避时长，并在退避结束后安排重试。
package retry

import (
	"math/rand"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jonboulle/clockwork"
	"github.com/pkg/errors"
)

// Uniform 在 [Min, Max] 闭区间内均匀随机地给出退避时长。
// 实现 backoff.BackOff，不会返回 backoff.Stop。
type Uniform struct {
	Min time.Duration
	Max time.Duration
}

var _ backoff.BackOff = (*Uniform)(nil)

// NewUniform 校验上下界后创建 Uniform。
func NewUniform(min, max time.Duration) (*Uniform, error) {
	if min < 0 || max < 0 {
		return nil, errors.Errorf("backoff delay must not be negative (min=%s, max=%s)", min, max)
	}
	if min > max {
		return nil, errors.Errorf("backoff min delay %s is greater than max delay %s", min, max)
	}
	return &Uniform{Min: min, Max: max}, nil
}

// NextBackOff 返回下一次退避时长。
func (u *Uniform) NextBackOff() time.Duration {
	span := int64(u.Max - u.Min)
	if span <= 0 {
		return u.Min
	}
	return u.Min + time.Duration(rand.Int63n(span+1))
}

// Reset 无状态，空实现。
func (u *Uniform) Reset() {}

// Scheduler 基于时钟安排一次性的延迟执行。
type Scheduler struct {
	clock clockwork.Clock
}

// NewScheduler 创建调度器；clock 为 nil 时使用真实时钟。
func NewScheduler(clock clockwork.Clock) *Scheduler {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Scheduler{clock: clock}
}

// Pending 是一次已安排的执行。
type Pending struct {
	once  sync.Once
	timer clockwork.Timer
}

// Cancel 取消尚未触发的执行；若成功阻止了执行则返回 true。可重复调用。
func (p *Pending) Cancel() bool {
	if p == nil {
		return false
	}
	stopped := false
	p.once.Do(func() {
		stopped = p.timer.Stop()
	})
	return stopped
}

// Schedule 在 delay 之后执行一次 fn；delay <= 0 时尽快执行。
func (s *Scheduler) Schedule(delay time.Duration, fn func()) *Pending {
	if delay < 0 {
		delay = 0
	}
	return &Pending{timer: s.clock.AfterFunc(delay, fn)}
}
