// Package failover 在一组等价的服务端地址之间选择请求目标，
// 并临时屏蔽（拉黑）表现为不可达的地址。
package failover

import (
	"net/http"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/jonboulle/clockwork"
	"github.com/pkg/errors"
)

// ErrNoViableHost 表示所有候选地址当前都处于屏蔽期。
var ErrNoViableHost = errors.New("no viable host: all hosts are blacklisted")

// ConfigurationError 在构造时发现的非法配置。
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return "failover: invalid " + e.Field + ": " + e.Reason
}

// Config 为故障转移配置。
type Config struct {
	Hosts       []string      // 候选地址（host:port），至少两个
	BanDuration time.Duration // 单个地址被屏蔽的时长
}

// Outcome 描述上一次请求的结果：要么有状态码，要么有错误。
type Outcome struct {
	StatusCode int
	Err        error
}

// Failed 报告该结果是否应视为连通性失败。
// 404 是合法的应用层答复，不算失败。
func (o *Outcome) Failed() bool {
	if o == nil {
		return false
	}
	if o.Err != nil {
		return true
	}
	if o.StatusCode == http.StatusNotFound {
		return false
	}
	return o.StatusCode < 200 || o.StatusCode >= 300
}

// Strategy 是带屏蔽表的故障转移策略，可并发使用。
type Strategy struct {
	hosts  []string
	ban    time.Duration
	clock  clockwork.Clock
	logger hclog.Logger

	mu        sync.Mutex
	blacklist map[string]time.Time // host -> 被屏蔽时刻
}

// Option 定制 Strategy。
type Option func(*Strategy)

// WithClock 注入时钟（测试用）。
func WithClock(c clockwork.Clock) Option {
	return func(s *Strategy) { s.clock = c }
}

// WithLogger 设置日志。
func WithLogger(l hclog.Logger) Option {
	return func(s *Strategy) { s.logger = l }
}

// New 校验配置并创建策略。
func New(cfg Config, opts ...Option) (*Strategy, error) {
	if len(cfg.Hosts) < 2 {
		return nil, &ConfigurationError{Field: "hosts", Reason: "at least two hosts are required"}
	}
	seen := make(map[string]struct{}, len(cfg.Hosts))
	for _, h := range cfg.Hosts {
		if h == "" {
			return nil, &ConfigurationError{Field: "hosts", Reason: "empty host"}
		}
		if _, dup := seen[h]; dup {
			return nil, &ConfigurationError{Field: "hosts", Reason: "duplicate host " + h}
		}
		seen[h] = struct{}{}
	}
	if cfg.BanDuration <= 0 {
		return nil, &ConfigurationError{Field: "banDuration", Reason: "must be positive"}
	}
	s := &Strategy{
		hosts:     append([]string(nil), cfg.Hosts...),
		ban:       cfg.BanDuration,
		clock:     clockwork.NewRealClock(),
		logger:    hclog.NewNullLogger(),
		blacklist: make(map[string]time.Time),
	}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// Hosts 返回候选地址（副本）。
func (s *Strategy) Hosts() []string {
	return append([]string(nil), s.hosts...)
}

// IsRequestViable 当前地址未被屏蔽，或池中至少还有一个可用地址时返回 true。
func (s *Strategy) IsRequestViable(current string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.bannedLocked(current) {
		return true
	}
	for _, h := range s.hosts {
		if !s.bannedLocked(h) {
			return true
		}
	}
	return false
}

// ComputeNextTarget 根据上一次结果决定下一次请求的目标。
// previous 为 nil 表示首次尝试。所有地址均被屏蔽时返回 ErrNoViableHost。
func (s *Strategy) ComputeNextTarget(intended string, previous *Outcome) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if previous.Failed() {
		s.banLocked(intended)
	}
	if s.selectableLocked(intended) {
		return intended, nil
	}
	for _, h := range s.hosts {
		if s.selectableLocked(h) {
			return h, nil
		}
	}
	return "", ErrNoViableHost
}

// selectableLocked 未被屏蔽，或屏蔽已超过 BanDuration（此时从屏蔽表驱逐）。
func (s *Strategy) selectableLocked(host string) bool {
	bannedAt, banned := s.blacklist[host]
	if !banned {
		return true
	}
	if s.clock.Now().Sub(bannedAt) > s.ban {
		delete(s.blacklist, host)
		s.logger.Debug("地址屏蔽到期", "host", host)
		return true
	}
	return false
}

// MarkRequestFailed 无条件屏蔽地址，用于完全没有收到响应的情况。
func (s *Strategy) MarkRequestFailed(host string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.banLocked(host)
}

// Banned 返回当前屏蔽表的副本。
func (s *Strategy) Banned() map[string]time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]time.Time, len(s.blacklist))
	for h, t := range s.blacklist {
		out[h] = t
	}
	return out
}

func (s *Strategy) banLocked(host string) {
	if host == "" {
		return
	}
	s.blacklist[host] = s.clock.Now()
	s.logger.Warn("屏蔽不可达地址", "host", host, "duration", s.ban)
}

// bannedLocked 只读判断：屏蔽已过期的地址视为可用，但驱逐只发生在选择时。
func (s *Strategy) bannedLocked(host string) bool {
	bannedAt, ok := s.blacklist[host]
	if !ok {
		return false
	}
	return s.clock.Now().Sub(bannedAt) <= s.ban
}
