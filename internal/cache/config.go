package cache

import (
	"fmt"
	"time"

	"github.com/hashicorp/go-hclog"

	"siderwatch/internal/client"
)

// MaxWatchDuration 是协议允许的最长 wait。
const MaxWatchDuration = 600 * time.Second

// 默认配置。
const (
	DefaultBackoffMin    = 10 * time.Second
	DefaultBackoffMax    = 20 * time.Second
	DefaultWatchDuration = 10 * time.Second
)

// Descriptor 标识一个缓存（资源类型 + 可选限定），只用于诊断与按缓存查配置。
type Descriptor struct {
	Kind      string
	Qualifier string
}

func (d Descriptor) String() string {
	if d.Qualifier == "" {
		return d.Kind
	}
	return d.Kind + ":" + d.Qualifier
}

// Config 是缓存的不可变配置。零值字段使用默认值；负值为非法配置。
type Config struct {
	Descriptor             Descriptor
	BackoffMin             time.Duration // 失败后随机退避下界
	BackoffMax             time.Duration // 失败后随机退避上界
	WatchDuration          time.Duration // 阻塞查询的 wait，不得超过 MaxWatchDuration
	MinTimeBetweenRequests time.Duration // 两次请求起点之间的最小间隔
	ErrorLogLevel          hclog.Level   // 同步失败的日志级别，默认 Error
	Query                  client.QueryOptions
}

// ConfigurationError 表示构造缓存时发现的非法配置。
type ConfigurationError struct {
	Descriptor string
	Field      string
	Reason     string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("cache %q: invalid %s: %s", e.Descriptor, e.Field, e.Reason)
}

// withDefaults 填充默认值并校验。
func (c Config) withDefaults() (Config, error) {
	desc := c.Descriptor.String()
	bad := func(field, reason string) (Config, error) {
		return c, &ConfigurationError{Descriptor: desc, Field: field, Reason: reason}
	}
	for name, d := range map[string]time.Duration{
		"backOffDelay.min":               c.BackoffMin,
		"backOffDelay.max":               c.BackoffMax,
		"watchDuration":                  c.WatchDuration,
		"minimumDurationBetweenRequests": c.MinTimeBetweenRequests,
	} {
		if d < 0 {
			return bad(name, "must not be negative")
		}
	}
	if c.BackoffMin == 0 && c.BackoffMax == 0 {
		c.BackoffMin, c.BackoffMax = DefaultBackoffMin, DefaultBackoffMax
	}
	if c.BackoffMax == 0 {
		c.BackoffMax = c.BackoffMin
	}
	if c.BackoffMin > c.BackoffMax {
		return bad("backOffDelay", fmt.Sprintf("min %s is greater than max %s", c.BackoffMin, c.BackoffMax))
	}
	if c.WatchDuration == 0 {
		c.WatchDuration = DefaultWatchDuration
	}
	if c.WatchDuration > MaxWatchDuration {
		return bad("watchDuration", fmt.Sprintf("%s exceeds the maximum of %s", c.WatchDuration, MaxWatchDuration))
	}
	if c.ErrorLogLevel == hclog.NoLevel {
		c.ErrorLogLevel = hclog.Error
	}
	return c, nil
}
