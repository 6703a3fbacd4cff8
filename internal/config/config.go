// Package config 加载 YAML 配置并转换为各组件的配置。
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/hashicorp/go-hclog"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"siderwatch/internal/cache"
	"siderwatch/internal/client"
	"siderwatch/internal/timeout"
)

// Config 是 watch 客户端的完整配置。
type Config struct {
	Client ClientSection `yaml:"client" validate:"required"`
	Cache  CacheSection  `yaml:"cache"`
}

// ClientSection 对应 client.Config。
type ClientSection struct {
	Hosts                 []string        `yaml:"hosts" validate:"required,min=1,dive,required"`
	Scheme                string          `yaml:"scheme" validate:"omitempty,oneof=http https"`
	Timeout               time.Duration   `yaml:"timeout" validate:"gte=0"`
	TimeoutAutoAdjustment TimeoutSection  `yaml:"timeoutAutoAdjustment"`
	Failover              FailoverSection `yaml:"failover"`
}

// TimeoutSection 缺省时开启自动调整，余量 2s。
type TimeoutSection struct {
	Enabled *bool          `yaml:"enabled"`
	Margin  *time.Duration `yaml:"margin" validate:"omitempty,gte=0"`
}

type FailoverSection struct {
	BanDuration time.Duration `yaml:"banDuration" validate:"gte=0"`
}

type BackoffSection struct {
	Min time.Duration `yaml:"min" validate:"gte=0"`
	Max time.Duration `yaml:"max" validate:"gte=0"`
}

// CacheSection 是所有缓存的默认配置，Overrides 按 Descriptor 字符串覆盖部分字段。
type CacheSection struct {
	BackOffDelay                   BackoffSection           `yaml:"backOffDelay"`
	WatchDurationSeconds           int                      `yaml:"watchDurationSeconds" validate:"gte=0,lte=600"`
	MinimumDurationBetweenRequests time.Duration            `yaml:"minimumDurationBetweenRequests" validate:"gte=0"`
	ErrorLogLevel                  string                   `yaml:"errorLogLevel" validate:"omitempty,loglevel"`
	Overrides                      map[string]CacheOverride `yaml:"overrides" validate:"dive"`
}

// CacheOverride 中为 nil 的字段沿用默认值。
type CacheOverride struct {
	BackOffDelay                   *BackoffSection `yaml:"backOffDelay"`
	WatchDurationSeconds           *int            `yaml:"watchDurationSeconds" validate:"omitempty,gte=0,lte=600"`
	MinimumDurationBetweenRequests *time.Duration  `yaml:"minimumDurationBetweenRequests" validate:"omitempty,gte=0"`
	ErrorLogLevel                  *string         `yaml:"errorLogLevel" validate:"omitempty,loglevel"`
}

// Error 表示配置无法读取、解析或未通过校验。
type Error struct {
	Source string
	Err    error
}

func (e *Error) Error() string {
	return fmt.Sprintf("config %s: %v", e.Source, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	_ = v.RegisterValidation("loglevel", func(fl validator.FieldLevel) bool {
		return hclog.LevelFromString(fl.Field().String()) != hclog.NoLevel
	})
	return v
}

// Load 读取并解析 path 处的配置文件。
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &Error{Source: path, Err: err}
	}
	cfg, err := parse(data)
	if err != nil {
		return nil, &Error{Source: path, Err: err}
	}
	return cfg, nil
}

// Parse 解析内存中的 YAML（JSON 亦可）。
func Parse(data []byte) (*Config, error) {
	cfg, err := parse(data)
	if err != nil {
		return nil, &Error{Source: "<inline>", Err: err}
	}
	return cfg, nil
}

func parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, errors.Wrap(err, "decode")
	}
	if err := validate.Struct(&cfg); err != nil {
		return nil, errors.Wrap(err, "validate")
	}
	return &cfg, nil
}

// ClientConfig 转换为 client.Config；日志与时钟由调用方补充。
func (c *Config) ClientConfig() client.Config {
	return client.Config{
		Hosts:                 append([]string(nil), c.Client.Hosts...),
		Scheme:                c.Client.Scheme,
		Timeout:               c.Client.Timeout,
		TimeoutAutoAdjustment: c.Client.TimeoutAutoAdjustment.config(),
		BanDuration:           c.Client.Failover.BanDuration,
	}
}

func (t TimeoutSection) config() *timeout.Config {
	out := timeout.DefaultConfig()
	if t.Enabled != nil {
		out.Enabled = *t.Enabled
	}
	if t.Margin != nil {
		out.Margin = *t.Margin
	}
	return &out
}

// CacheConfig 返回 d 对应的缓存配置：默认值叠加同名覆盖项。
func (c *Config) CacheConfig(d cache.Descriptor) cache.Config {
	sec := c.Cache
	out := cache.Config{
		Descriptor:             d,
		BackoffMin:             sec.BackOffDelay.Min,
		BackoffMax:             sec.BackOffDelay.Max,
		WatchDuration:          time.Duration(sec.WatchDurationSeconds) * time.Second,
		MinTimeBetweenRequests: sec.MinimumDurationBetweenRequests,
		ErrorLogLevel:          levelOf(sec.ErrorLogLevel),
	}
	o, ok := sec.Overrides[d.String()]
	if !ok {
		return out
	}
	if o.BackOffDelay != nil {
		out.BackoffMin, out.BackoffMax = o.BackOffDelay.Min, o.BackOffDelay.Max
	}
	if o.WatchDurationSeconds != nil {
		out.WatchDuration = time.Duration(*o.WatchDurationSeconds) * time.Second
	}
	if o.MinimumDurationBetweenRequests != nil {
		out.MinTimeBetweenRequests = *o.MinimumDurationBetweenRequests
	}
	if o.ErrorLogLevel != nil {
		out.ErrorLogLevel = levelOf(*o.ErrorLogLevel)
	}
	return out
}

func levelOf(s string) hclog.Level {
	if s == "" {
		return hclog.NoLevel
	}
	return hclog.LevelFromString(strings.ToLower(s))
}
