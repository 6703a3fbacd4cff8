// Package timeout 根据即将发出的请求计算客户端读超时。
//
// 阻塞查询（带 wait 参数）会在服务端挂起最多 wait 时长，
// 若客户端读超时小于该值，长轮询将被客户端自己打断。
package timeout

import (
	"net/url"
	"strconv"
	"strings"
	"time"
)

// LargePayloadTimeout 用于大载荷端点（如快照传输），优先级最高。
const LargePayloadTimeout = time.Hour

// 大载荷端点前缀。
var largePayloadPrefixes = []string{"/v1/snapshot"}

// DefaultMargin 为默认安全余量。
const DefaultMargin = 2 * time.Second

// Config 控制超时自动调整。
type Config struct {
	Enabled bool          // 是否根据 wait 参数自动放大超时
	Margin  time.Duration // 额外安全余量
}

// DefaultConfig 返回默认配置：开启自动调整，余量 2s。
func DefaultConfig() Config {
	return Config{Enabled: true, Margin: DefaultMargin}
}

// Compute 返回本次请求应使用的读超时。
//
// 优先级：大载荷端点 > 关闭自动调整 > 非阻塞请求 > wait + ceil(wait/16) + margin。
// wait/16 对应服务端为避免惊群在阻塞查询上附加的随机抖动上限。
func Compute(path string, query url.Values, def time.Duration, cfg Config) time.Duration {
	if isLargePayload(path) {
		return LargePayloadTimeout
	}
	if !cfg.Enabled {
		return def
	}
	wait, ok := ParseWait(query.Get("wait"))
	if !ok {
		return def
	}
	waitMs := wait.Milliseconds()
	jitterMs := (waitMs + 15) / 16 // 向上取整
	return time.Duration(waitMs+jitterMs)*time.Millisecond + ceilMillis(cfg.Margin)
}

// ParseWait 解析 "10s" / "5m" 形式的 wait 值；其他形式视为非阻塞请求。
func ParseWait(s string) (time.Duration, bool) {
	s = strings.TrimSpace(s)
	if len(s) < 2 {
		return 0, false
	}
	var unit time.Duration
	switch s[len(s)-1] {
	case 's':
		unit = time.Second
	case 'm':
		unit = time.Minute
	default:
		return 0, false
	}
	n, err := strconv.ParseUint(s[:len(s)-1], 10, 32)
	if err != nil {
		return 0, false
	}
	return time.Duration(n) * unit, true
}

// FormatWait 生成服务端可识别的 wait 字符串（整分钟用 m，否则向上取整到秒）。
func FormatWait(d time.Duration) string {
	if d <= 0 {
		return ""
	}
	if d%time.Minute == 0 {
		return strconv.FormatInt(int64(d/time.Minute), 10) + "m"
	}
	secs := (d + time.Second - 1) / time.Second
	return strconv.FormatInt(int64(secs), 10) + "s"
}

func isLargePayload(path string) bool {
	for _, p := range largePayloadPrefixes {
		if strings.HasPrefix(path, p) {
			return true
		}
	}
	return false
}

func ceilMillis(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	return ((d + time.Millisecond - 1) / time.Millisecond) * time.Millisecond
}
