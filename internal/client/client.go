// Package client 是访问 sider 服务端 HTTP API 的门面：一次调用对应一次同步 HTTP 请求，
// 返回解码后的响应体与元数据，或分类后的错误。
//
// 每个请求在发出前都会经过自适应超时策略（internal/timeout）；
// 配置了多个地址时还会经过故障转移策略（internal/failover）。
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/hashicorp/go-hclog"
	"github.com/jonboulle/clockwork"
	"github.com/pkg/errors"
	"go.uber.org/atomic"

	"siderwatch/internal/failover"
	"siderwatch/internal/timeout"
)

// 默认值。
const (
	DefaultTimeout     = 10 * time.Second
	DefaultBanDuration = 30 * time.Second
	DefaultScheme      = "http"
)

// Config 为客户端配置。
type Config struct {
	Hosts                 []string        // host:port，可带 scheme 前缀
	Scheme                string          // 默认 http
	Timeout               time.Duration   // 默认读超时
	TimeoutAutoAdjustment *timeout.Config // 阻塞查询的超时自动调整，nil 时为 timeout.DefaultConfig()
	BanDuration           time.Duration   // 多地址时单个地址的屏蔽时长
	Transport             http.RoundTripper
	Logger                hclog.Logger
	Clock                 clockwork.Clock
}

// Client 可并发使用。
type Client struct {
	cfg      Config
	adjust   timeout.Config
	http     *resty.Client
	logger   hclog.Logger
	failover *failover.Strategy // 单地址时为 nil
	current  *atomic.String     // 最近一次成功的地址
}

// New 校验配置并创建客户端。
func New(cfg Config) (*Client, error) {
	if len(cfg.Hosts) == 0 {
		return nil, errors.New("client: at least one host is required")
	}
	if cfg.Scheme == "" {
		cfg.Scheme = DefaultScheme
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	adjust := timeout.DefaultConfig()
	if cfg.TimeoutAutoAdjustment != nil {
		adjust = *cfg.TimeoutAutoAdjustment
	}
	if adjust.Margin < 0 {
		return nil, errors.New("client: timeout margin must not be negative")
	}
	if cfg.BanDuration <= 0 {
		cfg.BanDuration = DefaultBanDuration
	}
	if cfg.Logger == nil {
		cfg.Logger = hclog.NewNullLogger()
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}

	c := &Client{
		cfg:     cfg,
		adjust:  adjust,
		logger:  cfg.Logger,
		current: atomic.NewString(cfg.Hosts[0]),
	}
	if len(cfg.Hosts) > 1 {
		s, err := failover.New(
			failover.Config{Hosts: cfg.Hosts, BanDuration: cfg.BanDuration},
			failover.WithClock(cfg.Clock),
			failover.WithLogger(cfg.Logger.Named("failover")),
		)
		if err != nil {
			return nil, err
		}
		c.failover = s
	}

	// 超时由每个请求的 context 控制，客户端级别不设超时。
	c.http = resty.New().
		SetLogger(restyLogger{cfg.Logger}).
		SetHeader("User-Agent", "siderwatch")
	if cfg.Transport != nil {
		c.http.SetTransport(cfg.Transport)
	}
	return c, nil
}

// Hosts 返回配置的地址列表。
func (c *Client) Hosts() []string {
	return append([]string(nil), c.cfg.Hosts...)
}

// CurrentHost 返回最近一次成功请求的地址。
func (c *Client) CurrentHost() string {
	return c.current.Load()
}

// Query 发起一次 GET 读请求，把 JSON 响应体解码到 out（out 为 *[]byte 时保留原始字节）。
func (c *Client) Query(ctx context.Context, path string, opts *QueryOptions, out any) (*QueryMeta, error) {
	resp, host, err := c.do(ctx, http.MethodGet, path, opts.Encode(), nil)
	if err != nil {
		return nil, err
	}
	meta, err := parseQueryMeta(resp.Header(), host, resp.Time())
	if err != nil {
		return nil, &ProtocolError{Host: host, StatusCode: resp.StatusCode(), Body: err.Error()}
	}
	if !resp.IsSuccess() {
		return meta, newProtocolError(host, resp)
	}
	if err := decodeBody(resp.Body(), out); err != nil {
		return meta, errors.Wrapf(err, "decode response of %s", path)
	}
	return meta, nil
}

// Write 发起一次写请求（PUT/DELETE），in 为请求体（可为 nil）。
func (c *Client) Write(ctx context.Context, method, path string, params url.Values, in, out any) (*WriteMeta, error) {
	resp, host, err := c.do(ctx, method, path, params, in)
	if err != nil {
		return nil, err
	}
	meta := &WriteMeta{Host: host, RequestTime: resp.Time()}
	if idx, err := ParseIndex(resp.Header().Get(HeaderIndex)); err == nil {
		meta.Index = idx
	}
	if !resp.IsSuccess() {
		return meta, newProtocolError(host, resp)
	}
	if err := decodeBody(resp.Body(), out); err != nil {
		return meta, errors.Wrapf(err, "decode response of %s", path)
	}
	return meta, nil
}

// do 选择目标地址并发送请求。返回的响应可能是非 2xx；错误总是 *TransportError。
func (c *Client) do(ctx context.Context, method, path string, params url.Values, body any) (*resty.Response, string, error) {
	host := c.current.Load()
	if c.failover == nil {
		resp, err := c.send(ctx, method, host, path, params, body)
		if err != nil {
			return nil, host, &TransportError{Host: host, Err: err}
		}
		return resp, host, nil
	}

	if !c.failover.IsRequestViable(host) {
		return nil, host, &TransportError{Host: host, Err: failover.ErrNoViableHost}
	}
	target, err := c.failover.ComputeNextTarget(host, nil)
	if err != nil {
		return nil, host, &TransportError{Host: host, Err: err}
	}

	var lastResp *resty.Response
	var lastErr error
	for attempt := 0; attempt < len(c.cfg.Hosts); attempt++ {
		resp, err := c.send(ctx, method, target, path, params, body)
		var outcome *failover.Outcome
		switch {
		case err != nil && ctx.Err() != nil:
			// 调用方取消，不归咎于地址
			return nil, target, &TransportError{Host: target, Err: err}
		case err != nil:
			c.failover.MarkRequestFailed(target)
			lastResp, lastErr = nil, &TransportError{Host: target, Err: err}
		default:
			outcome = &failover.Outcome{StatusCode: resp.StatusCode()}
			if !outcome.Failed() {
				if target != host {
					c.logger.Info("切换到新地址", "from", host, "to", target)
				}
				c.current.Store(target)
				return resp, target, nil
			}
			lastResp, lastErr = resp, nil
		}

		c.logger.Debug("请求失败，尝试下一个地址", "host", target, "path", path, "attempt", attempt+1)
		next, err := c.failover.ComputeNextTarget(target, outcome)
		if err != nil {
			break
		}
		target = next
	}
	if lastResp != nil {
		return lastResp, target, nil
	}
	if lastErr == nil {
		lastErr = &TransportError{Host: target, Err: failover.ErrNoViableHost}
	}
	return nil, target, lastErr
}

func (c *Client) send(ctx context.Context, method, host, path string, params url.Values, body any) (*resty.Response, error) {
	d := timeout.Compute(path, params, c.cfg.Timeout, c.adjust)
	reqCtx, cancel := context.WithTimeout(ctx, d)
	defer cancel()

	req := c.http.R().SetContext(reqCtx).SetQueryParamsFromValues(params)
	if body != nil {
		req.SetBody(body)
	}
	return req.Execute(method, c.baseURL(host)+path)
}

func (c *Client) baseURL(host string) string {
	if strings.Contains(host, "://") {
		return strings.TrimRight(host, "/")
	}
	return c.cfg.Scheme + "://" + host
}

func newProtocolError(host string, resp *resty.Response) *ProtocolError {
	return &ProtocolError{
		Host:       host,
		StatusCode: resp.StatusCode(),
		Body:       strings.TrimSpace(string(resp.Body())),
	}
}

func decodeBody(body []byte, out any) error {
	if out == nil {
		return nil
	}
	if raw, ok := out.(*[]byte); ok {
		*raw = append((*raw)[:0], body...)
		return nil
	}
	if len(body) == 0 {
		return nil
	}
	return json.Unmarshal(body, out)
}

// restyLogger 把 resty 的日志接到 hclog。
type restyLogger struct {
	l hclog.Logger
}

func (r restyLogger) Errorf(format string, v ...interface{}) {
	r.l.Error(fmt.Sprintf(format, v...))
}

func (r restyLogger) Warnf(format string, v ...interface{}) {
	r.l.Warn(fmt.Sprintf(format, v...))
}

func (r restyLogger) Debugf(format string, v ...interface{}) {
	r.l.Debug(fmt.Sprintf(format, v...))
}
