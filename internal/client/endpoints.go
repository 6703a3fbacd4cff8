package client

import (
	"context"
	"net/http"
	"net/url"
	"strings"

	"github.com/pkg/errors"
)

// ============================================================================
// 读接口（可阻塞）
// ============================================================================

// HealthService 查询某服务的实例及其检查状态。
func (c *Client) HealthService(ctx context.Context, service string, opts *QueryOptions) ([]ServiceEntry, *QueryMeta, error) {
	if service == "" {
		return nil, nil, errors.New("missing service name")
	}
	var out []ServiceEntry
	meta, err := c.Query(ctx, "/v1/health/service/"+url.PathEscape(service), opts, &out)
	if err != nil {
		return nil, meta, err
	}
	return out, meta, nil
}

// HealthState 按状态（any/passing/warning/critical）列出所有检查。
func (c *Client) HealthState(ctx context.Context, state string, opts *QueryOptions) ([]HealthCheck, *QueryMeta, error) {
	switch state {
	case HealthAny, HealthPassing, HealthWarning, HealthCritical, HealthUnknown:
	default:
		return nil, nil, errors.Errorf("unsupported health state %q", state)
	}
	var out []HealthCheck
	meta, err := c.Query(ctx, "/v1/health/state/"+state, opts, &out)
	if err != nil {
		return nil, meta, err
	}
	return out, meta, nil
}

// CatalogServices 列出命名空间下的服务名。
func (c *Client) CatalogServices(ctx context.Context, opts *QueryOptions) ([]string, *QueryMeta, error) {
	var out []string
	meta, err := c.Query(ctx, "/v1/catalog/services", opts, &out)
	if err != nil {
		return nil, meta, err
	}
	return out, meta, nil
}

// KVList 递归列出前缀下的所有键值。前缀下没有键时返回空结果而非错误。
func (c *Client) KVList(ctx context.Context, prefix string, opts *QueryOptions) ([]KVPair, *QueryMeta, error) {
	o := opts.Clone()
	o.Recurse = true
	var out []KVPair
	meta, err := c.Query(ctx, kvPath(prefix), o, &out)
	if err != nil {
		if IsNotFound(err) {
			return nil, meta, nil
		}
		return nil, meta, err
	}
	return out, meta, nil
}

// KVGet 读取单个键；键不存在时返回 nil。
func (c *Client) KVGet(ctx context.Context, key string, opts *QueryOptions) (*KVPair, *QueryMeta, error) {
	if key == "" {
		return nil, nil, errors.New("missing key")
	}
	var out []KVPair
	meta, err := c.Query(ctx, kvPath(key), opts, &out)
	if err != nil {
		if IsNotFound(err) {
			return nil, meta, nil
		}
		return nil, meta, err
	}
	if len(out) == 0 {
		return nil, meta, nil
	}
	return &out[0], meta, nil
}

// Leader 返回当前 Leader 的地址（可能为空）。
func (c *Client) Leader(ctx context.Context) (string, error) {
	var out string
	if _, err := c.Query(ctx, "/v1/status/leader", nil, &out); err != nil {
		return "", err
	}
	return out, nil
}

// Snapshot 下载服务端状态快照（原始字节）。
func (c *Client) Snapshot(ctx context.Context) ([]byte, *QueryMeta, error) {
	var out []byte
	meta, err := c.Query(ctx, "/v1/snapshot", nil, &out)
	if err != nil {
		return nil, meta, err
	}
	return out, meta, nil
}

// ============================================================================
// 写接口（一次性调用，错误同步返回）
// ============================================================================

// KVPut 写入键值。
func (c *Client) KVPut(ctx context.Context, key string, value []byte) (*WriteMeta, error) {
	if key == "" {
		return nil, errors.New("missing key")
	}
	return c.Write(ctx, http.MethodPut, kvPath(key), nil, value, nil)
}

// KVDelete 删除键；recurse 为 true 时删除整个前缀。
func (c *Client) KVDelete(ctx context.Context, key string, recurse bool) (*WriteMeta, error) {
	params := url.Values{}
	if recurse {
		params.Set("recurse", "")
	}
	return c.Write(ctx, http.MethodDelete, kvPath(key), params, nil, nil)
}

// Register 注册实例及其检查。
func (c *Client) Register(ctx context.Context, reg *Registration) (*RegisterResult, error) {
	if reg == nil || reg.Name == "" || reg.Namespace == "" || reg.ID == "" {
		return nil, errors.New("missing Namespace/Name/ID")
	}
	var out RegisterResult
	if _, err := c.Write(ctx, http.MethodPut, "/v1/agent/service/register", nil, reg, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Deregister 注销实例。
func (c *Client) Deregister(ctx context.Context, namespace, service, id string) (*WriteMeta, error) {
	if id == "" {
		return nil, errors.New("missing id")
	}
	params := url.Values{}
	params.Set("ns", namespace)
	params.Set("service", service)
	return c.Write(ctx, http.MethodPut, "/v1/agent/service/deregister/"+url.PathEscape(id), params, nil, nil)
}

// CheckAction 是检查上报动作。
type CheckAction string

const (
	CheckPass CheckAction = "pass"
	CheckWarn CheckAction = "warn"
	CheckFail CheckAction = "fail"
)

// UpdateCheck 上报检查结果；对 TTL 检查而言 pass 即续约。
func (c *Client) UpdateCheck(ctx context.Context, checkID string, action CheckAction, output string) (*WriteMeta, error) {
	switch action {
	case CheckPass, CheckWarn, CheckFail:
	default:
		return nil, errors.Errorf("unsupported check action %q", action)
	}
	params := url.Values{}
	if output != "" {
		params.Set("note", output)
	}
	return c.Write(ctx, http.MethodPut, "/v1/agent/check/"+string(action)+"/"+url.PathEscape(checkID), params, nil, nil)
}

func kvPath(key string) string {
	return "/v1/kv/" + strings.TrimLeft(key, "/")
}
