package cache

import (
	"context"
	"strings"

	"siderwatch/internal/client"
)

// 常用资源的 Descriptor.Kind。
const (
	KindServiceHealth   = "health.service"
	KindHealthState     = "health.state"
	KindKV              = "kv"
	KindCatalogServices = "catalog.services"
)

// ServiceHealthKey 唯一标识一个服务实例。
type ServiceHealthKey struct {
	ID      string
	Address string
	Port    int
}

// ServiceHealthDescriptor 返回服务健康缓存的标识，命名空间为空时只用服务名。
func ServiceHealthDescriptor(namespace, service string) Descriptor {
	if namespace == "" {
		return Descriptor{Kind: KindServiceHealth, Qualifier: service}
	}
	return Descriptor{Kind: KindServiceHealth, Qualifier: namespace + "/" + service}
}

// NewServiceHealthCache 同步 /v1/health/service/{service} 的实例列表。
func NewServiceHealthCache(c *client.Client, namespace, service string, passingOnly bool, cfg Config, opts ...Option) (*Cache[ServiceHealthKey, client.ServiceEntry], error) {
	if cfg.Descriptor == (Descriptor{}) {
		cfg.Descriptor = ServiceHealthDescriptor(namespace, service)
	}
	cfg.Query.Namespace = namespace
	cfg.Query.Passing = passingOnly
	fetch := func(ctx context.Context, q *client.QueryOptions) ([]client.ServiceEntry, *client.QueryMeta, error) {
		return c.HealthService(ctx, service, q)
	}
	key := func(e client.ServiceEntry) ServiceHealthKey {
		return ServiceHealthKey{ID: e.ID, Address: e.Address, Port: e.Port}
	}
	return New[ServiceHealthKey, client.ServiceEntry](fetch, key, cfg, opts...)
}

// NewKVCache 同步 prefix 下的所有键值，键为去掉前缀后的相对路径。
func NewKVCache(c *client.Client, prefix string, cfg Config, opts ...Option) (*Cache[string, client.KVPair], error) {
	prefix = strings.TrimPrefix(prefix, "/")
	if cfg.Descriptor == (Descriptor{}) {
		cfg.Descriptor = Descriptor{Kind: KindKV, Qualifier: prefix}
	}
	fetch := func(ctx context.Context, q *client.QueryOptions) ([]client.KVPair, *client.QueryMeta, error) {
		return c.KVList(ctx, prefix, q)
	}
	key := func(p client.KVPair) string {
		return strings.TrimPrefix(p.Key, prefix)
	}
	return New[string, client.KVPair](fetch, key, cfg, opts...)
}

// NewHealthStateCache 同步处于 state 的所有检查，按检查 ID 索引。
func NewHealthStateCache(c *client.Client, state string, cfg Config, opts ...Option) (*Cache[string, client.HealthCheck], error) {
	if cfg.Descriptor == (Descriptor{}) {
		cfg.Descriptor = Descriptor{Kind: KindHealthState, Qualifier: state}
	}
	fetch := func(ctx context.Context, q *client.QueryOptions) ([]client.HealthCheck, *client.QueryMeta, error) {
		return c.HealthState(ctx, state, q)
	}
	key := func(h client.HealthCheck) string { return h.ID }
	return New[string, client.HealthCheck](fetch, key, cfg, opts...)
}

// NewCatalogServicesCache 同步命名空间内的服务名列表。
func NewCatalogServicesCache(c *client.Client, namespace string, cfg Config, opts ...Option) (*Cache[string, string], error) {
	if cfg.Descriptor == (Descriptor{}) {
		cfg.Descriptor = Descriptor{Kind: KindCatalogServices, Qualifier: namespace}
	}
	cfg.Query.Namespace = namespace
	fetch := func(ctx context.Context, q *client.QueryOptions) ([]string, *client.QueryMeta, error) {
		return c.CatalogServices(ctx, q)
	}
	return New[string, string](fetch, func(s string) string { return s }, cfg, opts...)
}
