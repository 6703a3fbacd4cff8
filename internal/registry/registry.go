package registry

import (
	"context"

	"github.com/pkg/errors"
)

// ErrNotFound 表示实例或检查不存在；api 层映射为 404。
var ErrNotFound = errors.New("not found")

// StateAny 用于 ChecksInState，匹配任意状态。
const StateAny CheckStatus = -1

// 主题：阻塞查询按主题等待变更，每个主题有自己的最新索引。
const (
	TopicChecks = "checks"
	TopicKV     = "kv"
)

// ServiceTopic 返回某服务实例集合的主题。
func ServiceTopic(namespace, service string) string {
	return "service:" + namespace + "/" + service
}

// CatalogTopic 返回某命名空间服务名列表的主题。
func CatalogTopic(namespace string) string {
	return "catalog:" + namespace
}

// Registry 抽象了服务/健康状态/键值存储。
// 内存实现直接读写；Raft 实现的写操作经日志复制后再落到内存实现。
type Registry interface {
	RegisterInstance(ctx context.Context, inst ServiceInstance, specs []CheckSpec) (idx uint64, checkIDs []string, err error)
	DeregisterInstance(ctx context.Context, namespace, service, id string) (idx uint64, err error)

	// TTL 与外部检查
	RenewTTL(ctx context.Context, checkID string) (idx uint64, err error)
	ReportCheck(ctx context.Context, checkID string, status CheckStatus, output string) (idx uint64, err error)

	// 键值
	KVPut(ctx context.Context, key string, value []byte, flags uint64) (idx uint64, err error)
	KVDelete(ctx context.Context, key string, recurse bool) (idx uint64, err error)

	// 读接口：返回结果及对应主题的索引
	HealthService(ctx context.Context, namespace, service string, opts ListOptions) (entries []HealthEntry, idx uint64, err error)
	ListServices(ctx context.Context, namespace string) (names []string, idx uint64, err error)
	ChecksInState(ctx context.Context, state CheckStatus) (checks []CheckView, idx uint64, err error)
	KVList(ctx context.Context, prefix string, recurse bool) (entries []KVEntry, idx uint64, err error)

	// Watch 监听主题变更；若 lastIndex 已落后，返回的通道立即可读。
	Watch(ctx context.Context, topic string, lastIndex uint64) (idx uint64, notify <-chan struct{})

	// Dump 返回全量状态的 JSON 及当前全局索引。
	Dump(ctx context.Context) (data []byte, idx uint64, err error)
}
