package registry

import (
	"context"

	"siderwatch/internal/raft"
)

// raftreg.go - 复制注册表
// 写操作编码为命令经 raft.Node 提交；读直接访问本地内存。

// RaftRegistry 使用 Raft 实现的注册表：写操作通过日志复制，读操作直接访问内存。
type RaftRegistry struct {
	node raft.Node
	mem  *MemoryRegistry
}

var _ Registry = (*RaftRegistry)(nil)

// NewRaftRegistry 创建复制注册表；mem 必须是 node 所驱动 FSM 的同一个实例。
func NewRaftRegistry(node raft.Node, mem *MemoryRegistry) *RaftRegistry {
	return &RaftRegistry{node: node, mem: mem}
}

// Memory 返回底层内存注册表。
func (r *RaftRegistry) Memory() *MemoryRegistry {
	return r.mem
}

// ============================================================================
// 写操作 - 通过 Raft 提交
// ============================================================================

func (r *RaftRegistry) RegisterInstance(ctx context.Context, inst ServiceInstance, specs []CheckSpec) (uint64, []string, error) {
	cmd, err := BuildRegisterCommand(inst, specs)
	if err != nil {
		return 0, nil, err
	}
	return r.apply(ctx, cmd)
}

func (r *RaftRegistry) DeregisterInstance(ctx context.Context, namespace, service, id string) (uint64, error) {
	cmd, err := BuildDeregisterCommand(namespace, service, id)
	if err != nil {
		return 0, err
	}
	return r.applyIndex(ctx, cmd)
}

func (r *RaftRegistry) RenewTTL(ctx context.Context, checkID string) (uint64, error) {
	cmd, err := BuildRenewTTLCommand(checkID)
	if err != nil {
		return 0, err
	}
	return r.applyIndex(ctx, cmd)
}

func (r *RaftRegistry) ReportCheck(ctx context.Context, checkID string, status CheckStatus, output string) (uint64, error) {
	cmd, err := BuildReportCheckCommand(checkID, status, output)
	if err != nil {
		return 0, err
	}
	return r.applyIndex(ctx, cmd)
}

func (r *RaftRegistry) KVPut(ctx context.Context, key string, value []byte, flags uint64) (uint64, error) {
	cmd, err := BuildKVPutCommand(key, value, flags)
	if err != nil {
		return 0, err
	}
	return r.applyIndex(ctx, cmd)
}

func (r *RaftRegistry) KVDelete(ctx context.Context, key string, recurse bool) (uint64, error) {
	cmd, err := BuildKVDeleteCommand(key, recurse)
	if err != nil {
		return 0, err
	}
	return r.applyIndex(ctx, cmd)
}

// ============================================================================
// 读操作 - 直接从内存读取
// ============================================================================

func (r *RaftRegistry) HealthService(ctx context.Context, namespace, service string, opts ListOptions) ([]HealthEntry, uint64, error) {
	return r.mem.HealthService(ctx, namespace, service, opts)
}

func (r *RaftRegistry) ListServices(ctx context.Context, namespace string) ([]string, uint64, error) {
	return r.mem.ListServices(ctx, namespace)
}

func (r *RaftRegistry) ChecksInState(ctx context.Context, state CheckStatus) ([]CheckView, uint64, error) {
	return r.mem.ChecksInState(ctx, state)
}

func (r *RaftRegistry) KVList(ctx context.Context, prefix string, recurse bool) ([]KVEntry, uint64, error) {
	return r.mem.KVList(ctx, prefix, recurse)
}

func (r *RaftRegistry) Watch(ctx context.Context, topic string, lastIndex uint64) (uint64, <-chan struct{}) {
	return r.mem.Watch(ctx, topic, lastIndex)
}

func (r *RaftRegistry) Dump(ctx context.Context) ([]byte, uint64, error) {
	return r.mem.Dump(ctx)
}

// ============================================================================
// 内部辅助方法
// ============================================================================

func (r *RaftRegistry) apply(ctx context.Context, cmd []byte) (uint64, []string, error) {
	resp, err := r.node.Apply(ctx, cmd)
	if err != nil {
		return 0, nil, err
	}
	return ParseResponse(resp)
}

func (r *RaftRegistry) applyIndex(ctx context.Context, cmd []byte) (uint64, error) {
	idx, _, err := r.apply(ctx, cmd)
	return idx, err
}
