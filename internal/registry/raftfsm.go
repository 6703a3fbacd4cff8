package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"io"

	hraft "github.com/hashicorp/raft"
	"github.com/pkg/errors"
)

// raftfsm.go - Raft FSM 实现
// 实现 hashicorp/raft 的 FSM 接口，将日志命令映射到 MemoryRegistry。
// 快照为全量 JSON dump，与 GET /v1/snapshot 的输出一致。

// ============================================================================
// FSM 定义
// ============================================================================

// FSM 实现 hraft.FSM。
type FSM struct {
	mem *MemoryRegistry
}

// NewFSM 创建作用于 mem 的状态机。
func NewFSM(mem *MemoryRegistry) *FSM {
	return &FSM{mem: mem}
}

var _ hraft.FSM = (*FSM)(nil)

// Apply 应用日志命令到状态机
func (f *FSM) Apply(l *hraft.Log) interface{} {
	var env commandEnvelope
	if err := json.Unmarshal(l.Data, &env); err != nil {
		return encodeResponse(responseFor(0, nil, errors.Wrap(err, "decode command")))
	}

	ctx := context.Background()
	switch env.Op {
	case opRegister:
		var cmd registerCommand
		if err := json.Unmarshal(env.Data, &cmd); err != nil {
			return encodeResponse(responseFor(0, nil, err))
		}
		return encodeResponse(responseFor(f.mem.RegisterInstance(ctx, cmd.Inst, cmd.Specs)))
	case opDeregister:
		var cmd deregisterCommand
		if err := json.Unmarshal(env.Data, &cmd); err != nil {
			return encodeResponse(responseFor(0, nil, err))
		}
		idx, err := f.mem.DeregisterInstance(ctx, cmd.Namespace, cmd.Service, cmd.ID)
		return encodeResponse(responseFor(idx, nil, err))
	case opRenewTTL:
		var cmd checkCommand
		if err := json.Unmarshal(env.Data, &cmd); err != nil {
			return encodeResponse(responseFor(0, nil, err))
		}
		idx, err := f.mem.RenewTTL(ctx, cmd.ID)
		return encodeResponse(responseFor(idx, nil, err))
	case opReportCheck:
		var cmd checkCommand
		if err := json.Unmarshal(env.Data, &cmd); err != nil {
			return encodeResponse(responseFor(0, nil, err))
		}
		status, _ := ParseStatus(cmd.Status)
		idx, err := f.mem.ReportCheck(ctx, cmd.ID, status, cmd.Output)
		return encodeResponse(responseFor(idx, nil, err))
	case opKVPut:
		var cmd kvCommand
		if err := json.Unmarshal(env.Data, &cmd); err != nil {
			return encodeResponse(responseFor(0, nil, err))
		}
		idx, err := f.mem.KVPut(ctx, cmd.Key, cmd.Value, cmd.Flags)
		return encodeResponse(responseFor(idx, nil, err))
	case opKVDelete:
		var cmd kvCommand
		if err := json.Unmarshal(env.Data, &cmd); err != nil {
			return encodeResponse(responseFor(0, nil, err))
		}
		idx, err := f.mem.KVDelete(ctx, cmd.Key, cmd.Recurse)
		return encodeResponse(responseFor(idx, nil, err))
	default:
		return encodeResponse(responseFor(0, nil, errors.Errorf("unknown op: %s", env.Op)))
	}
}

// Snapshot 将内存状态全量序列化
func (f *FSM) Snapshot() (hraft.FSMSnapshot, error) {
	data, _, err := f.mem.Dump(context.Background())
	if err != nil {
		return nil, err
	}
	return &memSnapshot{data: data}, nil
}

// Restore 从快照恢复内存状态；Watchers 全部唤醒后清空。
func (f *FSM) Restore(rc io.ReadCloser) error {
	defer rc.Close()

	var snap snapshotData
	if err := json.NewDecoder(rc).Decode(&snap); err != nil {
		return errors.Wrap(err, "decode snapshot")
	}

	m := f.mem
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, lst := range m.watchers {
		for _, ch := range lst {
			close(ch)
		}
	}
	m.resetLocked()
	for k, inst := range snap.Instances {
		m.instances[k] = &instanceRecord{inst: inst, checks: append([]string(nil), snap.InstanceChecks[k]...)}
		m.idToKeys[inst.ID] = append(m.idToKeys[inst.ID], k)
	}
	for k, c := range snap.Checks {
		chk := c
		m.checks[k] = &chk
	}
	for k, e := range snap.KV {
		entry := e
		m.kv[k] = &entry
	}
	for k, v := range snap.TopicIndex {
		m.topicIndex[k] = v
	}
	m.index = snap.Index
	return nil
}

// ============================================================================
// 快照相关类型
// ============================================================================

type snapshotData struct {
	Instances      map[string]ServiceInstance `json:"instances"`
	InstanceChecks map[string][]string        `json:"instance_checks"`
	Checks         map[string]Check           `json:"checks"`
	KV             map[string]KVEntry         `json:"kv"`
	TopicIndex     map[string]uint64          `json:"topic_index"`
	Index          uint64                     `json:"index"`
}

// snapshotLocked 复制当前状态（watchers 不入快照）。
func (m *MemoryRegistry) snapshotLocked() snapshotData {
	snap := snapshotData{
		Instances:      make(map[string]ServiceInstance, len(m.instances)),
		InstanceChecks: make(map[string][]string, len(m.instances)),
		Checks:         make(map[string]Check, len(m.checks)),
		KV:             make(map[string]KVEntry, len(m.kv)),
		TopicIndex:     make(map[string]uint64, len(m.topicIndex)),
		Index:          m.index,
	}
	for k, rec := range m.instances {
		snap.Instances[k] = rec.inst
		snap.InstanceChecks[k] = append([]string(nil), rec.checks...)
	}
	for k, c := range m.checks {
		snap.Checks[k] = *c
	}
	for k, e := range m.kv {
		snap.KV[k] = *e
	}
	for k, v := range m.topicIndex {
		snap.TopicIndex[k] = v
	}
	return snap
}

// memSnapshot 实现 hraft.FSMSnapshot 接口
type memSnapshot struct {
	data []byte
}

func (m *memSnapshot) Persist(sink hraft.SnapshotSink) error {
	if _, err := io.Copy(sink, bytes.NewReader(m.data)); err != nil {
		sink.Cancel()
		return err
	}
	return sink.Close()
}

func (m *memSnapshot) Release() {}
