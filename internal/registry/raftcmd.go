package registry

import (
	"encoding/json"

	"github.com/pkg/errors"
)

// raftcmd.go - Raft 命令和响应类型定义
// 所有写操作都编码为命令封装，经日志复制后由 FSM 应用到内存注册表。

// ============================================================================
// 命令操作类型
// ============================================================================

const (
	opRegister    = "register"
	opDeregister  = "deregister"
	opRenewTTL    = "renew_ttl"
	opReportCheck = "report_check"
	opKVPut       = "kv_put"
	opKVDelete    = "kv_delete"
)

// ============================================================================
// 命令封装（Envelope）
// ============================================================================

// commandEnvelope 是所有 Raft 命令的外层包装，包含操作类型和数据负载。
type commandEnvelope struct {
	Op   string          `json:"op"`
	Data json.RawMessage `json:"data"`
}

// ============================================================================
// 命令负载类型（Command Payloads）
// ============================================================================

type registerCommand struct {
	Inst  ServiceInstance `json:"inst"`
	Specs []CheckSpec     `json:"specs"`
}

type deregisterCommand struct {
	Namespace string `json:"ns"`
	Service   string `json:"svc"`
	ID        string `json:"id"`
}

// checkCommand TTL 续约和健康检查报告命令
type checkCommand struct {
	ID     string `json:"id"`
	Status string `json:"status,omitempty"` // 仅用于 report_check
	Output string `json:"output,omitempty"` // 仅用于 report_check
}

type kvCommand struct {
	Key     string `json:"key"`
	Value   []byte `json:"value,omitempty"`
	Flags   uint64 `json:"flags,omitempty"`
	Recurse bool   `json:"recurse,omitempty"`
}

// ============================================================================
// 响应类型（Response Types）
// ============================================================================

// commandResponse 是 FSM 对所有命令的统一响应。
type commandResponse struct {
	Index    uint64   `json:"index"`
	CheckIDs []string `json:"check_ids,omitempty"`
	Err      string   `json:"err,omitempty"`
	NotFound bool     `json:"not_found,omitempty"`
	NotTTL   bool     `json:"not_ttl,omitempty"`
}

func responseFor(idx uint64, checkIDs []string, err error) commandResponse {
	resp := commandResponse{Index: idx, CheckIDs: checkIDs}
	if err != nil {
		resp.Err = err.Error()
		resp.NotFound = errors.Is(err, ErrNotFound)
		resp.NotTTL = errors.Is(err, errNotTTL)
	}
	return resp
}

// ============================================================================
// 命令构建
// ============================================================================

func buildCommand(op string, data interface{}) ([]byte, error) {
	payload, err := json.Marshal(data)
	if err != nil {
		return nil, errors.Wrapf(err, "encode %s command", op)
	}
	return json.Marshal(commandEnvelope{Op: op, Data: payload})
}

// BuildRegisterCommand 构建注册命令
func BuildRegisterCommand(inst ServiceInstance, specs []CheckSpec) ([]byte, error) {
	return buildCommand(opRegister, registerCommand{Inst: inst, Specs: specs})
}

// BuildDeregisterCommand 构建注销命令
func BuildDeregisterCommand(namespace, service, id string) ([]byte, error) {
	return buildCommand(opDeregister, deregisterCommand{Namespace: namespace, Service: service, ID: id})
}

// BuildRenewTTLCommand 构建 TTL 续约命令
func BuildRenewTTLCommand(checkID string) ([]byte, error) {
	return buildCommand(opRenewTTL, checkCommand{ID: checkID})
}

// BuildReportCheckCommand 构建健康检查报告命令
func BuildReportCheckCommand(checkID string, status CheckStatus, output string) ([]byte, error) {
	return buildCommand(opReportCheck, checkCommand{ID: checkID, Status: status.String(), Output: output})
}

// BuildKVPutCommand 构建键值写入命令
func BuildKVPutCommand(key string, value []byte, flags uint64) ([]byte, error) {
	return buildCommand(opKVPut, kvCommand{Key: key, Value: value, Flags: flags})
}

// BuildKVDeleteCommand 构建键值删除命令
func BuildKVDeleteCommand(key string, recurse bool) ([]byte, error) {
	return buildCommand(opKVDelete, kvCommand{Key: key, Recurse: recurse})
}

// ============================================================================
// 响应解析
// ============================================================================

// ParseResponse 解析 FSM 响应，并把错误还原为可判别的类型。
func ParseResponse(data []byte) (index uint64, checkIDs []string, err error) {
	var resp commandResponse
	if e := json.Unmarshal(data, &resp); e != nil {
		return 0, nil, errors.Wrap(e, "decode fsm response")
	}
	switch {
	case resp.Err == "":
		return resp.Index, resp.CheckIDs, nil
	case resp.NotFound:
		return resp.Index, resp.CheckIDs, errors.Wrap(ErrNotFound, resp.Err)
	case resp.NotTTL:
		return resp.Index, resp.CheckIDs, errNotTTL
	default:
		return resp.Index, resp.CheckIDs, errors.New(resp.Err)
	}
}

func encodeResponse(v commandResponse) []byte {
	b, _ := json.Marshal(v)
	return b
}
