package api

import (
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"

	"siderwatch/internal/registry"
)

// 请求体与请求参数在此解析为注册表可直接使用的值。

// ServiceRegistration 是 PUT /v1/agent/service/register 的请求体。
type ServiceRegistration struct {
	Name      string            `json:"Name"`
	Namespace string            `json:"Namespace"`
	ID        string            `json:"ID"`
	Address   string            `json:"Address"`
	Port      int               `json:"Port"`
	Tags      []string          `json:"Tags"`
	Meta      map[string]string `json:"Meta"`
	Checks    []CheckDefinition `json:"Checks"`
	Weights   registry.Weights  `json:"Weights"`
}

func (s ServiceRegistration) instance() registry.ServiceInstance {
	return registry.ServiceInstance{
		Namespace: namespaceOr(s.Namespace),
		Service:   s.Name,
		ID:        s.ID,
		Address:   s.Address,
		Port:      s.Port,
		Tags:      s.Tags,
		Meta:      s.Meta,
		Weights:   s.Weights,
	}
}

func (s ServiceRegistration) checkSpecs() ([]registry.CheckSpec, error) {
	out := make([]registry.CheckSpec, 0, len(s.Checks))
	for i, d := range s.Checks {
		cs, err := d.spec()
		if err != nil {
			return nil, errors.Wrapf(err, "check %d", i)
		}
		out = append(out, cs)
	}
	return out, nil
}

// CheckDefinition 中的时长均为 Go duration 字符串。
type CheckDefinition struct {
	Type     string `json:"Type"`     // ttl/http/tcp/cmd
	TTL      string `json:"TTL"`      // 仅 ttl
	Path     string `json:"Path"`     // http URL / tcp 地址 / 命令行
	Interval string `json:"Interval"`
	Timeout  string `json:"Timeout"`
}

func (d CheckDefinition) spec() (registry.CheckSpec, error) {
	cs := registry.CheckSpec{Type: registry.CheckType(strings.ToLower(d.Type)), Target: d.Path}
	switch cs.Type {
	case registry.CheckTTL, registry.CheckHTTP, registry.CheckTCP, registry.CheckCmd:
	default:
		return cs, errors.Errorf("unknown check type %q", d.Type)
	}
	for _, f := range []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"TTL", d.TTL, &cs.TTL},
		{"Interval", d.Interval, &cs.Interval},
		{"Timeout", d.Timeout, &cs.Timeout},
	} {
		if f.raw == "" {
			continue
		}
		dur, err := time.ParseDuration(f.raw)
		if err != nil {
			return cs, errors.Wrapf(err, "bad %s", f.name)
		}
		*f.dst = dur
	}
	return cs, nil
}

// RegistrationResult 返回生成的检查 ID，agent 用它们上报状态。
type RegistrationResult struct {
	Index      uint64   `json:"Index"`
	InstanceID string   `json:"InstanceID"`
	CheckIDs   []string `json:"CheckIDs"`
}

// DeregisterRequest 是 JSON 形式的注销请求；Service 为空时按 ID 查找。
type DeregisterRequest struct {
	Namespace string `json:"Namespace"`
	Service   string `json:"Service"`
	ID        string `json:"ID"`
}

// CheckUpdate 对应 /v1/agent/check/{action}/{id}?note=。
type CheckUpdate struct {
	CheckID string
	Status  registry.CheckStatus
	Note    string
}

var errUnknownAction = errors.New("unknown check action")

func parseCheckUpdate(r *http.Request) (CheckUpdate, error) {
	u := CheckUpdate{CheckID: chi.URLParam(r, "id"), Note: r.URL.Query().Get("note")}
	switch chi.URLParam(r, "action") {
	case "pass":
		u.Status = registry.StatusPassing
	case "warn":
		u.Status = registry.StatusWarning
	case "fail":
		u.Status = registry.StatusCritical
	default:
		return u, errUnknownAction
	}
	return u, nil
}

// renews 为 true 时先尝试按 TTL 续约。
func (u CheckUpdate) renews() bool {
	return u.Status == registry.StatusPassing && u.Note == ""
}

// KVWrite 对应 PUT /v1/kv/{key}?flags=，请求体即原始值。
type KVWrite struct {
	Key   string
	Flags uint64
	Value []byte
}

func parseKVWrite(r *http.Request) (KVWrite, error) {
	kw := KVWrite{Key: chi.URLParam(r, "*")}
	if v := r.URL.Query().Get("flags"); v != "" {
		f, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return kw, errors.New("invalid flags")
		}
		kw.Flags = f
	}
	value, err := io.ReadAll(r.Body)
	if err != nil {
		return kw, errors.Wrap(err, "read body")
	}
	kw.Value = value
	return kw, nil
}

// JoinRequest 请求把节点加入 Raft 集群。
type JoinRequest struct {
	ID   string `json:"ID"`
	Addr string `json:"Addr"`
}
