package registry

import "time"

// 基础类型：服务/实例/健康检查/键值。

// CheckType 表示健康检查类型。
type CheckType string

const (
	CheckTTL  CheckType = "ttl"
	CheckHTTP CheckType = "http"
	CheckTCP  CheckType = "tcp"
	CheckCmd  CheckType = "cmd"
)

// CheckStatus 表示健康检查的当前状态。
type CheckStatus int

const (
	StatusUnknown CheckStatus = iota
	StatusPassing
	StatusWarning
	StatusCritical
)

// String 返回线上使用的状态名。
func (s CheckStatus) String() string {
	switch s {
	case StatusPassing:
		return "passing"
	case StatusWarning:
		return "warning"
	case StatusCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// ParseStatus 解析线上状态名；ok 为 false 表示不认识。
func ParseStatus(s string) (CheckStatus, bool) {
	switch s {
	case "passing":
		return StatusPassing, true
	case "warning":
		return StatusWarning, true
	case "critical":
		return StatusCritical, true
	case "unknown":
		return StatusUnknown, true
	default:
		return StatusUnknown, false
	}
}

// Weights 定义负载均衡时的权重（通过或警告状态）。
type Weights struct {
	Passing int `json:"Passing"`
	Warning int `json:"Warning"`
}

// CheckSpec 定义一个健康检查的配置。时长字段由 api 层解析。
type CheckSpec struct {
	Type     CheckType     `json:"Type"`
	TTL      time.Duration `json:"TTL"`
	Target   string        `json:"Target"` // http URL / tcp 地址 / 命令行
	Interval time.Duration `json:"Interval"`
	Timeout  time.Duration `json:"Timeout"`
}

// Check 保存某个健康检查的运行时状态。
type Check struct {
	ID          string
	Namespace   string
	ServiceName string
	ServiceID   string
	Spec        CheckSpec
	Status      CheckStatus
	Output      string
	LastUpdate  time.Time
	LastPass    time.Time
}

// ServiceInstance 描述某个服务的一个实例。
type ServiceInstance struct {
	Namespace string            `json:"Namespace"`
	Service   string            `json:"Name"`
	ID        string            `json:"ID"`
	Address   string            `json:"Address"`
	Port      int               `json:"Port"`
	Tags      []string          `json:"Tags"`
	Meta      map[string]string `json:"Meta"`
	Weights   Weights           `json:"Weights"`

	CreateIndex uint64 `json:"CreateIndex"`
	ModifyIndex uint64 `json:"ModifyIndex"`
}

// ListOptions 控制查询实例时的过滤条件。
type ListOptions struct {
	PassingOnly bool
	Tag         string
}

// CheckView 是返回给客户端的检查视图。
type CheckView struct {
	ID          string `json:"ID"`
	Namespace   string `json:"Namespace"`
	ServiceID   string `json:"ServiceID"`
	ServiceName string `json:"ServiceName"`
	Type        string `json:"Type"`
	Status      string `json:"Status"`
	Output      string `json:"Output"`
}

// HealthEntry 是 /v1/health/service 返回的实例视图：实例本身、聚合状态及其检查。
type HealthEntry struct {
	Namespace   string            `json:"Namespace"`
	Service     string            `json:"Service"`
	ID          string            `json:"ID"`
	Address     string            `json:"Address"`
	Port        int               `json:"Port"`
	Tags        []string          `json:"Tags"`
	Meta        map[string]string `json:"Meta"`
	Weights     Weights           `json:"Weights"`
	Status      string            `json:"Status"`
	Checks      []CheckView       `json:"Checks"`
	CreateIndex uint64            `json:"CreateIndex"`
	ModifyIndex uint64            `json:"ModifyIndex"`
}

// KVEntry 是一条键值记录。Value 在 JSON 中为 base64。
type KVEntry struct {
	Key         string `json:"Key"`
	Value       []byte `json:"Value"`
	Flags       uint64 `json:"Flags"`
	CreateIndex uint64 `json:"CreateIndex"`
	ModifyIndex uint64 `json:"ModifyIndex"`
}
