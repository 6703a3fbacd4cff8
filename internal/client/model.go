package client

// 线上 JSON 模型，只包含同步与注册所需的字段。

// Weights 负载均衡权重。
type Weights struct {
	Passing int `json:"Passing"`
	Warning int `json:"Warning"`
}

// ServiceEntry 是 /v1/health/service/{name} 返回的单个实例。
type ServiceEntry struct {
	Namespace   string            `json:"Namespace"`
	Service     string            `json:"Service"`
	ID          string            `json:"ID"`
	Address     string            `json:"Address"`
	Port        int               `json:"Port"`
	Tags        []string          `json:"Tags"`
	Meta        map[string]string `json:"Meta"`
	Weights     Weights           `json:"Weights"`
	Status      string            `json:"Status"`
	Checks      []HealthCheck     `json:"Checks"`
	CreateIndex uint64            `json:"CreateIndex"`
	ModifyIndex uint64            `json:"ModifyIndex"`
}

// HealthCheck 是一条健康检查的当前状态。
type HealthCheck struct {
	ID          string `json:"ID"`
	Namespace   string `json:"Namespace"`
	ServiceID   string `json:"ServiceID"`
	ServiceName string `json:"ServiceName"`
	Type        string `json:"Type"`
	Status      string `json:"Status"`
	Output      string `json:"Output"`
}

// 健康状态取值。
const (
	HealthAny      = "any"
	HealthPassing  = "passing"
	HealthWarning  = "warning"
	HealthCritical = "critical"
	HealthUnknown  = "unknown"
)

// KVPair 是一条键值。Value 在 JSON 中为 base64。
type KVPair struct {
	Key         string `json:"Key"`
	Value       []byte `json:"Value"`
	Flags       uint64 `json:"Flags"`
	CreateIndex uint64 `json:"CreateIndex"`
	ModifyIndex uint64 `json:"ModifyIndex"`
}

// CheckDefinition 是注册时随实例提交的检查定义。
type CheckDefinition struct {
	Type     string `json:"Type" yaml:"type" validate:"oneof=ttl http tcp cmd"`
	TTL      string `json:"TTL" yaml:"ttl"`           // 仅 ttl
	Path     string `json:"Path" yaml:"path"`         // http URL / tcp 地址 / 命令行
	Interval string `json:"Interval" yaml:"interval"` // 检查间隔
	Timeout  string `json:"Timeout" yaml:"timeout"`   // 单次超时
}

// Registration 是实例注册请求。
type Registration struct {
	Name      string            `json:"Name"`
	Namespace string            `json:"Namespace"`
	ID        string            `json:"ID"`
	Address   string            `json:"Address"`
	Port      int               `json:"Port"`
	Tags      []string          `json:"Tags"`
	Meta      map[string]string `json:"Meta"`
	Checks    []CheckDefinition `json:"Checks"`
	Weights   Weights           `json:"Weights"`
}

// RegisterResult 是注册响应。
type RegisterResult struct {
	Index      uint64   `json:"Index"`
	InstanceID string   `json:"InstanceID"`
	CheckIDs   []string `json:"CheckIDs"`
}
