package client

import (
	"net/http"
	"net/url"
	"strconv"
	"time"

	"siderwatch/internal/timeout"
)

// Consistency 是读一致性模式。
type Consistency string

const (
	ConsistencyDefault    Consistency = ""
	ConsistencyConsistent Consistency = "consistent"
	ConsistencyStale      Consistency = "stale"
)

// QueryOptions 是读请求参数。WaitTime 仅在 WaitIndex 非零时生效（阻塞查询）。
type QueryOptions struct {
	Namespace   string
	WaitIndex   Index
	WaitTime    time.Duration
	Consistency Consistency
	Passing     bool
	Tag         string
	Recurse     bool
	Params      map[string]string // 其他过滤参数，原样透传
}

// Clone 返回浅拷贝（Params 复制）。
func (o *QueryOptions) Clone() *QueryOptions {
	if o == nil {
		return &QueryOptions{}
	}
	c := *o
	if o.Params != nil {
		c.Params = make(map[string]string, len(o.Params))
		for k, v := range o.Params {
			c.Params[k] = v
		}
	}
	return &c
}

// Blocking 报告该请求是否为阻塞查询。
func (o *QueryOptions) Blocking() bool {
	return o != nil && !o.WaitIndex.IsZero() && o.WaitTime > 0
}

// Encode 编码为 URL 查询参数。
func (o *QueryOptions) Encode() url.Values {
	q := url.Values{}
	if o == nil {
		return q
	}
	for k, v := range o.Params {
		q.Set(k, v)
	}
	if o.Namespace != "" {
		q.Set("ns", o.Namespace)
	}
	if !o.WaitIndex.IsZero() {
		q.Set("index", o.WaitIndex.String())
		if o.WaitTime > 0 {
			q.Set("wait", timeout.FormatWait(o.WaitTime))
		}
	}
	switch o.Consistency {
	case ConsistencyConsistent:
		q.Set("consistent", "")
	case ConsistencyStale:
		q.Set("stale", "")
	}
	if o.Passing {
		q.Set("passing", "1")
	}
	if o.Tag != "" {
		q.Set("tag", o.Tag)
	}
	if o.Recurse {
		q.Set("recurse", "")
	}
	return q
}

// 响应头名称。
const (
	HeaderIndex       = "X-Index"
	HeaderLastContact = "X-Last-Contact"
	HeaderKnownLeader = "X-Known-Leader"
)

// QueryMeta 是读响应的元数据。除 LastIndex 外均为诊断信息。
type QueryMeta struct {
	LastIndex   Index
	LastContact time.Duration
	KnownLeader bool
	RequestTime time.Duration
	Host        string
}

// WriteMeta 是写响应的元数据。
type WriteMeta struct {
	Index       Index
	RequestTime time.Duration
	Host        string
}

func parseQueryMeta(h http.Header, host string, rtt time.Duration) (*QueryMeta, error) {
	meta := &QueryMeta{Host: host, RequestTime: rtt}
	idx, err := ParseIndex(h.Get(HeaderIndex))
	if err != nil {
		return nil, err
	}
	meta.LastIndex = idx
	if v := h.Get(HeaderLastContact); v != "" {
		if ms, err := strconv.ParseUint(v, 10, 64); err == nil {
			meta.LastContact = time.Duration(ms) * time.Millisecond
		}
	}
	meta.KnownLeader = h.Get(HeaderKnownLeader) == "true"
	return meta, nil
}
