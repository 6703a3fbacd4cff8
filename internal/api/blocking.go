package api

import (
	"context"
	"math/rand"
	"net/http"
	"strconv"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/pkg/errors"
)

// 阻塞查询参数。
const (
	DefaultWait = 5 * time.Minute
	MaxWait     = 600 * time.Second
	// 服务端在 wait 上叠加最多 wait/16 的随机抖动，避免大量请求同时返回。
	JitterFraction = 16
)

// 响应头名称。
const (
	HeaderIndex       = "X-Index"
	HeaderLastContact = "X-Last-Contact"
	HeaderKnownLeader = "X-Known-Leader"
)

// queryParams 是读请求的公共参数。
type queryParams struct {
	MinIndex   uint64
	Wait       time.Duration
	Consistent bool
	Stale      bool
}

func parseQueryParams(r *http.Request) (queryParams, error) {
	q := r.URL.Query()
	var p queryParams
	if v := q.Get("index"); v != "" {
		idx, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return p, errors.Errorf("invalid index %q", v)
		}
		p.MinIndex = idx
	}
	if v := q.Get("wait"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d < 0 {
			return p, errors.Errorf("invalid wait %q", v)
		}
		p.Wait = d
	}
	if p.MinIndex > 0 && p.Wait == 0 {
		p.Wait = DefaultWait
	}
	if p.Wait > MaxWait {
		p.Wait = MaxWait
	}
	p.Consistent = q.Has("consistent")
	p.Stale = q.Has("stale")
	return p, nil
}

// blockingQuery 在 index 未前进时等待主题变更（最多 wait + 抖动），然后执行 run 并写出响应。
// run 返回 found=false 时以 404 响应，同时仍带上索引头。
func (h *HTTPServer) blockingQuery(w http.ResponseWriter, r *http.Request, topic string, run func(ctx context.Context) (out any, idx uint64, found bool, err error)) {
	p, err := parseQueryParams(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if p.Consistent && !h.isLeader() {
		http.Error(w, "not leader", http.StatusServiceUnavailable)
		return
	}

	ctx := r.Context()
	if p.MinIndex > 0 {
		wait := p.Wait
		if jitter := int64(wait / JitterFraction); jitter > 0 {
			wait += time.Duration(rand.Int63n(jitter))
		}
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, wait)
		defer cancel()
		start := time.Now()
		woke := h.waitForChange(ctx, topic, p.MinIndex)
		metrics.MeasureSinceWithLabels([]string{"api", "blocking", "wait"}, start,
			[]metrics.Label{{Name: "woke", Value: strconv.FormatBool(woke)}})
		if r.Context().Err() != nil {
			// 客户端已断开
			return
		}
	}

	out, idx, found, err := run(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	h.setMeta(w, idx)
	if !found {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// waitForChange 等待主题索引超过 minIndex；超时返回 false。
func (h *HTTPServer) waitForChange(ctx context.Context, topic string, minIndex uint64) bool {
	for {
		curr, ch := h.Reg.Watch(ctx, topic, minIndex)
		if curr > minIndex {
			return true
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return false
		}
	}
}

func (h *HTTPServer) setMeta(w http.ResponseWriter, idx uint64) {
	// 索引至少为 1，0 会被客户端视为不支持阻塞
	if idx == 0 {
		idx = 1
	}
	w.Header().Set(HeaderIndex, strconv.FormatUint(idx, 10))
	w.Header().Set(HeaderLastContact, strconv.FormatInt(h.lastContact().Milliseconds(), 10))
	w.Header().Set(HeaderKnownLeader, strconv.FormatBool(h.knownLeader()))
}
