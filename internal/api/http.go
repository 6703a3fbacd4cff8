package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-metrics"
	"github.com/pkg/errors"

	"siderwatch/internal/raft"
	"siderwatch/internal/registry"
)

// DefaultNamespace 用于未指定 ns 的请求。
const DefaultNamespace = "default"

// HTTPServer 暴露注册、健康、目录、键值与集群管理 API。
type HTTPServer struct {
	Reg    registry.Registry
	Addr   string
	Node   raft.Node    // 可为 nil（视为单节点 Leader）
	Logger hclog.Logger // 可为 nil
	// MetricsHandler 挂载到 /metrics，可为 nil
	MetricsHandler http.Handler

	srv *http.Server
}

// Start 监听 Addr 并阻塞，直到 ctx 取消或监听失败。
func (h *HTTPServer) Start(ctx context.Context) error {
	h.srv = &http.Server{Addr: h.Addr, Handler: h.Router()}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = h.srv.Shutdown(shutdownCtx)
	}()
	h.logger().Info("HTTP 服务启动", "addr", h.Addr)
	err := h.srv.ListenAndServe()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Router 返回完整的路由，供 Start 与测试使用。
func (h *HTTPServer) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer, h.logRequests)

	r.Route("/v1/agent", func(r chi.Router) {
		r.Put("/service/register", h.handleRegister)
		r.Post("/service/register", h.handleRegister)
		r.Put("/service/deregister/{id}", h.handleDeregisterByPath)
		r.Post("/service/deregister/{id}", h.handleDeregisterByPath)
		r.Put("/service/deregister", h.handleDeregisterJSON)
		r.Post("/service/deregister", h.handleDeregisterJSON)
		r.Put("/check/{action}/{id}", h.handleCheckStatus)
		r.Post("/check/{action}/{id}", h.handleCheckStatus)
	})
	r.Get("/v1/catalog/services", h.handleCatalogServices)
	r.Get("/v1/health/service/{name}", h.handleHealthService)
	r.Get("/v1/health/state/{state}", h.handleHealthState)
	r.Get("/v1/kv/*", h.handleKVGet)
	r.Put("/v1/kv/*", h.handleKVPut)
	r.Delete("/v1/kv/*", h.handleKVDelete)
	r.Get("/v1/status/leader", h.handleLeader)
	r.Get("/v1/snapshot", h.handleSnapshot)
	r.Put("/v1/join", h.handleJoin)
	r.Post("/v1/join", h.handleJoin)
	if h.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", h.MetricsHandler)
	}
	return r
}

func (h *HTTPServer) logger() hclog.Logger {
	if h.Logger == nil {
		return hclog.NewNullLogger()
	}
	return h.Logger
}

func (h *HTTPServer) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		route := chi.RouteContext(r.Context()).RoutePattern()
		metrics.MeasureSinceWithLabels([]string{"api", "request"}, start, []metrics.Label{
			{Name: "method", Value: r.Method},
			{Name: "route", Value: route},
			{Name: "status", Value: strconv.Itoa(ww.Status())},
		})
		h.logger().Debug("请求完成", "method", r.Method, "path", r.URL.Path, "status", ww.Status(), "took", time.Since(start))
	})
}

// ============================================================================
// 写接口
// ============================================================================

func (h *HTTPServer) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req ServiceRegistration
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request: "+err.Error(), http.StatusBadRequest)
		return
	}
	specs, err := req.checkSpecs()
	if err != nil {
		http.Error(w, "bad checks: "+err.Error(), http.StatusBadRequest)
		return
	}
	inst := req.instance()
	idx, checkIDs, err := h.Reg.RegisterInstance(r.Context(), inst, specs)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.setMeta(w, idx)
	writeJSON(w, http.StatusOK, RegistrationResult{Index: idx, InstanceID: inst.ID, CheckIDs: checkIDs})
}

func (h *HTTPServer) handleDeregisterByPath(w http.ResponseWriter, r *http.Request) {
	// 路径: /v1/agent/service/deregister/{id}?ns=&service=
	q := r.URL.Query()
	h.deregister(w, r, q.Get("ns"), q.Get("service"), chi.URLParam(r, "id"))
}

func (h *HTTPServer) handleDeregisterJSON(w http.ResponseWriter, r *http.Request) {
	var req DeregisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request: "+err.Error(), http.StatusBadRequest)
		return
	}
	h.deregister(w, r, req.Namespace, req.Service, req.ID)
}

func (h *HTTPServer) deregister(w http.ResponseWriter, r *http.Request, ns, svc, id string) {
	if id == "" {
		http.Error(w, "missing id", http.StatusBadRequest)
		return
	}
	if svc != "" {
		ns = namespaceOr(ns)
	}
	idx, err := h.Reg.DeregisterInstance(r.Context(), ns, svc, id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.setMeta(w, idx)
	w.WriteHeader(http.StatusOK)
}

func (h *HTTPServer) handleCheckStatus(w http.ResponseWriter, r *http.Request) {
	u, err := parseCheckUpdate(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}

	var idx uint64
	if u.renews() {
		// 若为 TTL 检查则续约；否则回退到 ReportCheck
		idx, err = h.Reg.RenewTTL(r.Context(), u.CheckID)
		if err != nil {
			idx, err = h.Reg.ReportCheck(r.Context(), u.CheckID, u.Status, u.Note)
		}
	} else {
		idx, err = h.Reg.ReportCheck(r.Context(), u.CheckID, u.Status, u.Note)
	}
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.setMeta(w, idx)
	w.WriteHeader(http.StatusOK)
}

func (h *HTTPServer) handleKVPut(w http.ResponseWriter, r *http.Request) {
	kw, err := parseKVWrite(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	idx, err := h.Reg.KVPut(r.Context(), kw.Key, kw.Value, kw.Flags)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.setMeta(w, idx)
	writeJSON(w, http.StatusOK, true)
}

func (h *HTTPServer) handleKVDelete(w http.ResponseWriter, r *http.Request) {
	idx, err := h.Reg.KVDelete(r.Context(), chi.URLParam(r, "*"), r.URL.Query().Has("recurse"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.setMeta(w, idx)
	writeJSON(w, http.StatusOK, true)
}

func (h *HTTPServer) handleJoin(w http.ResponseWriter, r *http.Request) {
	var req JoinRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ID == "" || req.Addr == "" {
		http.Error(w, "bad request: ID and Addr are required", http.StatusBadRequest)
		return
	}
	if h.Node == nil {
		http.Error(w, raft.ErrStandalone.Error(), http.StatusBadRequest)
		return
	}
	if err := h.Node.Join(req.ID, req.Addr); err != nil {
		h.writeError(w, err)
		return
	}
	h.logger().Info("节点加入集群", "id", req.ID, "addr", req.Addr)
	w.WriteHeader(http.StatusOK)
}

// ============================================================================
// 读接口（阻塞查询）
// ============================================================================

func (h *HTTPServer) handleCatalogServices(w http.ResponseWriter, r *http.Request) {
	ns := namespaceOr(r.URL.Query().Get("ns"))
	h.blockingQuery(w, r, registry.CatalogTopic(ns), func(ctx context.Context) (any, uint64, bool, error) {
		names, idx, err := h.Reg.ListServices(ctx, ns)
		return names, idx, true, err
	})
}

func (h *HTTPServer) handleHealthService(w http.ResponseWriter, r *http.Request) {
	// 路径: /v1/health/service/{name}
	name := chi.URLParam(r, "name")
	q := r.URL.Query()
	ns := namespaceOr(q.Get("ns"))
	passing := q.Get("passing")
	opts := registry.ListOptions{
		PassingOnly: passing == "1" || strings.EqualFold(passing, "true") || (q.Has("passing") && passing == ""),
		Tag:         q.Get("tag"),
	}
	h.blockingQuery(w, r, registry.ServiceTopic(ns, name), func(ctx context.Context) (any, uint64, bool, error) {
		entries, idx, err := h.Reg.HealthService(ctx, ns, name, opts)
		return entries, idx, true, err
	})
}

func (h *HTTPServer) handleHealthState(w http.ResponseWriter, r *http.Request) {
	raw := chi.URLParam(r, "state")
	state := registry.StateAny
	if raw != "any" {
		st, ok := registry.ParseStatus(raw)
		if !ok {
			http.Error(w, "unknown state "+raw, http.StatusBadRequest)
			return
		}
		state = st
	}
	h.blockingQuery(w, r, registry.TopicChecks, func(ctx context.Context) (any, uint64, bool, error) {
		checks, idx, err := h.Reg.ChecksInState(ctx, state)
		return checks, idx, true, err
	})
}

func (h *HTTPServer) handleKVGet(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "*")
	recurse := r.URL.Query().Has("recurse")
	h.blockingQuery(w, r, registry.TopicKV, func(ctx context.Context) (any, uint64, bool, error) {
		entries, idx, err := h.Reg.KVList(ctx, key, recurse)
		return entries, idx, len(entries) > 0, err
	})
}

func (h *HTTPServer) handleLeader(w http.ResponseWriter, r *http.Request) {
	leader := h.Addr
	if h.Node != nil {
		leader = h.Node.Leader()
	}
	writeJSON(w, http.StatusOK, leader)
}

func (h *HTTPServer) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	data, idx, err := h.Reg.Dump(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.setMeta(w, idx)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

// ============================================================================
// 辅助函数
// ============================================================================

func (h *HTTPServer) isLeader() bool {
	return h.Node == nil || h.Node.IsLeader()
}

func (h *HTTPServer) knownLeader() bool {
	return h.Node == nil || h.Node.Leader() != ""
}

func (h *HTTPServer) lastContact() time.Duration {
	if h.Node == nil {
		return 0
	}
	return h.Node.LastContact()
}

// writeError 把注册表/复制层错误映射为状态码。
func (h *HTTPServer) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, registry.ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, raft.ErrNotLeader), errors.Is(err, raft.ErrNotStarted):
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
	default:
		http.Error(w, err.Error(), http.StatusBadRequest)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func namespaceOr(ns string) string {
	if ns == "" {
		return DefaultNamespace
	}
	return ns
}
