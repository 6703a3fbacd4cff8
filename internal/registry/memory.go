package registry

import (
	"context"
	"encoding/json"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/jonboulle/clockwork"
	"github.com/pkg/errors"
)

// MemoryRegistry 是内存版 Registry 的实现。
// 维护全局修改索引与按主题的索引；Watch 用于长轮询。
type MemoryRegistry struct {
	mu sync.RWMutex

	// 使用 ns/service/id 作为键
	instances map[string]*instanceRecord

	// checkID -> 检查
	checks map[string]*Check

	// id -> 完整键（ns/svc/id）。ID 通常全局唯一，但仍保留映射以兼容按 ID 注销。
	idToKeys map[string][]string

	// key -> 键值
	kv map[string]*KVEntry

	// 主题 -> 该主题最新索引
	topicIndex map[string]uint64

	// 主题 -> Watchers 列表
	watchers map[string][]chan struct{}

	// 全局索引
	index uint64

	clock  clockwork.Clock
	logger hclog.Logger
}

var _ Registry = (*MemoryRegistry)(nil)

type instanceRecord struct {
	inst   ServiceInstance
	checks []string // 检查 ID 列表
}

// Options 控制内存注册表的行为。
type Options struct {
	Clock  clockwork.Clock
	Logger hclog.Logger
}

// NewMemoryRegistry 使用真实时钟创建内存注册表。
func NewMemoryRegistry() *MemoryRegistry {
	return NewMemoryRegistryWithOptions(Options{})
}

// NewMemoryRegistryWithOptions 允许注入时钟与日志。
func NewMemoryRegistryWithOptions(opts Options) *MemoryRegistry {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Logger == nil {
		opts.Logger = hclog.NewNullLogger()
	}
	m := &MemoryRegistry{clock: opts.Clock, logger: opts.Logger}
	m.resetLocked()
	return m
}

func (m *MemoryRegistry) resetLocked() {
	m.instances = make(map[string]*instanceRecord)
	m.checks = make(map[string]*Check)
	m.idToKeys = make(map[string][]string)
	m.kv = make(map[string]*KVEntry)
	m.topicIndex = make(map[string]uint64)
	m.watchers = make(map[string][]chan struct{})
}

func instanceKey(namespace, service, id string) string {
	return namespace + "/" + service + "/" + id
}

// Index 返回当前全局索引。
func (m *MemoryRegistry) Index() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.index
}

// nextIndexLocked 推进全局索引，把它记为各主题的最新索引并唤醒这些主题的 Watchers。
func (m *MemoryRegistry) nextIndexLocked(topics ...string) uint64 {
	m.index++
	for _, t := range topics {
		m.topicIndex[t] = m.index
		for _, ch := range m.watchers[t] {
			close(ch)
		}
		delete(m.watchers, t)
	}
	return m.index
}

// readIndexLocked 返回主题索引；主题从未变更过时退回全局索引。
func (m *MemoryRegistry) readIndexLocked(topic string) uint64 {
	if idx := m.topicIndex[topic]; idx != 0 {
		return idx
	}
	return m.index
}

func (m *MemoryRegistry) RegisterInstance(ctx context.Context, inst ServiceInstance, specs []CheckSpec) (uint64, []string, error) {
	if inst.Namespace == "" || inst.Service == "" || inst.ID == "" {
		return 0, nil, errors.New("missing Namespace/Service/ID")
	}
	k := instanceKey(inst.Namespace, inst.Service, inst.ID)
	now := m.clock.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	rec, exists := m.instances[k]
	old := map[string]*Check{}
	if exists {
		// 重新注册：保留创建索引与同 ID 检查的状态，检查集合以本次为准
		inst.CreateIndex = rec.inst.CreateIndex
		for _, cid := range rec.checks {
			old[cid] = m.checks[cid]
			delete(m.checks, cid)
		}
	} else {
		inst.CreateIndex = m.index + 1
		rec = &instanceRecord{}
		m.instances[k] = rec
		m.idToKeys[inst.ID] = append(m.idToKeys[inst.ID], k)
	}
	inst.ModifyIndex = m.index + 1
	rec.inst = inst
	rec.checks = rec.checks[:0]

	var checkIDs []string
	for i, spec := range specs {
		cid := "chk:" + inst.ID + ":" + strconv.Itoa(i)
		chk := &Check{
			ID:          cid,
			Namespace:   inst.Namespace,
			ServiceName: inst.Service,
			ServiceID:   inst.ID,
			Spec:        spec,
			Status:      StatusUnknown,
			LastUpdate:  now,
		}
		if spec.Type == CheckTTL {
			// 尚未续约
			chk.Status = StatusCritical
		}
		if prev, ok := old[cid]; ok && prev.Spec.Type == spec.Type {
			chk.Status, chk.Output, chk.LastPass = prev.Status, prev.Output, prev.LastPass
		}
		m.checks[cid] = chk
		rec.checks = append(rec.checks, cid)
		checkIDs = append(checkIDs, cid)
	}

	idx := m.nextIndexLocked(ServiceTopic(inst.Namespace, inst.Service), CatalogTopic(inst.Namespace), TopicChecks)
	m.logger.Debug("注册实例", "ns", inst.Namespace, "service", inst.Service, "id", inst.ID, "index", idx)
	return idx, checkIDs, nil
}

func (m *MemoryRegistry) DeregisterInstance(ctx context.Context, namespace, service, id string) (uint64, error) {
	if id == "" {
		return 0, errors.New("missing id")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	var keys []string
	if namespace != "" && service != "" {
		keys = []string{instanceKey(namespace, service, id)}
	} else {
		keys = append(keys, m.idToKeys[id]...)
	}

	var topics []string
	for _, k := range keys {
		rec, ok := m.instances[k]
		if !ok {
			continue
		}
		// 删除其下的所有检查
		for _, cid := range rec.checks {
			delete(m.checks, cid)
		}
		delete(m.instances, k)
		m.idToKeys[id] = removeString(m.idToKeys[id], k)
		topics = append(topics, ServiceTopic(rec.inst.Namespace, rec.inst.Service), CatalogTopic(rec.inst.Namespace))
	}
	if len(m.idToKeys[id]) == 0 {
		delete(m.idToKeys, id)
	}
	if len(topics) == 0 {
		return m.index, errors.Wrapf(ErrNotFound, "instance %q", id)
	}
	idx := m.nextIndexLocked(append(topics, TopicChecks)...)
	m.logger.Debug("注销实例", "id", id, "index", idx)
	return idx, nil
}

// errNotTTL 表示对非 TTL 检查调用了续约。
var errNotTTL = errors.New("not a ttl check")

func (m *MemoryRegistry) RenewTTL(ctx context.Context, checkID string) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	chk, ok := m.checks[checkID]
	if !ok {
		return m.index, errors.Wrapf(ErrNotFound, "check %q", checkID)
	}
	if chk.Spec.Type != CheckTTL {
		return m.index, errNotTTL
	}
	chk.LastPass = m.clock.Now()
	return m.updateCheckLocked(chk, StatusPassing, chk.Output), nil
}

func (m *MemoryRegistry) ReportCheck(ctx context.Context, checkID string, status CheckStatus, output string) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	chk, ok := m.checks[checkID]
	if !ok {
		return m.index, errors.Wrapf(ErrNotFound, "check %q", checkID)
	}
	if status == StatusPassing {
		chk.LastPass = m.clock.Now()
	}
	return m.updateCheckLocked(chk, status, output), nil
}

// updateCheckLocked 只在状态或输出变化时推进索引，避免续约唤醒所有 Watchers。
func (m *MemoryRegistry) updateCheckLocked(chk *Check, status CheckStatus, output string) uint64 {
	if chk.Status == status && chk.Output == output {
		return m.readIndexLocked(ServiceTopic(chk.Namespace, chk.ServiceName))
	}
	chk.Status = status
	chk.Output = output
	chk.LastUpdate = m.clock.Now()
	return m.nextIndexLocked(ServiceTopic(chk.Namespace, chk.ServiceName), TopicChecks)
}

func (m *MemoryRegistry) KVPut(ctx context.Context, key string, value []byte, flags uint64) (uint64, error) {
	key = strings.TrimLeft(key, "/")
	if key == "" {
		return 0, errors.New("missing key")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.kv[key]
	if !ok {
		e = &KVEntry{Key: key, CreateIndex: m.index + 1}
		m.kv[key] = e
	}
	e.Value = append([]byte(nil), value...)
	e.Flags = flags
	e.ModifyIndex = m.index + 1
	return m.nextIndexLocked(TopicKV), nil
}

func (m *MemoryRegistry) KVDelete(ctx context.Context, key string, recurse bool) (uint64, error) {
	key = strings.TrimLeft(key, "/")
	if key == "" && !recurse {
		return 0, errors.New("missing key")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	deleted := 0
	for k := range m.kv {
		if k == key || (recurse && strings.HasPrefix(k, key)) {
			delete(m.kv, k)
			deleted++
		}
	}
	if deleted == 0 {
		return m.readIndexLocked(TopicKV), nil
	}
	return m.nextIndexLocked(TopicKV), nil
}

func (m *MemoryRegistry) HealthService(ctx context.Context, namespace, service string, opts ListOptions) ([]HealthEntry, uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := []HealthEntry{}
	prefix := namespace + "/" + service + "/"
	for k, rec := range m.instances {
		if !strings.HasPrefix(k, prefix) {
			continue
		}
		agg := m.aggregateStatusLocked(rec)
		if opts.PassingOnly && agg != StatusPassing {
			continue
		}
		if opts.Tag != "" && !containsString(rec.inst.Tags, opts.Tag) {
			continue
		}
		checks := make([]CheckView, 0, len(rec.checks))
		for _, cid := range rec.checks {
			if chk, ok := m.checks[cid]; ok {
				checks = append(checks, viewOf(chk))
			}
		}
		out = append(out, HealthEntry{
			Namespace:   rec.inst.Namespace,
			Service:     rec.inst.Service,
			ID:          rec.inst.ID,
			Address:     rec.inst.Address,
			Port:        rec.inst.Port,
			Tags:        append([]string(nil), rec.inst.Tags...),
			Meta:        cloneMap(rec.inst.Meta),
			Weights:     rec.inst.Weights,
			Status:      agg.String(),
			Checks:      checks,
			CreateIndex: rec.inst.CreateIndex,
			ModifyIndex: rec.inst.ModifyIndex,
		})
	}
	// 稳定排序，确保输出一致
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, m.readIndexLocked(ServiceTopic(namespace, service)), nil
}

func (m *MemoryRegistry) ListServices(ctx context.Context, namespace string) ([]string, uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	seen := make(map[string]struct{})
	names := []string{}
	for _, rec := range m.instances {
		if rec.inst.Namespace != namespace {
			continue
		}
		if _, ok := seen[rec.inst.Service]; !ok {
			seen[rec.inst.Service] = struct{}{}
			names = append(names, rec.inst.Service)
		}
	}
	sort.Strings(names)
	return names, m.readIndexLocked(CatalogTopic(namespace)), nil
}

func (m *MemoryRegistry) ChecksInState(ctx context.Context, state CheckStatus) ([]CheckView, uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := []CheckView{}
	for _, chk := range m.checks {
		if state != StateAny && chk.Status != state {
			continue
		}
		out = append(out, viewOf(chk))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, m.readIndexLocked(TopicChecks), nil
}

func (m *MemoryRegistry) KVList(ctx context.Context, prefix string, recurse bool) ([]KVEntry, uint64, error) {
	prefix = strings.TrimLeft(prefix, "/")
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := []KVEntry{}
	for k, e := range m.kv {
		if k == prefix || (recurse && strings.HasPrefix(k, prefix)) {
			c := *e
			c.Value = append([]byte(nil), e.Value...)
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, m.readIndexLocked(TopicKV), nil
}

func (m *MemoryRegistry) Watch(ctx context.Context, topic string, lastIndex uint64) (uint64, <-chan struct{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	curr := m.topicIndex[topic]
	ch := make(chan struct{})
	if curr > lastIndex {
		close(ch)
		return curr, ch
	}
	m.watchers[topic] = append(m.watchers[topic], ch)
	// 请求结束后摘除，避免长期不变的主题积累 Watchers
	context.AfterFunc(ctx, func() { m.dropWatcher(topic, ch) })
	return curr, ch
}

func (m *MemoryRegistry) dropWatcher(topic string, ch chan struct{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	lst := m.watchers[topic]
	for i, c := range lst {
		if c == ch {
			m.watchers[topic] = append(lst[:i:i], lst[i+1:]...)
			break
		}
	}
	if len(m.watchers[topic]) == 0 {
		delete(m.watchers, topic)
	}
}

func (m *MemoryRegistry) Dump(ctx context.Context) ([]byte, uint64, error) {
	m.mu.RLock()
	snap := m.snapshotLocked()
	m.mu.RUnlock()
	data, err := json.Marshal(snap)
	if err != nil {
		return nil, 0, errors.Wrap(err, "encode registry dump")
	}
	return data, snap.Index, nil
}

// ExpiredChecks 返回在 now 时刻已超过 TTL 且尚未标记为 critical 的 TTL 检查。
func (m *MemoryRegistry) ExpiredChecks(now time.Time) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []string
	for _, chk := range m.checks {
		if chk.Spec.Type != CheckTTL || chk.Spec.TTL <= 0 || chk.LastPass.IsZero() {
			continue
		}
		if chk.Status != StatusCritical && now.Sub(chk.LastPass) > chk.Spec.TTL {
			out = append(out, chk.ID)
		}
	}
	sort.Strings(out)
	return out
}

// --- 内部方法 ---

func (m *MemoryRegistry) aggregateStatusLocked(rec *instanceRecord) CheckStatus {
	// 聚合规则：以“最坏状态”为准；若无检查，视为 Passing。
	agg := StatusPassing
	for _, cid := range rec.checks {
		chk, ok := m.checks[cid]
		if !ok {
			continue
		}
		switch chk.Status {
		case StatusWarning:
			if agg == StatusPassing {
				agg = StatusWarning
			}
		case StatusUnknown:
			if agg == StatusPassing || agg == StatusWarning {
				agg = StatusUnknown
			}
		case StatusCritical:
			return StatusCritical
		}
	}
	return agg
}

func viewOf(chk *Check) CheckView {
	return CheckView{
		ID:          chk.ID,
		Namespace:   chk.Namespace,
		ServiceID:   chk.ServiceID,
		ServiceName: chk.ServiceName,
		Type:        string(chk.Spec.Type),
		Status:      chk.Status.String(),
		Output:      chk.Output,
	}
}

func cloneMap(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func removeString(list []string, s string) []string {
	out := list[:0]
	for _, v := range list {
		if v != s {
			out = append(out, v)
		}
	}
	return out
}
