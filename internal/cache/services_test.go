package cache

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"siderwatch/internal/api"
	"siderwatch/internal/client"
	"siderwatch/internal/registry"
)

// 以下用例跑在真实的 api 服务端与内存注册表之上。

func newServer(t *testing.T) (*client.Client, *registry.MemoryRegistry) {
	t.Helper()
	mem := registry.NewMemoryRegistry()
	srv := httptest.NewServer((&api.HTTPServer{Reg: mem}).Router())
	t.Cleanup(srv.Close)
	c, err := client.New(client.Config{Hosts: []string{srv.URL}})
	require.NoError(t, err)
	return c, mem
}

func registerInstance(t *testing.T, mem registry.Registry, id string, port int) {
	t.Helper()
	_, _, err := mem.RegisterInstance(context.Background(), registry.ServiceInstance{
		Namespace: "default", Service: "web", ID: id, Address: "10.0.0.1", Port: port,
	}, nil)
	require.NoError(t, err)
}

func waitFor[K comparable, V any](t *testing.T, ch <-chan *Snapshot[K, V], cond func(*Snapshot[K, V]) bool) *Snapshot[K, V] {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case s := <-ch:
			if cond(s) {
				return s
			}
		case <-deadline:
			t.Fatal("timed out waiting for snapshot")
			return nil
		}
	}
}

func TestServiceHealthCacheFollowsDeregistration(t *testing.T) {
	c, mem := newServer(t)
	registerInstance(t, mem, "web-1", 8001)
	registerInstance(t, mem, "web-2", 8002)
	registerInstance(t, mem, "web-3", 8003)

	inm := metrics.NewInmemSink(time.Minute, time.Minute)
	mcfg := metrics.DefaultConfig("test")
	mcfg.EnableHostname = false
	mcfg.EnableRuntimeMetrics = false
	m, err := metrics.New(mcfg, inm)
	require.NoError(t, err)

	cache, err := NewServiceHealthCache(c, "default", "web", false, Config{WatchDuration: 2 * time.Second}, WithMetrics(m))
	require.NoError(t, err)
	assert.Equal(t, "health.service:default/web", cache.Descriptor().String())

	updates := make(chan *Snapshot[ServiceHealthKey, client.ServiceEntry], 16)
	cache.AddListener(NewListener(func(s *Snapshot[ServiceHealthKey, client.ServiceEntry]) { updates <- s }))
	require.NoError(t, cache.Start())
	defer cache.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, cache.WaitInitialized(ctx))
	first := cache.Snapshot()
	assert.Equal(t, 3, first.Len())
	entry, ok := first.Get(ServiceHealthKey{ID: "web-2", Address: "10.0.0.1", Port: 8002})
	require.True(t, ok)
	assert.Equal(t, "passing", entry.Status)

	_, err = mem.DeregisterInstance(context.Background(), "default", "web", "web-2")
	require.NoError(t, err)

	snap := waitFor(t, updates, func(s *Snapshot[ServiceHealthKey, client.ServiceEntry]) bool { return s.Len() == 2 })
	_, ok = snap.Get(ServiceHealthKey{ID: "web-2", Address: "10.0.0.1", Port: 8002})
	assert.False(t, ok)
	assert.Equal(t, 1, snap.Index().Cmp(first.Index()))

	found := false
	for _, iv := range inm.Data() {
		for k := range iv.Counters {
			if strings.Contains(k, "cache.fetch.success") {
				found = true
			}
		}
	}
	assert.True(t, found, "fetch counter recorded")
}

func TestKVCacheKeysAreRelative(t *testing.T) {
	c, mem := newServer(t)
	ctx := context.Background()
	_, err := mem.KVPut(ctx, "app/db/url", []byte("postgres://"), 0)
	require.NoError(t, err)
	_, err = mem.KVPut(ctx, "other/key", []byte("x"), 0)
	require.NoError(t, err)

	cache, err := NewKVCache(c, "/app/", Config{WatchDuration: 2 * time.Second})
	require.NoError(t, err)
	updates := make(chan *Snapshot[string, client.KVPair], 16)
	cache.AddListener(NewListener(func(s *Snapshot[string, client.KVPair]) { updates <- s }))
	require.NoError(t, cache.Start())
	defer cache.Stop()

	snap := waitFor(t, updates, func(s *Snapshot[string, client.KVPair]) bool { return s.Initialized() })
	assert.ElementsMatch(t, []string{"db/url"}, snap.Keys())

	_, err = mem.KVPut(ctx, "app/feature", []byte("on"), 0)
	require.NoError(t, err)
	snap = waitFor(t, updates, func(s *Snapshot[string, client.KVPair]) bool { return s.Len() == 2 })
	v, ok := snap.Get("feature")
	require.True(t, ok)
	assert.Equal(t, []byte("on"), v.Value)
}

func TestEmptyPrefixInitializesEmpty(t *testing.T) {
	c, _ := newServer(t)
	cache, err := NewKVCache(c, "missing/", Config{WatchDuration: time.Second})
	require.NoError(t, err)
	require.NoError(t, cache.Start())
	defer cache.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, cache.WaitInitialized(ctx))
	assert.Zero(t, cache.Snapshot().Len())
	assert.True(t, cache.Snapshot().Initialized())
}

func TestCatalogAndHealthStateCaches(t *testing.T) {
	c, mem := newServer(t)
	registerInstance(t, mem, "web-1", 8001)
	_, ids, err := mem.RegisterInstance(context.Background(), registry.ServiceInstance{
		Namespace: "default", Service: "db", ID: "db-1",
	}, []registry.CheckSpec{{Type: registry.CheckTTL, TTL: time.Minute}})
	require.NoError(t, err)

	services, err := NewCatalogServicesCache(c, "default", Config{WatchDuration: 2 * time.Second})
	require.NoError(t, err)
	critical, err := NewHealthStateCache(c, client.HealthCritical, Config{WatchDuration: 2 * time.Second})
	require.NoError(t, err)
	require.NoError(t, services.Start())
	defer services.Stop()
	require.NoError(t, critical.Start())
	defer critical.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, services.WaitInitialized(ctx))
	require.NoError(t, critical.WaitInitialized(ctx))
	assert.ElementsMatch(t, []string{"db", "web"}, services.Snapshot().Keys())
	assert.ElementsMatch(t, ids, critical.Snapshot().Keys())

	updates := make(chan *Snapshot[string, client.HealthCheck], 16)
	critical.AddListener(NewListener(func(s *Snapshot[string, client.HealthCheck]) { updates <- s }))
	_, err = mem.RenewTTL(context.Background(), ids[0])
	require.NoError(t, err)
	waitFor(t, updates, func(s *Snapshot[string, client.HealthCheck]) bool { return s.Len() == 0 })
}

func TestQuietWatchDoesNotTimeOut(t *testing.T) {
	mem := registry.NewMemoryRegistry()
	srv := httptest.NewServer((&api.HTTPServer{Reg: mem}).Router())
	t.Cleanup(srv.Close)
	registerInstance(t, mem, "web-1", 8001)

	// 读超时与 wait 相同：只有自动调整开启时长轮询才不会被客户端打断
	c, err := client.New(client.Config{Hosts: []string{srv.URL}, Timeout: time.Second})
	require.NoError(t, err)

	inm := metrics.NewInmemSink(time.Minute, time.Minute)
	mcfg := metrics.DefaultConfig("test")
	mcfg.EnableHostname = false
	mcfg.EnableRuntimeMetrics = false
	m, err := metrics.New(mcfg, inm)
	require.NoError(t, err)

	cache, err := NewServiceHealthCache(c, "default", "web", false, Config{WatchDuration: time.Second}, WithMetrics(m))
	require.NoError(t, err)
	require.NoError(t, cache.Start())
	defer cache.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, cache.WaitInitialized(ctx))
	time.Sleep(3500 * time.Millisecond)

	var success, failure float64
	for _, iv := range inm.Data() {
		for k, v := range iv.Counters {
			switch {
			case strings.Contains(k, "cache.fetch.success"):
				success += float64(v.Count)
			case strings.Contains(k, "cache.fetch.failure"):
				failure += float64(v.Count)
			}
		}
	}
	assert.Zero(t, failure)
	assert.GreaterOrEqual(t, success, 2.0)
	assert.Equal(t, 1, cache.Snapshot().Len())
}
