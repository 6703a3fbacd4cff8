package registry

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRegistry() (*MemoryRegistry, *clockwork.FakeClock) {
	clock := clockwork.NewFakeClock()
	return NewMemoryRegistryWithOptions(Options{Clock: clock}), clock
}

func register(t *testing.T, m Registry, id string, specs ...CheckSpec) []string {
	t.Helper()
	_, ids, err := m.RegisterInstance(context.Background(), ServiceInstance{
		Namespace: "default", Service: "web", ID: id, Address: "10.0.0.1", Port: 80, Tags: []string{"v1"},
	}, specs)
	require.NoError(t, err)
	return ids
}

func TestRegisterAndHealthService(t *testing.T) {
	m, _ := newTestRegistry()
	ctx := context.Background()
	register(t, m, "web-2")
	ids := register(t, m, "web-1", CheckSpec{Type: CheckTTL, TTL: 10 * time.Second})
	require.Equal(t, []string{"chk:web-1:0"}, ids)

	entries, idx, err := m.HealthService(ctx, "default", "web", ListOptions{})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "web-1", entries[0].ID)
	assert.Equal(t, "critical", entries[0].Status, "ttl check starts critical")
	assert.Equal(t, "passing", entries[1].Status)
	assert.Equal(t, uint64(2), idx)

	passing, _, err := m.HealthService(ctx, "default", "web", ListOptions{PassingOnly: true})
	require.NoError(t, err)
	require.Len(t, passing, 1)
	assert.Equal(t, "web-2", passing[0].ID)

	tagged, _, err := m.HealthService(ctx, "default", "web", ListOptions{Tag: "v2"})
	require.NoError(t, err)
	assert.Empty(t, tagged)

	names, _, err := m.ListServices(ctx, "default")
	require.NoError(t, err)
	assert.Equal(t, []string{"web"}, names)
}

func TestRegisterValidation(t *testing.T) {
	m, _ := newTestRegistry()
	_, _, err := m.RegisterInstance(context.Background(), ServiceInstance{Service: "web"}, nil)
	assert.Error(t, err)
}

func TestDeregisterWakesWatchers(t *testing.T) {
	m, _ := newTestRegistry()
	ctx := context.Background()
	register(t, m, "web-1")
	register(t, m, "web-2")
	_, idx, _ := m.HealthService(ctx, "default", "web", ListOptions{})

	_, ch := m.Watch(ctx, ServiceTopic("default", "web"), idx)
	select {
	case <-ch:
		t.Fatal("watch fired without a change")
	default:
	}

	newIdx, err := m.DeregisterInstance(ctx, "default", "web", "web-1")
	require.NoError(t, err)
	assert.Greater(t, newIdx, idx)
	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("watch not woken")
	}

	entries, _, _ := m.HealthService(ctx, "default", "web", ListOptions{})
	assert.Len(t, entries, 1)

	_, err = m.DeregisterInstance(ctx, "default", "web", "web-1")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestWatchIsImmediateWhenBehind(t *testing.T) {
	m, _ := newTestRegistry()
	register(t, m, "web-1")
	idx, ch := m.Watch(context.Background(), ServiceTopic("default", "web"), 0)
	assert.Equal(t, uint64(1), idx)
	_, open := <-ch
	assert.False(t, open)
}

func TestWatchIsDroppedWhenContextEnds(t *testing.T) {
	m, _ := newTestRegistry()
	ctx, cancel := context.WithCancel(context.Background())
	m.Watch(ctx, TopicKV, 5)
	cancel()
	assert.Eventually(t, func() bool {
		m.mu.RLock()
		defer m.mu.RUnlock()
		return len(m.watchers[TopicKV]) == 0
	}, time.Second, 5*time.Millisecond)
}

func TestRenewWithoutChangeKeepsIndex(t *testing.T) {
	m, _ := newTestRegistry()
	ctx := context.Background()
	ids := register(t, m, "web-1", CheckSpec{Type: CheckTTL, TTL: 10 * time.Second})

	first, err := m.RenewTTL(ctx, ids[0])
	require.NoError(t, err)
	second, err := m.RenewTTL(ctx, ids[0])
	require.NoError(t, err)
	assert.Equal(t, first, second)

	_, err = m.RenewTTL(ctx, "missing")
	assert.True(t, errors.Is(err, ErrNotFound))

	httpIDs := register(t, m, "web-2", CheckSpec{Type: CheckHTTP})
	_, err = m.RenewTTL(ctx, httpIDs[0])
	assert.ErrorIs(t, err, errNotTTL)
}

func TestChecksInState(t *testing.T) {
	m, _ := newTestRegistry()
	ctx := context.Background()
	ids := register(t, m, "web-1", CheckSpec{Type: CheckTTL, TTL: time.Second}, CheckSpec{Type: CheckHTTP})
	_, err := m.ReportCheck(ctx, ids[1], StatusWarning, "slow")
	require.NoError(t, err)

	critical, _, err := m.ChecksInState(ctx, StatusCritical)
	require.NoError(t, err)
	require.Len(t, critical, 1)
	assert.Equal(t, ids[0], critical[0].ID)
	assert.Equal(t, "web", critical[0].ServiceName)

	all, _, err := m.ChecksInState(ctx, StateAny)
	require.NoError(t, err)
	assert.Len(t, all, 2)
	assert.Equal(t, "slow", all[1].Output)
}

func TestKV(t *testing.T) {
	m, _ := newTestRegistry()
	ctx := context.Background()
	_, err := m.KVPut(ctx, "/app/a", []byte("1"), 0)
	require.NoError(t, err)
	_, err = m.KVPut(ctx, "app/b", []byte("2"), 7)
	require.NoError(t, err)
	idx, err := m.KVPut(ctx, "other", []byte("3"), 0)
	require.NoError(t, err)

	list, listIdx, err := m.KVList(ctx, "app/", true)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "app/a", list[0].Key)
	assert.Equal(t, uint64(7), list[1].Flags)
	assert.Equal(t, idx, listIdx)

	single, _, err := m.KVList(ctx, "app/a", false)
	require.NoError(t, err)
	require.Len(t, single, 1)
	assert.Equal(t, "1", string(single[0].Value))

	// 删除不存在的键不推进索引
	same, err := m.KVDelete(ctx, "missing", false)
	require.NoError(t, err)
	assert.Equal(t, idx, same)

	_, err = m.KVDelete(ctx, "app/", true)
	require.NoError(t, err)
	list, _, _ = m.KVList(ctx, "", true)
	require.Len(t, list, 1)
	assert.Equal(t, "other", list[0].Key)
}

func TestExpirer(t *testing.T) {
	m, clock := newTestRegistry()
	ctx := context.Background()
	ids := register(t, m, "web-1", CheckSpec{Type: CheckTTL, TTL: 10 * time.Second})
	_, err := m.RenewTTL(ctx, ids[0])
	require.NoError(t, err)

	e := NewExpirer(m, nil, time.Second, nil)
	clock.Advance(10 * time.Second)
	assert.Zero(t, e.ExpireOnce(ctx), "exactly at ttl is not expired")

	clock.Advance(time.Millisecond)
	assert.Equal(t, 1, e.ExpireOnce(ctx))
	assert.Zero(t, e.ExpireOnce(ctx), "already critical")

	entries, _, _ := m.HealthService(ctx, "default", "web", ListOptions{})
	assert.Equal(t, "critical", entries[0].Status)
	assert.Equal(t, "TTL expired", entries[0].Checks[0].Output)
}

func TestExpirerLoop(t *testing.T) {
	m, clock := newTestRegistry()
	ctx := context.Background()
	ids := register(t, m, "web-1", CheckSpec{Type: CheckTTL, TTL: time.Second})
	_, err := m.RenewTTL(ctx, ids[0])
	require.NoError(t, err)

	e := NewExpirer(m, nil, time.Second, nil)
	e.Start()
	e.Start()
	defer e.Stop()

	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, clock.BlockUntilContext(waitCtx, 1))
	clock.Advance(2 * time.Second)

	assert.Eventually(t, func() bool {
		critical, _, _ := m.ChecksInState(ctx, StatusCritical)
		return len(critical) == 1
	}, 5*time.Second, 10*time.Millisecond)
}
