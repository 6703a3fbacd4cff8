package server

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"siderwatch/internal/registry"
)

func TestMemoryModeExpiresTTLChecksOnLeader(t *testing.T) {
	clock := clockwork.NewFakeClock()
	s, err := New(Config{HTTPAddr: "127.0.0.1:0", Clock: clock, ExpireInterval: time.Second})
	require.NoError(t, err)
	defer func() { _ = s.Close() }()
	assert.True(t, s.Node().IsLeader())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := s.WatchLeadership(ctx)

	reg := s.Registry()
	_, ids, err := reg.RegisterInstance(ctx, registry.ServiceInstance{Namespace: "default", Service: "web", ID: "web-1"},
		[]registry.CheckSpec{{Type: registry.CheckTTL, TTL: 5 * time.Second}})
	require.NoError(t, err)
	_, err = reg.RenewTTL(ctx, ids[0])
	require.NoError(t, err)

	// 本地节点一开始就是 Leader，过期器的 ticker 随后注册到假时钟
	blockCtx, blockCancel := context.WithTimeout(ctx, 5*time.Second)
	defer blockCancel()
	require.NoError(t, clock.BlockUntilContext(blockCtx, 1))
	clock.Advance(6 * time.Second)

	require.Eventually(t, func() bool {
		checks, _, err := reg.ChecksInState(ctx, registry.StatusCritical)
		return err == nil && len(checks) == 1
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	<-done
}

func TestMetricsEndpoint(t *testing.T) {
	s, err := New(Config{HTTPAddr: "127.0.0.1:0"})
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/v1/catalog/services")
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "siderwatch_api_request")
}

func TestClusterModeRequiresIdentity(t *testing.T) {
	_, err := New(Config{RaftDir: t.TempDir()})
	assert.Error(t, err)
}

func TestClusterModeSingleNode(t *testing.T) {
	if testing.Short() {
		t.Skip("starts a real raft node")
	}
	s, err := New(Config{
		HTTPAddr:  "127.0.0.1:0",
		RaftID:    "node-1",
		RaftBind:  "127.0.0.1:0",
		RaftDir:   t.TempDir(),
		Bootstrap: true,
	})
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	require.Eventually(t, s.Node().IsLeader, 10*time.Second, 50*time.Millisecond)
	assert.NotEmpty(t, s.Node().Leader())

	ctx := context.Background()
	idx, err := s.Registry().KVPut(ctx, "config/a", []byte("1"), 0)
	require.NoError(t, err)
	assert.Positive(t, idx)

	entries, _, err := s.Registry().KVList(ctx, "config/a", false)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, []byte("1"), entries[0].Value)
}
