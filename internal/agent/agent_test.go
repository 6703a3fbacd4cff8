package agent

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"

	"siderwatch/internal/api"
	"siderwatch/internal/client"
	"siderwatch/internal/registry"
)

func newBackend(t *testing.T) (*client.Client, *registry.MemoryRegistry) {
	t.Helper()
	mem := registry.NewMemoryRegistry()
	srv := httptest.NewServer((&api.HTTPServer{Reg: mem}).Router())
	t.Cleanup(srv.Close)
	c, err := client.New(client.Config{Hosts: []string{srv.URL}})
	require.NoError(t, err)
	return c, mem
}

func TestAgentRegistersRunsChecksAndDeregisters(t *testing.T) {
	c, mem := newBackend(t)
	app := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer app.Close()

	a := New(Config{
		Service: "web",
		ID:      "web-1",
		TTL:     30 * time.Second,
		Checks: []client.CheckDefinition{
			{Type: "http", Path: app.URL + "/health", Interval: "1h"},
			{Type: "tcp", Path: strings.TrimPrefix(app.URL, "http://"), Interval: "1h"},
		},
		DeregisterOnExit: true,
	}, c)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- a.Run(ctx) }()

	// 三个检查（http、tcp、补上的 ttl）首轮都应通过
	require.Eventually(t, func() bool {
		entries, _, err := mem.HealthService(context.Background(), "default", "web", registry.ListOptions{PassingOnly: true})
		return err == nil && len(entries) == 1 && len(entries[0].Checks) == 3
	}, 5*time.Second, 20*time.Millisecond)

	entries, _, err := mem.HealthService(context.Background(), "default", "web", registry.ListOptions{})
	require.NoError(t, err)
	assert.Equal(t, "siderwatch", entries[0].Meta["agent"])

	cancel()
	require.NoError(t, <-errCh)

	names, _, err := mem.ListServices(context.Background(), "default")
	require.NoError(t, err)
	assert.Empty(t, names)
}

func TestAgentRequiresService(t *testing.T) {
	c, _ := newBackend(t)
	err := New(Config{}, c).Run(context.Background())
	assert.Error(t, err)
}

func TestAgentGeneratesID(t *testing.T) {
	c, mem := newBackend(t)
	a := New(Config{Service: "api", Port: 9000}, c)
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- a.Run(ctx) }()

	require.Eventually(t, func() bool {
		entries, _, err := mem.HealthService(context.Background(), "default", "api", registry.ListOptions{})
		return err == nil && len(entries) == 1
	}, 5*time.Second, 20*time.Millisecond)
	cancel()
	require.NoError(t, <-errCh)
	assert.True(t, strings.HasPrefix(a.ID(), "api-"))
	assert.True(t, strings.HasSuffix(a.ID(), "-9000"))
}

func TestProbeHTTPStatusMapping(t *testing.T) {
	status := atomic.NewInt32(http.StatusOK)
	app := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(int(status.Load()))
	}))
	defer app.Close()
	a := New(Config{}, nil)

	for code, want := range map[int]client.CheckAction{
		http.StatusOK:                  client.CheckPass,
		http.StatusNotFound:            client.CheckWarn,
		http.StatusServiceUnavailable:  client.CheckFail,
		http.StatusInternalServerError: client.CheckFail,
	} {
		status.Store(int32(code))
		got, _ := a.probeHTTP(context.Background(), app.URL, time.Second)
		assert.Equal(t, want, got, "status %d", code)
	}
}

func TestProbeTCPAndCmd(t *testing.T) {
	app := httptest.NewServer(http.NotFoundHandler())
	addr := strings.TrimPrefix(app.URL, "http://")

	action, _ := probeTCP(context.Background(), addr, time.Second)
	assert.Equal(t, client.CheckPass, action)
	app.Close()
	action, out := probeTCP(context.Background(), addr, time.Second)
	assert.Equal(t, client.CheckFail, action)
	assert.NotEmpty(t, out)

	action, out = probeCmd(context.Background(), "echo ok", time.Second)
	assert.Equal(t, client.CheckPass, action)
	assert.Equal(t, "ok\n", out)
	action, _ = probeCmd(context.Background(), "exit 3", time.Second)
	assert.Equal(t, client.CheckFail, action)
}
