package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"siderwatch/internal/cache"
	"siderwatch/internal/timeout"
)

const sample = `
client:
  hosts: ["127.0.0.1:8500", "127.0.0.1:8501"]
  timeout: 10s
  timeoutAutoAdjustment: {enabled: true, margin: 2s}
  failover: {banDuration: 30s}
cache:
  backOffDelay: {min: 10s, max: 20s}
  watchDurationSeconds: 10
  minimumDurationBetweenRequests: 0s
  errorLogLevel: error
  overrides:
    "health.service:web":
      watchDurationSeconds: 30
      errorLogLevel: warn
`

func TestParseAndConvert(t *testing.T) {
	cfg, err := Parse([]byte(sample))
	require.NoError(t, err)

	cc := cfg.ClientConfig()
	assert.Equal(t, []string{"127.0.0.1:8500", "127.0.0.1:8501"}, cc.Hosts)
	assert.Equal(t, 10*time.Second, cc.Timeout)
	assert.True(t, cc.TimeoutAutoAdjustment.Enabled)
	assert.Equal(t, 2*time.Second, cc.TimeoutAutoAdjustment.Margin)
	assert.Equal(t, 30*time.Second, cc.BanDuration)

	def := cfg.CacheConfig(cache.Descriptor{Kind: cache.KindKV, Qualifier: "config/"})
	assert.Equal(t, 10*time.Second, def.BackoffMin)
	assert.Equal(t, 20*time.Second, def.BackoffMax)
	assert.Equal(t, 10*time.Second, def.WatchDuration)
	assert.Equal(t, hclog.Error, def.ErrorLogLevel)

	web := cfg.CacheConfig(cache.ServiceHealthDescriptor("", "web"))
	assert.Equal(t, 30*time.Second, web.WatchDuration)
	assert.Equal(t, hclog.Warn, web.ErrorLogLevel)
	assert.Equal(t, 10*time.Second, web.BackoffMin, "fields without override keep defaults")
	assert.Equal(t, cache.ServiceHealthDescriptor("", "web"), web.Descriptor)
}

func TestParseMinimal(t *testing.T) {
	cfg, err := Parse([]byte("client:\n  hosts: [localhost:8500]\n"))
	require.NoError(t, err)
	cc := cfg.CacheConfig(cache.Descriptor{Kind: cache.KindCatalogServices})
	assert.Zero(t, cc.WatchDuration)
	assert.Equal(t, hclog.NoLevel, cc.ErrorLogLevel)

	// 未写 timeoutAutoAdjustment 时默认开启
	adj := cfg.ClientConfig().TimeoutAutoAdjustment
	require.NotNil(t, adj)
	assert.True(t, adj.Enabled)
	assert.Equal(t, timeout.DefaultMargin, adj.Margin)
}

func TestTimeoutAdjustmentCanBeDisabled(t *testing.T) {
	cfg, err := Parse([]byte("client:\n  hosts: [a]\n  timeoutAutoAdjustment: {enabled: false}\n"))
	require.NoError(t, err)
	adj := cfg.ClientConfig().TimeoutAutoAdjustment
	assert.False(t, adj.Enabled)
	assert.Equal(t, timeout.DefaultMargin, adj.Margin)

	cfg, err = Parse([]byte("client:\n  hosts: [a]\n  timeoutAutoAdjustment: {margin: 0s}\n"))
	require.NoError(t, err)
	adj = cfg.ClientConfig().TimeoutAutoAdjustment
	assert.True(t, adj.Enabled)
	assert.Zero(t, adj.Margin)
}

func TestParseErrors(t *testing.T) {
	for name, doc := range map[string]string{
		"no hosts":         "client:\n  hosts: []\n",
		"empty host":       "client:\n  hosts: ['']\n",
		"bad duration":     "client:\n  hosts: [a]\n  timeout: soon\n",
		"negative margin":  "client:\n  hosts: [a]\n  timeoutAutoAdjustment: {margin: -1s}\n",
		"watch too long":   "client:\n  hosts: [a]\ncache:\n  watchDurationSeconds: 601\n",
		"bad level":        "client:\n  hosts: [a]\ncache:\n  errorLogLevel: loud\n",
		"bad override":     "client:\n  hosts: [a]\ncache:\n  overrides:\n    kv: {watchDurationSeconds: -1}\n",
		"bad scheme":       "client:\n  hosts: [a]\n  scheme: ftp\n",
		"not yaml":         "client: [",
		"missing sections": "{}",
	} {
		_, err := Parse([]byte(doc))
		var cerr *Error
		assert.True(t, errors.As(err, &cerr), name)
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "watch.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sample), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Len(t, cfg.Client.Hosts, 2)

	_, err = Load(filepath.Join(dir, "missing.yaml"))
	var cerr *Error
	require.True(t, errors.As(err, &cerr))
	assert.Contains(t, cerr.Error(), "missing.yaml")
}

func TestLoadAgents(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.yaml"), []byte(`
servers: ["127.0.0.1:8500"]
deregister_on_exit: true
services:
  - service: web
    port: 8080
    ttl: 15s
  - service: api
    port: 9000
    checks:
      - {type: http, path: "http://127.0.0.1:9000/health", interval: 5s}
`), 0o600))
	// JSON 单服务文件
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.json"), []byte(`{"service": "db", "ns": "infra", "port": 5432}`), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("ignored"), 0o600))

	servers, services, err := LoadAgents(dir)
	require.NoError(t, err)
	assert.Equal(t, []string{"127.0.0.1:8500"}, servers)
	require.Len(t, services, 3)
	assert.Equal(t, "web", services[0].Service)
	assert.Equal(t, 15*time.Second, services[0].TTL)
	assert.True(t, services[0].DeregisterOnExit)
	assert.Equal(t, "http", services[1].Checks[0].Type)
	assert.Equal(t, "db", services[2].Service)
	assert.Equal(t, "infra", services[2].Namespace)
	assert.False(t, services[2].DeregisterOnExit)
}

func TestLoadAgentsErrors(t *testing.T) {
	dir := t.TempDir()
	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("services:\n  - service: web\n    checks: [{type: grpc}]\n"), 0o600))
	_, _, err := LoadAgents(bad)
	var cerr *Error
	assert.True(t, errors.As(err, &cerr))

	empty := filepath.Join(dir, "empty.yaml")
	require.NoError(t, os.WriteFile(empty, []byte("servers: [a]\n"), 0o600))
	_, _, err = LoadAgents(empty)
	assert.Error(t, err)

	_, _, err = LoadAgents(filepath.Join(dir, "nope"))
	assert.Error(t, err)
}
