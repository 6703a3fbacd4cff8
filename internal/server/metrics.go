package server

import (
	"net/http"
	"time"

	"github.com/hashicorp/go-metrics"
	prommetrics "github.com/hashicorp/go-metrics/prometheus"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// setupMetrics 把全局 go-metrics 输出到独立的 Prometheus 注册表，返回 /metrics 处理器。
func setupMetrics(serviceName string) (*metrics.Metrics, http.Handler, error) {
	reg := prometheus.NewRegistry()
	sink, err := prommetrics.NewPrometheusSinkFrom(prommetrics.PrometheusOpts{
		Registerer: reg,
		Expiration: 5 * time.Minute,
	})
	if err != nil {
		return nil, nil, errors.Wrap(err, "prometheus sink")
	}

	cfg := metrics.DefaultConfig(serviceName)
	cfg.EnableHostname = false
	cfg.EnableRuntimeMetrics = false
	m, err := metrics.NewGlobal(cfg, sink)
	if err != nil {
		return nil, nil, errors.Wrap(err, "metrics")
	}

	handler := promhttp.HandlerFor(reg, promhttp.HandlerOpts{
		ErrorHandling: promhttp.ContinueOnError,
	})
	return m, handler, nil
}
