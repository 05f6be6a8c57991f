// Package metrics exposes jhol's install-run counters via Prometheus,
// using the same exporter/meter-provider construction as the registry
// server's own download/upload counters.
package metrics

import (
	"context"
	"fmt"
	"net/http"

	promclient "github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

func New() (m Metrics, err error) {
	exporter, err := prometheus.New()
	if err != nil {
		return Metrics{}, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	otel.SetMeterProvider(provider)

	meter := provider.Meter("github.com/bhuvanprakash/jhol")

	if m.PackumentsFetchedTotal, err = meter.Int64Counter("packuments_fetched_total", metric.WithDescription("Total packument fetches, by cache outcome")); err != nil {
		return Metrics{}, fmt.Errorf("failed to create packuments_fetched_total counter: %w", err)
	}
	if m.TarballsDownloadedTotal, err = meter.Int64Counter("tarballs_downloaded_total", metric.WithDescription("Total tarball downloads from the registry")); err != nil {
		return Metrics{}, fmt.Errorf("failed to create tarballs_downloaded_total counter: %w", err)
	}
	if m.DownloadedBytesTotal, err = meter.Int64Counter("downloaded_bytes_total", metric.WithDescription("Total tarball bytes downloaded from the registry")); err != nil {
		return Metrics{}, fmt.Errorf("failed to create downloaded_bytes_total counter: %w", err)
	}
	if m.StoreHitsTotal, err = meter.Int64Counter("store_hits_total", metric.WithDescription("Total content-addressed store cache hits")); err != nil {
		return Metrics{}, fmt.Errorf("failed to create store_hits_total counter: %w", err)
	}
	if m.StoreMissesTotal, err = meter.Int64Counter("store_misses_total", metric.WithDescription("Total content-addressed store cache misses")); err != nil {
		return Metrics{}, fmt.Errorf("failed to create store_misses_total counter: %w", err)
	}
	if m.ResolverNodesVisitedTotal, err = meter.Int64Counter("resolver_nodes_visited_total", metric.WithDescription("Total search nodes visited by the dependency resolver")); err != nil {
		return Metrics{}, fmt.Errorf("failed to create resolver_nodes_visited_total counter: %w", err)
	}
	if m.InstallErrorsTotal, err = meter.Int64Counter("install_errors_total", metric.WithDescription("Total install run failures, by error kind")); err != nil {
		return Metrics{}, fmt.Errorf("failed to create install_errors_total counter: %w", err)
	}

	return m, nil
}

type Metrics struct {
	PackumentsFetchedTotal    metric.Int64Counter
	TarballsDownloadedTotal   metric.Int64Counter
	DownloadedBytesTotal      metric.Int64Counter
	StoreHitsTotal            metric.Int64Counter
	StoreMissesTotal          metric.Int64Counter
	ResolverNodesVisitedTotal metric.Int64Counter
	InstallErrorsTotal        metric.Int64Counter
}

// ListenAndServe exposes the Prometheus /metrics endpoint.
func ListenAndServe(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promclient.Handler())
	return http.ListenAndServe(addr, mux)
}

func (m Metrics) IncrementPackumentFetch(ctx context.Context, cacheOutcome string) {
	if m.PackumentsFetchedTotal == nil {
		return
	}
	m.PackumentsFetchedTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("cache", cacheOutcome)))
}

func (m Metrics) IncrementTarballDownload(ctx context.Context, bytes int64) {
	if m.TarballsDownloadedTotal == nil || m.DownloadedBytesTotal == nil {
		return
	}
	m.TarballsDownloadedTotal.Add(ctx, 1)
	m.DownloadedBytesTotal.Add(ctx, bytes)
}

func (m Metrics) IncrementStoreOutcome(ctx context.Context, hit bool) {
	if hit {
		if m.StoreHitsTotal != nil {
			m.StoreHitsTotal.Add(ctx, 1)
		}
		return
	}
	if m.StoreMissesTotal != nil {
		m.StoreMissesTotal.Add(ctx, 1)
	}
}

func (m Metrics) AddResolverNodesVisited(ctx context.Context, n int64) {
	if m.ResolverNodesVisitedTotal == nil || n == 0 {
		return
	}
	m.ResolverNodesVisitedTotal.Add(ctx, n)
}

func (m Metrics) IncrementInstallError(ctx context.Context, kind string) {
	if m.InstallErrorsTotal == nil {
		return
	}
	m.InstallErrorsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}
