// Package metrics exposes the Prometheus collectors of the tile cache.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	SeedSessions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tilecache_seed_sessions_total",
		Help: "Seed sessions by terminal result",
	}, []string{"layer", "result"})

	SeedActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tilecache_seed_active",
		Help: "Seed sessions currently running",
	})

	TilesResolved = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tilecache_tiles_resolved_total",
		Help: "Seeding tasks by outcome (downloaded, skipped, failed)",
	}, []string{"layer", "outcome"})

	TileBytes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tilecache_tile_bytes_total",
		Help: "Bytes written to storage by seeding",
	}, []string{"layer"})

	UpstreamRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tilecache_upstream_requests_total",
		Help: "Upstream tile requests by result",
	}, []string{"result"})

	UpstreamLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "tilecache_upstream_latency_seconds",
		Help:    "Latency of upstream tile fetches in seconds",
		Buckets: prometheus.DefBuckets,
	})

	ServedTiles = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tilecache_served_tiles_total",
		Help: "Tiles served from storage by result (hit, miss)",
	}, []string{"result"})
)
