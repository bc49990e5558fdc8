/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Local HTTP surface.
var (
	APIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "grimnir_kiosk_api_request_duration_seconds",
			Help:    "Local API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint", "status"},
	)

	APIRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "grimnir_kiosk_api_requests_total",
			Help: "Total local API requests",
		},
		[]string{"method", "endpoint", "status"},
	)

	APIActiveConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "grimnir_kiosk_api_active_connections",
			Help: "In-flight local API requests",
		},
	)

	StreamSubscribers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "grimnir_kiosk_stream_subscribers",
			Help: "Connected websocket snapshot subscribers",
		},
	)
)

// Sync service.
var (
	SyncTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "grimnir_kiosk_sync_total",
			Help: "State updates by trigger (persisted, push, pull, force) and result",
		},
		[]string{"trigger", "result"},
	)

	SyncLastSuccess = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "grimnir_kiosk_sync_last_success_timestamp_seconds",
			Help: "Unix time of the last accepted state update",
		},
	)

	SourceOnline = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "grimnir_kiosk_source_online",
			Help: "Whether the push subscription is connected (1) or not (0)",
		},
	)

	SourceReconnectsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "grimnir_kiosk_source_reconnects_total",
			Help: "Push subscription reconnect attempts",
		},
	)

	CommandsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "grimnir_kiosk_commands_total",
			Help: "Device commands by type and result (applied, duplicate, failed)",
		},
		[]string{"type", "result"},
	)
)

// Media cache.
var (
	MediaResolveTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "grimnir_kiosk_media_resolve_total",
			Help: "Media resolutions by outcome (memory, durable, fetched, fallback)",
		},
		[]string{"outcome"},
	)

	MediaFetchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "grimnir_kiosk_media_fetch_duration_seconds",
			Help:    "Media origin download duration in seconds",
			Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"scheme"},
	)

	MediaCacheBytes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "grimnir_kiosk_media_cache_bytes",
			Help: "Bytes held in the durable media cache",
		},
	)

	MediaEvictionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "grimnir_kiosk_media_evictions_total",
			Help: "Media blobs evicted for capacity",
		},
	)

	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "grimnir_kiosk_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)
)

// Engine and rotation.
var (
	EvaluationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "grimnir_kiosk_evaluations_total",
			Help: "Content evaluations by resulting kind (blocked, override, items, empty)",
		},
		[]string{"kind"},
	)

	RotationTransitionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "grimnir_kiosk_rotation_transitions_total",
			Help: "Rotation item transitions",
		},
	)

	TelemetryFlushTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "grimnir_kiosk_telemetry_flush_total",
			Help: "Telemetry flushes by result",
		},
		[]string{"result"},
	)
)

// Local durable store.
var (
	StoreDegraded = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "grimnir_kiosk_store_degraded",
			Help: "Whether the durable store fell back to memory (1) or not (0)",
		},
	)

	DatabaseQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "grimnir_kiosk_database_query_duration_seconds",
			Help:    "Store query duration in seconds",
			Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		},
		[]string{"operation", "table"},
	)

	DatabaseErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "grimnir_kiosk_database_errors_total",
			Help: "Store errors by operation",
		},
		[]string{"operation", "error_type"},
	)

	DatabaseConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "grimnir_kiosk_database_connections_active",
			Help: "Open store connections",
		},
	)
)

// Handler exposes the Prometheus metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
