// Package metrics registers the Prometheus collectors for the backend.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the backend.
type Metrics struct {
	// HTTP metrics
	HTTPRequests *prometheus.CounterVec
	HTTPDuration *prometheus.HistogramVec

	// Receipt pipeline metrics
	ReceiptsSubmitted *prometheus.CounterVec
	RewardCoins       *prometheus.CounterVec
	CommitRetries     prometheus.Counter
	CommitDuration    prometheus.Histogram

	// Admission metrics
	RateLimited  *prometheus.CounterVec
	AuthFailures *prometheus.CounterVec

	// Cache metrics
	CacheHits   *prometheus.CounterVec
	CacheMisses *prometheus.CounterVec

	// Background job metrics
	JobRuns     *prometheus.CounterVec
	JobDuration *prometheus.HistogramVec

	// Live connections
	WSConnections prometheus.Gauge
}

// New creates and registers all backend metrics on the default registry.
func New() *Metrics {
	return &Metrics{
		HTTPRequests: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mallquest_http_requests_total",
				Help: "HTTP requests by route, method and status class",
			},
			[]string{"route", "method", "status"},
		),

		HTTPDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "mallquest_http_request_duration_seconds",
				Help:    "HTTP request latency by route",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"route"},
		),

		ReceiptsSubmitted: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mallquest_receipts_total",
				Help: "Receipts processed by final status",
			},
			[]string{"tenant", "status"}, // status: verified, suspicious, replayed
		),

		RewardCoins: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mallquest_reward_coins_total",
				Help: "Coins credited through the reward pipeline",
			},
			[]string{"tenant", "source"}, // source: receipt, mission, login_bonus, empire
		),

		CommitRetries: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "mallquest_commit_version_retries_total",
				Help: "Optimistic version conflicts retried during commits",
			},
		),

		CommitDuration: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "mallquest_commit_duration_seconds",
				Help:    "Duration of the atomic user-delta commit",
				Buckets: prometheus.DefBuckets,
			},
		),

		RateLimited: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mallquest_rate_limited_total",
				Help: "Requests rejected by the rate limiter",
			},
			[]string{"action"},
		),

		AuthFailures: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mallquest_auth_failures_total",
				Help: "Authentication failures by reason",
			},
			[]string{"reason"}, // reason: bad_token, revoked, expired, lockout, mfa
		),

		CacheHits: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mallquest_cache_hits_total",
				Help: "Cache hits by tier",
			},
			[]string{"tier"}, // tier: local, remote
		),

		CacheMisses: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mallquest_cache_misses_total",
				Help: "Cache misses by tier",
			},
			[]string{"tier"},
		),

		JobRuns: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mallquest_job_runs_total",
				Help: "Background job executions by job and result",
			},
			[]string{"job", "result"}, // result: ok, error
		),

		JobDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "mallquest_job_duration_seconds",
				Help:    "Background job run time",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"job"},
		),

		WSConnections: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "mallquest_ws_connections",
				Help: "Currently connected WebSocket clients",
			},
		),
	}
}
