package main

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"gorm.io/gorm"
)

// Metrics contains all Prometheus metrics for the application
type Metrics struct {
	// WebSocket connection metrics
	ConnectedClients prometheus.Gauge
	ConnectionsTotal prometheus.Counter
	MessageReceived  prometheus.Counter
	MessageSent      prometheus.Counter

	// Registration metrics
	RegisterAttemptsTotal   *prometheus.CounterVec
	RegisterAttemptsSuccess *prometheus.CounterVec
	RegisterAttemptsFail    *prometheus.CounterVec

	// RPC and REST request metrics
	RPCRequests  *prometheus.CounterVec
	HTTPRequests *prometheus.CounterVec

	// Ledger metrics
	Challenges        *prometheus.GaugeVec
	ExpiredChallenges prometheus.Counter

	// Battle metrics
	LiveSessions          prometheus.Gauge
	BattlesResolved       *prometheus.CounterVec
	BattleTurns           prometheus.Histogram
	BattleResolveDuration prometheus.Histogram

	// Collaborator metrics
	StatsLookups  *prometheus.CounterVec
	Notifications *prometheus.CounterVec
}

// NewMetrics initializes and registers Prometheus metrics
func NewMetrics() *Metrics {
	return NewMetricsWithRegistry(nil)
}

// NewMetricsWithRegistry initializes and registers Prometheus metrics with a custom registry
func NewMetricsWithRegistry(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registry)

	metrics := &Metrics{
		ConnectedClients: factory.NewGauge(prometheus.GaugeOpts{
			Name: "battlenode_connected_clients",
			Help: "The current number of connected clients",
		}),
		ConnectionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "battlenode_connections_total",
			Help: "The total number of WebSocket connections made since server start",
		}),
		MessageReceived: factory.NewCounter(prometheus.CounterOpts{
			Name: "battlenode_ws_messages_received_total",
			Help: "The total number of WebSocket messages received",
		}),
		MessageSent: factory.NewCounter(prometheus.CounterOpts{
			Name: "battlenode_ws_messages_sent_total",
			Help: "The total number of WebSocket messages sent",
		}),
		RegisterAttemptsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "battlenode_register_attempts_total",
				Help: "The total number of socket registration attempts",
			},
			[]string{"auth_method"},
		),
		RegisterAttemptsSuccess: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "battlenode_register_attempts_success",
				Help: "The total number of successful socket registrations",
			},
			[]string{"auth_method"},
		),
		RegisterAttemptsFail: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "battlenode_register_attempts_fail",
				Help: "The total number of failed socket registrations",
			},
			[]string{"auth_method"},
		),
		RPCRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "battlenode_rpc_requests_total",
				Help: "The total number of RPC requests by method",
			},
			[]string{"method", "status"},
		),
		HTTPRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "battlenode_http_requests_total",
				Help: "The total number of REST requests by route and status code",
			},
			[]string{"method", "route", "code"},
		),
		Challenges: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "battlenode_challenges",
			Help: "The number of challenges by status",
		},
			[]string{"status"},
		),
		ExpiredChallenges: factory.NewCounter(prometheus.CounterOpts{
			Name: "battlenode_challenges_expired_total",
			Help: "The total number of pending challenges cancelled by the sweeper",
		}),
		LiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "battlenode_live_sessions",
			Help: "The current number of in-memory battle sessions",
		}),
		BattlesResolved: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "battlenode_battles_resolved_total",
				Help: "The total number of battles resolved by execution mode",
			},
			[]string{"mode"},
		),
		BattleTurns: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "battlenode_battle_turns",
			Help:    "The number of turns a battle took",
			Buckets: []float64{1, 2, 5, 10, 20, 50, 100},
		}),
		BattleResolveDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "battlenode_battle_resolve_duration_seconds",
			Help:    "Time spent simulating a battle on the synchronous path",
			Buckets: prometheus.ExponentialBuckets(0.0001, 4, 8),
		}),
		StatsLookups: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "battlenode_stats_lookups_total",
				Help: "Species stat lookups by the tier that answered them",
			},
			[]string{"tier"},
		),
		Notifications: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "battlenode_notifications_total",
				Help: "Notifications by event and delivery channel",
			},
			[]string{"event", "channel"},
		),
	}

	return metrics
}

// UpdateChallengeMetrics refreshes the per-status challenge gauge from the database.
func (m *Metrics) UpdateChallengeMetrics(db *gorm.DB) error {
	type StatusCount struct {
		Status string
		Count  int64
	}

	var results []StatusCount

	err := db.Model(&Challenge{}).
		Select("status, COUNT(*) as count").
		Group("status").
		Scan(&results).Error
	if err != nil {
		return err
	}

	// Stage values to avoid partial update issues
	tmp := make(map[string]float64)
	for _, row := range results {
		tmp[row.Status] = float64(row.Count)
	}

	m.Challenges.Reset()
	for status, count := range tmp {
		m.Challenges.WithLabelValues(status).Set(count)
	}
	return nil
}
