// Package metrics collects Prometheus metrics for one replica: chat operation
// counts, replication fan-out outcomes, election and heartbeat activity, and
// the current leadership state.
package metrics

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector owns the replica's Prometheus registry and metrics.
type Collector struct {
	registry *prometheus.Registry

	operationCounter   *prometheus.CounterVec
	operationDuration  *prometheus.HistogramVec
	replicationCounter *prometheus.CounterVec
	electionCounter    *prometheus.CounterVec
	heartbeatCounter   *prometheus.CounterVec
	leaderGauge        prometheus.Gauge
	joinCounter        prometheus.Counter

	server *http.Server
}

// NewCollector creates a collector with all metrics registered on a private
// registry.
func NewCollector(serverID int) (*Collector, error) {
	registry := prometheus.NewRegistry()

	c := &Collector{
		registry: registry,
		operationCounter: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "replichat",
			Name:        "operations_total",
			Help:        "Chat operations handled, by operation and result.",
			ConstLabels: prometheus.Labels{"server_id": fmt.Sprint(serverID)},
		}, []string{"operation", "result"}),
		operationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   "replichat",
			Name:        "operation_duration_seconds",
			Help:        "Chat operation latency.",
			Buckets:     prometheus.DefBuckets,
			ConstLabels: prometheus.Labels{"server_id": fmt.Sprint(serverID)},
		}, []string{"operation"}),
		replicationCounter: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "replichat",
			Name:        "replication_fanout_total",
			Help:        "Replication fan-out attempts, by result.",
			ConstLabels: prometheus.Labels{"server_id": fmt.Sprint(serverID)},
		}, []string{"result"}),
		electionCounter: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "replichat",
			Name:        "elections_total",
			Help:        "Elections, by outcome (started, won, lost).",
			ConstLabels: prometheus.Labels{"server_id": fmt.Sprint(serverID)},
		}, []string{"outcome"}),
		heartbeatCounter: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "replichat",
			Name:        "heartbeats_total",
			Help:        "Heartbeats sent to peers, by result.",
			ConstLabels: prometheus.Labels{"server_id": fmt.Sprint(serverID)},
		}, []string{"result"}),
		leaderGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "replichat",
			Name:        "is_leader",
			Help:        "1 when this replica is leader, 0 otherwise.",
			ConstLabels: prometheus.Labels{"server_id": fmt.Sprint(serverID)},
		}),
		joinCounter: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "replichat",
			Name:        "join_transfers_total",
			Help:        "State snapshots served to joining replicas.",
			ConstLabels: prometheus.Labels{"server_id": fmt.Sprint(serverID)},
		}),
	}

	collectors := []prometheus.Collector{
		c.operationCounter,
		c.operationDuration,
		c.replicationCounter,
		c.electionCounter,
		c.heartbeatCounter,
		c.leaderGauge,
		c.joinCounter,
	}
	for _, col := range collectors {
		if err := registry.Register(col); err != nil {
			return nil, fmt.Errorf("failed to register metric: %w", err)
		}
	}

	return c, nil
}

// ObserveOperation records one chat operation and its latency.
func (c *Collector) ObserveOperation(operation string, success bool, duration time.Duration) {
	result := "failure"
	if success {
		result = "success"
	}
	c.operationCounter.WithLabelValues(operation, result).Inc()
	c.operationDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// ObserveReplication records one fan-out attempt outcome.
func (c *Collector) ObserveReplication(success bool) {
	result := "failure"
	if success {
		result = "success"
	}
	c.replicationCounter.WithLabelValues(result).Inc()
}

// ObserveElection records an election event: "started", "won", or "lost".
func (c *Collector) ObserveElection(outcome string) {
	c.electionCounter.WithLabelValues(outcome).Inc()
}

// ObserveHeartbeat records one outbound heartbeat outcome.
func (c *Collector) ObserveHeartbeat(success bool) {
	result := "failure"
	if success {
		result = "success"
	}
	c.heartbeatCounter.WithLabelValues(result).Inc()
}

// SetLeader updates the leadership gauge.
func (c *Collector) SetLeader(isLeader bool) {
	if isLeader {
		c.leaderGauge.Set(1)
	} else {
		c.leaderGauge.Set(0)
	}
}

// ObserveJoinTransfer records one served state transfer.
func (c *Collector) ObserveJoinTransfer() {
	c.joinCounter.Inc()
}

// StartServer exposes /metrics on the given address in a background goroutine.
func (c *Collector) StartServer(address string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{}))

	c.server = &http.Server{
		Addr:         address,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}

	go func() {
		_ = c.server.ListenAndServe()
	}()
}

// Shutdown stops the metrics server if it was started.
func (c *Collector) Shutdown(ctx context.Context) error {
	if c.server == nil {
		return nil
	}
	return c.server.Shutdown(ctx)
}
