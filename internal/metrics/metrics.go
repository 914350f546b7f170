// Package metrics exposes PgDog's Prometheus collectors. Ported from the
// teacher's metrics/metrics.go: a custom *prometheus.Registry (never the
// global default, so multiple instances never collide), one GaugeVec per
// connection-state count, HistogramVecs for latencies, CounterVecs for
// terminal events. Labels are generalized from the teacher's single
// "tenant" dimension to "cluster"/"shard"/"role", matching the identity
// tuple internal/pool keys on.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/pgdog/pgdog-core/internal/cluster"
)

// Collector holds all Prometheus metrics for PgDog.
type Collector struct {
	Registry *prometheus.Registry

	connectionsActive  *prometheus.GaugeVec
	connectionsIdle    *prometheus.GaugeVec
	connectionsTotal   *prometheus.GaugeVec
	connectionsWaiting *prometheus.GaugeVec
	queryDuration      *prometheus.HistogramVec
	clusterHealth      *prometheus.GaugeVec
	poolExhausted      *prometheus.CounterVec

	healthCheckDuration *prometheus.HistogramVec
	healthCheckErrors   *prometheus.CounterVec

	transactionsTotal   *prometheus.CounterVec
	transactionDuration *prometheus.HistogramVec
	acquireDuration     *prometheus.HistogramVec
	sessionPinsTotal    *prometheus.CounterVec
	backendResetsTotal  *prometheus.CounterVec
	dirtyDisconnects    *prometheus.CounterVec

	shardsGathered   *prometheus.HistogramVec
	gatherErrors     *prometheus.CounterVec
	routingRejected  *prometheus.CounterVec
}

var identityLabels = []string{"cluster", "shard", "role"}

// New creates and registers all Prometheus metrics on an independent
// registry, safe to call more than once (e.g. in tests).
func New() *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		Registry: reg,
		connectionsActive: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{Name: "pgdog_connections_active", Help: "Active server connections per identity"},
			identityLabels,
		),
		connectionsIdle: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{Name: "pgdog_connections_idle", Help: "Idle server connections per identity"},
			identityLabels,
		),
		connectionsTotal: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{Name: "pgdog_connections_total", Help: "Total server connections per identity"},
			identityLabels,
		),
		connectionsWaiting: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{Name: "pgdog_connections_waiting", Help: "Clients waiting for a connection per identity"},
			identityLabels,
		),
		queryDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pgdog_query_duration_seconds",
				Help:    "Duration of proxied statements",
				Buckets: prometheus.ExponentialBuckets(0.001, 2, 15),
			},
			identityLabels,
		),
		clusterHealth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{Name: "pgdog_cluster_health", Help: "Health of a cluster/shard/role (1=healthy, 0=banned)"},
			identityLabels,
		),
		poolExhausted: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "pgdog_pool_exhausted_total", Help: "Times a pool was exhausted per identity"},
			identityLabels,
		),
		healthCheckDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pgdog_health_check_duration_seconds",
				Help:    "Duration of health check probes",
				Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
			},
			append(append([]string{}, identityLabels...), "status"),
		),
		healthCheckErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "pgdog_health_check_errors_total", Help: "Health check errors by type"},
			append(append([]string{}, identityLabels...), "error_type"),
		),
		transactionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "pgdog_transactions_total", Help: "Completed transactions (transaction-mode pooling)"},
			identityLabels,
		),
		transactionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pgdog_transaction_duration_seconds",
				Help:    "Duration from backend acquire to return per transaction",
				Buckets: prometheus.ExponentialBuckets(0.0005, 2, 16),
			},
			identityLabels,
		),
		acquireDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pgdog_acquire_duration_seconds",
				Help:    "Time spent waiting to acquire a server connection",
				Buckets: prometheus.ExponentialBuckets(0.0001, 2, 16),
			},
			identityLabels,
		),
		sessionPinsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "pgdog_session_pins_total", Help: "Client sessions pinned to one server connection"},
			append(append([]string{}, identityLabels...), "reason"),
		),
		backendResetsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "pgdog_backend_resets_total", Help: "DISCARD ALL resets issued before reuse"},
			identityLabels,
		),
		dirtyDisconnects: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "pgdog_dirty_disconnects_total", Help: "Connections closed instead of reset because DISCARD ALL failed"},
			identityLabels,
		),
		shardsGathered: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pgdog_gather_shard_count",
				Help:    "Number of shards fanned out to per cross-shard query",
				Buckets: prometheus.LinearBuckets(1, 1, 16),
			},
			[]string{"cluster"},
		),
		gatherErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "pgdog_gather_errors_total", Help: "Cross-shard gather failures by reason"},
			[]string{"cluster", "reason"},
		),
		routingRejected: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "pgdog_routing_rejected_total", Help: "Statements rejected by the router by reason"},
			[]string{"cluster", "reason"},
		),
	}

	reg.MustRegister(
		c.connectionsActive, c.connectionsIdle, c.connectionsTotal, c.connectionsWaiting,
		c.queryDuration, c.clusterHealth, c.poolExhausted,
		c.healthCheckDuration, c.healthCheckErrors,
		c.transactionsTotal, c.transactionDuration, c.acquireDuration,
		c.sessionPinsTotal, c.backendResetsTotal, c.dirtyDisconnects,
		c.shardsGathered, c.gatherErrors, c.routingRejected,
	)
	return c
}

func labels(id cluster.Identity) prometheus.Labels {
	return prometheus.Labels{
		"cluster": id.Cluster,
		"shard":   itoa(id.Shard),
		"role":    id.Role.String(),
	}
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// SetPoolOccupancy updates the active/idle/total/waiting gauges for id.
func (c *Collector) SetPoolOccupancy(id cluster.Identity, active, idle, total, waiting int) {
	l := labels(id)
	c.connectionsActive.With(l).Set(float64(active))
	c.connectionsIdle.With(l).Set(float64(idle))
	c.connectionsTotal.With(l).Set(float64(total))
	c.connectionsWaiting.With(l).Set(float64(waiting))
}

// ObserveQueryDuration records one statement's wall-clock duration.
func (c *Collector) ObserveQueryDuration(id cluster.Identity, d time.Duration) {
	c.queryDuration.With(labels(id)).Observe(d.Seconds())
}

// SetClusterHealth reports a 1/0 gauge for dashboarding.
func (c *Collector) SetClusterHealth(id cluster.Identity, healthy bool) {
	v := 0.0
	if healthy {
		v = 1.0
	}
	c.clusterHealth.With(labels(id)).Set(v)
}

// IncPoolExhausted records one wait-for-connection event.
func (c *Collector) IncPoolExhausted(id cluster.Identity) {
	c.poolExhausted.With(labels(id)).Inc()
}

// ObserveHealthCheck records a health probe's duration and outcome.
func (c *Collector) ObserveHealthCheck(id cluster.Identity, d time.Duration, healthy bool) {
	l := labels(id)
	status := "healthy"
	if !healthy {
		status = "unhealthy"
	}
	l["status"] = status
	c.healthCheckDuration.With(l).Observe(d.Seconds())
}

// IncHealthCheckError records a failed probe by error type.
func (c *Collector) IncHealthCheckError(id cluster.Identity, errType string) {
	l := labels(id)
	l["error_type"] = errType
	c.healthCheckErrors.With(l).Inc()
}

// IncTransaction records one completed transaction and its duration.
func (c *Collector) IncTransaction(id cluster.Identity, d time.Duration) {
	c.transactionsTotal.With(labels(id)).Inc()
	c.transactionDuration.With(labels(id)).Observe(d.Seconds())
}

// ObserveAcquire records time spent waiting for Pool.Acquire.
func (c *Collector) ObserveAcquire(id cluster.Identity, d time.Duration) {
	c.acquireDuration.With(labels(id)).Observe(d.Seconds())
}

// IncSessionPin records a client pinned to a server connection, with why.
func (c *Collector) IncSessionPin(id cluster.Identity, reason string) {
	l := labels(id)
	l["reason"] = reason
	c.sessionPinsTotal.With(l).Inc()
}

// IncBackendReset records a successful DISCARD ALL before reuse.
func (c *Collector) IncBackendReset(id cluster.Identity) {
	c.backendResetsTotal.With(labels(id)).Inc()
}

// IncDirtyDisconnect records a connection closed instead of reset.
func (c *Collector) IncDirtyDisconnect(id cluster.Identity) {
	c.dirtyDisconnects.With(labels(id)).Inc()
}

// ObserveGatherShardCount records the fan-out width of one cross-shard
// query.
func (c *Collector) ObserveGatherShardCount(clusterName string, n int) {
	c.shardsGathered.With(prometheus.Labels{"cluster": clusterName}).Observe(float64(n))
}

// IncGatherError records a cross-shard gather failure by reason.
func (c *Collector) IncGatherError(clusterName, reason string) {
	c.gatherErrors.With(prometheus.Labels{"cluster": clusterName, "reason": reason}).Inc()
}

// IncRoutingRejected records a statement the router refused to route.
func (c *Collector) IncRoutingRejected(clusterName, reason string) {
	c.routingRejected.With(prometheus.Labels{"cluster": clusterName, "reason": reason}).Inc()
}

// RemoveCluster deletes every metric series for a removed cluster, across
// all shards/roles, mirroring the teacher's RemoveTenant label cleanup.
func (c *Collector) RemoveCluster(clusterName string) {
	match := prometheus.Labels{"cluster": clusterName}
	c.connectionsActive.DeletePartialMatch(match)
	c.connectionsIdle.DeletePartialMatch(match)
	c.connectionsTotal.DeletePartialMatch(match)
	c.connectionsWaiting.DeletePartialMatch(match)
	c.queryDuration.DeletePartialMatch(match)
	c.clusterHealth.DeletePartialMatch(match)
	c.poolExhausted.DeletePartialMatch(match)
	c.healthCheckDuration.DeletePartialMatch(match)
	c.healthCheckErrors.DeletePartialMatch(match)
	c.transactionsTotal.DeletePartialMatch(match)
	c.transactionDuration.DeletePartialMatch(match)
	c.acquireDuration.DeletePartialMatch(match)
	c.sessionPinsTotal.DeletePartialMatch(match)
	c.backendResetsTotal.DeletePartialMatch(match)
	c.dirtyDisconnects.DeletePartialMatch(match)
	c.shardsGathered.DeletePartialMatch(match)
	c.gatherErrors.DeletePartialMatch(match)
	c.routingRejected.DeletePartialMatch(match)
}
