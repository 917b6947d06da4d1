// Package metrics registers the server's Prometheus collectors. One
// Metrics value is created at startup and threaded to the components that
// record into it.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles all server collectors.
type Metrics struct {
	JobRunsTotal      *prometheus.CounterVec
	JobRunDuration    prometheus.Histogram
	EntitiesPurged    prometheus.Counter
	StoragesMoved     prometheus.Counter
	StoragesIndexed   prometheus.Counter
	ConnectedClients  prometheus.Gauge
	ConnectedSlaves   prometheus.Gauge
	CommandsTotal     *prometheus.CounterVec
	AuthFailuresTotal prometheus.Counter
}

// New creates and registers all collectors on the given registerer.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		JobRunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "barkeep_job_runs_total",
			Help: "Job runs by outcome.",
		}, []string{"outcome"}),
		JobRunDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "barkeep_job_run_duration_seconds",
			Help:    "Duration of finished job runs.",
			Buckets: prometheus.ExponentialBuckets(1, 4, 10),
		}),
		EntitiesPurged: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "barkeep_entities_purged_total",
			Help: "Entities removed by the persistence engine.",
		}),
		StoragesMoved: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "barkeep_storages_moved_total",
			Help: "Storages moved to their persistence move-to target.",
		}),
		StoragesIndexed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "barkeep_storages_indexed_total",
			Help: "Storage index refreshes completed by the update worker.",
		}),
		ConnectedClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "barkeep_connected_clients",
			Help: "Currently connected protocol clients.",
		}),
		ConnectedSlaves: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "barkeep_connected_slaves",
			Help: "Currently authorized slave connectors.",
		}),
		CommandsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "barkeep_commands_total",
			Help: "Dispatched protocol commands by result.",
		}, []string{"result"}),
		AuthFailuresTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "barkeep_auth_failures_total",
			Help: "Failed authorization attempts.",
		}),
	}

	reg.MustRegister(
		m.JobRunsTotal, m.JobRunDuration, m.EntitiesPurged, m.StoragesMoved,
		m.StoragesIndexed, m.ConnectedClients, m.ConnectedSlaves,
		m.CommandsTotal, m.AuthFailuresTotal,
	)
	return m
}
