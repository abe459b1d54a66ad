// Package metrics registers the Prometheus collectors the daemon exposes
// at /metrics: run outcomes, bytes transferred, retention deletions, and
// the next scheduled run time.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds every collector the daemon registers once at startup.
type Metrics struct {
	BackupRunsTotal         *prometheus.CounterVec
	BackupBytesTotal        prometheus.Counter
	RetentionDeletedTotal   *prometheus.CounterVec
	SchedulerNextRunSeconds prometheus.Gauge
}

// New creates and registers all collectors against reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		BackupRunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "btrfsvault",
			Name:      "backup_runs_total",
			Help:      "Number of completed backup runs by terminal status.",
		}, []string{"status"}),
		BackupBytesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "btrfsvault",
			Name:      "backup_bytes_total",
			Help:      "Total bytes transferred to the remote host across all runs.",
		}),
		RetentionDeletedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "btrfsvault",
			Name:      "retention_deleted_total",
			Help:      "Number of artifacts or ledger rows deleted by retention, by phase.",
		}, []string{"phase"}),
		SchedulerNextRunSeconds: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "btrfsvault",
			Name:      "scheduler_next_run_seconds",
			Help:      "Unix timestamp (seconds) of the next scheduled backup run, 0 if disabled.",
		}),
	}

	reg.MustRegister(
		m.BackupRunsTotal,
		m.BackupBytesTotal,
		m.RetentionDeletedTotal,
		m.SchedulerNextRunSeconds,
	)
	return m
}
