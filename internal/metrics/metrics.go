// Package metrics exposes scheduler activity as Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/openjobspec/ojs-tape-scheduler/internal/core"
)

const namespace = "tape_scheduler"

// Collector groups the scheduler's metrics. A nil *Collector is valid and
// records nothing.
type Collector struct {
	info           *prometheus.GaugeVec
	mountsStarted  *prometheus.CounterVec
	mountsFinished *prometheus.CounterVec
	jobsRouted     *prometheus.CounterVec
	jobsSubmitted  *prometheus.CounterVec
	casConflicts   prometheus.Counter
	leaseAcquires  *prometheus.CounterVec
	deferrals      *prometheus.CounterVec
	driveFaults    *prometheus.CounterVec
	queueJobs      *prometheus.GaugeVec
	queueBytes     *prometheus.GaugeVec
	queueAge       *prometheus.GaugeVec
	activeSessions prometheus.Gauge
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Collector {
	c := &Collector{
		info: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "info", Help: "Build information.",
		}, []string{"version", "store"}),
		mountsStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "mounts_started_total", Help: "Mounts created.",
		}, []string{"pool", "direction"}),
		mountsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "mounts_finished_total", Help: "Mounts that reached a terminal state.",
		}, []string{"pool", "direction", "state"}),
		jobsRouted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "jobs_routed_total", Help: "Jobs moved out of mount sessions, by destination queue type.",
		}, []string{"pool", "direction", "queue_type"}),
		jobsSubmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "jobs_submitted_total", Help: "Jobs accepted by the API.",
		}, []string{"pool", "direction"}),
		casConflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "cas_conflicts_total", Help: "Conditional writes that lost a race.",
		}),
		leaseAcquires: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "lease_acquisitions_total", Help: "Lease acquisition attempts by resource kind and result.",
		}, []string{"kind", "result"}),
		deferrals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "mount_deferrals_total", Help: "Worthy queues that could not get a mount this poll.",
		}, []string{"pool", "direction", "reason"}),
		driveFaults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "drive_faults_total", Help: "Mounts aborted by a drive fault.",
		}, []string{"drive"}),
		queueJobs: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "queue_jobs", Help: "Committed jobs per queue.",
		}, []string{"pool", "direction", "queue_type"}),
		queueBytes: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "queue_bytes", Help: "Committed bytes per queue.",
		}, []string{"pool", "direction", "queue_type"}),
		queueAge: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "queue_oldest_age_seconds", Help: "Age of the oldest job per queue.",
		}, []string{"pool", "direction", "queue_type"}),
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "active_sessions", Help: "Mount sessions running in this process.",
		}),
	}
	reg.MustRegister(
		c.info, c.mountsStarted, c.mountsFinished, c.jobsRouted, c.jobsSubmitted,
		c.casConflicts, c.leaseAcquires, c.deferrals, c.driveFaults,
		c.queueJobs, c.queueBytes, c.queueAge, c.activeSessions,
	)
	return c
}

// SetInfo records the running version and store backend.
func (c *Collector) SetInfo(version, store string) {
	if c == nil {
		return
	}
	c.info.WithLabelValues(version, store).Set(1)
}

func (c *Collector) MountStarted(pool string, dir core.Direction) {
	if c == nil {
		return
	}
	c.mountsStarted.WithLabelValues(pool, string(dir)).Inc()
}

func (c *Collector) MountFinished(pool string, dir core.Direction, state string) {
	if c == nil {
		return
	}
	c.mountsFinished.WithLabelValues(pool, string(dir), state).Inc()
}

func (c *Collector) JobRouted(q core.QueueID) {
	if c == nil {
		return
	}
	c.jobsRouted.WithLabelValues(q.Pool, string(q.Direction), string(q.Type)).Inc()
}

func (c *Collector) JobSubmitted(pool string, dir core.Direction) {
	if c == nil {
		return
	}
	c.jobsSubmitted.WithLabelValues(pool, string(dir)).Inc()
}

// CASConflict has the signature of a kv conflict hook.
func (c *Collector) CASConflict(string) {
	if c == nil {
		return
	}
	c.casConflicts.Inc()
}

func (c *Collector) LeaseAcquire(kind, result string) {
	if c == nil {
		return
	}
	c.leaseAcquires.WithLabelValues(kind, result).Inc()
}

func (c *Collector) Deferred(pool string, dir core.Direction, reason string) {
	if c == nil {
		return
	}
	c.deferrals.WithLabelValues(pool, string(dir), reason).Inc()
}

func (c *Collector) DriveFault(drive string) {
	if c == nil {
		return
	}
	c.driveFaults.WithLabelValues(drive).Inc()
}

// QueueStats publishes the aggregates of a pool queue.
func (c *Collector) QueueStats(q core.QueueID, s core.QueueStats) {
	if c == nil {
		return
	}
	labels := []string{q.Pool, string(q.Direction), string(q.Type)}
	c.queueJobs.WithLabelValues(labels...).Set(float64(s.Count))
	c.queueBytes.WithLabelValues(labels...).Set(float64(s.TotalBytes))
	c.queueAge.WithLabelValues(labels...).Set(float64(s.OldestAgeSeconds))
}

func (c *Collector) SessionsActive(n int) {
	if c == nil {
		return
	}
	c.activeSessions.Set(float64(n))
}
