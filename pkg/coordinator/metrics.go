package coordinator

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics tracks coordinator activity. Register with a shared registry in
// production; tests pass nil to get an isolated one.
type Metrics struct {
	CreateOps         prometheus.Counter
	CreateFailures    prometheus.Counter
	AddBlockOps       prometheus.Counter
	CompleteOps       prometheus.Counter
	LeasesAcquired    prometheus.Counter
	LeaseRecoveries   prometheus.Counter
	BlocksAllocated   prometheus.Counter
	BlocksAbandoned   prometheus.Counter
	PlacementFailures prometheus.Counter

	ActiveLeases           prometheus.Gauge
	FilesUnderConstruction prometheus.Gauge
}

// NewMetrics creates and registers the coordinator metrics.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}

	return &Metrics{
		CreateOps: promauto.With(registry).NewCounter(prometheus.CounterOpts{
			Name: "tidefs_create_ops_total",
			Help: "Total number of file create operations",
		}),
		CreateFailures: promauto.With(registry).NewCounter(prometheus.CounterOpts{
			Name: "tidefs_create_failures_total",
			Help: "Total number of failed file create operations",
		}),
		AddBlockOps: promauto.With(registry).NewCounter(prometheus.CounterOpts{
			Name: "tidefs_add_block_ops_total",
			Help: "Total number of addBlock operations",
		}),
		CompleteOps: promauto.With(registry).NewCounter(prometheus.CounterOpts{
			Name: "tidefs_complete_ops_total",
			Help: "Total number of complete operations",
		}),
		LeasesAcquired: promauto.With(registry).NewCounter(prometheus.CounterOpts{
			Name: "tidefs_leases_acquired_total",
			Help: "Total number of write leases acquired",
		}),
		LeaseRecoveries: promauto.With(registry).NewCounter(prometheus.CounterOpts{
			Name: "tidefs_lease_recoveries_total",
			Help: "Total number of lease-driven file recoveries",
		}),
		BlocksAllocated: promauto.With(registry).NewCounter(prometheus.CounterOpts{
			Name: "tidefs_blocks_allocated_total",
			Help: "Total number of blocks allocated",
		}),
		BlocksAbandoned: promauto.With(registry).NewCounter(prometheus.CounterOpts{
			Name: "tidefs_blocks_abandoned_total",
			Help: "Total number of blocks abandoned or dropped by recovery",
		}),
		PlacementFailures: promauto.With(registry).NewCounter(prometheus.CounterOpts{
			Name: "tidefs_placement_failures_total",
			Help: "Total number of allocations refused for lack of replicas",
		}),
		ActiveLeases: promauto.With(registry).NewGauge(prometheus.GaugeOpts{
			Name: "tidefs_active_leases",
			Help: "Number of currently active write leases",
		}),
		FilesUnderConstruction: promauto.With(registry).NewGauge(prometheus.GaugeOpts{
			Name: "tidefs_files_under_construction",
			Help: "Number of files currently open for write",
		}),
	}
}
