package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Graph compiler metrics (C1)
	GraphsCompiledTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orbit_graphs_compiled_total",
			Help: "Total number of graphs compiled, by outcome",
		},
		[]string{"outcome"},
	)

	GraphCompileDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "orbit_graph_compile_duration_seconds",
			Help:    "Time taken to validate, order, and hash a submitted graph",
			Buckets: prometheus.DefBuckets,
		},
	)

	GraphNodesTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "orbit_graph_nodes_total",
			Help: "Number of nodes in the most recently compiled graph",
		},
	)

	// Incremental planner metrics (C2)
	DirtyNodesTotal = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "orbit_planner_dirty_nodes",
			Help:    "Number of nodes marked dirty per plan",
			Buckets: []float64{0, 1, 2, 5, 10, 25, 50, 100, 250, 500, 1000},
		},
	)

	PlanDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "orbit_planner_plan_duration_seconds",
			Help:    "Time taken to compute the dirty set for a run",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Memory arbiter metrics (C3)
	VRAMUsedBytes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "orbit_arbiter_vram_used_bytes",
			Help: "Estimated VRAM currently held by cached tensors",
		},
	)

	EvictionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "orbit_arbiter_evictions_total",
			Help: "Total number of tensor cache entries evicted",
		},
	)

	ResourceExhaustedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "orbit_arbiter_resource_exhausted_total",
			Help: "Total number of plans rejected because eviction could not free enough VRAM",
		},
	)

	TensorCacheEntries = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "orbit_arbiter_tensor_cache_entries",
			Help: "Number of tensors currently cached in the arena",
		},
	)

	// Shared-memory substrate metrics (C4)
	ShmSlotsInUse = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "orbit_shm_slots_in_use",
			Help: "Number of worker slots currently claimed",
		},
	)

	ShmArenaBytesAllocated = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "orbit_shm_arena_bytes_allocated",
			Help: "Bytes currently allocated out of the tensor data arena",
		},
	)

	// Supervisor + IPC metrics (C5)
	WorkersTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "orbit_workers_total",
			Help: "Number of worker processes by state",
		},
		[]string{"state"},
	)

	WorkerRespawnsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "orbit_worker_respawns_total",
			Help: "Total number of worker respawns triggered by the supervisor",
		},
	)

	WorkerCrashesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orbit_worker_crashes_total",
			Help: "Total number of worker crashes, by whether a job was in flight",
		},
		[]string{"had_job"},
	)

	JobDispatchedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "orbit_jobs_dispatched_total",
			Help: "Total number of JobSubmit packets sent to workers",
		},
	)

	JobDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "orbit_job_duration_seconds",
			Help:    "Observed duration of a dispatched job",
			Buckets: prometheus.DefBuckets,
		},
	)

	IPCPacketsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orbit_ipc_packets_total",
			Help: "Total number of control packets processed, by type",
		},
		[]string{"type"},
	)

	// Glue / orchestrator metrics
	RunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orbit_runs_total",
			Help: "Total number of runs, by terminal state",
		},
		[]string{"state"},
	)

	RunDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "orbit_run_duration_seconds",
			Help:    "Wall-clock duration of a completed run",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 180, 600, 1800},
		},
	)
)

func init() {
	prometheus.MustRegister(
		GraphsCompiledTotal,
		GraphCompileDuration,
		GraphNodesTotal,
		DirtyNodesTotal,
		PlanDuration,
		VRAMUsedBytes,
		EvictionsTotal,
		ResourceExhaustedTotal,
		TensorCacheEntries,
		ShmSlotsInUse,
		ShmArenaBytesAllocated,
		WorkersTotal,
		WorkerRespawnsTotal,
		WorkerCrashesTotal,
		JobDispatchedTotal,
		JobDuration,
		IPCPacketsTotal,
		RunsTotal,
		RunDuration,
	)
}

// Handler returns the Prometheus HTTP handler for ad-hoc scraping.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a small helper for timing operations into a histogram.
type Timer struct {
	start time.Time
}

func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
