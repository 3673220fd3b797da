// Package metrics wires Prometheus counters and gauges for the
// allocation, fault, and eviction paths, following the same
// promauto-with-registerer pattern used for write-ahead-log metrics
// elsewhere in this stack.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every counter/gauge the paging core exports.
type Metrics struct {
	AllocCount      prometheus.Counter
	AllocPages      prometheus.Counter
	StealCount      prometheus.Counter
	WsOverflow      prometheus.Counter
	FaultCount      prometheus.Counter
	FaultHits       prometheus.Counter
	AstInTransAdv   prometheus.Counter
	PmapInTransAdv  prometheus.Counter
	AsteAllocTotal  prometheus.Counter
	AsteAllocWorst  prometheus.Gauge
	AsteAllocFail   prometheus.Counter
	AsteAllocTries  prometheus.Counter
	AoteAllocTotal  prometheus.Counter
	WritebackCount  *prometheus.CounterVec
	DismountWaiters prometheus.Gauge
}

// New registers every metric against reg, the way newWALMetrics does
// for a write-ahead log's own registerer.
func New(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		AllocCount: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "mmap_alloc_count",
			Help: "mmap_alloc_count counts calls to alloc_free/alloc_pure.",
		}),
		AllocPages: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "mmap_alloc_pages",
			Help: "mmap_alloc_pages counts frames handed out across all allocate calls.",
		}),
		StealCount: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "mmap_steal_count",
			Help: "mmap_steal_count counts times alloc_pure fell back to stealing from a working set.",
		}),
		WsOverflow: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "mmap_ws_overflow",
			Help: "mmap_ws_overflow counts working-set-max saturation events.",
		}),
		FaultCount: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "ast_fault_count",
			Help: "ast_fault_count counts calls to touch that required I/O.",
		}),
		FaultHits: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "ast_fault_hits",
			Help: "ast_fault_hits counts calls to touch satisfied by an already-installed page.",
		}),
		AstInTransAdv: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "ast_in_trans_advances",
			Help: "ast_in_trans_advances counts AST-in-transition event count advances.",
		}),
		PmapInTransAdv: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "pmap_in_trans_advances",
			Help: "pmap_in_trans_advances counts PMAP-in-transition event count advances.",
		}),
		AsteAllocTotal: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "ast_alloc_total_aot",
			Help: "ast_alloc_total_aot counts successful ASTE allocations.",
		}),
		AsteAllocWorst: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "ast_alloc_worst_aot",
			Help: "ast_alloc_worst_aot records the longest scan distance observed in allocate_aste.",
		}),
		AsteAllocFail: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "ast_alloc_fail_cnt",
			Help: "ast_alloc_fail_cnt counts allocate_aste full-scan exhaustion events.",
		}),
		AsteAllocTries: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "ast_alloc_try_cnt",
			Help: "ast_alloc_try_cnt counts allocate_aste invocations.",
		}),
		AoteAllocTotal: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "ast_alloc_total_aote",
			Help: "ast_alloc_total_aote counts successful AOTE allocations.",
		}),
		WritebackCount: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "writeback_count",
			Help: "writeback_count counts update_aste calls by outcome.",
		}, []string{"outcome"}),
		DismountWaiters: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "dismount_waiters",
			Help: "dismount_waiters is the current count of threads parked on a volume's dismount EC.",
		}),
	}
}
