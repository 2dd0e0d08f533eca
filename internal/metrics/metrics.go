// Package metrics registers the prometheus counters the record-store
// subsystem's components bump, per SPEC_FULL.md §2 DOMAIN STACK: best-space
// cache hit/miss/soft-error, class-rep cache eviction, force-engine per-kind
// operation counts, replica apply partial-failure and per-class failure
// counts.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	BestSpaceLookups = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "heapstore",
		Subsystem: "bestspace",
		Name:      "lookups_total",
		Help:      "Best-space cache lookups by outcome.",
	}, []string{"outcome"}) // hit|miss|soft_error

	ClassReprEvictions = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "heapstore",
		Subsystem: "classrepr",
		Name:      "evictions_total",
		Help:      "Class-representation cache evictions.",
	})

	ForceOps = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "heapstore",
		Subsystem: "force",
		Name:      "ops_total",
		Help:      "Force-engine applied operations by record kind.",
	}, []string{"kind"}) // insert|update|delete

	ReplicaApplyPartialFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "heapstore",
		Subsystem: "replapply",
		Name:      "partial_failures_total",
		Help:      "Replication apply batches that completed with at least one skipped row.",
	})

	ReplicaApplyPerClassFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "heapstore",
		Subsystem: "replapply",
		Name:      "per_class_failures_total",
		Help:      "Replication apply skipped rows by classname.",
	}, []string{"classname"})
)

// Registry is the subsystem's private prometheus registry. Components use it
// instead of the global default registerer so a single process can host more
// than one heapstore instance (e.g. in tests) without a registration panic.
var Registry = prometheus.NewRegistry()

func init() {
	Registry.MustRegister(
		BestSpaceLookups,
		ClassReprEvictions,
		ForceOps,
		ReplicaApplyPartialFailures,
		ReplicaApplyPerClassFailures,
	)
}
