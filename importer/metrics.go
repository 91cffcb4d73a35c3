package importer

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	operationsApplied = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sqlite_sync_operations_applied_total",
		Help: "Total number of operations counted as applied during import, including stale operations recorded without a user-table write.",
	}, []string{"table_name"})
	operationsConflicted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sqlite_sync_operations_conflicted_total",
		Help: "Total number of operations that detected a concurrent conflict during import.",
	}, []string{"table_name"})
	// operationsSkipped counts operations the importer never reaches
	// applyOneOperation for at all: duplicates filtered out during
	// operation-level deduplication. Stale (causally dominated) operations
	// are not skipped — they count toward operationsApplied.
	operationsSkipped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sqlite_sync_operations_skipped_total",
		Help: "Total number of duplicate operations skipped during import.",
	}, []string{"table_name", "reason"})
)
