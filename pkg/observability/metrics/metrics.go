package metrics

import (
	"fmt"
	"net/http"
	"sync/atomic"
)

var (
	mergesCompleted   atomic.Int64
	mergesFailed      atomic.Int64
	mergesFlagged     atomic.Int64
	conflictsDetected atomic.Int64
	rollbacks         atomic.Int64
)

func Init() {}

func IncMergeCompleted() { mergesCompleted.Add(1) }
func IncMergeFailed()    { mergesFailed.Add(1) }
func IncMergeFlagged()   { mergesFlagged.Add(1) }
func IncRollback()       { rollbacks.Add(1) }

func AddConflictsDetected(n int) {
	if n > 0 {
		conflictsDetected.Add(int64(n))
	}
}

func WritePrometheus(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	fmt.Fprintf(w, "# HELP chartmerge_merges_completed_total Number of merge operations completed successfully.\n")
	fmt.Fprintf(w, "# TYPE chartmerge_merges_completed_total counter\n")
	fmt.Fprintf(w, "chartmerge_merges_completed_total %d\n", mergesCompleted.Load())

	fmt.Fprintf(w, "# HELP chartmerge_merges_failed_total Number of merge operations that failed.\n")
	fmt.Fprintf(w, "# TYPE chartmerge_merges_failed_total counter\n")
	fmt.Fprintf(w, "chartmerge_merges_failed_total %d\n", mergesFailed.Load())

	fmt.Fprintf(w, "# HELP chartmerge_merges_flagged_total Number of merge operations flagged for human review.\n")
	fmt.Fprintf(w, "# TYPE chartmerge_merges_flagged_total counter\n")
	fmt.Fprintf(w, "chartmerge_merges_flagged_total %d\n", mergesFlagged.Load())

	fmt.Fprintf(w, "# HELP chartmerge_conflicts_detected_total Number of field conflicts detected across all merges.\n")
	fmt.Fprintf(w, "# TYPE chartmerge_conflicts_detected_total counter\n")
	fmt.Fprintf(w, "chartmerge_conflicts_detected_total %d\n", conflictsDetected.Load())

	fmt.Fprintf(w, "# HELP chartmerge_rollbacks_total Number of document rollbacks applied.\n")
	fmt.Fprintf(w, "# TYPE chartmerge_rollbacks_total counter\n")
	fmt.Fprintf(w, "chartmerge_rollbacks_total %d\n", rollbacks.Load())
}
