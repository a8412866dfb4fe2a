package recon

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	syncRuns = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "escrowsync_sync_runs_total",
		Help: "Completed reconciliation passes.",
	})
	syncConflicts = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "escrowsync_sync_conflicts_total",
		Help: "Reconciliation passes aborted by an irreconcilable conflict.",
	})
	milestonesAdvanced = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "escrowsync_milestones_advanced_total",
		Help: "Milestones overwritten to match authoritative chain state.",
	})
	autoApprovals = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "escrowsync_auto_approvals_total",
		Help: "Milestones auto-approved after their approval deadline elapsed.",
	})
)

func init() {
	prometheus.MustRegister(syncRuns, syncConflicts, milestonesAdvanced, autoApprovals)
}
