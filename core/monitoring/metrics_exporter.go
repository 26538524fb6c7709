package monitoring

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"compute-broker/core/models"
)

// MetricsExporter exports broker counters in the Prometheus text format
type MetricsExporter struct {
	revenue *RevenueTracker

	mu         sync.Mutex
	outcomes   map[models.JobStatus]uint64
	rejections map[models.RejectionReason]uint64
	checkpoint uint64
	cycles     uint64
}

// NewMetricsExporter creates a new metrics exporter
func NewMetricsExporter(revenue *RevenueTracker) *MetricsExporter {
	return &MetricsExporter{
		revenue:    revenue,
		outcomes:   make(map[models.JobStatus]uint64),
		rejections: make(map[models.RejectionReason]uint64),
	}
}

// RecordOutcome counts a terminal job outcome.
func (me *MetricsExporter) RecordOutcome(status models.JobStatus) {
	me.mu.Lock()
	defer me.mu.Unlock()
	me.outcomes[status]++
}

// RecordRejection counts a rejected job by reason.
func (me *MetricsExporter) RecordRejection(reason models.RejectionReason) {
	me.mu.Lock()
	defer me.mu.Unlock()
	me.outcomes[models.JobStatusRejected]++
	me.rejections[reason]++
}

// RecordCycle notes a completed poll cycle and the checkpoint it saved.
func (me *MetricsExporter) RecordCycle(checkpoint uint64) {
	me.mu.Lock()
	defer me.mu.Unlock()
	me.cycles++
	me.checkpoint = checkpoint
}

// GetPrometheusMetrics returns metrics in Prometheus format
func (me *MetricsExporter) GetPrometheusMetrics() string {
	me.mu.Lock()
	defer me.mu.Unlock()

	var b strings.Builder

	b.WriteString("# HELP broker_jobs_total Job events by terminal status\n")
	b.WriteString("# TYPE broker_jobs_total counter\n")
	statuses := make([]string, 0, len(me.outcomes))
	for status := range me.outcomes {
		statuses = append(statuses, string(status))
	}
	sort.Strings(statuses)
	for _, status := range statuses {
		fmt.Fprintf(&b, "broker_jobs_total{status=%q} %d\n", status, me.outcomes[models.JobStatus(status)])
	}

	b.WriteString("# HELP broker_rejections_total Rejected job events by reason\n")
	b.WriteString("# TYPE broker_rejections_total counter\n")
	reasons := make([]string, 0, len(me.rejections))
	for reason := range me.rejections {
		reasons = append(reasons, string(reason))
	}
	sort.Strings(reasons)
	for _, reason := range reasons {
		fmt.Fprintf(&b, "broker_rejections_total{reason=%q} %d\n", reason, me.rejections[models.RejectionReason(reason)])
	}

	b.WriteString("# HELP broker_poll_cycles_total Completed ledger poll cycles\n")
	b.WriteString("# TYPE broker_poll_cycles_total counter\n")
	fmt.Fprintf(&b, "broker_poll_cycles_total %d\n", me.cycles)

	b.WriteString("# HELP broker_checkpoint_block Next ledger block to scan\n")
	b.WriteString("# TYPE broker_checkpoint_block gauge\n")
	fmt.Fprintf(&b, "broker_checkpoint_block %d\n", me.checkpoint)

	if me.revenue != nil {
		quoted, quotes := me.revenue.Quoted()
		b.WriteString("# HELP broker_provider_received Amount received by the provider on the ledger\n")
		b.WriteString("# TYPE broker_provider_received gauge\n")
		fmt.Fprintf(&b, "broker_provider_received %d\n", me.revenue.Received())
		b.WriteString("# HELP broker_quoted_total Sum of prices quoted for admitted jobs\n")
		b.WriteString("# TYPE broker_quoted_total counter\n")
		fmt.Fprintf(&b, "broker_quoted_total %d\n", quoted)
		b.WriteString("# HELP broker_quotes_total Number of priced jobs\n")
		b.WriteString("# TYPE broker_quotes_total counter\n")
		fmt.Fprintf(&b, "broker_quotes_total %d\n", quotes)
	}

	return b.String()
}
