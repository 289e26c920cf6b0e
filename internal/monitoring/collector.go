package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/lead-enricher/internal/model"
	"github.com/sells-group/lead-enricher/internal/store"
)

// MetricsSnapshot holds job history over a lookback window.
type MetricsSnapshot struct {
	JobsTotal     int `json:"jobs_total"`
	JobsCompleted int `json:"jobs_completed"`
	JobsFailed    int `json:"jobs_failed"`
	JobsRunning   int `json:"jobs_running"`

	LeadsTotal     int     `json:"leads_total"`
	LeadsSucceeded int     `json:"leads_succeeded"`
	LeadsFailed    int     `json:"leads_failed"`
	LeadsAborted   int     `json:"leads_aborted"`
	LeadFailRate   float64 `json:"lead_fail_rate"`

	AdapterFailures map[string]int `json:"adapter_failures"`

	DLQDepth int `json:"dlq_depth"`

	LookbackHours int       `json:"lookback_hours"`
	CollectedAt   time.Time `json:"collected_at"`
}

// JobHistory is the part of the store the collector reads.
type JobHistory interface {
	ListJobs(ctx context.Context, filter store.JobFilter) ([]model.JobSummary, error)
	CountDLQ(ctx context.Context) (int, error)
}

// Collector gathers metrics from persisted job summaries.
type Collector struct {
	history JobHistory
}

// NewCollector creates a new metrics collector.
func NewCollector(history JobHistory) *Collector {
	return &Collector{history: history}
}

// Collect gathers a snapshot of job metrics over the given lookback window.
func (c *Collector) Collect(ctx context.Context, lookbackHours int) (*MetricsSnapshot, error) {
	now := time.Now().UTC()
	snap := &MetricsSnapshot{
		AdapterFailures: make(map[string]int),
		LookbackHours:   lookbackHours,
		CollectedAt:     now,
	}

	jobs, err := c.history.ListJobs(ctx, store.JobFilter{
		CreatedAfter: now.Add(-time.Duration(lookbackHours) * time.Hour),
		Limit:        10000,
	})
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list jobs")
	}

	snap.JobsTotal = len(jobs)
	for _, j := range jobs {
		switch j.State {
		case model.JobStateCompleted:
			snap.JobsCompleted++
		case model.JobStateFailed:
			snap.JobsFailed++
		case model.JobStateRunning:
			snap.JobsRunning++
		}
		snap.LeadsTotal += j.Total
		snap.LeadsSucceeded += j.Succeeded
		snap.LeadsFailed += j.Failed
		snap.LeadsAborted += j.Aborted
		for adapter, n := range j.PerAdapterFailureCounts {
			snap.AdapterFailures[adapter] += n
		}
	}

	if finished := snap.LeadsSucceeded + snap.LeadsFailed; finished > 0 {
		snap.LeadFailRate = float64(snap.LeadsFailed) / float64(finished)
	}

	depth, err := c.history.CountDLQ(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: count dlq")
	}
	snap.DLQDepth = depth

	return snap, nil
}
