// Package store persists scored leads, job summaries and the dead-letter
// queue.
package store

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/lead-enricher/internal/model"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = eris.New("store: not found")

// Sink persists a scored lead. Saves are keyed by job and lead, so saving
// the same lead twice overwrites the first row.
type Sink interface {
	Save(ctx context.Context, lead model.ScoredLead) error
}

// JobFilter specifies criteria for listing jobs.
type JobFilter struct {
	State        model.JobState `json:"state,omitempty"`
	CreatedAfter time.Time      `json:"created_after,omitempty"`
	Limit        int            `json:"limit,omitempty"`
}

// LeadFilter specifies criteria for listing scored leads of a job.
type LeadFilter struct {
	Tier   string `json:"tier,omitempty"`
	Limit  int    `json:"limit,omitempty"`
	Offset int    `json:"offset,omitempty"`
}

// DLQFilter specifies criteria for listing dead-lettered leads.
type DLQFilter struct {
	JobID string          `json:"job_id,omitempty"`
	Kind  model.ErrorKind `json:"error_kind,omitempty"`
	Limit int             `json:"limit,omitempty"`
}

// Store defines the persistence interface for the enrichment pipeline.
type Store interface {
	Sink

	// Jobs
	SaveJob(ctx context.Context, summary model.JobSummary) error
	GetJob(ctx context.Context, jobID string) (*model.JobSummary, error)
	ListJobs(ctx context.Context, filter JobFilter) ([]model.JobSummary, error)

	// Scored leads
	ListScoredLeads(ctx context.Context, jobID string, filter LeadFilter) ([]model.ScoredLead, error)

	// Dead-letter queue
	AddDLQ(ctx context.Context, entries []model.DLQEntry) error
	ListDLQ(ctx context.Context, filter DLQFilter) ([]model.DLQEntry, error)
	CountDLQ(ctx context.Context) (int, error)
	RemoveDLQ(ctx context.Context, ids []string) error

	// Lifecycle
	Ping(ctx context.Context) error
	Migrate(ctx context.Context) error
	Close() error
}

func limitOr(limit, def int) int {
	if limit <= 0 {
		return def
	}
	return limit
}
