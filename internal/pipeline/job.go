package pipeline

import (
	"maps"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/lead-enricher/internal/config"
	"github.com/sells-group/lead-enricher/internal/model"
	"github.com/sells-group/lead-enricher/internal/monitoring"
	"github.com/sells-group/lead-enricher/internal/resilience"
	"github.com/sells-group/lead-enricher/internal/scorer"
)

// JobConfig is the configuration snapshot a job runs with. It is copied
// into the job when the job is created and never changes afterwards.
type JobConfig struct {
	Workers     int
	BatchSize   int
	LeadTimeout time.Duration
	Policy      resilience.Policy
	Adapters    []string
	Precedence  []string
	Table       scorer.Table
}

// JobConfigFrom builds a job configuration from the loaded config.
func JobConfigFrom(cfg *config.Config) (JobConfig, error) {
	table, err := scorer.TableFromConfig(cfg.Scoring)
	if err != nil {
		return JobConfig{}, eris.Wrap(err, "pipeline: scoring table")
	}
	return JobConfig{
		Workers:     cfg.Pool.Workers,
		BatchSize:   cfg.Pool.BatchSize,
		LeadTimeout: cfg.Pool.LeadTimeout(),
		Policy: resilience.NewPolicy(cfg.Retry.MaxAttempts, cfg.Retry.BaseDelayMs,
			cfg.Retry.MaxDelayMs, cfg.Retry.BackoffFactor, cfg.Retry.JitterFraction),
		Adapters:   slices.Clone(cfg.Adapters.Enabled),
		Precedence: slices.Clone(cfg.Aggregate.Precedence),
		Table:      table,
	}, nil
}

// Validate rejects a configuration no job can run with.
func (c JobConfig) Validate() error {
	switch {
	case c.Workers < 1:
		return eris.New("pipeline: workers must be >= 1")
	case c.BatchSize < 1:
		return eris.New("pipeline: batch size must be >= 1")
	case c.LeadTimeout <= 0:
		return eris.New("pipeline: lead timeout must be > 0")
	case len(c.Adapters) == 0:
		return eris.New("pipeline: no adapters configured")
	}
	return scorer.ValidateTable(c.Table)
}

// Task is one lead scheduled onto a worker. A task is owned by exactly one
// worker from dequeue until it reaches done or aborted.
type Task struct {
	Lead     model.Lead
	Adapters []string
	State    model.TaskState
	Attempts map[string]int
	Outcome  model.LeadOutcome
	Failure  *model.LeadFailure
}

func newTask(lead model.Lead, adapters []string) *Task {
	return &Task{
		Lead:     lead,
		Adapters: adapters,
		State:    model.TaskStatePending,
		Attempts: make(map[string]int, len(adapters)),
	}
}

func (t *Task) moveTo(next model.TaskState) error {
	if err := t.State.Transition(next); err != nil {
		return err
	}
	t.State = next
	return nil
}

func (t *Task) fail(outcome model.LeadOutcome, kind model.ErrorKind, detail string) {
	t.Outcome = outcome
	t.Failure = &model.LeadFailure{
		LeadID:     t.Lead.ID,
		Identifier: t.Lead.Identifier,
		Outcome:    outcome,
		Kind:       kind,
		Detail:     detail,
	}
}

// Job is one batch run. Its state only moves forward:
// pending → running → completed | failed.
type Job struct {
	ID        string
	Leads     []model.Lead
	Config    JobConfig
	CreatedAt time.Time

	tracker   *monitoring.Tracker
	cancelled atomic.Bool
	done      chan struct{}

	mu       sync.Mutex
	summary  model.JobSummary
	onChange func(model.JobSummary)
}

// NewJob creates a pending job. Leads with a repeated ID are dropped so each
// lead is processed exactly once.
func NewJob(id string, leads []model.Lead, cfg JobConfig) (*Job, error) {
	if id == "" {
		return nil, eris.New("pipeline: job id is empty")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	seen := make(map[string]struct{}, len(leads))
	unique := make([]model.Lead, 0, len(leads))
	for _, l := range leads {
		if _, dup := seen[l.ID]; dup {
			zap.L().Warn("pipeline: duplicate lead dropped",
				zap.String("job_id", id),
				zap.String("lead", l.ID),
			)
			continue
		}
		seen[l.ID] = struct{}{}
		unique = append(unique, l)
	}

	now := time.Now().UTC()
	j := &Job{
		ID:        id,
		Leads:     unique,
		Config:    cfg,
		CreatedAt: now,
		tracker:   monitoring.NewTracker(),
		done:      make(chan struct{}),
	}
	j.summary = model.JobSummary{
		JobID:                   id,
		State:                   model.JobStatePending,
		Total:                   len(unique),
		PerAdapterFailureCounts: map[string]int{},
		Workers:                 cfg.Workers,
		CreatedAt:               now,
	}
	return j, nil
}

// Cancel asks the job to stop taking new tasks. In-flight tasks finish. It
// reports false if the job had already finished.
func (j *Job) Cancel() bool {
	if j.State().Terminal() {
		return false
	}
	j.cancelled.Store(true)
	return true
}

// Cancelled reports whether Cancel was called.
func (j *Job) Cancelled() bool {
	return j.cancelled.Load()
}

// State returns the current lifecycle state.
func (j *Job) State() model.JobState {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.summary.State
}

// Snapshot returns the live counters.
func (j *Job) Snapshot() monitoring.Snapshot {
	return j.tracker.Snapshot()
}

// Summary returns the job summary. While the job runs, the counts come from
// the live counters.
func (j *Job) Summary() model.JobSummary {
	j.mu.Lock()
	s := j.summary
	j.mu.Unlock()

	s.Failures = slices.Clone(s.Failures)
	if !s.State.Terminal() {
		snap := j.tracker.Snapshot()
		s.Succeeded = snap.Succeeded
		s.Failed = snap.Failed
		s.Aborted = snap.Aborted
		s.PerAdapterFailureCounts = snap.PerAdapterFailures
	} else {
		s.PerAdapterFailureCounts = cloneCounts(s.PerAdapterFailureCounts)
	}
	return s
}

// Done is closed when the job reaches a terminal state.
func (j *Job) Done() <-chan struct{} {
	return j.done
}

// OnChange registers fn to be called with the summary after every state
// change. It must be set before the job runs.
func (j *Job) OnChange(fn func(model.JobSummary)) {
	j.onChange = fn
}

func (j *Job) start() error {
	j.mu.Lock()
	if err := j.summary.State.Transition(model.JobStateRunning); err != nil {
		j.mu.Unlock()
		return err
	}
	now := time.Now().UTC()
	j.summary.State = model.JobStateRunning
	j.summary.StartedAt = &now
	j.mu.Unlock()

	j.notify()
	return nil
}

// finish moves the job to its terminal state with the final counts.
func (j *Job) finish(final model.JobSummary) error {
	j.mu.Lock()
	if err := j.summary.State.Transition(final.State); err != nil {
		j.mu.Unlock()
		return err
	}
	now := time.Now().UTC()
	final.CreatedAt = j.summary.CreatedAt
	final.StartedAt = j.summary.StartedAt
	final.FinishedAt = &now
	j.summary = final
	j.mu.Unlock()

	j.notify()
	close(j.done)
	return nil
}

func (j *Job) notify() {
	if j.onChange != nil {
		j.onChange(j.Summary())
	}
}

func cloneCounts(m map[string]int) map[string]int {
	out := maps.Clone(m)
	if out == nil {
		out = map[string]int{}
	}
	return out
}
