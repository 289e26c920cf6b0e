package model

import (
	"time"

	"github.com/rotisserie/eris"
)

// JobState is the lifecycle state of a batch job. Transitions are monotonic:
// pending → running → completed | failed.
type JobState string

const (
	JobStatePending   JobState = "pending"
	JobStateRunning   JobState = "running"
	JobStateCompleted JobState = "completed"
	JobStateFailed    JobState = "failed"
)

var jobTransitions = map[JobState][]JobState{
	JobStatePending: {JobStateRunning, JobStateFailed},
	JobStateRunning: {JobStateCompleted, JobStateFailed},
}

// Terminal reports whether no further transitions are possible.
func (s JobState) Terminal() bool {
	return s == JobStateCompleted || s == JobStateFailed
}

// Transition validates a move from s to next.
func (s JobState) Transition(next JobState) error {
	for _, allowed := range jobTransitions[s] {
		if allowed == next {
			return nil
		}
	}
	return eris.Wrapf(ErrInvalidTransition, "job %s -> %s", s, next)
}

// TaskState is the lifecycle of one lead's processing unit:
// pending → in_progress → done | aborted. A pending task may also be aborted
// directly when its job is cancelled before a worker picks it up.
type TaskState string

const (
	TaskStatePending    TaskState = "pending"
	TaskStateInProgress TaskState = "in_progress"
	TaskStateDone       TaskState = "done"
	TaskStateAborted    TaskState = "aborted"
)

var taskTransitions = map[TaskState][]TaskState{
	TaskStatePending:    {TaskStateInProgress, TaskStateAborted},
	TaskStateInProgress: {TaskStateDone, TaskStateAborted},
}

// Transition validates a move from s to next.
func (s TaskState) Transition(next TaskState) error {
	for _, allowed := range taskTransitions[s] {
		if allowed == next {
			return nil
		}
	}
	return eris.Wrapf(ErrInvalidTransition, "task %s -> %s", s, next)
}

// LeadOutcome is how a lead ended within a job.
type LeadOutcome string

const (
	LeadOutcomeSucceeded LeadOutcome = "succeeded"
	LeadOutcomeFailed    LeadOutcome = "failed"
	LeadOutcomeAborted   LeadOutcome = "aborted"
)

// LeadFailure attributes a failed or aborted lead in the job summary.
type LeadFailure struct {
	LeadID     string      `json:"lead_id"`
	Identifier string      `json:"identifier"`
	Outcome    LeadOutcome `json:"outcome"`
	Kind       ErrorKind   `json:"error_kind"`
	Detail     string      `json:"detail,omitempty"`
}

// JobSummary is returned when a job finishes and persisted on each state
// change.
type JobSummary struct {
	JobID                   string         `json:"job_id"`
	State                   JobState       `json:"state"`
	Total                   int            `json:"total"`
	Succeeded               int            `json:"succeeded"`
	Failed                  int            `json:"failed"`
	Aborted                 int            `json:"aborted"`
	PerAdapterFailureCounts map[string]int `json:"per_adapter_failure_counts"`
	Failures                []LeadFailure  `json:"failures,omitempty"`
	Error                   string         `json:"error,omitempty"`
	Workers                 int            `json:"workers"`
	CreatedAt               time.Time      `json:"created_at"`
	StartedAt               *time.Time     `json:"started_at,omitempty"`
	FinishedAt              *time.Time     `json:"finished_at,omitempty"`
}
