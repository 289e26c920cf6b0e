// Package monitoring tracks pipeline progress and collects historical job
// metrics.
package monitoring

import (
	"maps"
	"sync/atomic"

	"github.com/sells-group/lead-enricher/internal/model"
)

// Snapshot is a consistent point-in-time view of a job's counters. A
// snapshot is never modified after it is published.
type Snapshot struct {
	Queued             int            `json:"queued"`
	InProgress         int            `json:"in_progress"`
	Succeeded          int            `json:"succeeded"`
	Failed             int            `json:"failed"`
	Aborted            int            `json:"aborted"`
	Total              int            `json:"total"`
	PeakInProgress     int            `json:"peak_in_progress"`
	PerAdapterFailures map[string]int `json:"per_adapter_failures"`
}

// Done is the number of leads in a terminal state.
func (s Snapshot) Done() int {
	return s.Succeeded + s.Failed + s.Aborted
}

// Tracker holds the counters of one job. Writers publish a new immutable
// snapshot with compare-and-swap, so readers never block them and always see
// a consistent set of counters.
type Tracker struct {
	cur atomic.Pointer[Snapshot]
}

// NewTracker returns a tracker with all counters at zero.
func NewTracker() *Tracker {
	t := &Tracker{}
	t.cur.Store(&Snapshot{})
	return t
}

// Snapshot returns the current counters.
func (t *Tracker) Snapshot() Snapshot {
	s := *t.cur.Load()
	s.PerAdapterFailures = maps.Clone(s.PerAdapterFailures)
	if s.PerAdapterFailures == nil {
		s.PerAdapterFailures = map[string]int{}
	}
	return s
}

// Enqueue records n leads entering the queue.
func (t *Tracker) Enqueue(n int) {
	t.update(func(s *Snapshot) {
		s.Queued += n
		s.Total += n
	})
}

// Start moves one lead from queued to in progress.
func (t *Tracker) Start() {
	t.update(func(s *Snapshot) {
		s.Queued--
		s.InProgress++
		s.PeakInProgress = max(s.PeakInProgress, s.InProgress)
	})
}

// Finish moves one in-progress lead to its outcome.
func (t *Tracker) Finish(outcome model.LeadOutcome) {
	t.update(func(s *Snapshot) {
		s.InProgress--
		switch outcome {
		case model.LeadOutcomeSucceeded:
			s.Succeeded++
		case model.LeadOutcomeAborted:
			s.Aborted++
		default:
			s.Failed++
		}
	})
}

// Abort marks one queued lead aborted without it being started.
func (t *Tracker) Abort() {
	t.update(func(s *Snapshot) {
		s.Queued--
		s.Aborted++
	})
}

// AdapterFailures counts one failure for each named adapter.
func (t *Tracker) AdapterFailures(adapters []string) {
	if len(adapters) == 0 {
		return
	}
	t.update(func(s *Snapshot) {
		m := maps.Clone(s.PerAdapterFailures)
		if m == nil {
			m = make(map[string]int, len(adapters))
		}
		for _, a := range adapters {
			m[a]++
		}
		s.PerAdapterFailures = m
	})
}

func (t *Tracker) update(fn func(*Snapshot)) {
	for {
		old := t.cur.Load()
		next := *old
		fn(&next)
		if t.cur.CompareAndSwap(old, &next) {
			return
		}
	}
}
