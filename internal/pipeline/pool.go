package pipeline

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/lead-enricher/internal/adapter"
	"github.com/sells-group/lead-enricher/internal/model"
	"github.com/sells-group/lead-enricher/internal/scorer"
	"github.com/sells-group/lead-enricher/internal/store"
)

// Coordinator runs jobs on a fixed pool of workers.
type Coordinator struct {
	registry   *adapter.Registry
	controller *Controller
	sink       store.Sink
}

// NewCoordinator returns a coordinator that looks adapters up in registry,
// calls them through controller and saves scored leads to sink.
func NewCoordinator(registry *adapter.Registry, controller *Controller, sink store.Sink) *Coordinator {
	return &Coordinator{registry: registry, controller: controller, sink: sink}
}

// run holds what the workers of one job share.
type run struct {
	job        *Job
	adapters   []adapter.Adapter
	aggregator *Aggregator
	engine     *scorer.Engine
}

// Run processes every lead of the job and returns the summary. Exactly
// Config.Workers workers pull tasks from a queue bounded by
// Config.BatchSize. Cancelling ctx, or calling job.Cancel, stops workers
// from taking further tasks; queued tasks are aborted and the job fails.
// In-flight leads keep running until they finish or hit the lead timeout.
//
// An error is returned only when the job could not be started; lead and
// adapter failures are reported in the summary.
func (c *Coordinator) Run(ctx context.Context, job *Job) (model.JobSummary, error) {
	log := zap.L().With(zap.String("job_id", job.ID))

	r, err := c.prepare(job)
	if err != nil {
		if ferr := job.finish(model.JobSummary{
			JobID:                   job.ID,
			State:                   model.JobStateFailed,
			Total:                   len(job.Leads),
			PerAdapterFailureCounts: map[string]int{},
			Workers:                 job.Config.Workers,
			Error:                   err.Error(),
		}); ferr != nil {
			return job.Summary(), ferr
		}
		return job.Summary(), err
	}
	if err := job.start(); err != nil {
		return job.Summary(), err
	}

	stop := context.AfterFunc(ctx, func() { job.Cancel() })
	defer stop()

	log.Info("pipeline: job started",
		zap.Int("leads", len(job.Leads)),
		zap.Int("workers", job.Config.Workers),
		zap.Strings("adapters", job.Config.Adapters),
	)

	tasks := make([]*Task, len(job.Leads))
	for i, l := range job.Leads {
		tasks[i] = newTask(l, job.Config.Adapters)
	}
	job.tracker.Enqueue(len(tasks))

	// Workers never return an error: every lead ends in its task outcome.
	queue := make(chan *Task, job.Config.BatchSize)
	var wg sync.WaitGroup

	wg.Go(func() {
		defer close(queue)
		for _, t := range tasks {
			if job.Cancelled() {
				abortTask(job, t)
				continue
			}
			queue <- t
		}
	})

	for range job.Config.Workers {
		wg.Go(func() {
			for t := range queue {
				if job.Cancelled() {
					abortTask(job, t)
					continue
				}
				c.process(ctx, r, t)
			}
		})
	}

	wg.Wait()

	final := summarize(job, tasks)
	if err := job.finish(final); err != nil {
		return job.Summary(), err
	}

	summary := job.Summary()
	log.Info("pipeline: job finished",
		zap.String("state", string(summary.State)),
		zap.Int("succeeded", summary.Succeeded),
		zap.Int("failed", summary.Failed),
		zap.Int("aborted", summary.Aborted),
	)
	return summary, nil
}

func (c *Coordinator) prepare(job *Job) (*run, error) {
	adapters, err := c.registry.Select(job.Config.Adapters)
	if err != nil {
		return nil, err
	}
	engine, err := scorer.NewEngine(job.Config.Table)
	if err != nil {
		return nil, err
	}
	return &run{
		job:        job,
		adapters:   adapters,
		aggregator: NewAggregator(job.Config.Precedence),
		engine:     engine,
	}, nil
}

// process runs one task to a terminal state. It never panics.
func (c *Coordinator) process(ctx context.Context, r *run, t *Task) {
	job := r.job
	log := zap.L().With(zap.String("job_id", job.ID), zap.String("lead", t.Lead.ID))

	_ = t.moveTo(model.TaskStateInProgress)
	job.tracker.Start()

	defer func() {
		if rec := recover(); rec != nil {
			t.fail(model.LeadOutcomeFailed, model.ErrorKindLeadAborted, fmt.Sprintf("panic: %v", rec))
		}
		switch {
		case t.Failure == nil:
			_ = t.moveTo(model.TaskStateDone)
		case t.Failure.Kind == model.ErrorKindLeadAborted:
			_ = t.moveTo(model.TaskStateAborted)
		default:
			_ = t.moveTo(model.TaskStateDone)
		}
		if t.Failure != nil {
			log.Error("pipeline: lead failed",
				zap.String("error_kind", string(t.Failure.Kind)),
				zap.String("detail", t.Failure.Detail),
			)
		}
		job.tracker.Finish(t.Outcome)
	}()

	// Job cancellation must not interrupt a lead that already started.
	leadCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), job.Config.LeadTimeout)
	defer cancel()

	results := c.enrich(leadCtx, r, t)
	if leadCtx.Err() != nil {
		job.tracker.AdapterFailures(failedAdapters(results))
		t.fail(model.LeadOutcomeFailed, model.ErrorKindLeadAborted,
			fmt.Sprintf("lead timed out after %s", job.Config.LeadTimeout))
		return
	}

	rec := r.aggregator.Aggregate(t.Lead, results)
	job.tracker.AdapterFailures(rec.Failed)
	scored := r.engine.ScoreLead(job.ID, rec)

	out := c.controller.Save(leadCtx, c.sink, scored)
	if err := out.Err(); err != nil {
		if errors.Is(leadCtx.Err(), context.DeadlineExceeded) {
			t.fail(model.LeadOutcomeFailed, model.ErrorKindLeadAborted,
				fmt.Sprintf("lead timed out after %s", job.Config.LeadTimeout))
			return
		}
		t.fail(model.LeadOutcomeFailed, model.ErrorKindStoreWrite,
			eris.Wrapf(err, "pipeline: save after %d attempts", out.Attempts).Error())
		return
	}

	t.Outcome = model.LeadOutcomeSucceeded
	log.Debug("pipeline: lead scored",
		zap.Float64("score", scored.Score),
		zap.String("tier", scored.Tier),
		zap.Strings("failed_adapters", rec.Failed),
	)
}

// enrich calls every adapter for the lead concurrently and collects the
// results. A panicking adapter goroutine yields an AdapterError result.
func (c *Coordinator) enrich(ctx context.Context, r *run, t *Task) map[string]model.AdapterResult {
	var (
		mu      sync.Mutex
		results = make(map[string]model.AdapterResult, len(r.adapters))
		wg      sync.WaitGroup
	)
	record := func(res model.AdapterResult) {
		mu.Lock()
		defer mu.Unlock()
		results[res.Adapter] = res
		t.Attempts[res.Adapter] = res.Attempts
	}

	for _, a := range r.adapters {
		name := a.Name()
		wg.Go(func() {
			defer func() {
				if rec := recover(); rec != nil {
					record(model.AdapterResult{
						Adapter: name,
						Status:  model.AdapterStatusError,
						Kind:    model.ErrorKindAdapterError,
						Error:   fmt.Sprintf("panic: %v", rec),
					})
				}
			}()
			record(c.controller.Invoke(ctx, a, t.Lead))
		})
	}
	wg.Wait()
	return results
}

// failedAdapters lists the adapters whose result is not a success, sorted.
func failedAdapters(results map[string]model.AdapterResult) []string {
	var failed []string
	for name, res := range results {
		if !res.Succeeded() {
			failed = append(failed, name)
		}
	}
	slices.Sort(failed)
	return failed
}

func abortTask(job *Job, t *Task) {
	_ = t.moveTo(model.TaskStateAborted)
	t.fail(model.LeadOutcomeAborted, model.ErrorKindLeadAborted, "job cancelled before the lead started")
	job.tracker.Abort()
}

// summarize builds the final summary from the task outcomes, in input order.
func summarize(job *Job, tasks []*Task) model.JobSummary {
	snap := job.tracker.Snapshot()
	s := model.JobSummary{
		JobID:                   job.ID,
		State:                   model.JobStateCompleted,
		Total:                   len(tasks),
		PerAdapterFailureCounts: snap.PerAdapterFailures,
		Workers:                 job.Config.Workers,
	}
	for _, t := range tasks {
		switch t.Outcome {
		case model.LeadOutcomeSucceeded:
			s.Succeeded++
		case model.LeadOutcomeAborted:
			s.Aborted++
		default:
			s.Failed++
		}
		if t.Failure != nil {
			s.Failures = append(s.Failures, *t.Failure)
		}
	}
	if job.Cancelled() && s.Aborted > 0 {
		s.State = model.JobStateFailed
		s.Error = fmt.Sprintf("job cancelled: %d leads aborted", s.Aborted)
	}
	return s
}
