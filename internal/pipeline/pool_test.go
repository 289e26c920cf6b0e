package pipeline

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/lead-enricher/internal/adapter"
	"github.com/sells-group/lead-enricher/internal/model"
)

func runJob(t *testing.T, c *Coordinator, cfg JobConfig, leads []model.Lead) (*Job, model.JobSummary) {
	t.Helper()
	job, err := NewJob("job-1", leads, cfg)
	require.NoError(t, err)
	summary, err := c.Run(context.Background(), job)
	require.NoError(t, err)
	return job, summary
}

func TestCoordinator_AllSucceed(t *testing.T) {
	sink := newMemorySink()
	c := NewCoordinator(newTestRegistry(t, stockAdapters()...), testController(&recordingSleeper{}), sink)

	job, summary := runJob(t, c, testJobConfig(10, "validator", "dns", "whois"), testLeads(t, 100))

	assert.Equal(t, model.JobStateCompleted, summary.State)
	assert.Equal(t, 100, summary.Total)
	assert.Equal(t, 100, summary.Succeeded)
	assert.Equal(t, 0, summary.Failed)
	assert.Equal(t, 0, summary.Aborted)
	assert.Empty(t, summary.PerAdapterFailureCounts)
	assert.Empty(t, summary.Failures)
	assert.NotNil(t, summary.StartedAt)
	assert.NotNil(t, summary.FinishedAt)

	snap := job.Snapshot()
	assert.Equal(t, summary.Total, snap.Total)
	assert.Equal(t, summary.Succeeded, snap.Succeeded)
	assert.Equal(t, summary.Failed, snap.Failed)
	assert.Equal(t, summary.Aborted, snap.Aborted)
	assert.Equal(t, 0, snap.Queued)
	assert.Equal(t, 0, snap.InProgress)
	assert.LessOrEqual(t, snap.PeakInProgress, 10)

	require.Equal(t, 100, sink.Len())
	scored, ok := sink.Get(job.Leads[0].ID)
	require.True(t, ok)
	assert.Equal(t, 50.0, scored.Score)
	assert.Equal(t, "Hot", scored.Tier)
	assert.Equal(t, "job-1", scored.JobID)

	select {
	case <-job.Done():
	default:
		t.Fatal("job not done")
	}
}

func TestCoordinator_ConcurrencyBoundedByWorkers(t *testing.T) {
	probe := &concurrencyProbe{
		Adapter: fieldsAdapter("dns", model.Fields{"mx_records": []string{"mx"}}),
		delay:   5 * time.Millisecond,
	}
	c := NewCoordinator(newTestRegistry(t, probe), testController(&recordingSleeper{}), newMemorySink())

	job, summary := runJob(t, c, testJobConfig(4, "dns"), testLeads(t, 40))

	assert.Equal(t, 40, summary.Succeeded)
	assert.LessOrEqual(t, probe.peak.Load(), int64(4))
	assert.Greater(t, probe.peak.Load(), int64(1))
	assert.LessOrEqual(t, job.Snapshot().PeakInProgress, 4)
}

func TestCoordinator_SmallQueueStillProcessesAll(t *testing.T) {
	c := NewCoordinator(newTestRegistry(t, stockAdapters()...), testController(&recordingSleeper{}), newMemorySink())
	cfg := testJobConfig(3, "validator", "dns", "whois")
	cfg.BatchSize = 2

	_, summary := runJob(t, c, cfg, testLeads(t, 25))
	assert.Equal(t, 25, summary.Succeeded)
}

func TestCoordinator_PartialFailure(t *testing.T) {
	adapters := []adapter.Adapter{
		fieldsAdapter("validator", model.Fields{"email_valid": true}),
		fieldsAdapter("whois", model.Fields{"registrar": "MarkMonitor"}),
		failingAdapter("dns", eris.New("dns: lookup refused")),
	}
	sink := newMemorySink()
	c := NewCoordinator(newTestRegistry(t, adapters...), testController(&recordingSleeper{}), sink)

	job, summary := runJob(t, c, testJobConfig(2, "validator", "whois", "dns"), testLeads(t, 5))

	assert.Equal(t, model.JobStateCompleted, summary.State)
	assert.Equal(t, 5, summary.Succeeded)
	assert.Equal(t, map[string]int{"dns": 5}, summary.PerAdapterFailureCounts)

	scored, ok := sink.Get(job.Leads[0].ID)
	require.True(t, ok)
	assert.Equal(t, []string{"dns"}, scored.Record.Failed)
	assert.Contains(t, scored.Record.Fields, "whois")
	assert.Contains(t, scored.Record.Fields, "validator")
	assert.Equal(t, 35.0, scored.Score)
	assert.Less(t, scored.Score, 50.0)
	assert.Equal(t, model.ErrorKindAdapterError, scored.Record.Results["dns"].Kind)
}

func TestCoordinator_LeadTimeout(t *testing.T) {
	slow := adapter.Func{AdapterName: "whois", Fn: func(ctx context.Context, ident string) (model.Fields, error) {
		if ident == "user0@acme0.com" {
			<-ctx.Done()
			return nil, ctx.Err()
		}
		return model.Fields{"registrar": "MarkMonitor"}, nil
	}}
	sink := newMemorySink()
	c := NewCoordinator(newTestRegistry(t, slow), testController(&recordingSleeper{}), sink)
	cfg := testJobConfig(2, "whois")
	cfg.LeadTimeout = 50 * time.Millisecond

	_, summary := runJob(t, c, cfg, testLeads(t, 4))

	assert.Equal(t, model.JobStateCompleted, summary.State)
	assert.Equal(t, 3, summary.Succeeded)
	assert.Equal(t, 1, summary.Failed)
	require.Len(t, summary.Failures, 1)
	assert.Equal(t, "user0@acme0.com", summary.Failures[0].LeadID)
	assert.Equal(t, model.ErrorKindLeadAborted, summary.Failures[0].Kind)
	assert.Equal(t, model.LeadOutcomeFailed, summary.Failures[0].Outcome)
	assert.Equal(t, 3, sink.Len())
	assert.Equal(t, map[string]int{"whois": 1}, summary.PerAdapterFailureCounts)
}

func TestCoordinator_StoreWriteError(t *testing.T) {
	sink := &mockSink{}
	sink.On("Save", mock.Anything, mock.MatchedBy(func(l model.ScoredLead) bool {
		return l.Record.Lead.ID == "user1@acme1.com"
	})).Return(errors.New("disk full"))
	sink.On("Save", mock.Anything, mock.Anything).Return(nil)

	c := NewCoordinator(newTestRegistry(t, stockAdapters()...), testController(&recordingSleeper{}), sink)
	_, summary := runJob(t, c, testJobConfig(2, "validator", "dns", "whois"), testLeads(t, 3))

	assert.Equal(t, model.JobStateCompleted, summary.State)
	assert.Equal(t, 2, summary.Succeeded)
	assert.Equal(t, 1, summary.Failed)
	require.Len(t, summary.Failures, 1)
	assert.Equal(t, model.ErrorKindStoreWrite, summary.Failures[0].Kind)
	assert.Contains(t, summary.Failures[0].Detail, "disk full")
}

func TestCoordinator_AdapterPanicBecomesAdapterError(t *testing.T) {
	panicky := adapter.Func{AdapterName: "dns", Fn: func(_ context.Context, ident string) (model.Fields, error) {
		if ident == "user1@acme1.com" {
			panic("nil resolver")
		}
		return model.Fields{"mx_records": []string{"mx.acme.com"}}, nil
	}}
	sink := newMemorySink()
	c := NewCoordinator(newTestRegistry(t, panicky, fieldsAdapter("validator", model.Fields{"email_valid": true})),
		testController(&recordingSleeper{}), sink)

	_, summary := runJob(t, c, testJobConfig(2, "validator", "dns"), testLeads(t, 3))

	assert.Equal(t, model.JobStateCompleted, summary.State)
	assert.Equal(t, 3, summary.Succeeded)
	assert.Equal(t, map[string]int{"dns": 1}, summary.PerAdapterFailureCounts)

	lead, ok := sink.Get("user1@acme1.com")
	require.True(t, ok)
	assert.Equal(t, []string{"dns"}, lead.Record.Failed)
	res := lead.Record.Results["dns"]
	assert.Equal(t, model.AdapterStatusError, res.Status)
	assert.Equal(t, model.ErrorKindAdapterError, res.Kind)
	assert.Contains(t, res.Error, "nil resolver")
}

func TestCoordinator_LeadPanicFailsOnlyThatLead(t *testing.T) {
	sink := &mockSink{}
	sink.On("Save", mock.Anything, mock.MatchedBy(func(l model.ScoredLead) bool {
		return l.Record.Lead.ID == "user2@acme2.com"
	})).Run(func(mock.Arguments) { panic("sink exploded") }).Return(nil)
	sink.On("Save", mock.Anything, mock.Anything).Return(nil)

	c := NewCoordinator(newTestRegistry(t, stockAdapters()...), testController(&recordingSleeper{}), sink)
	_, summary := runJob(t, c, testJobConfig(2, "validator", "dns", "whois"), testLeads(t, 4))

	assert.Equal(t, model.JobStateCompleted, summary.State)
	assert.Equal(t, 3, summary.Succeeded)
	assert.Equal(t, 1, summary.Failed)
	require.Len(t, summary.Failures, 1)
	assert.Equal(t, "user2@acme2.com", summary.Failures[0].LeadID)
	assert.Equal(t, model.LeadOutcomeFailed, summary.Failures[0].Outcome)
	assert.Equal(t, model.ErrorKindStoreWrite, summary.Failures[0].Kind)
	assert.Contains(t, summary.Failures[0].Detail, "sink exploded")
}

func TestCoordinator_ProcessRecoversPanic(t *testing.T) {
	c := NewCoordinator(newTestRegistry(t, stockAdapters()...), testController(&recordingSleeper{}), newMemorySink())
	cfg := testJobConfig(1, "dns")
	job, err := NewJob("job-panic", testLeads(t, 1), cfg)
	require.NoError(t, err)
	adapters, err := c.registry.Select(cfg.Adapters)
	require.NoError(t, err)

	// A run without an engine panics while scoring.
	r := &run{job: job, adapters: adapters, aggregator: NewAggregator(cfg.Precedence)}
	task := newTask(job.Leads[0], cfg.Adapters)

	require.NotPanics(t, func() { c.process(context.Background(), r, task) })

	assert.Equal(t, model.LeadOutcomeFailed, task.Outcome)
	require.NotNil(t, task.Failure)
	assert.Equal(t, model.ErrorKindLeadAborted, task.Failure.Kind)
	assert.Contains(t, task.Failure.Detail, "panic:")
	assert.Equal(t, model.TaskStateAborted, task.State)
	assert.Equal(t, 1, job.Snapshot().Failed)
}

func TestCoordinator_Cancellation(t *testing.T) {
	gate := make(chan struct{})
	var started atomic.Int32
	blocking := adapter.Func{AdapterName: "dns", Fn: func(context.Context, string) (model.Fields, error) {
		started.Add(1)
		<-gate
		return model.Fields{"mx_records": []string{"mx"}}, nil
	}}
	c := NewCoordinator(newTestRegistry(t, blocking), testController(&recordingSleeper{}), newMemorySink())

	cfg := testJobConfig(20, "dns")
	cfg.LeadTimeout = 10 * time.Second
	job, err := NewJob("job-cancel", testLeads(t, 100), cfg)
	require.NoError(t, err)

	done := make(chan model.JobSummary, 1)
	go func() {
		s, runErr := c.Run(context.Background(), job)
		assert.NoError(t, runErr)
		done <- s
	}()

	require.Eventually(t, func() bool { return started.Load() == 20 }, 5*time.Second, time.Millisecond)
	assert.True(t, job.Cancel())
	close(gate)

	var summary model.JobSummary
	select {
	case summary = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("job did not finish")
	}

	assert.Equal(t, int32(20), started.Load())
	assert.Equal(t, model.JobStateFailed, summary.State)
	assert.Equal(t, 100, summary.Total)
	assert.Equal(t, 20, summary.Succeeded)
	assert.Equal(t, 80, summary.Aborted)
	assert.Equal(t, 0, summary.Failed)
	assert.Len(t, summary.Failures, 80)
	assert.Equal(t, model.LeadOutcomeAborted, summary.Failures[0].Outcome)
	assert.Equal(t, model.ErrorKindLeadAborted, summary.Failures[0].Kind)
	assert.Contains(t, summary.Error, "cancelled")
	assert.False(t, job.Cancel())
}

func TestCoordinator_ContextCancelStopsJob(t *testing.T) {
	gate := make(chan struct{})
	var started atomic.Int32
	blocking := adapter.Func{AdapterName: "dns", Fn: func(context.Context, string) (model.Fields, error) {
		started.Add(1)
		<-gate
		return model.Fields{}, nil
	}}
	c := NewCoordinator(newTestRegistry(t, blocking), testController(&recordingSleeper{}), newMemorySink())

	job, err := NewJob("job-ctx", testLeads(t, 10), testJobConfig(1, "dns"))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan model.JobSummary, 1)
	go func() {
		s, _ := c.Run(ctx, job)
		done <- s
	}()

	require.Eventually(t, func() bool { return started.Load() == 1 }, 5*time.Second, time.Millisecond)
	cancel()
	require.Eventually(t, job.Cancelled, time.Second, time.Millisecond)
	close(gate)

	summary := <-done
	assert.Equal(t, model.JobStateFailed, summary.State)
	assert.Equal(t, 1, summary.Succeeded)
	assert.Equal(t, 9, summary.Aborted)
}

func TestCoordinator_UnknownAdapterFailsJob(t *testing.T) {
	c := NewCoordinator(newTestRegistry(t, stockAdapters()...), testController(&recordingSleeper{}), newMemorySink())
	job, err := NewJob("job-bad", testLeads(t, 2), testJobConfig(1, "carrier-pigeon"))
	require.NoError(t, err)

	summary, err := c.Run(context.Background(), job)
	require.Error(t, err)
	assert.Equal(t, model.JobStateFailed, summary.State)
	assert.NotEmpty(t, summary.Error)
	assert.Equal(t, model.JobStateFailed, job.State())
}

func TestCoordinator_EmptyJob(t *testing.T) {
	c := NewCoordinator(newTestRegistry(t, stockAdapters()...), testController(&recordingSleeper{}), newMemorySink())
	_, summary := runJob(t, c, testJobConfig(4, "dns"), nil)
	assert.Equal(t, model.JobStateCompleted, summary.State)
	assert.Equal(t, 0, summary.Total)
}

func TestNewJob_DropsDuplicateLeads(t *testing.T) {
	leads := testLeads(t, 3)
	leads = append(leads, leads[1])

	job, err := NewJob("job-dup", leads, testJobConfig(1, "dns"))
	require.NoError(t, err)
	assert.Len(t, job.Leads, 3)
	assert.Equal(t, 3, job.Summary().Total)
	assert.Equal(t, model.JobStatePending, job.State())
}

func TestNewJob_InvalidConfig(t *testing.T) {
	cfg := testJobConfig(0, "dns")
	_, err := NewJob("job-x", nil, cfg)
	assert.Error(t, err)

	cfg = testJobConfig(1)
	_, err = NewJob("job-x", nil, cfg)
	assert.Error(t, err)

	_, err = NewJob("", nil, testJobConfig(1, "dns"))
	assert.Error(t, err)
}
