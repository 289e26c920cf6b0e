package pipeline

import (
	"context"
	"iter"
	"path/filepath"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/lead-enricher/internal/adapter"
	"github.com/sells-group/lead-enricher/internal/model"
	"github.com/sells-group/lead-enricher/internal/source"
	"github.com/sells-group/lead-enricher/internal/store"
)

func newTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "jobs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

func sliceSeq(leads []model.Lead) iter.Seq2[model.Lead, error] {
	return func(yield func(model.Lead, error) bool) {
		for _, l := range leads {
			if !yield(l, nil) {
				return
			}
		}
	}
}

func TestManager_SubmitPersistsSummaryAndLeads(t *testing.T) {
	st := newTestStore(t)
	c := NewCoordinator(newTestRegistry(t, stockAdapters()...), testController(&recordingSleeper{}), st)
	m := NewManager(c, st)
	ctx := context.Background()

	job, err := m.Submit(ctx, testJobConfig(4, "validator", "dns", "whois"), sliceSeq(testLeads(t, 12)))
	require.NoError(t, err)
	require.NoError(t, m.Wait(ctx))

	got, err := st.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStateCompleted, got.State)
	assert.Equal(t, 12, got.Succeeded)
	assert.NotNil(t, got.FinishedAt)

	leads, err := st.ListScoredLeads(ctx, job.ID, store.LeadFilter{})
	require.NoError(t, err)
	assert.Len(t, leads, 12)

	_, running := m.Running()
	assert.False(t, running)
	assert.Equal(t, job, m.Latest())
}

func TestManager_OneJobAtATime(t *testing.T) {
	gate := make(chan struct{})
	blocking := adapter.Func{AdapterName: "dns", Fn: func(context.Context, string) (model.Fields, error) {
		<-gate
		return model.Fields{}, nil
	}}
	c := NewCoordinator(newTestRegistry(t, blocking), testController(&recordingSleeper{}), newMemorySink())
	m := NewManager(c, nil)
	ctx := context.Background()

	first, err := m.Submit(ctx, testJobConfig(1, "dns"), sliceSeq(testLeads(t, 2)))
	require.NoError(t, err)

	consumed := false
	second := func(yield func(model.Lead, error) bool) {
		consumed = true
		sliceSeq(testLeads(t, 1))(yield)
	}
	_, err = m.Submit(ctx, testJobConfig(1, "dns"), second)
	assert.True(t, eris.Is(err, ErrJobRunning))
	assert.False(t, consumed)

	id, running := m.Running()
	assert.True(t, running)
	assert.Equal(t, first.ID, id)

	close(gate)
	require.NoError(t, m.Wait(ctx))

	third, err := m.Submit(ctx, testJobConfig(1, "dns"), sliceSeq(testLeads(t, 1)))
	require.NoError(t, err)
	require.NoError(t, m.Wait(ctx))

	list := m.List()
	require.Len(t, list, 2)
	assert.Equal(t, third.ID, list[0].JobID)
	assert.Equal(t, first.ID, list[1].JobID)
}

func TestManager_SubmitHoldsSlotWhileLoading(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, st.AddDLQ(ctx, []model.DLQEntry{
		{JobID: "old", Lead: testLeads(t, 1)[0], Outcome: model.LeadOutcomeAborted, Kind: model.ErrorKindLeadAborted},
	}))

	c := NewCoordinator(newTestRegistry(t, stockAdapters()...), testController(&recordingSleeper{}), st)
	m := NewManager(c, st)

	dlq, err := (&source.DLQSource{Store: st}).LoadBatch(ctx, "", 0)
	require.NoError(t, err)

	var nestedErr error
	first := func(yield func(model.Lead, error) bool) {
		_, running := m.Running()
		assert.True(t, running)
		_, nestedErr = m.Submit(ctx, testJobConfig(1, "dns"), dlq)
		sliceSeq(testLeads(t, 3))(yield)
	}

	job, err := m.Submit(ctx, testJobConfig(2, "validator", "dns"), first)
	require.NoError(t, err)
	require.NoError(t, m.Wait(ctx))

	assert.True(t, eris.Is(nestedErr, ErrJobRunning))
	require.Len(t, m.List(), 1)
	assert.Equal(t, 3, job.Summary().Succeeded)

	n, err := st.CountDLQ(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "rejected submission must not drain the dead-letter queue")

	// The slot is free again after a failed load.
	bad := func(yield func(model.Lead, error) bool) {
		yield(model.Lead{}, eris.New("source: bad row"))
	}
	_, err = m.Submit(ctx, testJobConfig(1, "dns"), bad)
	require.Error(t, err)
	_, running := m.Running()
	assert.False(t, running)
}

func TestManager_CancelDeadLettersAbortedLeads(t *testing.T) {
	st := newTestStore(t)
	gate := make(chan struct{})
	started := make(chan struct{}, 1)
	blocking := adapter.Func{AdapterName: "dns", Fn: func(context.Context, string) (model.Fields, error) {
		select {
		case started <- struct{}{}:
		default:
		}
		<-gate
		return model.Fields{"mx_records": []string{"mx"}}, nil
	}}
	c := NewCoordinator(newTestRegistry(t, blocking), testController(&recordingSleeper{}), st)
	m := NewManager(c, st)
	ctx := context.Background()

	job, err := m.Submit(ctx, testJobConfig(1, "dns"), sliceSeq(testLeads(t, 5)))
	require.NoError(t, err)

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("no lead started")
	}
	ok, err := m.Cancel(job.ID)
	require.NoError(t, err)
	assert.True(t, ok)
	close(gate)
	require.NoError(t, m.Wait(ctx))

	got, err := st.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStateFailed, got.State)
	assert.Equal(t, 1, got.Succeeded)
	assert.Equal(t, 4, got.Aborted)

	entries, err := st.ListDLQ(ctx, store.DLQFilter{JobID: job.ID})
	require.NoError(t, err)
	require.Len(t, entries, 4)
	for _, e := range entries {
		assert.Equal(t, model.ErrorKindLeadAborted, e.Kind)
		assert.Equal(t, model.LeadOutcomeAborted, e.Outcome)
		assert.NotEmpty(t, e.Lead.Identifier)
	}
}

func TestManager_RunBlocksAndReturnsSummary(t *testing.T) {
	c := NewCoordinator(newTestRegistry(t, stockAdapters()...), testController(&recordingSleeper{}), newMemorySink())
	m := NewManager(c, nil)

	summary, err := m.Run(context.Background(), testJobConfig(3, "validator", "whois"), testLeads(t, 7))
	require.NoError(t, err)
	assert.Equal(t, model.JobStateCompleted, summary.State)
	assert.Equal(t, 7, summary.Succeeded)

	snap, err := m.Snapshot(summary.JobID)
	require.NoError(t, err)
	assert.Equal(t, 7, snap.Succeeded)
}

func TestManager_SubmitStopsOnSequenceError(t *testing.T) {
	m := NewManager(NewCoordinator(newTestRegistry(t, stockAdapters()...), testController(&recordingSleeper{}), newMemorySink()), nil)
	seq := func(yield func(model.Lead, error) bool) {
		yield(model.Lead{}, eris.New("source: bad row"))
	}

	_, err := m.Submit(context.Background(), testJobConfig(1, "dns"), seq)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad row")
	assert.Empty(t, m.List())
}

func TestManager_UnknownJob(t *testing.T) {
	m := NewManager(nil, nil)

	_, err := m.Get("nope")
	assert.True(t, eris.Is(err, ErrJobNotFound))
	_, err = m.Cancel("nope")
	assert.True(t, eris.Is(err, ErrJobNotFound))
	_, err = m.Snapshot("nope")
	assert.True(t, eris.Is(err, ErrJobNotFound))
	assert.Nil(t, m.Latest())
}
