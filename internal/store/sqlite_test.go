package store

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/lead-enricher/internal/model"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	st, err := NewSQLite(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

func scoredLead(jobID, leadID string, score float64, tier string) model.ScoredLead {
	return model.ScoredLead{
		JobID: jobID,
		Record: model.EnrichmentRecord{
			Lead: model.Lead{ID: leadID, Identifier: leadID + ".com", Kind: model.LeadKindDomain},
			Canonical: map[string]model.CanonicalField{
				"registrar": {Value: "MarkMonitor", Source: "whois"},
			},
		},
		Score: score,
		Tier:  tier,
	}
}

// --- Scored leads ---

func TestSQLite_SaveAndList(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	require.NoError(t, st.Save(ctx, scoredLead("j1", "a", 40, "Warm")))
	require.NoError(t, st.Save(ctx, scoredLead("j1", "b", 90, "Hot")))
	require.NoError(t, st.Save(ctx, scoredLead("j2", "c", 10, "Cold")))

	leads, err := st.ListScoredLeads(ctx, "j1", LeadFilter{})
	require.NoError(t, err)
	require.Len(t, leads, 2)
	assert.Equal(t, "b", leads[0].Record.Lead.ID)
	assert.Equal(t, 90.0, leads[0].Score)
	assert.Equal(t, "whois", leads[0].Record.Canonical["registrar"].Source)

	hot, err := st.ListScoredLeads(ctx, "j1", LeadFilter{Tier: "Hot"})
	require.NoError(t, err)
	require.Len(t, hot, 1)
}

func TestSQLite_Save_OverwritesSameLead(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	require.NoError(t, st.Save(ctx, scoredLead("j1", "a", 40, "Warm")))
	require.NoError(t, st.Save(ctx, scoredLead("j1", "a", 75, "Hot")))

	leads, err := st.ListScoredLeads(ctx, "j1", LeadFilter{})
	require.NoError(t, err)
	require.Len(t, leads, 1)
	assert.Equal(t, 75.0, leads[0].Score)
	assert.Equal(t, "Hot", leads[0].Tier)
}

func TestSQLite_ListScoredLeads_Paging(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	for i := range 5 {
		require.NoError(t, st.Save(ctx, scoredLead("j1", fmt.Sprintf("l%d", i), float64(i*10), "Cold")))
	}

	page, err := st.ListScoredLeads(ctx, "j1", LeadFilter{Limit: 2, Offset: 2})
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, 20.0, page[0].Score)
	assert.Equal(t, 10.0, page[1].Score)
}

// --- Jobs ---

func TestSQLite_SaveJob_GetJob(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	summary := model.JobSummary{
		JobID:                   "j1",
		State:                   model.JobStateRunning,
		Total:                   10,
		PerAdapterFailureCounts: map[string]int{"whois": 2},
		CreatedAt:               time.Now().UTC(),
	}
	require.NoError(t, st.SaveJob(ctx, summary))

	summary.State = model.JobStateCompleted
	summary.Succeeded = 10
	require.NoError(t, st.SaveJob(ctx, summary))

	got, err := st.GetJob(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, model.JobStateCompleted, got.State)
	assert.Equal(t, 10, got.Succeeded)
	assert.Equal(t, 2, got.PerAdapterFailureCounts["whois"])
}

func TestSQLite_GetJob_NotFound(t *testing.T) {
	st := newTestSQLiteStore(t)

	_, err := st.GetJob(context.Background(), "nope")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLite_ListJobs(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	base := time.Now().UTC().Add(-time.Hour)
	for i, state := range []model.JobState{model.JobStateCompleted, model.JobStateFailed, model.JobStateCompleted} {
		require.NoError(t, st.SaveJob(ctx, model.JobSummary{
			JobID:     fmt.Sprintf("j%d", i),
			State:     state,
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		}))
	}

	all, err := st.ListJobs(ctx, JobFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "j2", all[0].JobID)

	completed, err := st.ListJobs(ctx, JobFilter{State: model.JobStateCompleted})
	require.NoError(t, err)
	assert.Len(t, completed, 2)

	limited, err := st.ListJobs(ctx, JobFilter{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

// --- DLQ ---

func TestSQLite_DLQ_Lifecycle(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	err := st.AddDLQ(ctx, []model.DLQEntry{
		{JobID: "j1", Lead: model.Lead{ID: "a", Identifier: "a.com", Kind: model.LeadKindDomain}, Outcome: model.LeadOutcomeFailed, Kind: model.ErrorKindStoreWrite, Error: "disk full"},
		{JobID: "j1", Lead: model.Lead{ID: "b", Identifier: "b.com", Kind: model.LeadKindDomain}, Outcome: model.LeadOutcomeAborted, Kind: model.ErrorKindLeadAborted},
		{JobID: "j2", Lead: model.Lead{ID: "c", Identifier: "c.com", Kind: model.LeadKindDomain}, Outcome: model.LeadOutcomeFailed, Kind: model.ErrorKindStoreWrite},
	})
	require.NoError(t, err)

	n, err := st.CountDLQ(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	j1, err := st.ListDLQ(ctx, DLQFilter{JobID: "j1"})
	require.NoError(t, err)
	require.Len(t, j1, 2)
	for _, e := range j1 {
		assert.NotEmpty(t, e.ID)
		assert.False(t, e.CreatedAt.IsZero())
	}

	storeErrs, err := st.ListDLQ(ctx, DLQFilter{Kind: model.ErrorKindStoreWrite})
	require.NoError(t, err)
	require.Len(t, storeErrs, 2)

	require.NoError(t, st.RemoveDLQ(ctx, []string{j1[0].ID, j1[1].ID}))
	n, err = st.CountDLQ(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestSQLite_AddDLQ_Empty(t *testing.T) {
	st := newTestSQLiteStore(t)
	require.NoError(t, st.AddDLQ(context.Background(), nil))
	require.NoError(t, st.RemoveDLQ(context.Background(), nil))
}

func TestSQLite_InMemory(t *testing.T) {
	st, err := NewSQLite(":memory:")
	require.NoError(t, err)
	defer st.Close() //nolint:errcheck

	ctx := context.Background()
	require.NoError(t, st.Migrate(ctx))
	require.NoError(t, st.Ping(ctx))
	require.NoError(t, st.Save(ctx, scoredLead("j1", "a", 1, "Cold")))
}
