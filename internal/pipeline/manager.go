package pipeline

import (
	"context"
	"iter"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/lead-enricher/internal/model"
	"github.com/sells-group/lead-enricher/internal/monitoring"
	"github.com/sells-group/lead-enricher/internal/store"
)

var (
	// ErrJobRunning is returned while another job is running.
	ErrJobRunning = eris.New("pipeline: a job is already running")
	// ErrJobNotFound is returned for an unknown job id.
	ErrJobNotFound = eris.New("pipeline: job not found")
)

// Manager keeps the jobs of this process and runs at most one at a time.
// Job summaries are persisted on every state change and failed or aborted
// leads are dead-lettered when a job ends.
type Manager struct {
	coordinator *Coordinator
	store       store.Store

	mu      sync.Mutex
	jobs    map[string]*Job
	order   []string
	running string
	// reserved holds the slot while Submit drains its sequence.
	reserved bool
	wg       sync.WaitGroup
}

// NewManager returns a manager. st may be nil, in which case nothing is
// persisted.
func NewManager(coordinator *Coordinator, st store.Store) *Manager {
	return &Manager{
		coordinator: coordinator,
		store:       st,
		jobs:        make(map[string]*Job),
	}
}

// Collect drains a lead sequence. The first error stops it.
func Collect(seq iter.Seq2[model.Lead, error]) ([]model.Lead, error) {
	var leads []model.Lead
	for lead, err := range seq {
		if err != nil {
			return nil, eris.Wrap(err, "pipeline: load batch")
		}
		leads = append(leads, lead)
	}
	return leads, nil
}

// Submit drains seq into a new job and starts it in the background. The job
// outlives ctx; use Cancel to stop it. The job slot is held from before seq
// is consumed until the job ends, so seq is never drained for a job that
// cannot run.
func (m *Manager) Submit(ctx context.Context, cfg JobConfig, seq iter.Seq2[model.Lead, error]) (*Job, error) {
	if err := m.reserve(); err != nil {
		return nil, err
	}
	leads, err := Collect(seq)
	if err != nil {
		m.release()
		return nil, err
	}

	job, err := m.register(ctx, cfg, leads, true)
	if err != nil {
		m.release()
		return nil, err
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		_, _ = m.execute(context.WithoutCancel(ctx), job)
	}()
	return job, nil
}

// Run runs a job in the caller's goroutine and returns its summary.
// Cancelling ctx cancels the job.
func (m *Manager) Run(ctx context.Context, cfg JobConfig, leads []model.Lead) (model.JobSummary, error) {
	job, err := m.register(ctx, cfg, leads, false)
	if err != nil {
		return model.JobSummary{}, err
	}
	return m.execute(ctx, job)
}

func (m *Manager) reserve() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.busy(); err != nil {
		return err
	}
	m.reserved = true
	return nil
}

func (m *Manager) release() {
	m.mu.Lock()
	m.reserved = false
	m.mu.Unlock()
}

// busy reports ErrJobRunning if a job holds the slot. Callers hold m.mu.
func (m *Manager) busy() error {
	switch {
	case m.running != "":
		return eris.Wrapf(ErrJobRunning, "job %s", m.running)
	case m.reserved:
		return eris.Wrap(ErrJobRunning, "a batch is being loaded")
	}
	return nil
}

// register creates the job and takes the slot. With reserved the caller
// already holds it through reserve.
func (m *Manager) register(ctx context.Context, cfg JobConfig, leads []model.Lead, reserved bool) (*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !reserved {
		if err := m.busy(); err != nil {
			return nil, err
		}
	}
	job, err := NewJob(uuid.NewString(), leads, cfg)
	if err != nil {
		return nil, err
	}

	persistCtx := context.WithoutCancel(ctx)
	job.OnChange(func(s model.JobSummary) { m.saveSummary(persistCtx, s) })
	m.saveSummary(persistCtx, job.Summary())

	m.jobs[job.ID] = job
	m.order = append(m.order, job.ID)
	m.running = job.ID
	m.reserved = false
	return job, nil
}

func (m *Manager) execute(ctx context.Context, job *Job) (model.JobSummary, error) {
	defer func() {
		m.mu.Lock()
		m.running = ""
		m.mu.Unlock()
	}()

	summary, err := m.coordinator.Run(ctx, job)
	if err != nil {
		zap.L().Error("pipeline: job could not start", zap.String("job_id", job.ID), zap.Error(err))
		return summary, err
	}
	m.deadLetter(context.WithoutCancel(ctx), job, summary.Failures)
	return summary, nil
}

func (m *Manager) saveSummary(ctx context.Context, s model.JobSummary) {
	if m.store == nil {
		return
	}
	if err := m.store.SaveJob(ctx, s); err != nil {
		zap.L().Error("pipeline: save job summary",
			zap.String("job_id", s.JobID),
			zap.String("state", string(s.State)),
			zap.Error(err),
		)
	}
}

func (m *Manager) deadLetter(ctx context.Context, job *Job, failures []model.LeadFailure) {
	if m.store == nil || len(failures) == 0 {
		return
	}
	byID := make(map[string]model.Lead, len(job.Leads))
	for _, l := range job.Leads {
		byID[l.ID] = l
	}

	now := time.Now().UTC()
	entries := make([]model.DLQEntry, 0, len(failures))
	for _, f := range failures {
		entries = append(entries, model.DLQEntry{
			ID:        uuid.NewString(),
			JobID:     job.ID,
			Lead:      byID[f.LeadID],
			Outcome:   f.Outcome,
			Kind:      f.Kind,
			Error:     f.Detail,
			CreatedAt: now,
		})
	}
	if err := m.store.AddDLQ(ctx, entries); err != nil {
		zap.L().Error("pipeline: write dead letters",
			zap.String("job_id", job.ID),
			zap.Int("entries", len(entries)),
			zap.Error(err),
		)
		return
	}
	zap.L().Info("pipeline: leads dead-lettered",
		zap.String("job_id", job.ID),
		zap.Int("entries", len(entries)),
	)
}

// Cancel asks a job to stop. It reports false if the job already finished.
func (m *Manager) Cancel(id string) (bool, error) {
	job, err := m.Get(id)
	if err != nil {
		return false, err
	}
	return job.Cancel(), nil
}

// Get returns a job by id.
func (m *Manager) Get(id string) (*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return nil, eris.Wrapf(ErrJobNotFound, "job %s", id)
	}
	return job, nil
}

// List returns the summaries of all jobs of this process, newest first.
func (m *Manager) List() []model.JobSummary {
	m.mu.Lock()
	jobs := make([]*Job, 0, len(m.order))
	for _, id := range slices.Backward(m.order) {
		jobs = append(jobs, m.jobs[id])
	}
	m.mu.Unlock()

	out := make([]model.JobSummary, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, j.Summary())
	}
	return out
}

// Snapshot returns the live counters of a job.
func (m *Manager) Snapshot(id string) (monitoring.Snapshot, error) {
	job, err := m.Get(id)
	if err != nil {
		return monitoring.Snapshot{}, err
	}
	return job.Snapshot(), nil
}

// Latest returns the most recently submitted job, or nil.
func (m *Manager) Latest() *Job {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.order) == 0 {
		return nil
	}
	return m.jobs[m.order[len(m.order)-1]]
}

// Running returns the id of the running job, if any. While a submitted
// batch is still loading it reports true with an empty id.
func (m *Manager) Running() (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running, m.running != "" || m.reserved
}

// Wait blocks until every submitted job has finished or ctx is done.
func (m *Manager) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown cancels the running job and waits for background jobs to end.
func (m *Manager) Shutdown(ctx context.Context) error {
	if id, ok := m.Running(); ok {
		_, _ = m.Cancel(id)
	}
	return m.Wait(ctx)
}
