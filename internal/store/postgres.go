package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/lead-enricher/internal/db"
	"github.com/sells-group/lead-enricher/internal/model"
)

var _ db.Pool = (*pgxpool.Pool)(nil)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// preparedStatements lists the per-lead queries that run once per worker
// task, prepared on each new connection.
var preparedStatements = map[string]string{
	"save_lead": saveLeadSQL,
	"save_job":  saveJobSQL,
	"get_job":   `SELECT summary FROM jobs WHERE id = $1`,
}

const saveLeadSQL = `INSERT INTO scored_leads (job_id, lead_id, identifier, score, tier, record, failed, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (job_id, lead_id) DO UPDATE SET
  identifier = EXCLUDED.identifier, score = EXCLUDED.score, tier = EXCLUDED.tier,
  record = EXCLUDED.record, failed = EXCLUDED.failed`

const saveJobSQL = `INSERT INTO jobs (id, state, summary, created_at, updated_at) VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (id) DO UPDATE SET state = EXCLUDED.state, summary = EXCLUDED.summary, updated_at = EXCLUDED.updated_at`

var dlqColumns = []string{"id", "job_id", "identifier", "lead", "outcome", "error_kind", "error", "created_at"}

// NewPostgres creates a PostgresStore with a connection pool. The pool is
// sized to the worker count so every worker can save without waiting.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = min(minConns, maxConns)
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for name, sql := range preparedStatements {
			if _, err := conn.Prepare(ctx, name, sql); err != nil {
				return eris.Wrapf(err, "postgres: prepare %s", name)
			}
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS jobs (
	id         TEXT PRIMARY KEY,
	state      TEXT NOT NULL,
	summary    JSONB NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS scored_leads (
	job_id     TEXT NOT NULL,
	lead_id    TEXT NOT NULL,
	identifier TEXT NOT NULL,
	score      DOUBLE PRECISION NOT NULL,
	tier       TEXT NOT NULL,
	record     JSONB NOT NULL,
	failed     JSONB NOT NULL DEFAULT '[]',
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (job_id, lead_id)
);

CREATE TABLE IF NOT EXISTS dlq (
	id         TEXT PRIMARY KEY,
	job_id     TEXT NOT NULL,
	identifier TEXT NOT NULL,
	lead       JSONB NOT NULL,
	outcome    TEXT NOT NULL,
	error_kind TEXT NOT NULL,
	error      TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_jobs_created_at ON jobs(created_at);
CREATE INDEX IF NOT EXISTS idx_scored_leads_tier ON scored_leads(job_id, tier);
CREATE INDEX IF NOT EXISTS idx_dlq_job_id ON dlq(job_id);
`

func (s *PostgresStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.pool.Ping(ctx), "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

func (s *PostgresStore) Save(ctx context.Context, lead model.ScoredLead) error {
	recordJSON, err := json.Marshal(lead.Record)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal record")
	}
	failedJSON, err := json.Marshal(nonNil(lead.Record.Failed))
	if err != nil {
		return eris.Wrap(err, "postgres: marshal failed adapters")
	}

	_, err = s.pool.Exec(ctx, saveLeadSQL,
		lead.JobID, lead.Record.Lead.ID, lead.Record.Lead.Identifier, lead.Score, lead.Tier,
		recordJSON, failedJSON, time.Now().UTC(),
	)
	return eris.Wrapf(err, "postgres: save lead %s", lead.Record.Lead.ID)
}

func (s *PostgresStore) ListScoredLeads(ctx context.Context, jobID string, filter LeadFilter) ([]model.ScoredLead, error) {
	query := `SELECT job_id, score, tier, record FROM scored_leads WHERE job_id = $1`
	args := []any{jobID}

	if filter.Tier != "" {
		args = append(args, filter.Tier)
		query += fmt.Sprintf(` AND tier = $%d`, len(args))
	}
	args = append(args, limitOr(filter.Limit, 100), max(filter.Offset, 0))
	query += fmt.Sprintf(` ORDER BY score DESC, lead_id LIMIT $%d OFFSET $%d`, len(args)-1, len(args))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list scored leads")
	}
	defer rows.Close()

	var leads []model.ScoredLead
	for rows.Next() {
		var sl model.ScoredLead
		var recordJSON []byte
		if err := rows.Scan(&sl.JobID, &sl.Score, &sl.Tier, &recordJSON); err != nil {
			return nil, eris.Wrap(err, "postgres: scan scored lead")
		}
		if err := json.Unmarshal(recordJSON, &sl.Record); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal record")
		}
		leads = append(leads, sl)
	}
	return leads, eris.Wrap(rows.Err(), "postgres: list scored leads iterate")
}

func (s *PostgresStore) SaveJob(ctx context.Context, summary model.JobSummary) error {
	summaryJSON, err := json.Marshal(summary)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal job summary")
	}
	_, err = s.pool.Exec(ctx, saveJobSQL,
		summary.JobID, string(summary.State), summaryJSON, summary.CreatedAt.UTC(), time.Now().UTC(),
	)
	return eris.Wrapf(err, "postgres: save job %s", summary.JobID)
}

func (s *PostgresStore) GetJob(ctx context.Context, jobID string) (*model.JobSummary, error) {
	var summaryJSON []byte
	err := s.pool.QueryRow(ctx, `SELECT summary FROM jobs WHERE id = $1`, jobID).Scan(&summaryJSON)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "job %s", jobID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get job %s", jobID)
	}
	return decodeSummary(summaryJSON)
}

func (s *PostgresStore) ListJobs(ctx context.Context, filter JobFilter) ([]model.JobSummary, error) {
	query := `SELECT summary FROM jobs WHERE 1=1`
	var args []any

	if filter.State != "" {
		args = append(args, string(filter.State))
		query += fmt.Sprintf(` AND state = $%d`, len(args))
	}
	if !filter.CreatedAfter.IsZero() {
		args = append(args, filter.CreatedAfter.UTC())
		query += fmt.Sprintf(` AND created_at >= $%d`, len(args))
	}
	args = append(args, limitOr(filter.Limit, 100))
	query += fmt.Sprintf(` ORDER BY created_at DESC LIMIT $%d`, len(args))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list jobs")
	}
	defer rows.Close()

	var jobs []model.JobSummary
	for rows.Next() {
		var summaryJSON []byte
		if err := rows.Scan(&summaryJSON); err != nil {
			return nil, eris.Wrap(err, "postgres: scan job")
		}
		js, err := decodeSummary(summaryJSON)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *js)
	}
	return jobs, eris.Wrap(rows.Err(), "postgres: list jobs iterate")
}

// AddDLQ loads entries with COPY; a failed job can dead-letter thousands of
// leads at once.
func (s *PostgresStore) AddDLQ(ctx context.Context, entries []model.DLQEntry) error {
	rows := make([][]any, 0, len(entries))
	for _, e := range entries {
		row, err := dlqRow(e)
		if err != nil {
			return err
		}
		rows = append(rows, row)
	}
	_, err := db.CopyRows(ctx, s.pool, "dlq", dlqColumns, rows)
	return eris.Wrap(err, "postgres: add dlq entries")
}

func (s *PostgresStore) ListDLQ(ctx context.Context, filter DLQFilter) ([]model.DLQEntry, error) {
	query := `SELECT id, job_id, lead, outcome, error_kind, error, created_at FROM dlq WHERE 1=1`
	var args []any

	if filter.JobID != "" {
		args = append(args, filter.JobID)
		query += fmt.Sprintf(` AND job_id = $%d`, len(args))
	}
	if filter.Kind != "" {
		args = append(args, string(filter.Kind))
		query += fmt.Sprintf(` AND error_kind = $%d`, len(args))
	}
	args = append(args, limitOr(filter.Limit, 1000))
	query += fmt.Sprintf(` ORDER BY created_at, id LIMIT $%d`, len(args))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list dlq")
	}
	defer rows.Close()

	var entries []model.DLQEntry
	for rows.Next() {
		var e model.DLQEntry
		var leadJSON []byte
		var outcome, kind string
		if err := rows.Scan(&e.ID, &e.JobID, &leadJSON, &outcome, &kind, &e.Error, &e.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan dlq entry")
		}
		if err := json.Unmarshal(leadJSON, &e.Lead); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal dlq lead")
		}
		e.Outcome = model.LeadOutcome(outcome)
		e.Kind = model.ErrorKind(kind)
		entries = append(entries, e)
	}
	return entries, eris.Wrap(rows.Err(), "postgres: list dlq iterate")
}

func (s *PostgresStore) CountDLQ(ctx context.Context) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM dlq`).Scan(&n)
	return n, eris.Wrap(err, "postgres: count dlq")
}

func (s *PostgresStore) RemoveDLQ(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.pool.Exec(ctx, `DELETE FROM dlq WHERE id = ANY($1)`, ids)
	return eris.Wrap(err, "postgres: remove dlq entries")
}
