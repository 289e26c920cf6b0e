package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/lead-enricher/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	if dsn == ":memory:" {
		// Each pooled connection would get its own empty in-memory database.
		db.SetMaxOpenConns(1)
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS jobs (
	id         TEXT PRIMARY KEY,
	state      TEXT NOT NULL,
	summary    TEXT NOT NULL,
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS scored_leads (
	job_id     TEXT NOT NULL,
	lead_id    TEXT NOT NULL,
	identifier TEXT NOT NULL,
	score      REAL NOT NULL,
	tier       TEXT NOT NULL,
	record     TEXT NOT NULL,
	failed     TEXT NOT NULL DEFAULT '[]',
	created_at DATETIME NOT NULL,
	PRIMARY KEY (job_id, lead_id)
);

CREATE TABLE IF NOT EXISTS dlq (
	id         TEXT PRIMARY KEY,
	job_id     TEXT NOT NULL,
	identifier TEXT NOT NULL,
	lead       TEXT NOT NULL,
	outcome    TEXT NOT NULL,
	error_kind TEXT NOT NULL,
	error      TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_jobs_created_at ON jobs(created_at);
CREATE INDEX IF NOT EXISTS idx_scored_leads_tier ON scored_leads(job_id, tier);
CREATE INDEX IF NOT EXISTS idx_dlq_job_id ON dlq(job_id);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.db.PingContext(ctx), "sqlite: ping")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Save(ctx context.Context, lead model.ScoredLead) error {
	recordJSON, err := json.Marshal(lead.Record)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal record")
	}
	failedJSON, err := json.Marshal(nonNil(lead.Record.Failed))
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal failed adapters")
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO scored_leads (job_id, lead_id, identifier, score, tier, record, failed, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (job_id, lead_id) DO UPDATE SET
		   identifier = excluded.identifier, score = excluded.score, tier = excluded.tier,
		   record = excluded.record, failed = excluded.failed`,
		lead.JobID, lead.Record.Lead.ID, lead.Record.Lead.Identifier, lead.Score, lead.Tier,
		string(recordJSON), string(failedJSON), time.Now().UTC(),
	)
	return eris.Wrapf(err, "sqlite: save lead %s", lead.Record.Lead.ID)
}

func (s *SQLiteStore) ListScoredLeads(ctx context.Context, jobID string, filter LeadFilter) ([]model.ScoredLead, error) {
	query := `SELECT job_id, score, tier, record FROM scored_leads WHERE job_id = ?`
	args := []any{jobID}

	if filter.Tier != "" {
		query += ` AND tier = ?`
		args = append(args, filter.Tier)
	}
	query += ` ORDER BY score DESC, lead_id LIMIT ? OFFSET ?`
	args = append(args, limitOr(filter.Limit, 100), max(filter.Offset, 0))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list scored leads")
	}
	defer rows.Close()

	var leads []model.ScoredLead
	for rows.Next() {
		var sl model.ScoredLead
		var recordJSON string
		if err := rows.Scan(&sl.JobID, &sl.Score, &sl.Tier, &recordJSON); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan scored lead")
		}
		if err := json.Unmarshal([]byte(recordJSON), &sl.Record); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal record")
		}
		leads = append(leads, sl)
	}
	return leads, eris.Wrap(rows.Err(), "sqlite: list scored leads iterate")
}

func (s *SQLiteStore) SaveJob(ctx context.Context, summary model.JobSummary) error {
	summaryJSON, err := json.Marshal(summary)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal job summary")
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO jobs (id, state, summary, created_at, updated_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET state = excluded.state, summary = excluded.summary, updated_at = excluded.updated_at`,
		summary.JobID, string(summary.State), string(summaryJSON), summary.CreatedAt.UTC(), time.Now().UTC(),
	)
	return eris.Wrapf(err, "sqlite: save job %s", summary.JobID)
}

func (s *SQLiteStore) GetJob(ctx context.Context, jobID string) (*model.JobSummary, error) {
	var summaryJSON string
	err := s.db.QueryRowContext(ctx, `SELECT summary FROM jobs WHERE id = ?`, jobID).Scan(&summaryJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "job %s", jobID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get job %s", jobID)
	}
	return decodeSummary([]byte(summaryJSON))
}

func (s *SQLiteStore) ListJobs(ctx context.Context, filter JobFilter) ([]model.JobSummary, error) {
	query := `SELECT summary FROM jobs WHERE 1=1`
	var args []any

	if filter.State != "" {
		query += ` AND state = ?`
		args = append(args, string(filter.State))
	}
	if !filter.CreatedAfter.IsZero() {
		query += ` AND created_at >= ?`
		args = append(args, filter.CreatedAfter.UTC())
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limitOr(filter.Limit, 100))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list jobs")
	}
	defer rows.Close()

	var jobs []model.JobSummary
	for rows.Next() {
		var summaryJSON string
		if err := rows.Scan(&summaryJSON); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan job")
		}
		js, err := decodeSummary([]byte(summaryJSON))
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *js)
	}
	return jobs, eris.Wrap(rows.Err(), "sqlite: list jobs iterate")
}

func (s *SQLiteStore) AddDLQ(ctx context.Context, entries []model.DLQEntry) error {
	if len(entries) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin dlq tx")
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO dlq (id, job_id, identifier, lead, outcome, error_kind, error, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return eris.Wrap(err, "sqlite: prepare dlq insert")
	}
	defer stmt.Close()

	for _, e := range entries {
		row, err := dlqRow(e)
		if err != nil {
			return err
		}
		if _, err := stmt.ExecContext(ctx, row...); err != nil {
			return eris.Wrapf(err, "sqlite: insert dlq entry for %s", e.Lead.ID)
		}
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit dlq tx")
}

func (s *SQLiteStore) ListDLQ(ctx context.Context, filter DLQFilter) ([]model.DLQEntry, error) {
	query := `SELECT id, job_id, lead, outcome, error_kind, error, created_at FROM dlq WHERE 1=1`
	var args []any

	if filter.JobID != "" {
		query += ` AND job_id = ?`
		args = append(args, filter.JobID)
	}
	if filter.Kind != "" {
		query += ` AND error_kind = ?`
		args = append(args, string(filter.Kind))
	}
	query += ` ORDER BY created_at, id LIMIT ?`
	args = append(args, limitOr(filter.Limit, 1000))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list dlq")
	}
	defer rows.Close()

	var entries []model.DLQEntry
	for rows.Next() {
		var e model.DLQEntry
		var leadJSON string
		if err := rows.Scan(&e.ID, &e.JobID, &leadJSON, &e.Outcome, &e.Kind, &e.Error, &e.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan dlq entry")
		}
		if err := json.Unmarshal([]byte(leadJSON), &e.Lead); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal dlq lead")
		}
		entries = append(entries, e)
	}
	return entries, eris.Wrap(rows.Err(), "sqlite: list dlq iterate")
}

func (s *SQLiteStore) CountDLQ(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM dlq`).Scan(&n)
	return n, eris.Wrap(err, "sqlite: count dlq")
}

func (s *SQLiteStore) RemoveDLQ(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM dlq WHERE id IN (`+placeholders+`)`, args...)
	return eris.Wrap(err, "sqlite: remove dlq entries")
}

// helpers

func decodeSummary(data []byte) (*model.JobSummary, error) {
	var js model.JobSummary
	if err := json.Unmarshal(data, &js); err != nil {
		return nil, eris.Wrap(err, "store: unmarshal job summary")
	}
	return &js, nil
}

// dlqRow returns the column values of a DLQ entry in table order, filling in
// a generated id and timestamp when missing.
func dlqRow(e model.DLQEntry) ([]any, error) {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	leadJSON, err := json.Marshal(e.Lead)
	if err != nil {
		return nil, eris.Wrap(err, "store: marshal dlq lead")
	}
	return []any{
		e.ID, e.JobID, e.Lead.Identifier, string(leadJSON),
		string(e.Outcome), string(e.Kind), e.Error, e.CreatedAt.UTC(),
	}, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
