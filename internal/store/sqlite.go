package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/example/fraud-review/api-go/internal/model"
)

type SQLite struct {
	db  *sql.DB
	now func() time.Time
}

const schema = `
CREATE TABLE IF NOT EXISTS jobs (
  id TEXT PRIMARY KEY,
  created_at INTEGER NOT NULL,
  updated_at INTEGER NOT NULL,
  completed_at INTEGER,
  status TEXT NOT NULL,
  progress INTEGER NOT NULL DEFAULT 0,
  input_key TEXT NOT NULL DEFAULT '',
  model_version TEXT NOT NULL DEFAULT '',
  row_count INTEGER NOT NULL DEFAULT 0,
  result_ref TEXT,
  failure_reason TEXT
);
CREATE TABLE IF NOT EXISTS result_rows (
  job_id TEXT NOT NULL,
  seq INTEGER NOT NULL,
  transaction_id TEXT NOT NULL,
  approved INTEGER NOT NULL,
  decision TEXT NOT NULL,
  score REAL NOT NULL,
  PRIMARY KEY (job_id, seq)
);
CREATE TABLE IF NOT EXISTS audit_log (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  created_at INTEGER NOT NULL,
  job_id TEXT NOT NULL,
  transaction_id TEXT NOT NULL,
  score REAL NOT NULL,
  decision TEXT NOT NULL,
  model_version TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS audit_log_created_at ON audit_log (created_at);
`

func Open(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// A single connection serialises writers; read-modify-write updates rely on it.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &SQLite{db: db, now: time.Now}, nil
}

func (s *SQLite) Name() string { return "sqlite" }

func (s *SQLite) Close() error { return s.db.Close() }

func (s *SQLite) CreateJob(ctx context.Context, job model.Job) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO jobs (id, created_at, updated_at, status, progress, input_key, model_version, row_count)
         VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID,
		job.CreatedAt.UnixMilli(),
		job.UpdatedAt.UnixMilli(),
		string(job.Status),
		job.Progress,
		job.InputKey,
		job.ModelVersion,
		job.RowCount,
	)
	if err != nil && strings.Contains(err.Error(), "UNIQUE") {
		return fmt.Errorf("job %s: %w", job.ID, model.ErrAlreadyExists)
	}
	return err
}

const jobColumns = `id, created_at, updated_at, completed_at, status, progress, input_key, model_version, row_count, result_ref, failure_reason`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (model.Job, error) {
	var (
		jid, statusStr, inputKey, modelVersion string
		createdMs, updatedMs                   int64
		completedMs                            sql.NullInt64
		progress, rowCount                     int
		resultRef, failure                     sql.NullString
	)
	if err := row.Scan(&jid, &createdMs, &updatedMs, &completedMs, &statusStr, &progress, &inputKey, &modelVersion, &rowCount, &resultRef, &failure); err != nil {
		return model.Job{}, err
	}
	job := model.Job{
		ID:           jid,
		CreatedAt:    time.UnixMilli(createdMs).UTC(),
		UpdatedAt:    time.UnixMilli(updatedMs).UTC(),
		Status:       model.JobStatus(statusStr),
		Progress:     progress,
		InputKey:     inputKey,
		ModelVersion: modelVersion,
		RowCount:     rowCount,
	}
	if completedMs.Valid {
		t := time.UnixMilli(completedMs.Int64).UTC()
		job.CompletedAt = &t
	}
	if resultRef.Valid {
		job.ResultRef = resultRef.String
	}
	if failure.Valid {
		job.FailureReason = failure.String
	}
	return job, nil
}

func (s *SQLite) GetJob(ctx context.Context, id string) (model.Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Job{}, model.ErrNotFound
	}
	return job, err
}

func (s *SQLite) ListJobs(ctx context.Context, status *model.JobStatus, limit int) ([]model.Job, error) {
	limit = normalizeLimit(limit, defaultListLimit)

	query := `SELECT ` + jobColumns + ` FROM jobs`
	args := []any{}
	if status != nil {
		query += " WHERE status = ?"
		args = append(args, string(*status))
	}
	query += " ORDER BY updated_at DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

func (s *SQLite) UpdateJob(ctx context.Context, id string, patch model.JobPatch) (model.Job, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return model.Job{}, err
	}
	defer func() { _ = tx.Rollback() }()

	current, err := scanJob(tx.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return model.Job{}, model.ErrNotFound
	}
	if err != nil {
		return model.Job{}, err
	}

	next, err := current.Apply(patch, s.now().UTC())
	if err != nil {
		return current, err
	}

	var completed any
	if next.CompletedAt != nil {
		completed = next.CompletedAt.UnixMilli()
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE jobs
         SET updated_at = ?, completed_at = ?, status = ?, progress = ?, row_count = ?,
             result_ref = ?, failure_reason = ?
         WHERE id = ?`,
		next.UpdatedAt.UnixMilli(),
		completed,
		string(next.Status),
		next.Progress,
		next.RowCount,
		nullableString(next.ResultRef),
		nullableString(next.FailureReason),
		id,
	)
	if err != nil {
		return current, err
	}
	if err := tx.Commit(); err != nil {
		return current, err
	}
	return next, nil
}

func (s *SQLite) PutRows(ctx context.Context, jobID string, rows []model.ResultRow) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var existing int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM result_rows WHERE job_id = ?`, jobID).Scan(&existing); err != nil {
		return err
	}
	if existing > 0 {
		return fmt.Errorf("rows for job %s: %w", jobID, model.ErrAlreadyExists)
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO result_rows (job_id, seq, transaction_id, approved, decision, score) VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for i, r := range rows {
		if _, err := stmt.ExecContext(ctx, jobID, i, r.TransactionID, boolToInt(r.Approved), r.Decision, r.Score); err != nil {
			return fmt.Errorf("insert row %d: %w", i, err)
		}
	}
	return tx.Commit()
}

// Rows returns ErrNotFound when nothing was stored for the job. A job scored
// from an input with zero rows is rejected at submission, so an empty set
// never needs representing.
func (s *SQLite) Rows(ctx context.Context, jobID string) ([]model.ResultRow, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT transaction_id, approved, decision, score FROM result_rows WHERE job_id = ? ORDER BY seq ASC`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.ResultRow
	for rows.Next() {
		var (
			r        model.ResultRow
			approved int
		)
		if err := rows.Scan(&r.TransactionID, &approved, &r.Decision, &r.Score); err != nil {
			return nil, err
		}
		r.Approved = approved != 0
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, model.ErrNotFound
	}
	return out, nil
}

func (s *SQLite) AppendAudit(ctx context.Context, entries []model.AuditEntry) error {
	if len(entries) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO audit_log (created_at, job_id, transaction_id, score, decision, model_version) VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, e := range entries {
		if _, err := stmt.ExecContext(ctx, e.Timestamp.UnixMilli(), e.JobID, e.TransactionID, e.Score, e.Decision, e.ModelVersion); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *SQLite) ListAudit(ctx context.Context, filter model.AuditFilter) ([]model.AuditEntry, error) {
	query := `SELECT id, created_at, job_id, transaction_id, score, decision, model_version FROM audit_log`
	var (
		where []string
		args  []any
	)
	if filter.Start != nil {
		where = append(where, "created_at >= ?")
		args = append(args, filter.Start.UnixMilli())
	}
	if filter.End != nil {
		where = append(where, "created_at <= ?")
		args = append(args, filter.End.UnixMilli())
	}
	if filter.ModelVersion != "" {
		where = append(where, "model_version = ?")
		args = append(args, filter.ModelVersion)
	}
	if filter.FraudOnly {
		where = append(where, "decision = ?")
		args = append(args, model.DecisionFraud)
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC LIMIT ?"
	args = append(args, normalizeLimit(filter.Limit, defaultAuditLimit))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]model.AuditEntry, 0)
	for rows.Next() {
		var (
			e  model.AuditEntry
			ms int64
		)
		if err := rows.Scan(&e.ID, &ms, &e.JobID, &e.TransactionID, &e.Score, &e.Decision, &e.ModelVersion); err != nil {
			return nil, err
		}
		e.Timestamp = time.UnixMilli(ms).UTC()
		out = append(out, e)
	}
	return out, rows.Err()
}

func nullableString(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
