// Package store holds the job registry and the row/audit collections owned by
// a scoring backend. Memory is meant for tests and the in-process simulator;
// SQLite is the persistent backing store.
package store

import (
	"context"

	"github.com/example/fraud-review/api-go/internal/model"
)

// JobStore is the job registry. UpdateJob enforces model.Job.Apply, so no
// implementation can move a job backwards or out of a terminal state.
type JobStore interface {
	CreateJob(ctx context.Context, job model.Job) error
	GetJob(ctx context.Context, id string) (model.Job, error)
	UpdateJob(ctx context.Context, id string, patch model.JobPatch) (model.Job, error)
	ListJobs(ctx context.Context, status *model.JobStatus, limit int) ([]model.Job, error)
}

// RowStore keeps the result rows of each job in insertion order.
type RowStore interface {
	PutRows(ctx context.Context, jobID string, rows []model.ResultRow) error
	Rows(ctx context.Context, jobID string) ([]model.ResultRow, error)
}

type AuditStore interface {
	AppendAudit(ctx context.Context, entries []model.AuditEntry) error
	ListAudit(ctx context.Context, filter model.AuditFilter) ([]model.AuditEntry, error)
}

// Backing bundles the three collections; both implementations satisfy it.
type Backing interface {
	JobStore
	RowStore
	AuditStore
	Name() string
	Close() error
}

const (
	defaultListLimit  = 25
	defaultAuditLimit = 100
	maxListLimit      = 1000
)

func normalizeLimit(limit, fallback int) int {
	if limit <= 0 {
		return fallback
	}
	if limit > maxListLimit {
		return maxListLimit
	}
	return limit
}

func auditMatches(e model.AuditEntry, f model.AuditFilter) bool {
	if f.Start != nil && e.Timestamp.Before(*f.Start) {
		return false
	}
	if f.End != nil && e.Timestamp.After(*f.End) {
		return false
	}
	if f.ModelVersion != "" && e.ModelVersion != f.ModelVersion {
		return false
	}
	if f.FraudOnly && e.Decision != model.DecisionFraud {
		return false
	}
	return true
}
