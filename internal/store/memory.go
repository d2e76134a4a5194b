package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/example/fraud-review/api-go/internal/model"
)

type Memory struct {
	mu     sync.RWMutex
	jobs   map[string]model.Job
	rows   map[string][]model.ResultRow
	audit  []model.AuditEntry
	nextID int64
	now    func() time.Time
}

func NewMemory() *Memory {
	return &Memory{
		jobs: make(map[string]model.Job),
		rows: make(map[string][]model.ResultRow),
		now:  time.Now,
	}
}

func (m *Memory) Name() string { return "memory" }

func (m *Memory) Close() error { return nil }

func (m *Memory) CreateJob(_ context.Context, job model.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[job.ID]; ok {
		return fmt.Errorf("job %s: %w", job.ID, model.ErrAlreadyExists)
	}
	m.jobs[job.ID] = job
	return nil
}

func (m *Memory) GetJob(_ context.Context, id string) (model.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	job, ok := m.jobs[id]
	if !ok {
		return model.Job{}, model.ErrNotFound
	}
	return job, nil
}

func (m *Memory) UpdateJob(_ context.Context, id string, patch model.JobPatch) (model.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return model.Job{}, model.ErrNotFound
	}
	next, err := job.Apply(patch, m.now().UTC())
	if err != nil {
		return job, err
	}
	m.jobs[id] = next
	return next, nil
}

func (m *Memory) ListJobs(_ context.Context, status *model.JobStatus, limit int) ([]model.Job, error) {
	limit = normalizeLimit(limit, defaultListLimit)

	m.mu.RLock()
	out := make([]model.Job, 0, len(m.jobs))
	for _, job := range m.jobs {
		if status != nil && job.Status != *status {
			continue
		}
		out = append(out, job)
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) PutRows(_ context.Context, jobID string, rows []model.ResultRow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rows[jobID]; ok {
		return fmt.Errorf("rows for job %s: %w", jobID, model.ErrAlreadyExists)
	}
	m.rows[jobID] = append([]model.ResultRow(nil), rows...)
	return nil
}

func (m *Memory) Rows(_ context.Context, jobID string) ([]model.ResultRow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rows, ok := m.rows[jobID]
	if !ok {
		return nil, model.ErrNotFound
	}
	return append([]model.ResultRow(nil), rows...), nil
}

func (m *Memory) AppendAudit(_ context.Context, entries []model.AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range entries {
		m.nextID++
		e.ID = m.nextID
		m.audit = append(m.audit, e)
	}
	return nil
}

// ListAudit returns matching entries, newest first.
func (m *Memory) ListAudit(_ context.Context, filter model.AuditFilter) ([]model.AuditEntry, error) {
	limit := normalizeLimit(filter.Limit, defaultAuditLimit)

	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]model.AuditEntry, 0)
	for i := len(m.audit) - 1; i >= 0 && len(out) < limit; i-- {
		if auditMatches(m.audit[i], filter) {
			out = append(out, m.audit[i])
		}
	}
	return out, nil
}
